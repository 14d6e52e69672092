package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fekuna/omnipos-sync-agent/config"
	"github.com/fekuna/omnipos-sync-agent/internal/checkpoint"
	"github.com/fekuna/omnipos-sync-agent/internal/conflict"
	"github.com/fekuna/omnipos-sync-agent/internal/localstore"
	"github.com/fekuna/omnipos-sync-agent/internal/model"
	"github.com/fekuna/omnipos-sync-agent/internal/remote"
	"github.com/fekuna/omnipos-sync-agent/internal/transfer"
	"github.com/fekuna/omnipos-sync-agent/pkg/logger"
)

// fakeRest is a minimal in-memory stand-in for the shared store's REST
// surface: equality filters, gt filters inside or=(), merge-duplicates
// upserts, patches and deletes.
type fakeRest struct {
	mu     sync.Mutex
	tables map[string][]map[string]any
	// failGet makes GETs on the named table return 500.
	failGet map[string]bool
}

func newFakeRest() *fakeRest {
	return &fakeRest{tables: map[string][]map[string]any{}, failGet: map[string]bool{}}
}

func (f *fakeRest) seed(table string, rows ...map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[table] = append(f.tables[table], rows...)
}

// rows returns the stored row maps themselves, so tests can both inspect
// and mutate server-side state.
func (f *fakeRest) rows(table string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, len(f.tables[table]))
	copy(out, f.tables[table])
	return out
}

func (f *fakeRest) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	table := strings.TrimPrefix(r.URL.Path, "/rest/v1/")
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		if f.failGet[table] {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		out := []map[string]any{}
		for _, row := range f.tables[table] {
			if matches(row, r.URL.Query()) {
				out = append(out, row)
			}
		}
		json.NewEncoder(w).Encode(out)

	case http.MethodPost:
		data, _ := io.ReadAll(r.Body)
		var rows []map[string]any
		if err := json.Unmarshal(data, &rows); err != nil {
			var one map[string]any
			if json.Unmarshal(data, &one) == nil && one != nil {
				rows = []map[string]any{one}
			}
		}
		keys := strings.Split(r.URL.Query().Get("on_conflict"), ",")
		for _, row := range rows {
			f.upsertLocked(table, row, keys)
		}
		w.WriteHeader(http.StatusCreated)

	case http.MethodPatch:
		var fields map[string]any
		json.NewDecoder(r.Body).Decode(&fields)
		for _, row := range f.tables[table] {
			if matches(row, r.URL.Query()) {
				for k, v := range fields {
					row[k] = v
				}
			}
		}

	case http.MethodDelete:
		kept := f.tables[table][:0]
		for _, row := range f.tables[table] {
			if !matches(row, r.URL.Query()) {
				kept = append(kept, row)
			}
		}
		f.tables[table] = kept
	}
}

func (f *fakeRest) upsertLocked(table string, row map[string]any, keys []string) {
	if len(keys) > 0 && keys[0] != "" {
		for _, existing := range f.tables[table] {
			match := true
			for _, k := range keys {
				if toStr(existing[k]) != toStr(row[k]) {
					match = false
					break
				}
			}
			if match {
				for k, v := range row {
					existing[k] = v
				}
				return
			}
		}
	}
	f.tables[table] = append(f.tables[table], row)
}

func matches(row map[string]any, query map[string][]string) bool {
	for field, vals := range query {
		switch field {
		case "select", "order", "on_conflict":
			continue
		case "or":
			if !matchesOr(row, vals[0]) {
				return false
			}
		default:
			if !matchesCond(row, field, vals[0]) {
				return false
			}
		}
	}
	return true
}

func matchesOr(row map[string]any, expr string) bool {
	expr = strings.TrimSuffix(strings.TrimPrefix(expr, "("), ")")
	for _, cond := range strings.Split(expr, ",") {
		parts := strings.SplitN(cond, ".", 2)
		if len(parts) == 2 && matchesCond(row, parts[0], parts[1]) {
			return true
		}
	}
	return false
}

func matchesCond(row map[string]any, field, cond string) bool {
	op, val, ok := strings.Cut(cond, ".")
	if !ok {
		return false
	}
	have := toStr(row[field])
	switch op {
	case "eq":
		return have == val
	case "gt":
		// RFC3339 UTC timestamps compare correctly as strings.
		return have != "" && have > val
	}
	return false
}

func toStr(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		data, _ := json.Marshal(t)
		return string(data)
	}
}

// fakeLocal is an in-memory local database.
type fakeLocal struct {
	storeKey string
	depts    []model.LocalDepartment
	items    map[string]*model.LocalItem

	upsertedDepts map[string]string
	removed       []string
	deptsErr      error
	// blockDelete simulates a sales-history foreign key on the item.
	blockDelete map[string]bool
}

func newFakeLocal(storeKey string) *fakeLocal {
	return &fakeLocal{
		storeKey:      storeKey,
		items:         map[string]*model.LocalItem{},
		upsertedDepts: map[string]string{},
		blockDelete:   map[string]bool{},
	}
}

func (f *fakeLocal) addItem(itemNum string, stock float64, updatedAt time.Time) {
	f.items[itemNum] = &model.LocalItem{
		ItemNum:        itemNum,
		ItemName:       sql.NullString{String: "Item " + itemNum, Valid: true},
		DeptID:         sql.NullString{String: "GROC", Valid: true},
		InStock:        sql.NullFloat64{Float64: stock, Valid: true},
		StoreID:        sql.NullString{String: f.storeKey, Valid: true},
		LocalUpdatedAt: sql.NullTime{Time: updatedAt, Valid: !updatedAt.IsZero()},
	}
}

func (f *fakeLocal) StoreKey() string { return f.storeKey }

func (f *fakeLocal) ListDepartments(context.Context) ([]model.LocalDepartment, error) {
	return f.depts, f.deptsErr
}

func (f *fakeLocal) UpsertDepartment(_ context.Context, deptID, name string) error {
	f.upsertedDepts[deptID] = name
	return nil
}

func (f *fakeLocal) FetchInventory(context.Context) ([]model.LocalItem, error) {
	var out []model.LocalItem
	for _, item := range f.items {
		out = append(out, *item)
	}
	return out, nil
}

func (f *fakeLocal) GetItemTimestamp(_ context.Context, itemNum string) (time.Time, bool, error) {
	item, ok := f.items[itemNum]
	if !ok {
		return time.Time{}, false, nil
	}
	return item.LocalUpdatedAt.Time, true, nil
}

func (f *fakeLocal) ApplyRemoteItem(_ context.Context, item model.RemoteItem, _ string, _ bool) error {
	f.addItem(item.Key(), item.InStock, time.Time{})
	f.items[item.Key()].ItemName = sql.NullString{String: item.ItemName, Valid: true}
	return nil
}

func (f *fakeLocal) RemoveItem(_ context.Context, itemNum string) (bool, error) {
	f.removed = append(f.removed, itemNum)
	if f.blockDelete[itemNum] {
		return false, nil
	}
	delete(f.items, itemNum)
	return true, nil
}

func (f *fakeLocal) BeginStock(context.Context) (transfer.StockTx, error) {
	return &fakeLocalTx{l: f, pending: map[string]float64{}, created: map[string]string{}}, nil
}

type fakeLocalTx struct {
	l       *fakeLocal
	pending map[string]float64
	created map[string]string
}

func (t *fakeLocalTx) Adjust(_ context.Context, itemNum string, delta float64, itemName string, createIfMissing bool) (localstore.StockResult, error) {
	if v, ok := t.pending[itemNum]; ok {
		t.pending[itemNum] = v + delta
		return localstore.StockResult{Applied: true, OldStock: v, NewStock: v + delta, ItemName: itemName}, nil
	}
	item, ok := t.l.items[itemNum]
	if !ok {
		if delta <= 0 || !createIfMissing {
			return localstore.StockResult{Applied: false}, nil
		}
		t.pending[itemNum] = delta
		t.created[itemNum] = itemName
		return localstore.StockResult{Applied: true, NewStock: delta, ItemName: itemName}, nil
	}
	old := item.InStock.Float64
	t.pending[itemNum] = old + delta
	return localstore.StockResult{Applied: true, OldStock: old, NewStock: old + delta, ItemName: item.ItemName.String}, nil
}

func (t *fakeLocalTx) Commit() error {
	for itemNum, v := range t.pending {
		if _, ok := t.l.items[itemNum]; !ok {
			t.l.addItem(itemNum, 0, time.Time{})
			if name, ok := t.created[itemNum]; ok {
				t.l.items[itemNum].ItemName = sql.NullString{String: name, Valid: true}
			}
		}
		t.l.items[itemNum].InStock = sql.NullFloat64{Float64: v, Valid: true}
	}
	t.pending = nil
	return nil
}

func (t *fakeLocalTx) Rollback() error {
	t.pending = nil
	return nil
}

func newTestAgent(t *testing.T, rest *fakeRest, local *fakeLocal) *Agent {
	t.Helper()
	srv := httptest.NewServer(rest)
	t.Cleanup(srv.Close)

	log := logger.NewZapLogger(&logger.ZapLoggerConfig{Level: "error", Encoding: "console", DisableCaller: true, DisableStacktrace: true})
	client := remote.NewClient(srv.URL, "test-key", 5*time.Second, log)
	cfg := config.SyncConfig{
		CloudStoreID:      "STORE-A",
		Interval:          time.Second,
		ConflictTolerance: 3 * time.Second,
		StateFile:         filepath.Join(t.TempDir(), "sync_state.json"),
	}
	resolver := conflict.New(time.UTC, cfg.ConflictTolerance)
	checkpoints := checkpoint.NewStore(cfg.StateFile)
	return New(cfg, client, local, resolver, checkpoints, log)
}

func TestCyclePullsRemoteChangesAndSuppressesEcho(t *testing.T) {
	rest := newFakeRest()
	local := newFakeLocal("1001")
	ag := newTestAgent(t, rest, local)
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	ag.now = func() time.Time { return now }

	// Remote edit is newer than the local copy.
	local.addItem("54321", 5, now.Add(-time.Hour))
	rest.seed("inventory", map[string]any{
		"item_num": "54321", "item_name": "Cola", "store_id": "STORE-A",
		"in_stock": 42.0, "updated_at": now.Add(-time.Minute).Format(time.RFC3339),
	})

	ag.RunCycle(context.Background())

	require.Contains(t, local.items, "54321")
	assert.Equal(t, 42.0, local.items["54321"].InStock.Float64)

	// The pulled row must not be echoed straight back with a fresher
	// timestamp: the remote copy keeps its stock value.
	for _, row := range rest.rows("inventory") {
		if toStr(row["item_num"]) == "54321" {
			assert.Equal(t, 42.0, row["in_stock"])
		}
	}
}

func TestCycleKeepsLocalCopyWhenItIsNewer(t *testing.T) {
	rest := newFakeRest()
	local := newFakeLocal("1001")
	ag := newTestAgent(t, rest, local)
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	ag.now = func() time.Time { return now }

	// Local copy is an hour newer than the remote edit, well past tolerance.
	local.addItem("54321", 99, now.Add(-time.Minute))
	rest.seed("inventory", map[string]any{
		"item_num": "54321", "item_name": "Cola", "store_id": "STORE-A",
		"in_stock": 1.0, "updated_at": now.Add(-time.Hour).Format(time.RFC3339),
	})

	ag.RunCycle(context.Background())

	assert.Equal(t, 99.0, local.items["54321"].InStock.Float64, "older remote copy must not overwrite")
	// And the local version is pushed over the stale remote one.
	var pushed float64
	for _, row := range rest.rows("inventory") {
		if toStr(row["item_num"]) == "54321" {
			pushed, _ = row["in_stock"].(float64)
		}
	}
	assert.Equal(t, 99.0, pushed)
}

func TestCyclePushesItemsMissingRemotely(t *testing.T) {
	rest := newFakeRest()
	local := newFakeLocal("1001")
	ag := newTestAgent(t, rest, local)
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	ag.now = func() time.Time { return now }

	local.addItem("77777", 12, now.Add(-time.Hour))

	ag.RunCycle(context.Background())

	rows := rest.rows("inventory")
	require.Len(t, rows, 1)
	assert.Equal(t, "77777", toStr(rows[0]["item_num"]))
	assert.Equal(t, "STORE-A", toStr(rows[0]["store_id"]))
	assert.Equal(t, 12.0, rows[0]["in_stock"])
}

func TestTombstonePullDeletesLocallyAndClearsRemote(t *testing.T) {
	rest := newFakeRest()
	local := newFakeLocal("1001")
	ag := newTestAgent(t, rest, local)
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	ag.now = func() time.Time { return now }

	local.addItem("54321", 5, now.Add(-time.Hour))
	rest.seed("inventory", map[string]any{
		"item_num": "54321", "item_name": model.TombstoneName, "store_id": "STORE-A",
		"updated_at": now.Add(-time.Minute).Format(time.RFC3339),
	})

	ag.RunCycle(context.Background())

	assert.Contains(t, local.removed, "54321")
	assert.NotContains(t, local.items, "54321")
	for _, row := range rest.rows("inventory") {
		assert.NotEqual(t, model.TombstoneName, toStr(row["item_name"]),
			"tombstone must be cleared after the local delete")
	}
}

func TestTombstoneSweepCatchesRowsOutsidePullWindow(t *testing.T) {
	rest := newFakeRest()
	local := newFakeLocal("1001")
	ag := newTestAgent(t, rest, local)
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	ag.now = func() time.Time { return now }

	// First cycle pushes the item up and advances the checkpoint to now.
	local.addItem("54321", 5, now.Add(-time.Hour))
	local.blockDelete["54321"] = true
	ag.RunCycle(context.Background())

	// The cloud tombstones the row with a timestamp inside the already
	// consumed window, so the next windowed pull never sees it.
	for _, row := range rest.rows("inventory") {
		if toStr(row["item_num"]) == "54321" {
			row["item_name"] = model.TombstoneName
			row["updated_at"] = now.Add(-30 * time.Minute).Format(time.RFC3339)
		}
	}

	ag.now = func() time.Time { return now.Add(time.Minute) }
	ag.RunCycle(context.Background())

	assert.Contains(t, local.removed, "54321")
	// Blocked hard delete still clears the remote tombstone; the local row
	// stays behind as a marked record.
	for _, row := range rest.rows("inventory") {
		assert.NotEqual(t, model.TombstoneName, toStr(row["item_name"]))
	}
}

func TestCheckpointAdvancesOnlyWhenPullSucceeds(t *testing.T) {
	rest := newFakeRest()
	local := newFakeLocal("1001")
	ag := newTestAgent(t, rest, local)
	start := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	ag.now = func() time.Time { return start }

	rest.failGet["inventory"] = true
	ag.RunCycle(context.Background())
	before := ag.checkpoints.Load()
	assert.True(t, before.Before(time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)),
		"failed pull must not advance the checkpoint")

	rest.failGet["inventory"] = false
	ag.RunCycle(context.Background())
	after := ag.checkpoints.Load()
	assert.True(t, after.Equal(start), "checkpoint advances to the cycle start")
}

func TestPhaseFailureDoesNotBlockLaterPhases(t *testing.T) {
	rest := newFakeRest()
	local := newFakeLocal("1001")
	ag := newTestAgent(t, rest, local)
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	ag.now = func() time.Time { return now }

	local.deptsErr = errors.New("departments table locked")
	local.addItem("77777", 12, now.Add(-time.Hour))

	ag.RunCycle(context.Background())

	// Inventory still pushed despite the department failure.
	require.Len(t, rest.rows("inventory"), 1)

	logs := rest.rows("sync_log")
	require.Len(t, logs, 1)
	assert.Equal(t, "failed", toStr(logs[0]["status"]))
	assert.Contains(t, toStr(logs[0]["error_message"]), "departments")
}

func TestCycleWritesHeartbeatAndSyncLog(t *testing.T) {
	rest := newFakeRest()
	local := newFakeLocal("1001")
	ag := newTestAgent(t, rest, local)
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	ag.now = func() time.Time { return now }

	rest.seed("stores", map[string]any{"store_code": "STORE-A", "last_sync": ""})
	local.addItem("77777", 12, now.Add(-time.Hour))

	ag.RunCycle(context.Background())

	stores := rest.rows("stores")
	require.Len(t, stores, 1)
	assert.Equal(t, now.Format(time.RFC3339), toStr(stores[0]["last_sync"]))

	logs := rest.rows("sync_log")
	require.Len(t, logs, 1)
	assert.Equal(t, "completed", toStr(logs[0]["status"]))
	assert.Equal(t, "full_sync", toStr(logs[0]["sync_type"]))
	assert.Equal(t, "STORE-A", toStr(logs[0]["store_id"]))
	assert.NotEmpty(t, toStr(logs[0]["id"]))
}

func TestCycleRunsTransfersThroughRemoteStore(t *testing.T) {
	rest := newFakeRest()
	local := newFakeLocal("1001")
	ag := newTestAgent(t, rest, local)
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	ag.now = func() time.Time { return now }

	local.addItem("54321", 100, now.Add(-time.Hour))
	rest.seed("transfers", map[string]any{
		"id": "t-1", "from_store_id": "STORE-A", "to_store_id": "STORE-B",
		"status": model.StatusApproved,
	})
	rest.seed("transfer_items", map[string]any{
		"transfer_id": "t-1", "item_num": "54321", "item_name": "Cola", "quantity": 10.0,
	})

	ag.RunCycle(context.Background())

	assert.Equal(t, 90.0, local.items["54321"].InStock.Float64)

	transfers := rest.rows("transfers")
	require.Len(t, transfers, 1)
	assert.Equal(t, model.StatusCompleted, toStr(transfers[0]["status"]))
	assert.NotEmpty(t, toStr(transfers[0]["shipped_at"]))

	changes := rest.rows("inventory_changes")
	require.Len(t, changes, 1)
	assert.Equal(t, model.ChangeTransferOut, toStr(changes[0]["change_type"]))
	assert.Equal(t, "t-1", toStr(changes[0]["transfer_id"]))
}

func TestDepartmentsSyncBothWays(t *testing.T) {
	rest := newFakeRest()
	local := newFakeLocal("1001")
	ag := newTestAgent(t, rest, local)
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	ag.now = func() time.Time { return now }

	local.depts = []model.LocalDepartment{
		{DeptID: "GROC  ", Description: sql.NullString{String: "Grocery", Valid: true}},
	}
	rest.seed("departments", map[string]any{
		"dept_id": "BEER", "dept_name": "Beer & Wine", "store_id": "STORE-A",
		"updated_at": now.Add(-time.Minute).Format(time.RFC3339),
	})

	ag.RunCycle(context.Background())

	// Local department pushed with a trimmed id.
	var pushed bool
	for _, row := range rest.rows("departments") {
		if toStr(row["dept_id"]) == "GROC" {
			pushed = true
			assert.Equal(t, "Grocery", toStr(row["dept_name"]))
		}
	}
	assert.True(t, pushed)

	// Remote department applied locally.
	assert.Equal(t, "Beer & Wine", local.upsertedDepts["BEER"])
}

func TestRunStopsOnContextCancel(t *testing.T) {
	rest := newFakeRest()
	local := newFakeLocal("1001")
	ag := newTestAgent(t, rest, local)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ag.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
