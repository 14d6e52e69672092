// Package agent runs the sync cycle: transfers first, then departments,
// then inventory in both directions, then housekeeping. Phases are isolated
// from each other; one failing phase is logged and the cycle moves on, so a
// broken collection never blocks stock movement.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fekuna/omnipos-sync-agent/config"
	"github.com/fekuna/omnipos-sync-agent/internal/checkpoint"
	"github.com/fekuna/omnipos-sync-agent/internal/conflict"
	"github.com/fekuna/omnipos-sync-agent/internal/department"
	"github.com/fekuna/omnipos-sync-agent/internal/localstore"
	"github.com/fekuna/omnipos-sync-agent/internal/model"
	"github.com/fekuna/omnipos-sync-agent/internal/remote"
	"github.com/fekuna/omnipos-sync-agent/internal/transfer"
	"github.com/fekuna/omnipos-sync-agent/pkg/logger"
)

// LocalStore is the slice of the local database adapter the orchestrator
// uses. It also satisfies transfer.StockStore, so the transfer engine and
// the orchestrator share one local handle.
type LocalStore interface {
	StoreKey() string
	ListDepartments(ctx context.Context) ([]model.LocalDepartment, error)
	UpsertDepartment(ctx context.Context, deptID, name string) error
	FetchInventory(ctx context.Context) ([]model.LocalItem, error)
	GetItemTimestamp(ctx context.Context, itemNum string) (time.Time, bool, error)
	ApplyRemoteItem(ctx context.Context, item model.RemoteItem, rawDeptID string, exists bool) error
	RemoveItem(ctx context.Context, itemNum string) (hardDeleted bool, err error)
	BeginStock(ctx context.Context) (transfer.StockTx, error)
}

// WrapAdapter lifts the concrete adapter into the LocalStore interface.
// Only BeginStock needs the shim; its concrete return type would otherwise
// not satisfy the interface.
func WrapAdapter(a *localstore.Adapter) LocalStore {
	return adapterShim{a}
}

type adapterShim struct {
	*localstore.Adapter
}

func (s adapterShim) BeginStock(ctx context.Context) (transfer.StockTx, error) {
	return s.Adapter.BeginStock(ctx)
}

// remoteStore adapts the PostgREST client to the transfer engine's view of
// the shared store.
type remoteStore struct {
	c *remote.Client
}

func (r remoteStore) ListTransfers(ctx context.Context, filters map[string]string) ([]model.Transfer, error) {
	return remote.SelectAll[model.Transfer](ctx, r.c, "transfers", remote.Eq(filters))
}

func (r remoteStore) ListTransferLines(ctx context.Context, transferID string) ([]model.TransferLine, error) {
	return remote.SelectAll[model.TransferLine](ctx, r.c, "transfer_items", remote.Eq(map[string]string{"transfer_id": transferID}))
}

func (r remoteStore) UpdateTransfer(ctx context.Context, id string, fields map[string]any) error {
	return r.c.Patch(ctx, "transfers", fields, map[string]string{"id": id})
}

func (r remoteStore) LogChange(ctx context.Context, change model.InventoryChange) error {
	return r.c.Insert(ctx, "inventory_changes", change)
}

type Agent struct {
	cfg         config.SyncConfig
	remote      *remote.Client
	local       LocalStore
	resolver    *conflict.Resolver
	depts       *department.Resolver
	transfers   *transfer.Engine
	checkpoints *checkpoint.Store
	log         logger.ZapLogger
	now         func() time.Time
}

func New(cfg config.SyncConfig, client *remote.Client, local LocalStore, resolver *conflict.Resolver, checkpoints *checkpoint.Store, log logger.ZapLogger) *Agent {
	return &Agent{
		cfg:         cfg,
		remote:      client,
		local:       local,
		resolver:    resolver,
		depts:       department.NewResolver(),
		transfers:   transfer.NewEngine(remoteStore{client}, local, cfg.CloudStoreID, log),
		checkpoints: checkpoints,
		log:         log,
		now:         time.Now,
	}
}

// Run executes cycles until ctx is cancelled. The inter-cycle sleep honors
// cancellation, so shutdown never waits out a full interval.
func (a *Agent) Run(ctx context.Context) {
	a.log.Info("sync agent started",
		zap.String("store", a.cfg.CloudStoreID),
		zap.Duration("interval", a.cfg.Interval))
	for {
		a.RunCycle(ctx)
		select {
		case <-ctx.Done():
			a.log.Info("sync agent stopping")
			return
		case <-time.After(a.cfg.Interval):
		}
	}
}

type cycleStats struct {
	records  int
	errs     int
	firstErr error
}

// phase runs one step of the cycle, absorbing its error (and any panic) so
// the remaining phases still run.
func (a *Agent) phase(name string, stats *cycleStats, fn func() (int, error)) {
	defer func() {
		if r := recover(); r != nil {
			stats.errs++
			if stats.firstErr == nil {
				stats.firstErr = fmt.Errorf("%s: panic: %v", name, r)
			}
			a.log.Error("phase panicked", zap.String("phase", name), zap.Any("panic", r))
		}
	}()
	n, err := fn()
	stats.records += n
	if err != nil {
		stats.errs++
		if stats.firstErr == nil {
			stats.firstErr = fmt.Errorf("%s: %w", name, err)
		}
		a.log.Error("phase failed", zap.String("phase", name), zap.Error(err))
	}
}

// RunCycle performs one full pass. Every phase failure is contained; the
// checkpoint only advances when the pull pass succeeded completely.
func (a *Agent) RunCycle(ctx context.Context) {
	start := a.now().UTC()
	since := a.checkpoints.Load()
	a.log.Info("cycle started", zap.Time("since", since))

	stats := &cycleStats{}

	a.phase("prime departments", stats, func() (int, error) {
		depts, err := a.local.ListDepartments(ctx)
		if err != nil {
			return 0, err
		}
		a.depts.Prime(depts)
		return 0, nil
	})

	a.phase("outgoing transfers", stats, func() (int, error) {
		return a.transfers.ProcessOutgoing(ctx)
	})
	a.phase("incoming transfers", stats, func() (int, error) {
		return a.transfers.ProcessIncoming(ctx)
	})

	a.phase("push departments", stats, func() (int, error) {
		return a.pushDepartments(ctx)
	})
	a.phase("pull departments", stats, func() (int, error) {
		return a.pullDepartments(ctx, since)
	})

	var pulled map[string]bool
	a.phase("pull inventory", stats, func() (int, error) {
		var n int
		var err error
		pulled, n, err = a.pullInventory(ctx, since)
		if err != nil {
			return n, err
		}
		// The checkpoint is the cycle start, not the newest row seen, so
		// rows updated while this cycle ran are re-pulled next time.
		if saveErr := a.checkpoints.Save(start); saveErr != nil {
			a.log.Warn("failed to persist checkpoint", zap.Error(saveErr))
		}
		return n, nil
	})

	a.phase("push inventory", stats, func() (int, error) {
		return a.pushInventory(ctx, pulled)
	})

	a.phase("sweep tombstones", stats, func() (int, error) {
		return a.sweepTombstones(ctx)
	})

	a.phase("heartbeat", stats, func() (int, error) {
		err := a.remote.Patch(ctx, "stores",
			map[string]any{"last_sync": a.now().UTC().Format(time.RFC3339)},
			map[string]string{"store_code": a.cfg.CloudStoreID})
		return 0, err
	})

	a.recordCycle(ctx, start, stats)
	a.log.Info("cycle finished",
		zap.Int("records", stats.records),
		zap.Int("failed_phases", stats.errs),
		zap.Duration("took", a.now().UTC().Sub(start)))
}

func (a *Agent) pushDepartments(ctx context.Context) (int, error) {
	depts, err := a.local.ListDepartments(ctx)
	if err != nil {
		return 0, err
	}
	now := a.now().UTC().Format(time.RFC3339)
	rows := make([]any, 0, len(depts))
	for _, d := range depts {
		name := d.Key()
		if d.Description.Valid && strings.TrimSpace(d.Description.String) != "" {
			name = strings.TrimSpace(d.Description.String)
		}
		rows = append(rows, model.RemoteDepartment{
			DeptID:       d.Key(),
			DeptName:     name,
			StoreID:      a.cfg.CloudStoreID,
			LastSyncedAt: now,
		})
	}
	return a.remote.Upsert(ctx, "departments", rows, "dept_id,store_id")
}

func (a *Agent) pullDepartments(ctx context.Context, since time.Time) (int, error) {
	params := remote.Eq(map[string]string{"store_id": a.cfg.CloudStoreID})
	params.Set("updated_at", "gt."+since.Format(time.RFC3339))
	depts, err := remote.SelectAll[model.RemoteDepartment](ctx, a.remote, "departments", params)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, d := range depts {
		trimmed := strings.TrimSpace(d.DeptID)
		if trimmed == "" {
			continue
		}
		if err := a.local.UpsertDepartment(ctx, a.depts.Resolve(trimmed), d.DeptName); err != nil {
			a.log.Error("failed to apply remote department",
				zap.String("dept_id", trimmed), zap.Error(err))
			continue
		}
		applied++
	}
	return applied, nil
}

// pullInventory applies remote changes since the checkpoint and returns the
// set of item numbers touched, so the push pass can skip them and a pulled
// row is never echoed straight back.
func (a *Agent) pullInventory(ctx context.Context, since time.Time) (map[string]bool, int, error) {
	cutoff := since.Format(time.RFC3339)
	params := remote.Eq(map[string]string{"store_id": a.cfg.CloudStoreID})
	// created_at is checked too: an insert backdated by a merge carries an
	// old updated_at and would otherwise slip through the window.
	params.Set("or", fmt.Sprintf("(updated_at.gt.%s,created_at.gt.%s)", cutoff, cutoff))
	params.Set("order", "updated_at.asc")

	items, err := remote.SelectAll[model.RemoteItem](ctx, a.remote, "inventory", params)
	pulled := map[string]bool{}
	if err != nil {
		return pulled, 0, err
	}

	applied := 0
	for _, item := range items {
		key := item.Key()
		if key == "" {
			continue
		}
		if item.IsTombstone() {
			if err := a.applyTombstone(ctx, item); err != nil {
				a.log.Error("failed to apply tombstone", zap.String("item_num", key), zap.Error(err))
				continue
			}
			pulled[key] = true
			applied++
			continue
		}

		localTS, exists, err := a.local.GetItemTimestamp(ctx, key)
		if err != nil {
			a.log.Error("failed to read local timestamp", zap.String("item_num", key), zap.Error(err))
			continue
		}
		if exists && !a.resolver.ShouldApply(localTS, item.UpdatedAt) {
			a.log.Debug("local copy newer, keeping it", zap.String("item_num", key))
			continue
		}
		rawDept := a.depts.Resolve(item.DeptID)
		if err := a.local.ApplyRemoteItem(ctx, item, rawDept, exists); err != nil {
			a.log.Error("failed to apply remote item", zap.String("item_num", key), zap.Error(err))
			continue
		}
		pulled[key] = true
		applied++
	}
	return pulled, applied, nil
}

// applyTombstone removes the item locally and then clears the tombstone
// row remotely, so a swept deletion leaves no trace on either side.
func (a *Agent) applyTombstone(ctx context.Context, item model.RemoteItem) error {
	hard, err := a.local.RemoveItem(ctx, item.Key())
	if err != nil {
		return err
	}
	if !hard {
		a.log.Warn("tombstoned item marked deleted locally, sales history holds it",
			zap.String("item_num", item.Key()))
	}
	return a.remote.Delete(ctx, "inventory", map[string]string{
		"item_num":  item.Key(),
		"store_id":  a.cfg.CloudStoreID,
		"item_name": model.TombstoneName,
	})
}

func (a *Agent) pushInventory(ctx context.Context, pulled map[string]bool) (int, error) {
	items, err := a.local.FetchInventory(ctx)
	if err != nil {
		return 0, err
	}
	stamps, err := a.remoteStamps(ctx)
	if err != nil {
		return 0, err
	}

	now := a.now().UTC().Format(time.RFC3339)
	rows := make([]any, 0, len(items))
	for _, item := range items {
		key := item.Key()
		if key == "" || pulled[key] {
			continue
		}
		localTS := time.Time{}
		if item.LocalUpdatedAt.Valid {
			localTS = item.LocalUpdatedAt.Time
		}
		if !a.resolver.ShouldPush(localTS, stamps[key]) {
			continue
		}
		rows = append(rows, a.toRemote(item, now))
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return a.remote.Upsert(ctx, "inventory", rows, "item_num,store_id")
}

// remoteStamps fetches only the timestamps of this store's remote rows;
// whole rows are not needed to decide push eligibility.
func (a *Agent) remoteStamps(ctx context.Context) (map[string]string, error) {
	params := remote.Eq(map[string]string{"store_id": a.cfg.CloudStoreID})
	params.Set("select", "item_num,updated_at")
	stamps, err := remote.SelectAll[model.RemoteStamp](ctx, a.remote, "inventory", params)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(stamps))
	for _, s := range stamps {
		out[strings.TrimSpace(s.ItemNum)] = s.UpdatedAt
	}
	return out, nil
}

func (a *Agent) toRemote(item model.LocalItem, syncedAt string) model.RemoteItem {
	return model.RemoteItem{
		ItemNum:      item.Key(),
		ItemName:     strings.TrimSpace(item.ItemName.String),
		StoreID:      a.cfg.CloudStoreID,
		DeptID:       strings.TrimSpace(item.DeptID.String),
		ItemType:     int(item.ItemType.Int64),
		InStock:      item.InStock.Float64,
		Cost:         item.Cost.Float64,
		Price:        item.Price.Float64,
		RetailPrice:  item.RetailPrice.Float64,
		LastSyncedAt: syncedAt,
	}
}

// sweepTombstones catches tombstones the windowed pull missed, e.g. rows
// tombstoned before the checkpoint while this agent was offline and then
// never touched again.
func (a *Agent) sweepTombstones(ctx context.Context) (int, error) {
	params := remote.Eq(map[string]string{
		"store_id":  a.cfg.CloudStoreID,
		"item_name": model.TombstoneName,
	})
	tombstones, err := remote.SelectAll[model.RemoteItem](ctx, a.remote, "inventory", params)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, item := range tombstones {
		if item.Key() == "" {
			continue
		}
		if err := a.applyTombstone(ctx, item); err != nil {
			a.log.Error("tombstone sweep failed", zap.String("item_num", item.Key()), zap.Error(err))
			continue
		}
		swept++
	}
	return swept, nil
}

// recordCycle writes the per-cycle sync_log row. Reporting failures are
// logged and dropped; the dashboard is not allowed to break the sync.
func (a *Agent) recordCycle(ctx context.Context, start time.Time, stats *cycleStats) {
	status := "completed"
	var errMsg *string
	if stats.firstErr != nil {
		status = "failed"
		msg := stats.firstErr.Error()
		errMsg = &msg
	}
	completed := a.now().UTC().Format(time.RFC3339)
	entry := model.SyncLogEntry{
		ID:            uuid.New().String(),
		StoreID:       a.cfg.CloudStoreID,
		SyncType:      "full_sync",
		Status:        status,
		RecordsSynced: stats.records,
		ErrorMessage:  errMsg,
		StartedAt:     start.Format(time.RFC3339),
		CompletedAt:   &completed,
	}
	if err := a.remote.Insert(ctx, "sync_log", entry); err != nil {
		a.log.Warn("failed to record sync log entry", zap.Error(err))
	}
}
