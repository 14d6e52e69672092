// Package transfer drives the cross-store transfer state machine. The
// origin and destination agents poll the same transfer rows independently
// and at different cadences, so status alone is never trusted: shipped_at
// and received_at are the authoritative "this side already applied its
// stock effect" markers.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fekuna/omnipos-sync-agent/internal/localstore"
	"github.com/fekuna/omnipos-sync-agent/internal/model"
	"github.com/fekuna/omnipos-sync-agent/pkg/logger"
)

// RemoteStore is the slice of the shared store the engine needs.
type RemoteStore interface {
	ListTransfers(ctx context.Context, filters map[string]string) ([]model.Transfer, error)
	ListTransferLines(ctx context.Context, transferID string) ([]model.TransferLine, error)
	UpdateTransfer(ctx context.Context, id string, fields map[string]any) error
	LogChange(ctx context.Context, change model.InventoryChange) error
}

// StockTx applies stock deltas inside one local transaction.
type StockTx interface {
	Adjust(ctx context.Context, itemNum string, delta float64, itemName string, createIfMissing bool) (localstore.StockResult, error)
	Commit() error
	Rollback() error
}

// StockStore opens stock transactions against the local database.
type StockStore interface {
	BeginStock(ctx context.Context) (StockTx, error)
}

type Engine struct {
	remote RemoteStore
	stock  StockStore
	// storeKey is this agent's cloud store id.
	storeKey string
	log      logger.ZapLogger
	now      func() time.Time
}

func NewEngine(remote RemoteStore, stock StockStore, storeKey string, log logger.ZapLogger) *Engine {
	return &Engine{
		remote:   remote,
		stock:    stock,
		storeKey: storeKey,
		log:      log,
		now:      time.Now,
	}
}

// outgoingStatuses are every state an unshipped outgoing transfer can be
// observed in. A transfer can already read completed or received when the
// destination (or an operator) got to it first; shipped_at being null is
// the only reliable sign the origin's decrement is still owed.
var outgoingStatuses = []string{model.StatusApproved, model.StatusCompleted, model.StatusReceived}

// ProcessOutgoing decrements local stock for every transfer leaving this
// store whose shipped_at marker is still unset, then sets the marker.
// Returns how many transfers were shipped.
func (e *Engine) ProcessOutgoing(ctx context.Context) (int, error) {
	var candidates []model.Transfer
	var errs []error
	for _, status := range outgoingStatuses {
		transfers, err := e.remote.ListTransfers(ctx, map[string]string{
			"from_store_id": e.storeKey,
			"status":        status,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s outgoing transfers: %w", status, err))
			continue
		}
		candidates = append(candidates, transfers...)
	}

	processed := 0
	for _, t := range candidates {
		if t.ShippedAt != nil {
			continue
		}
		if err := e.ship(ctx, t); err != nil {
			e.log.Error("outgoing transfer failed, will retry next cycle",
				zap.String("transfer_id", t.ID),
				zap.String("status", t.Status),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("transfer %s: %w", t.ID, err))
			continue
		}
		processed++
	}
	return processed, errors.Join(errs...)
}

func (e *Engine) ship(ctx context.Context, t model.Transfer) error {
	lines, err := e.remote.ListTransferLines(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("list lines: %w", err)
	}
	e.log.Info("processing outgoing transfer",
		zap.String("transfer_id", t.ID),
		zap.String("to_store", t.ToStoreID),
		zap.String("status", t.Status),
		zap.Int("lines", len(lines)))

	tx, err := e.stock.BeginStock(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	applied := make([]model.InventoryChange, 0, len(lines))
	for _, line := range lines {
		itemNum := strings.TrimSpace(line.ItemNum)
		res, err := tx.Adjust(ctx, itemNum, -line.Quantity, line.ItemName, false)
		if err != nil {
			return fmt.Errorf("decrement %s: %w", itemNum, err)
		}
		if !res.Applied {
			// Item not tracked at this store; its stock effect is skipped
			// for the origin side only.
			continue
		}
		if res.NewStock < 0 {
			e.log.Warn("insufficient stock, allowing negative",
				zap.String("transfer_id", t.ID),
				zap.String("item_num", itemNum),
				zap.Float64("new_stock", res.NewStock))
		}
		applied = append(applied, e.change(model.ChangeTransferOut, itemNum, res, -line.Quantity, t.ID, "Transfer to "+t.ToStoreID))
	}

	now := e.now().UTC().Format(time.RFC3339)
	fields := map[string]any{"shipped_at": now}
	// Fast-forward approved transfers straight past in_transit so the
	// destination picks them up without a manual receive step. A transfer
	// already completed or received keeps its status; only the marker is set.
	if t.Status == model.StatusApproved {
		fields["status"] = model.StatusCompleted
		fields["completed_at"] = now
	}
	if err := e.remote.UpdateTransfer(ctx, t.ID, fields); err != nil {
		return fmt.Errorf("mark shipped: %w", err)
	}
	// Commit strictly after the marker write: if either fails the local
	// decrement rolls back, so the stock effect lands at most once even if
	// the agent dies between the two.
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit stock: %w", err)
	}

	e.logChanges(ctx, applied)
	e.log.Info("outgoing transfer shipped", zap.String("transfer_id", t.ID))
	return nil
}

// ProcessIncoming increments local stock for every completed transfer
// addressed to this store and advances it to received. Returns how many
// transfers were received.
func (e *Engine) ProcessIncoming(ctx context.Context) (int, error) {
	transfers, err := e.remote.ListTransfers(ctx, map[string]string{
		"to_store_id": e.storeKey,
		"status":      model.StatusCompleted,
	})
	if err != nil {
		return 0, fmt.Errorf("list incoming transfers: %w", err)
	}

	processed := 0
	var errs []error
	for _, t := range transfers {
		if t.ReceivedAt != nil {
			// A stale listing can still show completed after this side
			// already received; the marker is authoritative.
			continue
		}
		if err := e.receive(ctx, t); err != nil {
			e.log.Error("incoming transfer failed, will retry next cycle",
				zap.String("transfer_id", t.ID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("transfer %s: %w", t.ID, err))
			continue
		}
		processed++
	}
	return processed, errors.Join(errs...)
}

func (e *Engine) receive(ctx context.Context, t model.Transfer) error {
	lines, err := e.remote.ListTransferLines(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("list lines: %w", err)
	}
	e.log.Info("processing incoming transfer",
		zap.String("transfer_id", t.ID),
		zap.String("from_store", t.FromStoreID),
		zap.Int("lines", len(lines)))

	tx, err := e.stock.BeginStock(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	applied := make([]model.InventoryChange, 0, len(lines))
	for _, line := range lines {
		itemNum := strings.TrimSpace(line.ItemNum)
		res, err := tx.Adjust(ctx, itemNum, line.Quantity, line.ItemName, true)
		if err != nil {
			return fmt.Errorf("increment %s: %w", itemNum, err)
		}
		if !res.Applied {
			continue
		}
		applied = append(applied, e.change(model.ChangeTransferIn, itemNum, res, line.Quantity, t.ID, "Transfer from "+t.FromStoreID))
	}

	fields := map[string]any{
		"status":      model.StatusReceived,
		"received_at": e.now().UTC().Format(time.RFC3339),
	}
	if err := e.remote.UpdateTransfer(ctx, t.ID, fields); err != nil {
		return fmt.Errorf("mark received: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit stock: %w", err)
	}

	e.logChanges(ctx, applied)
	e.log.Info("incoming transfer received", zap.String("transfer_id", t.ID))
	return nil
}

func (e *Engine) change(changeType, itemNum string, res localstore.StockResult, delta float64, transferID, note string) model.InventoryChange {
	return model.InventoryChange{
		ID:             uuid.New().String(),
		ItemNum:        itemNum,
		ItemName:       res.ItemName,
		StoreID:        e.storeKey,
		ChangeType:     changeType,
		QuantityChange: delta,
		OldStock:       res.OldStock,
		NewStock:       res.NewStock,
		TransferID:     transferID,
		Notes:          note,
	}
}

// logChanges records the audit trail. Reporting is a side effect of the
// workflow, not part of its correctness, so failures are only logged.
func (e *Engine) logChanges(ctx context.Context, changes []model.InventoryChange) {
	for _, c := range changes {
		if err := e.remote.LogChange(ctx, c); err != nil {
			e.log.Warn("failed to record inventory change",
				zap.String("item_num", c.ItemNum),
				zap.String("transfer_id", c.TransferID),
				zap.Error(err))
		}
	}
}
