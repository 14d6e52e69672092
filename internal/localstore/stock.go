package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/fekuna/omnipos-sync-agent/pkg/logger"
)

// StockResult reports one applied (or skipped) stock delta.
type StockResult struct {
	Applied  bool
	OldStock float64
	NewStock float64
	ItemName string
}

// StockTx groups the stock deltas of one transfer side into a single local
// transaction. The transfer engine commits only after the remote marker
// write succeeds, which is what keeps a transfer's stock effect at most
// once per side across crashes.
type StockTx struct {
	tx       *sqlx.Tx
	storeKey string
	log      logger.ZapLogger
}

func (a *Adapter) BeginStock(ctx context.Context) (*StockTx, error) {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin stock transaction: %w", err)
	}
	return &StockTx{tx: tx, storeKey: a.storeKey, log: a.log}, nil
}

func (t *StockTx) Commit() error   { return t.tx.Commit() }
func (t *StockTx) Rollback() error { return t.tx.Rollback() }

// Adjust applies a signed delta relative to the freshly read current
// stock, never a blind absolute set. A decrement against an untracked item
// is a warning and a skip (Applied=false); an increment may create the row
// when createIfMissing is set, so received goods surface even for items
// the store never carried.
func (t *StockTx) Adjust(ctx context.Context, itemNum string, delta float64, itemName string, createIfMissing bool) (StockResult, error) {
	var row struct {
		InStock  sql.NullFloat64 `db:"In_Stock"`
		ItemName sql.NullString  `db:"ItemName"`
	}
	err := t.tx.GetContext(ctx, &row,
		"SELECT In_Stock, ItemName FROM Inventory WHERE ItemNum = @p1 AND Store_ID = @p2",
		itemNum, t.storeKey)

	switch {
	case err == nil:
		oldStock := row.InStock.Float64
		newStock := oldStock + delta
		if _, err := t.tx.ExecContext(ctx,
			"UPDATE Inventory SET In_Stock = @p1 WHERE ItemNum = @p2 AND Store_ID = @p3",
			newStock, itemNum, t.storeKey); err != nil {
			return StockResult{}, fmt.Errorf("update stock for %s: %w", itemNum, err)
		}
		name := itemName
		if row.ItemName.Valid && row.ItemName.String != "" {
			name = row.ItemName.String
		}
		return StockResult{Applied: true, OldStock: oldStock, NewStock: newStock, ItemName: name}, nil

	case errors.Is(err, sql.ErrNoRows):
		if delta <= 0 || !createIfMissing {
			t.log.Warn("stock change for untracked item skipped",
				zap.String("item_num", itemNum),
				zap.Float64("delta", delta))
			return StockResult{Applied: false}, nil
		}
		name := itemName
		if name == "" {
			name = "Unknown Item"
		}
		if err := t.insertItem(ctx, itemNum, name, delta); err != nil {
			return StockResult{}, err
		}
		t.log.Info("created local item for incoming stock",
			zap.String("item_num", itemNum),
			zap.Float64("in_stock", delta))
		return StockResult{Applied: true, OldStock: 0, NewStock: delta, ItemName: name}, nil

	default:
		return StockResult{}, fmt.Errorf("read stock for %s: %w", itemNum, err)
	}
}

// stockDeptID is the catch-all department for items first seen through a
// stock movement; operators re-file them from the POS later.
const stockDeptID = "NONE"

// insertItem creates the row inside the stock transaction. A foreign-key
// violation means the catch-all department does not exist yet; it is
// created in the same transaction and the insert retried once.
func (t *StockTx) insertItem(ctx context.Context, itemNum, name string, inStock float64) error {
	_, err := t.tx.ExecContext(ctx, insertItemSQL,
		itemNum, name, 0.0, 0.0, 0.0, stockDeptID, inStock, 0, t.storeKey)
	if err == nil {
		return nil
	}
	if !isFKViolation(err) {
		return fmt.Errorf("insert item %s for stock add: %w", itemNum, err)
	}

	t.log.Info("auto-creating missing department", zap.String("dept_id", stockDeptID))
	if _, healErr := t.tx.ExecContext(ctx, insertDepartmentSQL, stockDeptID, t.storeKey, stockDeptID); healErr != nil {
		t.log.Error("department auto-heal failed",
			zap.String("item_num", itemNum),
			zap.String("dept_id", stockDeptID),
			zap.Error(healErr))
		return fmt.Errorf("insert item %s for stock add: %w", itemNum, err)
	}
	if _, err := t.tx.ExecContext(ctx, insertItemSQL,
		itemNum, name, 0.0, 0.0, 0.0, stockDeptID, inStock, 0, t.storeKey); err != nil {
		return fmt.Errorf("insert item %s for stock add: %w", itemNum, err)
	}
	return nil
}
