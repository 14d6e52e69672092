package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fekuna/omnipos-sync-agent/internal/model"
)

// insertItemSQL fills the POS schema's long tail of NOT NULL flag columns
// with the same defaults the product uses for a hand-entered item.
const insertItemSQL = `
INSERT INTO Inventory (ItemNum, ItemName, Price, Cost, Retail_Price, Dept_ID, In_Stock, ItemType, Store_ID, Local_Updated_At, Reorder_Level, Reorder_Quantity, Tax_1, Tax_2, Tax_3, IsKit, IsModifier, Inv_Num_Barcode_Labels, Use_Serial_Numbers, Num_Bonus_Points, IsRental, Use_Bulk_Pricing, Print_Ticket, Print_Voucher, Num_Days_Valid, IsMatrixItem, AutoWeigh, Dirty, FoodStampable, Exclude_Acct_Limit, Check_ID, Prompt_Price, Prompt_Quantity, Allow_BuyBack, Special_Permission, Prompt_Description, Check_ID2, Count_This_Item, Print_On_Receipt, Transfer_Markup_Enabled, As_Is, RowID)
VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, @p9, GETDATE(), 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 1, 0, 0, NEWID())`

const updateItemSQL = `
UPDATE Inventory
SET ItemName = @p1, Price = @p2, Cost = @p3, Retail_Price = @p4, In_Stock = @p5, ItemType = @p6, Local_Updated_At = GETDATE()
WHERE ItemNum = @p7 AND Store_ID = @p8`

// FetchInventory reads every item belonging to this store.
func (a *Adapter) FetchInventory(ctx context.Context) ([]model.LocalItem, error) {
	var items []model.LocalItem
	err := a.db.SelectContext(ctx, &items, `
		SELECT ItemNum, ItemName, Dept_ID, In_Stock, Cost, Price, Retail_Price, ItemType, Store_ID, Local_Updated_At
		FROM Inventory
		WHERE Store_ID = @p1`, a.storeKey)
	if err != nil {
		return nil, fmt.Errorf("fetch inventory: %w", err)
	}
	return items, nil
}

// GetItemTimestamp returns the conflict timestamp of a local item and
// whether the item exists at all.
func (a *Adapter) GetItemTimestamp(ctx context.Context, itemNum string) (time.Time, bool, error) {
	var ts sql.NullTime
	err := a.db.GetContext(ctx, &ts,
		"SELECT Local_Updated_At FROM Inventory WHERE ItemNum = @p1 AND Store_ID = @p2",
		itemNum, a.storeKey)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read timestamp for %s: %w", itemNum, err)
	}
	if !ts.Valid {
		return time.Time{}, true, nil
	}
	return ts.Time, true, nil
}

// ApplyRemoteItem writes a remote row into the local table. rawDeptID must
// already be resolved to the stored (possibly padded) form. A foreign-key
// violation on insert auto-creates the missing department and retries the
// insert once; deadlocks retry with backoff. The caller decides update vs
// insert from its own existence check so the conflict comparison and the
// write agree on what was there.
func (a *Adapter) ApplyRemoteItem(ctx context.Context, item model.RemoteItem, rawDeptID string, exists bool) error {
	if exists {
		return a.withRetry(ctx, "update item "+item.Key(), func() error {
			_, err := a.db.ExecContext(ctx, updateItemSQL,
				item.ItemName, item.Price, item.Cost, item.RetailPrice, item.InStock, item.ItemType,
				item.Key(), a.storeKey)
			return err
		})
	}

	healed := false
	return a.withRetry(ctx, "insert item "+item.Key(), func() error {
		_, err := a.db.ExecContext(ctx, insertItemSQL,
			item.Key(), item.ItemName, item.Price, item.Cost, item.RetailPrice,
			rawDeptID, item.InStock, item.ItemType, a.storeKey)
		if err != nil && isFKViolation(err) && !healed {
			healed = true
			if healErr := a.autoCreateDepartment(ctx, rawDeptID); healErr != nil {
				a.log.Error("department auto-heal failed",
					zap.String("item_num", item.Key()),
					zap.String("dept_id", rawDeptID),
					zap.Error(healErr))
				return err
			}
			_, err = a.db.ExecContext(ctx, insertItemSQL,
				item.Key(), item.ItemName, item.Price, item.Cost, item.RetailPrice,
				rawDeptID, item.InStock, item.ItemType, a.storeKey)
		}
		return err
	})
}

// RemoveItem hard-deletes a locally tracked item in response to a remote
// tombstone. When sales history holds a foreign key to the row, it degrades
// to marking the item deleted and zeroing its stock. Reports whether the
// row was actually removed (vs marked).
func (a *Adapter) RemoveItem(ctx context.Context, itemNum string) (bool, error) {
	_, err := a.db.ExecContext(ctx,
		"DELETE FROM Inventory WHERE ItemNum = @p1 AND Store_ID = @p2", itemNum, a.storeKey)
	if err == nil {
		return true, nil
	}
	if !isFKViolation(err) {
		return false, fmt.Errorf("delete item %s: %w", itemNum, err)
	}

	a.log.Warn("hard delete blocked by foreign key, marking item deleted",
		zap.String("item_num", itemNum))
	_, markErr := a.db.ExecContext(ctx, `
		UPDATE Inventory
		SET ItemName = '[DELETED] ' + LEFT(ItemName, 15), In_Stock = 0, Local_Updated_At = GETDATE()
		WHERE ItemNum = @p1 AND Store_ID = @p2`, itemNum, a.storeKey)
	if markErr != nil {
		return false, fmt.Errorf("mark item %s deleted: %w", itemNum, markErr)
	}
	return false, nil
}
