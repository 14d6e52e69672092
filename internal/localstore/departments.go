package localstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fekuna/omnipos-sync-agent/internal/model"
)

// insertDepartmentSQL populates every NOT NULL column the POS schema
// demands; values beyond id, store and description match what the product
// writes for a freshly created department.
const insertDepartmentSQL = `
INSERT INTO Departments (Dept_ID, Store_ID, Description, Type, TSDisplay, Cost_MarkUp, Dirty, SubType, Print_Dept_Notes, Require_Permission, Require_Serials, AvailableOnline, RowID)
VALUES (@p1, @p2, @p3, 0, 0, 0.0, 1, 'NONE', 0, 0, 0, 0, NEWID())`

func (a *Adapter) ListDepartments(ctx context.Context) ([]model.LocalDepartment, error) {
	var depts []model.LocalDepartment
	err := a.db.SelectContext(ctx, &depts, "SELECT Dept_ID, Description, Store_ID FROM Departments")
	if err != nil {
		return nil, fmt.Errorf("list departments: %w", err)
	}
	return depts, nil
}

// UpsertDepartment applies a remote department to the local table, keyed
// on the department id.
func (a *Adapter) UpsertDepartment(ctx context.Context, deptID, name string) error {
	return a.withRetry(ctx, "upsert department", func() error {
		var count int
		if err := a.db.GetContext(ctx, &count,
			"SELECT COUNT(*) FROM Departments WHERE Dept_ID = @p1", deptID); err != nil {
			return fmt.Errorf("check department %s: %w", deptID, err)
		}
		if count > 0 {
			_, err := a.db.ExecContext(ctx,
				"UPDATE Departments SET Description = @p1 WHERE Dept_ID = @p2", name, deptID)
			if err != nil {
				return fmt.Errorf("update department %s: %w", deptID, err)
			}
			return nil
		}
		if _, err := a.db.ExecContext(ctx, insertDepartmentSQL, deptID, a.storeKey, name); err != nil {
			return fmt.Errorf("insert department %s: %w", deptID, err)
		}
		return nil
	})
}

// autoCreateDepartment materializes a minimal department row so an item
// insert that tripped the foreign key can be retried. The id doubles as
// the display name; operators rename it from the POS later.
func (a *Adapter) autoCreateDepartment(ctx context.Context, rawDeptID string) error {
	a.log.Info("auto-creating missing department", zap.String("dept_id", rawDeptID))
	if _, err := a.db.ExecContext(ctx, insertDepartmentSQL, rawDeptID, a.storeKey, rawDeptID); err != nil {
		return fmt.Errorf("auto-create department %s: %w", rawDeptID, err)
	}
	return nil
}
