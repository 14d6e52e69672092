package model

import (
	"database/sql"
	"strings"
)

// LocalDepartment is one row of the local Departments table. Dept_ID is a
// fixed-width CHAR column, so the raw value may carry trailing padding that
// must be preserved on writes and trimmed on comparisons.
type LocalDepartment struct {
	DeptID      string         `db:"Dept_ID"`
	Description sql.NullString `db:"Description"`
	StoreID     sql.NullString `db:"Store_ID"`
}

func (d LocalDepartment) Key() string {
	return strings.TrimSpace(d.DeptID)
}

// RemoteDepartment is one row of the shared store's departments collection.
type RemoteDepartment struct {
	DeptID       string `json:"dept_id"`
	DeptName     string `json:"dept_name"`
	StoreID      string `json:"store_id"`
	LastSyncedAt string `json:"last_synced_at,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}
