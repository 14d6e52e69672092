package model

import (
	"database/sql"
	"strings"
)

// TombstoneName is the sentinel item name marking a remote row as deleted.
// A tombstoned row is never a real item; it exists only until every store
// has swept the deletion locally.
const TombstoneName = "DELETED"

// LocalItem is one row of the local Inventory table. The schema is owned by
// the point-of-sale product, so most columns are nullable here even when
// they are defaulted NOT NULL on insert.
type LocalItem struct {
	ItemNum        string          `db:"ItemNum"`
	ItemName       sql.NullString  `db:"ItemName"`
	DeptID         sql.NullString  `db:"Dept_ID"`
	InStock        sql.NullFloat64 `db:"In_Stock"`
	Cost           sql.NullFloat64 `db:"Cost"`
	Price          sql.NullFloat64 `db:"Price"`
	RetailPrice    sql.NullFloat64 `db:"Retail_Price"`
	ItemType       sql.NullInt64   `db:"ItemType"`
	StoreID        sql.NullString  `db:"Store_ID"`
	LocalUpdatedAt sql.NullTime    `db:"Local_Updated_At"`
}

// Key returns the item number in trimmed form. Local CHAR columns pad keys
// with trailing spaces, so all cross-store comparison goes through Key.
func (i LocalItem) Key() string {
	return strings.TrimSpace(i.ItemNum)
}

// RemoteItem is one row of the shared store's inventory collection.
// Timestamps stay strings at this layer; the conflict resolver owns parsing
// so an unparsable value degrades to "no ordering information" instead of a
// dropped row.
type RemoteItem struct {
	ItemNum      string  `json:"item_num"`
	ItemName     string  `json:"item_name"`
	StoreID      string  `json:"store_id"`
	DeptID       string  `json:"dept_id,omitempty"`
	ItemType     int     `json:"itemtype"`
	InStock      float64 `json:"in_stock"`
	Cost         float64 `json:"cost"`
	Price        float64 `json:"price"`
	RetailPrice  float64 `json:"retail_price"`
	LastSyncedAt string  `json:"last_synced_at,omitempty"`
	UpdatedAt    string  `json:"updated_at,omitempty"`
	CreatedAt    string  `json:"created_at,omitempty"`
}

func (r RemoteItem) Key() string {
	return strings.TrimSpace(r.ItemNum)
}

func (r RemoteItem) IsTombstone() bool {
	return r.ItemName == TombstoneName
}

// RemoteStamp is the slim projection used by the push pass to compare
// timestamps without transferring whole rows.
type RemoteStamp struct {
	ItemNum   string `json:"item_num"`
	UpdatedAt string `json:"updated_at"`
}
