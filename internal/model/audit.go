package model

// InventoryChange is an operator-facing audit entry recorded for every
// stock delta the agent applies. The id is generated client-side so a
// retried insert after a network failure stays idempotent.
type InventoryChange struct {
	ID             string  `json:"id"`
	ItemNum        string  `json:"item_num"`
	ItemName       string  `json:"item_name"`
	StoreID        string  `json:"store_id"`
	ChangeType     string  `json:"change_type"`
	QuantityChange float64 `json:"quantity_change"`
	OldStock       float64 `json:"old_stock"`
	NewStock       float64 `json:"new_stock"`
	TransferID     string  `json:"transfer_id,omitempty"`
	Notes          string  `json:"notes,omitempty"`
}

const (
	ChangeTransferOut = "transfer_out"
	ChangeTransferIn  = "transfer_in"
)

// SyncLogEntry is one row of the shared sync_log collection, written once
// per cycle for dashboard visibility.
type SyncLogEntry struct {
	ID            string  `json:"id"`
	StoreID       string  `json:"store_id"`
	SyncType      string  `json:"sync_type"`
	Status        string  `json:"status"`
	RecordsSynced int     `json:"records_synced"`
	ErrorMessage  *string `json:"error_message"`
	StartedAt     string  `json:"started_at"`
	CompletedAt   *string `json:"completed_at"`
}
