package model

// Transfer statuses, in workflow order. The origin agent fast-forwards
// approved transfers straight to completed (setting shipped_at) so the
// destination can receive without a manual in-transit step; in_transit is
// still accepted as a legal stored value for operator-driven flows.
const (
	StatusApproved  = "approved"
	StatusInTransit = "in_transit"
	StatusCompleted = "completed"
	StatusReceived  = "received"
)

// Transfer is one row of the shared transfers collection. Status alone is
// not a safe idempotence signal when two agents race over the same row:
// shipped_at records that the origin applied its decrement, received_at
// that the destination applied its increment.
type Transfer struct {
	ID          string  `json:"id"`
	FromStoreID string  `json:"from_store_id"`
	ToStoreID   string  `json:"to_store_id"`
	Status      string  `json:"status"`
	ShippedAt   *string `json:"shipped_at"`
	CompletedAt *string `json:"completed_at"`
	ReceivedAt  *string `json:"received_at"`
}

// TransferLine is one item within a transfer.
type TransferLine struct {
	TransferID string  `json:"transfer_id"`
	ItemNum    string  `json:"item_num"`
	ItemName   string  `json:"item_name"`
	Quantity   float64 `json:"quantity"`
}
