package types

// DeletionRecord marks a target event id or coordinate as deleted by its author.
type DeletionRecord struct {
	Target     string `json:"target"` // event id or kind:pubkey:d coordinate
	DeletedBy  string `json:"deleted_by"`
	DeletionID string `json:"deletion_id"`
	Timestamp  int64  `json:"timestamp"` // declared created_at of the deletion event
	Reason     string `json:"reason,omitempty"`
}
