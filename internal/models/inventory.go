package models

import "time"

// InventoryEntry is a counted quantity of a product at an optional
// location. Entries are created and updated explicitly; LastModified is set
// on every write.
type InventoryEntry struct {
	ID           string  `db:"id" json:"id,omitempty"`
	Code         string  `db:"code" json:"code" validate:"required"`
	Name         string  `db:"name" json:"name" validate:"required"`
	Quantity     float64 `db:"quantity" json:"quantity" validate:"gte=0"`
	Location     string  `db:"location" json:"location,omitempty"`
	OwnerID      string  `db:"owner_id" json:"owner_id,omitempty"`
	LastModified int64   `db:"last_modified" json:"last_modified,omitempty"`
}

// TableName returns the table name for InventoryEntry.
func (InventoryEntry) TableName() string {
	return "inventory"
}

// LastModifiedTime returns the LastModified as time.Time.
func (e *InventoryEntry) LastModifiedTime() time.Time {
	return time.Unix(e.LastModified, 0)
}
