package models

import (
	"encoding/json"
	"time"
)

// Row-level operations recorded in the change log.
const (
	OperationInsert = "insert"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

// ChangeLog is one row-level mutation captured by the table triggers.
// OldRow is empty for inserts and NewRow is empty for deletes.
type ChangeLog struct {
	ID        int64           `db:"id" json:"id"`
	Operation string          `db:"operation" json:"operation"`
	Table     string          `db:"table_name" json:"table"`
	RowID     string          `db:"row_id" json:"row_id"`
	OldRow    json.RawMessage `db:"old_row" json:"old_row,omitempty"`
	NewRow    json.RawMessage `db:"new_row" json:"row,omitempty"`
	CreatedAt int64           `db:"created_at" json:"timestamp"`
}

// TableName returns the table name for ChangeLog.
func (ChangeLog) TableName() string {
	return "change_log"
}

// Time returns the CreatedAt as time.Time.
func (c *ChangeLog) Time() time.Time {
	return time.Unix(c.CreatedAt, 0)
}
