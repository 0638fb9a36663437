// Package changefeed delivers row-level changes recorded in the change_log
// table to subscribers.
//
// The table is filled by triggers on the watched tables, so every committed
// write is captured in commit order. A Subscription polls the log from a
// cursor and delivers events on a channel. Because the log is durable, a new
// subscription started from the cursor of a dead one sees every change that
// happened in between, as long as the rows have not been pruned.
package changefeed

import (
	"encoding/json"

	"github.com/kimhsiao/stockroom/backend/internal/models"
)

// ChangeType represents the type of change.
// The changes are bit flags so that they can be combined.
type ChangeType int

const (
	// Insert represents a new row.
	Insert ChangeType = 1 << iota
	// Update represents an update to an existing row.
	Update
	// Delete represents a row that has been deleted.
	Delete
	// All represents any change.
	All = Insert | Update | Delete
)

// ParseOperation maps a change_log operation to its ChangeType.
func ParseOperation(op string) ChangeType {
	switch op {
	case models.OperationInsert:
		return Insert
	case models.OperationUpdate:
		return Update
	case models.OperationDelete:
		return Delete
	}
	return 0
}

// ChangeEvent is one row-level mutation delivered by a Subscription.
//
// Row holds the row after the change. For deletes, which have no after
// image, Row holds the deleted row so that every event carries the
// affected row. OldRow holds the before image for updates and deletes.
type ChangeEvent struct {
	ID        int64           `json:"id"`
	Operation string          `json:"operation"`
	Table     string          `json:"table"`
	Row       json.RawMessage `json:"row"`
	OldRow    json.RawMessage `json:"old_row,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Type returns the ChangeType of the event.
func (e ChangeEvent) Type() ChangeType {
	return ParseOperation(e.Operation)
}

func eventFromLog(c models.ChangeLog) ChangeEvent {
	row := c.NewRow
	if row == nil {
		row = c.OldRow
	}
	return ChangeEvent{
		ID:        c.ID,
		Operation: c.Operation,
		Table:     c.Table,
		Row:       row,
		OldRow:    c.OldRow,
		Timestamp: c.CreatedAt,
	}
}

// Filter selects the events a Subscription delivers.
type Filter struct {
	// Tables limits events to these tables. Empty means all tables.
	Tables []string
	// Ops limits events to these change types. Zero means All.
	Ops ChangeType
}

func (f Filter) matches(e ChangeEvent) bool {
	ops := f.Ops
	if ops == 0 {
		ops = All
	}
	return e.Type()&ops != 0
}

// Cursor is the id of the last change_log row a subscriber has seen.
type Cursor int64

const (
	// CursorStart replays the whole retained log.
	CursorStart Cursor = 0
	// CursorHead starts after the newest row present at subscribe time.
	CursorHead Cursor = -1
)
