package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/juju/errors"

	"github.com/kimhsiao/stockroom/backend/internal/models"
)

// =====================================================
// ChangeLog Operations
// =====================================================

// LatestChangeID returns the id of the newest change log row, or 0 when the
// log is empty.
func (r *Repository) LatestChangeID(ctx context.Context) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM change_log`).Scan(&id)
	return id, errors.Annotate(err, "reading change log head")
}

// ChangesAfter returns up to limit change log rows with id > cursor in id
// order. When tables is non-empty only those tables are returned.
func (r *Repository) ChangesAfter(ctx context.Context, cursor int64, tables []string, limit int) ([]models.ChangeLog, error) {
	query := `SELECT id, operation, table_name, row_id, old_row, new_row, created_at FROM change_log WHERE id > ?`
	args := []interface{}{cursor}
	if len(tables) > 0 {
		query += ` AND table_name IN (` + placeholders(len(tables)) + `)`
		for _, t := range tables {
			args = append(args, t)
		}
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)

	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return nil, errors.Trace(err)
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, errors.Annotatef(err, "reading changes after %d", cursor)
	}
	defer rows.Close()

	var changes []models.ChangeLog
	for rows.Next() {
		var c models.ChangeLog
		var oldRow, newRow sql.NullString
		if err := rows.Scan(&c.ID, &c.Operation, &c.Table, &c.RowID, &oldRow, &newRow, &c.CreatedAt); err != nil {
			return nil, errors.Trace(err)
		}
		if oldRow.Valid {
			c.OldRow = json.RawMessage(oldRow.String)
		}
		if newRow.Valid {
			c.NewRow = json.RawMessage(newRow.String)
		}
		changes = append(changes, c)
	}
	return changes, errors.Trace(rows.Err())
}

// PruneChanges deletes change log rows created before cutoff.
func (r *Repository) PruneChanges(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM change_log WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, errors.Annotate(err, "pruning change log")
	}
	n, err := res.RowsAffected()
	return n, errors.Trace(err)
}
