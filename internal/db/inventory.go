package db

import (
	"context"
	"database/sql"

	"github.com/juju/errors"

	"github.com/kimhsiao/stockroom/backend/internal/models"
	"github.com/kimhsiao/stockroom/backend/internal/uuid"
)

// =====================================================
// InventoryEntry Operations
// =====================================================

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateInventoryEntry inserts a new entry for e.OwnerID and stamps its id
// and LastModified.
func (r *Repository) CreateInventoryEntry(ctx context.Context, e *models.InventoryEntry) error {
	e.ID = uuid.New()
	e.LastModified = r.now().Unix()

	query := `
	INSERT INTO inventory (id, code, name, quantity, location, owner_id, last_modified)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query, e.ID, e.Code, e.Name, e.Quantity, nullable(e.Location),
		e.OwnerID, e.LastModified)
	return errors.Annotatef(err, "creating inventory entry %q", e.Code)
}

// UpdateInventoryEntry overwrites the mutable fields of an entry owned by
// e.OwnerID. Entries of other owners are reported as not found.
func (r *Repository) UpdateInventoryEntry(ctx context.Context, e *models.InventoryEntry) error {
	e.LastModified = r.now().Unix()

	query := `
	UPDATE inventory SET code = ?, name = ?, quantity = ?, location = ?, last_modified = ?
	WHERE id = ? AND owner_id = ?
	`
	res, err := r.db.ExecContext(ctx, query, e.Code, e.Name, e.Quantity, nullable(e.Location),
		e.LastModified, e.ID, e.OwnerID)
	if err != nil {
		return errors.Annotatef(err, "updating inventory entry %q", e.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Trace(err)
	}
	if n == 0 {
		return errors.NotFoundf("inventory entry %q", e.ID)
	}
	return nil
}

// ListInventoryByOwner returns the owner's entries, most recently modified
// first.
func (r *Repository) ListInventoryByOwner(ctx context.Context, ownerID string) ([]models.InventoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, code, name, quantity, location, owner_id, last_modified
	FROM inventory WHERE owner_id = ?
	ORDER BY last_modified DESC, code
	`, ownerID)
	if err != nil {
		return nil, errors.Annotatef(err, "listing inventory for owner %q", ownerID)
	}
	defer rows.Close()

	var entries []models.InventoryEntry
	for rows.Next() {
		var e models.InventoryEntry
		var location sql.NullString
		if err := rows.Scan(&e.ID, &e.Code, &e.Name, &e.Quantity, &location, &e.OwnerID, &e.LastModified); err != nil {
			return nil, errors.Trace(err)
		}
		if location.Valid {
			e.Location = location.String
		}
		entries = append(entries, e)
	}
	return entries, errors.Trace(rows.Err())
}
