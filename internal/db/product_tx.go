package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/juju/errors"

	"github.com/kimhsiao/stockroom/backend/internal/models"
	"github.com/kimhsiao/stockroom/backend/internal/uuid"
)

type productTx struct {
	tx  *sql.Tx
	now func() time.Time
}

// DeleteByCodes removes the owner's rows whose code is in codes.
func (t *productTx) DeleteByCodes(ctx context.Context, ownerID string, codes []string) (int64, error) {
	var total int64
	for _, part := range chunk(codes) {
		args := make([]interface{}, 0, len(part)+1)
		args = append(args, ownerID)
		for _, c := range part {
			args = append(args, c)
		}
		query := `DELETE FROM products WHERE owner_id = ? AND code IN (` + placeholders(len(part)) + `)`
		res, err := t.tx.ExecContext(ctx, query, args...)
		if err != nil {
			return total, errors.Annotatef(err, "deleting products by code for owner %q", ownerID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, errors.Trace(err)
		}
		total += n
	}
	return total, nil
}

// DeleteByOwner removes every product row of the owner.
func (t *productTx) DeleteByOwner(ctx context.Context, ownerID string) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM products WHERE owner_id = ?`, ownerID)
	if err != nil {
		return 0, errors.Annotatef(err, "deleting products for owner %q", ownerID)
	}
	n, err := res.RowsAffected()
	return n, errors.Trace(err)
}

// Upsert inserts products for the owner keyed on (code, owner_id). An
// existing row keeps its id and created_at and takes the new field values.
func (t *productTx) Upsert(ctx context.Context, ownerID string, products []models.Product) error {
	if len(products) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx, `
	INSERT INTO products (`+productColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(code, owner_id) DO UPDATE SET
		name = excluded.name,
		category = excluded.category,
		brand = excluded.brand,
		unit = excluded.unit,
		updated_at = excluded.updated_at
	`)
	if err != nil {
		return errors.Annotate(err, "preparing product upsert")
	}
	defer stmt.Close()

	now := t.now().Unix()
	for _, p := range products {
		if _, err := stmt.ExecContext(ctx, uuid.New(), p.Code, p.Name, p.Category, p.Brand,
			p.Unit, ownerID, now, now); err != nil {
			return errors.Annotatef(err, "upserting product %q for owner %q", p.Code, ownerID)
		}
	}
	return nil
}

// ByCodes returns the owner's rows whose code is in codes, in no
// particular order.
func (t *productTx) ByCodes(ctx context.Context, ownerID string, codes []string) ([]models.Product, error) {
	var out []models.Product
	for _, part := range chunk(codes) {
		args := make([]interface{}, 0, len(part)+1)
		args = append(args, ownerID)
		for _, c := range part {
			args = append(args, c)
		}
		rows, err := t.tx.QueryContext(ctx,
			`SELECT `+productColumns+` FROM products WHERE owner_id = ? AND code IN (`+placeholders(len(part))+`)`,
			args...)
		if err != nil {
			return nil, errors.Annotatef(err, "reading products for owner %q", ownerID)
		}
		products, err := scanProducts(rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, products...)
	}
	return out, nil
}

func (t *productTx) Commit() error {
	return errors.Annotate(t.tx.Commit(), "committing product transaction")
}

func (t *productTx) Rollback() error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return errors.Trace(err)
}
