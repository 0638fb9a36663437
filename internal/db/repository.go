// Package db provides CRUD repository operations for stockroom data models.
package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/kimhsiao/stockroom/backend/internal/models"
	"github.com/kimhsiao/stockroom/backend/internal/uuid"
)

// maxInArgs bounds the number of bound parameters in one IN (...) list.
const maxInArgs = 500

// Repository provides CRUD operations for all models.
type Repository struct {
	db  *sql.DB
	now func() time.Time

	// Prepared statement cache for queries on hot paths (change feed
	// polling, product listing). Statements are prepared on first use.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, errors.Annotate(err, "failed to prepare statement")
	}

	// If another goroutine already stored one, close our duplicate.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
// Should be called when the Repository is no longer needed.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !stderrors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// placeholders returns "?, ?, ?" for n parameters.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// chunk splits values into slices of at most maxInArgs elements.
func chunk(values []string) [][]string {
	var out [][]string
	for len(values) > maxInArgs {
		out = append(out, values[:maxInArgs])
		values = values[maxInArgs:]
	}
	if len(values) > 0 {
		out = append(out, values)
	}
	return out
}

// =====================================================
// Product Operations
// =====================================================

const productColumns = `id, code, name, category, brand, unit, owner_id, created_at, updated_at`

func scanProducts(rows *sql.Rows) ([]models.Product, error) {
	defer rows.Close()
	var products []models.Product
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.Category, &p.Brand, &p.Unit,
			&p.OwnerID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, errors.Trace(err)
		}
		products = append(products, p)
	}
	return products, errors.Trace(rows.Err())
}

// ListProductsByOwner returns the owner's products ordered by code.
func (r *Repository) ListProductsByOwner(ctx context.Context, ownerID string) ([]models.Product, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+productColumns+` FROM products WHERE owner_id = ? ORDER BY code`)
	if err != nil {
		return nil, errors.Trace(err)
	}
	rows, err := stmt.QueryContext(ctx, ownerID)
	if err != nil {
		return nil, errors.Annotatef(err, "listing products for owner %q", ownerID)
	}
	return scanProducts(rows)
}

// CreateProduct inserts a single product. A product with the same code for
// the same owner yields an AlreadyExists error.
func (r *Repository) CreateProduct(ctx context.Context, p *models.Product) error {
	now := r.now().Unix()
	p.ID = uuid.New()
	p.CreatedAt = now
	p.UpdatedAt = now

	query := `INSERT INTO products (` + productColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query, p.ID, p.Code, p.Name, p.Category, p.Brand, p.Unit,
		p.OwnerID, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.AlreadyExistsf("product with code %q", p.Code)
	}
	return errors.Annotatef(err, "creating product %q", p.Code)
}

// DeleteProduct removes a product by id, regardless of owner.
func (r *Repository) DeleteProduct(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id)
	if err != nil {
		return errors.Annotatef(err, "deleting product %q", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Trace(err)
	}
	if n == 0 {
		return errors.NotFoundf("product %q", id)
	}
	return nil
}

// BeginProductTx starts a transaction scoped to product reconciliation.
func (r *Repository) BeginProductTx(ctx context.Context) (ProductTx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Annotate(err, "beginning product transaction")
	}
	return &productTx{tx: tx, now: r.now}, nil
}
