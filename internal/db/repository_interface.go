// Package db provides repository interfaces for stockroom data models.
package db

import (
	"context"
	"time"

	"github.com/kimhsiao/stockroom/backend/internal/models"
)

// ProductTx is a product-scoped unit of work. Changes become visible to
// other readers only after Commit.
type ProductTx interface {
	// DeleteByCodes removes the owner's rows whose code is in codes and
	// returns how many were removed.
	DeleteByCodes(ctx context.Context, ownerID string, codes []string) (int64, error)

	// DeleteByOwner removes all of the owner's rows.
	DeleteByOwner(ctx context.Context, ownerID string) (int64, error)

	// Upsert inserts or updates rows keyed on (code, owner_id).
	Upsert(ctx context.Context, ownerID string, products []models.Product) error

	// ByCodes reads back the owner's rows with the given codes.
	ByCodes(ctx context.Context, ownerID string, codes []string) ([]models.Product, error)

	Commit() error
	Rollback() error
}

// ProductRepository defines operations for product persistence.
type ProductRepository interface {
	ListProductsByOwner(ctx context.Context, ownerID string) ([]models.Product, error)
	CreateProduct(ctx context.Context, p *models.Product) error
	DeleteProduct(ctx context.Context, id string) error
	BeginProductTx(ctx context.Context) (ProductTx, error)
}

// InventoryRepository defines operations for inventory persistence.
type InventoryRepository interface {
	CreateInventoryEntry(ctx context.Context, e *models.InventoryEntry) error
	UpdateInventoryEntry(ctx context.Context, e *models.InventoryEntry) error
	ListInventoryByOwner(ctx context.Context, ownerID string) ([]models.InventoryEntry, error)
}

// UserRepository defines operations for users and their refresh sessions.
type UserRepository interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, tokenHash string) (*models.Session, error)
	DeleteSession(ctx context.Context, tokenHash string) error
	DeleteUserSessions(ctx context.Context, userID string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// ChangeLogRepository defines read access to the trigger-maintained change log.
type ChangeLogRepository interface {
	LatestChangeID(ctx context.Context) (int64, error)
	ChangesAfter(ctx context.Context, cursor int64, tables []string, limit int) ([]models.ChangeLog, error)
	PruneChanges(ctx context.Context, cutoff time.Time) (int64, error)
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ ProductRepository   = (*Repository)(nil)
	_ InventoryRepository = (*Repository)(nil)
	_ UserRepository      = (*Repository)(nil)
	_ ChangeLogRepository = (*Repository)(nil)
)
