// Package reconcile replaces an owner's product rows with a client-supplied
// list.
//
// Three delete scopes are offered. Reconcile removes the owner's rows whose
// code appears in the input and then upserts the input, so rows whose code is
// absent from the input survive. ReplaceAll removes every row of the owner
// before inserting. UpsertSubset never deletes.
//
// By default both phases run in a single transaction. With WithAtomic(false)
// each phase commits on its own; an insert failure after a committed delete
// then leaves the owner's rows deleted and is reported as
// PARTIAL_RECONCILIATION.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kimhsiao/stockroom/backend/internal/db"
	apperrors "github.com/kimhsiao/stockroom/backend/internal/errors"
	"github.com/kimhsiao/stockroom/backend/internal/logging"
	"github.com/kimhsiao/stockroom/backend/internal/metrics"
	"github.com/kimhsiao/stockroom/backend/internal/models"
)

// Store opens product transactions.
type Store interface {
	BeginProductTx(ctx context.Context) (db.ProductTx, error)
}

// Modes reported in logs and metrics.
const (
	ModeAtomic   = "atomic"
	ModeTwoPhase = "two_phase"
)

// Result describes the outcome of one reconciliation.
type Result struct {
	// Deleted is the number of rows removed by the delete phase.
	Deleted int `json:"deleted"`
	// Inserted is the number of rows written by the insert phase. It always
	// equals len(Rows).
	Inserted int `json:"inserted"`
	// Rows are the written rows as stored, in input order.
	Rows []models.Product `json:"data"`
}

type scope int

const (
	scopeInputCodes scope = iota
	scopeOwner
	scopeNone
)

// Reconciler performs product reconciliation against a Store.
type Reconciler struct {
	store   Store
	atomic  bool
	metrics *metrics.Collector
	log     *logging.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithAtomic selects single-transaction (true, the default) or two-phase
// (false) execution.
func WithAtomic(atomic bool) Option {
	return func(r *Reconciler) { r.atomic = atomic }
}

// WithMetrics records every reconciliation on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Reconciler) { r.metrics = c }
}

// WithLogger sets the logger. The global logger is used otherwise.
func WithLogger(l *logging.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// New creates a Reconciler.
func New(store Store, opts ...Option) *Reconciler {
	r := &Reconciler{store: store, atomic: true}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logging.Get()
	}
	return r
}

// Mode returns ModeAtomic or ModeTwoPhase.
func (r *Reconciler) Mode() string {
	if r.atomic {
		return ModeAtomic
	}
	return ModeTwoPhase
}

// Reconcile deletes the owner's rows whose code is in products and upserts
// products. An empty list removes all of the owner's rows.
func (r *Reconciler) Reconcile(ctx context.Context, products []models.Product, ownerID string) (Result, error) {
	s := scopeInputCodes
	if len(products) == 0 {
		s = scopeOwner
	}
	return r.run(ctx, "reconcile", s, products, ownerID)
}

// ReplaceAll deletes every row of the owner and inserts products.
func (r *Reconciler) ReplaceAll(ctx context.Context, products []models.Product, ownerID string) (Result, error) {
	return r.run(ctx, "replace_all", scopeOwner, products, ownerID)
}

// UpsertSubset upserts products and leaves the owner's other rows intact.
func (r *Reconciler) UpsertSubset(ctx context.Context, products []models.Product, ownerID string) (Result, error) {
	return r.run(ctx, "upsert_subset", scopeNone, products, ownerID)
}

func (r *Reconciler) run(ctx context.Context, op string, s scope, products []models.Product, ownerID string) (res Result, err error) {
	start := time.Now()
	defer func() {
		r.metrics.ObserveReconcile(op, r.Mode(), err, res.Deleted, res.Inserted, time.Since(start))
	}()

	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Result{}, apperrors.New(apperrors.ErrValidation, "owner id is required")
	}
	rows, codes, err := prepare(products)
	if err != nil {
		return Result{}, err
	}

	if r.atomic {
		res, err = r.runAtomic(ctx, s, ownerID, rows, codes)
	} else {
		res, err = r.runTwoPhase(ctx, s, ownerID, rows, codes)
	}

	fields := map[string]interface{}{
		"operation": op,
		"mode":      r.Mode(),
		"owner_id":  ownerID,
		"input":     len(products),
		"unique":    len(rows),
		"deleted":   res.Deleted,
		"inserted":  res.Inserted,
	}
	if err != nil {
		r.log.Error("reconciliation failed", err, fields)
		return res, err
	}
	r.log.Info("reconciliation complete", fields)
	return res, nil
}

// prepare trims codes and drops repeated codes, keeping the first
// occurrence of each code in input order. Other fields pass through as
// given.
func prepare(products []models.Product) ([]models.Product, []string, error) {
	rows := make([]models.Product, 0, len(products))
	codes := make([]string, 0, len(products))
	seen := make(map[string]struct{}, len(products))
	for i, p := range products {
		p.Code = strings.TrimSpace(p.Code)
		if p.Code == "" {
			return nil, nil, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("product %d has no code", i))
		}
		if _, dup := seen[p.Code]; dup {
			continue
		}
		seen[p.Code] = struct{}{}
		rows = append(rows, p)
		codes = append(codes, p.Code)
	}
	return rows, codes, nil
}

func deletePhase(ctx context.Context, tx db.ProductTx, s scope, ownerID string, codes []string) (int64, error) {
	switch s {
	case scopeOwner:
		return tx.DeleteByOwner(ctx, ownerID)
	case scopeInputCodes:
		if len(codes) == 0 {
			return 0, nil
		}
		return tx.DeleteByCodes(ctx, ownerID, codes)
	default:
		return 0, nil
	}
}

// insertPhase upserts rows and reads them back in input order.
func insertPhase(ctx context.Context, tx db.ProductTx, ownerID string, rows []models.Product, codes []string) ([]models.Product, error) {
	if len(rows) == 0 {
		return []models.Product{}, nil
	}
	if err := tx.Upsert(ctx, ownerID, rows); err != nil {
		return nil, err
	}
	stored, err := tx.ByCodes(ctx, ownerID, codes)
	if err != nil {
		return nil, err
	}
	byCode := make(map[string]models.Product, len(stored))
	for _, p := range stored {
		byCode[p.Code] = p
	}
	written := make([]models.Product, 0, len(codes))
	for _, code := range codes {
		if p, ok := byCode[code]; ok {
			written = append(written, p)
		}
	}
	return written, nil
}

func (r *Reconciler) runAtomic(ctx context.Context, s scope, ownerID string, rows []models.Product, codes []string) (Result, error) {
	tx, err := r.store.BeginProductTx(ctx)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.ErrStorage, "could not start reconciliation", err)
	}
	defer tx.Rollback()

	deleted, err := deletePhase(ctx, tx, s, ownerID, codes)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.ErrStorage, "delete phase failed", err)
	}
	written, err := insertPhase(ctx, tx, ownerID, rows, codes)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.ErrStorage, "insert phase failed", err)
	}
	if err := tx.Commit(); err != nil {
		return Result{}, apperrors.Wrap(apperrors.ErrStorage, "could not commit reconciliation", err)
	}
	return Result{Deleted: int(deleted), Inserted: len(written), Rows: written}, nil
}

func (r *Reconciler) runTwoPhase(ctx context.Context, s scope, ownerID string, rows []models.Product, codes []string) (Result, error) {
	var deleted int64
	if s != scopeNone {
		tx, err := r.store.BeginProductTx(ctx)
		if err != nil {
			return Result{}, apperrors.Wrap(apperrors.ErrStorage, "could not start delete phase", err)
		}
		deleted, err = deletePhase(ctx, tx, s, ownerID, codes)
		if err != nil {
			tx.Rollback()
			return Result{}, apperrors.Wrap(apperrors.ErrStorage, "delete phase failed", err)
		}
		if err := tx.Commit(); err != nil {
			return Result{}, apperrors.Wrap(apperrors.ErrStorage, "could not commit delete phase", err)
		}
	}

	res := Result{Deleted: int(deleted)}
	fail := func(err error) (Result, error) {
		if s == scopeNone {
			return res, apperrors.Wrap(apperrors.ErrStorage, "insert phase failed", err)
		}
		return res, apperrors.Wrap(apperrors.ErrPartialReconciliation,
			fmt.Sprintf("insert phase failed after %d rows were deleted", deleted), err)
	}

	tx, err := r.store.BeginProductTx(ctx)
	if err != nil {
		return fail(err)
	}
	defer tx.Rollback()
	written, err := insertPhase(ctx, tx, ownerID, rows, codes)
	if err != nil {
		return fail(err)
	}
	if err := tx.Commit(); err != nil {
		return fail(err)
	}
	res.Inserted = len(written)
	res.Rows = written
	return res, nil
}
