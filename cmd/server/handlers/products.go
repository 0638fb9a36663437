package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/juju/errors"

	"github.com/kimhsiao/stockroom/backend/internal/db"
	apperrors "github.com/kimhsiao/stockroom/backend/internal/errors"
	"github.com/kimhsiao/stockroom/backend/internal/models"
	"github.com/kimhsiao/stockroom/backend/internal/reconcile"
	"github.com/kimhsiao/stockroom/backend/internal/sheets"
)

// ProductHandler handles product operations.
type ProductHandler struct {
	errorWriter
	repo         db.ProductRepository
	reconciler   *reconcile.Reconciler
	exporter     sheets.Exporter
	defaultSheet string
}

// NewProductHandler creates a new ProductHandler.
func NewProductHandler(repo db.ProductRepository, reconciler *reconcile.Reconciler, exporter sheets.Exporter, defaultSheet string, ew errorWriter) *ProductHandler {
	if exporter == nil {
		exporter = sheets.Noop{}
	}
	return &ProductHandler{
		errorWriter:  ew,
		repo:         repo,
		reconciler:   reconciler,
		exporter:     exporter,
		defaultSheet: defaultSheet,
	}
}

func (h *ProductHandler) owned(w http.ResponseWriter, r *http.Request) ([]models.Product, *models.User, bool) {
	u, _ := UserFromContext(r.Context())
	products, err := h.repo.ListProductsByOwner(r.Context(), u.ID)
	if err != nil {
		h.write(w, r, apperrors.FromStore(err, "listing products"))
		return nil, nil, false
	}
	if products == nil {
		products = []models.Product{}
	}
	return products, u, true
}

// ListProducts handles GET /products
func (h *ProductHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, _, ok := h.owned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, products)
}

// CreateProduct handles POST /products
func (h *ProductHandler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFromContext(r.Context())
	var p models.Product
	if err := decodeJSON(r, &p); err != nil {
		h.write(w, r, err)
		return
	}
	p.Normalize()
	if err := validateStruct(p); err != nil {
		h.write(w, r, err)
		return
	}
	p.OwnerID = u.ID
	if err := h.repo.CreateProduct(r.Context(), &p); err != nil {
		if errors.Is(err, errors.AlreadyExists) {
			err = apperrors.Wrap(apperrors.ErrDuplicate, "product code already exists", err)
		}
		h.write(w, r, apperrors.FromStore(err, "creating product"))
		return
	}

	if err := h.exporter.Append(r.Context(), h.defaultSheet, [][]string{p.SheetRow()}); err != nil {
		h.log.Error("sheet append failed", err, map[string]interface{}{
			"product_id": p.ID,
			"sheet":      h.defaultSheet,
		})
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "data": p})
}

// DeleteProduct handles DELETE /products/{id}
func (h *ProductHandler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.repo.DeleteProduct(r.Context(), id); err != nil {
		if errors.Is(err, errors.NotFound) {
			err = apperrors.Wrap(apperrors.ErrNotFound, "product not found", err)
		}
		h.write(w, r, apperrors.FromStore(err, "deleting product"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "product deleted"})
}

// SyncProducts handles POST /products/sync
func (h *ProductHandler) SyncProducts(w http.ResponseWriter, r *http.Request) {
	products, _, ok := h.owned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "products": products})
}

type exportRequest struct {
	Sheet string `json:"sheet"`
}

// ExportProducts handles POST /products/export
func (h *ProductHandler) ExportProducts(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			h.write(w, r, err)
			return
		}
	}
	if req.Sheet == "" {
		req.Sheet = h.defaultSheet
	}
	products, _, ok := h.owned(w, r)
	if !ok {
		return
	}
	if err := h.exporter.SyncProducts(r.Context(), req.Sheet, products); err != nil {
		h.write(w, r, apperrors.Wrap(apperrors.ErrExportFailed, "exporting products", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"sheet":    req.Sheet,
		"exported": len(products),
	})
}

type reconcileRequest struct {
	Products *[]models.Product `json:"products"`
}

func (h *ProductHandler) reconcileWith(run func(*http.Request, []models.Product, string) (reconcile.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, _ := UserFromContext(r.Context())
		var req reconcileRequest
		if err := decodeJSON(r, &req); err != nil {
			h.write(w, r, err)
			return
		}
		if req.Products == nil {
			h.write(w, r, apperrors.New(apperrors.ErrValidation, "products is required"))
			return
		}
		res, err := run(r, *req.Products, u.ID)
		if err != nil {
			h.write(w, r, err)
			return
		}
		if res.Rows == nil {
			res.Rows = []models.Product{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":  true,
			"deleted":  res.Deleted,
			"inserted": res.Inserted,
			"data":     res.Rows,
		})
	}
}

// Reconcile handles POST /products/actualizar-usuario-productos
func (h *ProductHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	h.reconcileWith(func(r *http.Request, p []models.Product, owner string) (reconcile.Result, error) {
		return h.reconciler.Reconcile(r.Context(), p, owner)
	})(w, r)
}

// ReplaceAll handles POST /products/replace
func (h *ProductHandler) ReplaceAll(w http.ResponseWriter, r *http.Request) {
	h.reconcileWith(func(r *http.Request, p []models.Product, owner string) (reconcile.Result, error) {
		return h.reconciler.ReplaceAll(r.Context(), p, owner)
	})(w, r)
}

// UpsertSubset handles POST /products/upsert
func (h *ProductHandler) UpsertSubset(w http.ResponseWriter, r *http.Request) {
	h.reconcileWith(func(r *http.Request, p []models.Product, owner string) (reconcile.Result, error) {
		return h.reconciler.UpsertSubset(r.Context(), p, owner)
	})(w, r)
}
