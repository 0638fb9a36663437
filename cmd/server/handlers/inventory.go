package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/juju/errors"

	"github.com/kimhsiao/stockroom/backend/internal/db"
	apperrors "github.com/kimhsiao/stockroom/backend/internal/errors"
	"github.com/kimhsiao/stockroom/backend/internal/models"
	"github.com/kimhsiao/stockroom/backend/internal/uuid"
)

// InventoryHandler handles inventory entry operations. Writes reach
// websocket clients through the change feed, not from here.
type InventoryHandler struct {
	errorWriter
	repo db.InventoryRepository
}

// NewInventoryHandler creates a new InventoryHandler.
func NewInventoryHandler(repo db.InventoryRepository, ew errorWriter) *InventoryHandler {
	return &InventoryHandler{errorWriter: ew, repo: repo}
}

type inventoryRequest struct {
	Code     string   `json:"code" validate:"required"`
	Name     string   `json:"name" validate:"required"`
	Quantity *float64 `json:"quantity" validate:"required,gte=0"`
	Location string   `json:"location"`
}

func (h *InventoryHandler) decode(r *http.Request) (*models.InventoryEntry, error) {
	var req inventoryRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	return &models.InventoryEntry{
		Code:     req.Code,
		Name:     req.Name,
		Quantity: *req.Quantity,
		Location: req.Location,
	}, nil
}

// ListInventory handles GET /inventory
func (h *InventoryHandler) ListInventory(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFromContext(r.Context())
	entries, err := h.repo.ListInventoryByOwner(r.Context(), u.ID)
	if err != nil {
		h.write(w, r, apperrors.FromStore(err, "listing inventory"))
		return
	}
	if entries == nil {
		entries = []models.InventoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// CreateInventoryEntry handles POST /inventory
func (h *InventoryHandler) CreateInventoryEntry(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFromContext(r.Context())
	e, err := h.decode(r)
	if err != nil {
		h.write(w, r, err)
		return
	}
	e.OwnerID = u.ID
	if err := h.repo.CreateInventoryEntry(r.Context(), e); err != nil {
		h.write(w, r, apperrors.FromStore(err, "saving inventory entry"))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "data": e})
}

// UpdateInventoryEntry handles PUT /inventory/{id}
func (h *InventoryHandler) UpdateInventoryEntry(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFromContext(r.Context())
	id := mux.Vars(r)["id"]
	if err := uuid.Validate("inventory entry", id); err != nil {
		h.write(w, r, apperrors.FromStore(err, "invalid inventory entry id"))
		return
	}
	e, err := h.decode(r)
	if err != nil {
		h.write(w, r, err)
		return
	}
	e.ID = id
	e.OwnerID = u.ID
	if err := h.repo.UpdateInventoryEntry(r.Context(), e); err != nil {
		if errors.Is(err, errors.NotFound) {
			err = apperrors.Wrap(apperrors.ErrNotFound, "inventory entry not found", err)
		}
		h.write(w, r, apperrors.FromStore(err, "updating inventory entry"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "data": e})
}
