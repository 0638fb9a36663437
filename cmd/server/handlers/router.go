package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kimhsiao/stockroom/backend/internal/auth"
	"github.com/kimhsiao/stockroom/backend/internal/config"
	"github.com/kimhsiao/stockroom/backend/internal/db"
	"github.com/kimhsiao/stockroom/backend/internal/logging"
	"github.com/kimhsiao/stockroom/backend/internal/metrics"
	"github.com/kimhsiao/stockroom/backend/internal/models"
	"github.com/kimhsiao/stockroom/backend/internal/reconcile"
	"github.com/kimhsiao/stockroom/backend/internal/sheets"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "stockroom"

// Deps are the services the router dispatches to.
type Deps struct {
	Auth       *auth.Service
	Products   db.ProductRepository
	Inventory  db.InventoryRepository
	Reconciler *reconcile.Reconciler
	Sheets     sheets.Exporter
	// Realtime serves GET /ws.
	Realtime http.Handler
	Metrics  *metrics.Collector
	// FeedConnected reports whether the change broadcaster currently
	// holds a change feed subscription. Optional.
	FeedConnected func() bool
	Logger        *logging.Logger
}

// NewRouter registers every route and wraps them in the middleware chain:
// request id, logging, recovery, CORS, then per-route rate limits and
// authentication.
func NewRouter(deps Deps, cfg config.Config) http.Handler {
	log := deps.Logger
	if log == nil {
		log = logging.Get()
	}
	ew := errorWriter{production: cfg.IsProduction(), log: log}

	authH := NewAuthHandler(deps.Auth, ew, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	productH := NewProductHandler(deps.Products, deps.Reconciler, deps.Sheets, cfg.SheetsDefaultSheet, ew)
	inventoryH := NewInventoryHandler(deps.Inventory, ew)

	apiLimit := NewRateLimiter(cfg.APIRateLimit, cfg.APIRateWindow,
		"too many requests from this address, try again later").Middleware(ew)
	loginLimit := NewRateLimiter(cfg.LoginRateLimit, cfg.LoginRateWindow,
		"too many login attempts, try again later").Middleware(ew)

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "route not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
	})

	r.HandleFunc("/api/health", func(w http.ResponseWriter, req *http.Request) {
		body := map[string]interface{}{"status": "ok", "service": ServiceName}
		if deps.FeedConnected != nil {
			body["feed_connected"] = deps.FeedConnected()
		}
		writeJSON(w, http.StatusOK, body)
	}).Methods(http.MethodGet)
	r.Handle("/metrics", deps.Metrics.Handler()).Methods(http.MethodGet)
	if deps.Realtime != nil {
		r.Handle("/ws", deps.Realtime).Methods(http.MethodGet)
	}

	authed := func(h http.HandlerFunc) http.Handler {
		return apiLimit(authH.RequireAuth(h))
	}

	a := r.PathPrefix("/auth").Subrouter()
	a.Handle("/register", apiLimit(http.HandlerFunc(authH.Register))).Methods(http.MethodPost)
	a.Handle("/login", loginLimit(http.HandlerFunc(authH.Login))).Methods(http.MethodPost)
	a.Handle("/logout", apiLimit(http.HandlerFunc(authH.Logout))).Methods(http.MethodPost)
	a.Handle("/refresh", apiLimit(http.HandlerFunc(authH.Refresh))).Methods(http.MethodPost)
	a.Handle("/me", authed(authH.Me)).Methods(http.MethodGet)
	a.Handle("/verify", authed(authH.Verify)).Methods(http.MethodGet)

	p := r.PathPrefix("/products").Subrouter()
	p.Handle("", authed(productH.ListProducts)).Methods(http.MethodGet)
	p.Handle("", authed(productH.CreateProduct)).Methods(http.MethodPost)
	p.Handle("/sync", authed(productH.SyncProducts)).Methods(http.MethodPost)
	p.Handle("/export", authed(productH.ExportProducts)).Methods(http.MethodPost)
	p.Handle("/actualizar-usuario-productos", authed(productH.Reconcile)).Methods(http.MethodPost)
	p.Handle("/replace", authed(productH.ReplaceAll)).Methods(http.MethodPost)
	p.Handle("/upsert", authed(productH.UpsertSubset)).Methods(http.MethodPost)
	p.Handle("/{id}", apiLimit(authH.RequireAuth(authH.RequireRole(models.RoleAdmin,
		http.HandlerFunc(productH.DeleteProduct))))).Methods(http.MethodDelete)

	i := r.PathPrefix("/inventory").Subrouter()
	i.Handle("", authed(inventoryH.ListInventory)).Methods(http.MethodGet)
	i.Handle("", authed(inventoryH.CreateInventoryEntry)).Methods(http.MethodPost)
	i.Handle("/{id}", authed(inventoryH.UpdateInventoryEntry)).Methods(http.MethodPut)

	var h http.Handler = r
	h = WithCORS(cfg.AllowedOrigins)(h)
	h = WithRecovery(log)(h)
	h = WithLogging(log, deps.Metrics)(h)
	h = WithRequestID(h)
	return h
}
