// Package main runs the stockroom HTTP and websocket server.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/stockroom/backend/cmd/server/handlers"
	"github.com/kimhsiao/stockroom/backend/internal/auth"
	"github.com/kimhsiao/stockroom/backend/internal/changefeed"
	"github.com/kimhsiao/stockroom/backend/internal/config"
	"github.com/kimhsiao/stockroom/backend/internal/db"
	"github.com/kimhsiao/stockroom/backend/internal/logging"
	"github.com/kimhsiao/stockroom/backend/internal/metrics"
	"github.com/kimhsiao/stockroom/backend/internal/realtime"
	"github.com/kimhsiao/stockroom/backend/internal/reconcile"
	"github.com/kimhsiao/stockroom/backend/internal/sheets"
)

func main() {
	cfg := config.Load()
	logging.Init(os.Stdout, logging.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logging.Get())
	if err != nil {
		logging.Error("server failed to start", err)
		os.Exit(1)
	}
	if err := a.run(ctx); err != nil {
		logging.Error("server stopped with error", err)
		a.close()
		os.Exit(1)
	}
	a.close()
}

// app owns every long-lived component of the server.
type app struct {
	cfg         config.Config
	log         *logging.Logger
	database    *db.DB
	repo        *db.Repository
	hub         *realtime.Hub
	broadcaster *realtime.Broadcaster
	server      *http.Server
}

func newApp(ctx context.Context, cfg config.Config, log *logging.Logger) (_ *app, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Annotate(err, "invalid configuration")
	}

	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret, err = ephemeralSecret()
		if err != nil {
			return nil, errors.Trace(err)
		}
		log.Warn("JWT_SECRET is not set; tokens will not survive a restart")
	}

	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.database, err = db.Open(cfg.DBPath)
	if err != nil {
		return nil, errors.Annotate(err, "opening database")
	}
	a.repo = db.NewRepository(a.database.DB)

	m := metrics.NewCollector()

	authSvc, err := auth.NewService(a.repo, auth.Config{
		Secret:     secret,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
		Logger:     log,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	reconciler := reconcile.New(a.repo,
		reconcile.WithAtomic(cfg.ReconcileAtomic),
		reconcile.WithMetrics(m),
		reconcile.WithLogger(log),
	)

	feed, err := changefeed.New(changefeed.Config{
		Source:       a.repo,
		Clock:        clock.WallClock,
		PollInterval: cfg.FeedPollInterval,
		Logger:       log,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	a.hub = realtime.NewHub(m, log)
	a.broadcaster, err = realtime.NewBroadcaster(realtime.BroadcasterConfig{
		Feed:          feed,
		Hub:           a.hub,
		Filter:        changefeed.Filter{Tables: cfg.FeedTables, Ops: changefeed.All},
		Clock:         clock.WallClock,
		RetryMinDelay: cfg.FeedRetryMinDelay,
		RetryMaxDelay: cfg.FeedRetryMaxDelay,
		Retention:     cfg.FeedRetention,
		Metrics:       m,
		Logger:        log,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	ws := realtime.NewHandler(a.hub, realtime.ConnConfig{
		PingInterval:   cfg.WSPingInterval,
		WriteWait:      cfg.WSWriteWait,
		MaxMissedPongs: cfg.WSMaxMissedPongs,
		SendBuffer:     cfg.WSSendBuffer,
	}, cfg.AllowedOrigins)

	router := handlers.NewRouter(handlers.Deps{
		Auth:          authSvc,
		Products:      a.repo,
		Inventory:     a.repo,
		Reconciler:    reconciler,
		Sheets:        newExporter(ctx, cfg, log),
		Realtime:      ws,
		Metrics:       m,
		FeedConnected: a.broadcaster.Connected,
		Logger:        log,
	}, cfg)

	// No write timeout: websocket connections are long-lived.
	a.server = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return a, nil
}

// newExporter connects to the configured spreadsheet, or returns a no-op
// exporter when none is configured or the connection fails.
func newExporter(ctx context.Context, cfg config.Config, log *logging.Logger) sheets.Exporter {
	if !cfg.SheetsEnabled() {
		log.Info("spreadsheet export disabled")
		return sheets.Noop{}
	}
	c, err := sheets.Connect(ctx, cfg.SheetsSpreadsheetID, []byte(cfg.SheetsCredentials))
	if err != nil {
		log.Error("spreadsheet export unavailable", err)
		return sheets.Noop{}
	}
	return c
}

func ephemeralSecret() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, errors.Annotate(err, "generating token secret")
	}
	return []byte(hex.EncodeToString(b)), nil
}

// run serves HTTP until ctx is done, then shuts the server down within
// ShutdownTimeout and stops the broadcaster and every websocket connection.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("http server listening", map[string]interface{}{"addr": a.cfg.HTTPAddr})
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Annotate(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		return errors.Annotate(a.broadcaster.Wait(), "change broadcaster")
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down", map[string]interface{}{"timeout": a.cfg.ShutdownTimeout.String()})

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		err := a.server.Shutdown(shutdownCtx)
		a.broadcaster.Kill()
		a.hub.Close()
		return errors.Annotate(err, "http shutdown")
	})
	return g.Wait()
}

// close releases the store. It is safe to call on a partially built app.
func (a *app) close() {
	if a.broadcaster != nil {
		a.broadcaster.Kill()
		_ = a.broadcaster.Wait()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			a.log.Warn("closing prepared statements", map[string]interface{}{"error": err.Error()})
		}
	}
	if a.database != nil {
		if err := a.database.Close(); err != nil {
			a.log.Error("closing database", err)
		}
	}
}
