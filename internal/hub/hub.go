// Package hub is the main orchestrator that ties all components together.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Auto-Lab-Solutions/Web-Backend-sub001/internal/api"
	"github.com/Auto-Lab-Solutions/Web-Backend-sub001/internal/auth"
	"github.com/Auto-Lab-Solutions/Web-Backend-sub001/internal/config"
	"github.com/Auto-Lab-Solutions/Web-Backend-sub001/internal/gateway"
	"github.com/Auto-Lab-Solutions/Web-Backend-sub001/internal/notify"
	"github.com/Auto-Lab-Solutions/Web-Backend-sub001/internal/router"
	"github.com/Auto-Lab-Solutions/Web-Backend-sub001/internal/store"
)

// Hub is the main hub process.
type Hub struct {
	cfg       *config.Config
	store     store.Store
	resolver  auth.Resolver
	publisher notify.Publisher
	router    *router.Router
	api       *api.Server
	logger    *slog.Logger
}

// New creates a new hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Handles persisted before a restart reference connections that no
	// longer exist; clear them before accepting traffic.
	if err := db.PurgeSessions(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("purge stale sessions: %w", err)
	}

	resolver, err := auth.NewResolver(db, cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth resolver: %w", err)
	}

	// Bootstrap creates the initial admin account for the builtin
	// provider.
	var loginService *auth.Service
	if svc, ok := resolver.(*auth.Service); ok {
		loginService = svc
		if err := svc.Bootstrap(context.Background()); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("bootstrap auth: %w", err)
		}
	}

	publisher, err := notify.New(cfg.Notify, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init notify publisher: %w", err)
	}

	gw := gateway.NewWS(logger, gateway.Options{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxMessageBytes: cfg.Session.MaxMessageBytes,
	})

	rt := router.New(db, resolver, gw, publisher, logger, router.Options{
		StaffRoles:      cfg.Auth.StaffRoles,
		MaxContentBytes: cfg.Session.MaxContentBytes,
	})
	gw.SetSink(rt)

	apiSrv := api.NewServer(db, resolver, loginService, rt, gw.HandleWS, cfg, logger)

	h := &Hub{
		cfg:       cfg,
		store:     db,
		resolver:  resolver,
		publisher: publisher,
		router:    rt,
		api:       apiSrv,
		logger:    logger.With("component", "hub"),
	}

	if resolver.Name() == "builtin" {
		if cfg.Auth.InitialAdmin != nil && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("weak initial admin password detected — change immediately in production")
		}
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}

	return h, nil
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    h.cfg.Server.Addr,
		Handler: h.api.Handler(),
	}

	h.api.StartBackgroundTasks(ctx)

	if h.cfg.Storage.AuditRetention.Duration > 0 {
		go h.runRetentionPurger(ctx, h.cfg.Storage.AuditRetention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		_ = h.publisher.Close()
		h.logger.Info("closing store")
		_ = h.store.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = h.publisher.Close()
		_ = h.store.Close()
		return err
	}
}

func (h *Hub) runRetentionPurger(ctx context.Context, auditRetention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-auditRetention)
			if n, err := h.store.PurgeOldAuditEvents(ctx, cutoff); err != nil {
				h.logger.Warn("retention purge: audit events failed", "error", err)
			} else if n > 0 {
				h.logger.Info("retention purge: deleted old audit events", "count", n)
			}
		}
	}
}
