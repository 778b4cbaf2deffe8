package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"finlink/internal/infrastructure/postgres/listener"
	"finlink/internal/interfaces/scheduler"
	"finlink/internal/shared/config"
	"finlink/internal/shared/middleware"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Handler      http.Handler
	Addr         string
	TLSEnabled   bool
	CertPath     string
	KeyPath      string
	RedirectHTTP bool
	AllowedHosts []string
}

// StartServers creates and starts the main server and optional redirect
// server. A server that fails to listen reports on errCh.
func StartServers(scfg ServerConfig, logger *zap.Logger, errCh chan<- error) (*http.Server, *http.Server) {
	srv := &http.Server{
		Addr:         scfg.Addr,
		Handler:      scfg.Handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var redirectSrv *http.Server

	if scfg.TLSEnabled && scfg.RedirectHTTP {
		redirectSrv = createRedirectServer(scfg.AllowedHosts)
		go func() {
			logger.Info("HTTP redirect server starting", zap.String("addr", redirectSrv.Addr))
			if err := redirectSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP redirect server error", zap.Error(err))
			}
		}()
	}

	go func() {
		var err error
		if scfg.TLSEnabled {
			logger.Info("HTTPS server starting", zap.String("addr", scfg.Addr))
			err = srv.ListenAndServeTLS(scfg.CertPath, scfg.KeyPath)
		} else {
			logger.Info("HTTP server starting", zap.String("addr", scfg.Addr))
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	return srv, redirectSrv
}

// GracefulShutdown stops accepting requests, then stops the background
// components that enqueue jobs or react to their outcomes.
func GracefulShutdown(srv, redirectSrv *http.Server, sched *scheduler.Scheduler, syncListener *listener.SyncJobListener, timeout time.Duration, logger *zap.Logger) {
	logger.Info("server shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if redirectSrv != nil {
		if err := redirectSrv.Shutdown(ctx); err != nil {
			logger.Error("error shutting down HTTP redirect server", zap.Error(err))
		}
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("error shutting down main server", zap.Error(err))
	}

	if sched != nil {
		sched.Shutdown(timeout)
	}

	if syncListener != nil {
		syncListener.Stop()
	}

	logger.Info("server stopped")
}

// createRedirectServer creates an HTTP server that redirects all requests to HTTPS.
func createRedirectServer(allowedHosts []string) *http.Server {
	redirectHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Header.Get("X-Forwarded-Host")
		if host == "" {
			host = r.Host
		}

		if !middleware.IsHostAllowed(host, allowedHosts) {
			http.Error(w, "Invalid host", http.StatusBadRequest)
			return
		}

		canonicalHost := host
		if idx := strings.Index(host, ":"); idx != -1 {
			canonicalHost = host[:idx]
		}

		http.Redirect(w, r, "https://"+canonicalHost+r.RequestURI, http.StatusMovedPermanently)
	})

	return &http.Server{
		Addr:         ":80",
		Handler:      redirectHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewServerConfigFromConfig creates ServerConfig from application config.
func NewServerConfigFromConfig(handler http.Handler, cfg *config.Config) ServerConfig {
	return ServerConfig{
		Handler:      handler,
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		TLSEnabled:   cfg.TLS.Enabled,
		CertPath:     cfg.TLS.CertPath,
		KeyPath:      cfg.TLS.KeyPath,
		RedirectHTTP: cfg.TLS.RedirectHTTP,
		AllowedHosts: cfg.Server.AllowedHosts,
	}
}
