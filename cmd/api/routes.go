package main

import (
	"net/http"

	"go.uber.org/zap"

	httphandlers "finlink/internal/interfaces/http"
	"finlink/internal/shared/config"
	"finlink/internal/shared/middleware"
)

// SetupRoutes configures all HTTP routes and returns the final handler with middleware.
func SetupRoutes(deps *Dependencies, cfg *config.Config, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", httphandlers.HandleHealth(deps.DB))

	// Protected routes
	authMiddleware := middleware.Auth(deps.JWT)

	const (
		openFinanceRoute    = "/api/open-finance"
		registerDeviceRoute = "/api/notifications/register-device/"
	)
	mux.Handle(openFinanceRoute, authMiddleware(middleware.NoStore(http.HandlerFunc(deps.OpenFinanceHandler.HandleAction))))
	mux.Handle(registerDeviceRoute, authMiddleware(http.HandlerFunc(deps.NotificationHandler.HandleRegisterDevice)))

	// Apply global middleware
	handler := middleware.Logging(logger)(middleware.CORS(cfg.Server.AllowedHosts)(mux))
	handler = middleware.Tracing(openFinanceRoute, registerDeviceRoute)(handler)

	if cfg.Telemetry.Enabled {
		handler = middleware.Telemetry(cfg.Telemetry.ServiceName)(handler)
	}

	// Apply security middleware when TLS is enabled
	if cfg.TLS.Enabled {
		handler = middleware.HSTS(handler)
		logger.Info("TLS security middleware enabled (HSTS)")
	}

	return handler
}
