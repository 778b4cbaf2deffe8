package main

import (
	"context"

	"go.uber.org/zap"

	"finlink/internal/domain/account"
	"finlink/internal/domain/audit"
	"finlink/internal/domain/notification"
	"finlink/internal/domain/openfinance"
	"finlink/internal/infrastructure/crypto"
	"finlink/internal/infrastructure/firebase"
	ofclient "finlink/internal/infrastructure/openfinance"
	"finlink/internal/infrastructure/postgres"
	"finlink/internal/infrastructure/postgres/listener"
	httphandlers "finlink/internal/interfaces/http"
	"finlink/internal/shared/auth"
	"finlink/internal/shared/config"
	"finlink/internal/shared/messages"
)

// Dependencies holds all initialized application components.
type Dependencies struct {
	DB *postgres.DB

	// Handlers
	OpenFinanceHandler  *httphandlers.OpenFinanceHandler
	NotificationHandler *httphandlers.NotificationHandler

	// Auth
	JWT *auth.JWT

	// Orchestration service (scheduler and listener)
	OpenFinanceService *openfinance.Service
	SyncListener       *listener.SyncJobListener
}

// NewDependencies initializes all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	db, err := postgres.New(cfg.Database.ConnectionString(), postgres.PoolOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("connected to database", zap.String("host", cfg.Database.Host), zap.String("database", cfg.Database.DBName))

	if err := db.RegisterPoolMetrics(); err != nil {
		logger.Warn("failed to register database pool metrics", zap.Error(err))
	}

	encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		db.Close()
		return nil, err
	}

	registry, err := ofclient.NewRegistry(cfg.OpenFinance, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	texts, err := messages.Load(cfg.OpenFinance.MessagesFile)
	if err != nil {
		db.Close()
		return nil, err
	}

	// Repositories
	connectionRepo := postgres.NewConnectionRepository(db)
	syncJobRepo := postgres.NewSyncJobRepository(db)
	accountRepo := postgres.NewAccountRepository(db)
	auditRepo := postgres.NewAuditRepository(db)
	deviceTokenRepo := postgres.NewDeviceTokenRepository(db)

	// Push notifications are optional; without credentials they are logged and dropped.
	var messenger notification.Messenger
	if cfg.Firebase.CredentialsFile != "" {
		fcm, err := firebase.NewClient(ctx, cfg.Firebase.CredentialsFile, logger.Named("fcm"))
		if err != nil {
			db.Close()
			return nil, err
		}
		messenger = fcm
	} else {
		logger.Warn("FIREBASE_CREDENTIALS_FILE not set, push notifications disabled")
	}

	notificationService := notification.NewService(deviceTokenRepo, messenger, texts, logger.Named("notification"))

	ofService := openfinance.NewService(openfinance.ServiceDeps{
		Registry:    registry,
		Connections: connectionRepo,
		Jobs:        syncJobRepo,
		Accounts:    account.NewService(accountRepo, logger.Named("account")),
		Vault:       encryptor,
		Audit:       audit.NewRecorder(auditRepo, logger.Named("audit")),
		Notifier:    notificationService,
		Logger:      logger.Named("openfinance"),
		MaxAttempts: cfg.OpenFinance.SyncMaxAttempts,
	})

	deps := &Dependencies{
		DB:                  db,
		OpenFinanceHandler:  httphandlers.NewOpenFinanceHandler(ofService, logger.Named("http")),
		NotificationHandler: httphandlers.NewNotificationHandler(notificationService, logger.Named("http")),
		JWT:                 auth.NewJWT(cfg.JWT.Secret),
		OpenFinanceService:  ofService,
	}

	if cfg.OpenFinance.ListenerEnabled {
		deps.SyncListener = listener.NewSyncJobListener(cfg.Database.ConnectionString(), ofService, logger.Named("listener"))
	}

	return deps, nil
}

// Close releases all resources held by dependencies.
func (d *Dependencies) Close() {
	if d.DB != nil {
		d.DB.Close()
	}
}
