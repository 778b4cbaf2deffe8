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
	"finlink/internal/shared/config"
	"finlink/internal/shared/logging"
	"finlink/internal/shared/messages"
)

// environment holds what every admin command needs. The orchestration
// service is built on demand.
type environment struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *postgres.DB
	audits *postgres.AuditRepository
}

// newEnvironment loads the full configuration.
func newEnvironment() (*environment, error) {
	return openEnvironment(config.Load)
}

// newDatabaseEnvironment only needs database settings, so migrate can run
// before keys and provider credentials are configured.
func newDatabaseEnvironment() (*environment, error) {
	return openEnvironment(config.LoadDatabase)
}

func openEnvironment(load func() (*config.Config, error)) (*environment, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Environment)
	if err != nil {
		return nil, err
	}

	db, err := postgres.New(cfg.Database.ConnectionString(), postgres.PoolOptions{MaxOpenConns: 4})
	if err != nil {
		return nil, err
	}

	return &environment{
		cfg:    cfg,
		logger: logger.Named("admin"),
		db:     db,
		audits: postgres.NewAuditRepository(db),
	}, nil
}

func (e *environment) openFinanceService(ctx context.Context) (*openfinance.Service, error) {
	encryptor, err := crypto.NewEncryptor(e.cfg.Encryption.Key)
	if err != nil {
		return nil, err
	}

	registry, err := ofclient.NewRegistry(e.cfg.OpenFinance, e.logger)
	if err != nil {
		return nil, err
	}

	texts, err := messages.Load(e.cfg.OpenFinance.MessagesFile)
	if err != nil {
		return nil, err
	}

	deviceTokens := postgres.NewDeviceTokenRepository(e.db)

	var messenger notification.Messenger
	if e.cfg.Firebase.CredentialsFile != "" {
		fcm, err := firebase.NewClient(ctx, e.cfg.Firebase.CredentialsFile, e.logger)
		if err != nil {
			return nil, err
		}
		messenger = fcm
	}

	return openfinance.NewService(openfinance.ServiceDeps{
		Registry:    registry,
		Connections: postgres.NewConnectionRepository(e.db),
		Jobs:        postgres.NewSyncJobRepository(e.db),
		Accounts:    account.NewService(postgres.NewAccountRepository(e.db), e.logger),
		Vault:       encryptor,
		Audit:       audit.NewRecorder(e.audits, e.logger),
		Notifier:    notification.NewService(deviceTokens, messenger, texts, e.logger),
		Logger:      e.logger,
		MaxAttempts: e.cfg.OpenFinance.SyncMaxAttempts,
	}), nil
}

func (e *environment) Close() {
	e.logger.Sync()
	e.db.Close()
}
