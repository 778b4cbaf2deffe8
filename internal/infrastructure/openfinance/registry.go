package openfinance

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	domain "finlink/internal/domain/openfinance"
	"finlink/internal/shared/config"
)

type adapterFactory func(key string, p config.ProviderConfig, cfg config.OpenFinanceConfig, logger *zap.Logger) domain.Adapter

var factories = map[domain.ProviderKey]adapterFactory{
	domain.ProviderPluggy: func(key string, p config.ProviderConfig, cfg config.OpenFinanceConfig, logger *zap.Logger) domain.Adapter {
		return NewPluggy(PluggyConfig{
			BaseURL:      p.BaseURL,
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			Timeout:      cfg.TimeoutFor(key),
		}, logger)
	},
	domain.ProviderPierre: func(key string, p config.ProviderConfig, cfg config.OpenFinanceConfig, logger *zap.Logger) domain.Adapter {
		return NewPierre(PierreConfig{
			BaseURL: p.BaseURL,
			Timeout: cfg.TimeoutFor(key),
		})
	},
}

// ErrUnknownProvider is returned when configuration enables a provider that
// has no adapter.
var ErrUnknownProvider = fmt.Errorf("%w: no adapter for provider", domain.ErrConfiguration)

// NewRegistry builds the provider registry from the enabled providers in
// cfg. An enabled provider without an adapter fails startup.
func NewRegistry(cfg config.OpenFinanceConfig, logger *zap.Logger) (*domain.Registry, error) {
	keys := make([]string, 0, len(cfg.Providers))
	for key := range cfg.Providers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var adapters []domain.Adapter
	for _, key := range keys {
		p := cfg.Providers[key]
		if !p.Enabled {
			continue
		}

		factory, ok := factories[domain.ParseProviderKey(key)]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, key)
		}
		adapters = append(adapters, factory(key, p, cfg, logger))
		logger.Info("provider enabled",
			zap.String("provider", key),
			zap.String("base_url", p.BaseURL),
			zap.Duration("timeout", cfg.TimeoutFor(key)),
		)
	}

	return domain.NewRegistry(adapters...)
}
