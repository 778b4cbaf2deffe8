package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string
	Server      ServerConfig
	Database    DatabaseConfig
	JWT         JWTConfig
	Encryption  EncryptionConfig
	Scheduler   SchedulerConfig
	TLS         TLSConfig
	OpenFinance OpenFinanceConfig
	Firebase    FirebaseConfig
	Telemetry   TelemetryConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	AllowedHosts []string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type JWTConfig struct {
	Secret string
}

type EncryptionConfig struct {
	Key string
}

type SchedulerConfig struct {
	Enabled       bool
	ScheduleTimes []string
	WorkerCount   int
	JobDelay      time.Duration
	QueueSize     int
	RunOnStartup  bool
}

type TLSConfig struct {
	Enabled      bool
	CertPath     string
	KeyPath      string
	RedirectHTTP bool
}

// OpenFinanceConfig configures provider adapters and the sync job queue.
type OpenFinanceConfig struct {
	ProviderTimeout time.Duration
	SyncMaxAttempts int
	ListenerEnabled bool
	ProvidersFile   string
	Providers       map[string]ProviderConfig
	MessagesFile    string
}

// ProviderConfig holds credentials and endpoint for one Open Finance vendor.
type ProviderConfig struct {
	Enabled      bool          `yaml:"enabled"`
	BaseURL      string        `yaml:"base_url"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	Timeout      time.Duration `yaml:"timeout"`
}

type FirebaseConfig struct {
	CredentialsFile string
}

type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string // empty disables trace export
	OTLPInsecure bool
	SampleRatio  float64
	MetricsPort  string
}

// providerCatalog is the YAML shape of OPENFINANCE_PROVIDERS_FILE.
type providerCatalog struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
}

const (
	pluggyDefaultBaseURL = "https://api.pluggy.ai"
	pierreDefaultBaseURL = "https://www.pierre.finance/tools/api"
)

// clientCredentialProviders authenticate the service itself with a client
// ID and secret. Other providers carry a per-user API key.
var clientCredentialProviders = map[string]bool{
	"pluggy": true,
}

// LoadDatabase reads only the environment and database settings. Schema
// migrations use it so they can run before keys and providers exist.
func LoadDatabase() (*Config, error) {
	db, err := loadDatabase()
	if err != nil {
		return nil, err
	}
	if db.MaxOpenConns < 1 {
		return nil, fmt.Errorf("DB_MAX_OPEN_CONNS must be at least 1")
	}
	return &Config{
		Environment: getEnv("APP_ENV", "production"),
		Database:    db,
	}, nil
}

func loadDatabase() (DatabaseConfig, error) {
	dbPort, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		return DatabaseConfig{}, fmt.Errorf("invalid DB_PORT: %w", err)
	}
	dbMaxOpen, err := strconv.Atoi(getEnv("DB_MAX_OPEN_CONNS", "25"))
	if err != nil {
		return DatabaseConfig{}, fmt.Errorf("invalid DB_MAX_OPEN_CONNS: %w", err)
	}
	dbMaxIdle, err := strconv.Atoi(getEnv("DB_MAX_IDLE_CONNS", "5"))
	if err != nil {
		return DatabaseConfig{}, fmt.Errorf("invalid DB_MAX_IDLE_CONNS: %w", err)
	}
	dbConnLifetime, err := time.ParseDuration(getEnv("DB_CONN_MAX_LIFETIME", "5m"))
	if err != nil {
		return DatabaseConfig{}, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME: %w", err)
	}

	return DatabaseConfig{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     dbPort,
		User:     getEnv("DB_USER", "finlink"),
		Password: getEnv("DB_PASSWORD", ""),
		DBName:   getEnv("DB_NAME", "finlink"),
		SSLMode:  getEnv("DB_SSLMODE", "disable"),

		MaxOpenConns:    dbMaxOpen,
		MaxIdleConns:    dbMaxIdle,
		ConnMaxLifetime: dbConnLifetime,
	}, nil
}

func Load() (*Config, error) {
	database, err := loadDatabase()
	if err != nil {
		return nil, err
	}

	// Parse scheduler configuration
	schedulerEnabled := getBoolEnv("SCHEDULER_ENABLED", true)
	schedulerTimes := strings.Split(getEnv("SCHEDULER_TIMES", "05:00,14:00,20:00"), ",")
	schedulerWorkers, err := strconv.Atoi(getEnv("SCHEDULER_WORKERS", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULER_WORKERS: %w", err)
	}
	schedulerJobDelay, err := time.ParseDuration(getEnv("SCHEDULER_JOB_DELAY", "200ms"))
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULER_JOB_DELAY: %w", err)
	}
	schedulerQueueSize, err := strconv.Atoi(getEnv("SCHEDULER_QUEUE_SIZE", "500"))
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULER_QUEUE_SIZE: %w", err)
	}
	schedulerRunOnStartup := getBoolEnv("SCHEDULER_RUN_ON_STARTUP", false)

	sampleRatio, err := strconv.ParseFloat(getEnv("OTEL_TRACE_SAMPLE_RATIO", "1"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid OTEL_TRACE_SAMPLE_RATIO: %w", err)
	}

	// Parse Open Finance configuration
	providerTimeout, err := time.ParseDuration(getEnv("PROVIDER_TIMEOUT", "15s"))
	if err != nil {
		return nil, fmt.Errorf("invalid PROVIDER_TIMEOUT: %w", err)
	}
	syncMaxAttempts, err := strconv.Atoi(getEnv("SYNC_JOB_MAX_ATTEMPTS", "3"))
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_JOB_MAX_ATTEMPTS: %w", err)
	}

	// Parse allowed hosts (comma-separated list)
	var allowedHosts []string
	for _, host := range strings.Split(getEnv("ALLOWED_HOSTS", ""), ",") {
		host = strings.TrimSpace(host)
		if host != "" {
			allowedHosts = append(allowedHosts, host)
		}
	}

	cfg := &Config{
		Environment: getEnv("APP_ENV", "production"),
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Host:         getEnv("HOST", "0.0.0.0"),
			AllowedHosts: allowedHosts,
		},
		Database: database,
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
		},
		Encryption: EncryptionConfig{
			Key: getEnv("ENCRYPTION_KEY", ""),
		},
		Scheduler: SchedulerConfig{
			Enabled:       schedulerEnabled,
			ScheduleTimes: schedulerTimes,
			WorkerCount:   schedulerWorkers,
			JobDelay:      schedulerJobDelay,
			QueueSize:     schedulerQueueSize,
			RunOnStartup:  schedulerRunOnStartup,
		},
		TLS: TLSConfig{
			Enabled:      getBoolEnv("TLS_ENABLED", false),
			CertPath:     getEnv("TLS_CERT_PATH", ""),
			KeyPath:      getEnv("TLS_KEY_PATH", ""),
			RedirectHTTP: getBoolEnv("TLS_REDIRECT_HTTP", false),
		},
		OpenFinance: OpenFinanceConfig{
			ProviderTimeout: providerTimeout,
			SyncMaxAttempts: syncMaxAttempts,
			ListenerEnabled: getBoolEnv("SYNC_LISTENER_ENABLED", true),
			ProvidersFile:   getEnv("OPENFINANCE_PROVIDERS_FILE", ""),
			MessagesFile:    getEnv("NOTIFICATION_MESSAGES_FILE", ""),
			Providers: map[string]ProviderConfig{
				"pluggy": {
					Enabled:      getBoolEnv("PLUGGY_ENABLED", true),
					BaseURL:      getEnv("PLUGGY_BASE_URL", pluggyDefaultBaseURL),
					ClientID:     getEnv("PLUGGY_CLIENT_ID", ""),
					ClientSecret: getEnv("PLUGGY_CLIENT_SECRET", ""),
				},
				"pierre": {
					Enabled: getBoolEnv("PIERRE_ENABLED", false),
					BaseURL: getEnv("PIERRE_BASE_URL", pierreDefaultBaseURL),
				},
			},
		},
		Firebase: FirebaseConfig{
			CredentialsFile: getEnv("FIREBASE_CREDENTIALS_FILE", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      getBoolEnv("OTEL_ENABLED", false),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "finlink-api"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", ""),
			OTLPInsecure: getBoolEnv("OTEL_EXPORTER_INSECURE", true),
			SampleRatio:  sampleRatio,
			MetricsPort:  getEnv("METRICS_PORT", "9464"),
		},
	}

	if cfg.OpenFinance.ProvidersFile != "" {
		if err := cfg.OpenFinance.mergeCatalog(cfg.OpenFinance.ProvidersFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Encryption.Key == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if len(c.Encryption.Key) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes for AES-256")
	}

	if c.OpenFinance.SyncMaxAttempts < 1 {
		return fmt.Errorf("SYNC_JOB_MAX_ATTEMPTS must be at least 1")
	}
	if c.OpenFinance.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}

	for key, p := range c.OpenFinance.Providers {
		if !p.Enabled {
			continue
		}
		if clientCredentialProviders[key] && (p.ClientID == "" || p.ClientSecret == "") {
			return fmt.Errorf("provider %q is enabled but has no client credentials", key)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q is enabled but has no base URL", key)
		}
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACE_SAMPLE_RATIO must be between 0 and 1")
	}
	if c.Database.MaxOpenConns < 1 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be at least 1")
	}

	if c.TLS.Enabled {
		if c.TLS.CertPath == "" {
			return fmt.Errorf("TLS_CERT_PATH is required when TLS_ENABLED=true")
		}
		if c.TLS.KeyPath == "" {
			return fmt.Errorf("TLS_KEY_PATH is required when TLS_ENABLED=true")
		}
	}

	return nil
}

// mergeCatalog overlays provider entries from a YAML file onto the
// environment-derived configuration. Empty YAML fields keep the env value.
func (o *OpenFinanceConfig) mergeCatalog(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read providers file: %w", err)
	}

	var catalog providerCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return fmt.Errorf("failed to parse providers file: %w", err)
	}

	for key, entry := range catalog.Providers {
		key = strings.ToLower(strings.TrimSpace(key))
		current := o.Providers[key]
		current.Enabled = entry.Enabled
		if entry.BaseURL != "" {
			current.BaseURL = entry.BaseURL
		}
		if entry.ClientID != "" {
			current.ClientID = entry.ClientID
		}
		if entry.ClientSecret != "" {
			current.ClientSecret = entry.ClientSecret
		}
		if entry.Timeout > 0 {
			current.Timeout = entry.Timeout
		}
		o.Providers[key] = current
	}

	return nil
}

// TimeoutFor returns the provider-specific timeout or the global default.
func (o OpenFinanceConfig) TimeoutFor(key string) time.Duration {
	if p, ok := o.Providers[key]; ok && p.Timeout > 0 {
		return p.Timeout
	}
	return o.ProviderTimeout
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	// Accept: true, false, 1, 0, yes, no (case-insensitive)
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}
