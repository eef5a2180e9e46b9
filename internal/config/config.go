package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/envelope"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/quota"
	"github.com/spf13/viper"
)

const (
	envPrefix             = "COLLAB"
	defaultHTTPAddress    = "0.0.0.0:8000"
	defaultDatabaseDriver = DriverSQLite
	defaultDatabasePath   = "collab.db"
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
	defaultPlan           = string(quota.PlanFree)
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	RequestTimeout time.Duration

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string

	DatabaseDriver       string
	DatabasePath         string
	DatabaseDSN          string
	DatabaseMaxOpenConns int

	LogLevel  string
	LogFormat string

	DefaultPlan  string
	ClaimUnowned bool

	Limits      envelope.Limits
	WorkerCount int

	RouterShards   int
	MailboxSize    int
	MaxInFlight    int
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	PersistTimeout time.Duration

	MessagesPerSecond float64
	MessageBurst      int
	OutboundQueue     int
	IndexQueue        int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("http.request_timeout", 30*time.Second)
	configViper.SetDefault("auth.issuer", "collab-auth")
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.max_open_conns", 20)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("quota.default_plan", defaultPlan)
	configViper.SetDefault("access.claim_unowned", true)

	limits := envelope.DefaultLimits()
	configViper.SetDefault("limits.metadata_frame", limits.MetadataFrame)
	configViper.SetDefault("limits.data_frame", limits.DataFrame)
	configViper.SetDefault("limits.http_body", limits.HTTPBody)
	configViper.SetDefault("limits.decompressed", limits.Decompressed)
	configViper.SetDefault("workers", 0)

	configViper.SetDefault("router.shards", 32)
	configViper.SetDefault("router.mailbox_size", 64)
	configViper.SetDefault("router.max_in_flight", 0)
	configViper.SetDefault("router.idle_timeout", 10*time.Minute)
	configViper.SetDefault("router.sweep_interval", time.Minute)
	configViper.SetDefault("router.persist_timeout", 30*time.Second)

	configViper.SetDefault("realtime.messages_per_second", 50.0)
	configViper.SetDefault("realtime.burst", 100)
	configViper.SetDefault("realtime.outbound_queue", 256)
	configViper.SetDefault("indexer.queue", 1024)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		RequestTimeout: configViper.GetDuration("http.request_timeout"),

		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthCookieName:    configViper.GetString("auth.cookie_name"),

		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:         configViper.GetString("database.path"),
		DatabaseDSN:          configViper.GetString("database.dsn"),
		DatabaseMaxOpenConns: configViper.GetInt("database.max_open_conns"),

		LogLevel:  configViper.GetString("log.level"),
		LogFormat: configViper.GetString("log.format"),

		DefaultPlan:  configViper.GetString("quota.default_plan"),
		ClaimUnowned: configViper.GetBool("access.claim_unowned"),

		Limits: envelope.Limits{
			MetadataFrame: configViper.GetInt("limits.metadata_frame"),
			DataFrame:     configViper.GetInt("limits.data_frame"),
			HTTPBody:      configViper.GetInt64("limits.http_body"),
			Decompressed:  configViper.GetInt("limits.decompressed"),
		},
		WorkerCount: configViper.GetInt("workers"),

		RouterShards:   configViper.GetInt("router.shards"),
		MailboxSize:    configViper.GetInt("router.mailbox_size"),
		MaxInFlight:    configViper.GetInt("router.max_in_flight"),
		IdleTimeout:    configViper.GetDuration("router.idle_timeout"),
		SweepInterval:  configViper.GetDuration("router.sweep_interval"),
		PersistTimeout: configViper.GetDuration("router.persist_timeout"),

		MessagesPerSecond: configViper.GetFloat64("realtime.messages_per_second"),
		MessageBurst:      configViper.GetInt("realtime.burst"),
		OutboundQueue:     configViper.GetInt("realtime.outbound_queue"),
		IndexQueue:        configViper.GetInt("indexer.queue"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if _, err := quota.NewPlan(c.DefaultPlan); err != nil {
		return fmt.Errorf("quota.default_plan: %w", err)
	}
	if c.Limits.MetadataFrame <= 0 || c.Limits.DataFrame <= 0 || c.Limits.HTTPBody <= 0 || c.Limits.Decompressed <= 0 {
		return fmt.Errorf("limits must be positive")
	}
	if c.MessagesPerSecond <= 0 || c.MessageBurst <= 0 {
		return fmt.Errorf("realtime rate limits must be positive")
	}
	return nil
}
