// Package config provides Viper configuration loading for the impersonator service.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/juanfont/impersonator/database/sqliteconfig"
	"github.com/juanfont/impersonator/impersonation"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	// JSONLogFormat indicates JSON log format.
	JSONLogFormat = "json"
	// TextLogFormat indicates text log format.
	TextLogFormat = "text"

	// EnvPrefix prefixes every environment override, e.g. IMPERSONATOR_LISTEN_ADDR.
	EnvPrefix = "IMPERSONATOR"

	// MinTokenSecretLength is the shortest accepted delegation token secret, in bytes.
	MinTokenSecretLength = 32
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Format     string        `mapstructure:"format"`
	Level      zerolog.Level `mapstructure:"level"`
	WithCaller bool          `mapstructure:"with_caller"`
}

// SessionConfig holds the actor cookie session configuration.
type SessionConfig struct {
	AuthenticationKey string        `mapstructure:"authentication_key"`
	EncryptionKey     string        `mapstructure:"encryption_key"`
	CookieName        string        `mapstructure:"cookie_name"`
	CookieExpiry      time.Duration `mapstructure:"cookie_expiry"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path              string `mapstructure:"path"`
	WriteAheadLog     bool   `mapstructure:"write_ahead_log"`
	WALAutoCheckPoint int    `mapstructure:"wal_auto_check_point"`
}

// SQLite returns the connection configuration for the database section.
func (d DatabaseConfig) SQLite() *sqliteconfig.Config {
	cfg := sqliteconfig.Default(d.Path)
	if !d.WriteAheadLog {
		cfg.JournalMode = "DELETE"
		cfg.WALAutocheckpoint = -1
	} else if d.WALAutoCheckPoint != 0 {
		cfg.WALAutocheckpoint = d.WALAutoCheckPoint
	}
	return cfg
}

// RedisConfig holds Redis configuration for background tasks.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// WorkerConfig holds background worker configuration.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	// CleanupSchedule is the cron spec the scheduler enqueues cleanup with.
	CleanupSchedule string `mapstructure:"cleanup_schedule"`
}

// OIDCConfig holds OIDC authentication configuration.
type OIDCConfig struct {
	Issuer       string            `mapstructure:"issuer"`
	ClientID     string            `mapstructure:"client_id"`
	ClientSecret string            `mapstructure:"client_secret"`
	Scopes       []string          `mapstructure:"scopes"`
	ExtraParams  map[string]string `mapstructure:"extra_params"`
	Expiry       time.Duration     `mapstructure:"expiry"`
}

// MetricsConfig holds Prometheus exposition configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// CORSConfig lists the browser origins, such as an admin console, allowed to call the
// API with the actor cookie.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// ImpersonationConfig holds the impersonation policy and token settings.
type ImpersonationConfig struct {
	Enabled               bool          `mapstructure:"enabled"`
	MaxDuration           time.Duration `mapstructure:"max_duration"`
	MaxActiveSessions     int           `mapstructure:"max_active_sessions"`
	RequireReason         bool          `mapstructure:"require_reason"`
	MinReasonLength       int           `mapstructure:"min_reason_length"`
	CacheSize             int           `mapstructure:"cache_size"`
	CachePolicy           string        `mapstructure:"cache_policy"`
	HighRiskThreshold     int           `mapstructure:"high_risk_threshold"`
	ElevatedRiskThreshold int           `mapstructure:"elevated_risk_threshold"`
	ActionRateLimit       int           `mapstructure:"action_rate_limit"`
	RateWindow            time.Duration `mapstructure:"rate_window"`
	BulkExportThreshold   int           `mapstructure:"bulk_export_threshold"`
	AllowAdminTargets     bool          `mapstructure:"allow_admin_targets"`
	StartRatePerMinute    int           `mapstructure:"start_rate_per_minute"`
	TokenSecret           string        `mapstructure:"token_secret"`
	TokenIssuer           string        `mapstructure:"token_issuer"`
}

// Policy converts the section into the policy enforced by the manager.
func (c ImpersonationConfig) Policy() impersonation.Policy {
	return impersonation.Policy{
		Enabled:               c.Enabled,
		MaxDuration:           c.MaxDuration,
		MaxActiveSessions:     c.MaxActiveSessions,
		RequireReason:         c.RequireReason,
		MinReasonLength:       c.MinReasonLength,
		CacheSize:             c.CacheSize,
		HighRiskThreshold:     c.HighRiskThreshold,
		ElevatedRiskThreshold: c.ElevatedRiskThreshold,
		ActionRateLimit:       c.ActionRateLimit,
		RateWindow:            c.RateWindow,
		BulkExportThreshold:   c.BulkExportThreshold,
		AllowAdminTargets:     c.AllowAdminTargets,
	}
}

// EvictionPolicy returns the session cache eviction policy.
func (c ImpersonationConfig) EvictionPolicy() impersonation.EvictionPolicy {
	if strings.EqualFold(c.CachePolicy, string(impersonation.EvictLeastRecentlyUsed)) {
		return impersonation.EvictLeastRecentlyUsed
	}
	return impersonation.EvictInsertionOrder
}

// Config is the full service configuration.
type Config struct {
	ListenAddr       string   `mapstructure:"listen_addr"`
	AdvertiseURL     string   `mapstructure:"advertise_url"`
	Debug            bool     `mapstructure:"debug"`
	SuperAdminEmails []string `mapstructure:"super_admin_emails"`

	Session       SessionConfig       `mapstructure:"session"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	OIDC          OIDCConfig          `mapstructure:"oidc"`
	Logging       LogConfig           `mapstructure:"logging"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	CORS          CORSConfig          `mapstructure:"cors"`
	Impersonation ImpersonationConfig `mapstructure:"impersonation"`
}

// LoaderConfig holds configuration for the config loader.
type LoaderConfig struct {
	// EnvPrefix is the prefix for environment variables.
	EnvPrefix string

	// ConfigPaths is a list of directories to search for config files.
	ConfigPaths []string

	// ConfigName is the name of the config file (without extension).
	ConfigName string

	// Defaults is a map of default values.
	Defaults map[string]interface{}
}

// DefaultLoaderConfig returns default loader configuration.
func DefaultLoaderConfig() *LoaderConfig {
	p := impersonation.DefaultPolicy()
	prefix := strings.ToLower(EnvPrefix)
	return &LoaderConfig{
		EnvPrefix:  EnvPrefix,
		ConfigName: "config",
		ConfigPaths: []string{
			fmt.Sprintf("/etc/%s/", prefix),
			fmt.Sprintf("$HOME/.%s", prefix),
			".",
		},
		Defaults: map[string]interface{}{
			"listen_addr":                   ":8080",
			"debug":                         false,
			"session.cookie_name":           "impersonator_session",
			"session.cookie_expiry":         24 * time.Hour,
			"database.path":                 "impersonator.db",
			"database.write_ahead_log":      true,
			"database.wal_auto_check_point": 1000,
			"redis.addr":                    "localhost:6379",
			"redis.password":                "",
			"redis.db":                      0,
			"worker.concurrency":            10,
			"worker.cleanup_schedule":       "@every 5m",
			"logging.level":                 "info",
			"logging.format":                TextLogFormat,
			"logging.with_caller":           false,
			"metrics.enabled":               true,
			"metrics.path":                  "/metrics",

			"impersonation.enabled":                 p.Enabled,
			"impersonation.max_duration":            p.MaxDuration,
			"impersonation.max_active_sessions":     p.MaxActiveSessions,
			"impersonation.require_reason":          p.RequireReason,
			"impersonation.min_reason_length":       p.MinReasonLength,
			"impersonation.cache_size":              p.CacheSize,
			"impersonation.cache_policy":            string(impersonation.EvictInsertionOrder),
			"impersonation.high_risk_threshold":     p.HighRiskThreshold,
			"impersonation.elevated_risk_threshold": p.ElevatedRiskThreshold,
			"impersonation.action_rate_limit":       p.ActionRateLimit,
			"impersonation.rate_window":             p.RateWindow,
			"impersonation.bulk_export_threshold":   p.BulkExportThreshold,
			"impersonation.allow_admin_targets":     p.AllowAdminTargets,
			"impersonation.start_rate_per_minute":   10,
			"impersonation.token_issuer":            impersonation.DefaultTokenIssuer,
		},
	}
}

// Load reads configuration from file and environment variables.
// If configPath is empty, it searches in default paths.
// If isFile is true, configPath is treated as a direct file path.
func Load(configPath string, isFile bool, cfg *LoaderConfig) error {
	if cfg == nil {
		cfg = DefaultLoaderConfig()
	}

	log.Debug().Msg("Loading configuration")

	if isFile {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName(cfg.ConfigName)
		if configPath == "" {
			for _, path := range cfg.ConfigPaths {
				viper.AddConfigPath(path)
			}
		} else {
			viper.AddConfigPath(configPath)
		}
	}

	viper.SetEnvPrefix(cfg.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for key, value := range cfg.Defaults {
		viper.SetDefault(key, value)
	}

	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	log.Debug().
		Str("config_file", viper.ConfigFileUsed()).
		Msg("Configuration loaded")

	return nil
}

// GetLogConfig returns the logging configuration from Viper.
func GetLogConfig() LogConfig {
	logLevelStr := viper.GetString("logging.level")
	logLevel, err := zerolog.ParseLevel(logLevelStr)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}

	logFormatOpt := viper.GetString("logging.format")
	var logFormat string
	switch logFormatOpt {
	case JSONLogFormat:
		logFormat = JSONLogFormat
	case TextLogFormat, "":
		logFormat = TextLogFormat
	default:
		log.Warn().
			Str("format", logFormatOpt).
			Msg("Invalid log format, using text")
		logFormat = TextLogFormat
	}

	return LogConfig{
		Format:     logFormat,
		Level:      logLevel,
		WithCaller: viper.GetBool("logging.with_caller"),
	}
}

// GetConfig returns the service configuration from Viper. Call it after Load.
func GetConfig() *Config {
	logConfig := GetLogConfig()
	zerolog.SetGlobalLevel(logConfig.Level)

	return &Config{
		ListenAddr:       viper.GetString("listen_addr"),
		AdvertiseURL:     viper.GetString("advertise_url"),
		Debug:            viper.GetBool("debug"),
		SuperAdminEmails: viper.GetStringSlice("super_admin_emails"),
		Logging:          logConfig,
		Database: DatabaseConfig{
			Path:              viper.GetString("database.path"),
			WriteAheadLog:     viper.GetBool("database.write_ahead_log"),
			WALAutoCheckPoint: viper.GetInt("database.wal_auto_check_point"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Worker: WorkerConfig{
			Concurrency:     viper.GetInt("worker.concurrency"),
			CleanupSchedule: viper.GetString("worker.cleanup_schedule"),
		},
		Session: SessionConfig{
			CookieName:        viper.GetString("session.cookie_name"),
			CookieExpiry:      viper.GetDuration("session.cookie_expiry"),
			AuthenticationKey: viper.GetString("session.authentication_key"),
			EncryptionKey:     viper.GetString("session.encryption_key"),
		},
		OIDC: OIDCConfig{
			ClientID:     viper.GetString("oidc.client_id"),
			ClientSecret: viper.GetString("oidc.client_secret"),
			Issuer:       viper.GetString("oidc.issuer"),
			Scopes:       viper.GetStringSlice("oidc.scopes"),
			ExtraParams:  viper.GetStringMapString("oidc.extra_params"),
			Expiry:       viper.GetDuration("oidc.expiry"),
		},
		Metrics: MetricsConfig{
			Enabled: viper.GetBool("metrics.enabled"),
			Path:    viper.GetString("metrics.path"),
		},
		CORS: CORSConfig{
			AllowedOrigins: viper.GetStringSlice("cors.allowed_origins"),
		},
		Impersonation: ImpersonationConfig{
			Enabled:               viper.GetBool("impersonation.enabled"),
			MaxDuration:           viper.GetDuration("impersonation.max_duration"),
			MaxActiveSessions:     viper.GetInt("impersonation.max_active_sessions"),
			RequireReason:         viper.GetBool("impersonation.require_reason"),
			MinReasonLength:       viper.GetInt("impersonation.min_reason_length"),
			CacheSize:             viper.GetInt("impersonation.cache_size"),
			CachePolicy:           viper.GetString("impersonation.cache_policy"),
			HighRiskThreshold:     viper.GetInt("impersonation.high_risk_threshold"),
			ElevatedRiskThreshold: viper.GetInt("impersonation.elevated_risk_threshold"),
			ActionRateLimit:       viper.GetInt("impersonation.action_rate_limit"),
			RateWindow:            viper.GetDuration("impersonation.rate_window"),
			BulkExportThreshold:   viper.GetInt("impersonation.bulk_export_threshold"),
			AllowAdminTargets:     viper.GetBool("impersonation.allow_admin_targets"),
			StartRatePerMinute:    viper.GetInt("impersonation.start_rate_per_minute"),
			TokenSecret:           viper.GetString("impersonation.token_secret"),
			TokenIssuer:           viper.GetString("impersonation.token_issuer"),
		},
	}
}

// ValidateRequired checks that required configuration fields are set.
func ValidateRequired(fields map[string]string) error {
	var missing []string
	for field, description := range fields {
		if viper.GetString(field) == "" {
			missing = append(missing, fmt.Sprintf("%s (%s)", field, description))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ValidateSessionKeys validates that session keys are the correct length.
func ValidateSessionKeys() error {
	authKey := viper.GetString("session.authentication_key")
	encKey := viper.GetString("session.encryption_key")

	if len(authKey) != 32 {
		return fmt.Errorf("session.authentication_key must be 32 bytes, got %d", len(authKey))
	}
	if len(encKey) != 32 {
		return fmt.Errorf("session.encryption_key must be 32 bytes, got %d", len(encKey))
	}
	return nil
}

// ValidateTokenSecret checks the delegation token secret is long enough to sign with.
func ValidateTokenSecret() error {
	secret := viper.GetString("impersonation.token_secret")
	if len(secret) < MinTokenSecretLength {
		return fmt.Errorf("impersonation.token_secret must be at least %d bytes, got %d",
			MinTokenSecretLength, len(secret))
	}
	return nil
}

// ValidateServe checks everything the HTTP server needs.
func ValidateServe() error {
	if err := ValidateRequired(map[string]string{
		"listen_addr":        "address to listen on",
		"database.path":      "SQLite database file",
		"oidc.issuer":        "OIDC issuer URL",
		"oidc.client_id":     "OIDC client id",
		"oidc.client_secret": "OIDC client secret",
	}); err != nil {
		return err
	}
	if err := ValidateSessionKeys(); err != nil {
		return err
	}
	return ValidateTokenSecret()
}
