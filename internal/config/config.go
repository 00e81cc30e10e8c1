package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "DROPALINE"
	defaultHTTPAddress    = "127.0.0.1:7420"
	defaultDatabasePath   = "dropaline.db"
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
	defaultSessionIssuer  = "dropaline"
	defaultCookieName     = "app_session"
	defaultPollInterval   = 60 * time.Second
	defaultBatchCooldown  = 2 * time.Second
	defaultPrinterCommand = "lp"
	defaultOutputDir      = "prints"
	defaultSystemAuthorID = "system"
	defaultKafkaTopic     = "dropaline.changes"
	defaultKafkaGroupID   = "dropaline-client"

	StateBackendSQLite = "sqlite"
	StateBackendRedis  = "redis"
)

// AppConfig captures runtime configuration for the desktop delivery engine.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	LogFormat      string
	UserID         string
	SigningSecret  string
	SessionIssuer  string
	CookieName     string
	PollInterval   time.Duration
	BatchCooldown  time.Duration
	SubmitTimeout  time.Duration
	PrinterCommand string
	OutputDir      string
	SystemAuthorID string
	StateBackend   string
	RedisAddress   string
	RedisPassword  string
	RedisDB        int
	KafkaBrokers   []string
	KafkaTopic     string
	KafkaGroupID   string
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultSessionIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("engine.poll_interval", defaultPollInterval)
	configViper.SetDefault("engine.batch_cooldown", defaultBatchCooldown)
	configViper.SetDefault("engine.submit_timeout", time.Duration(0))
	configViper.SetDefault("printer.command", defaultPrinterCommand)
	configViper.SetDefault("printer.output_dir", defaultOutputDir)
	configViper.SetDefault("feed.system_author_id", defaultSystemAuthorID)
	configViper.SetDefault("state.backend", StateBackendSQLite)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("kafka.topic", defaultKafkaTopic)
	configViper.SetDefault("kafka.group_id", defaultKafkaGroupID)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		LogFormat:      configViper.GetString("log.format"),
		UserID:         strings.TrimSpace(configViper.GetString("user.id")),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		SessionIssuer:  configViper.GetString("auth.issuer"),
		CookieName:     configViper.GetString("auth.cookie_name"),
		PollInterval:   configViper.GetDuration("engine.poll_interval"),
		BatchCooldown:  configViper.GetDuration("engine.batch_cooldown"),
		SubmitTimeout:  configViper.GetDuration("engine.submit_timeout"),
		PrinterCommand: configViper.GetString("printer.command"),
		OutputDir:      configViper.GetString("printer.output_dir"),
		SystemAuthorID: configViper.GetString("feed.system_author_id"),
		StateBackend:   strings.ToLower(strings.TrimSpace(configViper.GetString("state.backend"))),
		RedisAddress:   configViper.GetString("redis.address"),
		RedisPassword:  configViper.GetString("redis.password"),
		RedisDB:        configViper.GetInt("redis.db"),
		KafkaBrokers:   splitList(configViper.GetStringSlice("kafka.brokers")),
		KafkaTopic:     configViper.GetString("kafka.topic"),
		KafkaGroupID:   configViper.GetString("kafka.group_id"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user.id is required")
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("engine.poll_interval must be positive")
	}
	if c.BatchCooldown < 0 {
		return fmt.Errorf("engine.batch_cooldown must not be negative")
	}
	if c.SubmitTimeout < 0 {
		return fmt.Errorf("engine.submit_timeout must not be negative")
	}
	switch c.StateBackend {
	case StateBackendSQLite:
	case StateBackendRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required for the redis state backend")
		}
	default:
		return fmt.Errorf("state.backend %q is not supported", c.StateBackend)
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated env value.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
