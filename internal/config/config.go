package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "COLLABROOM"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabaseDriver = DatabaseDriverSQLite
	defaultDatabasePath   = "collabroom.db"
	defaultLogLevel       = "info"
	defaultCookieName     = "app_session"
	defaultIssuer         = "collabroom-auth"
	defaultSendBuffer     = 64
	defaultPingInterval   = 25 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultRedisDB        = 0

	defaultThrottle       = 150 * time.Millisecond
	defaultSaveDebounce   = 2500 * time.Millisecond
	defaultEditingIdle    = 5000 * time.Millisecond
	defaultSaveRetries    = 0
	defaultReconnectDelay = time.Second
	defaultAgentLanguage  = "javascript"
)

const (
	// DatabaseDriverSQLite selects the embedded SQLite store.
	DatabaseDriverSQLite = "sqlite"
	// DatabaseDriverPostgres selects a PostgreSQL store reached through database.dsn.
	DatabaseDriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the relay server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string
	SigningSecret  string
	Issuer         string
	CookieName     string
	LogLevel       string
	SendBuffer     int
	PingInterval   time.Duration
	PongWait       time.Duration
	LockTTL        time.Duration
	RedisAddress   string
	RedisPassword  string
	RedisDB        int
}

// SyncTimings holds the client-side timing knobs. The defaults are empirical
// values inherited from the browser client.
type SyncTimings struct {
	Throttle       time.Duration
	SaveDebounce   time.Duration
	EditingIdle    time.Duration
	SaveRetries    int
	ReconnectDelay time.Duration
}

// AgentConfig captures runtime configuration for the headless agent.
type AgentConfig struct {
	RelayURL    string
	Token       string
	PageID      string
	RoomID      string
	Language    string
	DisplayName string
	LogLevel    string
	Timings     SyncTimings
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
	configViper.SetDefault("cors.allowed_origins", []string{"*"})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("relay.send_buffer", defaultSendBuffer)
	configViper.SetDefault("relay.ping_interval", defaultPingInterval)
	configViper.SetDefault("relay.pong_wait", defaultPongWait)
	configViper.SetDefault("relay.lock_ttl", time.Duration(0))
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", defaultRedisDB)

	configViper.SetDefault("agent.relay_url", "ws://127.0.0.1:8080/ws")
	configViper.SetDefault("agent.language", defaultAgentLanguage)
	configViper.SetDefault("sync.throttle", defaultThrottle)
	configViper.SetDefault("sync.save_debounce", defaultSaveDebounce)
	configViper.SetDefault("sync.editing_idle", defaultEditingIdle)
	configViper.SetDefault("sync.save_retries", defaultSaveRetries)
	configViper.SetDefault("sync.reconnect_delay", defaultReconnectDelay)
}

// Load parses relay configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: configViper.GetStringSlice("cors.allowed_origins"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:   configViper.GetString("database.path"),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		Issuer:         configViper.GetString("auth.issuer"),
		CookieName:     configViper.GetString("auth.cookie_name"),
		LogLevel:       configViper.GetString("log.level"),
		SendBuffer:     configViper.GetInt("relay.send_buffer"),
		PingInterval:   configViper.GetDuration("relay.ping_interval"),
		PongWait:       configViper.GetDuration("relay.pong_wait"),
		LockTTL:        configViper.GetDuration("relay.lock_ttl"),
		RedisAddress:   strings.TrimSpace(configViper.GetString("redis.address")),
		RedisPassword:  configViper.GetString("redis.password"),
		RedisDB:        configViper.GetInt("redis.db"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.PongWait <= c.PingInterval {
		return fmt.Errorf("relay.pong_wait must exceed relay.ping_interval")
	}
	return nil
}

// LoadAgent parses agent configuration from viper.
func LoadAgent(configViper *viper.Viper) (AgentConfig, error) {
	cfg := AgentConfig{
		RelayURL:    strings.TrimSpace(configViper.GetString("agent.relay_url")),
		Token:       strings.TrimSpace(configViper.GetString("agent.token")),
		PageID:      strings.TrimSpace(configViper.GetString("agent.page_id")),
		RoomID:      strings.TrimSpace(configViper.GetString("agent.room_id")),
		Language:    strings.TrimSpace(configViper.GetString("agent.language")),
		DisplayName: strings.TrimSpace(configViper.GetString("agent.display_name")),
		LogLevel:    configViper.GetString("log.level"),
		Timings: SyncTimings{
			Throttle:       configViper.GetDuration("sync.throttle"),
			SaveDebounce:   configViper.GetDuration("sync.save_debounce"),
			EditingIdle:    configViper.GetDuration("sync.editing_idle"),
			SaveRetries:    configViper.GetInt("sync.save_retries"),
			ReconnectDelay: configViper.GetDuration("sync.reconnect_delay"),
		},
	}
	if cfg.RelayURL == "" {
		return AgentConfig{}, fmt.Errorf("agent.relay_url is required")
	}
	if cfg.PageID == "" {
		return AgentConfig{}, fmt.Errorf("agent.page_id is required")
	}
	if cfg.Language == "" {
		return AgentConfig{}, fmt.Errorf("agent.language is required")
	}
	if err := cfg.Timings.validate(); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

// DefaultSyncTimings returns the stock client timings.
func DefaultSyncTimings() SyncTimings {
	return SyncTimings{
		Throttle:       defaultThrottle,
		SaveDebounce:   defaultSaveDebounce,
		EditingIdle:    defaultEditingIdle,
		SaveRetries:    defaultSaveRetries,
		ReconnectDelay: defaultReconnectDelay,
	}
}

func (t SyncTimings) validate() error {
	if t.Throttle <= 0 {
		return fmt.Errorf("sync.throttle must be positive")
	}
	if t.SaveDebounce <= 0 {
		return fmt.Errorf("sync.save_debounce must be positive")
	}
	if t.EditingIdle <= 0 {
		return fmt.Errorf("sync.editing_idle must be positive")
	}
	if t.SaveRetries < 0 {
		return fmt.Errorf("sync.save_retries must not be negative")
	}
	return nil
}
