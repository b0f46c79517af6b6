//nolint:lll // struct tags can't be split
package ephemeralvc

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	EnvvarSetEnvPrefix     = "EPHEMERALVC_ENV_PREFIX"
	DefaultEnvPrefix       = "EVC"
	DefaultDatabaseType    = dbTypeSQLite
	DefaultDatabase        = "ephemeral_vc.sqlite3"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultDatabasePoolSize      = 5
	DefaultDatabaseMaxOverflow   = 10
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsMessageContent
	DefaultDiscordLogLevel   = slog.LevelInfo
	DefaultDiscordgoLogLevel = slog.LevelWarn

	DefaultBumpPollInterval  = 30 * time.Second
	DefaultBumpReminderDelay = 2 * time.Hour

	DefaultHealthInterval = 10 * time.Minute

	DefaultAdminEmail    = "admin@example.com"
	DefaultAdminPassword = "changeme"

	DefaultAPIListen               = "127.0.0.1:8000"
	DefaultAPIAppURL               = "http://localhost:8000"
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPISessionMaxAge        = 24 * time.Hour
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultAPICORSAllowCredentials = true
	defaultListenNetwork           = "tcp"

	DefaultSMTPPort = 587

	DefaultRuntimeConfigTTL = 5 * time.Minute
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
		"Location",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string, or a file path for sqlite
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'.
	// When Database is a postgres:// URL, this is inferred.
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseRequireSSL adds sslmode=require to postgres connection strings
	DatabaseRequireSSL bool `yaml:"database_require_ssl" mapstructure:"database_require_ssl" json:"database_require_ssl"`

	// DatabasePoolSize is the number of idle connections kept open
	DatabasePoolSize int `yaml:"database_pool_size" mapstructure:"database_pool_size" json:"database_pool_size" binding:"min=1"`

	// DatabaseMaxOverflow is the number of connections allowed beyond
	// DatabasePoolSize
	DatabaseMaxOverflow int `yaml:"database_max_overflow" mapstructure:"database_max_overflow" json:"database_max_overflow" binding:"min=0"`

	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	Discord *DiscordConfig     `yaml:"discord" mapstructure:"discord" json:"discord"`
	API     *APIConfig         `yaml:"api" mapstructure:"api" json:"api"`
	Health  *HealthConfig      `yaml:"health" mapstructure:"health" json:"health"`
	Bump    *BumpConfigOptions `yaml:"bump" mapstructure:"bump" json:"bump"`
	Admin   *AdminConfig       `yaml:"admin" mapstructure:"admin" json:"admin"`
	SMTP    *SMTPConfig        `yaml:"smtp" mapstructure:"smtp" json:"smtp"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// connect and register commands. If this is passed, startup is aborted.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// RuntimeConfigTTL forces a RuntimeConfig reload at least this often.
	// With PostgreSQL, LISTEN/NOTIFY also announces updates made by the
	// dashboard process.
	RuntimeConfigTTL time.Duration `yaml:"runtime_config_ttl" mapstructure:"runtime_config_ttl" json:"runtime_config_ttl"`

	// LockFile, when set, is held with an exclusive lock while the bot runs,
	// so a second instance sharing the same file refuses to start.
	LockFile string `yaml:"lock_file" mapstructure:"lock_file" json:"lock_file"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// InferDatabaseType switches DatabaseType to postgres when Database
// looks like a postgres URL.
func (c *Config) InferDatabaseType() {
	lower := strings.ToLower(c.Database)
	if strings.HasPrefix(lower, "postgres://") ||
		strings.HasPrefix(lower, "postgresql://") {
		c.DatabaseType = dbTypePostgres
	}
}

// DSN returns the connection string passed to the gorm driver.
func (c Config) DSN() string {
	if c.DatabaseType != dbTypePostgres || !c.DatabaseRequireSSL {
		return c.Database
	}
	u, err := url.Parse(c.Database)
	if err != nil || u.Scheme == "" {
		if strings.Contains(c.Database, "sslmode=") {
			return c.Database
		}
		return c.Database + " sslmode=require"
	}
	q := u.Query()
	q.Set("sslmode", "require")
	u.RawQuery = q.Encode()
	return u.String()
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID. If empty, the ID reported in the gateway
	// READY event is used when registering commands.
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`
}

// HealthConfig configures the heartbeat.
type HealthConfig struct {
	// ChannelID receives the deploy notice and heartbeat embeds. Empty
	// means heartbeats are only logged.
	ChannelID string `yaml:"channel_id" mapstructure:"channel_id" json:"channel_id"`

	Interval time.Duration `yaml:"interval" mapstructure:"interval" json:"interval" binding:"min=1s"`
}

// BumpConfigOptions sets the timing of the bump reminder engine.
type BumpConfigOptions struct {
	PollInterval  time.Duration `yaml:"poll_interval" mapstructure:"poll_interval" json:"poll_interval" binding:"min=1s"`
	ReminderDelay time.Duration `yaml:"reminder_delay" mapstructure:"reminder_delay" json:"reminder_delay" binding:"min=1s"`
}

// AdminConfig holds the credentials used to bootstrap the dashboard
// account when no admin user exists yet.
type AdminConfig struct {
	Email    string `yaml:"email" mapstructure:"email" json:"email" binding:"required"`
	Password string `yaml:"password" mapstructure:"password" json:"password" log:"[redacted]" binding:"required"`
}

// SMTPConfig configures outbound mail. Mail is disabled unless Host is set.
type SMTPConfig struct {
	Host     string `yaml:"host" mapstructure:"host" json:"host"`
	Port     int    `yaml:"port" mapstructure:"port" json:"port" binding:"min=0,max=65535"`
	User     string `yaml:"user" mapstructure:"user" json:"user"`
	Password string `yaml:"password" mapstructure:"password" json:"password" log:"[redacted]"`
	From     string `yaml:"from" mapstructure:"from" json:"from"`
	UseTLS   bool   `yaml:"use_tls" mapstructure:"use_tls" json:"use_tls"`
}

func (s SMTPConfig) Enabled() bool {
	return s.Host != ""
}

// APIConfig configures the dashboard server
type APIConfig struct {
	// Enabled starts the dashboard alongside the bot in `run`
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:8000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required,hostname_port|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies. A random key is generated on
	// start when empty, which logs everyone out on restart.
	Secret string `yaml:"session_secret" mapstructure:"session_secret" json:"session_secret" log:"[redacted]"`

	// SecureCookie sets the Secure attribute on the session cookie
	SecureCookie bool `yaml:"secure_cookie" mapstructure:"secure_cookie" json:"secure_cookie"`

	// AppURL is the externally reachable base URL, used in emailed links
	AppURL string `yaml:"app_url" mapstructure:"app_url" json:"app_url" binding:"required,url"`

	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age" binding:"min=10m,max=168h"`

	// Development registers pprof handlers and relaxes SameSite on the
	// session cookie
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	Cert          string `yaml:"cert" mapstructure:"cert" json:"cert"`
	Key           string `yaml:"key" mapstructure:"key" json:"key"`
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string(nil), DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string(nil), DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string(nil), DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabasePoolSize:      DefaultDatabasePoolSize,
		DatabaseMaxOverflow:   DefaultDatabaseMaxOverflow,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		RuntimeConfigTTL:      DefaultRuntimeConfigTTL,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		Health: &HealthConfig{
			Interval: DefaultHealthInterval,
		},
		Bump: &BumpConfigOptions{
			PollInterval:  DefaultBumpPollInterval,
			ReminderDelay: DefaultBumpReminderDelay,
		},
		Admin: &AdminConfig{
			Email:    DefaultAdminEmail,
			Password: DefaultAdminPassword,
		},
		SMTP: &SMTPConfig{
			Port:   DefaultSMTPPort,
			UseTLS: true,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			AppURL:        DefaultAPIAppURL,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}
