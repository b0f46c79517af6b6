package cmd

import (
	"context"
	"fmt"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/usapopopooon/ephemeral-vc/ephemeralvc"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = ephemeralvc.DefaultConfig()
	configFile string
)

// levelKeys are config keys holding a *slog.LevelVar
var levelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

// sliceKeys are config keys set from space-separated env values
var sliceKeys = []string{
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.allow_headers",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:   "ephemeral-vc [flags]",
	Short: "Discord bot for temporary voice channels, bump reminders, sticky messages and role panels",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(" "),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			return fmt.Errorf("error reading config: %w", err)
		}
		cfg.InferDatabaseType()
		return nil
	},
	SilenceUsage: true,
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes strings like "DEBUG" into *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

// Execute runs the root command, canceling its context on SIGINT,
// SIGTERM or SIGHUP
func Execute() {
	ctx, cancel := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}

func envPrefix() string {
	if prefix := os.Getenv(ephemeralvc.EnvvarSetEnvPrefix); prefix != "" {
		return prefix
	}
	return ephemeralvc.DefaultEnvPrefix
}

func initConfig() {
	// levels are stored back as *slog.LevelVar below, so start clean
	// when commands are executed more than once (ex: tests)
	viper.Reset()

	if configFile != "" && !strings.HasSuffix(configFile, ".env") {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			log.Fatalf("error reading config file %s: %v", configFile, err)
		}
	} else {
		var err error
		if configFile == "" {
			err = godotenv.Load()
		} else {
			err = godotenv.Load(configFile)
		}
		if err != nil && configFile != "" {
			log.Fatalf("error loading env file %s: %v", configFile, err)
		}
	}

	setDefaults()

	viper.SetEnvPrefix(envPrefix())
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for _, key := range sliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}
	for _, key := range levelKeys {
		lvl, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, lvl)
	}
}

func setDefaults() {
	viper.SetDefault("database", ephemeralvc.DefaultDatabase)
	viper.SetDefault("database_type", ephemeralvc.DefaultDatabaseType)
	viper.SetDefault("database_require_ssl", false)
	viper.SetDefault("database_pool_size", ephemeralvc.DefaultDatabasePoolSize)
	viper.SetDefault("database_max_overflow", ephemeralvc.DefaultDatabaseMaxOverflow)
	viper.SetDefault("database_slow_threshold", ephemeralvc.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", ephemeralvc.DefaultDatabaseLogLevel.String())
	viper.SetDefault("log_level", ephemeralvc.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", ephemeralvc.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", ephemeralvc.DefaultShutdownTimeout)
	viper.SetDefault("runtime_config_ttl", ephemeralvc.DefaultRuntimeConfigTTL)
	viper.SetDefault("lock_file", "")

	// Discord
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", ephemeralvc.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", ephemeralvc.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", int(ephemeralvc.DefaultDiscordGatewayIntent))

	// Heartbeat and bump reminders
	viper.SetDefault("health.channel_id", "")
	viper.SetDefault("health.interval", ephemeralvc.DefaultHealthInterval)
	viper.SetDefault("bump.poll_interval", ephemeralvc.DefaultBumpPollInterval)
	viper.SetDefault("bump.reminder_delay", ephemeralvc.DefaultBumpReminderDelay)

	// Dashboard
	viper.SetDefault("admin.email", ephemeralvc.DefaultAdminEmail)
	viper.SetDefault("admin.password", ephemeralvc.DefaultAdminPassword)
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", ephemeralvc.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.session_secret", "")
	viper.SetDefault("api.secure_cookie", false)
	viper.SetDefault("api.app_url", ephemeralvc.DefaultAPIAppURL)
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.log_level", ephemeralvc.DefaultAPILogLevel.String())
	viper.SetDefault("api.session_max_age", ephemeralvc.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", ephemeralvc.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", ephemeralvc.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", ephemeralvc.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", ephemeralvc.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", ephemeralvc.DefaultAPITLSMinVersion)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.allow_methods", ephemeralvc.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.allow_headers", ephemeralvc.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.expose_headers", ephemeralvc.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_credentials", ephemeralvc.DefaultAPICORSAllowCredentials)
	viper.SetDefault("api.cors.max_age", ephemeralvc.DefaultCORSMaxAge)

	// Mail
	viper.SetDefault("smtp.host", "")
	viper.SetDefault("smtp.port", ephemeralvc.DefaultSMTPPort)
	viper.SetDefault("smtp.user", "")
	viper.SetDefault("smtp.password", "")
	viper.SetDefault("smtp.from", "")
	viper.SetDefault("smtp.use_tls", true)
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use (.env, or any format viper reads)",
	)
}
