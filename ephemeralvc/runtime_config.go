package ephemeralvc

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"time"
)

const (
	columnRuntimeConfigPaused = "paused"
)

// RuntimeConfig holds the settings that can be changed from the dashboard
// while the bot is running, and which should survive a restart (ex: being
// paused).
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused makes event handlers ignore new events. Interactions get a
	// maintenance notice.
	Paused bool `json:"paused" gorm:"not null"`

	// DiscordCustomStatus is the custom status shown for the bot
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string" binding:"max=128"`

	// DiscordGameActivity, when set, shows the bot as "Playing ..."
	// instead of the custom status
	DiscordGameActivity string `json:"discord_game_activity" gorm:"type:string" binding:"max=128"`

	LogLevel          DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel DBLogLevel `gorm:"default:WARN;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  DBLogLevel `gorm:"default:WARN;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		LogLevel:          DBLogLevelInfo,
		DiscordLogLevel:   DBLogLevelInfo,
		DiscordGoLogLevel: DBLogLevelWarn,
		DatabaseLogLevel:  DBLogLevelWarn,
		APILogLevel:       DBLogLevelInfo,
	}
}

// RuntimeConfigUpdate is the PATCH payload for RuntimeConfig. Nil fields
// are left unchanged.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused              *bool   `json:"paused,omitempty"`
	DiscordCustomStatus *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
	DiscordGameActivity *string `json:"discord_game_activity,omitempty" binding:"omitnil,max=128"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

// updates returns the non-nil fields as a column map, for gorm Updates
func (u RuntimeConfigUpdate) updates() map[string]any {
	values := map[string]any{}
	set := func(column string, v any, isNil bool) {
		if !isNil {
			values[column] = v
		}
	}
	set(columnRuntimeConfigPaused, derefOr(u.Paused), u.Paused == nil)
	set("discord_custom_status", derefOr(u.DiscordCustomStatus), u.DiscordCustomStatus == nil)
	set("discord_game_activity", derefOr(u.DiscordGameActivity), u.DiscordGameActivity == nil)
	set("log_level", derefOr(u.LogLevel), u.LogLevel == nil)
	set("discord_log_level", derefOr(u.DiscordLogLevel), u.DiscordLogLevel == nil)
	set("discordgo_log_level", derefOr(u.DiscordGoLogLevel), u.DiscordGoLogLevel == nil)
	set("database_log_level", derefOr(u.DatabaseLogLevel), u.DatabaseLogLevel == nil)
	set("api_log_level", derefOr(u.APILogLevel), u.APILogLevel == nil)
	return values
}

func (u RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(u)
}

func derefOr[T any](v *T) T {
	var zero T
	if v == nil {
		return zero
	}
	return *v
}

// discordPresence returns the gateway presence for the given config.
// A paused bot shows as do-not-disturb.
func discordPresence(config RuntimeConfig) discordgo.UpdateStatusData {
	if config.Paused {
		return discordgo.UpdateStatusData{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	status := discordgo.UpdateStatusData{Status: string(discordgo.StatusOnline)}
	switch {
	case config.DiscordGameActivity != "":
		status.Activities = []*discordgo.Activity{
			{Name: config.DiscordGameActivity, Type: discordgo.ActivityTypeGame},
		}
	case config.DiscordCustomStatus != "":
		status.Activities = []*discordgo.Activity{
			{
				Name:  "Custom Status",
				Type:  discordgo.ActivityTypeCustom,
				State: config.DiscordCustomStatus,
			},
		}
	}
	return status
}

func discordIdentifyPresence(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	p := discordPresence(config)
	update := discordgo.GatewayStatusUpdate{AFK: p.AFK, Status: p.Status}
	if len(p.Activities) > 0 {
		update.Game = *p.Activities[0]
	}
	return update
}

// loadRuntimeConfig returns the stored RuntimeConfig, creating it with
// defaults when the table is empty.
func loadRuntimeConfig(ctx context.Context, db DBI) (*RuntimeConfig, error) {
	var cfg RuntimeConfig
	err := db.DB().WithContext(ctx).Last(&cfg).Error
	switch {
	case err == nil:
	case errors.Is(err, gorm.ErrRecordNotFound):
		cfg = DefaultRuntimeConfig()
		if _, err = db.Create(ctx, &cfg); err != nil {
			return nil, fmt.Errorf("error creating runtime config: %w", err)
		}
	default:
		return nil, fmt.Errorf("error getting runtime config: %w", err)
	}
	if err = structValidator.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid runtime config: %w", err)
	}
	return &cfg, nil
}

// updateRuntimeConfig applies update to the stored config in one
// transaction, and returns the result. The row is left untouched if the
// result doesn't validate.
func updateRuntimeConfig(
	ctx context.Context,
	db DBI,
	update RuntimeConfigUpdate,
) (*RuntimeConfig, error) {
	if err := update.validate(); err != nil {
		return nil, err
	}
	var cfg RuntimeConfig
	err := db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			if err := tx.Last(&cfg).Error; err != nil {
				return err
			}
			if values := update.updates(); len(values) > 0 {
				if err := tx.Model(&cfg).Updates(values).Error; err != nil {
					return err
				}
			}
			return structValidator.Struct(cfg)
		},
	)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// RuntimeConfig returns a copy of the current runtime configuration
func (b *Bot) RuntimeConfig() RuntimeConfig {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	return *b.runtimeConfig
}

// applyRuntimeConfig swaps in cfg, updating pause state, log levels and,
// when it changed, the bot's presence.
func (b *Bot) applyRuntimeConfig(ctx context.Context, cfg *RuntimeConfig) {
	b.cfgMu.Lock()
	previous := b.runtimeConfig
	b.runtimeConfig = cfg
	b.cfgMu.Unlock()

	b.setRuntimeLevels(*cfg)

	wasPaused := b.paused.Swap(cfg.Paused)
	switch {
	case wasPaused && !cfg.Paused:
		b.logger.InfoContext(ctx, "resumed")
	case cfg.Paused && !wasPaused:
		b.logger.WarnContext(ctx, "paused")
	}

	if previous != nil &&
		previous.Paused == cfg.Paused &&
		previous.DiscordCustomStatus == cfg.DiscordCustomStatus &&
		previous.DiscordGameActivity == cfg.DiscordGameActivity {
		return
	}
	b.updatePresence(ctx, *cfg)
}

func (b *Bot) updatePresence(ctx context.Context, cfg RuntimeConfig) {
	if b.discord.session == nil || !b.discord.connected.Load() {
		return
	}
	if err := b.discord.session.UpdateStatusComplex(discordPresence(cfg)); err != nil {
		b.logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
	}
}

// reloadRuntimeConfig re-reads RuntimeConfig from the database
func (b *Bot) reloadRuntimeConfig(ctx context.Context) {
	cfg, err := loadRuntimeConfig(ctx, b.writeDB)
	if err != nil {
		b.logger.ErrorContext(ctx, "error reloading runtime config", tint.Err(err))
		return
	}
	b.applyRuntimeConfig(ctx, cfg)
	b.logger.InfoContext(ctx, "reloaded runtime config")
}

// setRuntimeLevels sets the log levels of each component from state
func (b *Bot) setRuntimeLevels(state RuntimeConfig) {
	b.config.LogLevel.Set(state.LogLevel.Level())
	b.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	b.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	b.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	b.config.API.LogLevel.Set(state.APILogLevel.Level())
}

// Pause stops the bot from handling events, persisting the state so a
// restart stays paused. Returns false if it was already paused.
func (b *Bot) Pause(ctx context.Context) bool {
	return b.setPaused(ctx, true)
}

// Resume reverses Pause. Returns false if the bot wasn't paused.
func (b *Bot) Resume(ctx context.Context) bool {
	return b.setPaused(ctx, false)
}

func (b *Bot) setPaused(ctx context.Context, paused bool) bool {
	if b.paused.Load() == paused {
		return false
	}
	cfg, err := updateRuntimeConfig(ctx, b.writeDB, RuntimeConfigUpdate{Paused: &paused})
	if err != nil {
		b.logger.ErrorContext(ctx, "error saving paused state", "paused", paused, tint.Err(err))
		return false
	}
	b.applyRuntimeConfig(ctx, cfg)
	return true
}

// startRuntimeConfigRefresher reloads RuntimeConfig every ttl, and
// whenever a reload notification arrives.
func (b *Bot) startRuntimeConfigRefresher(ctx context.Context, ttl time.Duration) {
	b.runtimeWG.Add(1)
	go func() {
		defer b.runtimeWG.Done()

		var tick <-chan time.Time
		if ttl > 0 {
			ticker := time.NewTicker(ttl)
			defer ticker.Stop()
			tick = ticker.C
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-tick:
				b.reloadRuntimeConfig(ctx)
			case <-b.triggerRuntimeConfigRefreshCh:
				b.reloadRuntimeConfig(ctx)
			}
		}
	}()
}

// logLevelAttrs is used to log the effective levels on startup
func (c RuntimeConfig) logLevelAttrs() []any {
	return []any{
		slog.String("log_level", c.LogLevel.String()),
		slog.String("discord_log_level", c.DiscordLogLevel.String()),
		slog.String("discordgo_log_level", c.DiscordGoLogLevel.String()),
		slog.String("database_log_level", c.DatabaseLogLevel.String()),
		slog.String("api_log_level", c.APILogLevel.String()),
	}
}
