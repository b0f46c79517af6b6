package ephemeralvc

import (
	"context"
	"errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnBumpReminderRemindAt  = "remind_at"
	columnBumpReminderIsEnabled = "is_enabled"
	columnBumpReminderRoleID    = "role_id"
	columnBumpReminderChannelID = "channel_id"
	columnBumpConfigChannelID   = "channel_id"
	columnBumpConfigRoleGated   = "role_gated"
)

var errNoBumpConfig = errors.New("bump monitoring is not configured")

// BumpConfig marks the channel watched for bump results in a guild.
//
//nolint:lll // struct tags can't be split
type BumpConfig struct {
	GuildID   string `json:"guild_id" gorm:"primaryKey"`
	ChannelID string `json:"channel_id" gorm:"not null"`

	// RoleGated only schedules reminders for bumps by members holding
	// the reminder role
	RoleGated bool  `json:"role_gated" gorm:"not null"`
	CreatedAt int64 `json:"created_at" gorm:"autoCreateTime:milli"`
}

// BumpReminder is the pending reminder for one service in a guild.
// RemindAt is nil when nothing is pending.
//
//nolint:lll // struct tags can't be split
type BumpReminder struct {
	ModelUintID
	GuildID     string `json:"guild_id" gorm:"not null;uniqueIndex:idx_bump_reminder_service"`
	ChannelID   string `json:"channel_id" gorm:"not null"`
	ServiceName string `json:"service_name" gorm:"not null;uniqueIndex:idx_bump_reminder_service"`
	RemindAt    *int64 `json:"remind_at" gorm:"index"`
	IsEnabled   bool   `json:"is_enabled" gorm:"not null"`

	// RoleID overrides the role mentioned in the reminder
	RoleID *string `json:"role_id"`
}

func bumpConfigByGuildID(ctx context.Context, db *gorm.DB, guildID string) (*BumpConfig, error) {
	return takeOne[BumpConfig](db.WithContext(ctx), "guild_id = ?", guildID)
}

func bumpReminderFor(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
	serviceName string,
) (*BumpReminder, error) {
	return takeOne[BumpReminder](
		db.WithContext(ctx),
		"guild_id = ? AND service_name = ?",
		guildID,
		serviceName,
	)
}

// upsertBumpConfig creates or repoints the guild's bump channel
func upsertBumpConfig(ctx context.Context, db DBI, cfg *BumpConfig) error {
	return db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: "guild_id"}},
					DoUpdates: clause.AssignmentColumns(
						[]string{columnBumpConfigChannelID, columnBumpConfigRoleGated},
					),
				},
			).Create(cfg).Error
		},
	)
}

// deleteBumpConfig returns errNoBumpConfig if the guild had none
func deleteBumpConfig(ctx context.Context, db DBI, guildID string) error {
	n, err := db.Delete(ctx, &BumpConfig{}, "guild_id = ?", guildID)
	if err != nil {
		return err
	}
	if n == 0 {
		return errNoBumpConfig
	}
	return nil
}

// upsertBumpReminder sets the due time for (guild, service). A new row
// is enabled, an existing row keeps its is_enabled and role. The stored
// row is returned.
func upsertBumpReminder(
	ctx context.Context,
	db DBI,
	guildID string,
	channelID string,
	serviceName string,
	remindAt int64,
) (*BumpReminder, error) {
	reminder := &BumpReminder{
		GuildID:     guildID,
		ChannelID:   channelID,
		ServiceName: serviceName,
		RemindAt:    &remindAt,
		IsEnabled:   true,
	}
	err := db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			err := tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: "guild_id"}, {Name: "service_name"}},
					DoUpdates: clause.AssignmentColumns(
						[]string{columnBumpReminderChannelID, columnBumpReminderRemindAt},
					),
				},
			).Create(reminder).Error
			if err != nil {
				return err
			}
			return tx.Where(
				"guild_id = ? AND service_name = ?",
				guildID,
				serviceName,
			).Take(reminder).Error
		},
	)
	if err != nil {
		return nil, err
	}
	return reminder, nil
}

// dueBumpReminders returns reminders whose due time has passed, oldest
// first. Rows with no due time are never returned.
func dueBumpReminders(ctx context.Context, db *gorm.DB, now int64) ([]BumpReminder, error) {
	var reminders []BumpReminder
	err := db.WithContext(ctx).
		Where("remind_at IS NOT NULL AND remind_at <= ?", now).
		Order("remind_at asc, id asc").
		Find(&reminders).Error
	return reminders, err
}

// clearBumpReminder nulls remind_at, but only while it still holds the
// due time that was delivered. A bump detected during delivery moves
// remind_at forward, and that newer time is kept.
func clearBumpReminder(ctx context.Context, db DBI, id uint, deliveredAt int64) (bool, error) {
	rows, err := db.UpdatesWhere(
		ctx,
		&BumpReminder{},
		map[string]any{columnBumpReminderRemindAt: nil},
		"id = ? AND remind_at = ?",
		id,
		deliveredAt,
	)
	return rows > 0, err
}

// toggleBumpReminder flips is_enabled, returning the new value. When
// no row exists yet, a disabled one is created.
func toggleBumpReminder(
	ctx context.Context,
	db DBI,
	guildID string,
	serviceName string,
) (enabled bool, err error) {
	err = db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			reminder, e := bumpReminderFor(ctx, tx, guildID, serviceName)
			if e != nil {
				return e
			}
			if reminder == nil {
				enabled = false
				return tx.Create(
					&BumpReminder{
						GuildID:     guildID,
						ServiceName: serviceName,
						IsEnabled:   false,
					},
				).Error
			}
			enabled = !reminder.IsEnabled
			return tx.Model(reminder).Update(columnBumpReminderIsEnabled, enabled).Error
		},
	)
	return enabled, err
}

// setBumpReminderRole sets or, with a nil roleID, clears the custom
// notification role. Reports false if there's no reminder row.
func setBumpReminderRole(
	ctx context.Context,
	db DBI,
	guildID string,
	serviceName string,
	roleID *string,
) (bool, error) {
	n, err := db.UpdatesWhere(
		ctx,
		&BumpReminder{},
		map[string]any{columnBumpReminderRoleID: roleID},
		"guild_id = ? AND service_name = ?",
		guildID,
		serviceName,
	)
	return n > 0, err
}
