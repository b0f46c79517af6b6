package ephemeralvc

import (
	"context"
	"errors"
	"fmt"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"log/slog"
	"strings"
	"time"
)

// StatusReport is a snapshot of what the bot is tracking
type StatusReport struct {
	Lobbies   []Lobby
	Sessions  []VoiceSession
	Reminders []BumpReminder
	Stickies  []StickyMessage
	Panels    []RolePanel
}

// openDatabase opens, pools and migrates the configured database
func openDatabase(ctx context.Context, config *Config, logger *slog.Logger) (*gorm.DB, DBI, error) {
	config.InferDatabaseType()
	gormLogger := newGORMLogger(
		newLogHandler(defaultLogWriter, config.DatabaseLogLevel),
		config.DatabaseSlowThreshold,
	)
	db, err := getDB(config.DatabaseType, config.DSN(), gormLogger)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening database: %w", err)
	}
	err = configurePool(
		ctx,
		db,
		config.DatabaseType,
		config.DatabasePoolSize,
		config.DatabaseMaxOverflow,
	)
	if err != nil {
		return nil, nil, errors.Join(err, closeDatabase(db))
	}
	if err = migrate(ctx, db); err != nil {
		return nil, nil, errors.Join(
			fmt.Errorf("error migrating database: %w", err),
			closeDatabase(db),
		)
	}
	return db, NewDatabase(db, logger, config.DatabaseType == dbTypePostgres), nil
}

func closeDatabase(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InitDatabase creates and migrates the database and stores the default
// RuntimeConfig. It reports whether the dashboard admin has already
// finished setup.
func InitDatabase(ctx context.Context, config *Config) (adminReady bool, err error) {
	db, writeDB, err := openDatabase(ctx, config, slog.Default())
	if err != nil {
		return false, err
	}
	defer func() {
		err = errors.Join(err, closeDatabase(db))
	}()

	if _, err = loadRuntimeConfig(ctx, writeDB); err != nil {
		return false, err
	}
	var n int64
	err = db.WithContext(ctx).
		Model(&AdminUser{}).
		Where("password_changed_at IS NOT NULL").
		Count(&n).Error
	return n > 0, err
}

// ValidateAdminCredentials checks a new admin email and password pair
// before it's stored
func ValidateAdminCredentials(email, password, confirm string) error {
	if err := validateEmail(strings.TrimSpace(email)); err != nil {
		return err
	}
	return validateNewPassword(password, confirm)
}

// SetAdminCredentials replaces the dashboard admin's email and password,
// creating the account if needed. The initial setup step is skipped on
// the next login.
func SetAdminCredentials(
	ctx context.Context,
	config *Config,
	email string,
	password string,
) (err error) {
	email = strings.TrimSpace(email)
	if err = ValidateAdminCredentials(email, password, password); err != nil {
		return err
	}

	db, writeDB, err := openDatabase(ctx, config, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, closeDatabase(db))
	}()

	admin, err := getOrCreateAdmin(ctx, writeDB, config.Admin)
	if err != nil {
		return err
	}
	return completeInitialSetup(ctx, writeDB, admin, email, password, time.Now())
}

// LoadStatus reads a StatusReport from the configured database
func LoadStatus(ctx context.Context, config *Config) (report *StatusReport, err error) {
	db, _, err := openDatabase(ctx, config, slog.Default())
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, closeDatabase(db))
	}()
	return statusReport(ctx, db)
}

// statusReport queries each table concurrently
func statusReport(ctx context.Context, db *gorm.DB) (*StatusReport, error) {
	report := &StatusReport{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(
		func() error {
			return db.WithContext(gctx).Order("id asc").Find(&report.Lobbies).Error
		},
	)
	g.Go(
		func() error {
			return db.WithContext(gctx).
				Preload("Members").
				Order("id asc").
				Find(&report.Sessions).Error
		},
	)
	g.Go(
		func() error {
			return db.WithContext(gctx).
				Where("remind_at IS NOT NULL").
				Order("remind_at asc").
				Find(&report.Reminders).Error
		},
	)
	g.Go(
		func() error {
			return db.WithContext(gctx).Order("channel_id asc").Find(&report.Stickies).Error
		},
	)
	g.Go(
		func() error {
			return db.WithContext(gctx).
				Preload("Items").
				Order("id asc").
				Find(&report.Panels).Error
		},
	)

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return report, nil
}
