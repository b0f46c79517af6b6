package ephemeralvc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	customIDFormat                            = "%s:%s"
	dbTypeSQLite                              = "sqlite"
	dbTypePostgres                            = "postgres"
	postgresNotifyChannelRuntimeConfigUpdated = "evc_reload_runtime_config"
	postgresNotifyChannelStickyChanged        = "evc_sticky_changed"
	postgresNotifyChannelStop                 = "evc_stop"
	recordSeparator                           = string(rune(30))
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteDSNParams       = "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout    = 30 * time.Second
	dbNotifierSendTimeout = 15 * time.Second
)

// ModelUnixTime is an embeddable model with creation and update
// timestamps, stored as unix milliseconds.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// database wraps a gorm connection. With sqlite, writes are serialized
// through mu, since sqlite allows a single writer.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase returns a DBI backed by the given gorm connection. If log
// is nil, slog.Default is used.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "db"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) lock() func() {
	if d.enableConcurrentWrites {
		return func() {}
	}
	d.mu.Lock()
	return d.mu.Unlock
}

// withTimeout applies dbOperationTimeout when ctx has no deadline
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) (err error) {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

func (d *database) Save(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Save(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Update(
	ctx context.Context,
	model any,
	column string,
	value any,
) (rowsAffected int64, err error) {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Update(column, value)
	return rv.RowsAffected, rv.Error
}

func (d *database) UpdatesWhere(
	ctx context.Context,
	model any,
	values map[string]any,
	query any,
	conds ...any,
) (rowsAffected int64, err error) {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Where(query, conds...).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Delete(
	ctx context.Context,
	value any,
	conds ...any,
) (rowsAffected int64, err error) {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Delete(value, conds...)
	return rv.RowsAffected, rv.Error
}

// DBI defines the interface for database operations. This is here primarily
// to enable mocking of the database operations for testing.
// [database] implements this interface for 'real' DB operations.
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	Delete(ctx context.Context, value any, conds ...any) (rowsAffected int64, err error)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) (err error)
	Save(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Update(ctx context.Context, model any, column string, value any) (
		rowsAffected int64,
		err error,
	)
	UpdatesWhere(
		ctx context.Context,
		model any,
		values map[string]any,
		query any,
		conds ...any,
	) (rowsAffected int64, err error)
}

// allModels lists every table managed by AutoMigrate, parents first.
func allModels() []any {
	return []any{
		&Lobby{},
		&VoiceSession{},
		&VoiceSessionMember{},
		&BumpConfig{},
		&BumpReminder{},
		&StickyMessage{},
		&RolePanel{},
		&RolePanelItem{},
		&AdminUser{},
		&RuntimeConfig{},
	}
}

// CreateDB initializes and returns a GORM database connection based on
// the specified database type, and migrates all models.
//
// Parameters:
//   - ctx: The context for the database operations.
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := newLogHandler(os.Stdout, slog.LevelWarn)
	gormLogger := newGORMLogger(handler, DefaultDatabaseSlowThreshold)

	slog.New(handler).InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}
	if err = migrate(ctx, db); err != nil {
		return db, err
	}
	return db, nil
}

// migrate runs AutoMigrate for all models inside a single transaction
func migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(allModels()...)
		},
	)
}

// configurePool applies connection pool limits. sqlite gets a single
// connection, postgres gets poolSize idle connections plus overflow.
func configurePool(
	ctx context.Context,
	db *gorm.DB,
	databaseType string,
	poolSize int,
	maxOverflow int,
) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	switch databaseType {
	case dbTypeSQLite:
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if err = db.WithContext(ctx).Exec(pragma).Error; err != nil {
				return fmt.Errorf("error executing %q: %w", pragma, err)
			}
		}
	case dbTypePostgres:
		sqlDB.SetMaxIdleConns(poolSize)
		sqlDB.SetMaxOpenConns(poolSize + maxOverflow)
	}
	return nil
}

// sqliteDSN appends connection parameters to a sqlite file path, so
// every new pooled connection gets foreign keys and WAL mode.
func sqliteDSN(database string) string {
	if strings.Contains(database, "?") {
		return database
	}
	return database + "?" + sqliteDSNParams
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(sqliteDSN(database)), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// notifyTargets are the local channels notifications are forwarded to.
// A nil channel means this process doesn't handle that notification
// (ex: the standalone dashboard has no sticky debouncer).
type notifyTargets struct {
	reloadRuntimeConfig chan bool
	stickyChanged       chan string
	stop                chan struct{}
}

// DBNotifier announces changes made by one process (usually the
// dashboard) to the bot, which may be running elsewhere.
type DBNotifier interface {
	RuntimeConfigChannelName() string

	// ReloadRuntimeConfig tells the bot to reload RuntimeConfig from the DB
	ReloadRuntimeConfig(context.Context) bool

	StickyChannelName() string

	// StickyChanged tells the bot that the sticky message for the given
	// channel was changed or removed, so any pending repost is dropped
	StickyChanged(ctx context.Context, channelID string) bool

	StopChannelName() string

	// Stop sends a shutdown signal to the bot
	Stop(context.Context) bool

	// ID returns the identifier for this notifier. DBNotifier instances
	// use this ID to filter out their own notifications.
	ID() string

	Listen(ctx context.Context, channel string) error
}

func newDBNotifier(
	databaseType string,
	dsn string,
	db DBI,
	logger *slog.Logger,
	targets notifyTargets,
) (DBNotifier, error) {
	notifyID := uuid.NewString()
	log := logger.With(loggerNameKey, "db_notifier")
	switch databaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{
			logger:   log,
			targets:  targets,
			notifyID: notifyID,
		}, nil
	case dbTypePostgres:
		return &postgresNotifier{
			db:         db,
			dsn:        dsn,
			logger:     log,
			targets:    targets,
			pgNotifyID: notifyID,
		}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// sqliteNotifier forwards notifications to in-process channels. sqlite
// deployments run the bot and dashboard in one process.
type sqliteNotifier struct {
	logger   *slog.Logger
	targets  notifyTargets
	notifyID string
}

func (s *sqliteNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (s *sqliteNotifier) ID() string {
	return s.notifyID
}

func (sqliteNotifier) RuntimeConfigChannelName() string {
	return ""
}

func (sqliteNotifier) StickyChannelName() string {
	return ""
}

func (sqliteNotifier) StopChannelName() string {
	return ""
}

func (s *sqliteNotifier) Stop(ctx context.Context) bool {
	if s.targets.stop == nil {
		return false
	}
	s.logger.Info("notifying stop signal")
	select {
	case s.targets.stop <- struct{}{}:
	case <-ctx.Done():
		s.logger.Warn("timeout sending stop signal")
		return false
	}
	return true
}

func (s *sqliteNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	if s.targets.reloadRuntimeConfig == nil {
		return false
	}
	select {
	case s.targets.reloadRuntimeConfig <- true:
	case <-ctx.Done():
		s.logger.Warn("timeout sending runtime config refresh signal")
		return false
	}
	return true
}

func (s *sqliteNotifier) StickyChanged(ctx context.Context, channelID string) bool {
	if s.targets.stickyChanged == nil {
		return false
	}
	select {
	case s.targets.stickyChanged <- channelID:
	case <-ctx.Done():
		s.logger.Warn("timeout sending sticky change", "channel_id", channelID)
		return false
	}
	return true
}

// postgresNotifier uses LISTEN/NOTIFY, so the dashboard and bot can run
// as separate processes.
type postgresNotifier struct {
	db         DBI
	dsn        string
	logger     *slog.Logger
	targets    notifyTargets
	pgNotifyID string
}

func (postgresNotifier) RuntimeConfigChannelName() string {
	return postgresNotifyChannelRuntimeConfigUpdated
}

func (postgresNotifier) StickyChannelName() string {
	return postgresNotifyChannelStickyChanged
}

func (postgresNotifier) StopChannelName() string {
	return postgresNotifyChannelStop
}

func (p *postgresNotifier) ID() string {
	return p.pgNotifyID
}

func (p *postgresNotifier) notify(ctx context.Context, channel, payload string) bool {
	err := p.db.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		channel,
		payload,
	).Error
	if err != nil {
		p.logger.ErrorContext(
			ctx,
			"error sending NOTIFY",
			"channel", channel,
			tint.Err(err),
		)
		return false
	}
	p.logger.InfoContext(
		ctx,
		"sent notification",
		"channel", channel,
		"pg_notify_id", p.ID(),
	)
	return true
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	return p.notify(ctx, p.StopChannelName(), p.ID())
}

func (p *postgresNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	return p.notify(ctx, p.RuntimeConfigChannelName(), p.ID())
}

func (p *postgresNotifier) StickyChanged(ctx context.Context, channelID string) bool {
	return p.notify(
		ctx,
		p.StickyChannelName(),
		newNotificationMessage(p.ID(), channelID),
	)
}

func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	p.logger.Info("starting db listener", "channel", channel)

	config, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		p.logger.ErrorContext(ctx, "error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		p.logger.ErrorContext(ctx, "error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel))
	if err != nil {
		p.logger.ErrorContext(ctx, "error setting up listener", tint.Err(err))
		return err
	}
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
			continue
		}

		notifierID, payload := parseNotificationMessage(notification.Payload)
		if notifierID == p.ID() {
			logger.Debug("received notification from self, ignoring")
			continue
		}

		switch channel {
		case p.RuntimeConfigChannelName():
			logger.InfoContext(ctx, "received notification for runtime config update")
			forwardNotification(logger, p.targets.reloadRuntimeConfig, true)
		case p.StickyChannelName():
			logger.InfoContext(ctx, "received sticky change", "channel_id", payload)
			forwardNotification(logger, p.targets.stickyChanged, payload)
		case p.StopChannelName():
			logger.InfoContext(ctx, "received stop signal via NOTIFY")
			forwardNotification(logger, p.targets.stop, struct{}{})
		default:
			logger.Warn("received unknown notification", "channel", notification.Channel)
		}
	}

	return nil
}

func forwardNotification[T any](logger *slog.Logger, ch chan T, v T) {
	if ch == nil {
		return
	}
	select {
	case ch <- v:
	case <-time.After(dbNotifierSendTimeout):
		logger.Warn("timed out forwarding notification")
	}
}

func parseNotificationMessage(s string) (notifierID, payload string) {
	before, after, _ := strings.Cut(s, recordSeparator)
	return before, after
}

func newNotificationMessage(notifierID string, payload string) string {
	return strings.Join([]string{notifierID, payload}, recordSeparator)
}
