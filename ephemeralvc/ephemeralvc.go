package ephemeralvc

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/go-co-op/gocron"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/usapopopooon/ephemeral-vc/ephemeralvc.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout

	panelCommandCooldown = 30 * time.Second

	shutdownAnnouncementInterval = 10 * time.Second
)

// Bot owns the gateway session, database connections, schedulers and
// (optionally) the dashboard.
type Bot struct {
	config *Config

	// db is used for reads. writeDB serializes writes when using sqlite.
	db      *gorm.DB
	writeDB DBI

	logger     *slog.Logger
	logHandler slog.Handler

	voiceLogger     *slog.Logger
	bumpLogger      *slog.Logger
	stickyLogger    *slog.Logger
	rolePanelLogger *slog.Logger
	healthLogger    *slog.Logger

	discord  *Discord
	api      *API
	notifier DBNotifier
	clock    Clock

	// scheduler runs the bump reminder poll and the heartbeat
	scheduler *gocron.Scheduler
	sticky    *stickyDebouncer

	// voiceLocks serializes voice state handling per guild
	voiceLocks    *keyedMutex
	panelCooldown *limiterSet

	// ctx is the runtime context, set by Run. Timers that outlive the
	// event that scheduled them (sticky reposts) use it.
	ctx context.Context

	// signalStop enables an explicit stop signal to be sent to the bot,
	// ex: via NOTIFY from another process
	signalStop chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// runtimeWG tracks event handlers and background loops, so shutdown
	// can wait for in-flight work
	runtimeWG sync.WaitGroup

	paused    atomic.Bool
	startedAt time.Time

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	// getInteractionHandlerFunc returns the InteractionHandler for an
	// incoming interaction. Tests swap this out.
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	triggerRuntimeConfigRefreshCh chan bool
	stickyChangedCh               chan string
}

// New creates a Bot from config. Nothing is connected until Run.
//
// If any errors occur during initialization, they're collected and
// returned together.
func New(config *Config) (*Bot, error) {
	var errs []error

	config.InferDatabaseType()
	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	b := &Bot{
		config:                        config,
		clock:                         realClock{},
		ctx:                           context.Background(),
		signalStop:                    make(chan struct{}, 1),
		voiceLocks:                    newKeyedMutex(),
		panelCooldown:                 newLimiterSet(1, panelCommandCooldown),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
		stickyChangedCh:               make(chan string, 16),
		runtimeConfig:                 ptr(DefaultRuntimeConfig()),
	}

	b.logHandler = newLogHandler(defaultLogWriter, config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	b.voiceLogger = b.logger.With(loggerNameKey, "voice")
	b.bumpLogger = b.logger.With(loggerNameKey, "bump")
	b.stickyLogger = b.logger.With(loggerNameKey, "sticky")
	b.rolePanelLogger = b.logger.With(loggerNameKey, "role_panel")
	b.healthLogger = b.logger.With(loggerNameKey, "health")

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(defaultLogWriter, config.Discord.DiscordGoLogLevel).
			WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc := newDiscord(config.Discord)
	disc.logger = slog.New(
		newLogHandler(defaultLogWriter, config.Discord.LogLevel),
	).With(loggerNameKey, "discord")
	b.discord = disc

	b.scheduler = gocron.NewScheduler(time.UTC)
	b.sticky = newStickyDebouncer(
		func(channelID string) {
			b.spawn(func() { b.repostSticky(b.ctx, channelID) })
		},
	)

	return b, errors.Join(errs...)
}

func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

func (b *Bot) getLogger(ctx context.Context) (context.Context, *slog.Logger) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// Run connects to the database and gateway, and handles events until
// ctx is canceled or a stop signal is received, then shuts down
// gracefully.
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = b.clock.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.ctx = ctx

	go func() {
		select {
		case <-b.signalStop:
			b.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	// servers holds the dashboard, when it runs in this process. A serve
	// failure cancels the runtime context.
	var servers errgroup.Group
	if b.config.API.Enabled {
		if err := b.startAPI(ctx, &servers, cancel); err != nil {
			return err
		}
	}

	if err := b.initDiscordSession(ctx); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}
	if err := b.discord.session.Open(); err != nil {
		return fmt.Errorf("error opening discord connection: %w", err)
	}
	if _, err := b.discord.registerCommands(discordgo.WithContext(startCtx)); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}

	if err := b.startSchedulers(ctx); err != nil {
		return err
	}
	b.sendDeployNotice(ctx)

	b.startRuntimeConfigRefresher(ctx, b.config.RuntimeConfigTTL)
	b.startStickyChangedListener(ctx)
	b.startNotifierListeners(ctx)

	// block until something cancels the main runtime context - generally
	// from an interrupt, or a stop notification
	<-ctx.Done()

	return errors.Join(b.shutdown(ctx), servers.Wait())
}

// initRun connects to the database and loads the runtime config. The
// stored config decides whether the bot starts paused.
func (b *Bot) initRun(ctx context.Context) error {
	b.logger.Debug("initializing DB...")
	if err := b.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.logger.Debug("finished initializing DB")

	cfg, err := loadRuntimeConfig(ctx, b.writeDB)
	if err != nil {
		return err
	}
	b.cfgMu.Lock()
	b.runtimeConfig = cfg
	b.cfgMu.Unlock()
	b.paused.Store(cfg.Paused)
	b.setRuntimeLevels(*cfg)
	b.logger.InfoContext(ctx, "loaded runtime config", cfg.logLevelAttrs()...)

	notifier, err := newDBNotifier(
		b.config.DatabaseType,
		b.config.DSN(),
		b.writeDB,
		b.logger,
		notifyTargets{
			reloadRuntimeConfig: b.triggerRuntimeConfigRefreshCh,
			stickyChanged:       b.stickyChangedCh,
			stop:                b.signalStop,
		},
	)
	if err != nil {
		return fmt.Errorf("error creating db notifier: %w", err)
	}
	b.notifier = notifier
	return nil
}

// initDB opens and migrates the database, unless a connection was
// already provided (ex: tests)
func (b *Bot) initDB(ctx context.Context) error {
	if b.db != nil {
		if b.writeDB == nil {
			b.writeDB = NewDatabase(b.db, b.logger, b.config.DatabaseType == dbTypePostgres)
		}
		return migrate(ctx, b.db)
	}

	gormLogger := newGORMLogger(
		newLogHandler(defaultLogWriter, b.config.DatabaseLogLevel),
		b.config.DatabaseSlowThreshold,
	)
	db, err := getDB(b.config.DatabaseType, b.config.DSN(), gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	err = configurePool(
		ctx,
		db,
		b.config.DatabaseType,
		b.config.DatabasePoolSize,
		b.config.DatabaseMaxOverflow,
	)
	if err != nil {
		return fmt.Errorf("error configuring connection pool: %w", err)
	}

	b.logger.Debug("migrating database...")
	if err = migrate(ctx, db); err != nil {
		b.logger.Error("error migrating database", tint.Err(err))
		return fmt.Errorf("error migrating database: %w", err)
	}

	b.db = db
	b.writeDB = NewDatabase(db, b.logger, b.config.DatabaseType == dbTypePostgres)
	return nil
}

// startAPI serves the dashboard in this process
func (b *Bot) startAPI(
	ctx context.Context,
	servers *errgroup.Group,
	cancel context.CancelFunc,
) error {
	api, err := newAPI(
		apiDeps{
			config:   b.config,
			db:       b.writeDB,
			notifier: b.notifier,
			logger:   slog.New(newLogHandler(defaultLogWriter, b.config.API.LogLevel)),
			clock:    b.clock,
			bot:      b,
		},
	)
	if err != nil {
		return fmt.Errorf("error creating api: %w", err)
	}
	b.api = api

	servers.Go(
		func() error {
			httpErr := api.Serve(ctx)
			if httpErr != nil {
				b.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
				cancel()
			}
			return httpErr
		},
	)
	return nil
}

// initDiscordSession creates the gateway session if needed, and
// registers the event handlers. Each event is handled in its own
// goroutine, tracked by runtimeWG.
func (b *Bot) initDiscordSession(ctx context.Context) error {
	logger := b.logger.With(loggerNameKey, "discord_session")

	if b.discord.session == nil {
		disc, discErr := b.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		b.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	b.discord.session.SetIdentify(
		discordgo.Identify{
			Intents:  b.config.Discord.GatewayIntents,
			Presence: discordIdentifyPresence(b.RuntimeConfig()),
		},
	)

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(b.discord.handlerGuildCreate()),
		b.discord.session.AddHandler(b.discord.handlerGuildDelete()),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := b.getInteractionHandlerFunc(ctx, i)
				b.spawn(func() { b.handleInteraction(ctx, handler) })
			},
		),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
				b.spawnUnlessPaused(func() { b.handleVoiceStateUpdate(ctx, v) })
			},
		),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, c *discordgo.ChannelDelete) {
				b.spawn(func() { b.handleChannelDelete(ctx, c) })
			},
		),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				b.spawnUnlessPaused(func() { b.handleMessageCreate(ctx, m) })
			},
		),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
				b.spawnUnlessPaused(func() { b.handleReactionAdd(ctx, r) })
			},
		),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, r *discordgo.MessageReactionRemove) {
				b.spawnUnlessPaused(func() { b.handleReactionRemove(ctx, r) })
			},
		),
	}

	if b.getInteractionHandlerFunc == nil {
		b.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     b.discord.session,
				interaction: i,
				logger: b.logger.With(
					slog.Group("interaction", interactionLogAttrs(*i)...),
				),
			}
		}
	}
	return nil
}

// spawn runs f in a goroutine tracked by runtimeWG, recovering panics
func (b *Bot) spawn(f func()) {
	b.runtimeWG.Add(1)
	go func() {
		defer b.runtimeWG.Done()
		defer func() {
			if rc := recover(); rc != nil {
				b.handleRecover(b.ctx, rc)
			}
		}()
		f()
	}()
}

// spawnUnlessPaused drops the event while the bot is paused
func (b *Bot) spawnUnlessPaused(f func()) {
	if b.paused.Load() {
		return
	}
	b.spawn(f)
}

// handleMessageCreate feeds a new message to the bump detector and the
// sticky debouncer
func (b *Bot) handleMessageCreate(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.GuildID == "" {
		return
	}
	if m.Author != nil && m.Author.ID == b.discord.BotUserID() {
		return
	}
	b.handleBumpMessage(ctx, m)
	b.handleStickyActivity(ctx, m)
}

func (b *Bot) startSchedulers(ctx context.Context) error {
	if err := errors.Join(b.scheduleBumpPoll(ctx), b.scheduleHeartbeat(ctx)); err != nil {
		return err
	}
	b.scheduler.StartAsync()
	return nil
}

// startStickyChangedListener drops pending reposts for stickies that
// were changed or removed by the dashboard
func (b *Bot) startStickyChangedListener(ctx context.Context) {
	b.runtimeWG.Add(1)
	go func() {
		defer b.runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case channelID := <-b.stickyChangedCh:
				if b.sticky.Cancel(channelID) {
					b.stickyLogger.InfoContext(
						ctx,
						"dropped pending repost for changed sticky",
						"channel_id", channelID,
					)
				}
			}
		}
	}()
}

func (b *Bot) startNotifierListeners(ctx context.Context) {
	channels := []string{
		b.notifier.RuntimeConfigChannelName(),
		b.notifier.StickyChannelName(),
		b.notifier.StopChannelName(),
	}
	for _, channel := range channels {
		if channel == "" {
			continue
		}
		b.runtimeWG.Add(1)
		go func(channel string) {
			defer b.runtimeWG.Done()
			if e := b.notifier.Listen(ctx, channel); e != nil {
				b.logger.ErrorContext(
					ctx,
					"error listening to notification channel",
					"channel", channel,
					tint.Err(e),
				)
			}
		}(channel)
	}
}

// shutdown stops the schedulers and sticky timers, closes the gateway
// so no new events arrive, then waits for in-flight handlers until
// ShutdownTimeout before stopping the dashboard.
func (b *Bot) shutdown(ctx context.Context) error {
	b.logger.WarnContext(ctx, "shutting down")

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(b.config.ShutdownTimeout)
	b.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", b.config.ShutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	b.scheduler.Stop()
	b.sticky.Stop()

	if b.discord.session != nil {
		for _, h := range b.discord.discordgoRemoveHandlerFuncs {
			h()
		}
		b.discord.discordgoRemoveHandlerFuncs = nil
		if err := b.discord.session.Close(); err != nil {
			b.logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
		} else {
			b.logger.InfoContext(ctx, "closed discord session")
		}
	}

	var errs []error

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		b.runtimeWG.Wait()
		gracefulShutdownCh <- struct{}{}
	}()

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

wait:
	for {
		select {
		case <-gracefulShutdownCh:
			b.logger.InfoContext(
				ctx,
				"finished handling in-flight events",
				"duration", time.Since(shutdownStart),
			)
			break wait
		case <-announcementTicker.C:
			b.logger.InfoContext(
				ctx,
				"waiting on in-flight events",
				"remaining", time.Until(shutdownDeadline).Truncate(time.Second),
			)
		case <-closeCtx.Done():
			b.logger.ErrorContext(ctx, "shutdown deadline passed, exiting")
			errs = append(errs, errors.New("in-flight events did not finish in time"))
			break wait
		}
	}

	if b.api != nil {
		if err := b.api.Shutdown(closeCtx); err != nil {
			b.logger.ErrorContext(ctx, "error shutting down http server", tint.Err(err))
			errs = append(errs, err)
		}
	}

	if b.db != nil {
		if sqlDB, err := b.db.DB(); err == nil {
			if err = sqlDB.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	b.logger.InfoContext(ctx, "shutdown complete")
	return errors.Join(errs...)
}

// Stop signals Run to shut down
func (b *Bot) Stop() {
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

func (b *Bot) handleRecover(ctx context.Context, rc any) {
	_, logger := b.getLogger(ctx)
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}

// RunAPI serves only the dashboard, for running it as its own process.
// With PostgreSQL, changes reach a bot running elsewhere via NOTIFY.
func RunAPI(ctx context.Context, config *Config) error {
	config.InferDatabaseType()
	logger := slog.New(newLogHandler(defaultLogWriter, config.LogLevel))
	slog.SetDefault(logger)

	if err := structValidator.Struct(config.API); err != nil {
		return fmt.Errorf("invalid api config: %w", err)
	}

	db, writeDB, err := openDatabase(ctx, config, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeDatabase(db); closeErr != nil {
			logger.Error("error closing database", tint.Err(closeErr))
		}
	}()

	notifier, err := newDBNotifier(config.DatabaseType, config.DSN(), writeDB, logger, notifyTargets{})
	if err != nil {
		return err
	}
	if _, err = getOrCreateAdmin(ctx, writeDB, config.Admin); err != nil {
		return err
	}

	api, err := newAPI(
		apiDeps{
			config:   config,
			db:       writeDB,
			notifier: notifier,
			logger:   slog.New(newLogHandler(defaultLogWriter, config.API.LogLevel)),
		},
	)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- api.Serve(ctx)
	}()

	select {
	case err = <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	logger.Info("shutting down dashboard")
	return errors.Join(api.Shutdown(shutdownCtx), <-serveErr)
}
