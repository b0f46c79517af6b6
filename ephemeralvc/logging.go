package ephemeralvc

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"gorm.io/gorm/logger"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

const loggerNameKey = "logger"

// newLogHandler returns a tint handler writing to w. Colour is only
// enabled when w is a terminal.
func newLogHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return tint.NewHandler(
		w, &tint.Options{
			Level:     level,
			AddSource: true,
			NoColor:   !isTerminal(w),
		},
	)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler)
	return func(
		msgL int,
		_ int,
		format string,
		args ...any,
	) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}

var (
	DBLogLevelDebug = DBLogLevel(slog.LevelDebug.String())
	DBLogLevelInfo  = DBLogLevel(slog.LevelInfo.String())
	DBLogLevelWarn  = DBLogLevel(slog.LevelWarn.String())
	DBLogLevelError = DBLogLevel(slog.LevelError.String())
)

var dbLogLevels = map[DBLogLevel]slog.Level{
	DBLogLevelDebug: slog.LevelDebug,
	DBLogLevelInfo:  slog.LevelInfo,
	DBLogLevelWarn:  slog.LevelWarn,
	DBLogLevelError: slog.LevelError,
}

// DBLogLevel is a slog level name, stored as text so it can live in
// RuntimeConfig and be edited from the dashboard. Only the four named
// levels are accepted; offsets like "INFO+2" are rejected.
type DBLogLevel string

func parseDBLogLevel(s string) (DBLogLevel, error) {
	l := DBLogLevel(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := dbLogLevels[l]; !ok {
		return "", fmt.Errorf("unknown log level: %q", s)
	}
	return l, nil
}

func (l *DBLogLevel) Set(s string) error {
	parsed, err := parseDBLogLevel(s)
	if err == nil {
		*l = parsed
	}
	return err
}

// Scan implements sql.Scanner
func (l *DBLogLevel) Scan(value any) error {
	switch v := value.(type) {
	case string:
		return l.Set(v)
	case []byte:
		return l.Set(string(v))
	}
	return fmt.Errorf("cannot scan %T into DBLogLevel", value)
}

// Value implements driver.Valuer
func (l DBLogLevel) Value() (driver.Value, error) {
	return string(l), nil
}

func (DBLogLevel) GormDataType() string {
	return "string"
}

func (l DBLogLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(l))
}

func (l *DBLogLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return l.Set(s)
}

func (l DBLogLevel) String() string {
	return string(l)
}

// Level converts to a slog.Level, falling back to INFO
func (l DBLogLevel) Level() slog.Level {
	if lvl, ok := dbLogLevels[DBLogLevel(strings.ToUpper(string(l)))]; ok {
		return lvl
	}
	return slog.LevelInfo
}

type gormStructuredLogger struct {
	logger        *slog.Logger
	handler       slog.Handler
	SlowThreshold time.Duration
}

func newGORMLogger(
	handler slog.Handler,
	slowThreshold time.Duration,
) *gormStructuredLogger {
	return &gormStructuredLogger{
		logger:        slog.New(handler).With(loggerNameKey, "gorm"),
		handler:       handler,
		SlowThreshold: slowThreshold,
	}
}

// LogMode is a no-op, levels are controlled by the handler's LevelVar
func (g gormStructuredLogger) LogMode(_ logger.LogLevel) logger.Interface {
	return g
}

func (g gormStructuredLogger) Info(ctx context.Context, s string, i ...any) {
	g.logger.InfoContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Warn(ctx context.Context, s string, i ...any) {
	g.logger.WarnContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Error(ctx context.Context, s string, i ...any) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	s, rowsAffected := fc()
	var rows any = rowsAffected
	if rowsAffected == -1 {
		rows = "-"
	}

	switch {
	case err != nil && !errors.Is(err, logger.ErrRecordNotFound):
		g.logger.ErrorContext(
			ctx,
			"sql error",
			"elapsed", elapsed,
			"rows", rows,
			"sql", s,
			tint.Err(err),
		)
	case g.SlowThreshold != 0 && elapsed > g.SlowThreshold:
		g.logger.WarnContext(
			ctx,
			"slow sql",
			"elapsed", elapsed,
			"threshold", g.SlowThreshold,
			"rows", rows,
			"sql", s,
		)
	default:
		g.logger.DebugContext(
			ctx,
			"sql completed",
			"elapsed", elapsed,
			"rows", rows,
			"sql", s,
		)
	}
}
