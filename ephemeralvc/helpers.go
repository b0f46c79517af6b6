package ephemeralvc

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"crypto/tls"
	"encoding/base64"
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"reflect"
	"strings"
	"unicode/utf8"
)

const loggerContextKey contextKey = "logger"

type contextKey string

// discordInteractionOptions flattens the options of a slash command.
// For commands with subcommands, the subcommand's own options are
// returned along with the subcommand name.
func discordInteractionOptions(
	i *discordgo.InteractionCreate,
) (string, map[string]*discordgo.ApplicationCommandInteractionDataOption) {
	options := i.ApplicationCommandData().Options
	subcommand := ""
	if len(options) == 1 &&
		(options[0].Type == discordgo.ApplicationCommandOptionSubCommand ||
			options[0].Type == discordgo.ApplicationCommandOptionSubCommandGroup) {
		subcommand = options[0].Name
		options = options[0].Options
	}
	optionMap := make(
		map[string]*discordgo.ApplicationCommandInteractionDataOption,
		len(options),
	)
	for _, option := range options {
		optionMap[option.Name] = option
	}
	return subcommand, optionMap
}

var discordGoLogLevels = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogError:         slog.LevelError,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogInformational: slog.LevelInfo,
}

// tlsConfig loads the given key pair. With neither file set, it returns
// a nil config and the server runs plain HTTP.
func tlsConfig(certfile string, keyfile string, minVersion uint16) (
	*tls.Config,
	error,
) {
	if certfile == "" && keyfile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certfile, keyfile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
		ClientAuth:   tls.NoClientCert,
	}, nil
}

// structToSlogValue renders a struct (or pointer to one) as a slog
// group. Keys come from the json tag when present. A `log` tag replaces
// the value outright, so secrets can be tagged `log:"REDACTED"`.
// Nil pointers, empty strings and empty collections are omitted.
func structToSlogValue(v any) slog.Value {
	val := reflect.ValueOf(v)
	for val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return slog.AnyValue(nil)
		}
		val = val.Elem()
	}
	if !val.IsValid() {
		return slog.AnyValue(nil)
	}
	if val.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	typ := val.Type()
	attrs := make([]slog.Attr, 0, typ.NumField())
	for i := range typ.NumField() {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}
		key, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if key == "" {
			key = field.Name
		}
		if override, ok := field.Tag.Lookup("log"); ok && override != "" {
			attrs = append(attrs, slog.String(key, override))
			continue
		}
		fv := val.Field(i)
		if isEmptyLogValue(fv) {
			continue
		}
		attrs = append(attrs, slog.Attr{Key: key, Value: structToSlogValue(fv.Interface())})
	}
	return slog.GroupValue(attrs...)
}

func isEmptyLogValue(fv reflect.Value) bool {
	switch fv.Kind() {
	case reflect.Ptr, reflect.Interface:
		return fv.IsNil()
	case reflect.Map, reflect.Slice:
		return fv.Len() == 0
	case reflect.String:
		return fv.Len() == 0
	default:
		return false
	}
}

// WithLogger returns a new context with the given logger added.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// ContextLogger returns a logger from the given context if one
// is present, and a boolean indicating whether a logger was found.
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}

func interactionLogAttrs(i discordgo.InteractionCreate) []any {
	logAttrs := []any{
		"id", i.ID,
		"type", i.Type.String(),
	}
	if i.ChannelID != "" {
		logAttrs = append(logAttrs, "channel_id", i.ChannelID)
	}
	if i.GuildID != "" {
		logAttrs = append(logAttrs, "guild_id", i.GuildID)
	}
	if u := getDiscordUser(&i); u != nil {
		logAttrs = append(logAttrs, "user_id", u.ID)
	}
	return logAttrs
}

// truncate shortens the input string to n characters. When suffix is
// non-empty, it replaces the tail so the result is still n characters.
func truncate(s string, n int, suffix string) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	keep := n - utf8.RuneCountInString(suffix)
	if keep <= 0 {
		return string(runes[:n])
	}
	return string(runes[:keep]) + suffix
}

func derive64ByteKey(input string) []byte {
	hash := sha512.Sum512([]byte(input))
	return hash[:]
}

// newToken returns a random URL-safe token, used for password resets
// and email confirmation links.
func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// chunkItems splits the input items into chunks of maxRowLength
func chunkItems[T any](maxRowLength int, items ...T) [][]T {
	var result [][]T
	for len(items) > 0 {
		end := maxRowLength
		if len(items) < maxRowLength {
			end = len(items)
		}
		result = append(result, items[:end])
		items = items[end:]
	}
	return result
}

func stringPointerValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func ptr[T any](v T) *T {
	return &v
}
