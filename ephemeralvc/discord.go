package ephemeralvc

import (
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// discordMaxButtonsPerActionRow defines the maximum number of buttons
	// allowed per action row in Discord interactions.
	discordMaxButtonsPerActionRow = 5

	// discordMaxSelectOptions is the most options a select menu can hold
	discordMaxSelectOptions = 25

	discordMaxEmbedTitleLength       = 256
	discordMaxEmbedDescriptionLength = 4096
	discordMaxMessageLength          = 2000
)

// Discord manages the gateway session and the bot's identity on it.
type Discord struct {
	session DiscordSessionHandler
	config  *DiscordConfig
	logger  *slog.Logger

	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	connected         atomic.Bool

	// botUserID and applicationID are reported by the READY event
	botUserID     atomic.Value
	applicationID atomic.Value

	// guilds tracks the guilds the bot is currently in, from
	// GUILD_CREATE/GUILD_DELETE, since the state cache is disabled
	guilds   map[string]struct{}
	guildsMu sync.RWMutex

	discordgoRemoveHandlerFuncs []func()
}

func newDiscord(config *DiscordConfig) *Discord {
	d := &Discord{
		config:                      config,
		guilds:                      map[string]struct{}{},
		discordgoRemoveHandlerFuncs: []func(){},
	}
	d.botUserID.Store("")
	d.applicationID.Store(config.ApplicationID)
	return d
}

// newSession initializes a new Discord session for the Discord struct.
// The state cache is disabled, so handlers must not rely on s.State.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// BotUserID returns the bot's own user ID, or an empty string before
// READY has been received.
func (d *Discord) BotUserID() string {
	return d.botUserID.Load().(string)
}

func (d *Discord) ApplicationID() string {
	return d.applicationID.Load().(string)
}

// GuildCount returns the number of guilds the bot is in
func (d *Discord) GuildCount() int {
	d.guildsMu.RLock()
	defer d.guildsMu.RUnlock()
	return len(d.guilds)
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.botUserID.Store(r.User.ID)
		}
		if d.ApplicationID() == "" && r.Application != nil {
			d.applicationID.Store(r.Application.ID)
		}

		d.guildsMu.Lock()
		for _, g := range r.Guilds {
			d.guilds[g.ID] = struct{}{}
		}
		d.guildsMu.Unlock()

		attrs := []any{"session_id", r.SessionID, "guilds", len(r.Guilds)}
		if r.User != nil {
			attrs = append(
				attrs,
				slog.Group("user", "id", r.User.ID, "username", r.User.Username),
			)
		}
		d.logger.Info("ready", attrs...)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected", "bot_user_id", d.BotUserID())
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected", "bot_user_id", d.BotUserID())
	}
}

func (d *Discord) handlerGuildCreate() func(
	s *discordgo.Session,
	g *discordgo.GuildCreate,
) {
	return func(_ *discordgo.Session, g *discordgo.GuildCreate) {
		if g.Guild == nil || g.Unavailable {
			return
		}
		d.guildsMu.Lock()
		d.guilds[g.ID] = struct{}{}
		d.guildsMu.Unlock()
		d.logger.Debug("guild available", "guild_id", g.ID, "name", g.Name)
	}
}

func (d *Discord) handlerGuildDelete() func(
	s *discordgo.Session,
	g *discordgo.GuildDelete,
) {
	return func(_ *discordgo.Session, g *discordgo.GuildDelete) {
		if g.Guild == nil || g.Unavailable {
			return
		}
		d.guildsMu.Lock()
		delete(d.guilds, g.ID)
		d.guildsMu.Unlock()
		d.logger.Info("removed from guild", "guild_id", g.ID)
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	appID := d.ApplicationID()
	if appID == "" {
		return nil, errors.New("application ID unknown, set discord.application_id")
	}
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		d.config.GuildID,
		appCommands(),
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	d.logger.Info("registered commands", "count", len(created))
	return created, nil
}

// isDiscordNotFound reports whether err is an HTTP 404 from the
// Discord API. The target is already gone, which callers treat as
// success.
func isDiscordNotFound(err error) bool {
	return discordStatusCode(err) == http.StatusNotFound
}

// isDiscordForbidden reports whether err is an HTTP 403, usually
// missing permissions or role hierarchy.
func isDiscordForbidden(err error) bool {
	return discordStatusCode(err) == http.StatusForbidden
}

func discordStatusCode(err error) int {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode
	}
	return 0
}

// ignoreNotFound returns nil if err is a 404
func ignoreNotFound(err error) error {
	if err == nil || isDiscordNotFound(err) {
		return nil
	}
	return err
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// displayName returns the member's guild nickname, falling back to
// their global display name, then username.
func displayName(member *discordgo.Member, user *discordgo.User) string {
	if member != nil {
		if member.Nick != "" {
			return member.Nick
		}
		if user == nil {
			user = member.User
		}
	}
	if user == nil {
		return ""
	}
	if user.GlobalName != "" {
		return user.GlobalName
	}
	return user.Username
}

func mention(userID string) string {
	return "<@" + userID + ">"
}

func roleMention(roleID string) string {
	return "<@&" + roleID + ">"
}

// DiscordSessionHandler defines the methods from `discordgo.Session`
// used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	// HeartbeatLatency is the round trip time of the last gateway heartbeat
	HeartbeatLatency() time.Duration

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	InteractionResponseDelete(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) error

	FollowupMessageCreate(
		interaction *discordgo.Interaction,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageEditComplex(
		m *discordgo.MessageEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	ChannelMessagePin(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)

	Channel(
		channelID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	GuildChannelCreateComplex(
		guildID string,
		data discordgo.GuildChannelCreateData,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	ChannelDelete(
		channelID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ChannelEditFields sends a raw channel PATCH. [discordgo.ChannelEdit]
	// omits zero values, so clearing a user limit or voice region
	// needs explicit fields.
	ChannelEditFields(
		channelID string,
		fields map[string]any,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	ChannelPermissionSet(
		channelID string,
		targetID string,
		targetType discordgo.PermissionOverwriteType,
		allow int64,
		deny int64,
		options ...discordgo.RequestOption,
	) error

	ChannelPermissionDelete(
		channelID string,
		targetID string,
		options ...discordgo.RequestOption,
	) error

	// GuildMemberMove moves a member to the given voice channel. A nil
	// channelID disconnects them.
	GuildMemberMove(
		guildID string,
		userID string,
		channelID *string,
		options ...discordgo.RequestOption,
	) error

	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	GuildRoles(
		guildID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Role, error)

	GuildMemberRoleAdd(
		guildID string,
		userID string,
		roleID string,
		options ...discordgo.RequestOption,
	) error

	GuildMemberRoleRemove(
		guildID string,
		userID string,
		roleID string,
		options ...discordgo.RequestOption,
	) error

	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		options ...discordgo.RequestOption,
	) error

	MessageReactionRemove(
		channelID string,
		messageID string,
		emojiID string,
		userID string,
		options ...discordgo.RequestOption,
	) error

	MessageReactionsRemoveAll(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify.Intents = i.Intents
	d.session.Identify.Presence = i.Presence
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) HeartbeatLatency() time.Duration {
	return d.session.HeartbeatLatency()
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(data)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		return created, err
	}
	for _, c := range created {
		d.logger.Debug("created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) InteractionResponseDelete(
	interaction *discordgo.Interaction,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionResponseDelete(interaction, options...)
}

func (d DiscordSession) FollowupMessageCreate(
	interaction *discordgo.Interaction,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.FollowupMessageCreate(interaction, wait, data, options...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			"channel_id", channelID,
			tint.Err(err),
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageEditComplex(
	m *discordgo.MessageEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageEditComplex(m, options...)
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, options...)
}

func (d DiscordSession) ChannelMessagePin(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessagePin(channelID, messageID, options...)
}

func (d DiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	afterID string,
	aroundID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	return d.session.ChannelMessages(
		channelID,
		limit,
		beforeID,
		afterID,
		aroundID,
		options...,
	)
}

func (d DiscordSession) Channel(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.Channel(channelID, options...)
}

func (d DiscordSession) GuildChannelCreateComplex(
	guildID string,
	data discordgo.GuildChannelCreateData,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.GuildChannelCreateComplex(guildID, data, options...)
	if err != nil {
		d.logger.Error(
			"error creating channel",
			"guild_id", guildID,
			"name", data.Name,
			tint.Err(err),
		)
	}
	return ch, err
}

func (d DiscordSession) ChannelDelete(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.ChannelDelete(channelID, options...)
}

func (d DiscordSession) ChannelEditFields(
	channelID string,
	fields map[string]any,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	endpoint := discordgo.EndpointChannel(channelID)
	body, err := d.session.RequestWithBucketID(
		http.MethodPatch,
		endpoint,
		fields,
		endpoint,
		options...,
	)
	if err != nil {
		return nil, err
	}
	var ch discordgo.Channel
	if err = json.Unmarshal(body, &ch); err != nil {
		return nil, fmt.Errorf("error decoding channel: %w", err)
	}
	return &ch, nil
}

func (d DiscordSession) ChannelPermissionSet(
	channelID string,
	targetID string,
	targetType discordgo.PermissionOverwriteType,
	allow int64,
	deny int64,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelPermissionSet(
		channelID,
		targetID,
		targetType,
		allow,
		deny,
		options...,
	)
}

func (d DiscordSession) ChannelPermissionDelete(
	channelID string,
	targetID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelPermissionDelete(channelID, targetID, options...)
}

func (d DiscordSession) GuildMemberMove(
	guildID string,
	userID string,
	channelID *string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberMove(guildID, userID, channelID, options...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) GuildRoles(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	return d.session.GuildRoles(guildID, options...)
}

func (d DiscordSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberRoleAdd(guildID, userID, roleID, options...)
}

func (d DiscordSession) GuildMemberRoleRemove(
	guildID string,
	userID string,
	roleID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberRoleRemove(guildID, userID, roleID, options...)
}

func (d DiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionAdd(channelID, messageID, emojiID, options...)
}

func (d DiscordSession) MessageReactionRemove(
	channelID string,
	messageID string,
	emojiID string,
	userID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionRemove(
		channelID,
		messageID,
		emojiID,
		userID,
		options...,
	)
}

func (d DiscordSession) MessageReactionsRemoveAll(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionsRemoveAll(channelID, messageID, options...)
}
