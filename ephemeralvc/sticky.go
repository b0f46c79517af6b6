package ephemeralvc

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"sync"
	"time"
)

const (
	stickyTypeEmbed = "embed"
	stickyTypeText  = "text"

	stickyStatusDescriptionLength = 100

	msgStickySet         = "✅ Sticky メッセージを設定しました。"
	msgStickyRemoved     = "✅ Sticky メッセージを解除しました。"
	msgStickyNotSet      = "このチャンネルには sticky メッセージが設定されていません。"
	msgStickyInvalidType = "メッセージの種類は embed か text を指定してください。"
	msgStickyBadColor    = "無効な色形式です: `%s`\n16進数で指定してください（例: `FF0000`, `#00FF00`）"
)

// StickyMessage is a message kept at the bottom of a channel. It's
// reposted once activity in the channel has been quiet for
// CooldownSeconds.
//
//nolint:lll // struct tags can't be split
type StickyMessage struct {
	ModelUnixTime
	ChannelID string `json:"channel_id" gorm:"primaryKey"`
	GuildID   string `json:"guild_id" gorm:"not null;index"`

	// MessageID is the currently posted copy, if any
	MessageID       *string `json:"message_id"`
	MessageType     string  `json:"message_type" gorm:"not null;default:embed"`
	Title           string  `json:"title" gorm:"not null"`
	Description     string  `json:"description" gorm:"not null"`
	Color           *int    `json:"color"`
	CooldownSeconds int     `json:"cooldown_seconds" gorm:"not null;default:5"`
	LastPostedAt    *int64  `json:"last_posted_at"`
}

func (s StickyMessage) Cooldown() time.Duration {
	return time.Duration(clampStickyCooldown(s.CooldownSeconds)) * time.Second
}

// MessageSend renders the sticky as an embed, or as plain text with a
// bold title line
func (s StickyMessage) MessageSend() *discordgo.MessageSend {
	if s.MessageType == stickyTypeText {
		content := s.Description
		if s.Title != "" {
			content = "**" + s.Title + "**\n" + s.Description
		}
		return &discordgo.MessageSend{
			Content:         truncate(content, discordMaxMessageLength, "..."),
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		}
	}
	color := defaultEmbedColor
	if s.Color != nil {
		color = *s.Color
	}
	return &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{
			{
				Title:       s.Title,
				Description: s.Description,
				Color:       color,
			},
		},
	}
}

func stickyByChannelID(ctx context.Context, db *gorm.DB, channelID string) (*StickyMessage, error) {
	return takeOne[StickyMessage](db.WithContext(ctx), "channel_id = ?", channelID)
}

// upsertStickyMessage creates or replaces the channel's sticky
// settings. The posted message ID is left as is.
func upsertStickyMessage(ctx context.Context, db DBI, sticky *StickyMessage) error {
	return db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: "channel_id"}},
					DoUpdates: clause.AssignmentColumns(
						[]string{
							"guild_id",
							"message_type",
							"title",
							"description",
							"color",
							"cooldown_seconds",
							"updated_at",
						},
					),
				},
			).Create(sticky).Error
		},
	)
}

func updateStickyPosted(
	ctx context.Context,
	db DBI,
	channelID string,
	messageID string,
	postedAt int64,
) error {
	_, err := db.UpdatesWhere(
		ctx,
		&StickyMessage{},
		map[string]any{"message_id": messageID, "last_posted_at": postedAt},
		"channel_id = ?",
		channelID,
	)
	return err
}

func deleteStickyMessage(ctx context.Context, db DBI, channelID string) (bool, error) {
	n, err := db.Delete(ctx, &StickyMessage{}, "channel_id = ?", channelID)
	return n > 0, err
}

// stickyDebouncer collapses bursts of channel activity into a single
// repost, fired once a channel has been quiet for its cooldown.
type stickyDebouncer struct {
	mu      sync.Mutex
	pending map[string]*pendingRepost
	gen     uint64
	stopped bool
	fire    func(channelID string)
}

// pendingRepost is the timer for a channel's next repost. gen identifies
// the schedule call that created it: a timer that fires after being
// replaced finds a different gen, and does nothing.
type pendingRepost struct {
	timer *time.Timer
	gen   uint64
}

// newStickyDebouncer returns a debouncer calling fire for each repost.
// fire runs with the debouncer locked: it must not block, or call back
// into the debouncer.
func newStickyDebouncer(fire func(channelID string)) *stickyDebouncer {
	return &stickyDebouncer{
		pending: map[string]*pendingRepost{},
		fire:    fire,
	}
}

// Schedule (re)starts the channel's timer, replacing any pending one
func (d *stickyDebouncer) Schedule(channelID string, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if p, ok := d.pending[channelID]; ok {
		p.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.pending[channelID] = &pendingRepost{
		gen:   gen,
		timer: time.AfterFunc(delay, func() { d.run(channelID, gen) }),
	}
}

func (d *stickyDebouncer) run(channelID string, gen uint64) {
	// fire is called under mu, so once Stop returns no fire is in flight
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[channelID]
	if !ok || p.gen != gen || d.stopped {
		return
	}
	delete(d.pending, channelID)
	d.fire(channelID)
}

// Cancel drops the channel's pending repost, reporting whether there
// was one
func (d *stickyDebouncer) Cancel(channelID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[channelID]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(d.pending, channelID)
	return true
}

func (d *stickyDebouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels every pending repost. Later calls to Schedule are ignored.
func (d *stickyDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for channelID, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, channelID)
	}
}

// handleStickyActivity restarts the channel's repost timer when a
// member posts in a channel with a sticky
func (b *Bot) handleStickyActivity(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.GuildID == "" || m.Author == nil || m.Author.Bot {
		return
	}
	sticky, err := stickyByChannelID(ctx, b.db, m.ChannelID)
	if err != nil {
		b.stickyLogger.ErrorContext(
			ctx,
			"error looking up sticky",
			"channel_id", m.ChannelID,
			tint.Err(err),
		)
		return
	}
	if sticky == nil {
		return
	}
	b.sticky.Schedule(m.ChannelID, sticky.Cooldown())
}

// repostSticky deletes the channel's current sticky and posts a new
// copy at the bottom
func (b *Bot) repostSticky(ctx context.Context, channelID string) {
	logger := b.stickyLogger.With("channel_id", channelID)
	ctx = WithLogger(ctx, logger)

	defer func() {
		if rc := recover(); rc != nil {
			b.handleRecover(ctx, rc)
		}
	}()

	if b.paused.Load() {
		return
	}

	sticky, err := stickyByChannelID(ctx, b.db, channelID)
	if err != nil {
		logger.ErrorContext(ctx, "error looking up sticky", tint.Err(err))
		return
	}
	if sticky == nil {
		logger.DebugContext(ctx, "sticky removed before repost")
		return
	}
	if err = b.postSticky(ctx, sticky); err != nil {
		logger.ErrorContext(ctx, "error reposting sticky", tint.Err(err))
	}
}

// postSticky replaces the posted copy of sticky and records the new
// message
func (b *Bot) postSticky(ctx context.Context, sticky *StickyMessage) error {
	_, logger := b.getLogger(ctx)
	s := b.discord.session

	if sticky.MessageID != nil {
		err := s.ChannelMessageDelete(
			sticky.ChannelID,
			*sticky.MessageID,
			discordgo.WithContext(ctx),
		)
		if err = ignoreNotFound(err); err != nil {
			logger.WarnContext(
				ctx,
				"error deleting previous sticky",
				"message_id", *sticky.MessageID,
				tint.Err(err),
			)
		}
	}

	msg, err := s.ChannelMessageSendComplex(
		sticky.ChannelID,
		sticky.MessageSend(),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	postedAt := nowMilli(b.clock)
	if err = updateStickyPosted(ctx, b.writeDB, sticky.ChannelID, msg.ID, postedAt); err != nil {
		return fmt.Errorf("error saving sticky message ID: %w", err)
	}
	sticky.MessageID = &msg.ID
	sticky.LastPostedAt = &postedAt
	logger.InfoContext(ctx, "posted sticky", "message_id", msg.ID)
	return nil
}

// stickyChannelDeleted forgets the sticky of a deleted channel
func (b *Bot) stickyChannelDeleted(ctx context.Context, channelID string) {
	b.sticky.Cancel(channelID)
	deleted, err := deleteStickyMessage(ctx, b.writeDB, channelID)
	if err != nil {
		b.stickyLogger.ErrorContext(
			ctx,
			"error deleting sticky",
			"channel_id", channelID,
			tint.Err(err),
		)
		return
	}
	if deleted {
		b.stickyLogger.InfoContext(ctx, "removed sticky of deleted channel", "channel_id", channelID)
	}
}

func (b *Bot) handleStickyCommand(ctx context.Context, handler InteractionHandler) {
	subcommand, options := discordInteractionOptions(handler.GetInteraction())
	switch subcommand {
	case subcommandSet:
		b.stickySet(ctx, handler, options)
	case subcommandRemove:
		b.stickyRemove(ctx, handler)
	case subcommandStatus:
		b.stickyStatus(ctx, handler)
	default:
		respondEphemeral(ctx, handler, msgUnknownAction)
	}
}

func (b *Bot) stickySet(
	ctx context.Context,
	handler InteractionHandler,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	sticky := &StickyMessage{
		ChannelID:       i.ChannelID,
		GuildID:         i.GuildID,
		MessageType:     stickyTypeEmbed,
		CooldownSeconds: defaultStickyCooldown,
	}
	if opt, ok := options[optionTitle]; ok {
		sticky.Title = opt.StringValue()
	}
	if opt, ok := options[optionDescription]; ok {
		sticky.Description = opt.StringValue()
	}
	if opt, ok := options[optionColor]; ok && opt.StringValue() != "" {
		color, err := parseColor(opt.StringValue())
		if err != nil {
			respondEphemeral(ctx, handler, fmt.Sprintf(msgStickyBadColor, opt.StringValue()))
			return
		}
		sticky.Color = &color
	}
	if opt, ok := options[optionCooldown]; ok {
		sticky.CooldownSeconds = clampStickyCooldown(int(opt.IntValue()))
	}
	if opt, ok := options[optionType]; ok {
		switch t := opt.StringValue(); t {
		case stickyTypeEmbed, stickyTypeText:
			sticky.MessageType = t
		default:
			respondEphemeral(ctx, handler, msgStickyInvalidType)
			return
		}
	}

	existing, err := stickyByChannelID(ctx, b.db, i.ChannelID)
	if err != nil {
		respondError(ctx, handler, err)
		return
	}
	if err = upsertStickyMessage(ctx, b.writeDB, sticky); err != nil {
		respondError(ctx, handler, err)
		return
	}
	b.sticky.Cancel(i.ChannelID)
	if existing != nil {
		sticky.MessageID = existing.MessageID
	}

	respondEphemeral(ctx, handler, msgStickySet)
	logger.InfoContext(
		ctx,
		"sticky set",
		"title", sticky.Title,
		"type", sticky.MessageType,
		"cooldown_seconds", sticky.CooldownSeconds,
	)

	if err = b.postSticky(ctx, sticky); err != nil {
		logger.ErrorContext(ctx, "error posting sticky", tint.Err(err))
	}
}

func (b *Bot) stickyRemove(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	sticky, err := stickyByChannelID(ctx, b.db, i.ChannelID)
	if err != nil {
		respondError(ctx, handler, err)
		return
	}
	if sticky == nil {
		respondEphemeral(ctx, handler, msgStickyNotSet)
		return
	}

	b.sticky.Cancel(i.ChannelID)
	if sticky.MessageID != nil {
		err = b.discord.session.ChannelMessageDelete(
			i.ChannelID,
			*sticky.MessageID,
			discordgo.WithContext(ctx),
		)
		if err = ignoreNotFound(err); err != nil {
			handler.Logger().WarnContext(ctx, "error deleting sticky message", tint.Err(err))
		}
	}
	if _, err = deleteStickyMessage(ctx, b.writeDB, i.ChannelID); err != nil {
		respondError(ctx, handler, err)
		return
	}
	handler.Logger().InfoContext(ctx, "sticky removed")
	respondEphemeral(ctx, handler, msgStickyRemoved)
}

func (b *Bot) stickyStatus(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	sticky, err := stickyByChannelID(ctx, b.db, i.ChannelID)
	if err != nil {
		respondError(ctx, handler, err)
		return
	}
	if sticky == nil {
		respondEphemeral(ctx, handler, msgStickyNotSet)
		return
	}

	color := defaultEmbedColor
	colorLabel := "デフォルト"
	if sticky.Color != nil {
		color = *sticky.Color
		colorLabel = fmt.Sprintf("#%06X", color)
	}
	_ = handler.Respond(
		ctx,
		ephemeralEmbedResponse(
			&discordgo.MessageEmbed{
				Title: "📌 Sticky メッセージ設定",
				Color: color,
				Fields: []*discordgo.MessageEmbedField{
					{Name: "タイトル", Value: sticky.Title},
					{
						Name:  "説明",
						Value: truncate(sticky.Description, stickyStatusDescriptionLength, "..."),
					},
					{Name: "種類", Value: sticky.MessageType, Inline: true},
					{Name: "色", Value: colorLabel, Inline: true},
					{
						Name:   "クールダウン",
						Value:  fmt.Sprintf("%d秒", sticky.CooldownSeconds),
						Inline: true,
					},
				},
			},
		),
	)
}
