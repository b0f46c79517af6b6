package ephemeralvc

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"slices"
	"strings"
	"time"
)

const (
	bumpServiceDisboard = "DISBOARD"
	bumpServiceDissoku  = "ディス速報"
	bumpTargetRoleName  = "Server Bumper"
	bumpHistoryLimit    = 100

	bumpActionToggle     = "bump_toggle"
	bumpActionRole       = "bump_role"
	bumpActionRoleSelect = "bump_role_select"
	bumpActionRoleReset  = "bump_role_reset"

	bumpColorDetected = 0x2ECC71
	bumpColorReminder = 0x3498DB
	bumpColorDisabled = 0xE67E22
	bumpColorInactive = 0x99AAB5
	bumpFooter        = "Bump リマインダー"

	msgBumpDetectedBy       = "%s さんが **%s** を bump しました！"
	msgBumpDetected         = "**%s** の bump を検知しました！"
	msgBumpNextReminder     = "次の bump リマインドは <t:%d:t>（<t:%d:R>）に %s へ送信します。"
	msgBumpNotifyDisabled   = "通知は現在 **無効** です。"
	msgBumpReminderBody     = "**%s** の bump ができるようになりました！\n\nサーバーを上位に表示させるために bump しましょう。"
	msgBumpToggled          = "**%s** の通知を **%s** にしました。"
	msgBumpChooseRole       = "**%s** の通知先ロールを選択してください。"
	msgBumpRoleChanged      = "通知先ロールを %s に変更しました。"
	msgBumpRoleReset        = "通知先ロールを **" + bumpTargetRoleName + "** (デフォルト) に戻しました。"
	msgBumpNoReminder       = "まだ bump が検知されていないため、通知先ロールを変更できません。"
	msgBumpSetupDescription = "監視チャンネル: <#%s>\n\nDISBOARD (`/bump`) または ディス速報 (`/dissoku up`) の bump 成功を検知し、2時間後にリマインドを送信します。"
	msgBumpRoleGated        = "\n\n**%s** ロールを持つメンバーの bump のみ検知します。"
	msgBumpRecentPending    = "\n\n**📊 直近の bump を検出:**\nサービス: **%s**\n次の bump 可能時刻: <t:%d:t>（<t:%d:R>）\nリマインダーを自動設定しました。"
	msgBumpRecentReady      = "\n\n**📊 直近の bump を検出:**\nサービス: **%s**\n✅ 現在 bump 可能です！"
	msgBumpNotConfigured    = "このサーバーでは bump 監視が設定されていません。\n\n`/bump setup` で設定してください。"
	msgBumpDisabled         = "このサーバーでの bump 監視を無効にしました。"
	msgBumpAlreadyDisabled  = "bump 監視は既に無効になっています。"

	labelBumpDisable    = "通知を無効にする"
	labelBumpEnable     = "通知を有効にする"
	labelBumpChangeRole = "通知ロールを変更"
	labelBumpResetRole  = "デフォルトに戻す"
	placeholderBumpRole = "通知先ロールを選択..."
)

// bumpService describes a server listing bot and how its bump result
// message is recognized
type bumpService struct {
	Name   string
	BotID  string
	Marker string

	// where Marker is searched, besides embed descriptions
	checkEmbedTitle bool
	checkContent    bool
}

var bumpServices = []bumpService{
	{
		Name:   bumpServiceDisboard,
		BotID:  "302050872383242240",
		Marker: "表示順をアップ",
	},
	{
		Name:            bumpServiceDissoku,
		BotID:           "761562078095867916",
		Marker:          "アップ",
		checkEmbedTitle: true,
		checkContent:    true,
	},
}

func bumpServiceForAuthor(authorID string) *bumpService {
	for i := range bumpServices {
		if bumpServices[i].BotID == authorID {
			return &bumpServices[i]
		}
	}
	return nil
}

// detect reports whether m is this service's bump success message
func (s bumpService) detect(m *discordgo.Message) bool {
	if m == nil || m.Author == nil || m.Author.ID != s.BotID {
		return false
	}
	for _, e := range m.Embeds {
		if e == nil {
			continue
		}
		if strings.Contains(e.Description, s.Marker) {
			return true
		}
		if s.checkEmbedTitle && strings.Contains(e.Title, s.Marker) {
			return true
		}
	}
	return s.checkContent && strings.Contains(m.Content, s.Marker)
}

// detectBumpService returns the name of the service m reports a bump
// for, or an empty string
func detectBumpService(m *discordgo.Message) string {
	if m == nil || m.Author == nil {
		return ""
	}
	svc := bumpServiceForAuthor(m.Author.ID)
	if svc == nil || !svc.detect(m) {
		return ""
	}
	return svc.Name
}

// bumpUserID returns the user who ran the bump slash command, from the
// interaction the result message replies to
func bumpUserID(m *discordgo.Message) string {
	if m == nil || m.Interaction == nil {
		return ""
	}
	if m.Interaction.Member != nil && m.Interaction.Member.User != nil {
		return m.Interaction.Member.User.ID
	}
	if m.Interaction.User != nil {
		return m.Interaction.User.ID
	}
	return ""
}

// handleBumpMessage schedules a reminder when a listing bot reports a
// successful bump in the guild's watched channel
func (b *Bot) handleBumpMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.GuildID == "" || m.Author == nil {
		return
	}
	if bumpServiceForAuthor(m.Author.ID) == nil {
		return
	}
	logger := b.bumpLogger.With(
		"guild_id", m.GuildID,
		"channel_id", m.ChannelID,
		"message_id", m.ID,
	)
	ctx = WithLogger(ctx, logger)

	cfg, err := bumpConfigByGuildID(ctx, b.db, m.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error looking up bump config", tint.Err(err))
		return
	}
	if cfg == nil || cfg.ChannelID != m.ChannelID {
		return
	}

	serviceName := detectBumpService(m.Message)
	if serviceName == "" {
		return
	}
	logger = logger.With("service", serviceName)

	userID := bumpUserID(m.Message)
	if userID == "" {
		logger.DebugContext(ctx, "bump user unresolved, skipping role check")
	} else if cfg.RoleGated {
		existing, lookupErr := bumpReminderFor(ctx, b.db, m.GuildID, serviceName)
		if lookupErr != nil {
			logger.ErrorContext(ctx, "error looking up reminder", tint.Err(lookupErr))
			return
		}
		var customRole *string
		if existing != nil {
			customRole = existing.RoleID
		}
		allowed, roleErr := b.hasBumpRole(ctx, m.GuildID, userID, customRole)
		if roleErr != nil {
			logger.ErrorContext(ctx, "error checking bump role", tint.Err(roleErr))
			return
		}
		if !allowed {
			logger.InfoContext(
				ctx,
				"bump user lacks reminder role, not scheduling",
				"user_id", userID,
			)
			return
		}
	}

	remindAt := b.clock.Now().Add(b.config.Bump.ReminderDelay)
	reminder, err := upsertBumpReminder(
		ctx,
		b.writeDB,
		m.GuildID,
		m.ChannelID,
		serviceName,
		remindAt.UnixMilli(),
	)
	if err != nil {
		logger.ErrorContext(ctx, "error saving bump reminder", tint.Err(err))
		return
	}
	logger.InfoContext(
		ctx,
		"bump detected",
		"user_id", userID,
		"remind_at", remindAt,
		"is_enabled", reminder.IsEnabled,
	)

	target := b.bumpTarget(ctx, reminder)
	_, err = b.discord.session.ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{
				b.bumpDetectedEmbed(reminder, userID, remindAt, target),
			},
			Components:      bumpReminderComponents(reminder),
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.WarnContext(ctx, "error sending bump detection notice", tint.Err(err))
	}
}

// hasBumpRole reports whether the member holds customRoleID, when set,
// or the role named bumpTargetRoleName
func (b *Bot) hasBumpRole(
	ctx context.Context,
	guildID string,
	userID string,
	customRoleID *string,
) (bool, error) {
	s := b.discord.session
	member, err := s.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		if isDiscordNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if customRoleID != nil && slices.Contains(member.Roles, *customRoleID) {
		return true, nil
	}
	roles, err := s.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		if r.Name == bumpTargetRoleName && slices.Contains(member.Roles, r.ID) {
			return true, nil
		}
	}
	return false, nil
}

// bumpTarget returns the mention used for a reminder: its custom role if
// that still exists, else the guild's "Server Bumper" role, else @here
func (b *Bot) bumpTarget(ctx context.Context, reminder *BumpReminder) string {
	_, logger := b.getLogger(ctx)
	roles, err := b.discord.session.GuildRoles(reminder.GuildID, discordgo.WithContext(ctx))
	if err != nil {
		logger.WarnContext(ctx, "error fetching guild roles", tint.Err(err))
		return "@here"
	}
	if reminder.RoleID != nil {
		for _, r := range roles {
			if r.ID == *reminder.RoleID {
				return roleMention(r.ID)
			}
		}
		logger.WarnContext(ctx, "custom bump role not found", "role_id", *reminder.RoleID)
	}
	for _, r := range roles {
		if r.Name == bumpTargetRoleName {
			return roleMention(r.ID)
		}
	}
	logger.WarnContext(ctx, "bump role not found, using @here", "role", bumpTargetRoleName)
	return "@here"
}

func (b *Bot) bumpDetectedEmbed(
	reminder *BumpReminder,
	userID string,
	remindAt time.Time,
	target string,
) *discordgo.MessageEmbed {
	var desc string
	if userID != "" {
		desc = fmt.Sprintf(msgBumpDetectedBy, mention(userID), reminder.ServiceName)
	} else {
		desc = fmt.Sprintf(msgBumpDetected, reminder.ServiceName)
	}
	if reminder.IsEnabled {
		ts := remindAt.Unix()
		desc += "\n\n" + fmt.Sprintf(msgBumpNextReminder, ts, ts, target)
	} else {
		desc += "\n\n" + msgBumpNotifyDisabled
	}
	return &discordgo.MessageEmbed{
		Title:       "Bump 検知",
		Description: desc,
		Color:       bumpColorDetected,
		Timestamp:   b.clock.Now().Format(time.RFC3339),
		Footer:      &discordgo.MessageEmbedFooter{Text: reminder.ServiceName},
	}
}

func (b *Bot) bumpReminderEmbed(serviceName string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Bump リマインダー",
		Description: fmt.Sprintf(msgBumpReminderBody, serviceName),
		Color:       bumpColorReminder,
		Timestamp:   b.clock.Now().Format(time.RFC3339),
		Footer:      &discordgo.MessageEmbedFooter{Text: serviceName},
	}
}

// bumpReminderComponents are the toggle and role buttons attached to
// detection notices and reminders
func bumpReminderComponents(reminder *BumpReminder) []discordgo.MessageComponent {
	toggle := discordgo.Button{
		Label:    labelBumpDisable,
		Style:    discordgo.SecondaryButton,
		CustomID: newCustomID(bumpActionToggle, reminder.GuildID, reminder.ServiceName),
	}
	if !reminder.IsEnabled {
		toggle.Label = labelBumpEnable
		toggle.Style = discordgo.SuccessButton
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				toggle,
				discordgo.Button{
					Label:    labelBumpChangeRole,
					Style:    discordgo.PrimaryButton,
					CustomID: newCustomID(bumpActionRole, reminder.GuildID, reminder.ServiceName),
				},
			},
		},
	}
}

// pollBumpReminders delivers every due reminder. A reminder is only
// cleared once sent, so a failed send is retried on the next poll.
// Disabled reminders are cleared without sending, and a deleted channel
// counts as delivered.
func (b *Bot) pollBumpReminders(ctx context.Context) (delivered int) {
	logger := b.bumpLogger
	ctx = WithLogger(ctx, logger)

	defer func() {
		if rc := recover(); rc != nil {
			b.handleRecover(ctx, rc)
		}
	}()

	if b.paused.Load() {
		logger.DebugContext(ctx, "paused, skipping reminder poll")
		return 0
	}

	due, err := dueBumpReminders(ctx, b.db, nowMilli(b.clock))
	if err != nil {
		logger.ErrorContext(ctx, "error fetching due reminders", tint.Err(err))
		return 0
	}

	for i := range due {
		reminder := &due[i]
		rlog := logger.With(
			"reminder_id", reminder.ID,
			"guild_id", reminder.GuildID,
			"service", reminder.ServiceName,
		)
		if reminder.IsEnabled {
			if err = b.sendBumpReminder(WithLogger(ctx, rlog), reminder); err != nil {
				if !isDiscordNotFound(err) {
					rlog.ErrorContext(ctx, "error sending reminder, will retry", tint.Err(err))
					continue
				}
				rlog.WarnContext(ctx, "reminder channel not found, dropping reminder")
			} else {
				delivered++
				rlog.InfoContext(ctx, "sent bump reminder")
			}
		} else {
			rlog.DebugContext(ctx, "reminder disabled, clearing")
		}

		cleared, clearErr := clearBumpReminder(ctx, b.writeDB, reminder.ID, *reminder.RemindAt)
		switch {
		case clearErr != nil:
			rlog.ErrorContext(ctx, "error clearing reminder", tint.Err(clearErr))
		case !cleared:
			rlog.InfoContext(ctx, "reminder rescheduled during delivery, keeping new due time")
		}
	}
	return delivered
}

func (b *Bot) sendBumpReminder(ctx context.Context, reminder *BumpReminder) error {
	target := b.bumpTarget(ctx, reminder)
	_, err := b.discord.session.ChannelMessageSendComplex(
		reminder.ChannelID,
		&discordgo.MessageSend{
			Content:    target,
			Embeds:     []*discordgo.MessageEmbed{b.bumpReminderEmbed(reminder.ServiceName)},
			Components: bumpReminderComponents(reminder),
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Parse: []discordgo.AllowedMentionType{
					discordgo.AllowedMentionTypeRoles,
					discordgo.AllowedMentionTypeEveryone,
				},
			},
		},
		discordgo.WithContext(ctx),
	)
	return err
}

// scheduleBumpPoll registers the reminder poll with the bot's scheduler
func (b *Bot) scheduleBumpPoll(ctx context.Context) error {
	_, err := b.scheduler.Every(b.config.Bump.PollInterval).
		SingletonMode().
		Do(func() { b.pollBumpReminders(ctx) })
	if err != nil {
		return fmt.Errorf("error scheduling bump reminder poll: %w", err)
	}
	return nil
}

func (b *Bot) handleBumpCommand(ctx context.Context, handler InteractionHandler) {
	subcommand, options := discordInteractionOptions(handler.GetInteraction())
	switch subcommand {
	case subcommandSetup:
		roleGated := true
		if opt, ok := options[optionRoleGated]; ok {
			roleGated = opt.BoolValue()
		}
		b.bumpSetup(ctx, handler, roleGated)
	case subcommandStatus:
		b.bumpStatus(ctx, handler)
	case subcommandDisable:
		b.bumpDisable(ctx, handler)
	default:
		respondEphemeral(ctx, handler, msgUnknownAction)
	}
}

// bumpSetup watches the current channel, and backfills a reminder from
// the most recent bump found in its history
func (b *Bot) bumpSetup(ctx context.Context, handler InteractionHandler, roleGated bool) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	cfg := &BumpConfig{GuildID: i.GuildID, ChannelID: i.ChannelID, RoleGated: roleGated}
	if err := upsertBumpConfig(ctx, b.writeDB, cfg); err != nil {
		respondError(ctx, handler, err)
		return
	}
	logger.InfoContext(ctx, "bump monitoring enabled", "role_gated", roleGated)

	desc := fmt.Sprintf(msgBumpSetupDescription, i.ChannelID)
	if roleGated {
		desc += fmt.Sprintf(msgBumpRoleGated, bumpTargetRoleName)
	}

	serviceName, bumpedAt, found := b.findRecentBump(ctx, i.ChannelID)
	if found {
		remindAt := bumpedAt.Add(b.config.Bump.ReminderDelay)
		if remindAt.After(b.clock.Now()) {
			_, err := upsertBumpReminder(
				ctx,
				b.writeDB,
				i.GuildID,
				i.ChannelID,
				serviceName,
				remindAt.UnixMilli(),
			)
			if err != nil {
				logger.ErrorContext(ctx, "error backfilling reminder", tint.Err(err))
			} else {
				ts := remindAt.Unix()
				desc += fmt.Sprintf(msgBumpRecentPending, serviceName, ts, ts)
			}
		} else {
			desc += fmt.Sprintf(msgBumpRecentReady, serviceName)
		}
	}

	_ = handler.Respond(
		ctx,
		ephemeralEmbedResponse(
			&discordgo.MessageEmbed{
				Title:       "Bump 監視を開始しました",
				Description: desc,
				Color:       bumpColorDetected,
				Timestamp:   b.clock.Now().Format(time.RFC3339),
				Footer:      &discordgo.MessageEmbedFooter{Text: bumpFooter},
			},
		),
	)
}

// findRecentBump scans the channel's latest messages, newest first, for
// a bump success from either service
func (b *Bot) findRecentBump(ctx context.Context, channelID string) (
	serviceName string,
	bumpedAt time.Time,
	found bool,
) {
	_, logger := b.getLogger(ctx)
	messages, err := b.discord.session.ChannelMessages(
		channelID,
		bumpHistoryLimit,
		"",
		"",
		"",
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.WarnContext(ctx, "error reading channel history", tint.Err(err))
		return "", time.Time{}, false
	}
	for _, m := range messages {
		if name := detectBumpService(m); name != "" {
			return name, m.Timestamp, true
		}
	}
	return "", time.Time{}, false
}

func (b *Bot) bumpStatus(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	cfg, err := bumpConfigByGuildID(ctx, b.db, i.GuildID)
	if err != nil {
		respondError(ctx, handler, err)
		return
	}
	if cfg == nil {
		_ = handler.Respond(
			ctx,
			ephemeralEmbedResponse(
				&discordgo.MessageEmbed{
					Title:       "Bump 監視設定",
					Description: msgBumpNotConfigured,
					Color:       bumpColorInactive,
					Footer:      &discordgo.MessageEmbedFooter{Text: bumpFooter},
				},
			),
		)
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "**監視チャンネル:** <#%s>\n", cfg.ChannelID)
	fmt.Fprintf(&sb, "**設定日時:** <t:%d:F>\n", cfg.CreatedAt/1000)
	gated := "無効"
	if cfg.RoleGated {
		gated = "有効"
	}
	fmt.Fprintf(&sb, "**ロール制限:** %s\n", gated)

	for _, svc := range bumpServices {
		reminder, lookupErr := bumpReminderFor(ctx, b.db, i.GuildID, svc.Name)
		if lookupErr != nil {
			respondError(ctx, handler, lookupErr)
			return
		}
		sb.WriteString("\n" + bumpReminderStatusLine(svc.Name, reminder))
	}

	_ = handler.Respond(
		ctx,
		ephemeralEmbedResponse(
			&discordgo.MessageEmbed{
				Title:       "Bump 監視設定",
				Description: sb.String(),
				Color:       bumpColorReminder,
				Footer:      &discordgo.MessageEmbedFooter{Text: bumpFooter},
			},
		),
	)
}

func bumpReminderStatusLine(serviceName string, reminder *BumpReminder) string {
	if reminder == nil {
		return fmt.Sprintf("**%s:** 未検知", serviceName)
	}
	state := "通知有効"
	if !reminder.IsEnabled {
		state = "通知無効"
	}
	role := bumpTargetRoleName
	if reminder.RoleID != nil {
		role = roleMention(*reminder.RoleID)
	}
	next := "なし"
	if reminder.RemindAt != nil {
		next = fmt.Sprintf("<t:%d:R>", *reminder.RemindAt/1000)
	}
	return fmt.Sprintf("**%s:** %s / 通知先 %s / 次回 %s", serviceName, state, role, next)
}

func (b *Bot) bumpDisable(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	err := deleteBumpConfig(ctx, b.writeDB, i.GuildID)
	switch {
	case errors.Is(err, errNoBumpConfig):
		_ = handler.Respond(
			ctx,
			ephemeralEmbedResponse(
				&discordgo.MessageEmbed{
					Title:       "Bump 監視",
					Description: msgBumpAlreadyDisabled,
					Color:       bumpColorInactive,
					Footer:      &discordgo.MessageEmbedFooter{Text: bumpFooter},
				},
			),
		)
	case err != nil:
		respondError(ctx, handler, err)
	default:
		handler.Logger().InfoContext(ctx, "bump monitoring disabled")
		_ = handler.Respond(
			ctx,
			ephemeralEmbedResponse(
				&discordgo.MessageEmbed{
					Title:       "Bump 監視を停止しました",
					Description: msgBumpDisabled,
					Color:       bumpColorDisabled,
					Timestamp:   b.clock.Now().Format(time.RFC3339),
					Footer:      &discordgo.MessageEmbedFooter{Text: bumpFooter},
				},
			),
		)
	}
}

func isBumpAction(action string) bool {
	switch action {
	case bumpActionToggle, bumpActionRole, bumpActionRoleSelect, bumpActionRoleReset:
		return true
	}
	return false
}

// handleBumpAction handles the reminder buttons and the role select.
// Custom IDs are "<action>:<guild id>:<service>".
func (b *Bot) handleBumpAction(
	ctx context.Context,
	handler InteractionHandler,
	action string,
	args []string,
) {
	i := handler.GetInteraction()
	if len(args) != 2 || args[0] != i.GuildID {
		respondEphemeral(ctx, handler, msgUnknownAction)
		return
	}
	guildID, serviceName := args[0], args[1]
	logger := handler.Logger().With("service", serviceName)

	switch action {
	case bumpActionToggle:
		enabled, err := toggleBumpReminder(ctx, b.writeDB, guildID, serviceName)
		if err != nil {
			respondError(ctx, handler, err)
			return
		}
		logger.InfoContext(ctx, "bump notification toggled", "enabled", enabled)
		reminder := &BumpReminder{GuildID: guildID, ServiceName: serviceName, IsEnabled: enabled}
		err = handler.Respond(
			ctx,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseUpdateMessage,
				Data: &discordgo.InteractionResponseData{
					Components: bumpReminderComponents(reminder),
				},
			},
		)
		if err != nil {
			return
		}
		state := "無効"
		if enabled {
			state = "有効"
		}
		_, _ = handler.Followup(
			ctx,
			&discordgo.WebhookParams{
				Content: fmt.Sprintf(msgBumpToggled, serviceName, state),
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		)
	case bumpActionRole:
		_ = handler.Respond(
			ctx,
			ephemeralComponentResponse(
				fmt.Sprintf(msgBumpChooseRole, serviceName),
				bumpRoleSelect(guildID, serviceName)...,
			),
		)
	case bumpActionRoleSelect:
		values := i.MessageComponentData().Values
		if len(values) == 0 {
			respondEphemeral(ctx, handler, msgUnknownAction)
			return
		}
		b.setBumpRole(ctx, handler, guildID, serviceName, &values[0])
	case bumpActionRoleReset:
		b.setBumpRole(ctx, handler, guildID, serviceName, nil)
	}
}

func bumpRoleSelect(guildID, serviceName string) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.SelectMenu{
					MenuType:    discordgo.RoleSelectMenu,
					CustomID:    newCustomID(bumpActionRoleSelect, guildID, serviceName),
					Placeholder: placeholderBumpRole,
					MinValues:   ptr(1),
					MaxValues:   1,
				},
			},
		},
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    labelBumpResetRole,
					Style:    discordgo.SecondaryButton,
					CustomID: newCustomID(bumpActionRoleReset, guildID, serviceName),
				},
			},
		},
	}
}

func (b *Bot) setBumpRole(
	ctx context.Context,
	handler InteractionHandler,
	guildID string,
	serviceName string,
	roleID *string,
) {
	updated, err := setBumpReminderRole(ctx, b.writeDB, guildID, serviceName, roleID)
	if err != nil {
		respondError(ctx, handler, err)
		return
	}
	if !updated {
		_ = handler.Respond(ctx, updateMessageResponse(msgBumpNoReminder))
		return
	}
	handler.Logger().InfoContext(
		ctx,
		"bump notification role changed",
		"role_id", stringPointerValue(roleID),
	)
	msg := msgBumpRoleReset
	if roleID != nil {
		msg = fmt.Sprintf(msgBumpRoleChanged, roleMention(*roleID))
	}
	_ = handler.Respond(ctx, updateMessageResponse(msg))
}
