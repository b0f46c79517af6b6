package ephemeralvc

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

const (
	rolePanelTypeButton   = "button"
	rolePanelTypeReaction = "reaction"

	buttonStylePrimary   = "primary"
	buttonStyleSecondary = "secondary"
	buttonStyleSuccess   = "success"
	buttonStyleDanger    = "danger"

	rolePanelActionToggle = "role_toggle"
	rolePanelActionCreate = "rolepanel_create"

	rolePanelInputTitle       = "title"
	rolePanelInputDescription = "description"
	rolePanelDefaultColor     = 0x3498DB

	// rolePanelMaxItems is the platform's limit on distinct reactions
	// per message, which is below the button limit
	rolePanelMaxItems = 20

	msgRolePanelCreated       = "ロールパネルを作成しました！\n`/rolepanel add` でロールを追加してください。"
	msgRolePanelNone          = "このチャンネルにロールパネルがありません。"
	msgRolePanelCreateFirst   = "このチャンネルにロールパネルがありません。\n先に `/rolepanel create` でパネルを作成してください。"
	msgRolePanelNoneInGuild   = "このサーバーにロールパネルはありません。"
	msgRolePanelEmojiUsed     = "絵文字 %s は既に使用されています。"
	msgRolePanelEmojiMissing  = "絵文字 %s のロールが見つかりません。"
	msgRolePanelFull          = "ロールパネルに追加できるロールは最大 %d 個です。"
	msgRolePanelItemAdded     = "ロール %s (%s) を追加しました。"
	msgRolePanelItemRemoved   = "ロール (%s) を削除しました。"
	msgRolePanelDeleted       = "ロールパネルを削除しました。"
	msgRolePanelRoleGranted   = "%s を付与しました。"
	msgRolePanelRoleRevoked   = "%s を解除しました。"
	msgRolePanelRoleForbidden = "権限不足でロールを変更できませんでした。"
	msgRolePanelRoleFailed    = "ロールの変更に失敗しました。"
	msgRolePanelItemGone      = "このロールはパネルから削除されています。"
	msgRolePanelTextChannel   = "テキストチャンネルを指定してください。"
)

var (
	errRolePanelEmojiUsed = errors.New("emoji already used on this panel")

	// customEmojiPattern matches <:name:id> and <a:name:id>
	customEmojiPattern = regexp.MustCompile(`^<(a?):(\w+):(\d+)>$`)

	buttonStyles = map[string]discordgo.ButtonStyle{
		buttonStylePrimary:   discordgo.PrimaryButton,
		buttonStyleSecondary: discordgo.SecondaryButton,
		buttonStyleSuccess:   discordgo.SuccessButton,
		buttonStyleDanger:    discordgo.DangerButton,
	}
)

// RolePanel is a message members use to assign themselves roles, with
// either one button or one reaction per role.
//
//nolint:lll // struct tags can't be split
type RolePanel struct {
	ModelUintID
	ModelUnixTime
	GuildID     string  `json:"guild_id" gorm:"not null;index"`
	ChannelID   string  `json:"channel_id" gorm:"not null;index"`
	MessageID   *string `json:"message_id" gorm:"index"`
	PanelType   string  `json:"panel_type" gorm:"not null"`
	Title       string  `json:"title" gorm:"not null"`
	Description string  `json:"description"`
	Color       *int    `json:"color"`

	// RemoveReaction makes reaction panels toggle the role on each
	// reaction, and remove the member's reaction straight away
	RemoveReaction bool `json:"remove_reaction" gorm:"not null;default:false"`

	Items []RolePanelItem `json:"items,omitempty" gorm:"foreignKey:PanelID;constraint:OnDelete:CASCADE"`
}

//nolint:lll // struct tags can't be split
type RolePanelItem struct {
	ModelUintID
	PanelID  uint   `json:"panel_id" gorm:"not null;uniqueIndex:idx_role_panel_emoji"`
	RoleID   string `json:"role_id" gorm:"not null"`
	Emoji    string `json:"emoji" gorm:"not null;uniqueIndex:idx_role_panel_emoji"`
	Label    string `json:"label"`
	Style    string `json:"style" gorm:"not null;default:secondary"`
	Position int    `json:"position" gorm:"not null;default:0"`
}

func rolePanelByID(ctx context.Context, db *gorm.DB, id uint) (*RolePanel, error) {
	return takeOne[RolePanel](db.WithContext(ctx), "id = ?", id)
}

func rolePanelByMessageID(ctx context.Context, db *gorm.DB, messageID string) (*RolePanel, error) {
	return takeOne[RolePanel](db.WithContext(ctx), "message_id = ?", messageID)
}

// latestRolePanel returns the most recently created panel in the
// channel, which is the one /rolepanel subcommands act on
func latestRolePanel(ctx context.Context, db *gorm.DB, channelID string) (*RolePanel, error) {
	return takeOne[RolePanel](
		db.WithContext(ctx).Order("id desc"),
		"channel_id = ?",
		channelID,
	)
}

func rolePanelsByGuild(ctx context.Context, db *gorm.DB, guildID string) ([]RolePanel, error) {
	var panels []RolePanel
	err := db.WithContext(ctx).
		Preload("Items").
		Where("guild_id = ?", guildID).
		Order("id asc").
		Find(&panels).Error
	return panels, err
}

func rolePanelItems(ctx context.Context, db *gorm.DB, panelID uint) ([]RolePanelItem, error) {
	var items []RolePanelItem
	err := db.WithContext(ctx).
		Where("panel_id = ?", panelID).
		Order("position asc, id asc").
		Find(&items).Error
	return items, err
}

func rolePanelItemByEmoji(
	ctx context.Context,
	db *gorm.DB,
	panelID uint,
	emoji string,
) (*RolePanelItem, error) {
	return takeOne[RolePanelItem](
		db.WithContext(ctx),
		"panel_id = ? AND emoji = ?",
		panelID,
		emoji,
	)
}

// addRolePanelItem appends the item after the panel's existing items
func addRolePanelItem(ctx context.Context, db DBI, item *RolePanelItem) error {
	return db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			existing, err := rolePanelItemByEmoji(ctx, tx, item.PanelID, item.Emoji)
			if err != nil {
				return err
			}
			if existing != nil {
				return errRolePanelEmojiUsed
			}
			var maxPosition *int
			err = tx.Model(&RolePanelItem{}).
				Where("panel_id = ?", item.PanelID).
				Select("MAX(position)").
				Scan(&maxPosition).Error
			if err != nil {
				return err
			}
			item.Position = 0
			if maxPosition != nil {
				item.Position = *maxPosition + 1
			}
			return tx.Create(item).Error
		},
	)
}

func removeRolePanelItem(ctx context.Context, db DBI, panelID uint, emoji string) (bool, error) {
	n, err := db.Delete(ctx, &RolePanelItem{}, "panel_id = ? AND emoji = ?", panelID, emoji)
	return n > 0, err
}

// deleteRolePanel removes the panel and its items
func deleteRolePanel(ctx context.Context, db DBI, panelID uint) error {
	return db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			if err := tx.Where("panel_id = ?", panelID).Delete(&RolePanelItem{}).Error; err != nil {
				return err
			}
			return tx.Delete(&RolePanel{}, panelID).Error
		},
	)
}

// parseEmoji reads a unicode emoji or a custom emoji in message format
func parseEmoji(s string) discordgo.Emoji {
	s = strings.TrimSpace(s)
	if m := customEmojiPattern.FindStringSubmatch(s); m != nil {
		return discordgo.Emoji{Animated: m[1] == "a", Name: m[2], ID: m[3]}
	}
	return discordgo.Emoji{Name: s}
}

// emojiKey is the form an emoji is stored in, matching what members
// type in /rolepanel add
func emojiKey(e discordgo.Emoji) string {
	return e.MessageFormat()
}

func componentEmoji(s string) *discordgo.ComponentEmoji {
	e := parseEmoji(s)
	return &discordgo.ComponentEmoji{Name: e.Name, ID: e.ID, Animated: e.Animated}
}

func rolePanelEmbed(panel *RolePanel, items []RolePanelItem) *discordgo.MessageEmbed {
	color := rolePanelDefaultColor
	if panel.Color != nil {
		color = *panel.Color
	}
	embed := &discordgo.MessageEmbed{
		Title:       panel.Title,
		Description: panel.Description,
		Color:       color,
	}
	if panel.PanelType == rolePanelTypeReaction && len(items) > 0 {
		lines := make([]string, 0, len(items))
		for _, item := range items {
			lines = append(lines, fmt.Sprintf("%s → %s", item.Emoji, roleMention(item.RoleID)))
		}
		embed.Fields = []*discordgo.MessageEmbedField{
			{Name: "ロール一覧", Value: strings.Join(lines, "\n")},
		}
	}
	return embed
}

// rolePanelComponents renders one button per item, five to a row
func rolePanelComponents(panel *RolePanel, items []RolePanelItem) []discordgo.MessageComponent {
	if panel.PanelType != rolePanelTypeButton {
		return []discordgo.MessageComponent{}
	}
	buttons := make([]discordgo.MessageComponent, 0, len(items))
	for _, item := range items {
		style, ok := buttonStyles[item.Style]
		if !ok {
			style = discordgo.SecondaryButton
		}
		buttons = append(
			buttons,
			discordgo.Button{
				Label: item.Label,
				Emoji: componentEmoji(item.Emoji),
				Style: style,
				CustomID: newCustomID(
					rolePanelActionToggle,
					strconv.FormatUint(uint64(panel.ID), 10),
					strconv.FormatUint(uint64(item.ID), 10),
				),
			},
		)
	}
	rows := []discordgo.MessageComponent{}
	for _, chunk := range chunkItems(discordMaxButtonsPerActionRow, buttons...) {
		rows = append(rows, discordgo.ActionsRow{Components: chunk})
	}
	return rows
}

// publishRolePanel posts a panel that has no message yet (created from
// the dashboard, or just created from the modal), and records the
// message ID
func (b *Bot) publishRolePanel(ctx context.Context, panel *RolePanel, items []RolePanelItem) error {
	_, logger := b.getLogger(ctx)
	s := b.discord.session

	msg, err := s.ChannelMessageSendComplex(
		panel.ChannelID,
		&discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{rolePanelEmbed(panel, items)},
			Components: rolePanelComponents(panel, items),
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	if _, err = b.writeDB.Update(ctx, panel, "message_id", msg.ID); err != nil {
		return err
	}
	panel.MessageID = &msg.ID

	if panel.PanelType != rolePanelTypeReaction {
		return nil
	}
	for _, item := range items {
		e := parseEmoji(item.Emoji)
		if err = s.MessageReactionAdd(
			panel.ChannelID,
			msg.ID,
			e.APIName(),
			discordgo.WithContext(ctx),
		); err != nil {
			logger.WarnContext(ctx, "error adding reaction", "emoji", item.Emoji, tint.Err(err))
		}
	}
	return nil
}

// refreshRolePanel re-renders the panel message from its items. Reaction
// panels have their reactions cleared and re-added. A panel that was
// never posted is posted now.
func (b *Bot) refreshRolePanel(ctx context.Context, panel *RolePanel) error {
	_, logger := b.getLogger(ctx)
	s := b.discord.session

	items, err := rolePanelItems(ctx, b.db, panel.ID)
	if err != nil {
		return err
	}
	if panel.MessageID == nil {
		return b.publishRolePanel(ctx, panel, items)
	}
	components := rolePanelComponents(panel, items)
	embeds := []*discordgo.MessageEmbed{rolePanelEmbed(panel, items)}
	_, err = s.ChannelMessageEditComplex(
		&discordgo.MessageEdit{
			ID:         *panel.MessageID,
			Channel:    panel.ChannelID,
			Embeds:     &embeds,
			Components: &components,
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		if isDiscordNotFound(err) {
			logger.WarnContext(ctx, "role panel message not found", "panel_id", panel.ID)
			return nil
		}
		return err
	}

	if panel.PanelType != rolePanelTypeReaction {
		return nil
	}
	err = s.MessageReactionsRemoveAll(panel.ChannelID, *panel.MessageID, discordgo.WithContext(ctx))
	if err != nil {
		logger.WarnContext(ctx, "error clearing role panel reactions", tint.Err(err))
	}
	for _, item := range items {
		e := parseEmoji(item.Emoji)
		err = s.MessageReactionAdd(
			panel.ChannelID,
			*panel.MessageID,
			e.APIName(),
			discordgo.WithContext(ctx),
		)
		if err != nil {
			logger.WarnContext(ctx, "error adding reaction", "emoji", item.Emoji, tint.Err(err))
		}
	}
	return nil
}

func (b *Bot) handleRolePanelCommand(ctx context.Context, handler InteractionHandler) {
	subcommand, options := discordInteractionOptions(handler.GetInteraction())
	switch subcommand {
	case subcommandCreate:
		b.rolePanelCreatePrompt(ctx, handler, options)
	case subcommandAdd:
		b.rolePanelAdd(ctx, handler, options)
	case subcommandRemove:
		b.rolePanelRemove(ctx, handler, options)
	case subcommandDelete:
		b.rolePanelDelete(ctx, handler)
	case subcommandList:
		b.rolePanelList(ctx, handler)
	default:
		respondEphemeral(ctx, handler, msgUnknownAction)
	}
}

// rolePanelCreatePrompt opens the modal asking for the panel's title and
// description. The panel settings ride along in the modal's custom ID.
func (b *Bot) rolePanelCreatePrompt(
	ctx context.Context,
	handler InteractionHandler,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) {
	i := handler.GetInteraction()
	panelType := rolePanelTypeButton
	if opt, ok := options[optionType]; ok {
		panelType = opt.StringValue()
	}
	if panelType != rolePanelTypeButton && panelType != rolePanelTypeReaction {
		respondEphemeral(ctx, handler, msgUnknownAction)
		return
	}
	channelID := i.ChannelID
	if opt, ok := options[optionChannel]; ok {
		ch := opt.ChannelValue(nil)
		if ch == nil || ch.ID == "" {
			respondEphemeral(ctx, handler, msgRolePanelTextChannel)
			return
		}
		channelID = ch.ID
	}
	removeReaction := "0"
	if opt, ok := options[optionRemoveReaction]; ok && opt.BoolValue() {
		removeReaction = "1"
	}

	_ = handler.Respond(
		ctx,
		modalResponse(
			newCustomID(rolePanelActionCreate, panelType, channelID, removeReaction),
			"ロールパネル作成",
			discordgo.TextInput{
				CustomID:    rolePanelInputTitle,
				Label:       "タイトル",
				Style:       discordgo.TextInputShort,
				Placeholder: "例: ロール選択",
				Required:    true,
				MinLength:   1,
				MaxLength:   discordMaxEmbedTitleLength,
			},
			discordgo.TextInput{
				CustomID:    rolePanelInputDescription,
				Label:       "説明文",
				Style:       discordgo.TextInputParagraph,
				Placeholder: "例: 好きなロールを選んでください",
				MaxLength:   discordMaxEmbedDescriptionLength,
			},
		),
	)
}

// rolePanelCreate handles the create modal: the panel row is saved,
// posted, then updated with the posted message's ID
func (b *Bot) rolePanelCreate(ctx context.Context, handler InteractionHandler, args []string) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	if len(args) != 3 {
		respondEphemeral(ctx, handler, msgUnknownAction)
		return
	}
	values := modalValues(i.ModalSubmitData())
	panel := &RolePanel{
		GuildID:        i.GuildID,
		ChannelID:      args[1],
		PanelType:      args[0],
		Title:          strings.TrimSpace(values[rolePanelInputTitle]),
		Description:    strings.TrimSpace(values[rolePanelInputDescription]),
		RemoveReaction: args[2] == "1",
	}
	if panel.Title == "" {
		respondEphemeral(ctx, handler, msgUnknownAction)
		return
	}
	if _, err := b.writeDB.Create(ctx, panel, "Items"); err != nil {
		respondError(ctx, handler, err)
		return
	}

	if err := b.publishRolePanel(ctx, panel, nil); err != nil {
		if delErr := deleteRolePanel(ctx, b.writeDB, panel.ID); delErr != nil {
			logger.ErrorContext(ctx, "error removing unposted role panel", tint.Err(delErr))
		}
		respondError(ctx, handler, err)
		return
	}
	logger.InfoContext(
		ctx,
		"created role panel",
		"panel_id", panel.ID,
		"panel_type", panel.PanelType,
		"message_id", *panel.MessageID,
	)
	respondEphemeral(ctx, handler, msgRolePanelCreated)
}

func (b *Bot) rolePanelAdd(
	ctx context.Context,
	handler InteractionHandler,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) {
	i := handler.GetInteraction()
	panel, err := latestRolePanel(ctx, b.db, i.ChannelID)
	if err != nil {
		respondError(ctx, handler, err)
		return
	}
	if panel == nil {
		respondEphemeral(ctx, handler, msgRolePanelCreateFirst)
		return
	}

	item := &RolePanelItem{PanelID: panel.ID, Style: buttonStyleSecondary}
	if opt, ok := options[optionRole]; ok {
		item.RoleID = opt.RoleValue(nil, i.GuildID).ID
	}
	if opt, ok := options[optionEmoji]; ok {
		item.Emoji = emojiKey(parseEmoji(opt.StringValue()))
	}
	if opt, ok := options[optionLabel]; ok {
		item.Label = opt.StringValue()
	}
	if opt, ok := options[optionStyle]; ok {
		if _, known := buttonStyles[opt.StringValue()]; known {
			item.Style = opt.StringValue()
		}
	}
	if item.RoleID == "" || item.Emoji == "" {
		respondEphemeral(ctx, handler, msgUnknownAction)
		return
	}

	items, err := rolePanelItems(ctx, b.db, panel.ID)
	if err != nil {
		respondError(ctx, handler, err)
		return
	}
	if len(items) >= rolePanelMaxItems {
		respondEphemeral(ctx, handler, fmt.Sprintf(msgRolePanelFull, rolePanelMaxItems))
		return
	}

	err = addRolePanelItem(ctx, b.writeDB, item)
	switch {
	case errors.Is(err, errRolePanelEmojiUsed):
		respondEphemeral(ctx, handler, fmt.Sprintf(msgRolePanelEmojiUsed, item.Emoji))
		return
	case err != nil:
		respondError(ctx, handler, err)
		return
	}
	if err = b.refreshRolePanel(ctx, panel); err != nil {
		handler.Logger().ErrorContext(ctx, "error refreshing role panel", tint.Err(err))
	}
	respondEphemeral(
		ctx,
		handler,
		fmt.Sprintf(msgRolePanelItemAdded, roleMention(item.RoleID), item.Emoji),
	)
}

func (b *Bot) rolePanelRemove(
	ctx context.Context,
	handler InteractionHandler,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) {
	i := handler.GetInteraction()
	panel, err := latestRolePanel(ctx, b.db, i.ChannelID)
	if err != nil {
		respondError(ctx, handler, err)
		return
	}
	if panel == nil {
		respondEphemeral(ctx, handler, msgRolePanelNone)
		return
	}
	var emoji string
	if opt, ok := options[optionEmoji]; ok {
		emoji = emojiKey(parseEmoji(opt.StringValue()))
	}

	removed, err := removeRolePanelItem(ctx, b.writeDB, panel.ID, emoji)
	if err != nil {
		respondError(ctx, handler, err)
		return
	}
	if !removed {
		respondEphemeral(ctx, handler, fmt.Sprintf(msgRolePanelEmojiMissing, emoji))
		return
	}
	if err = b.refreshRolePanel(ctx, panel); err != nil {
		handler.Logger().ErrorContext(ctx, "error refreshing role panel", tint.Err(err))
	}
	respondEphemeral(ctx, handler, fmt.Sprintf(msgRolePanelItemRemoved, emoji))
}

func (b *Bot) rolePanelDelete(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	panel, err := latestRolePanel(ctx, b.db, i.ChannelID)
	if err != nil {
		respondError(ctx, handler, err)
		return
	}
	if panel == nil {
		respondEphemeral(ctx, handler, msgRolePanelNone)
		return
	}
	if panel.MessageID != nil {
		err = b.discord.session.ChannelMessageDelete(
			panel.ChannelID,
			*panel.MessageID,
			discordgo.WithContext(ctx),
		)
		if err = ignoreNotFound(err); err != nil {
			handler.Logger().WarnContext(ctx, "error deleting role panel message", tint.Err(err))
		}
	}
	if err = deleteRolePanel(ctx, b.writeDB, panel.ID); err != nil {
		respondError(ctx, handler, err)
		return
	}
	handler.Logger().InfoContext(ctx, "deleted role panel", "panel_id", panel.ID)
	respondEphemeral(ctx, handler, msgRolePanelDeleted)
}

func (b *Bot) rolePanelList(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	panels, err := rolePanelsByGuild(ctx, b.db, i.GuildID)
	if err != nil {
		respondError(ctx, handler, err)
		return
	}
	if len(panels) == 0 {
		respondEphemeral(ctx, handler, msgRolePanelNoneInGuild)
		return
	}
	embed := &discordgo.MessageEmbed{Title: "ロールパネル一覧", Color: rolePanelDefaultColor}
	for _, p := range panels {
		if len(embed.Fields) == 25 {
			break
		}
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{
				Name:  fmt.Sprintf("%s (%s)", p.Title, p.PanelType),
				Value: fmt.Sprintf("チャンネル: <#%s>\nロール数: %d", p.ChannelID, len(p.Items)),
			},
		)
	}
	_ = handler.Respond(ctx, ephemeralEmbedResponse(embed))
}

func isRolePanelAction(action string) bool {
	return action == rolePanelActionToggle || action == rolePanelActionCreate
}

func (b *Bot) handleRolePanelAction(
	ctx context.Context,
	handler InteractionHandler,
	action string,
	args []string,
) {
	switch action {
	case rolePanelActionCreate:
		b.rolePanelCreate(ctx, handler, args)
	case rolePanelActionToggle:
		b.rolePanelToggle(ctx, handler, args)
	}
}

// rolePanelToggle grants or revokes the pressed button's role. Custom
// IDs are "role_toggle:<panel id>:<item id>".
func (b *Bot) rolePanelToggle(ctx context.Context, handler InteractionHandler, args []string) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	panelID, err := parseUintArg(args, 0)
	if err != nil {
		respondEphemeral(ctx, handler, msgUnknownAction)
		return
	}
	itemID, err := parseUintArg(args, 1)
	if err != nil {
		respondEphemeral(ctx, handler, msgUnknownAction)
		return
	}
	item, err := takeOne[RolePanelItem](
		b.db.WithContext(ctx),
		"id = ? AND panel_id = ?",
		itemID,
		panelID,
	)
	if err != nil {
		respondError(ctx, handler, err)
		return
	}
	if item == nil || i.Member == nil || i.Member.User == nil {
		respondEphemeral(ctx, handler, msgRolePanelItemGone)
		return
	}

	userID := i.Member.User.ID
	has := slices.Contains(i.Member.Roles, item.RoleID)
	s := b.discord.session
	if has {
		err = s.GuildMemberRoleRemove(i.GuildID, userID, item.RoleID, discordgo.WithContext(ctx))
	} else {
		err = s.GuildMemberRoleAdd(i.GuildID, userID, item.RoleID, discordgo.WithContext(ctx))
	}
	switch {
	case isDiscordForbidden(err):
		logger.WarnContext(ctx, "missing permission to change role", "role_id", item.RoleID)
		respondEphemeral(ctx, handler, msgRolePanelRoleForbidden)
		return
	case err != nil:
		logger.ErrorContext(ctx, "error toggling role", tint.Err(err))
		respondEphemeral(ctx, handler, msgRolePanelRoleFailed)
		return
	}

	msg := msgRolePanelRoleGranted
	if has {
		msg = msgRolePanelRoleRevoked
	}
	logger.InfoContext(ctx, "toggled role", "role_id", item.RoleID, "granted", !has)
	respondEphemeral(ctx, handler, fmt.Sprintf(msg, roleMention(item.RoleID)))
}

// reactionPanelItem finds the reaction panel item matching a reaction
// on a panel message
func (b *Bot) reactionPanelItem(
	ctx context.Context,
	r *discordgo.MessageReaction,
) (*RolePanel, *RolePanelItem, error) {
	panel, err := rolePanelByMessageID(ctx, b.db, r.MessageID)
	if err != nil || panel == nil || panel.PanelType != rolePanelTypeReaction {
		return nil, nil, err
	}
	item, err := rolePanelItemByEmoji(ctx, b.db, panel.ID, emojiKey(r.Emoji))
	if err != nil || item == nil {
		return nil, nil, err
	}
	return panel, item, nil
}

// handleReactionAdd grants the role for a reaction panel item. In
// remove_reaction mode it toggles the role instead, and removes the
// member's reaction.
func (b *Bot) handleReactionAdd(ctx context.Context, r *discordgo.MessageReactionAdd) {
	if r == nil || r.MessageReaction == nil || r.GuildID == "" {
		return
	}
	if r.UserID == b.discord.BotUserID() || (r.Member != nil && r.Member.User != nil && r.Member.User.Bot) {
		return
	}
	logger := b.rolePanelLogger.With(
		"guild_id", r.GuildID,
		"message_id", r.MessageID,
		"user_id", r.UserID,
	)
	ctx = WithLogger(ctx, logger)

	panel, item, err := b.reactionPanelItem(ctx, r.MessageReaction)
	if err != nil {
		logger.ErrorContext(ctx, "error looking up role panel", tint.Err(err))
		return
	}
	if item == nil {
		return
	}

	s := b.discord.session
	if !panel.RemoveReaction {
		err = s.GuildMemberRoleAdd(r.GuildID, r.UserID, item.RoleID, discordgo.WithContext(ctx))
		b.logRoleChange(ctx, item, true, err)
		return
	}

	err = s.MessageReactionRemove(
		r.ChannelID,
		r.MessageID,
		r.Emoji.APIName(),
		r.UserID,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.WarnContext(ctx, "error removing member reaction", tint.Err(err))
	}

	member := r.Member
	if member == nil {
		member, err = s.GuildMember(r.GuildID, r.UserID, discordgo.WithContext(ctx))
		if err != nil {
			logger.ErrorContext(ctx, "error fetching member", tint.Err(err))
			return
		}
	}
	if slices.Contains(member.Roles, item.RoleID) {
		err = s.GuildMemberRoleRemove(r.GuildID, r.UserID, item.RoleID, discordgo.WithContext(ctx))
		b.logRoleChange(ctx, item, false, err)
		return
	}
	err = s.GuildMemberRoleAdd(r.GuildID, r.UserID, item.RoleID, discordgo.WithContext(ctx))
	b.logRoleChange(ctx, item, true, err)
}

// handleReactionRemove revokes the role for a reaction panel item.
// Removals in remove_reaction mode are the bot's own cleanup, and are
// ignored.
func (b *Bot) handleReactionRemove(ctx context.Context, r *discordgo.MessageReactionRemove) {
	if r == nil || r.MessageReaction == nil || r.GuildID == "" {
		return
	}
	if r.UserID == b.discord.BotUserID() {
		return
	}
	logger := b.rolePanelLogger.With(
		"guild_id", r.GuildID,
		"message_id", r.MessageID,
		"user_id", r.UserID,
	)
	ctx = WithLogger(ctx, logger)

	panel, item, err := b.reactionPanelItem(ctx, r.MessageReaction)
	if err != nil {
		logger.ErrorContext(ctx, "error looking up role panel", tint.Err(err))
		return
	}
	if item == nil || panel.RemoveReaction {
		return
	}

	s := b.discord.session
	member, err := s.GuildMember(r.GuildID, r.UserID, discordgo.WithContext(ctx))
	if err != nil {
		if !isDiscordNotFound(err) {
			logger.ErrorContext(ctx, "error fetching member", tint.Err(err))
		}
		return
	}
	if member.User != nil && member.User.Bot {
		return
	}
	if !slices.Contains(member.Roles, item.RoleID) {
		return
	}
	err = s.GuildMemberRoleRemove(r.GuildID, r.UserID, item.RoleID, discordgo.WithContext(ctx))
	b.logRoleChange(ctx, item, false, err)
}

func (b *Bot) logRoleChange(ctx context.Context, item *RolePanelItem, granted bool, err error) {
	_, logger := b.getLogger(ctx)
	switch {
	case isDiscordForbidden(err):
		logger.WarnContext(ctx, "missing permission to change role", "role_id", item.RoleID)
	case err != nil:
		logger.ErrorContext(ctx, "error changing role", "role_id", item.RoleID, tint.Err(err))
	default:
		logger.InfoContext(ctx, "changed role via reaction", "role_id", item.RoleID, "granted", granted)
	}
}
