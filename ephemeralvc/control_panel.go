package ephemeralvc

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"net/http"
	"strconv"
	"strings"
)

const (
	panelActionRename      = "vc_rename"
	panelActionLimit       = "vc_limit"
	panelActionBitrate     = "vc_bitrate"
	panelActionRegion      = "vc_region"
	panelActionLock        = "vc_lock"
	panelActionHide        = "vc_hide"
	panelActionNSFW        = "vc_nsfw"
	panelActionTransfer    = "vc_transfer"
	panelActionKick        = "vc_kick"
	panelActionBlock       = "vc_block"
	panelActionAllow       = "vc_allow"
	panelActionCameraDeny  = "vc_camera_deny"
	panelActionCameraAllow = "vc_camera_allow"

	panelInputName  = "name"
	panelInputLimit = "limit"

	panelEmbedColor = 0x3498DB

	msgSessionNotFound     = "セッションが見つかりません。"
	msgOwnerOnly           = "チャンネルオーナーのみ操作できます。"
	msgInvalidChannelName  = "無効なチャンネル名です。"
	msgInvalidNumber       = "有効な数字を入力してください。"
	msgInvalidUserLimit    = "無効な人数制限です。0〜99の範囲で入力してください。"
	msgRenamed             = "チャンネル名を **%s** に変更しました。"
	msgUserLimitSet        = "人数制限を **%s** に設定しました。"
	msgBitrateSet          = "ビットレートを **%d kbps** に変更しました。"
	msgBitrateUnavailable  = "このサーバーのブーストレベルでは利用できないビットレートです。"
	msgRegionSet           = "リージョンを **%s** に変更しました。"
	msgLockToggled         = "チャンネルを **%s** しました。"
	msgHideToggled         = "チャンネルを **%s** にしました。"
	msgNSFWToggled         = "チャンネルの **%s** しました。"
	msgNoOtherMembers      = "他にメンバーがいません。"
	msgMemberNotFound      = "メンバーが見つかりません。"
	msgTransferred         = "%s にオーナーを譲渡しました。"
	msgNotInChannel        = "%s はこのチャンネルにいません。"
	msgKicked              = "%s をキックしました。"
	msgBlocked             = "%s をブロックしました。"
	msgAllowed             = "%s を許可しました。"
	msgCameraDenied        = "%s のカメラ配信を禁止しました。"
	msgCameraAllowed       = "%s のカメラ配信を許可しました。"
	labelUnlimited         = "無制限"
	labelLocked            = "ロック中"
	labelUnlocked          = "未ロック"
	promptBitrate          = "ビットレートを選択:"
	promptRegion           = "リージョンを選択:"
	promptTransfer         = "新しいオーナーを選択:"
	promptKick             = "キックするユーザーを選択:"
	promptBlock            = "ブロックするユーザーを選択:"
	promptAllow            = "許可するユーザーを選択:"
	promptCameraDeny       = "カメラ配信を禁止するユーザーを選択:"
	promptCameraAllow      = "カメラ配信を許可するユーザーを選択:"
	placeholderUserSelect  = "ユーザーを選択..."
	placeholderTransfer    = "新しいオーナーを選択..."
	placeholderBitrate     = "ビットレートを選択..."
	placeholderRegion      = "リージョンを選択..."
	placeholderChannelName = "チャンネル名を入力..."
	placeholderUserLimit   = "0〜99の数字を入力..."
)

var panelActions = map[string]struct{}{
	panelActionRename:      {},
	panelActionLimit:       {},
	panelActionBitrate:     {},
	panelActionRegion:      {},
	panelActionLock:        {},
	panelActionHide:        {},
	panelActionNSFW:        {},
	panelActionTransfer:    {},
	panelActionKick:        {},
	panelActionBlock:       {},
	panelActionAllow:       {},
	panelActionCameraDeny:  {},
	panelActionCameraAllow: {},
}

func isPanelAction(action string) bool {
	_, ok := panelActions[action]
	return ok
}

// userSelectPrompts maps the actions which target a single user to the
// prompt shown with their user select
var userSelectPrompts = map[string]string{
	panelActionKick:        promptKick,
	panelActionBlock:       promptBlock,
	panelActionAllow:       promptAllow,
	panelActionCameraDeny:  promptCameraDeny,
	panelActionCameraAllow: promptCameraAllow,
}

// isSubmission reports whether the interaction carries the owner's
// choice (a modal submit or a select), rather than a button press
// asking for the modal or select to be shown.
func isSubmission(i *discordgo.InteractionCreate) bool {
	switch i.Type {
	case discordgo.InteractionModalSubmit:
		return true
	case discordgo.InteractionMessageComponent:
		return i.MessageComponentData().ComponentType != discordgo.ButtonComponent
	default:
		return false
	}
}

// handlePanelAction dispatches a control panel interaction. Every
// action is rejected unless the requester owns the session, and the
// platform call runs before the DB is written.
func (b *Bot) handlePanelAction(
	ctx context.Context,
	handler InteractionHandler,
	action string,
	args []string,
) {
	i := handler.GetInteraction()
	unlock := b.voiceLocks.Lock(i.GuildID)
	defer unlock()

	session, err := b.sessionForAction(ctx, handler, args)
	if err != nil {
		handler.Logger().InfoContext(ctx, "rejected panel action", tint.Err(err))
		return
	}
	logger := handler.Logger().With("session_id", session.ID, "action", action)
	ctx = WithLogger(ctx, logger)

	submitted := isSubmission(i)

	switch action {
	case panelActionRename:
		if !submitted {
			_ = handler.Respond(ctx, renameModal(session))
			return
		}
		b.panelRename(ctx, handler, session)
	case panelActionLimit:
		if !submitted {
			_ = handler.Respond(ctx, userLimitModal(session))
			return
		}
		b.panelUserLimit(ctx, handler, session)
	case panelActionBitrate:
		if !submitted {
			_ = handler.Respond(
				ctx,
				ephemeralComponentResponse(promptBitrate, bitrateSelect(session)),
			)
			return
		}
		b.panelBitrate(ctx, handler, session)
	case panelActionRegion:
		if !submitted {
			_ = handler.Respond(
				ctx,
				ephemeralComponentResponse(promptRegion, regionSelect(session)),
			)
			return
		}
		b.panelRegion(ctx, handler, session)
	case panelActionLock:
		b.panelToggleLock(ctx, handler, session)
	case panelActionHide:
		b.panelToggleHide(ctx, handler, session)
	case panelActionNSFW:
		b.panelToggleNSFW(ctx, handler, session)
	case panelActionTransfer:
		if !submitted {
			b.promptTransfer(ctx, handler, session)
			return
		}
		b.panelTransfer(ctx, handler, session)
	default:
		prompt := userSelectPrompts[action]
		if !submitted {
			_ = handler.Respond(
				ctx,
				ephemeralComponentResponse(prompt, userSelect(action, session)),
			)
			return
		}
		b.panelUserAction(ctx, handler, session, action)
	}
}

func renameModal(session *VoiceSession) *discordgo.InteractionResponse {
	return modalResponse(
		sessionCustomID(panelActionRename, session),
		"チャンネル名変更",
		discordgo.TextInput{
			CustomID:    panelInputName,
			Label:       "新しいチャンネル名",
			Style:       discordgo.TextInputShort,
			Placeholder: placeholderChannelName,
			Value:       session.Name,
			Required:    true,
			MinLength:   minChannelNameLength,
			MaxLength:   maxChannelNameLength,
		},
	)
}

func userLimitModal(session *VoiceSession) *discordgo.InteractionResponse {
	return modalResponse(
		sessionCustomID(panelActionLimit, session),
		"人数制限変更",
		discordgo.TextInput{
			CustomID:    panelInputLimit,
			Label:       "人数制限 (0〜99、0 = 無制限)",
			Style:       discordgo.TextInputShort,
			Placeholder: placeholderUserLimit,
			Required:    true,
			MinLength:   1,
			MaxLength:   2,
		},
	)
}

func sessionCustomID(action string, session *VoiceSession) string {
	return newCustomID(action, strconv.FormatUint(uint64(session.ID), 10))
}

func bitrateSelect(session *VoiceSession) discordgo.ActionsRow {
	options := make([]discordgo.SelectMenuOption, 0, len(validBitratesKbps))
	for _, kbps := range validBitratesKbps {
		options = append(
			options,
			discordgo.SelectMenuOption{
				Label:   fmt.Sprintf("%d kbps", kbps),
				Value:   strconv.Itoa(kbps),
				Default: session.Bitrate != nil && *session.Bitrate == kbps*bitrateKbpsToBps,
			},
		)
	}
	return discordgo.ActionsRow{
		Components: []discordgo.MessageComponent{
			discordgo.SelectMenu{
				MenuType:    discordgo.StringSelectMenu,
				CustomID:    sessionCustomID(panelActionBitrate, session),
				Placeholder: placeholderBitrate,
				Options:     options,
			},
		},
	}
}

func regionSelect(session *VoiceSession) discordgo.ActionsRow {
	current := regionAuto
	if session.RTCRegion != nil {
		current = *session.RTCRegion
	}
	options := make([]discordgo.SelectMenuOption, 0, len(validRegions))
	for _, r := range validRegions {
		options = append(
			options,
			discordgo.SelectMenuOption{
				Label:   r.Label,
				Value:   r.Value,
				Default: r.Value == current,
			},
		)
	}
	return discordgo.ActionsRow{
		Components: []discordgo.MessageComponent{
			discordgo.SelectMenu{
				MenuType:    discordgo.StringSelectMenu,
				CustomID:    sessionCustomID(panelActionRegion, session),
				Placeholder: placeholderRegion,
				Options:     options,
			},
		},
	}
}

func userSelect(action string, session *VoiceSession) discordgo.ActionsRow {
	return discordgo.ActionsRow{
		Components: []discordgo.MessageComponent{
			discordgo.SelectMenu{
				MenuType:    discordgo.UserSelectMenu,
				CustomID:    sessionCustomID(action, session),
				Placeholder: placeholderUserSelect,
				MaxValues:   1,
			},
		},
	}
}

func (b *Bot) panelRename(
	ctx context.Context,
	handler InteractionHandler,
	session *VoiceSession,
) {
	i := handler.GetInteraction()
	name := strings.TrimSpace(modalValues(i.ModalSubmitData())[panelInputName])
	if err := validateChannelName(name); err != nil {
		respondEphemeral(ctx, handler, msgInvalidChannelName)
		return
	}

	if _, err := b.discord.session.ChannelEditFields(
		session.ChannelID,
		map[string]any{"name": name},
		discordgo.WithContext(ctx),
	); err != nil {
		respondError(ctx, handler, err)
		return
	}
	if _, err := b.writeDB.Update(ctx, session, columnVoiceSessionName, name); err != nil {
		respondError(ctx, handler, err)
		return
	}
	session.Name = name

	respondEphemeral(ctx, handler, fmt.Sprintf(msgRenamed, name))
	b.refreshPanel(ctx, session)
}

func (b *Bot) panelUserLimit(
	ctx context.Context,
	handler InteractionHandler,
	session *VoiceSession,
) {
	i := handler.GetInteraction()
	limit, err := parseUserLimit(modalValues(i.ModalSubmitData())[panelInputLimit])
	switch {
	case errors.Is(err, errUserLimitNaN):
		respondEphemeral(ctx, handler, msgInvalidNumber)
		return
	case err != nil:
		respondEphemeral(ctx, handler, msgInvalidUserLimit)
		return
	}

	if _, err = b.discord.session.ChannelEditFields(
		session.ChannelID,
		map[string]any{"user_limit": limit},
		discordgo.WithContext(ctx),
	); err != nil {
		respondError(ctx, handler, err)
		return
	}
	if _, err = b.writeDB.Update(
		ctx,
		session,
		columnVoiceSessionUserLimit,
		limit,
	); err != nil {
		respondError(ctx, handler, err)
		return
	}
	session.UserLimit = limit

	respondEphemeral(ctx, handler, fmt.Sprintf(msgUserLimitSet, userLimitLabel(limit)))
	b.refreshPanel(ctx, session)
}

func (b *Bot) panelBitrate(
	ctx context.Context,
	handler InteractionHandler,
	session *VoiceSession,
) {
	values := handler.GetInteraction().MessageComponentData().Values
	if len(values) == 0 {
		respondEphemeral(ctx, handler, msgUnknownAction)
		return
	}
	kbps, err := strconv.Atoi(values[0])
	if err != nil {
		respondEphemeral(ctx, handler, msgUnknownAction)
		return
	}
	bps, err := validateBitrate(kbps)
	if err != nil {
		respondEphemeral(ctx, handler, msgUnknownAction)
		return
	}

	if _, err = b.discord.session.ChannelEditFields(
		session.ChannelID,
		map[string]any{"bitrate": bps},
		discordgo.WithContext(ctx),
	); err != nil {
		if discordStatusCode(err) == http.StatusBadRequest {
			_ = handler.Respond(ctx, updateMessageResponse(msgBitrateUnavailable))
			return
		}
		respondError(ctx, handler, err)
		return
	}
	if _, err = b.writeDB.Update(ctx, session, columnVoiceSessionBitrate, bps); err != nil {
		respondError(ctx, handler, err)
		return
	}
	session.Bitrate = &bps

	_ = handler.Respond(ctx, updateMessageResponse(fmt.Sprintf(msgBitrateSet, kbps)))
	b.refreshPanel(ctx, session)
}

func (b *Bot) panelRegion(
	ctx context.Context,
	handler InteractionHandler,
	session *VoiceSession,
) {
	values := handler.GetInteraction().MessageComponentData().Values
	if len(values) == 0 {
		respondEphemeral(ctx, handler, msgUnknownAction)
		return
	}
	region, err := validateRegion(values[0])
	if err != nil {
		respondEphemeral(ctx, handler, msgUnknownAction)
		return
	}

	// nil is sent as JSON null, which restores automatic selection
	var field any
	if region != nil {
		field = *region
	}
	if _, err = b.discord.session.ChannelEditFields(
		session.ChannelID,
		map[string]any{"rtc_region": field},
		discordgo.WithContext(ctx),
	); err != nil {
		respondError(ctx, handler, err)
		return
	}
	if _, err = b.writeDB.Update(
		ctx,
		session,
		columnVoiceSessionRTCRegion,
		field,
	); err != nil {
		respondError(ctx, handler, err)
		return
	}
	session.RTCRegion = region

	_ = handler.Respond(
		ctx,
		updateMessageResponse(fmt.Sprintf(msgRegionSet, regionLabel(region))),
	)
	b.refreshPanel(ctx, session)
}

func (b *Bot) panelToggleLock(
	ctx context.Context,
	handler InteractionHandler,
	session *VoiceSession,
) {
	locked := !session.IsLocked
	changes := unlockPermissions(session.GuildID)
	status := "ロック解除"
	if locked {
		changes = lockPermissions(session.GuildID, session.OwnerID)
		status = "ロック"
	}

	if err := b.applyOverwrites(ctx, session.ChannelID, changes...); err != nil {
		respondError(ctx, handler, err)
		return
	}
	if _, err := b.writeDB.Update(ctx, session, columnVoiceSessionIsLocked, locked); err != nil {
		respondError(ctx, handler, err)
		return
	}
	session.IsLocked = locked

	b.respondToggled(ctx, handler, session, fmt.Sprintf(msgLockToggled, status))
}

func (b *Bot) panelToggleHide(
	ctx context.Context,
	handler InteractionHandler,
	session *VoiceSession,
) {
	hidden := !session.IsHidden
	changes := unhidePermissions(session.GuildID)
	status := "表示"
	if hidden {
		members, err := orderedMembers(ctx, b.db, session.ID)
		if err != nil {
			respondError(ctx, handler, err)
			return
		}
		memberIDs := make([]string, 0, len(members))
		for _, m := range members {
			memberIDs = append(memberIDs, m.UserID)
		}
		changes = hidePermissions(session.GuildID, memberIDs)
		status = "非表示"
	}

	if err := b.applyOverwrites(ctx, session.ChannelID, changes...); err != nil {
		respondError(ctx, handler, err)
		return
	}
	if _, err := b.writeDB.Update(ctx, session, columnVoiceSessionIsHidden, hidden); err != nil {
		respondError(ctx, handler, err)
		return
	}
	session.IsHidden = hidden

	b.respondToggled(ctx, handler, session, fmt.Sprintf(msgHideToggled, status))
}

func (b *Bot) panelToggleNSFW(
	ctx context.Context,
	handler InteractionHandler,
	session *VoiceSession,
) {
	nsfw := !session.IsNSFW
	status := "年齢制限を解除"
	if nsfw {
		status = "年齢制限を設定"
	}

	if _, err := b.discord.session.ChannelEditFields(
		session.ChannelID,
		map[string]any{"nsfw": nsfw},
		discordgo.WithContext(ctx),
	); err != nil {
		respondError(ctx, handler, err)
		return
	}
	if _, err := b.writeDB.Update(ctx, session, columnVoiceSessionIsNSFW, nsfw); err != nil {
		respondError(ctx, handler, err)
		return
	}
	session.IsNSFW = nsfw

	b.respondToggled(ctx, handler, session, fmt.Sprintf(msgNSFWToggled, status))
}

// respondToggled re-renders the panel the button was pressed on, then
// confirms privately to the owner
func (b *Bot) respondToggled(
	ctx context.Context,
	handler InteractionHandler,
	session *VoiceSession,
	content string,
) {
	err := handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseUpdateMessage,
			Data: &discordgo.InteractionResponseData{
				Embeds:     []*discordgo.MessageEmbed{panelEmbed(session)},
				Components: panelComponents(session),
			},
		},
	)
	if err != nil {
		return
	}
	_, _ = handler.Followup(
		ctx,
		&discordgo.WebhookParams{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	)
}

// promptTransfer offers the session's human members, other than the
// owner, as transfer targets
func (b *Bot) promptTransfer(
	ctx context.Context,
	handler InteractionHandler,
	session *VoiceSession,
) {
	members, err := orderedMembers(ctx, b.db, session.ID)
	if err != nil {
		respondError(ctx, handler, err)
		return
	}

	var options []discordgo.SelectMenuOption
	for _, m := range members {
		if m.IsBot || m.UserID == session.OwnerID {
			continue
		}
		if len(options) == discordMaxSelectOptions {
			break
		}
		label := m.UserID
		member, memberErr := b.discord.session.GuildMember(
			session.GuildID,
			m.UserID,
			discordgo.WithContext(ctx),
		)
		if memberErr == nil {
			if name := displayName(member, nil); name != "" {
				label = name
			}
		}
		options = append(options, discordgo.SelectMenuOption{Label: label, Value: m.UserID})
	}

	if len(options) == 0 {
		respondEphemeral(ctx, handler, msgNoOtherMembers)
		return
	}

	_ = handler.Respond(
		ctx,
		ephemeralComponentResponse(
			promptTransfer,
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.SelectMenu{
						MenuType:    discordgo.StringSelectMenu,
						CustomID:    sessionCustomID(panelActionTransfer, session),
						Placeholder: placeholderTransfer,
						Options:     options,
					},
				},
			},
		),
	)
}

func (b *Bot) panelTransfer(
	ctx context.Context,
	handler InteractionHandler,
	session *VoiceSession,
) {
	ctx, logger := b.getLogger(ctx)
	values := handler.GetInteraction().MessageComponentData().Values
	if len(values) == 0 {
		respondEphemeral(ctx, handler, msgUnknownAction)
		return
	}
	newOwnerID := values[0]

	members, err := orderedMembers(ctx, b.db, session.ID)
	if err != nil {
		respondError(ctx, handler, err)
		return
	}
	if newOwnerID == session.OwnerID || !hasMember(members, newOwnerID) {
		_ = handler.Respond(ctx, updateMessageResponse(msgMemberNotFound))
		return
	}

	if err = b.transferOwnership(ctx, session, newOwnerID); err != nil {
		respondError(ctx, handler, err)
		return
	}
	logger.InfoContext(ctx, "ownership transferred", "new_owner_id", newOwnerID)

	_ = handler.Respond(
		ctx,
		updateMessageResponse(fmt.Sprintf(msgTransferred, mention(newOwnerID))),
	)
	if err = b.resendPanel(ctx, session); err != nil {
		logger.ErrorContext(ctx, "error resending panel", tint.Err(err))
	}
}

// panelUserAction applies kick, block, allow or a camera change to the
// user picked in a user select
func (b *Bot) panelUserAction(
	ctx context.Context,
	handler InteractionHandler,
	session *VoiceSession,
	action string,
) {
	values := handler.GetInteraction().MessageComponentData().Values
	if len(values) == 0 {
		respondEphemeral(ctx, handler, msgUnknownAction)
		return
	}
	targetID := values[0]
	s := b.discord.session

	members, err := orderedMembers(ctx, b.db, session.ID)
	if err != nil {
		respondError(ctx, handler, err)
		return
	}
	inChannel := hasMember(members, targetID)

	var content string
	switch action {
	case panelActionKick:
		if !inChannel {
			_ = handler.Respond(
				ctx,
				updateMessageResponse(fmt.Sprintf(msgNotInChannel, mention(targetID))),
			)
			return
		}
		err = s.GuildMemberMove(session.GuildID, targetID, nil, discordgo.WithContext(ctx))
		content = msgKicked
	case panelActionBlock:
		err = b.applyOverwrites(ctx, session.ChannelID, blockPermissions(targetID))
		if err == nil && inChannel {
			err = s.GuildMemberMove(session.GuildID, targetID, nil, discordgo.WithContext(ctx))
		}
		content = msgBlocked
	case panelActionAllow:
		err = b.applyOverwrites(ctx, session.ChannelID, allowPermissions(targetID))
		content = msgAllowed
	case panelActionCameraDeny:
		err = b.applyOverwrites(ctx, session.ChannelID, cameraDeny(targetID))
		content = msgCameraDenied
	case panelActionCameraAllow:
		err = b.applyOverwrites(ctx, session.ChannelID, cameraAllow(targetID))
		content = msgCameraAllowed
	default:
		respondEphemeral(ctx, handler, msgUnknownAction)
		return
	}

	if err != nil {
		respondError(ctx, handler, err)
		return
	}
	_ = handler.Respond(
		ctx,
		updateMessageResponse(fmt.Sprintf(content, mention(targetID))),
	)
}

func userLimitLabel(limit int) string {
	if limit <= 0 {
		return labelUnlimited
	}
	return strconv.Itoa(limit)
}

func panelEmbed(session *VoiceSession) *discordgo.MessageEmbed {
	lockStatus := labelUnlocked
	if session.IsLocked {
		lockStatus = labelLocked
	}
	bitrate := "既定"
	if session.Bitrate != nil {
		bitrate = fmt.Sprintf("%d kbps", *session.Bitrate/bitrateKbpsToBps)
	}
	return &discordgo.MessageEmbed{
		Title:       "ボイスチャンネル設定",
		Description: "オーナー: " + mention(session.OwnerID),
		Color:       panelEmbedColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "状態", Value: lockStatus, Inline: true},
			{Name: "人数制限", Value: userLimitLabel(session.UserLimit), Inline: true},
			{Name: "ビットレート", Value: bitrate, Inline: true},
			{Name: "リージョン", Value: regionLabel(session.RTCRegion), Inline: true},
		},
	}
}

func panelButton(
	action string,
	session *VoiceSession,
	label string,
	emoji string,
) discordgo.Button {
	return discordgo.Button{
		Label:    label,
		Style:    discordgo.SecondaryButton,
		CustomID: sessionCustomID(action, session),
		Emoji:    &discordgo.ComponentEmoji{Name: emoji},
	}
}

// panelComponents lays out the control panel buttons. Toggle labels
// reflect the session's current state.
func panelComponents(session *VoiceSession) []discordgo.MessageComponent {
	lockLabel, lockEmoji := "ロック", "🔒"
	if session.IsLocked {
		lockLabel, lockEmoji = "解除", "🔓"
	}
	hideLabel, hideEmoji := "非表示", "🙈"
	if session.IsHidden {
		hideLabel, hideEmoji = "表示", "👁️"
	}
	nsfwLabel := "年齢制限"
	if session.IsNSFW {
		nsfwLabel = "制限解除"
	}

	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				panelButton(panelActionRename, session, "名前変更", "🏷️"),
				panelButton(panelActionLimit, session, "人数制限", "👥"),
			},
		},
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				panelButton(panelActionBitrate, session, "ビットレート", "🔊"),
				panelButton(panelActionRegion, session, "リージョン", "🌏"),
			},
		},
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				panelButton(panelActionLock, session, lockLabel, lockEmoji),
				panelButton(panelActionHide, session, hideLabel, hideEmoji),
				panelButton(panelActionNSFW, session, nsfwLabel, "🔞"),
			},
		},
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				panelButton(panelActionTransfer, session, "譲渡", "👑"),
				panelButton(panelActionKick, session, "キック", "👟"),
			},
		},
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				panelButton(panelActionBlock, session, "ブロック", "🚫"),
				panelButton(panelActionAllow, session, "許可", "✅"),
				panelButton(panelActionCameraDeny, session, "カメラ禁止", "📵"),
				panelButton(panelActionCameraAllow, session, "カメラ許可", "📷"),
			},
		},
	}
}

// sendPanel posts and pins the control panel, and records its message
// ID. Pinning is best effort.
func (b *Bot) sendPanel(ctx context.Context, session *VoiceSession) error {
	ctx, logger := b.getLogger(ctx)
	s := b.discord.session

	msg, err := s.ChannelMessageSendComplex(
		session.ChannelID,
		&discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{panelEmbed(session)},
			Components: panelComponents(session),
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return err
	}

	if pinErr := s.ChannelMessagePin(
		session.ChannelID,
		msg.ID,
		discordgo.WithContext(ctx),
	); pinErr != nil {
		logger.WarnContext(ctx, "error pinning control panel", tint.Err(pinErr))
	}

	if _, err = b.writeDB.Update(
		ctx,
		session,
		columnVoiceSessionPanelMessageID,
		msg.ID,
	); err != nil {
		return err
	}
	session.PanelMessageID = &msg.ID
	return nil
}

// resendPanel deletes the current control panel, if any, and posts a
// new one
func (b *Bot) resendPanel(ctx context.Context, session *VoiceSession) error {
	if session.PanelMessageID != nil {
		err := b.discord.session.ChannelMessageDelete(
			session.ChannelID,
			*session.PanelMessageID,
			discordgo.WithContext(ctx),
		)
		if err = ignoreNotFound(err); err != nil {
			return err
		}
	}
	return b.sendPanel(ctx, session)
}

// refreshPanel edits the control panel in place, posting a new one if
// it was deleted
func (b *Bot) refreshPanel(ctx context.Context, session *VoiceSession) {
	ctx, logger := b.getLogger(ctx)

	if session.PanelMessageID == nil {
		if err := b.sendPanel(ctx, session); err != nil {
			logger.ErrorContext(ctx, "error sending control panel", tint.Err(err))
		}
		return
	}

	embeds := []*discordgo.MessageEmbed{panelEmbed(session)}
	components := panelComponents(session)
	_, err := b.discord.session.ChannelMessageEditComplex(
		&discordgo.MessageEdit{
			ID:         *session.PanelMessageID,
			Channel:    session.ChannelID,
			Embeds:     &embeds,
			Components: &components,
		},
		discordgo.WithContext(ctx),
	)
	switch {
	case err == nil:
	case isDiscordNotFound(err):
		if err = b.sendPanel(ctx, session); err != nil {
			logger.ErrorContext(ctx, "error sending control panel", tint.Err(err))
		}
	default:
		logger.ErrorContext(ctx, "error editing control panel", tint.Err(err))
	}
}
