package ephemeralvc

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"math"
	"sync"
)

const (
	lobbyChannelName  = "参加して作成"
	sessionNameSuffix = "'s channel"
	panelCooldownKey  = "panel:"

	msgLobbyCreated       = "ロビー **%s** を作成しました！\nお好みのカテゴリに手動で移動してください。"
	msgLobbyCreateFailed  = "VCの作成に失敗しました"
	msgPanelCooldown      = "クールダウン中です。%d秒後に再実行できます。"
	msgPanelOutsideVC     = "一時 VC 内で使用してください。"
	msgPanelOwnerOnly     = "チャンネルオーナーのみ使用できます。"
	msgPanelReposted      = "コントロールパネルを再投稿しました。"
	msgOwnershipInherited = "オーナーが退出したため、%s に引き継ぎました。"
)

// keyedMutex hands out one mutex per key. Entries are dropped once no
// goroutine holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*refMutex{}}
}

// Lock blocks until key is free, returning the func that releases it
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// handleVoiceStateUpdate drives the session lifecycle from a single
// VOICE_STATE_UPDATE. The previous channel isn't taken from the event
// (the state cache is disabled), but from the member rows recorded for
// the user: any session they're recorded in, other than the channel
// they're in now, is one they left.
//
// Events are serialized per guild, so a join and the move it triggers
// are seen in order.
func (b *Bot) handleVoiceStateUpdate(
	ctx context.Context,
	v *discordgo.VoiceStateUpdate,
) {
	if v == nil || v.VoiceState == nil || v.GuildID == "" || v.UserID == "" {
		return
	}
	logger := b.voiceLogger.With(
		"guild_id", v.GuildID,
		"user_id", v.UserID,
		"channel_id", v.ChannelID,
	)
	ctx = WithLogger(ctx, logger)

	defer func() {
		if rc := recover(); rc != nil {
			b.handleRecover(ctx, rc)
		}
	}()

	unlock := b.voiceLocks.Lock(v.GuildID)
	defer unlock()

	isBot := v.Member != nil && v.Member.User != nil && v.Member.User.Bot

	previous, err := memberSessionsForUser(ctx, b.db, v.GuildID, v.UserID)
	if err != nil {
		logger.ErrorContext(ctx, "error looking up member sessions", tint.Err(err))
		return
	}
	for _, ms := range previous {
		if ms.ChannelID == v.ChannelID {
			continue
		}
		b.memberLeave(ctx, ms, v.UserID)
	}

	if v.ChannelID == "" {
		return
	}

	session, err := voiceSessionByChannelID(ctx, b.db, v.ChannelID)
	if err != nil {
		logger.ErrorContext(ctx, "error looking up voice session", tint.Err(err))
		return
	}
	if session != nil {
		b.memberJoin(ctx, session, v.UserID, isBot)
		return
	}

	if isBot {
		return
	}
	lobby, err := lobbyByChannelID(ctx, b.db, v.ChannelID)
	if err != nil {
		logger.ErrorContext(ctx, "error looking up lobby", tint.Err(err))
		return
	}
	if lobby != nil {
		b.join(ctx, lobby, v.Member, v.UserID)
	}
}

// join creates a session for a user who entered a lobby, or moves them
// back to the one they already own from it.
//
// Once the session row exists, a failure in any later platform step
// deletes both the channel and the row, so no half-initialized session
// is left behind.
func (b *Bot) join(
	ctx context.Context,
	lobby *Lobby,
	member *discordgo.Member,
	userID string,
) {
	ctx, logger := b.getLogger(ctx)
	logger = logger.With("lobby_id", lobby.ID)
	s := b.discord.session

	existing, err := ownedVoiceSession(ctx, b.db, lobby.ID, userID)
	if err != nil {
		logger.ErrorContext(ctx, "error looking up owned session", tint.Err(err))
		return
	}
	if existing != nil {
		logger.InfoContext(
			ctx,
			"user already owns a session, moving them to it",
			"session_channel_id", existing.ChannelID,
		)
		if err = s.GuildMemberMove(
			lobby.GuildID,
			userID,
			&existing.ChannelID,
			discordgo.WithContext(ctx),
		); err != nil {
			logger.ErrorContext(ctx, "error moving member", tint.Err(err))
		}
		return
	}

	categoryID := stringPointerValue(lobby.CategoryID)
	if categoryID == "" {
		lobbyChannel, chErr := s.Channel(lobby.LobbyChannelID, discordgo.WithContext(ctx))
		if chErr != nil {
			logger.ErrorContext(ctx, "error fetching lobby channel", tint.Err(chErr))
			return
		}
		categoryID = lobbyChannel.ParentID
	}

	name, err := normalizeChannelName(displayName(member, nil) + sessionNameSuffix)
	if err != nil {
		logger.ErrorContext(ctx, "invalid channel name", tint.Err(err))
		return
	}

	channel, err := s.GuildChannelCreateComplex(
		lobby.GuildID,
		discordgo.GuildChannelCreateData{
			Name:                 name,
			Type:                 discordgo.ChannelTypeGuildVoice,
			UserLimit:            clampUserLimit(lobby.DefaultUserLimit),
			ParentID:             categoryID,
			PermissionOverwrites: initialOverwrites(lobby.GuildID, userID),
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.ErrorContext(ctx, "error creating voice channel", tint.Err(err))
		return
	}
	logger = logger.With("session_channel_id", channel.ID)

	session := &VoiceSession{
		LobbyID:   lobby.ID,
		ChannelID: channel.ID,
		GuildID:   lobby.GuildID,
		OwnerID:   userID,
		Name:      name,
		UserLimit: clampUserLimit(lobby.DefaultUserLimit),
		RTCRegion: ptr(defaultRTCRegion),
	}
	if err = createVoiceSession(ctx, b.writeDB, session, nowMilli(b.clock)); err != nil {
		logger.ErrorContext(ctx, "error saving voice session", tint.Err(err))
		b.deleteChannel(ctx, channel.ID)
		return
	}

	if err = b.initVoiceSession(ctx, session); err != nil {
		logger.ErrorContext(
			ctx,
			"error initializing voice session, rolling back",
			tint.Err(err),
		)
		b.deleteChannel(ctx, channel.ID)
		if delErr := deleteVoiceSession(ctx, b.writeDB, session.ID); delErr != nil {
			logger.ErrorContext(ctx, "error deleting voice session", tint.Err(delErr))
		}
		return
	}
	logger.InfoContext(ctx, "created voice session", "session_id", session.ID)
}

// initVoiceSession runs the platform steps that follow persisting a
// new session: pin the voice region, move the owner in, and post the
// control panel.
func (b *Bot) initVoiceSession(ctx context.Context, session *VoiceSession) error {
	s := b.discord.session

	if _, err := s.ChannelEditFields(
		session.ChannelID,
		map[string]any{"rtc_region": defaultRTCRegion},
		discordgo.WithContext(ctx),
	); err != nil {
		return fmt.Errorf("error setting voice region: %w", err)
	}

	if err := s.GuildMemberMove(
		session.GuildID,
		session.OwnerID,
		&session.ChannelID,
		discordgo.WithContext(ctx),
	); err != nil {
		return fmt.Errorf("error moving owner: %w", err)
	}

	if err := b.sendPanel(ctx, session); err != nil {
		return fmt.Errorf("error sending control panel: %w", err)
	}
	return nil
}

func (b *Bot) memberJoin(
	ctx context.Context,
	session *VoiceSession,
	userID string,
	isBot bool,
) {
	ctx, logger := b.getLogger(ctx)
	created, err := addVoiceSessionMember(
		ctx,
		b.writeDB,
		&VoiceSessionMember{
			VoiceSessionID: session.ID,
			UserID:         userID,
			IsBot:          isBot,
			JoinedAt:       nowMilli(b.clock),
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error recording member", tint.Err(err))
		return
	}
	if created {
		logger.DebugContext(ctx, "member joined session", "session_id", session.ID)
	}
}

// memberLeave removes the user from the session. The last member out
// deletes the session. If the owner leaves, ownership passes to the
// earliest joined human still connected.
func (b *Bot) memberLeave(ctx context.Context, ms memberSession, userID string) {
	ctx, logger := b.getLogger(ctx)
	logger = logger.With("session_id", ms.VoiceSessionID, "session_channel_id", ms.ChannelID)

	if _, err := removeVoiceSessionMember(
		ctx,
		b.writeDB,
		ms.VoiceSessionID,
		userID,
	); err != nil {
		logger.ErrorContext(ctx, "error removing member", tint.Err(err))
		return
	}

	members, err := orderedMembers(ctx, b.db, ms.VoiceSessionID)
	if err != nil {
		logger.ErrorContext(ctx, "error listing members", tint.Err(err))
		return
	}

	if len(members) == 0 {
		logger.InfoContext(ctx, "session empty, deleting")
		b.deleteChannel(ctx, ms.ChannelID)
		if err = deleteVoiceSession(ctx, b.writeDB, ms.VoiceSessionID); err != nil {
			logger.ErrorContext(ctx, "error deleting voice session", tint.Err(err))
		}
		return
	}

	if ms.OwnerID != userID {
		return
	}

	next := nextOwner(members, userID)
	if next == nil {
		logger.InfoContext(ctx, "owner left, only bots remain")
		return
	}

	session, err := voiceSessionByID(ctx, b.db, ms.VoiceSessionID)
	if err != nil || session == nil {
		logger.ErrorContext(ctx, "error loading voice session", tint.Err(err))
		return
	}
	b.inheritOwnership(ctx, session, next.UserID)
}

// inheritOwnership hands a session to newOwnerID after its owner left.
// Unlike a transfer from the panel, a failure to move the overwrite
// doesn't stop the new owner from being recorded.
func (b *Bot) inheritOwnership(
	ctx context.Context,
	session *VoiceSession,
	newOwnerID string,
) {
	ctx, logger := b.getLogger(ctx)
	logger = logger.With("old_owner_id", session.OwnerID, "new_owner_id", newOwnerID)

	if err := b.applyOverwrites(
		ctx,
		session.ChannelID,
		ownerHistoryRevoke(session.OwnerID),
		ownerHistoryGrant(newOwnerID),
	); err != nil {
		logger.WarnContext(ctx, "error moving owner permissions", tint.Err(err))
	}

	if _, err := b.writeDB.Update(
		ctx,
		session,
		columnVoiceSessionOwnerID,
		newOwnerID,
	); err != nil {
		logger.ErrorContext(ctx, "error updating owner", tint.Err(err))
		return
	}
	session.OwnerID = newOwnerID
	logger.InfoContext(ctx, "ownership inherited")

	b.refreshPanel(ctx, session)

	if _, err := b.discord.session.ChannelMessageSendComplex(
		session.ChannelID,
		&discordgo.MessageSend{
			Content:         fmt.Sprintf(msgOwnershipInherited, mention(newOwnerID)),
			AllowedMentions: &discordgo.MessageAllowedMentions{Users: []string{newOwnerID}},
		},
		discordgo.WithContext(ctx),
	); err != nil {
		logger.WarnContext(ctx, "error announcing new owner", tint.Err(err))
	}
}

// transferOwnership moves the owner overwrite and then records the new
// owner. Nothing is written if the platform call fails.
func (b *Bot) transferOwnership(
	ctx context.Context,
	session *VoiceSession,
	newOwnerID string,
) error {
	if err := b.applyOverwrites(
		ctx,
		session.ChannelID,
		ownerHistoryRevoke(session.OwnerID),
		ownerHistoryGrant(newOwnerID),
	); err != nil {
		return fmt.Errorf("error moving owner permissions: %w", err)
	}
	if _, err := b.writeDB.Update(
		ctx,
		session,
		columnVoiceSessionOwnerID,
		newOwnerID,
	); err != nil {
		return err
	}
	session.OwnerID = newOwnerID
	return nil
}

// applyOverwrites merges each change into the channel's current
// overwrites, in order. Overwrites left with no bits are deleted rather
// than set to zero.
func (b *Bot) applyOverwrites(
	ctx context.Context,
	channelID string,
	changes ...overwriteChange,
) error {
	s := b.discord.session
	channel, err := s.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return err
	}
	current := channel.PermissionOverwrites

	for _, c := range changes {
		existing := findOverwrite(current, c.TargetID)
		allow, deny, remove := mergeOverwrite(existing, c.Allow, c.Deny, c.Clear)

		if remove {
			if existing == nil {
				continue
			}
			err = ignoreNotFound(
				s.ChannelPermissionDelete(channelID, c.TargetID, discordgo.WithContext(ctx)),
			)
			if err != nil {
				return err
			}
			current = dropOverwrite(current, c.TargetID)
			continue
		}

		if existing != nil && existing.Allow == allow && existing.Deny == deny {
			continue
		}
		if err = s.ChannelPermissionSet(
			channelID,
			c.TargetID,
			c.Type,
			allow,
			deny,
			discordgo.WithContext(ctx),
		); err != nil {
			return err
		}
		current = putOverwrite(
			current,
			&discordgo.PermissionOverwrite{
				ID:    c.TargetID,
				Type:  c.Type,
				Allow: allow,
				Deny:  deny,
			},
		)
	}
	return nil
}

// deleteChannel deletes a channel, treating one that's already gone
// as deleted
func (b *Bot) deleteChannel(ctx context.Context, channelID string) {
	ctx, logger := b.getLogger(ctx)
	_, err := b.discord.session.ChannelDelete(channelID, discordgo.WithContext(ctx))
	if err = ignoreNotFound(err); err != nil {
		logger.ErrorContext(ctx, "error deleting channel", "channel_id", channelID, tint.Err(err))
	}
}

// handleChannelDelete removes whatever was bound to a channel deleted
// outside the bot, ex: an admin deleting a session or lobby by hand
func (b *Bot) handleChannelDelete(ctx context.Context, c *discordgo.ChannelDelete) {
	if c == nil || c.Channel == nil {
		return
	}
	logger := b.voiceLogger.With("channel_id", c.ID)
	ctx = WithLogger(ctx, logger)

	defer func() {
		if rc := recover(); rc != nil {
			b.handleRecover(ctx, rc)
		}
	}()

	if c.GuildID != "" {
		unlock := b.voiceLocks.Lock(c.GuildID)
		defer unlock()
	}

	sessionDeleted, lobbyDeleted, err := deleteByChannelID(ctx, b.writeDB, c.ID)
	if err != nil {
		logger.ErrorContext(ctx, "error cleaning up deleted channel", tint.Err(err))
	} else if sessionDeleted || lobbyDeleted {
		logger.InfoContext(
			ctx,
			"cleaned up deleted channel",
			"session", sessionDeleted,
			"lobby", lobbyDeleted,
		)
	}

	b.stickyChannelDeleted(ctx, c.ID)
}

// handleLobbyCommand creates a lobby channel and registers it
func (b *Bot) handleLobbyCommand(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	channel, err := b.discord.session.GuildChannelCreateComplex(
		i.GuildID,
		discordgo.GuildChannelCreateData{
			Name: lobbyChannelName,
			Type: discordgo.ChannelTypeGuildVoice,
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.ErrorContext(ctx, "error creating lobby channel", tint.Err(err))
		respondEphemeral(ctx, handler, msgLobbyCreateFailed)
		return
	}

	lobby := &Lobby{GuildID: i.GuildID, LobbyChannelID: channel.ID}
	if _, err = b.writeDB.Create(ctx, lobby, "Sessions"); err != nil {
		logger.ErrorContext(ctx, "error saving lobby", tint.Err(err))
		b.deleteChannel(ctx, channel.ID)
		respondError(ctx, handler, err)
		return
	}
	logger.InfoContext(ctx, "created lobby", "lobby_id", lobby.ID, "lobby_channel_id", channel.ID)
	respondEphemeral(ctx, handler, fmt.Sprintf(msgLobbyCreated, channel.Name))
}

// handlePanelCommand deletes the session's control panel and posts a
// new one. Limited to once per 30 seconds per user.
func (b *Bot) handlePanelCommand(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	u := getDiscordUser(i)

	ok, retryAfter := b.panelCooldown.Allow(panelCooldownKey+u.ID, b.clock.Now())
	if !ok {
		respondEphemeral(
			ctx,
			handler,
			fmt.Sprintf(msgPanelCooldown, int(math.Ceil(retryAfter.Seconds()))),
		)
		return
	}

	session, err := voiceSessionByChannelID(ctx, b.db, i.ChannelID)
	if err != nil {
		respondError(ctx, handler, err)
		return
	}
	if session == nil {
		respondEphemeral(ctx, handler, msgPanelOutsideVC)
		return
	}
	if !isOwner(session, u.ID) {
		respondEphemeral(ctx, handler, msgPanelOwnerOnly)
		return
	}

	if err = b.resendPanel(ctx, session); err != nil {
		logger.ErrorContext(ctx, "error resending panel", tint.Err(err))
		respondError(ctx, handler, err)
		return
	}
	respondEphemeral(ctx, handler, msgPanelReposted)
}

// sessionForAction loads the session named by a panel custom ID and
// checks the requester owns it. A non-nil error has already been
// reported to the requester.
func (b *Bot) sessionForAction(
	ctx context.Context,
	handler InteractionHandler,
	args []string,
) (*VoiceSession, error) {
	i := handler.GetInteraction()
	sessionID, err := parseUintArg(args, 0)
	if err != nil {
		respondEphemeral(ctx, handler, msgUnknownAction)
		return nil, err
	}
	session, err := voiceSessionByID(ctx, b.db, sessionID)
	if err != nil {
		respondError(ctx, handler, err)
		return nil, err
	}
	if session == nil || (i.ChannelID != "" && session.ChannelID != i.ChannelID) {
		respondEphemeral(ctx, handler, msgSessionNotFound)
		return nil, errSessionNotFound
	}
	u := getDiscordUser(i)
	if u == nil || !isOwner(session, u.ID) {
		respondEphemeral(ctx, handler, msgOwnerOnly)
		return nil, errNotOwner
	}
	return session, nil
}
