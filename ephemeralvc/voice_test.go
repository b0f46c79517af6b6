package ephemeralvc

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"sync"
	"testing"
	"time"
)

const testLobbyChannelID = "300000000000000010"

func voiceState(channelID string, userID string, isBot bool) *discordgo.VoiceStateUpdate {
	return &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{
			GuildID:   testGuildID,
			ChannelID: channelID,
			UserID:    userID,
			Member: &discordgo.Member{
				User: &discordgo.User{ID: userID, Username: "user" + userID, Bot: isBot},
			},
		},
	}
}

// newTestLobby registers a lobby, and its channel with the mock session
func newTestLobby(t testing.TB, bot *Bot, mock *mockDiscordSession) *Lobby {
	t.Helper()
	mock.addChannel(
		&discordgo.Channel{
			ID:       testLobbyChannelID,
			GuildID:  testGuildID,
			Name:     lobbyChannelName,
			Type:     discordgo.ChannelTypeGuildVoice,
			ParentID: "600000000000000001",
		},
	)
	lobby := &Lobby{GuildID: testGuildID, LobbyChannelID: testLobbyChannelID}
	_, err := bot.writeDB.Create(context.Background(), lobby, "Sessions")
	require.NoError(t, err)
	return lobby
}

// joinLobby has userID join the lobby, then follows them into the
// channel they were moved to, like the gateway would
func joinLobby(t testing.TB, bot *Bot, userID string) *VoiceSession {
	t.Helper()
	ctx := context.Background()
	bot.handleVoiceStateUpdate(ctx, voiceState(testLobbyChannelID, userID, false))

	var session VoiceSession
	require.NoError(t, bot.db.Where("owner_id = ?", userID).Take(&session).Error)
	bot.handleVoiceStateUpdate(ctx, voiceState(session.ChannelID, userID, false))
	return &session
}

func sessionMembers(t testing.TB, bot *Bot, sessionID uint) []VoiceSessionMember {
	t.Helper()
	members, err := orderedMembers(context.Background(), bot.db, sessionID)
	require.NoError(t, err)
	return members
}

func TestVoiceSession_LobbyJoinCreatesSession(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	lobby := newTestLobby(t, bot, mock)

	session := joinLobby(t, bot, testUserID)

	assert.Equal(t, lobby.ID, session.LobbyID)
	assert.Equal(t, testUserID, session.OwnerID)
	assert.Equal(t, "user"+testUserID+sessionNameSuffix, session.Name)
	require.NotNil(t, session.PanelMessageID)
	require.NotNil(t, session.RTCRegion)
	assert.Equal(t, defaultRTCRegion, *session.RTCRegion)

	created := mock.callsTo("GuildChannelCreateComplex")
	require.Len(t, created, 1)
	data := created[0].Args[1].(discordgo.GuildChannelCreateData)
	assert.Equal(t, "600000000000000001", data.ParentID)
	assert.Equal(t, discordgo.ChannelTypeGuildVoice, data.Type)

	moves := mock.callsTo("GuildMemberMove")
	require.Len(t, moves, 1)
	assert.Equal(t, session.ChannelID, moves[0].Args[2])

	assert.Len(t, mock.sentMessages(session.ChannelID), 1, "expected control panel")
	assert.Len(t, mock.callsTo("ChannelMessagePin"), 1)

	members := sessionMembers(t, bot, session.ID)
	require.Len(t, members, 1, "owner should be recorded once")
	assert.Equal(t, testUserID, members[0].UserID)
}

func TestVoiceSession_OwnerBackToLobbyStartsNewSession(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	newTestLobby(t, bot, mock)
	ctx := context.Background()

	first := joinLobby(t, bot, testUserID)
	bot.handleVoiceStateUpdate(ctx, voiceState(first.ChannelID, testUserID2, false))

	// leaving for the lobby hands the first channel over, then creates
	// a second one
	bot.handleVoiceStateUpdate(ctx, voiceState(testLobbyChannelID, testUserID, false))

	updated, err := voiceSessionByID(ctx, bot.db, first.ID)
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, testUserID2, updated.OwnerID)

	var sessions []VoiceSession
	require.NoError(t, bot.db.Order("id").Find(&sessions).Error)
	require.Len(t, sessions, 2)
	assert.Equal(t, testUserID, sessions[1].OwnerID)
	assert.Len(t, mock.callsTo("GuildChannelCreateComplex"), 2)
}

func TestVoiceSession_OwnedSessionReused(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	lobby := newTestLobby(t, bot, mock)
	ctx := context.Background()

	existing := &VoiceSession{
		LobbyID:   lobby.ID,
		ChannelID: "300000000000000099",
		GuildID:   testGuildID,
		OwnerID:   testUserID,
		Name:      "mine",
	}
	require.NoError(t, createVoiceSession(ctx, bot.writeDB, existing, nowMilli(bot.clock)))
	require.NoError(
		t,
		bot.db.Where("voice_session_id = ?", existing.ID).Delete(&VoiceSessionMember{}).Error,
	)

	bot.handleVoiceStateUpdate(ctx, voiceState(testLobbyChannelID, testUserID, false))

	assert.Empty(t, mock.callsTo("GuildChannelCreateComplex"))
	moves := mock.callsTo("GuildMemberMove")
	require.Len(t, moves, 1)
	assert.Equal(t, existing.ChannelID, moves[0].Args[2])
}

func TestVoiceSession_LastMemberLeavesDeletesSession(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	newTestLobby(t, bot, mock)
	ctx := context.Background()

	session := joinLobby(t, bot, testUserID)
	bot.handleVoiceStateUpdate(ctx, voiceState("", testUserID, false))

	deleted := mock.callsTo("ChannelDelete")
	require.Len(t, deleted, 1)
	assert.Equal(t, session.ChannelID, deleted[0].Args[0])
	assert.Nil(t, mock.channel(session.ChannelID))

	found, err := voiceSessionByID(ctx, bot.db, session.ID)
	require.NoError(t, err)
	assert.Nil(t, found)
	assert.Empty(t, sessionMembers(t, bot, session.ID))
}

func TestVoiceSession_EmptyAlreadyDeletedChannel(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	newTestLobby(t, bot, mock)
	ctx := context.Background()

	session := joinLobby(t, bot, testUserID)
	mock.setFail("ChannelDelete", restError(http.StatusNotFound))

	bot.handleVoiceStateUpdate(ctx, voiceState("", testUserID, false))

	found, err := voiceSessionByID(ctx, bot.db, session.ID)
	require.NoError(t, err)
	assert.Nil(t, found, "a 404 on delete still removes the session")
}

func TestVoiceSession_OwnerLeaveEarliestMemberInherits(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	newTestLobby(t, bot, mock)
	clock := testClock(t, bot)
	ctx := context.Background()

	session := joinLobby(t, bot, testUserID)

	clock.Advance(10 * time.Second)
	bot.handleVoiceStateUpdate(ctx, voiceState(session.ChannelID, "700000000000000001", true))
	clock.Advance(10 * time.Second)
	bot.handleVoiceStateUpdate(ctx, voiceState(session.ChannelID, testUserID3, false))
	clock.Advance(10 * time.Second)
	bot.handleVoiceStateUpdate(ctx, voiceState(session.ChannelID, testUserID2, false))

	bot.handleVoiceStateUpdate(ctx, voiceState("", testUserID, false))

	updated, err := voiceSessionByID(ctx, bot.db, session.ID)
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, testUserID3, updated.OwnerID, "earliest joined human inherits")
	assert.Empty(t, mock.callsTo("ChannelDelete"))

	channel := mock.channel(session.ChannelID)
	require.NotNil(t, channel)
	assert.Nil(t, findOverwrite(channel.PermissionOverwrites, testUserID))
	newOwner := findOverwrite(channel.PermissionOverwrites, testUserID3)
	require.NotNil(t, newOwner)
	assert.Equal(t, int64(discordgo.PermissionReadMessageHistory), newOwner.Allow)

	var announced bool
	for _, m := range mock.sentMessages(session.ChannelID) {
		if m.Content == fmt.Sprintf(msgOwnershipInherited, mention(testUserID3)) {
			announced = true
		}
	}
	assert.True(t, announced, "expected ownership announcement")
}

func TestVoiceSession_OwnerLeaveOnlyBotsRemain(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	newTestLobby(t, bot, mock)
	ctx := context.Background()

	session := joinLobby(t, bot, testUserID)
	bot.handleVoiceStateUpdate(ctx, voiceState(session.ChannelID, "700000000000000001", true))
	bot.handleVoiceStateUpdate(ctx, voiceState("", testUserID, false))

	updated, err := voiceSessionByID(ctx, bot.db, session.ID)
	require.NoError(t, err)
	require.NotNil(t, updated, "session with a connected bot is kept")
	assert.Equal(t, testUserID, updated.OwnerID)
}

func TestVoiceSession_InitFailureRollsBack(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	newTestLobby(t, bot, mock)
	ctx := context.Background()

	mock.setFail("ChannelMessageSendComplex", restError(http.StatusForbidden))
	bot.handleVoiceStateUpdate(ctx, voiceState(testLobbyChannelID, testUserID, false))

	var count int64
	require.NoError(t, bot.db.Model(&VoiceSession{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
	require.NoError(t, bot.db.Model(&VoiceSessionMember{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)

	created := mock.callsTo("GuildChannelCreateComplex")
	require.Len(t, created, 1)
	deleted := mock.callsTo("ChannelDelete")
	require.Len(t, deleted, 1)
}

func TestVoiceSession_BotInLobbyIgnored(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	newTestLobby(t, bot, mock)

	bot.handleVoiceStateUpdate(
		context.Background(),
		voiceState(testLobbyChannelID, "700000000000000001", true),
	)
	assert.Empty(t, mock.callsTo("GuildChannelCreateComplex"))
}

func TestHandleChannelDelete(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	lobby := newTestLobby(t, bot, mock)
	ctx := context.Background()

	session := joinLobby(t, bot, testUserID)
	bot.handleChannelDelete(
		ctx,
		&discordgo.ChannelDelete{
			Channel: &discordgo.Channel{ID: session.ChannelID, GuildID: testGuildID},
		},
	)
	found, err := voiceSessionByID(ctx, bot.db, session.ID)
	require.NoError(t, err)
	assert.Nil(t, found)

	bot.handleChannelDelete(
		ctx,
		&discordgo.ChannelDelete{
			Channel: &discordgo.Channel{ID: testLobbyChannelID, GuildID: testGuildID},
		},
	)
	l, err := lobbyByChannelID(ctx, bot.db, lobby.LobbyChannelID)
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestPanelAction_NonOwnerRejected(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	newTestLobby(t, bot, mock)
	ctx := context.Background()

	session := joinLobby(t, bot, testUserID)
	bot.handleVoiceStateUpdate(ctx, voiceState(session.ChannelID, testUserID2, false))

	handler := newStubInteractionHandler(
		t,
		newButtonInteraction(
			testGuildID,
			session.ChannelID,
			testUserID2,
			sessionCustomID(panelActionLock, session),
		),
	)
	bot.handleInteraction(ctx, handler)
	assert.Equal(t, msgOwnerOnly, handler.lastContent(t))

	updated, err := voiceSessionByID(ctx, bot.db, session.ID)
	require.NoError(t, err)
	assert.False(t, updated.IsLocked)
	assert.Empty(t, mock.callsTo("ChannelPermissionSet"))
}

func TestPanelAction_OwnerLocks(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	newTestLobby(t, bot, mock)
	ctx := context.Background()

	session := joinLobby(t, bot, testUserID)
	handler := newStubInteractionHandler(
		t,
		newButtonInteraction(
			testGuildID,
			session.ChannelID,
			testUserID,
			sessionCustomID(panelActionLock, session),
		),
	)
	bot.handleInteraction(ctx, handler)

	updated, err := voiceSessionByID(ctx, bot.db, session.ID)
	require.NoError(t, err)
	assert.True(t, updated.IsLocked)

	channel := mock.channel(session.ChannelID)
	everyone := findOverwrite(channel.PermissionOverwrites, testGuildID)
	require.NotNil(t, everyone)
	assert.NotZero(t, everyone.Deny&discordgo.PermissionVoiceConnect)
	owner := findOverwrite(channel.PermissionOverwrites, testUserID)
	require.NotNil(t, owner)
	assert.Equal(t, ownerPermissions|discordgo.PermissionReadMessageHistory, owner.Allow)
}

func TestPanelAction_PlatformFailureLeavesDB(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	newTestLobby(t, bot, mock)
	ctx := context.Background()

	session := joinLobby(t, bot, testUserID)
	mock.setFail("ChannelPermissionSet", restError(http.StatusForbidden))

	handler := newStubInteractionHandler(
		t,
		newButtonInteraction(
			testGuildID,
			session.ChannelID,
			testUserID,
			sessionCustomID(panelActionLock, session),
		),
	)
	bot.handleInteraction(ctx, handler)
	assert.Equal(t, msgForbidden, handler.lastContent(t))

	updated, err := voiceSessionByID(ctx, bot.db, session.ID)
	require.NoError(t, err)
	assert.False(t, updated.IsLocked)
}

func newLimitSubmit(session *VoiceSession, userID string, value string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "limit-" + value,
			Type:      discordgo.InteractionModalSubmit,
			GuildID:   testGuildID,
			ChannelID: session.ChannelID,
			Member:    &discordgo.Member{User: &discordgo.User{ID: userID}},
			Data: discordgo.ModalSubmitInteractionData{
				CustomID: sessionCustomID(panelActionLimit, session),
				Components: []discordgo.MessageComponent{
					&discordgo.ActionsRow{
						Components: []discordgo.MessageComponent{
							&discordgo.TextInput{CustomID: panelInputLimit, Value: value},
						},
					},
				},
			},
		},
	}
}

func TestPanelAction_UserLimit(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	newTestLobby(t, bot, mock)
	ctx := context.Background()
	session := joinLobby(t, bot, testUserID)
	edits := len(mock.callsTo("ChannelEditFields"))

	tests := []struct {
		value   string
		message string
	}{
		{value: "lots", message: msgInvalidNumber},
		{value: "100", message: msgInvalidUserLimit},
		{value: "-1", message: msgInvalidUserLimit},
	}
	for _, tc := range tests {
		handler := newStubInteractionHandler(t, newLimitSubmit(session, testUserID, tc.value))
		bot.handleInteraction(ctx, handler)
		assert.Equal(t, tc.message, handler.lastContent(t), tc.value)
	}
	assert.Len(t, mock.callsTo("ChannelEditFields"), edits, "rejected input never reaches the channel")

	handler := newStubInteractionHandler(t, newLimitSubmit(session, testUserID, " 12 "))
	bot.handleInteraction(ctx, handler)
	assert.Len(t, mock.callsTo("ChannelEditFields"), edits+1)

	updated, err := voiceSessionByID(ctx, bot.db, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, updated.UserLimit)
}

func TestPanelCommand(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	newTestLobby(t, bot, mock)
	ctx := context.Background()
	session := joinLobby(t, bot, testUserID)
	panelData := discordgo.ApplicationCommandInteractionData{Name: commandPanel}

	outside := newStubInteractionHandler(
		t,
		newCommandInteraction(testGuildID, testChannelID, testUserID, panelData),
	)
	bot.handleInteraction(ctx, outside)
	assert.Equal(t, msgPanelOutsideVC, outside.lastContent(t))

	notOwner := newStubInteractionHandler(
		t,
		newCommandInteraction(testGuildID, session.ChannelID, testUserID2, panelData),
	)
	bot.handleInteraction(ctx, notOwner)
	assert.Equal(t, msgPanelOwnerOnly, notOwner.lastContent(t))

	// the owner's first attempt was spent above, outside the channel
	testClock(t, bot).Advance(panelCommandCooldown + time.Second)
	owner := newStubInteractionHandler(
		t,
		newCommandInteraction(testGuildID, session.ChannelID, testUserID, panelData),
	)
	bot.handleInteraction(ctx, owner)
	assert.Equal(t, msgPanelReposted, owner.lastContent(t))

	deleted := mock.callsTo("ChannelMessageDelete")
	require.Len(t, deleted, 1)
	assert.Equal(t, *session.PanelMessageID, deleted[0].Args[1])

	again := newStubInteractionHandler(
		t,
		newCommandInteraction(testGuildID, session.ChannelID, testUserID, panelData),
	)
	bot.handleInteraction(ctx, again)
	assert.Contains(t, again.lastContent(t), "クールダウン中です")
}

func TestKeyedMutex(t *testing.T) {
	t.Parallel()
	k := newKeyedMutex()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("guild")
			defer unlock()
			mu.Lock()
			active++
			maxSeen = max(maxSeen, active)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks, "released keys are dropped")
}

func TestNextOwner(t *testing.T) {
	t.Parallel()
	members := []VoiceSessionMember{
		{UserID: "owner", JoinedAt: 1},
		{UserID: "bot", JoinedAt: 2, IsBot: true},
		{UserID: "a", JoinedAt: 3},
		{UserID: "b", JoinedAt: 3},
	}
	next := nextOwner(members, "owner")
	require.NotNil(t, next)
	assert.Equal(t, "a", next.UserID)

	assert.Nil(t, nextOwner(members[:2], "owner"))
}
