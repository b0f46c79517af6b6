package ephemeralvc

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"testing"
	"time"
)

const (
	testBumpChannelID = "300000000000000020"
	testBumperRoleID  = "800000000000000001"
	testCustomRoleID  = "800000000000000002"
)

func disboardBump(channelID string, userID string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "900000000000000001",
			GuildID:   testGuildID,
			ChannelID: channelID,
			Author:    &discordgo.User{ID: bumpServices[0].BotID, Bot: true},
			Embeds: []*discordgo.MessageEmbed{
				{Description: "表示順をアップしたよ :thumbsup:"},
			},
			Interaction: &discordgo.MessageInteraction{
				Name: "bump",
				User: &discordgo.User{ID: userID},
			},
		},
	}
}

func setupBump(t testing.TB, bot *Bot, roleGated bool) {
	t.Helper()
	require.NoError(
		t,
		upsertBumpConfig(
			context.Background(),
			bot.writeDB,
			&BumpConfig{GuildID: testGuildID, ChannelID: testBumpChannelID, RoleGated: roleGated},
		),
	)
}

func TestDetectBumpService(t *testing.T) {
	t.Parallel()

	disboard := bumpServices[0]
	dissoku := bumpServices[1]

	tests := []struct {
		name     string
		message  *discordgo.Message
		expected string
	}{
		{
			name: "disboard embed description",
			message: &discordgo.Message{
				Author: &discordgo.User{ID: disboard.BotID},
				Embeds: []*discordgo.MessageEmbed{{Description: "表示順をアップしたよ"}},
			},
			expected: bumpServiceDisboard,
		},
		{
			name: "disboard other message",
			message: &discordgo.Message{
				Author: &discordgo.User{ID: disboard.BotID},
				Embeds: []*discordgo.MessageEmbed{{Description: "上手くいかなかった"}},
			},
		},
		{
			name: "disboard marker only in title",
			message: &discordgo.Message{
				Author: &discordgo.User{ID: disboard.BotID},
				Embeds: []*discordgo.MessageEmbed{{Title: "表示順をアップ"}},
			},
		},
		{
			name: "dissoku embed title",
			message: &discordgo.Message{
				Author: &discordgo.User{ID: dissoku.BotID},
				Embeds: []*discordgo.MessageEmbed{{Title: "サーバーをアップしました"}},
			},
			expected: bumpServiceDissoku,
		},
		{
			name: "dissoku content",
			message: &discordgo.Message{
				Author:  &discordgo.User{ID: dissoku.BotID},
				Content: "アップしました！",
			},
			expected: bumpServiceDissoku,
		},
		{
			name: "marker from another user",
			message: &discordgo.Message{
				Author: &discordgo.User{ID: testUserID},
				Embeds: []*discordgo.MessageEmbed{{Description: "表示順をアップ"}},
			},
		},
		{
			name:    "no author",
			message: &discordgo.Message{Content: "アップ"},
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, detectBumpService(tc.message))
			},
		)
	}
}

func TestBumpUserID(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", bumpUserID(&discordgo.Message{}))
	assert.Equal(
		t,
		testUserID,
		bumpUserID(
			&discordgo.Message{
				Interaction: &discordgo.MessageInteraction{User: &discordgo.User{ID: testUserID}},
			},
		),
	)
	assert.Equal(
		t,
		testUserID2,
		bumpUserID(
			&discordgo.Message{
				Interaction: &discordgo.MessageInteraction{
					User:   &discordgo.User{ID: testUserID},
					Member: &discordgo.Member{User: &discordgo.User{ID: testUserID2}},
				},
			},
		),
	)
}

func TestHandleBumpMessage_SchedulesReminder(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	mock.roles = []*discordgo.Role{{ID: testBumperRoleID, Name: bumpTargetRoleName}}
	setupBump(t, bot, false)
	ctx := context.Background()

	bot.handleBumpMessage(ctx, disboardBump(testBumpChannelID, testUserID))

	reminder, err := bumpReminderFor(ctx, bot.db, testGuildID, bumpServiceDisboard)
	require.NoError(t, err)
	require.NotNil(t, reminder)
	require.NotNil(t, reminder.RemindAt)
	expected := bot.clock.Now().Add(bot.config.Bump.ReminderDelay).UnixMilli()
	assert.Equal(t, expected, *reminder.RemindAt)
	assert.True(t, reminder.IsEnabled)
	assert.Equal(t, testBumpChannelID, reminder.ChannelID)

	sent := mock.sentMessages(testBumpChannelID)
	require.Len(t, sent, 1)
	require.Len(t, sent[0].Embeds, 1)
	assert.Contains(t, sent[0].Embeds[0].Description, mention(testUserID))
	assert.Contains(t, sent[0].Embeds[0].Description, roleMention(testBumperRoleID))
}

func TestHandleBumpMessage_RepeatedDetectionKeepsOneRow(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	setupBump(t, bot, false)
	ctx := context.Background()

	bot.handleBumpMessage(ctx, disboardBump(testBumpChannelID, testUserID))
	testClock(t, bot).Advance(time.Minute)
	bot.handleBumpMessage(ctx, disboardBump(testBumpChannelID, testUserID2))

	var reminders []BumpReminder
	require.NoError(t, bot.db.Find(&reminders).Error)
	require.Len(t, reminders, 1)
	expected := bot.clock.Now().Add(bot.config.Bump.ReminderDelay).UnixMilli()
	assert.Equal(t, expected, *reminders[0].RemindAt, "latest detection wins")
}

func TestHandleBumpMessage_KeepsDisabledState(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	setupBump(t, bot, false)
	ctx := context.Background()

	enabled, err := toggleBumpReminder(ctx, bot.writeDB, testGuildID, bumpServiceDisboard)
	require.NoError(t, err)
	require.False(t, enabled)

	bot.handleBumpMessage(ctx, disboardBump(testBumpChannelID, testUserID))

	reminder, err := bumpReminderFor(ctx, bot.db, testGuildID, bumpServiceDisboard)
	require.NoError(t, err)
	require.NotNil(t, reminder.RemindAt)
	assert.False(t, reminder.IsEnabled)
}

func TestHandleBumpMessage_IgnoredOutsideWatchedChannel(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	setupBump(t, bot, false)
	ctx := context.Background()

	bot.handleBumpMessage(ctx, disboardBump(testChannelID, testUserID))

	var count int64
	require.NoError(t, bot.db.Model(&BumpReminder{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
	assert.Empty(t, mock.callsTo("ChannelMessageSendComplex"))
}

func TestHandleBumpMessage_RoleGated(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	mock.roles = []*discordgo.Role{{ID: testBumperRoleID, Name: bumpTargetRoleName}}
	mock.setMember(testGuildID, &discordgo.Member{User: &discordgo.User{ID: testUserID}})
	mock.setMember(
		testGuildID,
		&discordgo.Member{User: &discordgo.User{ID: testUserID2}, Roles: []string{testBumperRoleID}},
	)
	setupBump(t, bot, true)
	ctx := context.Background()

	bot.handleBumpMessage(ctx, disboardBump(testBumpChannelID, testUserID))
	reminder, err := bumpReminderFor(ctx, bot.db, testGuildID, bumpServiceDisboard)
	require.NoError(t, err)
	assert.Nil(t, reminder, "member without the role doesn't schedule")

	bot.handleBumpMessage(ctx, disboardBump(testBumpChannelID, testUserID2))
	reminder, err = bumpReminderFor(ctx, bot.db, testGuildID, bumpServiceDisboard)
	require.NoError(t, err)
	assert.NotNil(t, reminder)
}

func TestPollBumpReminders(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	ctx := context.Background()
	now := nowMilli(bot.clock)

	rows := []*BumpReminder{
		{GuildID: "g1", ChannelID: "c1", ServiceName: bumpServiceDisboard, IsEnabled: true},
		{
			GuildID:     "g2",
			ChannelID:   "c2",
			ServiceName: bumpServiceDisboard,
			IsEnabled:   true,
			RemindAt:    ptr(now + 60_000),
		},
		{
			GuildID:     "g3",
			ChannelID:   "c3",
			ServiceName: bumpServiceDisboard,
			IsEnabled:   true,
			RemindAt:    ptr(now - 1),
		},
		{
			GuildID:     "g4",
			ChannelID:   "c4",
			ServiceName: bumpServiceDissoku,
			IsEnabled:   false,
			RemindAt:    ptr(now),
		},
	}
	for _, r := range rows {
		_, err := bot.writeDB.Create(ctx, r)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, bot.pollBumpReminders(ctx))

	assert.Len(t, mock.callsTo("ChannelMessageSendComplex"), 1)
	assert.Len(t, mock.sentMessages("c3"), 1)
	assert.Equal(t, "@here", mock.sentMessages("c3")[0].Content)

	var stored []BumpReminder
	require.NoError(t, bot.db.Order("id").Find(&stored).Error)
	require.Len(t, stored, 4)
	assert.Nil(t, stored[0].RemindAt)
	require.NotNil(t, stored[1].RemindAt, "future reminder untouched")
	assert.Nil(t, stored[2].RemindAt)
	assert.Nil(t, stored[3].RemindAt, "disabled reminder cleared without sending")

	assert.Equal(t, 0, bot.pollBumpReminders(ctx), "nothing due twice")
}

func TestPollBumpReminders_RetriesFailedSend(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	ctx := context.Background()

	reminder := &BumpReminder{
		GuildID:     testGuildID,
		ChannelID:   testBumpChannelID,
		ServiceName: bumpServiceDisboard,
		IsEnabled:   true,
		RemindAt:    ptr(nowMilli(bot.clock)),
	}
	_, err := bot.writeDB.Create(ctx, reminder)
	require.NoError(t, err)

	mock.setFail("ChannelMessageSendComplex", restError(http.StatusInternalServerError))
	assert.Equal(t, 0, bot.pollBumpReminders(ctx))
	stored, err := bumpReminderFor(ctx, bot.db, testGuildID, bumpServiceDisboard)
	require.NoError(t, err)
	assert.NotNil(t, stored.RemindAt, "failed send is retried")

	mock.setFail("ChannelMessageSendComplex", nil)
	assert.Equal(t, 1, bot.pollBumpReminders(ctx))
	stored, err = bumpReminderFor(ctx, bot.db, testGuildID, bumpServiceDisboard)
	require.NoError(t, err)
	assert.Nil(t, stored.RemindAt)
}

func TestPollBumpReminders_BumpDuringDelivery(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	ctx := context.Background()
	now := nowMilli(bot.clock)

	_, err := upsertBumpReminder(
		ctx, bot.writeDB, testGuildID, testBumpChannelID, bumpServiceDisboard, now,
	)
	require.NoError(t, err)

	next := now + bot.config.Bump.ReminderDelay.Milliseconds()
	mock.onCall(
		"ChannelMessageSendComplex", func() {
			_, upsertErr := upsertBumpReminder(
				ctx, bot.writeDB, testGuildID, testBumpChannelID, bumpServiceDisboard, next,
			)
			assert.NoError(t, upsertErr)
		},
	)

	assert.Equal(t, 1, bot.pollBumpReminders(ctx))

	stored, err := bumpReminderFor(ctx, bot.db, testGuildID, bumpServiceDisboard)
	require.NoError(t, err)
	require.NotNil(t, stored.RemindAt, "new detection kept")
	assert.Equal(t, next, *stored.RemindAt)
}

func TestClearBumpReminder_StaleDueTime(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	ctx := context.Background()

	reminder, err := upsertBumpReminder(
		ctx, bot.writeDB, testGuildID, testBumpChannelID, bumpServiceDissoku, 2000,
	)
	require.NoError(t, err)

	cleared, err := clearBumpReminder(ctx, bot.writeDB, reminder.ID, 1000)
	require.NoError(t, err)
	assert.False(t, cleared)

	cleared, err = clearBumpReminder(ctx, bot.writeDB, reminder.ID, 2000)
	require.NoError(t, err)
	assert.True(t, cleared)

	stored, err := bumpReminderFor(ctx, bot.db, testGuildID, bumpServiceDissoku)
	require.NoError(t, err)
	assert.Nil(t, stored.RemindAt)
}

func TestPollBumpReminders_DeletedChannelDropped(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	ctx := context.Background()

	_, err := bot.writeDB.Create(
		ctx,
		&BumpReminder{
			GuildID:     testGuildID,
			ChannelID:   testBumpChannelID,
			ServiceName: bumpServiceDisboard,
			IsEnabled:   true,
			RemindAt:    ptr(nowMilli(bot.clock)),
		},
	)
	require.NoError(t, err)

	mock.setFail("ChannelMessageSendComplex", restError(http.StatusNotFound))
	assert.Equal(t, 0, bot.pollBumpReminders(ctx))

	stored, err := bumpReminderFor(ctx, bot.db, testGuildID, bumpServiceDisboard)
	require.NoError(t, err)
	assert.Nil(t, stored.RemindAt)
}

func TestPollBumpReminders_Paused(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	ctx := context.Background()

	_, err := bot.writeDB.Create(
		ctx,
		&BumpReminder{
			GuildID:     testGuildID,
			ChannelID:   testBumpChannelID,
			ServiceName: bumpServiceDisboard,
			IsEnabled:   true,
			RemindAt:    ptr(nowMilli(bot.clock)),
		},
	)
	require.NoError(t, err)

	bot.paused.Store(true)
	assert.Equal(t, 0, bot.pollBumpReminders(ctx))
	assert.Empty(t, mock.callsTo("ChannelMessageSendComplex"))
}

func TestBumpTarget(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	ctx := context.Background()
	reminder := &BumpReminder{GuildID: testGuildID, RoleID: ptr(testCustomRoleID)}

	assert.Equal(t, "@here", bot.bumpTarget(ctx, reminder))

	mock.roles = []*discordgo.Role{{ID: testBumperRoleID, Name: bumpTargetRoleName}}
	assert.Equal(t, roleMention(testBumperRoleID), bot.bumpTarget(ctx, reminder))

	mock.roles = append(mock.roles, &discordgo.Role{ID: testCustomRoleID, Name: "custom"})
	assert.Equal(t, roleMention(testCustomRoleID), bot.bumpTarget(ctx, reminder))
}

func TestToggleBumpReminder(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	ctx := context.Background()

	enabled, err := toggleBumpReminder(ctx, bot.writeDB, testGuildID, bumpServiceDissoku)
	require.NoError(t, err)
	assert.False(t, enabled, "toggling with no row creates a disabled one")

	enabled, err = toggleBumpReminder(ctx, bot.writeDB, testGuildID, bumpServiceDissoku)
	require.NoError(t, err)
	assert.True(t, enabled)

	found, err := setBumpReminderRole(ctx, bot.writeDB, testGuildID, bumpServiceDissoku, ptr(testCustomRoleID))
	require.NoError(t, err)
	assert.True(t, found)
	found, err = setBumpReminderRole(ctx, bot.writeDB, testGuildID, bumpServiceDisboard, nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteBumpConfig(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	ctx := context.Background()

	assert.ErrorIs(t, deleteBumpConfig(ctx, bot.writeDB, testGuildID), errNoBumpConfig)
	setupBump(t, bot, true)
	setupBump(t, bot, false)

	cfg, err := bumpConfigByGuildID(ctx, bot.db, testGuildID)
	require.NoError(t, err)
	assert.False(t, cfg.RoleGated, "setup again overwrites")
	assert.NoError(t, deleteBumpConfig(ctx, bot.writeDB, testGuildID))
}
