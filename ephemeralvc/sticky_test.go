package ephemeralvc

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

// fireRecorder counts debouncer fires per channel
type fireRecorder struct {
	mu    sync.Mutex
	fired map[string]int
	ch    chan string
}

func newFireRecorder() *fireRecorder {
	return &fireRecorder{fired: map[string]int{}, ch: make(chan string, 16)}
}

func (r *fireRecorder) fire(channelID string) {
	r.mu.Lock()
	r.fired[channelID]++
	r.mu.Unlock()
	r.ch <- channelID
}

func (r *fireRecorder) count(channelID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fired[channelID]
}

func stringOption(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func intOption(name string, value int) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionInteger,
		Value: float64(value),
	}
}

func subcommand(
	command string,
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) discordgo.ApplicationCommandInteractionData {
	return discordgo.ApplicationCommandInteractionData{
		Name: command,
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			{
				Name:    name,
				Type:    discordgo.ApplicationCommandOptionSubCommand,
				Options: options,
			},
		},
	}
}

func TestStickyDebouncer_CollapsesBursts(t *testing.T) {
	t.Parallel()
	rec := newFireRecorder()
	d := newStickyDebouncer(rec.fire)
	t.Cleanup(d.Stop)

	for range 5 {
		d.Schedule(testChannelID, 50*time.Millisecond)
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case channelID := <-rec.ch:
		assert.Equal(t, testChannelID, channelID)
	case <-time.After(5 * time.Second):
		t.Fatal("repost never fired")
	}
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, rec.count(testChannelID))
	assert.Equal(t, 0, d.Pending())
}

func TestStickyDebouncer_ChannelsIndependent(t *testing.T) {
	t.Parallel()
	rec := newFireRecorder()
	d := newStickyDebouncer(rec.fire)
	t.Cleanup(d.Stop)

	d.Schedule("a", 20*time.Millisecond)
	d.Schedule("b", 20*time.Millisecond)
	assert.Equal(t, 2, d.Pending())

	got := map[string]bool{}
	for range 2 {
		select {
		case channelID := <-rec.ch:
			got[channelID] = true
		case <-time.After(5 * time.Second):
			t.Fatal("repost never fired")
		}
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, got)
}

func TestStickyDebouncer_Cancel(t *testing.T) {
	t.Parallel()
	rec := newFireRecorder()
	d := newStickyDebouncer(rec.fire)
	t.Cleanup(d.Stop)

	d.Schedule(testChannelID, 30*time.Millisecond)
	assert.True(t, d.Cancel(testChannelID))
	assert.False(t, d.Cancel(testChannelID))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, rec.count(testChannelID))
}

func TestStickyDebouncer_Stop(t *testing.T) {
	t.Parallel()
	rec := newFireRecorder()
	d := newStickyDebouncer(rec.fire)

	d.Schedule("a", 30*time.Millisecond)
	d.Schedule("b", 30*time.Millisecond)
	d.Stop()
	assert.Equal(t, 0, d.Pending())

	d.Schedule("c", time.Millisecond)
	assert.Equal(t, 0, d.Pending(), "schedule after stop is ignored")

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, rec.ch, 0)
}

func TestStickyMessage_Cooldown(t *testing.T) {
	t.Parallel()
	assert.Equal(t, time.Second, StickyMessage{CooldownSeconds: 0}.Cooldown())
	assert.Equal(t, 30*time.Second, StickyMessage{CooldownSeconds: 30}.Cooldown())
	assert.Equal(t, time.Hour, StickyMessage{CooldownSeconds: 999999}.Cooldown())
}

func TestStickyMessage_MessageSend(t *testing.T) {
	t.Parallel()

	embed := StickyMessage{Title: "Rules", Description: "Be nice", MessageType: stickyTypeEmbed}
	msg := embed.MessageSend()
	require.Len(t, msg.Embeds, 1)
	assert.Equal(t, "Rules", msg.Embeds[0].Title)
	assert.Equal(t, defaultEmbedColor, msg.Embeds[0].Color)

	embed.Color = ptr(0xFF0000)
	assert.Equal(t, 0xFF0000, embed.MessageSend().Embeds[0].Color)

	text := StickyMessage{Title: "Rules", Description: "Be nice", MessageType: stickyTypeText}
	msg = text.MessageSend()
	assert.Empty(t, msg.Embeds)
	assert.Equal(t, "**Rules**\nBe nice", msg.Content)

	text.Title = ""
	assert.Equal(t, "Be nice", text.MessageSend().Content)

	text.Description = strings.Repeat("x", discordMaxMessageLength+10)
	assert.Len(t, text.MessageSend().Content, discordMaxMessageLength)
}

func TestRepostSticky_ReplacesPreviousMessage(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	ctx := context.Background()

	sticky := &StickyMessage{
		ChannelID:       testChannelID,
		GuildID:         testGuildID,
		MessageType:     stickyTypeEmbed,
		Title:           "Rules",
		Description:     "Be nice",
		CooldownSeconds: 5,
	}
	require.NoError(t, upsertStickyMessage(ctx, bot.writeDB, sticky))

	bot.repostSticky(ctx, testChannelID)
	assert.Empty(t, mock.callsTo("ChannelMessageDelete"))
	sent := mock.sentMessages(testChannelID)
	require.Len(t, sent, 1)

	stored, err := stickyByChannelID(ctx, bot.db, testChannelID)
	require.NoError(t, err)
	require.NotNil(t, stored.MessageID)
	firstID := *stored.MessageID
	require.NotNil(t, stored.LastPostedAt)
	assert.Equal(t, nowMilli(bot.clock), *stored.LastPostedAt)

	bot.repostSticky(ctx, testChannelID)
	deletes := mock.callsTo("ChannelMessageDelete")
	require.Len(t, deletes, 1)
	assert.Equal(t, firstID, deletes[0].Args[1])

	stored, err = stickyByChannelID(ctx, bot.db, testChannelID)
	require.NoError(t, err)
	assert.NotEqual(t, firstID, *stored.MessageID)
}

func TestRepostSticky_PreviousAlreadyDeleted(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	ctx := context.Background()

	require.NoError(
		t,
		upsertStickyMessage(
			ctx,
			bot.writeDB,
			&StickyMessage{
				ChannelID:       testChannelID,
				GuildID:         testGuildID,
				MessageType:     stickyTypeText,
				Description:     "hi",
				CooldownSeconds: 5,
			},
		),
	)
	require.NoError(t, updateStickyPosted(ctx, bot.writeDB, testChannelID, "1234", 1))

	mock.setFail("ChannelMessageDelete", restError(http.StatusNotFound))
	bot.repostSticky(ctx, testChannelID)
	assert.Len(t, mock.sentMessages(testChannelID), 1)
}

func TestRepostSticky_RemovedOrPaused(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	ctx := context.Background()

	bot.repostSticky(ctx, testChannelID)
	assert.Empty(t, mock.callsTo("ChannelMessageSendComplex"))

	require.NoError(
		t,
		upsertStickyMessage(
			ctx,
			bot.writeDB,
			&StickyMessage{
				ChannelID:       testChannelID,
				GuildID:         testGuildID,
				MessageType:     stickyTypeText,
				Description:     "hi",
				CooldownSeconds: 5,
			},
		),
	)
	bot.paused.Store(true)
	bot.repostSticky(ctx, testChannelID)
	assert.Empty(t, mock.callsTo("ChannelMessageSendComplex"))
}

func TestStickyChannelDeleted(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	ctx := context.Background()

	require.NoError(
		t,
		upsertStickyMessage(
			ctx,
			bot.writeDB,
			&StickyMessage{
				ChannelID:       testChannelID,
				GuildID:         testGuildID,
				MessageType:     stickyTypeText,
				Description:     "hi",
				CooldownSeconds: 60,
			},
		),
	)
	bot.sticky.Schedule(testChannelID, time.Hour)

	bot.stickyChannelDeleted(ctx, testChannelID)
	assert.Equal(t, 0, bot.sticky.Pending())
	stored, err := stickyByChannelID(ctx, bot.db, testChannelID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestStickyCommand_SetStatusRemove(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	ctx := context.Background()

	set := newStubInteractionHandler(
		t,
		newCommandInteraction(
			testGuildID,
			testChannelID,
			testUserID,
			subcommand(
				"sticky",
				subcommandSet,
				stringOption(optionTitle, "Rules"),
				stringOption(optionDescription, "Be nice"),
				stringOption(optionColor, "#00ff00"),
				intOption(optionCooldown, 0),
			),
		),
	)
	bot.handleStickyCommand(ctx, set)
	assert.Equal(t, msgStickySet, set.lastContent(t))

	stored, err := stickyByChannelID(ctx, bot.db, testChannelID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 1, stored.CooldownSeconds, "cooldown clamped")
	require.NotNil(t, stored.Color)
	assert.Equal(t, 0x00FF00, *stored.Color)
	require.NotNil(t, stored.MessageID, "posted immediately")
	assert.Len(t, mock.sentMessages(testChannelID), 1)

	status := newStubInteractionHandler(
		t,
		newCommandInteraction(testGuildID, testChannelID, testUserID, subcommand("sticky", subcommandStatus)),
	)
	bot.handleStickyCommand(ctx, status)
	require.Len(t, status.responses, 1)
	require.Len(t, status.responses[0].Data.Embeds, 1)
	assert.Equal(t, "Rules", status.responses[0].Data.Embeds[0].Fields[0].Value)

	remove := newStubInteractionHandler(
		t,
		newCommandInteraction(testGuildID, testChannelID, testUserID, subcommand("sticky", subcommandRemove)),
	)
	bot.handleStickyCommand(ctx, remove)
	assert.Equal(t, msgStickyRemoved, remove.lastContent(t))
	assert.Len(t, mock.callsTo("ChannelMessageDelete"), 1)

	stored, err = stickyByChannelID(ctx, bot.db, testChannelID)
	require.NoError(t, err)
	assert.Nil(t, stored)

	again := newStubInteractionHandler(
		t,
		newCommandInteraction(testGuildID, testChannelID, testUserID, subcommand("sticky", subcommandRemove)),
	)
	bot.handleStickyCommand(ctx, again)
	assert.Equal(t, msgStickyNotSet, again.lastContent(t))
}

func TestStickyCommand_InvalidInput(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	ctx := context.Background()

	badColor := newStubInteractionHandler(
		t,
		newCommandInteraction(
			testGuildID,
			testChannelID,
			testUserID,
			subcommand(
				"sticky",
				subcommandSet,
				stringOption(optionTitle, "t"),
				stringOption(optionDescription, "d"),
				stringOption(optionColor, "nope"),
			),
		),
	)
	bot.handleStickyCommand(ctx, badColor)
	assert.Contains(t, badColor.lastContent(t), "nope")

	badType := newStubInteractionHandler(
		t,
		newCommandInteraction(
			testGuildID,
			testChannelID,
			testUserID,
			subcommand(
				"sticky",
				subcommandSet,
				stringOption(optionTitle, "t"),
				stringOption(optionDescription, "d"),
				stringOption(optionType, "gif"),
			),
		),
	)
	bot.handleStickyCommand(ctx, badType)
	assert.Equal(t, msgStickyInvalidType, badType.lastContent(t))

	stored, err := stickyByChannelID(ctx, bot.db, testChannelID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}
