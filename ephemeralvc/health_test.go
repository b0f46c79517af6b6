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

const testHealthChannelID = "300000000000000030"

func TestHealthStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		latency  time.Duration
		expected string
	}{
		{0, healthStatusHealthy},
		{199 * time.Millisecond, healthStatusHealthy},
		{200 * time.Millisecond, healthStatusDegraded},
		{499 * time.Millisecond, healthStatusDegraded},
		{500 * time.Millisecond, healthStatusUnhealthy},
		{3 * time.Second, healthStatusUnhealthy},
	}
	for _, tc := range tests {
		t.Run(
			tc.latency.String(), func(t *testing.T) {
				assert.Equal(t, tc.expected, healthStatus(tc.latency))
			},
		)
	}

	assert.Equal(t, healthColorHealthy, healthReport{Status: healthStatusHealthy}.Color())
	assert.Equal(t, healthColorDegraded, healthReport{Status: healthStatusDegraded}.Color())
	assert.Equal(t, healthColorUnhealthy, healthReport{Status: healthStatusUnhealthy}.Color())
}

func TestFormatUptime(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "0h 0m 0s", formatUptime(0))
	assert.Equal(t, "1h 2m 3s", formatUptime(time.Hour+2*time.Minute+3*time.Second+400*time.Millisecond))
	assert.Equal(t, "49h 0m 1s", formatUptime(49*time.Hour+time.Second))
}

func TestHeartbeat(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	bot.config.Health.ChannelID = testHealthChannelID
	ctx := context.Background()

	guildCreate := bot.discord.handlerGuildCreate()
	guildCreate(nil, &discordgo.GuildCreate{Guild: &discordgo.Guild{ID: testGuildID}})
	guildCreate(nil, &discordgo.GuildCreate{Guild: &discordgo.Guild{ID: "200000000000000002"}})
	guildCreate(
		nil,
		&discordgo.GuildCreate{Guild: &discordgo.Guild{ID: "200000000000000003", Unavailable: true}},
	)
	testClock(t, bot).Advance(90 * time.Minute)

	bot.heartbeat(ctx)

	sent := mock.sentMessages(testHealthChannelID)
	require.Len(t, sent, 1)
	require.Len(t, sent[0].Embeds, 1)
	embed := sent[0].Embeds[0]
	assert.Equal(t, "Heartbeat: "+healthStatusHealthy, embed.Title)
	assert.Equal(t, healthColorHealthy, embed.Color)
	require.Len(t, embed.Fields, 3)
	assert.Equal(t, "1h 30m 0s", embed.Fields[0].Value)
	assert.Equal(t, "50ms", embed.Fields[1].Value)
	assert.Equal(t, "2", embed.Fields[2].Value)
	assert.Equal(t, "Boot: 2024-06-01 21:00 JST", embed.Footer.Text)
}

func TestHeartbeat_SlowGateway(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	bot.config.Health.ChannelID = testHealthChannelID
	mock.latency = 750 * time.Millisecond

	bot.heartbeat(context.Background())

	sent := mock.sentMessages(testHealthChannelID)
	require.Len(t, sent, 1)
	assert.Equal(t, "Heartbeat: "+healthStatusUnhealthy, sent[0].Embeds[0].Title)
}

func TestHeartbeat_NoChannel(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	bot.config.Health.ChannelID = ""

	bot.heartbeat(context.Background())
	bot.sendDeployNotice(context.Background())
	assert.Empty(t, mock.callsTo("ChannelMessageSendComplex"))
}

func TestHeartbeat_SendFailureDoesNotPanic(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	bot.config.Health.ChannelID = testHealthChannelID
	mock.setFail("ChannelMessageSendComplex", restError(http.StatusForbidden))

	assert.NotPanics(t, func() { bot.heartbeat(context.Background()) })
}

func TestSendDeployNotice(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	bot.config.Health.ChannelID = testHealthChannelID

	bot.sendDeployNotice(context.Background())

	sent := mock.sentMessages(testHealthChannelID)
	require.Len(t, sent, 1)
	assert.Equal(t, "🚀 Deploy Complete", sent[0].Embeds[0].Title)
}

func TestGuildTracking(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)

	bot.discord.handlerGuildCreate()(nil, &discordgo.GuildCreate{Guild: &discordgo.Guild{ID: testGuildID}})
	assert.Equal(t, 1, bot.discord.GuildCount())

	bot.discord.handlerGuildDelete()(
		nil,
		&discordgo.GuildDelete{Guild: &discordgo.Guild{ID: testGuildID, Unavailable: true}},
	)
	assert.Equal(t, 1, bot.discord.GuildCount(), "outage isn't a removal")

	bot.discord.handlerGuildDelete()(nil, &discordgo.GuildDelete{Guild: &discordgo.Guild{ID: testGuildID}})
	assert.Equal(t, 0, bot.discord.GuildCount())
}
