package ephemeralvc

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strconv"
	"time"
)

const (
	healthStatusHealthy   = "Healthy"
	healthStatusDegraded  = "Degraded"
	healthStatusUnhealthy = "Unhealthy"

	healthDegradedLatency  = 200 * time.Millisecond
	healthUnhealthyLatency = 500 * time.Millisecond

	healthColorHealthy   = 0x2ECC71
	healthColorDegraded  = 0xF1C40F
	healthColorUnhealthy = 0xE74C3C
	healthColorDeploy    = 0x3498DB

	healthBootFormat = "2006-01-02 15:04 MST"
)

var jst = time.FixedZone("JST", 9*60*60)

// healthReport is a point-in-time snapshot of the bot's gateway health
type healthReport struct {
	Status  string
	Uptime  time.Duration
	Latency time.Duration
	Guilds  int
}

func (r healthReport) Color() int {
	switch r.Status {
	case healthStatusHealthy:
		return healthColorHealthy
	case healthStatusDegraded:
		return healthColorDegraded
	default:
		return healthColorUnhealthy
	}
}

// healthStatus grades gateway latency
func healthStatus(latency time.Duration) string {
	switch {
	case latency < healthDegradedLatency:
		return healthStatusHealthy
	case latency < healthUnhealthyLatency:
		return healthStatusDegraded
	default:
		return healthStatusUnhealthy
	}
}

// formatUptime renders d as "1h 2m 3s"
func formatUptime(d time.Duration) string {
	secs := int64(d.Truncate(time.Second).Seconds())
	return fmt.Sprintf("%dh %dm %ds", secs/3600, (secs%3600)/60, secs%60)
}

func (b *Bot) healthReport() healthReport {
	latency := b.discord.session.HeartbeatLatency()
	return healthReport{
		Status:  healthStatus(latency),
		Uptime:  b.clock.Now().Sub(b.startedAt),
		Latency: latency,
		Guilds:  b.discord.GuildCount(),
	}
}

func (b *Bot) bootTime() string {
	return b.startedAt.In(jst).Format(healthBootFormat)
}

func (b *Bot) heartbeatEmbed(r healthReport) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:     "Heartbeat: " + r.Status,
		Color:     r.Color(),
		Timestamp: b.clock.Now().Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Uptime", Value: formatUptime(r.Uptime), Inline: true},
			{Name: "Latency", Value: fmt.Sprintf("%dms", r.Latency.Milliseconds()), Inline: true},
			{Name: "Guilds", Value: strconv.Itoa(r.Guilds), Inline: true},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: "Boot: " + b.bootTime()},
	}
}

// heartbeat logs the bot's health, and posts it to the health channel
// when one is configured
func (b *Bot) heartbeat(ctx context.Context) {
	defer func() {
		if rc := recover(); rc != nil {
			b.handleRecover(ctx, rc)
		}
	}()

	r := b.healthReport()
	b.healthLogger.InfoContext(
		ctx,
		"heartbeat",
		"status", r.Status,
		"uptime", formatUptime(r.Uptime),
		"latency_ms", r.Latency.Milliseconds(),
		"guilds", r.Guilds,
	)

	channelID := b.config.Health.ChannelID
	if channelID == "" {
		return
	}
	_, err := b.discord.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{b.heartbeatEmbed(r)}},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		b.healthLogger.ErrorContext(
			ctx,
			"error sending heartbeat",
			"channel_id", channelID,
			tint.Err(err),
		)
	}
}

// sendDeployNotice announces startup in the health channel
func (b *Bot) sendDeployNotice(ctx context.Context) {
	channelID := b.config.Health.ChannelID
	if channelID == "" {
		return
	}
	_, err := b.discord.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{
				{
					Title:     "🚀 Deploy Complete",
					Color:     healthColorDeploy,
					Timestamp: b.clock.Now().Format(time.RFC3339),
					Fields: []*discordgo.MessageEmbedField{
						{Name: "Boot", Value: b.bootTime(), Inline: true},
						{Name: "Guilds", Value: strconv.Itoa(b.discord.GuildCount()), Inline: true},
					},
				},
			},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		b.healthLogger.ErrorContext(
			ctx,
			"error sending deploy notice",
			"channel_id", channelID,
			tint.Err(err),
		)
		return
	}
	b.healthLogger.InfoContext(ctx, "sent deploy notice", "channel_id", channelID)
}

func (b *Bot) scheduleHeartbeat(ctx context.Context) error {
	_, err := b.scheduler.Every(b.config.Health.Interval).
		SingletonMode().
		Do(func() { b.heartbeat(ctx) })
	if err != nil {
		return fmt.Errorf("error scheduling heartbeat: %w", err)
	}
	return nil
}
