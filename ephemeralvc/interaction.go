package ephemeralvc

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"strconv"
	"strings"
)

var errInvalidCustomID = errors.New("invalid custom ID")

const (
	msgGenericError  = "操作に失敗しました。しばらくしてからもう一度お試しください。"
	msgForbidden     = "Bot の権限が不足しているため操作できませんでした。"
	msgGuildOnly     = "このコマンドはサーバー内でのみ使用できます。"
	msgPaused        = "現在メンテナンス中です。しばらくお待ちください。"
	msgUnknownAction = "この操作は利用できません。"
)

// InteractionHandler defines the interface for handling Discord interactions.
// It provides methods for responding to interactions, editing or deleting
// the response, and sending followup messages.
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// Delete removes an interaction response.
	Delete(ctx context.Context, opts ...discordgo.RequestOption)

	// Followup sends an additional message after the initial response
	Followup(ctx context.Context, params *discordgo.WebhookParams) (*discordgo.Message, error)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] when receiving interactions
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	}
	return msg, err
}

func (w GatewayHandler) Delete(ctx context.Context, opts ...discordgo.RequestOption) {
	err := w.session.InteractionResponseDelete(
		w.interaction.Interaction,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error deleting interaction response", tint.Err(err))
	}
}

func (w GatewayHandler) Followup(
	ctx context.Context,
	params *discordgo.WebhookParams,
) (*discordgo.Message, error) {
	msg, err := w.session.FollowupMessageCreate(w.interaction.Interaction, true, params)
	if err != nil {
		w.logger.ErrorContext(ctx, "error sending followup", tint.Err(err))
	}
	return msg, err
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

func ephemeralEmbedResponse(embeds ...*discordgo.MessageEmbed) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: embeds,
			Flags:  discordgo.MessageFlagsEphemeral,
		},
	}
}

// ephemeralComponentResponse sends an ephemeral prompt carrying a select
// menu or other follow-on components
func ephemeralComponentResponse(
	content string,
	components ...discordgo.MessageComponent,
) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content:    content,
			Components: components,
			Flags:      discordgo.MessageFlagsEphemeral,
		},
	}
}

// updateMessageResponse replaces the message the component was attached
// to, removing its components
func updateMessageResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Content:    content,
			Components: []discordgo.MessageComponent{},
		},
	}
}

func modalResponse(
	customID string,
	title string,
	inputs ...discordgo.TextInput,
) *discordgo.InteractionResponse {
	rows := make([]discordgo.MessageComponent, 0, len(inputs))
	for _, in := range inputs {
		rows = append(
			rows,
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{in}},
		)
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID:   customID,
			Title:      title,
			Components: rows,
		},
	}
}

// modalValues returns the submitted text inputs, keyed by custom ID
func modalValues(data discordgo.ModalSubmitInteractionData) map[string]string {
	values := map[string]string{}
	for _, c := range data.Components {
		row, ok := c.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, rc := range row.Components {
			if input, isInput := rc.(*discordgo.TextInput); isInput {
				values[input.CustomID] = input.Value
			}
		}
	}
	return values
}

// respondError replies with a notice appropriate to err. Platform 403s
// get a permissions notice, everything else a generic retry message.
func respondError(ctx context.Context, handler InteractionHandler, err error) {
	msg := msgGenericError
	if isDiscordForbidden(err) {
		msg = msgForbidden
	}
	handler.Logger().ErrorContext(ctx, "interaction failed", tint.Err(err))
	_ = handler.Respond(ctx, ephemeralResponse(msg))
}

func respondEphemeral(ctx context.Context, handler InteractionHandler, content string) {
	_ = handler.Respond(ctx, ephemeralResponse(content))
}

// newCustomID joins an action and its arguments into a component custom ID
func newCustomID(action string, args ...string) string {
	return fmt.Sprintf(customIDFormat, action, strings.Join(args, ":"))
}

// parseCustomID splits a custom ID into its action and arguments
func parseCustomID(customID string) (action string, args []string) {
	action, rest, found := strings.Cut(customID, ":")
	if !found || rest == "" {
		return action, nil
	}
	return action, strings.Split(rest, ":")
}

func parseUintArg(args []string, idx int) (uint, error) {
	if idx >= len(args) {
		return 0, errInvalidCustomID
	}
	n, err := strconv.ParseUint(args[idx], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errInvalidCustomID, err)
	}
	return uint(n), nil
}

// handleInteraction routes an interaction to the slash command, component
// or modal handler it belongs to.
//
// Component and modal custom IDs carry everything needed to act on them
// (ex: "vc_lock:12"), so they keep working after a restart.
func (b *Bot) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	ctx = WithLogger(ctx, logger)

	defer func() {
		if rc := recover(); rc != nil {
			b.handleRecover(ctx, rc)
		}
	}()

	if i.Type == discordgo.InteractionPing {
		_ = handler.Respond(
			ctx,
			&discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong},
		)
		return
	}

	u := getDiscordUser(i)
	if u == nil {
		logger.WarnContext(ctx, "no user found for interaction")
		return
	}
	if u.Bot {
		logger.DebugContext(ctx, "ignoring interaction from bot")
		return
	}
	if b.paused.Load() {
		respondEphemeral(ctx, handler, msgPaused)
		return
	}
	if i.GuildID == "" {
		respondEphemeral(ctx, handler, msgGuildOnly)
		return
	}

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		b.handleCommand(ctx, handler)
	case discordgo.InteractionMessageComponent:
		b.handleCustomID(ctx, handler, i.MessageComponentData().CustomID)
	case discordgo.InteractionModalSubmit:
		b.handleCustomID(ctx, handler, i.ModalSubmitData().CustomID)
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
	}
}

func (b *Bot) handleCommand(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	name := i.ApplicationCommandData().Name
	logger := handler.Logger().With("command", name)
	logger.InfoContext(ctx, "received command")

	switch name {
	case commandLobby:
		b.handleLobbyCommand(ctx, handler)
	case commandPanel:
		b.handlePanelCommand(ctx, handler)
	case commandBump:
		b.handleBumpCommand(ctx, handler)
	case commandSticky:
		b.handleStickyCommand(ctx, handler)
	case commandRolePanel:
		b.handleRolePanelCommand(ctx, handler)
	default:
		logger.WarnContext(ctx, "unknown command")
		respondEphemeral(ctx, handler, msgUnknownAction)
	}
}

func (b *Bot) handleCustomID(
	ctx context.Context,
	handler InteractionHandler,
	customID string,
) {
	action, args := parseCustomID(customID)
	logger := handler.Logger().With("custom_id", customID)
	logger.InfoContext(ctx, "received component interaction")

	switch {
	case isPanelAction(action):
		b.handlePanelAction(ctx, handler, action, args)
	case isBumpAction(action):
		b.handleBumpAction(ctx, handler, action, args)
	case isRolePanelAction(action):
		b.handleRolePanelAction(ctx, handler, action, args)
	default:
		logger.WarnContext(ctx, "unknown custom ID")
		respondEphemeral(ctx, handler, msgUnknownAction)
	}
}
