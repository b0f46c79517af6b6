package ephemeralvc

import "github.com/bwmarrin/discordgo"

const (
	commandLobby     = "lobby"
	commandPanel     = "panel"
	commandBump      = "bump"
	commandSticky    = "sticky"
	commandRolePanel = "rolepanel"

	subcommandSetup   = "setup"
	subcommandStatus  = "status"
	subcommandDisable = "disable"
	subcommandSet     = "set"
	subcommandRemove  = "remove"
	subcommandCreate  = "create"
	subcommandAdd     = "add"
	subcommandDelete  = "delete"
	subcommandList    = "list"

	optionRoleGated      = "role_gated"
	optionTitle          = "title"
	optionDescription    = "description"
	optionColor          = "color"
	optionCooldown       = "cooldown"
	optionType           = "type"
	optionChannel        = "channel"
	optionRemoveReaction = "remove_reaction"
	optionRole           = "role"
	optionEmoji          = "emoji"
	optionLabel          = "label"
	optionStyle          = "style"
)

var (
	permManageChannels int64 = discordgo.PermissionManageChannels
	permManageRoles    int64 = discordgo.PermissionManageRoles
	permAdministrator  int64 = discordgo.PermissionAdministrator
	permManageMessages int64 = discordgo.PermissionManageMessages
	dmPermission             = false
)

func choices(values ...string) []*discordgo.ApplicationCommandOptionChoice {
	c := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(values))
	for _, v := range values {
		c = append(c, &discordgo.ApplicationCommandOptionChoice{Name: v, Value: v})
	}
	return c
}

// appCommands returns every slash command the bot registers
func appCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:                     commandLobby,
			Description:              "ロビーVCを作成します",
			DefaultMemberPermissions: &permAdministrator,
			DMPermission:             &dmPermission,
		},
		{
			Name:         commandPanel,
			Description:  "コントロールパネルを再投稿します",
			DMPermission: &dmPermission,
		},
		{
			Name:                     commandBump,
			Description:              "Bump リマインダーの設定",
			DefaultMemberPermissions: &permManageChannels,
			DMPermission:             &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandSetup,
					Description: "このチャンネルでbump監視を開始",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionBoolean,
							Name:        optionRoleGated,
							Description: "Server Bumper ロールを持つユーザーの bump のみ検知する (既定: true)",
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandStatus,
					Description: "bump 監視の設定状況を確認する",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandDisable,
					Description: "bump 監視を停止する",
				},
			},
		},
		{
			Name:                     commandSticky,
			Description:              "Sticky メッセージの設定",
			DefaultMemberPermissions: &permManageMessages,
			DMPermission:             &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandSet,
					Description: "sticky メッセージを設定",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        optionTitle,
							Description: "embed のタイトル",
							Required:    true,
							MaxLength:   discordMaxEmbedTitleLength,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        optionDescription,
							Description: "embed の説明文",
							Required:    true,
							MaxLength:   discordMaxEmbedDescriptionLength,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        optionColor,
							Description: "embed の色 (例: #5865F2)",
						},
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        optionCooldown,
							Description: "再投稿までの待機秒数 (1〜3600、既定: 5)",
							MinValue:    ptr(float64(minStickyCooldown)),
							MaxValue:    maxStickyCooldown,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        optionType,
							Description: "メッセージの種類",
							Choices:     choices(stickyTypeEmbed, stickyTypeText),
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandRemove,
					Description: "sticky メッセージを解除",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandStatus,
					Description: "sticky 設定を確認",
				},
			},
		},
		{
			Name:                     commandRolePanel,
			Description:              "ロールパネルの作成・管理",
			DefaultMemberPermissions: &permManageRoles,
			DMPermission:             &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandCreate,
					Description: "ロールパネルを作成する",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        optionType,
							Description: "パネルの種類 (button: ボタン式, reaction: リアクション式)",
							Required:    true,
							Choices:     choices(rolePanelTypeButton, rolePanelTypeReaction),
						},
						{
							Type:         discordgo.ApplicationCommandOptionChannel,
							Name:         optionChannel,
							Description:  "パネルを送信するチャンネル (省略時: 現在のチャンネル)",
							ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
						},
						{
							Type:        discordgo.ApplicationCommandOptionBoolean,
							Name:        optionRemoveReaction,
							Description: "リアクション自動削除 (カウントを常に 1 に保つ)",
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandAdd,
					Description: "ロールパネルにロールを追加する",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionRole,
							Name:        optionRole,
							Description: "追加するロール",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        optionEmoji,
							Description: "ボタン/リアクションに使う絵文字",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        optionLabel,
							Description: "ボタンのラベル (ボタン式のみ)",
							MaxLength:   80,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        optionStyle,
							Description: "ボタンのスタイル (ボタン式のみ)",
							Choices: choices(
								buttonStylePrimary,
								buttonStyleSecondary,
								buttonStyleSuccess,
								buttonStyleDanger,
							),
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandRemove,
					Description: "ロールパネルからロールを削除する",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        optionEmoji,
							Description: "削除するロールの絵文字",
							Required:    true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandDelete,
					Description: "ロールパネルを削除する",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandList,
					Description: "ロールパネルの一覧を表示する",
				},
			},
		},
	}
}
