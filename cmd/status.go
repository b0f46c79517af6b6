package cmd

import (
	"fmt"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/usapopopooon/ephemeral-vc/ephemeralvc"
	"io"
	"strings"
	"time"
)

const statusTimeFormat = "2006-01-02 15:04:05 MST"

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print lobbies, active sessions, pending bump reminders and sticky messages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := ephemeralvc.LoadStatus(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("error loading status: %w", err)
		}
		renderStatus(cmd.OutOrStdout(), report)
		return nil
	},
}

func formatMillis(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return time.UnixMilli(*ms).Local().Format(statusTimeFormat)
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func newStatusTable(out io.Writer, title string, header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetTitle(title)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(header)
	return t
}

func renderStatus(out io.Writer, report *ephemeralvc.StatusReport) {
	lobbies := newStatusTable(
		out,
		"Lobbies",
		table.Row{"ID", "Guild", "Lobby channel", "Category", "Default limit"},
	)
	for _, l := range report.Lobbies {
		lobbies.AppendRow(
			table.Row{l.ID, l.GuildID, l.LobbyChannelID, orDash(l.CategoryID), l.DefaultUserLimit},
		)
	}
	lobbies.AppendFooter(table.Row{"", "", "", "Total", len(report.Lobbies)})
	lobbies.Render()

	sessions := newStatusTable(
		out,
		"Active sessions",
		table.Row{"Channel", "Name", "Owner", "Members", "Limit", "Flags"},
	)
	for _, s := range report.Sessions {
		var flags []string
		if s.IsLocked {
			flags = append(flags, "locked")
		}
		if s.IsHidden {
			flags = append(flags, "hidden")
		}
		if s.IsNSFW {
			flags = append(flags, "nsfw")
		}
		sessions.AppendRow(
			table.Row{s.ChannelID, s.Name, s.OwnerID, len(s.Members), s.UserLimit, strings.Join(flags, ",")},
		)
	}
	sessions.AppendFooter(table.Row{"", "", "", "", "Total", len(report.Sessions)})
	sessions.Render()

	reminders := newStatusTable(
		out,
		"Pending bump reminders",
		table.Row{"Guild", "Service", "Channel", "Remind at", "Enabled"},
	)
	for _, r := range report.Reminders {
		reminders.AppendRow(
			table.Row{r.GuildID, r.ServiceName, r.ChannelID, formatMillis(r.RemindAt), r.IsEnabled},
		)
	}
	reminders.Render()

	stickies := newStatusTable(
		out,
		"Sticky messages",
		table.Row{"Channel", "Title", "Cooldown", "Last posted"},
	)
	for _, s := range report.Stickies {
		stickies.AppendRow(
			table.Row{s.ChannelID, s.Title, s.Cooldown(), formatMillis(s.LastPostedAt)},
		)
	}
	stickies.Render()

	panels := newStatusTable(
		out,
		"Role panels",
		table.Row{"ID", "Channel", "Type", "Title", "Roles"},
	)
	for _, p := range report.Panels {
		panels.AppendRow(table.Row{p.ID, p.ChannelID, p.PanelType, p.Title, len(p.Items)})
	}
	panels.Render()
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(statusCmd)
}
