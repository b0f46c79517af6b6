package cmd

import (
	"bufio"
	"fmt"
	"github.com/spf13/cobra"
	"github.com/usapopopooon/ephemeral-vc/ephemeralvc"
	"golang.org/x/term"
	"io"
	"os"
	"strings"
)

// passwordReader is a function type for reading passwords. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

func readPassword() ([]byte, error) {
	if customPasswordReader != nil {
		return customPasswordReader()
	}
	return term.ReadPassword(int(os.Stdin.Fd()))
}

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set the dashboard admin credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		ready, err := ephemeralvc.InitDatabase(ctx, cfg)
		if err != nil {
			return fmt.Errorf("error initializing database: %w", err)
		}
		if ready && !initForce {
			fmt.Fprintln(out, "Admin credentials are already set (use --force to replace them).")
			fmt.Fprintln(out, "Initialization complete.")
			return nil
		}

		fmt.Fprintln(out, "Let's set up the dashboard admin account.")
		email, password, err := promptCredentials(cmd.InOrStdin(), out, cfg.Admin.Email)
		if err != nil {
			return err
		}
		if err = ephemeralvc.SetAdminCredentials(ctx, cfg, email, password); err != nil {
			return fmt.Errorf("error setting admin credentials: %w", err)
		}

		fmt.Fprintln(out, "Admin credentials set successfully.")
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

// promptCredentials asks for an email (defaulting to defaultEmail) and a
// confirmed password, until they pass validation
func promptCredentials(in io.Reader, out io.Writer, defaultEmail string) (string, string, error) {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprintf(out, "Enter admin email [%s]: ", defaultEmail)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", "", fmt.Errorf("error reading email: %w", err)
		}
		email := strings.TrimSpace(line)
		if email == "" {
			email = defaultEmail
		}

		fmt.Fprint(out, "Enter admin password: ")
		password, err := readPassword()
		fmt.Fprintln(out)
		if err != nil {
			return "", "", fmt.Errorf("error reading password: %w", err)
		}

		fmt.Fprint(out, "Confirm admin password: ")
		confirm, err := readPassword()
		fmt.Fprintln(out)
		if err != nil {
			return "", "", fmt.Errorf("error reading password: %w", err)
		}

		err = ephemeralvc.ValidateAdminCredentials(email, string(password), string(confirm))
		if err == nil {
			return email, string(password), nil
		}
		fmt.Fprintf(out, "%s. Please try again.\n", err)
	}
}

//nolint:gochecknoinits
func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Replace existing admin credentials")
	rootCmd.AddCommand(initCmd)
}
