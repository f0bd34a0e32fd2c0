package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newAccountsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "accounts",
		Aliases: []string{"account"},
		Short:   "Manage backend accounts",
	}

	cmd.AddCommand(
		newAccountsListCmd(e),
		newAccountsAddCmd(e),
		newAccountsRemoveCmd(e),
		newAccountsToggleCmd(e, "enable", true),
		newAccountsToggleCmd(e, "disable", false),
		newAccountsRefreshCmd(e),
	)
	return cmd
}

// accountRow is the listing shape. Secrets and tokens never leave the store.
type accountRow struct {
	Identifier string `json:"identifier"`
	Enabled    bool   `json:"enabled"`
	HasSession bool   `json:"has_session"`
	ExpiresAt  int64  `json:"expires_at,omitempty"`
}

func newAccountsListCmd(e *env) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts in the pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pool, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			creds := pool.List()
			rows := make([]accountRow, 0, len(creds))
			for _, c := range creds {
				rows = append(rows, accountRow{
					Identifier: c.Identifier,
					Enabled:    c.Enabled,
					HasSession: c.SessionToken != "",
					ExpiresAt:  c.ExpiresAt,
				})
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			if len(rows) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "accounts: none")
				return nil
			}
			renderAccounts(cmd.OutOrStdout(), rows, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func renderAccounts(w io.Writer, rows []accountRow, now time.Time) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Identifier", "Enabled", "Session", "Expires"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, r := range rows {
		session := "no"
		if r.HasSession {
			session = "yes"
		}
		table.Append([]string{r.Identifier, strconv.FormatBool(r.Enabled), session, expiry(r.ExpiresAt, now)})
	}
	table.Render()
}

func expiry(unix int64, now time.Time) string {
	if unix <= 0 {
		return "-"
	}
	at := time.Unix(unix, 0).UTC()
	if !at.After(now) {
		return "expired"
	}
	return at.Format(time.RFC3339)
}

func newAccountsAddCmd(e *env) *cobra.Command {
	var (
		password      string
		passwordStdin bool
	)
	cmd := &cobra.Command{
		Use:   "add <identifier>",
		Short: "Log an account in and add it to the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if passwordStdin {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return errors.New("a password is required: use --password or --password-stdin")
			}

			pool, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			c, err := pool.Login(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Logged in %s (expires %s)\n", c.Identifier, expiry(c.ExpiresAt, time.Now()))
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")
	cmd.MarkFlagsMutuallyExclusive("password", "password-stdin")
	return cmd
}

func newAccountsRemoveCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <identifier>",
		Aliases: []string{"rm"},
		Short:   "Remove an account from the pool",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			if err := pool.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
			return nil
		},
	}
}

func newAccountsToggleCmd(e *env, use string, enabled bool) *cobra.Command {
	short := "Take an account out of the rotation"
	if enabled {
		short = "Put an account back into the rotation"
	}
	return &cobra.Command{
		Use:   use + " <identifier>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			if err := pool.SetEnabled(cmd.Context(), args[0], enabled); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: enabled=%t\n", args[0], enabled)
			return nil
		},
	}
}

func newAccountsRefreshCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <identifier>",
		Short: "Log an account in again with its stored password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			c, err := pool.Refresh(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Refreshed %s (expires %s)\n", c.Identifier, expiry(c.ExpiresAt, time.Now()))
			return nil
		},
	}
}
