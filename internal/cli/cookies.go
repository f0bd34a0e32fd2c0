package cli

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newCookiesCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cookies",
		Short: "Manage cookies sent with every backend request",
	}
	cmd.AddCommand(newCookiesListCmd(e), newCookiesSetCmd(e))
	return cmd
}

func newCookiesListCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show the shared cookies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pool, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			cookies := pool.CommonCookies()
			if len(cookies) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "cookies: none")
				return nil
			}
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Name", "Value"})
			table.SetBorder(false)
			table.SetAutoWrapText(false)
			for _, name := range slices.Sorted(maps.Keys(cookies)) {
				table.Append([]string{name, cookies[name]})
			}
			table.Render()
			return nil
		},
	}
}

func newCookiesSetCmd(e *env) *cobra.Command {
	var replace bool
	cmd := &cobra.Command{
		Use:   "set name=value...",
		Short: "Add or change shared cookies",
		Long:  "Add or change shared cookies. An empty value (name=) deletes the cookie. With --replace the given cookies become the whole set.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			next := map[string]string{}
			if !replace {
				maps.Copy(next, pool.CommonCookies())
			}
			for _, arg := range args {
				name, value, ok := strings.Cut(arg, "=")
				name = strings.TrimSpace(name)
				if !ok || name == "" {
					return fmt.Errorf("invalid cookie %q: want name=value", arg)
				}
				if value == "" {
					delete(next, name)
					continue
				}
				next[name] = value
			}
			if err := pool.SetCommonCookies(cmd.Context(), next); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Saved %d cookies\n", len(next))
			return nil
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "drop cookies not named on the command line")
	return cmd
}
