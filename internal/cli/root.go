// Package cli implements gatewayctl, the offline administration tool for the
// gateway's account pool. It works directly on the configured store, so it
// can be used while the gateway is stopped; a running gateway watching the
// same accounts file picks the changes up.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nulpointcorp/qwen-gateway/internal/app"
	"github.com/nulpointcorp/qwen-gateway/internal/backend"
	"github.com/nulpointcorp/qwen-gateway/internal/config"
	"github.com/nulpointcorp/qwen-gateway/internal/credentials"
)

// Execute runs the root command with the process arguments.
func Execute(version string) error {
	return NewRootCmd(version).Execute()
}

// env holds what every subcommand needs. It is filled lazily so that
// "version" and "--help" work without a valid configuration.
type env struct {
	configPath string
	cfg        *config.Config
	rdb        *redis.Client
	pool       *credentials.Pool
}

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	e := &env{}

	rootCmd := &cobra.Command{
		Use:           "gatewayctl",
		Short:         "Manage the qwen-gateway account pool",
		Long:          "gatewayctl logs accounts into the Qwen web backend and edits the gateway's account pool and shared cookies in place.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return e.close()
		},
	}
	rootCmd.PersistentFlags().StringVar(&e.configPath, "config", "", "path to a config file (default: ./config.yaml when present)")

	rootCmd.AddCommand(
		newVersionCmd(version),
		newAccountsCmd(e),
		newCookiesCmd(e),
	)
	return rootCmd
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}

// open loads configuration and the account pool on first use.
func (e *env) open(ctx context.Context) (*credentials.Pool, error) {
	if e.pool != nil {
		return e.pool, nil
	}
	cfg, err := config.LoadFile(e.configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	e.cfg = cfg

	if cfg.Store.Mode == "redis" {
		rdb, err := app.ConnectRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		e.rdb = rdb
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	var pool *credentials.Pool
	client := backend.New(
		backend.WithBaseURL(cfg.Qwen.BaseURL),
		backend.WithCommonCookies(func() map[string]string { return pool.CommonCookies() }),
		backend.WithLogger(quiet),
	)
	pool = credentials.NewPool(app.AccountStore(cfg, e.rdb), client, credentials.PoolOptions{Logger: quiet})
	if err := pool.Load(ctx); err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	e.pool = pool
	return pool, nil
}

func (e *env) close() error {
	if e.rdb == nil {
		return nil
	}
	err := e.rdb.Close()
	e.rdb = nil
	return err
}
