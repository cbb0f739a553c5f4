package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"escrowflow/app"
	"escrowflow/auth"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/db/migrations"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "escrowctl",
		Short:         "Operator tooling for the escrow service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (default $"+config.EnvPrefix+"_CONFIG)")

	load := func() (config.Config, error) {
		return config.Load(configPath)
	}

	root.AddCommand(migrateCmd(load))
	root.AddCommand(sweepCmd(load))
	root.AddCommand(tokenCmd(load))
	root.AddCommand(hashKeyCmd())
	root.AddCommand(resetSettlementCmd(load))
	return root
}

type loader func() (config.Config, error)

func loadValid(load loader) (config.Config, error) {
	cfg, err := load()
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func migrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("database.url is required")
			}
			logger := app.NewLogger(cfg.Log, cmd.ErrOrStderr())
			pool, err := db.NewPool(cmd.Context(), cfg.Database.URL, db.PoolOptions{
				MaxConns:       cfg.Database.MaxConns,
				ConnectTimeout: cfg.Database.ConnectTimeout,
				Logger:         logger,
			})
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := migrations.Apply(cmd.Context(), pool)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
			}
			return nil
		},
	}
}

func sweepCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run every sweep once and print the summary",
		Long: `Run the settlement retry, release, funding reconciliation and
notification sweeps once, the same pass the scheduler runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValid(load)
			if err != nil {
				return err
			}
			logger := app.NewLogger(cfg.Log, cmd.ErrOrStderr())
			a, err := app.Open(cmd.Context(), cfg, logger, app.Collaborators{})
			if err != nil {
				return err
			}
			defer a.Close()

			sum, runErr := a.Runner.Run(cmd.Context())
			if err := printJSON(cmd.OutOrStdout(), sum); err != nil {
				return err
			}
			return runErr
		},
	}
}

func tokenCmd(load loader) *cobra.Command {
	var (
		userID string
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed API token for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			token, err := auth.NewService(cfg.Auth.JWTSecret).IssueToken(auth.TokenRequest{
				UserID: userID,
				Role:   auth.Role(role),
				TTL:    ttl,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (uuid)")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleMember), "member, arbiter or operator")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func hashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key [key]",
		Short: "Hash an operator key for auth.operator_key_hash",
		Long:  "Hash an operator key. The key is read from stdin when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if len(args) == 1 {
				key = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && err != io.EOF {
					return fmt.Errorf("read key: %w", err)
				}
				key = strings.TrimSpace(line)
			}
			hash, err := auth.HashOperatorKey(key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func resetSettlementCmd(load loader) *cobra.Command {
	var operatorID string
	cmd := &cobra.Command{
		Use:   "reset-settlement <hold-id>",
		Short: "Re-arm a settlement that exhausted its retries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValid(load)
			if err != nil {
				return err
			}
			logger := app.NewLogger(cfg.Log, cmd.ErrOrStderr())
			a, err := app.Open(cmd.Context(), cfg, logger, app.Collaborators{})
			if err != nil {
				return err
			}
			defer a.Close()

			hold, err := a.Ledger.ResetFailedSettlement(cmd.Context(), args[0], operatorID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"hold_id": hold.ID,
				"status":  hold.Status,
				"payout":  hold.PayoutState,
			})
		},
	}
	cmd.Flags().StringVar(&operatorID, "operator", "", "operator user id recorded on the timeline")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
