package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pitabwire/onboarding/internal/audit"
	"github.com/pitabwire/onboarding/internal/config"
	"github.com/pitabwire/onboarding/internal/store"
	"github.com/pitabwire/onboarding/model"
)

var errVerificationFailed = errors.New("verification failed")

func newVerifyCmd(c *cli) *cobra.Command {
	var start, end int64

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the audit hash chain",
		Long: `Walk the audit chain and recompute every hash. Without bounds the walk
starts at the genesis entry. Exits non-zero when a link is broken.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var rng model.AuditRange
			if start > 0 {
				rng.StartID = &start
			}
			if end > 0 {
				rng.EndID = &end
			}
			return c.run(cmd.Context(), func(ctx context.Context, svc *audit.Service) error {
				res, err := svc.VerifyChain(ctx, rng)
				if err != nil {
					return err
				}
				if err := c.print(res); err != nil {
					return err
				}
				if !res.Valid {
					return errVerificationFailed
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&start, "start-id", 0, "first entry to verify")
	cmd.Flags().Int64Var(&end, "end-id", 0, "last entry to verify")
	return cmd
}

func newArchiveCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "archive <audit-log-id>",
		Short: "Write an audit entry to cold storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.run(cmd.Context(), func(ctx context.Context, svc *audit.Service) error {
				rec, err := svc.Archive(ctx, id)
				if err != nil {
					return err
				}
				return c.print(rec)
			})
		},
	}
}

func newVerifyArchiveCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-archive <audit-log-id>",
		Short: "Check an archived entry against its recorded hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.run(cmd.Context(), func(ctx context.Context, svc *audit.Service) error {
				res, err := svc.VerifyArchived(ctx, id)
				if err != nil {
					return err
				}
				if err := c.print(res); err != nil {
					return err
				}
				if !res.Valid {
					return errVerificationFailed
				}
				return nil
			})
		},
	}
}

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			dsn := os.Getenv(cfg.Store.DSNEnv)
			if dsn == "" {
				return fmt.Errorf("%s environment variable not set", cfg.Store.DSNEnv)
			}
			if err := store.Migrate(dsn); err != nil {
				return err
			}
			cmd.Println("migrations applied")
			return nil
		},
	}
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid audit log id %q", raw)
	}
	return id, nil
}
