// Package main provides auditctl, an operator tool that checks and archives
// the audit hash chain directly against the registration store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/onboarding/internal/audit"
	"github.com/pitabwire/onboarding/internal/config"
	"github.com/pitabwire/onboarding/internal/store"
	"github.com/pitabwire/onboarding/model"
)

var version = "dev"

// operator is the actor recorded against entries written by auditctl.
var operator = &model.Actor{SubjectID: "system:auditctl", Name: "auditctl", Role: "admin"}

// openFunc connects to the audit log described by the config at path.
type openFunc func(ctx context.Context, path string) (svc *audit.Service, closeFn func(), err error)

type cli struct {
	configPath string
	open       openFunc
	out        io.Writer
}

func main() {
	if err := newRootCmd(openAudit, os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(open openFunc, out io.Writer) *cobra.Command {
	c := &cli{open: open, out: out}

	root := &cobra.Command{
		Use:          "auditctl",
		Short:        "Verify and archive the supplier onboarding audit log",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "config.yaml", "path to configuration file")
	root.SetOut(out)

	root.AddCommand(
		newVerifyCmd(c),
		newArchiveCmd(c),
		newVerifyArchiveCmd(c),
		newMigrateCmd(c),
	)
	return root
}

// run opens the audit service, runs fn with an operator context and
// closes everything afterwards.
func (c *cli) run(ctx context.Context, fn func(ctx context.Context, svc *audit.Service) error) error {
	svc, closeFn, err := c.open(ctx, c.configPath)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(model.WithActor(ctx, operator), svc)
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func openAudit(ctx context.Context, path string) (*audit.Service, func(), error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Store.Driver != "postgres" {
		return nil, nil, fmt.Errorf("auditctl needs the postgres store, config uses %q", cfg.Store.Driver)
	}
	dsn := os.Getenv(cfg.Store.DSNEnv)
	if dsn == "" {
		return nil, nil, fmt.Errorf("%s environment variable not set", cfg.Store.DSNEnv)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	st, err := store.OpenPostgres(ctx, cfg.Store, dsn)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	closeFn := func() {
		st.Close()
		_ = logger.Sync()
	}
	return audit.NewService(st, cfg.Audit, nil, logger), closeFn, nil
}
