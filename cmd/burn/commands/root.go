package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/burnengine/burn/pkg/config"
	"github.com/burnengine/burn/pkg/stores"
	"github.com/burnengine/burn/pkg/telemetry"
)

// ExitError makes the process exit with Code. Err, when set, is logged.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("exit %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("exit %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

var (
	// Global flags
	configPath string
	jsonOutput bool

	version = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, ver, commit, buildDate string) error {
	version = ver
	rootCmd := newRootCommand(ver, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "burn",
		Short: "Burn - bundle install engine",
		Long: `Burn plans and applies installation bundles: chains of packages with
rollback boundaries, dependency registrations and related bundles.

Per-machine work runs in an elevated child process that the engine
launches and drives over a private pipe.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default burn.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newChildCommand(childElevated))
	rootCmd.AddCommand(newChildCommand(childEmbedded))
	rootCmd.AddCommand(newStateCommand())

	return rootCmd
}

// env is what most commands need: configuration and telemetry.
type env struct {
	cfg *config.EngineConfig
	tel *telemetry.Telemetry
}

func loadEnv() (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	tc := cfg.Telemetry(version)
	// Events are consumed in-process only.
	tc.Events.EnableAsync = false
	tel, err := telemetry.NewTelemetry(tc)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return &env{cfg: cfg, tel: tel}, nil
}

func (e *env) logger() *telemetry.Logger {
	return e.tel.Logger
}

func (e *env) shutdown(ctx context.Context) {
	if err := e.tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
		e.tel.Logger.WithError(err).Warn("Telemetry shutdown failed")
	}
}

func (e *env) openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: e.cfg.Store.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
