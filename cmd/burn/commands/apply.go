package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/burnengine/burn/pkg/apply"
	"github.com/burnengine/burn/pkg/config"
	"github.com/burnengine/burn/pkg/elevation"
	"github.com/burnengine/burn/pkg/engine"
	"github.com/burnengine/burn/pkg/platform"
	"github.com/burnengine/burn/pkg/telemetry"
)

// Process exit codes reported by apply.
const (
	exitSuccess         = 0
	exitFailure         = 1
	exitCanceled        = 1602
	exitRestartRequired = 3010
)

func exitCode(result *apply.Result, err error) int {
	switch {
	case errors.Is(err, apply.ErrCanceled):
		return exitCanceled
	case err != nil:
		return exitFailure
	case result != nil && result.Restart != engine.RestartNone:
		return exitRestartRequired
	}
	return exitSuccess
}

type applySummary struct {
	SessionID        string              `json:"session_id"`
	Restart          engine.RestartState `json:"restart"`
	RolledBack       bool                `json:"rolled_back"`
	FailedPackages   []string            `json:"failed_packages,omitempty"`
	FailedBoundaries []string            `json:"failed_boundaries,omitempty"`
	ExitCode         int                 `json:"exit_code"`
	Error            string              `json:"error,omitempty"`
}

func writeResult(w io.Writer, result *apply.Result, code int, applyErr error) error {
	s := applySummary{ExitCode: code}
	if result != nil {
		s.SessionID = result.SessionID
		s.Restart = result.Restart
		s.RolledBack = result.RolledBack
		s.FailedPackages = result.FailedPackages
		s.FailedBoundaries = result.FailedBoundaries
	}
	if applyErr != nil {
		s.Error = applyErr.Error()
	}

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	fmt.Fprintf(w, "Session:  %s\n", s.SessionID)
	fmt.Fprintf(w, "Restart:  %s\n", s.Restart)
	if s.RolledBack {
		fmt.Fprintln(w, color.YellowString("Rolled back: yes"))
	}
	for _, id := range s.FailedPackages {
		fmt.Fprintln(w, color.YellowString("Failed package:  %s", id))
	}
	for _, id := range s.FailedBoundaries {
		fmt.Fprintln(w, color.YellowString("Failed boundary: %s", id))
	}
	if s.Error != "" {
		fmt.Fprintln(w, color.RedString("Error: %s", s.Error))
	}

	status := color.GreenString("Exit code: %d", code)
	if code != exitSuccess && code != exitRestartRequired {
		status = color.RedString("Exit code: %d", code)
	}
	_, err := fmt.Fprintln(w, status)
	return err
}

// progressPrinter writes package events as they are published.
func progressPrinter(w io.Writer) telemetry.EventSubscriber {
	var mu sync.Mutex
	return func(ev telemetry.Event) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Level == telemetry.EventLevelInfo {
			fmt.Fprintf(w, "  -> %s\n", ev.Message)
			return
		}
		fmt.Fprintln(w, color.RedString("  !! %s", ev.Message))
	}
}

func newApplyCommand() *cobra.Command {
	var (
		statePath       string
		action          string
		disableRollback bool
		noElevate       bool
		quiet           bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Plan and apply an action",
		Long: `Plan an action against a detected-state snapshot and apply it.

Per-user work runs in this process. When the plan touches per-machine
state, an elevated child is launched through the configured elevation
command and driven over a private pipe. Each run is recorded in the
state store and can be inspected with "burn state".

Exit codes: 0 success, 1 failure, 1602 canceled, 3010 restart required.`,
		Example: `  # Install
  burn apply --state state.yaml

  # Uninstall without launching an elevated child
  burn apply --state state.yaml --action uninstall --no-elevate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := loadEnv()
			if err != nil {
				return err
			}
			defer e.shutdown(ctx)
			logger := e.logger()

			state, p, err := buildPlan(ctx, e, statePath, action, disableRollback)
			if err != nil {
				return err
			}
			if err := e.tel.StartMetricsServer(); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}
			if !quiet && !jsonOutput {
				e.tel.Events.Subscribe(progressPrinter(cmd.ErrOrStderr()), telemetry.FilterByType(
					telemetry.EventTypePackageStarted,
					telemetry.EventTypePackageFailed,
					telemetry.EventTypeRollbackStarted,
				))
			}

			store, err := e.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			local := apply.NewDryRun(logger)
			var (
				elevated apply.Services
				session  *elevation.Session
			)
			switch {
			case !p.PerMachine:
			case noElevate:
				elevated = apply.NewDryRun(logger)
			default:
				session, err = launchElevated(ctx, e)
				if err != nil {
					return err
				}
				elevated = session
			}

			eng := apply.NewEngine(state, local, elevated,
				apply.WithLogger(logger),
				apply.WithLedger(store),
				apply.WithParallelCache(e.cfg.Apply.ParallelCacheAndExecute),
				apply.WithDisableRollback(disableRollback || e.cfg.Apply.DisableRollback),
				apply.WithProgress(func(done, total int) {
					logger.WithFields(map[string]interface{}{"done": done, "total": total}).Debug("Progress")
				}),
			)

			// A signal cancels between actions; rollback still runs to completion.
			stop := context.AfterFunc(ctx, eng.Cancel)
			result, applyErr := eng.Apply(context.WithoutCancel(e.tel.WithContext(ctx)), p)
			stop()

			code := exitCode(result, applyErr)
			if applyErr == nil {
				if err := saveState(ctx, session, store, state); err != nil {
					logger.WithError(err).Warn("Failed to save engine state")
				}
			}

			if session != nil {
				restart := result != nil && result.Restart != engine.RestartNone
				if _, err := session.Close(context.WithoutCancel(ctx), uint32(code), restart); err != nil {
					logger.WithError(err).Warn("Elevated child did not exit cleanly")
				}
			}

			if err := writeResult(cmd.OutOrStdout(), result, code, applyErr); err != nil {
				return err
			}
			if code != exitSuccess {
				return &ExitError{Code: code, Err: applyErr}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&statePath, "state", "s", "", "detected-state snapshot (YAML)")
	cmd.Flags().StringVarP(&action, "action", "a", string(engine.ActionInstall), "install, uninstall, modify, repair, cache or unsafe-uninstall")
	cmd.Flags().BoolVar(&disableRollback, "disable-rollback", false, "do not roll back on failure")
	cmd.Flags().BoolVar(&noElevate, "no-elevate", false, "run per-machine work in-process instead of an elevated child")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print package progress")
	_ = cmd.MarkFlagRequired("state")

	return cmd
}

func launchElevated(ctx context.Context, e *env) (*elevation.Session, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate burn executable: %w", err)
	}
	var extra []string
	if configPath != "" {
		extra = append(extra, "--config", configPath)
	}
	ops := platform.New("", e.cfg.Elevation.Command)
	return elevation.Launch(ctx, ops, elevation.LaunchOptions{
		Executable:     exe,
		Mode:           elevation.ModeElevated,
		Dir:            e.cfg.Elevation.PipeDir,
		ConnectTimeout: e.cfg.Elevation.ConnectTimeout,
		ExtraArgs:      extra,
		Logger:         e.logger(),
		Metrics:        e.tel.Metrics,
	})
}

// saveState persists the detected state. Per-machine bundles write through
// the elevated child.
func saveState(ctx context.Context, session *elevation.Session, saver engine.StateSaver, state *engine.EngineState) error {
	data, err := config.MarshalSnapshot(state)
	if err != nil {
		return err
	}
	if session != nil && state.Registration.PerMachine {
		saver = session
	}
	return saver.SaveState(ctx, state.Registration.BundleID, data)
}
