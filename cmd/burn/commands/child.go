package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/burnengine/burn/pkg/apply"
	"github.com/burnengine/burn/pkg/elevation"
	"github.com/burnengine/burn/pkg/pipe"
	"github.com/burnengine/burn/pkg/platform"
	"github.com/burnengine/burn/pkg/telemetry"
)

type childMode struct {
	name  string
	short string
	// lock holds the machine lock for the session.
	lock bool
}

var (
	childElevated = childMode{
		name:  elevation.ModeElevated,
		short: "Serve per-machine requests for a parent engine",
		lock:  true,
	}
	childEmbedded = childMode{
		name:  elevation.ModeEmbedded,
		short: "Serve requests for a parent bundle that embeds this one",
	}
)

func newChildCommand(mode childMode) *cobra.Command {
	var pipeDir string

	cmd := &cobra.Command{
		Use:    mode.name + " NAME SECRET PARENT_PID",
		Short:  mode.short,
		Hidden: true,
		Args:   cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			parentPID, err := strconv.Atoi(args[2])
			if err != nil || parentPID <= 0 {
				return fmt.Errorf("invalid parent process id %q", args[2])
			}

			e, err := loadEnv()
			if err != nil {
				return err
			}
			defer e.shutdown(cmd.Context())
			ctx := e.tel.WithContext(cmd.Context())

			conn, err := pipe.Connect(ctx, pipe.ConnectOptions{
				Dir:       pipeDir,
				Name:      args[0],
				Secret:    args[1],
				ParentPID: parentPID,
				Interval:  e.cfg.Elevation.ConnectInterval,
				Timeout:   e.cfg.Elevation.ConnectTimeout,
				Logger:    e.logger(),
			})
			if err != nil {
				return fmt.Errorf("failed to connect to parent: %w", err)
			}
			defer conn.Close()

			// From here on the parent shows the child's log.
			logger := telemetry.NewWriterLogger(elevation.NewLogWriter(conn.Log), e.cfg.Logging.Level).
				WithField("pid", os.Getpid())

			store, err := e.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			dry := apply.NewDryRun(logger)
			svc := elevation.Services{
				Executor:     dry,
				Cache:        dry,
				Dependencies: dry,
				Registration: dry,
				Transactions: dry,
				State:        store,
			}
			opts := []elevation.ChildOption{elevation.WithChildLogger(logger)}
			if mode.lock {
				opts = append(opts, elevation.WithMachineLock(platform.New("", nil), elevation.MachineLockName))
			}

			term, err := elevation.ChildPumpMessages(ctx, conn, svc, opts...)
			if err != nil {
				return err
			}
			logger.WithFields(map[string]interface{}{
				"exit_code": term.ExitCode,
				"restart":   term.Restart,
			}).Debug("Child exiting")
			if term.ExitCode != 0 {
				return &ExitError{Code: int(term.ExitCode)}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&pipeDir, "pipe-dir", "", "directory holding the parent's sockets")
	return cmd
}
