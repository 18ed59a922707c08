package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/burnengine/burn/cmd/burn/commands"
	"github.com/burnengine/burn/pkg/telemetry"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(telemetry.ParseLevel(os.Getenv("LOG_LEVEL")))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := commands.Execute(ctx, Version, Commit, BuildDate)
	stop()

	var exit *commands.ExitError
	switch {
	case errors.As(err, &exit):
		if exit.Err != nil {
			log.Error().Err(exit.Err).Int("exit_code", exit.Code).Msg("Command failed")
		}
		os.Exit(exit.Code)
	case err != nil:
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
