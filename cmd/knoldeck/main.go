package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/conorfennell/knoldeck/internal/config"
	"github.com/conorfennell/knoldeck/internal/logging"
	"github.com/conorfennell/knoldeck/internal/shell"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "knoldeck: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Flags, then settings.yaml and environment
	fs := config.NewFlagSet("knoldeck")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg, err := config.Load(fs)
	if err != nil {
		return err
	}

	// 2. Logging goes to stderr, away from the shell output
	logger := logging.New(cfg.LogLevel, os.Stderr)
	slog.SetDefault(logger)

	// 3. Interrupts end the current session cleanly
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := shell.NewApp(ctx, cfg, shell.Options{
		In:          os.Stdin,
		Out:         os.Stdout,
		Interactive: shell.Interactive(os.Stdin),
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer app.Close()
	return app.Run(ctx)
}
