package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/a-essam23/go-docsync/internal/server"
	"github.com/a-essam23/go-docsync/pkg/config"
	"github.com/a-essam23/go-docsync/pkg/logging"
)

func main() {
	app := &cli.App{
		Name:  "go-docsync",
		Usage: "real-time collaborative document sync server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config",
				Usage:   "config file name in the working directory, or a path to a YAML file",
				EnvVars: []string{"DOCSYNC_CONFIG"},
			},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error (overrides log.level)"},
			&cli.StringFlag{Name: "addr", Usage: "listen address host:port (overrides server.address)"},
			&cli.StringFlag{Name: "data-dir", Usage: "document directory for the file backend (overrides storage.dataDir)"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		slog.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	// bootstrap logger until the configured one is known
	logger, err := logging.FromConfig(c.String("log-level"), "")
	if err != nil {
		return err
	}

	cfg, err := config.Load(logger, c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("addr") {
		cfg.Server.Address = c.String("addr")
	}
	if c.IsSet("data-dir") {
		cfg.Storage.DataDir = c.String("data-dir")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}

	logger, err = logging.FromConfig(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := server.NewApp(logger, ctx, cfg)
	if err != nil {
		return err
	}
	if err := app.Run(); err != nil {
		return err
	}
	logger.Info("Application shut down successfully.")
	return nil
}
