// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/aiku/telewp/pkg/bridge"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the bridge",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "no-update",
				Usage: "Do not rewrite the config file with missing defaults",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c, !c.Bool("no-update"))
	if err != nil {
		return err
	}
	if err = cfg.Validate(); err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), 1)
	}
	br, err := bridge.New(cfg)
	if err != nil {
		return err
	}
	defer br.Close()
	br.Log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Initializing telewp")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return br.Run(ctx)
}
