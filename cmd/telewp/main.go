// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command telewp bridges a Telegram channel into a WordPress site. It
// receives bot webhook updates, deduplicates them against a durable record
// store, and publishes each channel message as a blog post exactly once.
//
// The run command starts the bridge; the remaining commands manage the
// Telegram webhook registration and inspect a deployment.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	_ "github.com/lib/pq"
	_ "go.mau.fi/util/dbutil/litestream"

	"github.com/aiku/telewp/pkg/bridge"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "telewp",
		Usage:   "A Telegram-to-WordPress publishing bridge",
		Version: fmt.Sprintf("%s (commit %s, built %s)", Tag, Commit, BuildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to the config file",
				EnvVars: []string{"TELEWP_CONFIG"},
			},
		},
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			runCommand(),
			setWebhookCommand(),
			webhookInfoCommand(),
			deleteWebhookCommand(),
			checkCommand(),
			statusCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		// ExitErrHandler already exited for cli.ExitCoder errors; this
		// handles anything that was not wrapped.
		os.Exit(1)
	}
}

// exitErrHandler preserves exit codes from cli.Exit and prints everything
// else with a uniform prefix.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	var coder cli.ExitCoder
	if errors.As(err, &coder) {
		if msg := coder.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(coder.ExitCode())
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func loadConfig(c *cli.Context, save bool) (*bridge.Config, error) {
	cfg, err := bridge.LoadConfig(c.String("config"), save)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("failed to load config %s: %v", c.String("config"), err), 1)
	}
	return cfg, nil
}
