// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"go.mau.fi/util/dbutil"

	"github.com/aiku/telewp/pkg/bridge"
	"github.com/aiku/telewp/pkg/bridge/database"
	"github.com/aiku/telewp/pkg/telegram"
	"github.com/aiku/telewp/pkg/wordpress"
)

// adminTimeout bounds the remote calls of one admin command.
const adminTimeout = 30 * time.Second

func setWebhookCommand() *cli.Command {
	return &cli.Command{
		Name:  "set-webhook",
		Usage: "Register the bridge's webhook URL with Telegram",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Print the webhook URL without registering it",
			},
		},
		Action: setWebhookAction,
	}
}

func setWebhookAction(c *cli.Context) error {
	cfg, err := loadConfig(c, false)
	if err != nil {
		return err
	}
	if cfg.Telegram.Token == "" || cfg.Telegram.WebhookSecret == "" || cfg.Telegram.PublicURL == "" {
		return cli.Exit("set-webhook needs telegram.token, telegram.webhook_secret and telegram.public_url", 1)
	}
	webhookURL := bridge.WebhookURL(cfg.Telegram.PublicURL, cfg.Telegram.WebhookSecret)
	if c.Bool("dry-run") {
		fmt.Println(webhookURL)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()
	client := telegram.NewClient(cfg.Telegram.Token, zerolog.Nop())
	if err = client.SetWebhook(ctx, webhookURL); err != nil {
		return fmt.Errorf("failed to register webhook: %w", err)
	}
	fmt.Println("Webhook registered")
	return nil
}

func webhookInfoCommand() *cli.Command {
	return &cli.Command{
		Name:  "webhook-info",
		Usage: "Show the current webhook registration as Telegram sees it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "format",
				Value: "table",
				Usage: "Output format: table or json",
			},
		},
		Action: webhookInfoAction,
	}
}

func webhookInfoAction(c *cli.Context) error {
	cfg, err := loadConfig(c, false)
	if err != nil {
		return err
	}
	if cfg.Telegram.Token == "" {
		return cli.Exit("webhook-info needs telegram.token", 1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()
	client := telegram.NewClient(cfg.Telegram.Token, zerolog.Nop())
	info, err := client.GetWebhookInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch webhook info: %w", err)
	}
	switch c.String("format") {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	case "table":
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "URL:\t%s\n", info.URL)
		fmt.Fprintf(w, "Pending updates:\t%d\n", info.PendingUpdateCount)
		if info.MaxConnections > 0 {
			fmt.Fprintf(w, "Max connections:\t%d\n", info.MaxConnections)
		}
		if !info.LastErrorDate.IsZero() {
			fmt.Fprintf(w, "Last error:\t%s (%s)\n", info.LastErrorMessage, info.LastErrorDate.Format(time.RFC1123))
		}
		return w.Flush()
	default:
		return cli.Exit(fmt.Sprintf("unknown format %q, want table or json", c.String("format")), 1)
	}
}

func deleteWebhookCommand() *cli.Command {
	return &cli.Command{
		Name:  "delete-webhook",
		Usage: "Unregister the webhook so Telegram stops delivering updates",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "drop-pending",
				Usage: "Also drop updates Telegram queued while the webhook was down",
			},
		},
		Action: deleteWebhookAction,
	}
}

func deleteWebhookAction(c *cli.Context) error {
	cfg, err := loadConfig(c, false)
	if err != nil {
		return err
	}
	if cfg.Telegram.Token == "" {
		return cli.Exit("delete-webhook needs telegram.token", 1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()
	client := telegram.NewClient(cfg.Telegram.Token, zerolog.Nop())
	if err = client.DeleteWebhook(ctx, c.Bool("drop-pending")); err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	fmt.Println("Webhook deleted")
	return nil
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Verify Telegram and WordPress credentials and the webhook registration",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "auto-fix-webhook",
				Usage: "Re-register the webhook when it does not match the config",
			},
		},
		Action: checkAction,
	}
}

func checkAction(c *cli.Context) error {
	cfg, err := loadConfig(c, false)
	if err != nil {
		return err
	}
	if err = cfg.Validate(); err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), 1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	failures := 0
	tg := telegram.NewClient(cfg.Telegram.Token, zerolog.Nop())
	if bot, err := tg.GetMe(ctx); err != nil {
		fmt.Printf("telegram:  FAIL  %v\n", err)
		failures++
	} else {
		fmt.Printf("telegram:  ok    @%s\n", bot.Username)
	}

	wp := wordpress.NewClient(wordpress.Config{
		BaseURL:     cfg.WordPress.BaseURL,
		Username:    cfg.WordPress.Username,
		AppPassword: cfg.WordPress.AppPassword,
		Timeout:     time.Duration(cfg.WordPress.TimeoutSeconds) * time.Second,
	}, zerolog.Nop())
	if site, err := wp.Ping(ctx); err != nil {
		fmt.Printf("wp site:   FAIL  %v\n", err)
		failures++
	} else {
		fmt.Printf("wp site:   ok    %s\n", site.Name)
	}
	if user, err := wp.Me(ctx); err != nil {
		fmt.Printf("wp auth:   FAIL  %v\n", err)
		failures++
	} else {
		fmt.Printf("wp auth:   ok    %s\n", user.Name)
	}

	want := bridge.WebhookURL(cfg.Telegram.PublicURL, cfg.Telegram.WebhookSecret)
	info, err := tg.GetWebhookInfo(ctx)
	switch {
	case err != nil:
		fmt.Printf("webhook:   FAIL  %v\n", err)
		failures++
	case info.URL == want:
		fmt.Printf("webhook:   ok\n")
	case c.Bool("auto-fix-webhook"):
		if err = tg.SetWebhook(ctx, want); err != nil {
			fmt.Printf("webhook:   FAIL  could not fix: %v\n", err)
			failures++
		} else {
			fmt.Printf("webhook:   fixed\n")
		}
	case info.URL == "":
		fmt.Printf("webhook:   FAIL  not registered (run set-webhook)\n")
		failures++
	default:
		fmt.Printf("webhook:   FAIL  registered URL does not match the config\n")
		failures++
	}

	if failures > 0 {
		return cli.Exit(fmt.Sprintf("%d check(s) failed", failures), 1)
	}
	fmt.Println("All checks passed")
	return nil
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show delivery record counts from the database",
		Action: statusAction,
	}
}

func statusAction(c *cli.Context) error {
	cfg, err := loadConfig(c, false)
	if err != nil {
		return err
	}
	if cfg.Database.URI == "" {
		return cli.Exit("status needs database.uri", 1)
	}
	rawDB, err := dbutil.NewFromConfig("telewp", cfg.Database, dbutil.ZeroLogger(zerolog.Nop()))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db := database.New(rawDB)
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()
	// Upgrade is idempotent and a fresh database has no tables to count.
	if err = db.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade database schema: %w", err)
	}
	counts, err := db.Record.CountStates(ctx)
	if err != nil {
		return fmt.Errorf("failed to count delivery records: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	total := 0
	for _, sc := range counts {
		label := string(sc.State)
		if sc.State == database.StateFailed && sc.Terminal {
			label = "failed (terminal)"
		}
		fmt.Fprintf(w, "%s\t%d\n", label, sc.Count)
		total += sc.Count
	}
	fmt.Fprintf(w, "total\t%d\n", total)
	return w.Flush()
}
