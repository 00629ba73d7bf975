// Copyright 2024-2026 Aiku AI

package bridge

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/random"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/telewp/pkg/bridge/alert"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the root of the bridge configuration file.
type Config struct {
	Telegram  TelegramConfig    `yaml:"telegram"`
	WordPress WordPressConfig   `yaml:"wordpress"`
	Delivery  DeliveryConfig    `yaml:"delivery"`
	Server    ServerConfig      `yaml:"server"`
	Alerts    alert.Config      `yaml:"alerts"`
	Database  dbutil.Config     `yaml:"database"`
	Logging   zeroconfig.Config `yaml:"logging"`
}

// TelegramConfig is the source side: the bot and the webhook registration.
type TelegramConfig struct {
	// Token is the bot token issued by BotFather.
	Token string `yaml:"token"`
	// WebhookSecret is the path secret baked into the webhook URL. Telegram
	// can only authenticate by URL, so this is the whole auth story.
	WebhookSecret string `yaml:"webhook_secret"`
	// PublicURL is the externally reachable base URL of this bridge, used
	// when registering the webhook with Telegram.
	PublicURL string `yaml:"public_url"`
	// ChannelOnly drops messages from chats that are not channels.
	ChannelOnly bool `yaml:"channel_only"`
	// RequiredHashtag, when set, only bridges new messages carrying the
	// tag. Edits and deletions of previously bridged messages always pass.
	RequiredHashtag string `yaml:"required_hashtag"`
}

// WordPressConfig is the target side: site, credentials, and post shape.
type WordPressConfig struct {
	// BaseURL is the site root, e.g. https://blog.example.com.
	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`
	// AppPassword is a WordPress application password for Username.
	AppPassword string `yaml:"app_password"`
	// Status is the post status for created posts.
	Status string `yaml:"status"`
	// Categories are WordPress category IDs attached to created posts.
	Categories []int `yaml:"categories"`
	// TitleLength caps generated titles, in runes.
	TitleLength int `yaml:"title_length"`
	// MediaOptional publishes posts without attachments that could not be
	// fetched instead of retrying the whole delivery.
	MediaOptional bool `yaml:"media_optional"`
	// RateLimit and RateBurst throttle requests to the site. Zero RateLimit
	// disables throttling.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
	// TimeoutSeconds limits one HTTP request to the site.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// DeliveryConfig tunes the delivery pipeline and retry loop.
type DeliveryConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
	// MaxAttempts bounds publish attempts per event, counted across
	// restarts.
	MaxAttempts           int     `yaml:"max_attempts"`
	BackoffBaseSeconds    int     `yaml:"backoff_base_seconds"`
	BackoffCapSeconds     int     `yaml:"backoff_cap_seconds"`
	JitterFraction        float64 `yaml:"jitter_fraction"`
	AttemptTimeoutSeconds int     `yaml:"attempt_timeout_seconds"`
	// InflightStalenessSeconds is how long an in-flight delivery may go
	// untouched before it is presumed abandoned and reclaimed.
	InflightStalenessSeconds int `yaml:"inflight_staleness_seconds"`
	// RequeueIntervalSeconds is how often stalled deliveries are swept back
	// into the queue.
	RequeueIntervalSeconds int `yaml:"requeue_interval_seconds"`
	// RedeliverFailed re-admits events whose earlier delivery failed
	// terminally, giving them a fresh attempt budget.
	RedeliverFailed bool `yaml:"redeliver_failed"`
}

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
	MaxBodyBytes  int64  `yaml:"max_body_bytes"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess normalizes values after parsing.
func (c *Config) PostProcess() error {
	c.WordPress.BaseURL = strings.TrimRight(c.WordPress.BaseURL, "/")
	c.Telegram.PublicURL = strings.TrimRight(c.Telegram.PublicURL, "/")
	if c.Delivery.JitterFraction < 0 {
		return fmt.Errorf("delivery.jitter_fraction must not be negative")
	}
	return nil
}

// Validate reports the first missing required field. The bridge refuses to
// start without these; auxiliary commands check only what they use.
func (c *Config) Validate() error {
	switch {
	case c.Telegram.Token == "":
		return errors.New("telegram.token is required")
	case c.Telegram.WebhookSecret == "":
		return errors.New("telegram.webhook_secret is required")
	case c.WordPress.BaseURL == "":
		return errors.New("wordpress.base_url is required")
	case c.WordPress.Username == "":
		return errors.New("wordpress.username is required")
	case c.WordPress.AppPassword == "":
		return errors.New("wordpress.app_password is required")
	case c.Database.URI == "":
		return errors.New("database.uri is required")
	}
	return nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "telegram", "token")
	if secret, ok := helper.Get(up.Str, "telegram", "webhook_secret"); !ok || secret == "" || secret == "generate" {
		helper.Set(up.Str, random.String(32), "telegram", "webhook_secret")
	} else {
		helper.Copy(up.Str, "telegram", "webhook_secret")
	}
	helper.Copy(up.Str, "telegram", "public_url")
	helper.Copy(up.Bool, "telegram", "channel_only")
	helper.Copy(up.Str, "telegram", "required_hashtag")

	helper.Copy(up.Str, "wordpress", "base_url")
	helper.Copy(up.Str, "wordpress", "username")
	helper.Copy(up.Str, "wordpress", "app_password")
	helper.Copy(up.Str, "wordpress", "status")
	helper.Copy(up.List, "wordpress", "categories")
	helper.Copy(up.Int, "wordpress", "title_length")
	helper.Copy(up.Bool, "wordpress", "media_optional")
	helper.Copy(up.Float, "wordpress", "rate_limit")
	helper.Copy(up.Int, "wordpress", "rate_burst")
	helper.Copy(up.Int, "wordpress", "timeout_seconds")

	helper.Copy(up.Int, "delivery", "workers")
	helper.Copy(up.Int, "delivery", "queue_size")
	helper.Copy(up.Int, "delivery", "max_attempts")
	helper.Copy(up.Int, "delivery", "backoff_base_seconds")
	helper.Copy(up.Int, "delivery", "backoff_cap_seconds")
	helper.Copy(up.Float, "delivery", "jitter_fraction")
	helper.Copy(up.Int, "delivery", "attempt_timeout_seconds")
	helper.Copy(up.Int, "delivery", "inflight_staleness_seconds")
	helper.Copy(up.Int, "delivery", "requeue_interval_seconds")
	helper.Copy(up.Bool, "delivery", "redeliver_failed")

	helper.Copy(up.Str, "server", "listen_address")
	helper.Copy(up.Int, "server", "max_body_bytes")

	helper.Copy(up.Map|up.Null, "alerts", "webhook")
	helper.Copy(up.Map|up.Null, "alerts", "redis")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Int, "database", "max_open_conns")
	helper.Copy(up.Int, "database", "max_idle_conns")
	helper.Copy(up.Str|up.Null, "database", "max_conn_idle_time")
	helper.Copy(up.Str|up.Null, "database", "max_conn_lifetime")

	helper.Copy(up.Map, "logging")
}

// ConfigUpgrader migrates existing config files onto the current example
// layout while keeping user values.
var ConfigUpgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks:         SpacedBlocks,
	Base:           ExampleConfig,
}

// SpacedBlocks are the top-level sections separated by blank lines when the
// config file is rewritten.
var SpacedBlocks = [][]string{
	{"telegram"},
	{"wordpress"},
	{"delivery"},
	{"server"},
	{"alerts"},
	{"database"},
	{"logging"},
}

// LoadConfig reads path, upgrades it onto the current layout, and parses
// it. With save set, the upgraded file is written back in place.
func LoadConfig(path string, save bool) (*Config, error) {
	if save {
		// First run: materialize the example config so the upgrade pass can
		// fill in generated secrets and the operator has a file to edit.
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			if err = os.WriteFile(path, []byte(ExampleConfig), 0o600); err != nil {
				return nil, fmt.Errorf("failed to write example config: %w", err)
			}
		}
	}
	data, _, err := up.Do(path, save, ConfigUpgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
