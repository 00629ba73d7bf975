// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/ptr"
	"go.mau.fi/zeroconfig"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/telewp/pkg/bridge/alert"
	"github.com/aiku/telewp/pkg/bridge/database"
	"github.com/aiku/telewp/pkg/telegram"
	"github.com/aiku/telewp/pkg/wordpress"
)

// WebhookURL is the externally reachable webhook endpoint for the given
// public base URL and path secret. It is what gets registered with Telegram.
func WebhookURL(publicURL, secret string) string {
	return strings.TrimRight(publicURL, "/") + "/webhook/" + secret
}

// Bridge owns every component of a running bridge process.
type Bridge struct {
	Config *Config
	Log    *zerolog.Logger

	DB        *database.Database
	Metrics   *Metrics
	Telegram  *telegram.Client
	WordPress *wordpress.Client
	Alerts    *alert.Dispatcher
	Store     *Store
	Pipeline  *Pipeline
	Server    *Server
}

// New assembles a Bridge from cfg. It opens the database handle but leaves
// the schema alone until Run.
func New(cfg *Config) (*Bridge, error) {
	log, err := compileLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}
	rawDB, err := dbutil.NewFromConfig("telewp", cfg.Database, dbutil.ZeroLogger(log.With().Str("db_section", "main").Logger()))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db := database.New(rawDB)
	alerts, err := alert.BuildDispatcher(cfg.Alerts, *log)
	if err != nil {
		return nil, fmt.Errorf("failed to configure alerts: %w", err)
	}
	metrics := NewMetrics()
	tg := telegram.NewClient(cfg.Telegram.Token, *log)
	wp := wordpress.NewClient(wordpress.Config{
		BaseURL:     cfg.WordPress.BaseURL,
		Username:    cfg.WordPress.Username,
		AppPassword: cfg.WordPress.AppPassword,
		Timeout:     time.Duration(cfg.WordPress.TimeoutSeconds) * time.Second,
		RateLimit:   cfg.WordPress.RateLimit,
		RateBurst:   cfg.WordPress.RateBurst,
	}, *log)

	store := NewStore(db, *log,
		time.Duration(cfg.Delivery.InflightStalenessSeconds)*time.Second,
		cfg.Delivery.RedeliverFailed)
	mapper := NewMapper(store, tg, *log, MapperOpts{
		TitleLength:   cfg.WordPress.TitleLength,
		PostStatus:    cfg.WordPress.Status,
		Categories:    cfg.WordPress.Categories,
		MediaOptional: cfg.WordPress.MediaOptional,
	})
	deliverer := NewDeliverer(store, mapper, NewWordPressPublisher(wp, *log), alerts, metrics, *log, DelivererOpts{
		MaxAttempts:    cfg.Delivery.MaxAttempts,
		BackoffBase:    time.Duration(cfg.Delivery.BackoffBaseSeconds) * time.Second,
		BackoffCap:     time.Duration(cfg.Delivery.BackoffCapSeconds) * time.Second,
		JitterFraction: cfg.Delivery.JitterFraction,
		AttemptTimeout: time.Duration(cfg.Delivery.AttemptTimeoutSeconds) * time.Second,
	})
	normalizer := &Normalizer{
		ChannelOnly:     cfg.Telegram.ChannelOnly,
		RequiredHashtag: cfg.Telegram.RequiredHashtag,
	}
	pipeline := NewPipeline(normalizer, store, deliverer, metrics, *log, PipelineOpts{
		Workers:         cfg.Delivery.Workers,
		QueueSize:       cfg.Delivery.QueueSize,
		RequeueInterval: time.Duration(cfg.Delivery.RequeueIntervalSeconds) * time.Second,
	})
	server := NewServer(pipeline, store, metrics, *log, ServerOpts{
		ListenAddress: cfg.Server.ListenAddress,
		Secret:        cfg.Telegram.WebhookSecret,
		MaxBodyBytes:  cfg.Server.MaxBodyBytes,
	})

	return &Bridge{
		Config:    cfg,
		Log:       log,
		DB:        db,
		Metrics:   metrics,
		Telegram:  tg,
		WordPress: wp,
		Alerts:    alerts,
		Store:     store,
		Pipeline:  pipeline,
		Server:    server,
	}, nil
}

// Run upgrades the database schema, then serves the webhook and works the
// delivery queue until ctx is canceled. It does not close the bridge.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.DB.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade database schema: %w", err)
	}
	b.Log.Info().
		Str("listen_address", b.Config.Server.ListenAddress).
		Str("wordpress", b.Config.WordPress.BaseURL).
		Msg("Bridge starting")
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return b.Pipeline.Run(gctx)
	})
	group.Go(func() error {
		return b.Server.Run(gctx)
	})
	err := group.Wait()
	b.Log.Info().Msg("Bridge stopped")
	return err
}

// Close releases the database and alert sinks.
func (b *Bridge) Close() {
	if err := b.DB.Close(); err != nil {
		b.Log.Warn().Err(err).Msg("Failed to close database")
	}
	b.Alerts.Close()
}

func compileLogger(cfg *zeroconfig.Config) (*zerolog.Logger, error) {
	if len(cfg.Writers) == 0 {
		cfg.MinLevel = ptr.Ptr(zerolog.DebugLevel)
		cfg.Writers = []zeroconfig.WriterConfig{{
			Type:   zeroconfig.WriterTypeStdout,
			Format: zeroconfig.LogFormatPrettyColored,
		}}
	}
	return cfg.Compile()
}

// wordpressPublisher realizes publishable documents against a WordPress
// site: attachments go to the media library, then the post itself is
// written with the first photo as its featured image.
type wordpressPublisher struct {
	client *wordpress.Client
	log    zerolog.Logger
}

var _ Publisher = (*wordpressPublisher)(nil)

// NewWordPressPublisher adapts a wordpress.Client to the Publisher interface
// the Deliverer drives.
func NewWordPressPublisher(client *wordpress.Client, log zerolog.Logger) Publisher {
	return &wordpressPublisher{
		client: client,
		log:    log.With().Str("component", "publisher").Logger(),
	}
}

func (p *wordpressPublisher) CreateDocument(ctx context.Context, doc *PublishableDocument) (*PublishResult, error) {
	params := wordpress.PostParams{
		Title:      doc.Title,
		Content:    doc.Content,
		Status:     doc.Status,
		Slug:       doc.Slug,
		Categories: doc.Categories,
	}
	// Media uploads are not slug-keyed, so a retry after a lost outcome may
	// re-upload attachments. The post itself stays deduplicated.
	var gallery strings.Builder
	for i, item := range doc.Media {
		media, err := p.client.UploadMedia(ctx, mediaFilename(item, i), mediaMIME(item), item.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to upload attachment %d: %w", i+1, err)
		}
		p.log.Debug().
			Str("slug", doc.Slug).
			Int64("media_id", media.ID).
			Str("kind", string(item.Ref.Kind)).
			Msg("Uploaded attachment")
		if params.FeaturedMedia == 0 && item.Ref.Kind == MediaPhoto {
			params.FeaturedMedia = media.ID
			continue
		}
		writeEmbed(&gallery, item, media)
	}
	params.Content += gallery.String()
	post, err := p.client.CreatePost(ctx, params)
	if err != nil {
		return nil, err
	}
	return &PublishResult{ID: post.ID, URL: post.Link}, nil
}

func (p *wordpressPublisher) UpdateDocument(ctx context.Context, doc *PublishableDocument) (*PublishResult, error) {
	post, err := p.client.UpdatePost(ctx, doc.TargetID, wordpress.PostParams{
		Title:   doc.Title,
		Content: doc.Content,
	})
	if err != nil {
		return nil, err
	}
	return &PublishResult{ID: post.ID, URL: post.Link}, nil
}

func (p *wordpressPublisher) RetractDocument(ctx context.Context, doc *PublishableDocument) error {
	return p.client.DeletePost(ctx, doc.TargetID)
}

func (p *wordpressPublisher) FindDocumentBySlug(ctx context.Context, slug string) (*PublishResult, error) {
	post, err := p.client.FindPostBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if post == nil {
		return nil, nil
	}
	return &PublishResult{ID: post.ID, URL: post.Link}, nil
}

func writeEmbed(out *strings.Builder, item ResolvedMedia, media *wordpress.Media) {
	src := html.EscapeString(media.SourceURL)
	switch item.Ref.Kind {
	case MediaPhoto:
		fmt.Fprintf(out, `<figure class="wp-block-image"><img src="%s" alt=""/></figure>`, src)
	case MediaVideo, MediaAnimation:
		fmt.Fprintf(out, `<figure class="wp-block-video"><video controls src="%s"></video></figure>`, src)
	default:
		label := item.Ref.FileName
		if label == "" {
			label = string(item.Ref.Kind)
		}
		fmt.Fprintf(out, `<p><a href="%s">%s</a></p>`, src, html.EscapeString(label))
	}
}

func mediaFilename(item ResolvedMedia, index int) string {
	if item.Ref.FileName != "" {
		return item.Ref.FileName
	}
	ext := ".bin"
	switch mediaMIME(item) {
	case "image/jpeg":
		ext = ".jpg"
	case "image/png":
		ext = ".png"
	case "image/gif":
		ext = ".gif"
	case "image/webp":
		ext = ".webp"
	case "video/mp4":
		ext = ".mp4"
	}
	return fmt.Sprintf("%s-%d%s", item.Ref.Kind, index+1, ext)
}

func mediaMIME(item ResolvedMedia) string {
	if item.Ref.MIMEType != "" {
		return item.Ref.MIMEType
	}
	switch item.Ref.Kind {
	case MediaPhoto:
		return "image/jpeg"
	case MediaVideo, MediaAnimation:
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}
