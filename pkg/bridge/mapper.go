// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aiku/telewp/pkg/bridge/database"
	"github.com/aiku/telewp/pkg/bridge/wpfmt"
)

// MediaFetcher downloads a media item from the source by file id.
type MediaFetcher interface {
	DownloadFileID(ctx context.Context, fileID string) ([]byte, error)
}

type threadIndex interface {
	LatestPublishedInThread(ctx context.Context, threadID string) (*database.Record, error)
}

// DefaultPostStatus is the WordPress status new posts are created with.
const DefaultPostStatus = "publish"

// MapperOpts tunes document construction.
type MapperOpts struct {
	// TitleLength caps generated post titles, in runes.
	TitleLength int
	// PostStatus is the WordPress post status for creates.
	PostStatus string
	// Categories are attached to every created post.
	Categories []int
	// MediaOptional publishes posts without attachments that could not be
	// fetched, instead of failing the attempt.
	MediaOptional bool
}

// Mapper turns a BridgeEvent into the PublishableDocument that realizes it
// on the target site. Mapping happens per delivery attempt, not at
// admission: it reads the thread index and fetches media, and both may
// change between attempts.
type Mapper struct {
	threads threadIndex
	media   MediaFetcher
	log     zerolog.Logger

	titleLength   int
	postStatus    string
	categories    []int
	mediaOptional bool
}

// NewMapper wires a Mapper. media may be nil when the source cannot serve
// file downloads; attachments then follow the MediaOptional policy.
func NewMapper(store *Store, media MediaFetcher, log zerolog.Logger, opts MapperOpts) *Mapper {
	if opts.TitleLength <= 0 {
		opts.TitleLength = wpfmt.DefaultTitleLength
	}
	if opts.PostStatus == "" {
		opts.PostStatus = DefaultPostStatus
	}
	return &Mapper{
		threads: store,
		media:   media,
		log:     log.With().Str("component", "mapper").Logger(),

		titleLength:   opts.TitleLength,
		postStatus:    opts.PostStatus,
		categories:    opts.Categories,
		mediaOptional: opts.MediaOptional,
	}
}

// Map resolves the event's disposition against the thread index and builds
// the document.
//
// New messages create. Edits update the thread's published post, or create
// one when nothing was published yet, so an edit arriving ahead of (or
// instead of) its original still lands. Deletions retract the published
// post; a deletion whose post is not published yet fails partially and gets
// retried, covering a deletion racing its own message through the pipeline.
func (m *Mapper) Map(ctx context.Context, evt *BridgeEvent) (*PublishableDocument, error) {
	switch evt.Kind {
	case EventText, EventMedia:
		return m.buildCreate(ctx, evt)
	case EventEdit:
		prior, err := m.threads.LatestPublishedInThread(ctx, evt.ThreadID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve edit target: %w", err)
		}
		if prior == nil {
			m.log.Debug().Str("thread_id", evt.ThreadID).
				Msg("Edit without published post, publishing as new")
			return m.buildCreate(ctx, evt)
		}
		if prior.Kind == string(EventDelete) {
			return nil, invalidMapping("edited message was already retracted")
		}
		doc := m.buildDocument(evt)
		doc.Disposition = DispositionUpdate
		doc.TargetID = prior.RemoteID
		return doc, nil
	case EventDelete:
		prior, err := m.threads.LatestPublishedInThread(ctx, evt.ThreadID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve retract target: %w", err)
		}
		if prior == nil {
			return nil, partialMapping("no published post for deleted message yet", nil)
		}
		// A second deletion of the same thread targets the retracted post
		// and succeeds through the already-gone path.
		return &PublishableDocument{
			Disposition: DispositionRetract,
			TargetID:    prior.RemoteID,
			Slug:        PostSlug(evt.Fingerprint),
		}, nil
	default:
		return nil, invalidMapping(fmt.Sprintf("unknown event kind %q", evt.Kind))
	}
}

func (m *Mapper) buildCreate(ctx context.Context, evt *BridgeEvent) (*PublishableDocument, error) {
	doc := m.buildDocument(evt)
	doc.Disposition = DispositionCreate
	media, err := m.resolveMedia(ctx, evt)
	if err != nil {
		return nil, err
	}
	doc.Media = media
	return doc, nil
}

func (m *Mapper) buildDocument(evt *BridgeEvent) *PublishableDocument {
	return &PublishableDocument{
		Slug:       PostSlug(evt.Fingerprint),
		Title:      wpfmt.BuildTitle(evt.Text, m.titleLength),
		Content:    wpfmt.TextToHTML(evt.Text),
		Status:     m.postStatus,
		Categories: m.categories,
	}
}

func (m *Mapper) resolveMedia(ctx context.Context, evt *BridgeEvent) ([]ResolvedMedia, error) {
	if len(evt.Media) == 0 {
		return nil, nil
	}
	if m.media == nil {
		if m.mediaOptional {
			return nil, nil
		}
		return nil, invalidMapping("event has media but no media source is configured")
	}
	resolved := make([]ResolvedMedia, 0, len(evt.Media))
	for _, ref := range evt.Media {
		data, err := m.media.DownloadFileID(ctx, ref.FileID)
		if err != nil {
			if m.mediaOptional {
				m.log.Warn().Err(err).
					Str("file_id", ref.FileID).
					Str("fingerprint", evt.Fingerprint).
					Msg("Dropping unfetchable media item")
				continue
			}
			return nil, partialMapping(fmt.Sprintf("failed to fetch media %s", ref.FileID), err)
		}
		sum := sha256.Sum256(data)
		resolved = append(resolved, ResolvedMedia{
			Ref:         ref,
			Data:        data,
			ContentHash: hex.EncodeToString(sum[:]),
		})
	}
	return resolved, nil
}
