// Copyright 2024-2026 Aiku AI

package bridge

import (
	"go.mau.fi/util/jsontime"
)

// EventKind classifies a normalized source event.
type EventKind string

const (
	EventText   EventKind = "text_message"
	EventMedia  EventKind = "media_message"
	EventEdit   EventKind = "edited_message"
	EventDelete EventKind = "deleted_message"
)

// MediaKind is the declared type of an attached media item.
type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaAnimation MediaKind = "animation"
	MediaDocument  MediaKind = "document"
)

// MediaRef points at a media item on the Telegram side. It carries the
// source file identifier and declared metadata, never the bytes; the bytes
// are fetched during mapping.
type MediaRef struct {
	FileID   string    `json:"file_id"`
	Kind     MediaKind `json:"kind"`
	MIMEType string    `json:"mime_type,omitempty"`
	FileName string    `json:"file_name,omitempty"`
	Width    int       `json:"width,omitempty"`
	Height   int       `json:"height,omitempty"`
	FileSize int64     `json:"file_size,omitempty"`
}

// BridgeEvent is a normalized source event. It is the unit of admission and
// delivery: one event, one fingerprint, at most one publication.
//
// Events are stored as JSON inside their delivery record, so a restart can
// resume work without the original webhook body. Keep the field set
// backwards-compatible.
type BridgeEvent struct {
	// Fingerprint deduplicates the event. See EventFingerprint for the
	// derivation; edits and deletions hash differently from the original
	// message, redeliveries of the same update hash identically.
	Fingerprint string `json:"fingerprint"`
	// SourceID identifies the message this event is about (chat:message).
	SourceID string `json:"source_id"`
	// ThreadID is shared by a message and all of its later edits and its
	// deletion, linking the revision chain together.
	ThreadID string    `json:"thread_id"`
	Kind     EventKind `json:"kind"`
	// Revision is the edit timestamp in unix seconds, zero for originals.
	Revision  int64         `json:"revision"`
	Timestamp jsontime.Unix `json:"timestamp"`

	ChatID    int64  `json:"chat_id"`
	ChatType  string `json:"chat_type,omitempty"`
	MessageID int64  `json:"message_id"`

	Text     string     `json:"text,omitempty"`
	Media    []MediaRef `json:"media,omitempty"`
	Hashtags []string   `json:"hashtags,omitempty"`
}

// Disposition tells the publisher what a document does to the target site.
type Disposition string

const (
	DispositionCreate  Disposition = "create"
	DispositionUpdate  Disposition = "update"
	DispositionRetract Disposition = "retract"
)

// ResolvedMedia is a media item fetched from the source and ready for
// upload, with its content hash established during mapping.
type ResolvedMedia struct {
	Ref  MediaRef
	Data []byte
	// ContentHash is the hex SHA-256 of Data.
	ContentHash string
}

// PublishableDocument is the target-shaped payload produced by the Mapper
// for one BridgeEvent.
type PublishableDocument struct {
	Disposition Disposition
	// TargetID is the existing WordPress post for update and retract
	// dispositions, zero for create.
	TargetID int64
	// Slug is the deterministic, fingerprint-derived post slug that doubles
	// as the idempotency key on the WordPress side.
	Slug string

	Title      string
	Content    string
	Status     string
	Categories []int
	Media      []ResolvedMedia
}

// PublishResult is what a successful publish reports back: the remote post
// identity for the delivery record.
type PublishResult struct {
	ID  int64
	URL string
}
