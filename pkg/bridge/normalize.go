// Copyright 2024-2026 Aiku AI

package bridge

import (
	"encoding/json"
	"slices"

	"go.mau.fi/util/jsontime"

	"github.com/aiku/telewp/pkg/bridge/wpfmt"
)

// Telegram Bot API wire structures, limited to the fields the bridge reads.

type telegramUpdate struct {
	UpdateID          int64              `json:"update_id"`
	Message           *telegramMessage   `json:"message"`
	ChannelPost       *telegramMessage   `json:"channel_post"`
	EditedMessage     *telegramMessage   `json:"edited_message"`
	EditedChannelPost *telegramMessage   `json:"edited_channel_post"`
	DeletedMessages   *telegramDeletions `json:"deleted_business_messages"`
}

type telegramMessage struct {
	MessageID int64         `json:"message_id"`
	Chat      telegramChat  `json:"chat"`
	Date      jsontime.Unix `json:"date"`
	EditDate  jsontime.Unix `json:"edit_date"`

	Text    string `json:"text"`
	Caption string `json:"caption"`

	Photo     []telegramPhotoSize `json:"photo"`
	Video     *telegramFile       `json:"video"`
	Animation *telegramFile       `json:"animation"`
	Document  *telegramFile       `json:"document"`
}

type telegramChat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

type telegramPhotoSize struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int64  `json:"file_size"`
}

type telegramFile struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	MIMEType string `json:"mime_type"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int64  `json:"file_size"`
}

type telegramDeletions struct {
	BusinessConnectionID string       `json:"business_connection_id"`
	Chat                 telegramChat `json:"chat"`
	MessageIDs           []int64      `json:"message_ids"`
}

// chatTypeChannel is the Telegram chat type the bridge publishes from when
// channel-only filtering is on.
const chatTypeChannel = "channel"

// Normalizer turns raw Telegram update JSON into BridgeEvents.
//
// It is a pure function of its configuration and the input bytes: returning
// (nil, nil) means the update was recognized but filtered out by policy,
// which the caller acknowledges without admitting anything.
type Normalizer struct {
	// ChannelOnly drops messages and edits whose chat is not a channel.
	// Deletions are exempt: a deletion for something never published is
	// rejected later during mapping anyway.
	ChannelOnly bool
	// RequiredHashtag, when set, drops new messages that do not carry the
	// tag. Edits and deletions pass so that corrections and retractions
	// still reach documents published earlier.
	RequiredHashtag string
}

// Normalize parses one webhook body. Most updates yield zero or one event;
// a bulk deletion yields one event per deleted message.
func (n *Normalizer) Normalize(data []byte) ([]*BridgeEvent, error) {
	var update telegramUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return nil, malformedUpdate("undecodable update body", err)
	}

	if update.DeletedMessages != nil {
		return n.normalizeDeletions(update.DeletedMessages)
	}
	if msg := coalesce(update.EditedChannelPost, update.EditedMessage); msg != nil {
		return n.normalizeMessage(msg, true)
	}
	if msg := coalesce(update.ChannelPost, update.Message); msg != nil {
		return n.normalizeMessage(msg, false)
	}
	if update.UpdateID == 0 {
		return nil, malformedUpdate("missing update_id", nil)
	}
	return nil, unsupportedUpdate("no message, edit, or deletion in update")
}

func (n *Normalizer) normalizeMessage(msg *telegramMessage, edited bool) ([]*BridgeEvent, error) {
	if msg.MessageID == 0 || msg.Chat.ID == 0 {
		return nil, malformedUpdate("message missing message_id or chat id", nil)
	}
	if n.ChannelOnly && msg.Chat.Type != chatTypeChannel {
		return nil, nil
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	media := extractMedia(msg)
	if text == "" && len(media) == 0 {
		// Service messages, polls, stickers and the like.
		return nil, unsupportedUpdate("message carries no text and no media")
	}

	hashtags := wpfmt.ExtractHashtags(text)
	if !edited && n.RequiredHashtag != "" && !slices.Contains(hashtags, n.RequiredHashtag) {
		return nil, nil
	}

	sourceID := MakeSourceID(msg.Chat.ID, msg.MessageID)
	kind := EventText
	if len(media) > 0 {
		kind = EventMedia
	}
	var revision int64
	if edited {
		kind = EventEdit
		switch {
		case !msg.EditDate.IsZero():
			revision = msg.EditDate.Unix()
		case !msg.Date.IsZero():
			revision = msg.Date.Unix()
		}
	}

	evt := &BridgeEvent{
		Fingerprint: EventFingerprint(sourceID, kind, revision),
		SourceID:    sourceID,
		ThreadID:    MakeThreadID(msg.Chat.ID, msg.MessageID),
		Kind:        kind,
		Revision:    revision,
		Timestamp:   msg.Date,
		ChatID:      msg.Chat.ID,
		ChatType:    msg.Chat.Type,
		MessageID:   msg.MessageID,
		Text:        text,
		Media:       media,
		Hashtags:    hashtags,
	}
	return []*BridgeEvent{evt}, nil
}

func (n *Normalizer) normalizeDeletions(del *telegramDeletions) ([]*BridgeEvent, error) {
	if del.Chat.ID == 0 || len(del.MessageIDs) == 0 {
		return nil, malformedUpdate("deletion missing chat id or message ids", nil)
	}
	events := make([]*BridgeEvent, len(del.MessageIDs))
	for i, msgID := range del.MessageIDs {
		sourceID := MakeSourceID(del.Chat.ID, msgID)
		events[i] = &BridgeEvent{
			Fingerprint: EventFingerprint(sourceID, EventDelete, 0),
			SourceID:    sourceID,
			ThreadID:    MakeThreadID(del.Chat.ID, msgID),
			Kind:        EventDelete,
			ChatID:      del.Chat.ID,
			ChatType:    del.Chat.Type,
			MessageID:   msgID,
		}
	}
	return events, nil
}

// extractMedia picks the media refs of a message. Telegram attaches at most
// one media entity per message; photos come as multiple sizes of which the
// largest is kept.
func extractMedia(msg *telegramMessage) []MediaRef {
	if photo := largestPhoto(msg.Photo); photo != nil {
		return []MediaRef{{
			FileID:   photo.FileID,
			Kind:     MediaPhoto,
			MIMEType: "image/jpeg",
			FileName: "telegram-photo.jpg",
			Width:    photo.Width,
			Height:   photo.Height,
			FileSize: photo.FileSize,
		}}
	}
	if msg.Video != nil {
		return []MediaRef{fileRef(msg.Video, MediaVideo, "video/mp4", "telegram-video.mp4")}
	}
	if msg.Animation != nil {
		return []MediaRef{fileRef(msg.Animation, MediaAnimation, "video/mp4", "telegram-animation.mp4")}
	}
	if msg.Document != nil {
		return []MediaRef{fileRef(msg.Document, MediaDocument, "application/octet-stream", "telegram-document")}
	}
	return nil
}

func largestPhoto(sizes []telegramPhotoSize) *telegramPhotoSize {
	var best *telegramPhotoSize
	var bestArea int
	for i := range sizes {
		if area := sizes[i].Width * sizes[i].Height; best == nil || area > bestArea {
			best = &sizes[i]
			bestArea = area
		}
	}
	return best
}

func fileRef(file *telegramFile, kind MediaKind, fallbackMIME, fallbackName string) MediaRef {
	ref := MediaRef{
		FileID:   file.FileID,
		Kind:     kind,
		MIMEType: file.MIMEType,
		FileName: file.FileName,
		Width:    file.Width,
		Height:   file.Height,
		FileSize: file.FileSize,
	}
	if ref.MIMEType == "" {
		ref.MIMEType = fallbackMIME
	}
	if ref.FileName == "" {
		ref.FileName = fallbackName
	}
	return ref
}

func coalesce(msgs ...*telegramMessage) *telegramMessage {
	for _, msg := range msgs {
		if msg != nil {
			return msg
		}
	}
	return nil
}
