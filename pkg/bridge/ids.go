// Copyright 2024-2026 Aiku AI

package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// fingerprintSeparator keeps field boundaries in the hash input unambiguous.
var fingerprintSeparator = []byte{0x00}

// MakeSourceID builds the source identity of a Telegram message.
func MakeSourceID(chatID, messageID int64) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.FormatInt(messageID, 10)
}

// ParseSourceID splits a source ID back into chat and message IDs.
func ParseSourceID(sourceID string) (chatID, messageID int64, err error) {
	chatPart, msgPart, ok := strings.Cut(sourceID, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid source ID %q", sourceID)
	}
	chatID, err = strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid chat ID in %q: %w", sourceID, err)
	}
	messageID, err = strconv.ParseInt(msgPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid message ID in %q: %w", sourceID, err)
	}
	return chatID, messageID, nil
}

// MakeThreadID returns the identity shared by a message and its later edits
// and deletion. It is intentionally the same value as the source ID of the
// original message.
func MakeThreadID(chatID, messageID int64) string {
	return MakeSourceID(chatID, messageID)
}

// EventFingerprint derives the deduplication identity of one revision of one
// source message. The revision is the edit timestamp for edits and zero for
// originals and deletions, so a redelivered update hashes to the same value
// while every new edit hashes to a new one.
func EventFingerprint(sourceID string, kind EventKind, revision int64) string {
	h := sha256.New()
	h.Write([]byte(sourceID))
	h.Write(fingerprintSeparator)
	h.Write([]byte(kind))
	h.Write(fingerprintSeparator)
	h.Write([]byte(strconv.FormatInt(revision, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// PostSlug derives the WordPress slug for a fingerprint. Publish retries and
// reconciliation lookups all address the same slug, which is what makes a
// create attempt safe to repeat.
func PostSlug(fingerprint string) string {
	if len(fingerprint) > 16 {
		fingerprint = fingerprint[:16]
	}
	return "tg-" + fingerprint
}
