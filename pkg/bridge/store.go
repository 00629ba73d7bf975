// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/telewp/pkg/bridge/database"
)

// Admission is the outcome of offering an event to the Store.
type Admission string

const (
	// AdmissionAccepted means the event is new (or reclaimed) and the
	// caller must schedule its delivery.
	AdmissionAccepted Admission = "accepted"
	// AdmissionAlreadySeen means the event reached a terminal state before:
	// published, or failed for good. Acknowledge and move on.
	AdmissionAlreadySeen Admission = "already_seen"
	// AdmissionInProgress means a delivery for this fingerprint is still
	// running or queued. Acknowledge; do not schedule another.
	AdmissionInProgress Admission = "in_progress"
)

// Store is the deduplication gate and outcome recorder. All admission
// decisions happen inside a single transaction keyed on the event
// fingerprint, so concurrent duplicates resolve to exactly one Accepted.
type Store struct {
	db  *database.Database
	log zerolog.Logger

	// inflightStaleness is how long a pending or in-flight record may sit
	// untouched before it is considered abandoned by a dead process and
	// becomes reclaimable.
	inflightStaleness time.Duration
	// redeliverFailed re-opens terminally failed records when their event
	// arrives again, with a fresh attempt budget.
	redeliverFailed bool
}

// NewStore builds a Store around an opened database.
func NewStore(db *database.Database, log zerolog.Logger, inflightStaleness time.Duration, redeliverFailed bool) *Store {
	if inflightStaleness <= 0 {
		inflightStaleness = 5 * time.Minute
	}
	return &Store{
		db:                db,
		log:               log.With().Str("component", "store").Logger(),
		inflightStaleness: inflightStaleness,
		redeliverFailed:   redeliverFailed,
	}
}

// Admit decides what to do with a normalized event. On AdmissionAccepted the
// returned record is the one the caller must deliver; otherwise the record
// reflects the prior state (nil only on error).
func (s *Store) Admit(ctx context.Context, evt *BridgeEvent) (Admission, *database.Record, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return "", nil, fmt.Errorf("failed to serialize event: %w", err)
	}

	var admission Admission
	var rec *database.Record
	err = s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		now := time.Now()
		rec, err = s.db.Record.Get(ctx, evt.Fingerprint)
		if err != nil {
			return err
		}
		if rec == nil {
			rec = &database.Record{
				Fingerprint: evt.Fingerprint,
				ThreadID:    evt.ThreadID,
				SourceID:    evt.SourceID,
				Kind:        string(evt.Kind),
				State:       database.StatePending,
				Event:       payload,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			admission = AdmissionAccepted
			return s.db.Record.Insert(ctx, rec)
		}

		switch {
		case rec.State == database.StatePublished:
			admission = AdmissionAlreadySeen
		case rec.Terminal:
			if !s.redeliverFailed {
				admission = AdmissionAlreadySeen
				return nil
			}
			admission = AdmissionAccepted
			return s.reset(ctx, rec, 0, payload, now)
		case now.Sub(rec.UpdatedAt) > s.inflightStaleness:
			// The process that owned this delivery is gone. Reclaim, but
			// keep the attempt count so the budget survives crashes.
			admission = AdmissionAccepted
			return s.reset(ctx, rec, rec.Attempts, payload, now)
		default:
			admission = AdmissionInProgress
		}
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to admit event: %w", err)
	}
	return admission, rec, nil
}

func (s *Store) reset(ctx context.Context, rec *database.Record, attempts int, payload json.RawMessage, now time.Time) error {
	if err := s.db.Record.Reset(ctx, rec.Fingerprint, attempts, payload, now); err != nil {
		return err
	}
	rec.State = database.StatePending
	rec.Terminal = false
	rec.Attempts = attempts
	rec.Event = payload
	rec.LastError = ""
	rec.UpdatedAt = now
	return nil
}

// MarkInFlight claims a record for one delivery attempt. A false return
// means the record is owned elsewhere or already terminal; the caller must
// stop without touching it further.
func (s *Store) MarkInFlight(ctx context.Context, fingerprint string) (bool, error) {
	return s.db.Record.MarkInFlight(ctx, fingerprint, time.Now())
}

// MarkPublished records the publication outcome. Once published, a record
// never transitions again.
func (s *Store) MarkPublished(ctx context.Context, fingerprint string, res *PublishResult) error {
	ok, err := s.db.Record.MarkPublished(ctx, fingerprint, res.ID, res.URL, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("record %s was not in flight when publish finished", fingerprint)
	}
	return nil
}

// MarkFailed records a failed attempt; terminal failures leave the retry
// loop for good.
func (s *Store) MarkFailed(ctx context.Context, fingerprint string, terminal bool, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	ok, err := s.db.Record.MarkFailed(ctx, fingerprint, terminal, msg, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("record %s was not in flight when failure was recorded", fingerprint)
	}
	return nil
}

// LatestPublishedInThread is the thread index used to resolve edits and
// deletions to the post they target.
func (s *Store) LatestPublishedInThread(ctx context.Context, threadID string) (*database.Record, error) {
	return s.db.Record.LatestPublishedInThread(ctx, threadID)
}

// RequeueStalled reclaims deliveries interrupted by a crash or dropped on
// the floor by a full queue: in-flight records untouched for longer than the
// staleness window flip back to pending, then every resumable record older
// than the grace period is returned for re-enqueueing.
func (s *Store) RequeueStalled(ctx context.Context, grace time.Duration) ([]*database.Record, error) {
	var resumable []*database.Record
	err := s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		now := time.Now()
		reclaimed, err := s.db.Record.ReclaimStalled(ctx, now.Add(-s.inflightStaleness))
		if err != nil {
			return err
		}
		if reclaimed > 0 {
			s.log.Warn().Int64("count", reclaimed).Msg("Reclaimed stalled in-flight deliveries")
		}
		resumable, err = s.db.Record.ListResumable(ctx, now.Add(-grace))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to requeue stalled deliveries: %w", err)
	}
	return resumable, nil
}

// CountStates exposes the record state breakdown for diagnostics.
func (s *Store) CountStates(ctx context.Context) ([]database.StateCount, error) {
	return s.db.Record.CountStates(ctx)
}
