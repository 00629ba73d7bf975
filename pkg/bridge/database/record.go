// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.mau.fi/util/dbutil"
)

// State is the delivery lifecycle position of a record.
//
// Legal transitions: pending -> inflight -> published or failed, and
// failed -> inflight for retries. Published is terminal and immutable.
// Every mutator below guards its expected prior state in SQL, so a
// violating transition becomes a no-op that the caller can observe.
type State string

const (
	StatePending   State = "pending"
	StateInFlight  State = "inflight"
	StatePublished State = "published"
	StateFailed    State = "failed"
)

// Record is the durable trail of one admitted event: fingerprint identity,
// lifecycle state, attempt count, and the serialized event itself so a
// restart can resume delivery without the original webhook body.
type Record struct {
	Fingerprint string
	ThreadID    string
	SourceID    string
	Kind        string
	State       State
	// Terminal marks a failed record that will not be retried: either the
	// target rejected it permanently or the attempt budget ran out.
	Terminal  bool
	Attempts  int
	Event     json.RawMessage
	RemoteID  int64
	RemoteURL string
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RecordQuery provides access to delivery records.
type RecordQuery struct {
	*dbutil.QueryHelper[*Record]
}

func newRecord(_ *dbutil.QueryHelper[*Record]) *Record {
	return &Record{}
}

const (
	getRecordBaseQuery = `
		SELECT fingerprint, thread_id, source_id, kind, state, terminal, attempts,
		       event, remote_id, remote_url, last_error, created_at, updated_at
		FROM delivery_record
	`
	getRecordQuery            = getRecordBaseQuery + `WHERE fingerprint=$1`
	getLatestPublishedQuery   = getRecordBaseQuery + `WHERE thread_id=$1 AND state='published' ORDER BY updated_at DESC LIMIT 1`
	listResumableRecordsQuery = getRecordBaseQuery + `WHERE state IN ('pending', 'failed') AND terminal=false AND updated_at<=$1 ORDER BY created_at`
	insertRecordQuery         = `
		INSERT INTO delivery_record (fingerprint, thread_id, source_id, kind, state, terminal, attempts,
		                             event, remote_id, remote_url, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	resetRecordQuery = `
		UPDATE delivery_record
		SET state='pending', terminal=false, attempts=$2, event=$3, last_error='', updated_at=$4
		WHERE fingerprint=$1
	`
	markInFlightQuery = `
		UPDATE delivery_record
		SET state='inflight', attempts=attempts+1, updated_at=$2
		WHERE fingerprint=$1 AND state IN ('pending', 'failed') AND terminal=false
	`
	markPublishedQuery = `
		UPDATE delivery_record
		SET state='published', terminal=false, remote_id=$2, remote_url=$3, last_error='', updated_at=$4
		WHERE fingerprint=$1 AND state='inflight'
	`
	markFailedQuery = `
		UPDATE delivery_record
		SET state='failed', terminal=$2, last_error=$3, updated_at=$4
		WHERE fingerprint=$1 AND state='inflight'
	`
	reclaimStalledQuery = `
		UPDATE delivery_record
		SET state='pending'
		WHERE state='inflight' AND updated_at<=$1
	`
	countRecordStatesQuery = `
		SELECT state, terminal, COUNT(*) FROM delivery_record GROUP BY state, terminal
	`
)

func (r *Record) Scan(row dbutil.Scannable) (*Record, error) {
	var remoteID sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(
		&r.Fingerprint, &r.ThreadID, &r.SourceID, &r.Kind, &r.State, &r.Terminal, &r.Attempts,
		(*[]byte)(&r.Event), &remoteID, &r.RemoteURL, &r.LastError, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.RemoteID = remoteID.Int64
	r.CreatedAt = time.UnixMilli(createdAt)
	r.UpdatedAt = time.UnixMilli(updatedAt)
	return r, nil
}

func (r *Record) sqlVariables() []any {
	return []any{
		r.Fingerprint, r.ThreadID, r.SourceID, r.Kind, string(r.State), r.Terminal, r.Attempts,
		[]byte(r.Event),
		sql.NullInt64{Int64: r.RemoteID, Valid: r.RemoteID != 0},
		r.RemoteURL, r.LastError,
		r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli(),
	}
}

// Get returns the record for a fingerprint, or nil when none exists.
func (rq *RecordQuery) Get(ctx context.Context, fingerprint string) (*Record, error) {
	return rq.QueryOne(ctx, getRecordQuery, fingerprint)
}

// Insert stores a fresh record.
func (rq *RecordQuery) Insert(ctx context.Context, rec *Record) error {
	return rq.Exec(ctx, insertRecordQuery, rec.sqlVariables()...)
}

// Reset returns an existing record to pending with a fresh event payload.
// Used when admission reclaims a stale or redeliverable record.
func (rq *RecordQuery) Reset(ctx context.Context, fingerprint string, attempts int, event json.RawMessage, now time.Time) error {
	return rq.Exec(ctx, resetRecordQuery, fingerprint, attempts, []byte(event), now.UnixMilli())
}

// LatestPublishedInThread returns the most recently published record of a
// thread, or nil when the thread never published anything.
func (rq *RecordQuery) LatestPublishedInThread(ctx context.Context, threadID string) (*Record, error) {
	return rq.QueryOne(ctx, getLatestPublishedQuery, threadID)
}

// MarkInFlight claims a record for a delivery attempt. It reports false when
// the record is not in a claimable state, which callers treat as "someone
// else owns this now, drop it".
func (rq *RecordQuery) MarkInFlight(ctx context.Context, fingerprint string, now time.Time) (bool, error) {
	return rq.execChanged(ctx, markInFlightQuery, fingerprint, now.UnixMilli())
}

// MarkPublished finishes a record successfully. False means the record was
// not in flight, which indicates a state machine violation upstream.
func (rq *RecordQuery) MarkPublished(ctx context.Context, fingerprint string, remoteID int64, remoteURL string, now time.Time) (bool, error) {
	return rq.execChanged(ctx, markPublishedQuery, fingerprint,
		sql.NullInt64{Int64: remoteID, Valid: remoteID != 0}, remoteURL, now.UnixMilli())
}

// MarkFailed records a failed attempt. Terminal failures are never retried.
func (rq *RecordQuery) MarkFailed(ctx context.Context, fingerprint string, terminal bool, lastError string, now time.Time) (bool, error) {
	return rq.execChanged(ctx, markFailedQuery, fingerprint, terminal, lastError, now.UnixMilli())
}

// ReclaimStalled flips in-flight records last touched before the cutoff back
// to pending. The records keep their old updated_at so that the follow-up
// ListResumable still sees them.
func (rq *RecordQuery) ReclaimStalled(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := rq.GetDB().Exec(ctx, reclaimStalledQuery, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListResumable returns records waiting for (re)delivery that were last
// touched before the cutoff, oldest first.
func (rq *RecordQuery) ListResumable(ctx context.Context, cutoff time.Time) ([]*Record, error) {
	return rq.QueryMany(ctx, listResumableRecordsQuery, cutoff.UnixMilli())
}

// StateCount is one row of the state breakdown.
type StateCount struct {
	State    State
	Terminal bool
	Count    int
}

// CountStates returns the record count per (state, terminal) pair.
func (rq *RecordQuery) CountStates(ctx context.Context) ([]StateCount, error) {
	rows, err := rq.GetDB().Query(ctx, countRecordStatesQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var counts []StateCount
	for rows.Next() {
		var sc StateCount
		if err = rows.Scan(&sc.State, &sc.Terminal, &sc.Count); err != nil {
			return nil, err
		}
		counts = append(counts, sc)
	}
	return counts, rows.Err()
}

func (rq *RecordQuery) execChanged(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := rq.GetDB().Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	changed, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return changed > 0, nil
}
