// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/telewp/pkg/bridge/database"
)

// Pipeline defaults.
const (
	DefaultWorkers         = 4
	DefaultQueueSize       = 256
	DefaultRequeueInterval = time.Minute
)

// PipelineOpts tunes the delivery pipeline. Zero values take the defaults.
type PipelineOpts struct {
	Workers   int
	QueueSize int
	// RequeueInterval is how often the janitor sweeps for stalled and
	// dropped deliveries.
	RequeueInterval time.Duration
}

// IngestResult summarizes what one webhook payload turned into.
type IngestResult struct {
	// Skipped is true when the update was dropped by a policy filter
	// before producing any event.
	Skipped    bool
	Events     int
	Queued     int
	Duplicates int
	InProgress int
}

type eventAdmitter interface {
	Admit(ctx context.Context, evt *BridgeEvent) (Admission, *database.Record, error)
	RequeueStalled(ctx context.Context, grace time.Duration) ([]*database.Record, error)
}

type recordDeliverer interface {
	Deliver(ctx context.Context, rec *database.Record)
}

// Pipeline connects the receive side to the delivery side: it normalizes
// and admits incoming payloads, feeds accepted records to a worker pool,
// and sweeps the store for deliveries that fell through.
type Pipeline struct {
	normalizer *Normalizer
	store      eventAdmitter
	deliverer  recordDeliverer
	metrics    *Metrics
	log        zerolog.Logger

	queue           chan *database.Record
	workers         int
	requeueInterval time.Duration
}

// NewPipeline wires a Pipeline.
func NewPipeline(normalizer *Normalizer, store *Store, deliverer *Deliverer, metrics *Metrics, log zerolog.Logger, opts PipelineOpts) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.RequeueInterval <= 0 {
		opts.RequeueInterval = DefaultRequeueInterval
	}
	return &Pipeline{
		normalizer: normalizer,
		store:      store,
		deliverer:  deliverer,
		metrics:    metrics,
		log:        log.With().Str("component", "pipeline").Logger(),

		queue:           make(chan *database.Record, opts.QueueSize),
		workers:         opts.Workers,
		requeueInterval: opts.RequeueInterval,
	}
}

// Ingest runs the receive half for one webhook payload: normalize, admit
// each resulting event, enqueue the accepted ones.
//
// A NormalizationError return means the payload can never become an event;
// the webhook layer acknowledges it so the source stops redelivering. Any
// other error means admission did not become durable and the payload must
// be redelivered.
func (p *Pipeline) Ingest(ctx context.Context, payload []byte) (IngestResult, error) {
	var res IngestResult
	events, err := p.normalizer.Normalize(payload)
	if err != nil {
		reason := "malformed"
		if ne, ok := AsNormalizationError(err); ok && ne.Unsupported {
			reason = "unsupported"
		}
		p.metrics.UpdatesRejected.WithLabelValues(reason).Inc()
		return res, err
	}
	if len(events) == 0 {
		p.metrics.UpdatesSkipped.Inc()
		res.Skipped = true
		return res, nil
	}

	res.Events = len(events)
	for _, evt := range events {
		p.metrics.UpdatesReceived.WithLabelValues(string(evt.Kind)).Inc()
		admission, rec, err := p.store.Admit(ctx, evt)
		if err != nil {
			return res, err
		}
		p.metrics.Admissions.WithLabelValues(string(admission)).Inc()
		switch admission {
		case AdmissionAccepted:
			res.Queued++
			p.Enqueue(rec)
		case AdmissionAlreadySeen:
			res.Duplicates++
			p.log.Debug().Str("fingerprint", evt.Fingerprint).Msg("Dropping already delivered event")
		case AdmissionInProgress:
			res.InProgress++
			p.log.Debug().Str("fingerprint", evt.Fingerprint).Msg("Delivery already in progress")
		}
	}
	return res, nil
}

// Enqueue offers an admitted record to the workers without blocking. On a
// full queue the record is dropped here and left to the requeue sweep; it
// is already durable, so nothing is lost.
func (p *Pipeline) Enqueue(rec *database.Record) bool {
	select {
	case p.queue <- rec:
		return true
	default:
		p.metrics.EnqueueDropped.Inc()
		p.log.Warn().
			Str("fingerprint", rec.Fingerprint).
			Msg("Delivery queue is full, leaving record for the requeue sweep")
		return false
	}
}

// SweepNow immediately requeues every resumable delivery, with no grace
// period. This is the manual requeue behind the admin surface.
func (p *Pipeline) SweepNow(ctx context.Context) (int, error) {
	return p.requeue(ctx, 0)
}

// Run resumes interrupted deliveries, then serves the worker pool and the
// requeue janitor until ctx is canceled.
func (p *Pipeline) Run(ctx context.Context) error {
	if _, err := p.requeue(ctx, 0); err != nil {
		return fmt.Errorf("startup requeue sweep failed: %w", err)
	}
	group, ctx := errgroup.WithContext(ctx)
	for range p.workers {
		group.Go(func() error {
			p.worker(ctx)
			return nil
		})
	}
	group.Go(func() error {
		p.janitor(ctx)
		return nil
	})
	return group.Wait()
}

func (p *Pipeline) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-p.queue:
			p.deliverer.Deliver(ctx, rec)
		}
	}
}

func (p *Pipeline) janitor(ctx context.Context) {
	ticker := time.NewTicker(p.requeueInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.requeue(ctx, p.requeueInterval); err != nil && ctx.Err() == nil {
				p.log.Err(err).Msg("Requeue sweep failed")
			}
		}
	}
}

// requeue re-enqueues deliveries that stalled or were dropped. The grace
// period keeps records that failed moments ago from being re-enqueued while
// their owner is still backing off.
func (p *Pipeline) requeue(ctx context.Context, grace time.Duration) (int, error) {
	records, err := p.store.RequeueStalled(ctx, grace)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	requeued := 0
	for _, rec := range records {
		if !p.Enqueue(rec) {
			break
		}
		requeued++
	}
	p.log.Info().
		Int("resumable", len(records)).
		Int("requeued", requeued).
		Msg("Requeued stalled deliveries")
	return requeued, nil
}
