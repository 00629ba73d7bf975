// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/telewp/pkg/bridge/alert"
	"github.com/aiku/telewp/pkg/bridge/database"
)

// Publisher is the target-site surface the Deliverer drives. FindDocumentBySlug
// returns nil without error when no post carries the slug; it is the
// reconciliation read used to recover lost publish outcomes.
type Publisher interface {
	CreateDocument(ctx context.Context, doc *PublishableDocument) (*PublishResult, error)
	UpdateDocument(ctx context.Context, doc *PublishableDocument) (*PublishResult, error)
	RetractDocument(ctx context.Context, doc *PublishableDocument) error
	FindDocumentBySlug(ctx context.Context, slug string) (*PublishResult, error)
}

// statusCoder is implemented by errors that carry the HTTP status of a
// target response, such as wordpress.APIError. Errors without a status left
// the attempt outcome unknown.
type statusCoder interface {
	HTTPStatus() int
}

// retryHinter is implemented by errors that carry a server-requested retry
// delay, such as a Retry-After on a 429.
type retryHinter interface {
	RetryAfterHint() time.Duration
}

type deliveryStore interface {
	MarkInFlight(ctx context.Context, fingerprint string) (bool, error)
	MarkPublished(ctx context.Context, fingerprint string, res *PublishResult) error
	MarkFailed(ctx context.Context, fingerprint string, terminal bool, cause error) error
}

type documentMapper interface {
	Map(ctx context.Context, evt *BridgeEvent) (*PublishableDocument, error)
}

// Deliverer defaults.
const (
	DefaultMaxAttempts    = 5
	DefaultBackoffBase    = 2 * time.Second
	DefaultBackoffCap     = 5 * time.Minute
	DefaultJitterFraction = 0.2
	DefaultAttemptTimeout = 30 * time.Second
)

// DelivererOpts tunes the retry loop. Zero values take the defaults above.
type DelivererOpts struct {
	// MaxAttempts bounds publish attempts per record, counted across
	// process restarts.
	MaxAttempts int
	// BackoffBase is the delay after the first failed attempt; it doubles
	// per attempt up to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// JitterFraction widens each delay by up to this fraction. Values above
	// 0.5 are clamped so the delay sequence stays non-decreasing.
	JitterFraction float64
	// AttemptTimeout limits one publish call. On timeout the outcome is
	// unknown and create dispositions reconcile by slug before retrying.
	AttemptTimeout time.Duration
}

// Deliverer executes admitted deliveries: it claims the record, maps the
// event, publishes with retries, reconciles ambiguous outcomes, and records
// where the delivery ended up.
type Deliverer struct {
	store     deliveryStore
	mapper    documentMapper
	publisher Publisher
	alerts    *alert.Dispatcher
	metrics   *Metrics
	log       zerolog.Logger

	maxAttempts    int
	backoffBase    time.Duration
	backoffCap     time.Duration
	jitterFraction float64
	attemptTimeout time.Duration

	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
}

// NewDeliverer wires a Deliverer. alerts may be nil to disable notifications.
func NewDeliverer(store *Store, mapper *Mapper, publisher Publisher, alerts *alert.Dispatcher, metrics *Metrics, log zerolog.Logger, opts DelivererOpts) *Deliverer {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffCap < opts.BackoffBase {
		opts.BackoffCap = DefaultBackoffCap
	}
	if opts.JitterFraction < 0 {
		opts.JitterFraction = DefaultJitterFraction
	} else if opts.JitterFraction > 0.5 {
		opts.JitterFraction = 0.5
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	return &Deliverer{
		store:     store,
		mapper:    mapper,
		publisher: publisher,
		alerts:    alerts,
		metrics:   metrics,
		log:       log.With().Str("component", "deliverer").Logger(),

		maxAttempts:    opts.MaxAttempts,
		backoffBase:    opts.BackoffBase,
		backoffCap:     opts.BackoffCap,
		jitterFraction: opts.JitterFraction,
		attemptTimeout: opts.AttemptTimeout,

		sleep: sleepContext,
		rand:  rand.Float64,
	}
}

// Deliver runs one record to a terminal outcome or until ctx is canceled.
// It is safe to call with a record someone else already owns: the claim
// fails and the call returns without side effects.
func (d *Deliverer) Deliver(ctx context.Context, rec *database.Record) {
	start := time.Now()
	log := d.log.With().
		Str("fingerprint", rec.Fingerprint).
		Str("source_id", rec.SourceID).
		Str("event_kind", rec.Kind).
		Logger()
	ctx = log.WithContext(ctx)

	var evt BridgeEvent
	if err := json.Unmarshal(rec.Event, &evt); err != nil {
		// MarkFailed only acts on in-flight records, so claim first.
		if claimed, cerr := d.store.MarkInFlight(ctx, rec.Fingerprint); cerr != nil || !claimed {
			return
		}
		d.abandon(ctx, rec, kindDisposition(EventKind(rec.Kind)), DeliveryPermanent, rec.Attempts+1,
			fmt.Errorf("stored event is unreadable: %w", err), start)
		return
	}

	attempt := rec.Attempts
	for {
		if ctx.Err() != nil {
			return
		}
		claimed, err := d.store.MarkInFlight(ctx, rec.Fingerprint)
		if err != nil {
			// Leave the record as is; the requeue sweep will retry it.
			log.Err(err).Msg("Failed to claim delivery")
			return
		}
		if !claimed {
			log.Debug().Msg("Record not claimable, dropping delivery")
			return
		}
		attempt++

		res, disp, err := d.attemptDelivery(ctx, &evt, attempt)
		if err == nil {
			if err = d.store.MarkPublished(ctx, rec.Fingerprint, res); err != nil {
				log.Err(err).Msg("Failed to record publish outcome")
				return
			}
			d.metrics.PublishAttempts.WithLabelValues("success").Inc()
			d.metrics.ObserveDelivery(disp, "published", start)
			log.Info().
				Str("disposition", string(disp)).
				Int("attempt", attempt).
				Int64("remote_id", res.ID).
				Msg("Delivery completed")
			return
		}

		class := d.classify(err)
		if class == DeliveryPermanent {
			d.metrics.PublishAttempts.WithLabelValues("permanent").Inc()
			d.abandon(ctx, rec, disp, DeliveryPermanent, attempt, err, start)
			return
		}

		d.metrics.PublishAttempts.WithLabelValues("transient").Inc()
		exhausted := attempt >= d.maxAttempts
		if exhausted {
			d.abandon(ctx, rec, disp, DeliveryExhausted, attempt, err, start)
			return
		}
		if err2 := d.store.MarkFailed(ctx, rec.Fingerprint, false, err); err2 != nil {
			log.Err(err2).Msg("Failed to record attempt failure")
			return
		}
		delay := d.retryDelay(attempt, err)
		log.Warn().Err(err).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("Publish attempt failed, will retry")
		if d.sleep(ctx, delay) != nil {
			// Shutting down mid-backoff. The record stays failed and
			// resumable; the next sweep picks it up.
			return
		}
	}
}

// abandon finishes a delivery on the failure side: terminal record state,
// metrics, alert.
func (d *Deliverer) abandon(ctx context.Context, rec *database.Record, disp Disposition, class DeliveryClass, attempts int, cause error, start time.Time) {
	log := zerolog.Ctx(ctx)
	derr := &DeliveryError{Class: class, Attempts: attempts, Err: cause}
	if err := d.store.MarkFailed(ctx, rec.Fingerprint, true, derr); err != nil {
		log.Err(err).Msg("Failed to record terminal failure")
		return
	}
	d.metrics.ObserveDelivery(disp, string(class), start)
	log.Error().Err(cause).
		Str("disposition", string(disp)).
		Str("class", string(class)).
		Int("attempts", attempts).
		Msg("Delivery abandoned")
	if d.alerts != nil {
		d.alerts.Dispatch(ctx, alert.Notification{
			Kind:        alert.KindDeliveryFailed,
			Fingerprint: rec.Fingerprint,
			SourceID:    rec.SourceID,
			Disposition: string(disp),
			Class:       string(class),
			Attempts:    attempts,
			Error:       cause.Error(),
		})
	}
}

// attemptDelivery maps and publishes once. It resolves ambiguous create
// outcomes by slug in both directions: before publishing on a retry (the
// previous owner may have published and died before recording it) and after
// a statusless error (the response may have been lost on the way back).
func (d *Deliverer) attemptDelivery(ctx context.Context, evt *BridgeEvent, attempt int) (*PublishResult, Disposition, error) {
	doc, err := d.mapper.Map(ctx, evt)
	if err != nil {
		return nil, kindDisposition(evt.Kind), err
	}
	disp := doc.Disposition

	if disp == DispositionCreate && attempt > 1 {
		if found := d.findBySlug(ctx, doc.Slug); found != nil {
			zerolog.Ctx(ctx).Info().Str("slug", doc.Slug).Int64("remote_id", found.ID).
				Msg("Found existing post for slug, skipping publish")
			return found, disp, nil
		}
	}

	res, err := d.publishOnce(ctx, doc)
	if err == nil {
		return res, disp, nil
	}
	if disp == DispositionCreate && !hasStatus(err) {
		if found := d.findBySlug(ctx, doc.Slug); found != nil {
			zerolog.Ctx(ctx).Warn().Str("slug", doc.Slug).Int64("remote_id", found.ID).
				Msg("Publish errored but the post exists, treating as published")
			return found, disp, nil
		}
	}
	return nil, disp, err
}

func (d *Deliverer) publishOnce(ctx context.Context, doc *PublishableDocument) (*PublishResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
	defer cancel()
	switch doc.Disposition {
	case DispositionCreate:
		return d.publisher.CreateDocument(ctx, doc)
	case DispositionUpdate:
		return d.publisher.UpdateDocument(ctx, doc)
	case DispositionRetract:
		err := d.publisher.RetractDocument(ctx, doc)
		if err != nil {
			if code, ok := errorStatus(err); ok && (code == http.StatusNotFound || code == http.StatusGone) {
				// Already gone, which is what retraction wanted.
				return &PublishResult{ID: doc.TargetID}, nil
			}
			return nil, err
		}
		return &PublishResult{ID: doc.TargetID}, nil
	default:
		return nil, fmt.Errorf("unknown disposition %q", doc.Disposition)
	}
}

// findBySlug is the reconciliation read. Lookup errors are swallowed: a
// failed read means the outcome stays unknown and the normal retry path
// handles it.
func (d *Deliverer) findBySlug(ctx context.Context, slug string) *PublishResult {
	ctx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
	defer cancel()
	found, err := d.publisher.FindDocumentBySlug(ctx, slug)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("slug", slug).Msg("Reconciliation lookup failed")
		return nil
	}
	return found
}

// classify buckets an attempt error. Permanent failures stop the loop
// immediately; everything else is worth another attempt.
func (d *Deliverer) classify(err error) DeliveryClass {
	if me, ok := AsMappingError(err); ok {
		if me.Partial {
			return DeliveryTransient
		}
		return DeliveryPermanent
	}
	if code, ok := errorStatus(err); ok {
		switch {
		case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
			return DeliveryTransient
		case code >= 400 && code < 500:
			return DeliveryPermanent
		}
	}
	return DeliveryTransient
}

// retryDelay is nextDelay raised to any Retry-After the failure carried,
// still capped.
func (d *Deliverer) retryDelay(attempt int, cause error) time.Duration {
	delay := d.nextDelay(attempt)
	var hinter retryHinter
	if errors.As(cause, &hinter) {
		if hint := hinter.RetryAfterHint(); hint > delay {
			delay = min(hint, d.backoffCap)
		}
	}
	return delay
}

// nextDelay computes the backoff after the given failed attempt: doubling
// from the base, widened by jitter, capped. With the jitter fraction
// clamped to 0.5 the sequence never decreases between attempts.
func (d *Deliverer) nextDelay(attempt int) time.Duration {
	delay := d.backoffBase
	for i := 1; i < attempt && delay < d.backoffCap; i++ {
		delay *= 2
	}
	delay += time.Duration(float64(delay) * d.jitterFraction * d.rand())
	if delay > d.backoffCap {
		delay = d.backoffCap
	}
	return delay
}

func kindDisposition(kind EventKind) Disposition {
	switch kind {
	case EventEdit:
		return DispositionUpdate
	case EventDelete:
		return DispositionRetract
	default:
		return DispositionCreate
	}
}

func errorStatus(err error) (int, bool) {
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus(), true
	}
	return 0, false
}

func hasStatus(err error) bool {
	_, ok := errorStatus(err)
	return ok
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
