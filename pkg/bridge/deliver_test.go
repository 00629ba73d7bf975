// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/telewp/pkg/bridge/alert"
	"github.com/aiku/telewp/pkg/bridge/database"
)

type statusErr int

func (e statusErr) Error() string {
	return fmt.Sprintf("status %d", int(e))
}

func (e statusErr) HTTPStatus() int {
	return int(e)
}

type recordedFailure struct {
	terminal bool
	cause    string
}

type fakeDeliveryStore struct {
	claimDenied bool
	claims      int
	published   *PublishResult
	publishedFP string
	failures    []recordedFailure
}

func (s *fakeDeliveryStore) MarkInFlight(_ context.Context, _ string) (bool, error) {
	s.claims++
	return !s.claimDenied, nil
}

func (s *fakeDeliveryStore) MarkPublished(_ context.Context, fingerprint string, res *PublishResult) error {
	s.publishedFP = fingerprint
	s.published = res
	return nil
}

func (s *fakeDeliveryStore) MarkFailed(_ context.Context, _ string, terminal bool, cause error) error {
	s.failures = append(s.failures, recordedFailure{terminal: terminal, cause: cause.Error()})
	return nil
}

type fakeDocMapper struct {
	doc   *PublishableDocument
	err   error
	calls int
}

func (m *fakeDocMapper) Map(_ context.Context, _ *BridgeEvent) (*PublishableDocument, error) {
	m.calls++
	return m.doc, m.err
}

type fakePublisher struct {
	createErrs []error
	createRes  *PublishResult
	creates    int
	updates    int
	updateErr  error
	retracts   int
	retractErr error
	found      *PublishResult
	findErr    error
	finds      int
}

func (p *fakePublisher) CreateDocument(_ context.Context, _ *PublishableDocument) (*PublishResult, error) {
	p.creates++
	if len(p.createErrs) > 0 {
		err := p.createErrs[0]
		p.createErrs = p.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if p.createRes != nil {
		return p.createRes, nil
	}
	return &PublishResult{ID: 101, URL: "https://blog.example.com/?p=101"}, nil
}

func (p *fakePublisher) UpdateDocument(_ context.Context, doc *PublishableDocument) (*PublishResult, error) {
	p.updates++
	if p.updateErr != nil {
		return nil, p.updateErr
	}
	return &PublishResult{ID: doc.TargetID}, nil
}

func (p *fakePublisher) RetractDocument(_ context.Context, _ *PublishableDocument) error {
	p.retracts++
	return p.retractErr
}

func (p *fakePublisher) FindDocumentBySlug(_ context.Context, _ string) (*PublishResult, error) {
	p.finds++
	return p.found, p.findErr
}

type captureAlerts struct {
	mu    sync.Mutex
	notes []alert.Notification
}

func (c *captureAlerts) Name() string {
	return "capture"
}

func (c *captureAlerts) Notify(_ context.Context, n alert.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, n)
	return nil
}

func (c *captureAlerts) Close() error {
	return nil
}

func (c *captureAlerts) all() []alert.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notes
}

func newTestDeliverer(store deliveryStore, mapper documentMapper, pub Publisher, alerts *captureAlerts) (*Deliverer, *[]time.Duration) {
	sleeps := new([]time.Duration)
	d := &Deliverer{
		store:     store,
		mapper:    mapper,
		publisher: pub,
		metrics:   NewMetrics(),
		log:       zerolog.Nop(),

		maxAttempts:    3,
		backoffBase:    2 * time.Second,
		backoffCap:     time.Minute,
		jitterFraction: 0,
		attemptTimeout: time.Second,

		sleep: func(_ context.Context, dur time.Duration) error {
			*sleeps = append(*sleeps, dur)
			return nil
		},
		rand: func() float64 { return 0 },
	}
	if alerts != nil {
		d.alerts = alert.NewDispatcher(zerolog.Nop(), alerts)
	}
	return d, sleeps
}

func deliveryRecord(t *testing.T, kind EventKind) *database.Record {
	t.Helper()
	evt := &BridgeEvent{
		Fingerprint: "fp1",
		SourceID:    "-100900:7",
		ThreadID:    "-100900:7",
		Kind:        kind,
		Text:        "hello world",
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return &database.Record{
		Fingerprint: evt.Fingerprint,
		ThreadID:    evt.ThreadID,
		SourceID:    evt.SourceID,
		Kind:        string(kind),
		State:       database.StatePending,
		Event:       payload,
	}
}

func createDoc() *PublishableDocument {
	return &PublishableDocument{
		Disposition: DispositionCreate,
		Slug:        "tg-0123456789abcdef",
		Title:       "hello world",
		Content:     "<p>hello world</p>",
		Status:      "publish",
	}
}

func TestDelivererPublishesOnFirstAttempt(t *testing.T) {
	t.Parallel()
	store := &fakeDeliveryStore{}
	pub := &fakePublisher{}
	d, sleeps := newTestDeliverer(store, &fakeDocMapper{doc: createDoc()}, pub, nil)

	d.Deliver(context.Background(), deliveryRecord(t, EventText))

	if store.claims != 1 {
		t.Errorf("claims: got %d, want 1", store.claims)
	}
	if store.published == nil || store.published.ID != 101 {
		t.Fatalf("published: got %+v, want ID 101", store.published)
	}
	if store.publishedFP != "fp1" {
		t.Errorf("published fingerprint: got %q, want %q", store.publishedFP, "fp1")
	}
	if len(store.failures) != 0 {
		t.Errorf("failures: got %v, want none", store.failures)
	}
	if len(*sleeps) != 0 {
		t.Errorf("sleeps: got %v, want none", *sleeps)
	}
}

func TestDelivererRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()
	store := &fakeDeliveryStore{}
	pub := &fakePublisher{createErrs: []error{statusErr(502)}}
	d, sleeps := newTestDeliverer(store, &fakeDocMapper{doc: createDoc()}, pub, nil)

	d.Deliver(context.Background(), deliveryRecord(t, EventText))

	if pub.creates != 2 {
		t.Errorf("create calls: got %d, want 2", pub.creates)
	}
	if store.published == nil {
		t.Fatal("record was not marked published")
	}
	if len(store.failures) != 1 || store.failures[0].terminal {
		t.Errorf("failures: got %+v, want one non-terminal", store.failures)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != 2*time.Second {
		t.Errorf("sleeps: got %v, want [2s]", *sleeps)
	}
	// 502 carries a status, so no reconciliation lookup happens; the retry
	// still checks the slug before publishing again.
	if pub.finds != 1 {
		t.Errorf("slug lookups: got %d, want 1", pub.finds)
	}
}

type throttleErr struct {
	statusErr
	after time.Duration
}

func (e throttleErr) RetryAfterHint() time.Duration {
	return e.after
}

func TestDelivererHonorsRetryAfterHint(t *testing.T) {
	t.Parallel()
	store := &fakeDeliveryStore{}
	pub := &fakePublisher{createErrs: []error{
		throttleErr{statusErr(429), 7 * time.Second},
		throttleErr{statusErr(429), 90 * time.Second},
	}}
	d, sleeps := newTestDeliverer(store, &fakeDocMapper{doc: createDoc()}, pub, nil)

	d.Deliver(context.Background(), deliveryRecord(t, EventText))

	if pub.creates != 3 {
		t.Errorf("create calls: got %d, want 3", pub.creates)
	}
	if store.published == nil {
		t.Fatal("record was not marked published")
	}
	// The first hint stretches the 2s backoff to 7s; the second exceeds the
	// cap and is clipped to it.
	want := []time.Duration{7 * time.Second, time.Minute}
	if len(*sleeps) != 2 || (*sleeps)[0] != want[0] || (*sleeps)[1] != want[1] {
		t.Errorf("sleeps: got %v, want %v", *sleeps, want)
	}
}

func TestDelivererStopsOnPermanentRejection(t *testing.T) {
	t.Parallel()
	store := &fakeDeliveryStore{}
	pub := &fakePublisher{createErrs: []error{statusErr(400), statusErr(400)}}
	alerts := &captureAlerts{}
	d, sleeps := newTestDeliverer(store, &fakeDocMapper{doc: createDoc()}, pub, alerts)

	d.Deliver(context.Background(), deliveryRecord(t, EventText))

	if pub.creates != 1 {
		t.Errorf("create calls: got %d, want 1", pub.creates)
	}
	if store.published != nil {
		t.Errorf("published: got %+v, want nil", store.published)
	}
	if len(store.failures) != 1 || !store.failures[0].terminal {
		t.Fatalf("failures: got %+v, want one terminal", store.failures)
	}
	if len(*sleeps) != 0 {
		t.Errorf("sleeps: got %v, want none", *sleeps)
	}
	notes := alerts.all()
	if len(notes) != 1 {
		t.Fatalf("alerts: got %d, want 1", len(notes))
	}
	if notes[0].Class != string(DeliveryPermanent) || notes[0].Attempts != 1 {
		t.Errorf("alert: got class %q attempts %d, want permanent/1", notes[0].Class, notes[0].Attempts)
	}
}

func TestDelivererExhaustsAttemptBudget(t *testing.T) {
	t.Parallel()
	store := &fakeDeliveryStore{}
	pub := &fakePublisher{createErrs: []error{statusErr(503), statusErr(503), statusErr(503)}}
	alerts := &captureAlerts{}
	d, sleeps := newTestDeliverer(store, &fakeDocMapper{doc: createDoc()}, pub, alerts)

	d.Deliver(context.Background(), deliveryRecord(t, EventText))

	if pub.creates != 3 {
		t.Errorf("create calls: got %d, want 3", pub.creates)
	}
	wantFailures := []recordedFailure{
		{terminal: false, cause: "status 503"},
		{terminal: false, cause: "status 503"},
		{terminal: true, cause: "delivery exhausted after 3 attempt(s): status 503"},
	}
	if len(store.failures) != len(wantFailures) {
		t.Fatalf("failures: got %+v, want %+v", store.failures, wantFailures)
	}
	for i, want := range wantFailures {
		if store.failures[i] != want {
			t.Errorf("failure %d: got %+v, want %+v", i, store.failures[i], want)
		}
	}
	if want := []time.Duration{2 * time.Second, 4 * time.Second}; len(*sleeps) != 2 || (*sleeps)[0] != want[0] || (*sleeps)[1] != want[1] {
		t.Errorf("sleeps: got %v, want %v", *sleeps, want)
	}
	notes := alerts.all()
	if len(notes) != 1 || notes[0].Class != string(DeliveryExhausted) || notes[0].Attempts != 3 {
		t.Fatalf("alerts: got %+v, want one exhausted/3", notes)
	}
}

func TestDelivererReconcilesStatuslessCreateError(t *testing.T) {
	t.Parallel()
	store := &fakeDeliveryStore{}
	pub := &fakePublisher{
		createErrs: []error{errors.New("dial tcp: i/o timeout")},
		found:      &PublishResult{ID: 77, URL: "https://blog.example.com/?p=77"},
	}
	d, _ := newTestDeliverer(store, &fakeDocMapper{doc: createDoc()}, pub, nil)

	d.Deliver(context.Background(), deliveryRecord(t, EventText))

	if pub.creates != 1 {
		t.Errorf("create calls: got %d, want 1", pub.creates)
	}
	if pub.finds != 1 {
		t.Errorf("slug lookups: got %d, want 1", pub.finds)
	}
	if store.published == nil || store.published.ID != 77 {
		t.Fatalf("published: got %+v, want reconciled ID 77", store.published)
	}
	if len(store.failures) != 0 {
		t.Errorf("failures: got %v, want none", store.failures)
	}
}

func TestDelivererChecksSlugBeforeRetryingCreate(t *testing.T) {
	t.Parallel()
	store := &fakeDeliveryStore{}
	pub := &fakePublisher{
		createErrs: []error{statusErr(502)},
		found:      &PublishResult{ID: 88},
	}
	d, _ := newTestDeliverer(store, &fakeDocMapper{doc: createDoc()}, pub, nil)

	d.Deliver(context.Background(), deliveryRecord(t, EventText))

	// Attempt 2 finds the post by slug and never publishes again.
	if pub.creates != 1 {
		t.Errorf("create calls: got %d, want 1", pub.creates)
	}
	if store.published == nil || store.published.ID != 88 {
		t.Fatalf("published: got %+v, want reconciled ID 88", store.published)
	}
}

func TestDelivererRetractAlreadyGoneIsSuccess(t *testing.T) {
	t.Parallel()
	store := &fakeDeliveryStore{}
	pub := &fakePublisher{retractErr: statusErr(404)}
	doc := &PublishableDocument{Disposition: DispositionRetract, TargetID: 55, Slug: "tg-aaaa"}
	d, _ := newTestDeliverer(store, &fakeDocMapper{doc: doc}, pub, nil)

	d.Deliver(context.Background(), deliveryRecord(t, EventDelete))

	if pub.retracts != 1 {
		t.Errorf("retract calls: got %d, want 1", pub.retracts)
	}
	if store.published == nil || store.published.ID != 55 {
		t.Fatalf("published: got %+v, want ID 55", store.published)
	}
	if len(store.failures) != 0 {
		t.Errorf("failures: got %v, want none", store.failures)
	}
}

func TestDelivererInvalidMappingIsTerminal(t *testing.T) {
	t.Parallel()
	store := &fakeDeliveryStore{}
	pub := &fakePublisher{}
	alerts := &captureAlerts{}
	mapper := &fakeDocMapper{err: invalidMapping("edited message was already retracted")}
	d, _ := newTestDeliverer(store, mapper, pub, alerts)

	d.Deliver(context.Background(), deliveryRecord(t, EventEdit))

	if pub.creates+pub.updates+pub.retracts != 0 {
		t.Errorf("publisher was called: %+v", pub)
	}
	if len(store.failures) != 1 || !store.failures[0].terminal {
		t.Fatalf("failures: got %+v, want one terminal", store.failures)
	}
	notes := alerts.all()
	if len(notes) != 1 || notes[0].Class != string(DeliveryPermanent) {
		t.Fatalf("alerts: got %+v, want one permanent", notes)
	}
}

func TestDelivererRetriesPartialMapping(t *testing.T) {
	t.Parallel()
	store := &fakeDeliveryStore{}
	mapper := &fakeDocMapper{err: partialMapping("no published post for deleted message yet", nil)}
	alerts := &captureAlerts{}
	d, sleeps := newTestDeliverer(store, mapper, &fakePublisher{}, alerts)

	d.Deliver(context.Background(), deliveryRecord(t, EventDelete))

	if mapper.calls != 3 {
		t.Errorf("map calls: got %d, want 3", mapper.calls)
	}
	if len(*sleeps) != 2 {
		t.Errorf("sleeps: got %v, want 2 backoffs", *sleeps)
	}
	if len(store.failures) != 3 || !store.failures[2].terminal {
		t.Fatalf("failures: got %+v, want two retries then terminal", store.failures)
	}
	notes := alerts.all()
	if len(notes) != 1 || notes[0].Class != string(DeliveryExhausted) {
		t.Fatalf("alerts: got %+v, want one exhausted", notes)
	}
}

func TestDelivererDropsUnclaimableRecord(t *testing.T) {
	t.Parallel()
	store := &fakeDeliveryStore{claimDenied: true}
	mapper := &fakeDocMapper{doc: createDoc()}
	d, _ := newTestDeliverer(store, mapper, &fakePublisher{}, nil)

	d.Deliver(context.Background(), deliveryRecord(t, EventText))

	if mapper.calls != 0 {
		t.Errorf("map calls: got %d, want 0", mapper.calls)
	}
	if store.published != nil || len(store.failures) != 0 {
		t.Errorf("store was mutated: published=%+v failures=%v", store.published, store.failures)
	}
}

func TestDelivererUnreadableEventIsTerminal(t *testing.T) {
	t.Parallel()
	store := &fakeDeliveryStore{}
	mapper := &fakeDocMapper{doc: createDoc()}
	d, _ := newTestDeliverer(store, mapper, &fakePublisher{}, nil)

	rec := deliveryRecord(t, EventText)
	rec.Event = []byte("{not json")
	d.Deliver(context.Background(), rec)

	if mapper.calls != 0 {
		t.Errorf("map calls: got %d, want 0", mapper.calls)
	}
	if len(store.failures) != 1 || !store.failures[0].terminal {
		t.Fatalf("failures: got %+v, want one terminal", store.failures)
	}
}

func TestNextDelaySequence(t *testing.T) {
	t.Parallel()
	d := &Deliverer{
		backoffBase:    time.Second,
		backoffCap:     10 * time.Second,
		jitterFraction: 0.5,
	}

	// The maximum delay of one attempt never exceeds the minimum of the
	// next, so retries always spread out.
	for attempt := 1; attempt < 8; attempt++ {
		d.rand = func() float64 { return 0.999 }
		prevMax := d.nextDelay(attempt)
		d.rand = func() float64 { return 0 }
		nextMin := d.nextDelay(attempt + 1)
		if prevMax > nextMin {
			t.Errorf("delay after attempt %d (%v) exceeds delay after attempt %d (%v)",
				attempt, prevMax, attempt+1, nextMin)
		}
	}

	d.rand = func() float64 { return 0.999 }
	if got := d.nextDelay(20); got != 10*time.Second {
		t.Errorf("capped delay: got %v, want 10s", got)
	}
}
