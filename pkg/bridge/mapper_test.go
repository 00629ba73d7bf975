// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/telewp/pkg/bridge/database"
)

type fakeThreadIndex struct {
	records map[string]*database.Record
	err     error
}

func (f *fakeThreadIndex) LatestPublishedInThread(_ context.Context, threadID string) (*database.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.records[threadID], nil
}

type fakeMediaFetcher struct {
	files map[string][]byte
	calls int
}

func (f *fakeMediaFetcher) DownloadFileID(_ context.Context, fileID string) ([]byte, error) {
	f.calls++
	data, ok := f.files[fileID]
	if !ok {
		return nil, fmt.Errorf("file %s not found", fileID)
	}
	return data, nil
}

func newTestMapper(threads *fakeThreadIndex, media MediaFetcher, optional bool) *Mapper {
	if threads == nil {
		threads = &fakeThreadIndex{}
	}
	return &Mapper{
		threads: threads,
		media:   media,
		log:     zerolog.Nop(),

		titleLength:   60,
		postStatus:    "publish",
		categories:    []int{7},
		mediaOptional: optional,
	}
}

func textEvent(kind EventKind) *BridgeEvent {
	return &BridgeEvent{
		Fingerprint: "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff",
		SourceID:    "-100900:5",
		ThreadID:    "-100900:5",
		Kind:        kind,
		ChatID:      -100900,
		MessageID:   5,
		Text:        "Release notes\n\nEverything is faster now.",
	}
}

func TestMapperCreatesFromNewMessage(t *testing.T) {
	t.Parallel()
	m := newTestMapper(nil, nil, false)

	doc, err := m.Map(context.Background(), textEvent(EventText))
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if doc.Disposition != DispositionCreate {
		t.Errorf("disposition: got %q, want create", doc.Disposition)
	}
	if want := "tg-0011223344556677"; doc.Slug != want {
		t.Errorf("slug: got %q, want %q", doc.Slug, want)
	}
	if doc.Title != "Release notes" {
		t.Errorf("title: got %q", doc.Title)
	}
	if want := "<p>Release notes</p><p>Everything is faster now.</p>"; doc.Content != want {
		t.Errorf("content: got %q, want %q", doc.Content, want)
	}
	if doc.Status != "publish" {
		t.Errorf("status: got %q, want publish", doc.Status)
	}
	if len(doc.Categories) != 1 || doc.Categories[0] != 7 {
		t.Errorf("categories: got %v, want [7]", doc.Categories)
	}
	if doc.TargetID != 0 {
		t.Errorf("target id: got %d, want 0", doc.TargetID)
	}
}

func TestMapperFetchesMediaForCreate(t *testing.T) {
	t.Parallel()
	media := &fakeMediaFetcher{files: map[string][]byte{"file-1": []byte("hello")}}
	m := newTestMapper(nil, media, false)

	evt := textEvent(EventMedia)
	evt.Media = []MediaRef{{FileID: "file-1", Kind: MediaPhoto, MIMEType: "image/jpeg"}}

	doc, err := m.Map(context.Background(), evt)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(doc.Media) != 1 {
		t.Fatalf("media: got %d items, want 1", len(doc.Media))
	}
	got := doc.Media[0]
	if string(got.Data) != "hello" {
		t.Errorf("media data: got %q", got.Data)
	}
	// SHA-256 of "hello".
	if want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"; got.ContentHash != want {
		t.Errorf("content hash: got %q, want %q", got.ContentHash, want)
	}
	if got.Ref.FileID != "file-1" || got.Ref.Kind != MediaPhoto {
		t.Errorf("media ref: got %+v", got.Ref)
	}
}

func TestMapperMediaFetchFailureIsPartial(t *testing.T) {
	t.Parallel()
	m := newTestMapper(nil, &fakeMediaFetcher{}, false)

	evt := textEvent(EventMedia)
	evt.Media = []MediaRef{{FileID: "gone", Kind: MediaPhoto}}

	_, err := m.Map(context.Background(), evt)
	me, ok := AsMappingError(err)
	if !ok {
		t.Fatalf("Map error: got %v, want MappingError", err)
	}
	if !me.Partial {
		t.Error("mapping error is not partial, media fetch failures must be retryable")
	}
}

func TestMapperMediaOptionalDropsFailures(t *testing.T) {
	t.Parallel()
	media := &fakeMediaFetcher{files: map[string][]byte{"ok": []byte("data")}}
	m := newTestMapper(nil, media, true)

	evt := textEvent(EventMedia)
	evt.Media = []MediaRef{{FileID: "gone", Kind: MediaPhoto}, {FileID: "ok", Kind: MediaDocument}}

	doc, err := m.Map(context.Background(), evt)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(doc.Media) != 1 || doc.Media[0].Ref.FileID != "ok" {
		t.Fatalf("media: got %+v, want only the fetchable item", doc.Media)
	}
}

func TestMapperEditUpdatesPublishedPost(t *testing.T) {
	t.Parallel()
	threads := &fakeThreadIndex{records: map[string]*database.Record{
		"-100900:5": {
			Fingerprint: "priorfp",
			ThreadID:    "-100900:5",
			Kind:        string(EventText),
			State:       database.StatePublished,
			RemoteID:    42,
		},
	}}
	m := newTestMapper(threads, nil, false)

	evt := textEvent(EventEdit)
	evt.Revision = 1700000100

	doc, err := m.Map(context.Background(), evt)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if doc.Disposition != DispositionUpdate {
		t.Errorf("disposition: got %q, want update", doc.Disposition)
	}
	if doc.TargetID != 42 {
		t.Errorf("target id: got %d, want 42", doc.TargetID)
	}
	if doc.Title != "Release notes" {
		t.Errorf("title: got %q", doc.Title)
	}
}

func TestMapperEditWithoutPriorPublishesAsNew(t *testing.T) {
	t.Parallel()
	m := newTestMapper(nil, nil, false)

	doc, err := m.Map(context.Background(), textEvent(EventEdit))
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if doc.Disposition != DispositionCreate {
		t.Errorf("disposition: got %q, want create", doc.Disposition)
	}
	if doc.TargetID != 0 {
		t.Errorf("target id: got %d, want 0", doc.TargetID)
	}
}

func TestMapperEditAfterRetractionIsInvalid(t *testing.T) {
	t.Parallel()
	threads := &fakeThreadIndex{records: map[string]*database.Record{
		"-100900:5": {
			ThreadID: "-100900:5",
			Kind:     string(EventDelete),
			State:    database.StatePublished,
			RemoteID: 42,
		},
	}}
	m := newTestMapper(threads, nil, false)

	_, err := m.Map(context.Background(), textEvent(EventEdit))
	me, ok := AsMappingError(err)
	if !ok {
		t.Fatalf("Map error: got %v, want MappingError", err)
	}
	if me.Partial {
		t.Error("mapping error is partial, editing a retracted post can never succeed")
	}
}

func TestMapperDeleteRetractsPublishedPost(t *testing.T) {
	t.Parallel()
	threads := &fakeThreadIndex{records: map[string]*database.Record{
		"-100900:5": {
			ThreadID: "-100900:5",
			Kind:     string(EventText),
			State:    database.StatePublished,
			RemoteID: 42,
		},
	}}
	m := newTestMapper(threads, nil, false)

	doc, err := m.Map(context.Background(), textEvent(EventDelete))
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if doc.Disposition != DispositionRetract {
		t.Errorf("disposition: got %q, want retract", doc.Disposition)
	}
	if doc.TargetID != 42 {
		t.Errorf("target id: got %d, want 42", doc.TargetID)
	}
}

func TestMapperDeleteWithoutPriorIsPartial(t *testing.T) {
	t.Parallel()
	m := newTestMapper(nil, nil, false)

	_, err := m.Map(context.Background(), textEvent(EventDelete))
	me, ok := AsMappingError(err)
	if !ok {
		t.Fatalf("Map error: got %v, want MappingError", err)
	}
	if !me.Partial {
		t.Error("mapping error is not partial, the post may simply not be published yet")
	}
}

func TestMapperMediaWithoutFetcher(t *testing.T) {
	t.Parallel()
	evt := textEvent(EventMedia)
	evt.Media = []MediaRef{{FileID: "f", Kind: MediaPhoto}}

	strict := newTestMapper(nil, nil, false)
	if _, err := strict.Map(context.Background(), evt); err == nil {
		t.Error("strict mapper: got nil error for media without a fetcher")
	}

	lax := newTestMapper(nil, nil, true)
	doc, err := lax.Map(context.Background(), evt)
	if err != nil {
		t.Fatalf("lax mapper: %v", err)
	}
	if len(doc.Media) != 0 {
		t.Errorf("lax mapper media: got %+v, want none", doc.Media)
	}
}
