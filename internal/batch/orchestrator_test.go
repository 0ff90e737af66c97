package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jo-hoe/meshforge/internal/config"
	"github.com/jo-hoe/meshforge/internal/gateway"
	"github.com/jo-hoe/meshforge/internal/modes"
	"github.com/jo-hoe/meshforge/internal/poller"
	"github.com/jo-hoe/meshforge/internal/records"
)

// events collects the interleaving of gateway submissions and record
// writes so tests can assert strict sequencing.
type events struct {
	mu  sync.Mutex
	seq []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq = append(e.seq, s)
}

func (e *events) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.seq...)
}

// scriptedGateway names each submission after the image payload so the
// event log reads create:<item>.
type scriptedGateway struct {
	events      *events
	failCreates map[string]error // by item tag
	neverDone   bool
}

func itemTag(input map[string]any) string {
	if v, ok := input["image"].(string); ok {
		return strings.TrimPrefix(v, "data:image/png;base64,")
	}
	return "unknown"
}

func (g *scriptedGateway) CreatePrediction(ctx context.Context, model string, input map[string]any) (gateway.Prediction, error) {
	tag := itemTag(input)
	g.events.add("create:" + tag)
	if err, ok := g.failCreates[tag]; ok {
		return gateway.Prediction{}, err
	}
	return gateway.Prediction{ID: "job-" + tag, Status: gateway.StatusStarting}, nil
}

func (g *scriptedGateway) GetPrediction(ctx context.Context, id string) (gateway.Prediction, error) {
	if g.neverDone {
		return gateway.Prediction{ID: id, Status: gateway.StatusProcessing}, nil
	}
	output, _ := json.Marshal(map[string]string{"mesh": "https://cdn.example.com/" + id + ".glb"})
	return gateway.Prediction{ID: id, Status: gateway.StatusSucceeded, Output: output}, nil
}

type memRecords struct {
	events *events
	mu     sync.Mutex
	recs   []records.Record
}

func (m *memRecords) Create(rec *records.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, *rec)
	if m.events != nil {
		m.events.add("record:" + rec.Name)
	}
	return nil
}

func (m *memRecords) UpdateByLogicalID(string, records.Patch) (int, error) { return 0, nil }
func (m *memRecords) ListByUser(string) ([]records.Record, error)         { return nil, nil }
func (m *memRecords) ListRecent(int) ([]records.Record, error)            { return nil, nil }
func (m *memRecords) Subscribe() (<-chan records.Event, func())           { return nil, func() {} }
func (m *memRecords) Close() error                                        { return nil }

func (m *memRecords) all() []records.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]records.Record(nil), m.recs...)
}

type fakeArchiver struct {
	err error
}

func (a *fakeArchiver) Store(ctx context.Context, key, mimeType string, data []byte) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	return "https://archive.example.com/" + key, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func speedCatalog() modes.Catalog {
	return modes.NewCatalog(config.ModesConfig{
		Speed: config.SpeedModeSettings{Model: "tencent/hunyuan3d-2", Steps: 20, GuidanceScale: 3.0},
	})
}

func testItems(names ...string) *List {
	items := make([]Item, 0, len(names))
	for _, n := range names {
		items = append(items, Item{
			ID:           "id-" + n,
			Name:         n,
			PreviewPath:  "/previews/" + n + ".jpg",
			ImageDataURL: "data:image/png;base64," + n,
			MimeType:     "image/png",
			Status:       StatusPending,
		})
	}
	return NewList(items)
}

func newOrchestrator(gw gateway.Client, store records.Store, arch *fakeArchiver) *Orchestrator {
	o := &Orchestrator{
		Log: discardLogger(),
		Poller: &poller.Poller{
			Gateway:  gw,
			Interval: time.Millisecond,
			Deadline: time.Second,
			Suffix:   ".glb",
		},
		Modes:   speedCatalog(),
		Records: store,
	}
	// A typed nil pointer in the interface field would defeat the nil check.
	if arch != nil {
		o.Archive = arch
	}
	return o
}

func TestOrchestrator_SequentialWithFailure(t *testing.T) {
	ev := &events{}
	gw := &scriptedGateway{
		events:      ev,
		failCreates: map[string]error{"one": errors.New("gateway status 400: bad input")},
	}
	store := &memRecords{events: ev}
	o := newOrchestrator(gw, store, nil)

	items := testItems("one", "two", "three")
	if err := o.Run(context.Background(), items, modes.Speed, Owner{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	snap := items.Snapshot()
	wantStatus := []Status{StatusError, StatusCompleted, StatusCompleted}
	for i, want := range wantStatus {
		if snap[i].Status != want {
			t.Fatalf("item %d status = %s, want %s", i, snap[i].Status, want)
		}
	}
	if snap[0].ErrorMessage == "" || snap[0].ResultURL != "" {
		t.Fatalf("failed item invariants violated: %+v", snap[0])
	}
	for _, it := range snap[1:] {
		if it.ResultURL == "" || it.ErrorMessage != "" {
			t.Fatalf("completed item invariants violated: %+v", it)
		}
		if it.JobHandle == "" {
			t.Fatalf("job handle not captured: %+v", it)
		}
	}

	// No job for item three starts before item two is terminal.
	seq := ev.list()
	idxRecordTwo, idxCreateThree := -1, -1
	for i, e := range seq {
		switch e {
		case "record:two":
			idxRecordTwo = i
		case "create:three":
			idxCreateThree = i
		}
	}
	if idxRecordTwo == -1 || idxCreateThree == -1 {
		t.Fatalf("missing events in %v", seq)
	}
	if idxCreateThree < idxRecordTwo {
		t.Fatalf("item three started before item two finished: %v", seq)
	}
}

func TestOrchestrator_SkipsCompletedItems(t *testing.T) {
	ev := &events{}
	gw := &scriptedGateway{events: ev}
	store := &memRecords{}
	o := newOrchestrator(gw, store, nil)

	items := testItems("done", "todo")
	items.Update(0, func(it Item) Item {
		it.Status = StatusCompleted
		it.ResultURL = "https://cdn.example.com/done.glb"
		it.Progress = 100
		return it
	})

	if err := o.Run(context.Background(), items, modes.Speed, Owner{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, e := range ev.list() {
		if e == "create:done" {
			t.Fatalf("already completed item was resubmitted")
		}
	}
}

func TestOrchestrator_Timeout(t *testing.T) {
	gw := &scriptedGateway{events: &events{}, neverDone: true}
	store := &memRecords{}
	o := newOrchestrator(gw, store, nil)
	o.Poller.Deadline = 15 * time.Millisecond

	items := testItems("slow")
	if err := o.Run(context.Background(), items, modes.Speed, Owner{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	it, _ := items.Get(0)
	if it.Status != StatusError {
		t.Fatalf("expected ERROR after timeout, got %s", it.Status)
	}
	if !strings.Contains(it.ErrorMessage, "timed out") {
		t.Fatalf("timeout needs a timeout-specific message, got %q", it.ErrorMessage)
	}
	if len(store.all()) != 0 {
		t.Fatalf("no record may be written for a timed-out item")
	}
}

func TestOrchestrator_RecordInvariants(t *testing.T) {
	ev := &events{}
	gw := &scriptedGateway{
		events:      ev,
		failCreates: map[string]error{"bad": errors.New("rejected")},
	}
	store := &memRecords{events: ev}
	o := newOrchestrator(gw, store, &fakeArchiver{})

	items := testItems("good", "bad")
	owner := Owner{UserID: "user-7", Name: "Ada"}
	if err := o.Run(context.Background(), items, modes.Speed, owner); err != nil {
		t.Fatalf("Run: %v", err)
	}

	recs := store.all()
	if len(recs) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.Status != records.StatusCompleted {
		t.Fatalf("record status = %s", rec.Status)
	}
	if rec.ArtifactURL == nil || *rec.ArtifactURL == "" {
		t.Fatalf("completed record requires artifact: %+v", rec)
	}
	if rec.LogicalID != "job-good" {
		t.Fatalf("logical id should equal the job handle, got %q", rec.LogicalID)
	}
	if rec.UserID != "user-7" || rec.AuthorName == nil || *rec.AuthorName != "Ada" {
		t.Fatalf("attribution mismatch: %+v", rec)
	}
	if rec.ImageURL != "https://archive.example.com/job-good" {
		t.Fatalf("source image not migrated to durable storage: %q", rec.ImageURL)
	}
}

func TestOrchestrator_GuestAttribution(t *testing.T) {
	gw := &scriptedGateway{events: &events{}}
	store := &memRecords{}
	o := newOrchestrator(gw, store, nil)

	items := testItems("solo")
	if err := o.Run(context.Background(), items, modes.Speed, Owner{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	recs := store.all()
	if len(recs) != 1 {
		t.Fatalf("expected one record, got %d", len(recs))
	}
	if recs[0].UserID != "guest" || recs[0].AuthorName == nil || *recs[0].AuthorName != "Guest" {
		t.Fatalf("guest attribution missing: %+v", recs[0])
	}
}

func TestOrchestrator_ArchiveFailureIsNonFatal(t *testing.T) {
	gw := &scriptedGateway{events: &events{}}
	store := &memRecords{}
	o := newOrchestrator(gw, store, &fakeArchiver{err: fmt.Errorf("bucket unavailable")})

	items := testItems("keep")
	if err := o.Run(context.Background(), items, modes.Speed, Owner{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	it, _ := items.Get(0)
	if it.Status != StatusCompleted {
		t.Fatalf("archive failure must not fail the item, got %s", it.Status)
	}
	recs := store.all()
	if len(recs) != 1 {
		t.Fatalf("expected one record, got %d", len(recs))
	}
	if recs[0].ImageURL != "/previews/keep.jpg" {
		t.Fatalf("expected ephemeral fallback reference, got %q", recs[0].ImageURL)
	}
}

func TestOrchestrator_Cancellation(t *testing.T) {
	gw := &scriptedGateway{events: &events{}, neverDone: true}
	store := &memRecords{}
	o := newOrchestrator(gw, store, nil)
	o.Poller.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(15 * time.Millisecond)
		cancel()
	}()

	items := testItems("a", "b")
	err := o.Run(ctx, items, modes.Speed, Owner{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation to surface, got %v", err)
	}

	snap := items.Snapshot()
	if snap[0].Status != StatusError {
		t.Fatalf("in-flight item should be marked ERROR on cancel: %+v", snap[0])
	}
	if snap[1].Status != StatusPending {
		t.Fatalf("unstarted item should stay pending: %+v", snap[1])
	}
	if len(store.all()) != 0 {
		t.Fatalf("no records may be written for a canceled batch")
	}
}
