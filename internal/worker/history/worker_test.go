package history

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acme/power-dialer/internal/archive"
	"github.com/acme/power-dialer/internal/dialer"
	"github.com/acme/power-dialer/internal/domain"
	"github.com/acme/power-dialer/internal/queue"
	"github.com/acme/power-dialer/internal/repository"
	"github.com/acme/power-dialer/pkg/logger"
)

type fakeRuns struct {
	upserts []repository.RunRecord
	history []repository.StatusChange
}

func (f *fakeRuns) Upsert(_ context.Context, run repository.RunRecord) error {
	f.upserts = append(f.upserts, run)
	return nil
}

func (f *fakeRuns) Get(context.Context, string) (*repository.RunRecord, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeRuns) List(context.Context, int) ([]repository.RunRecord, error) { return nil, nil }

func (f *fakeRuns) StatusHistory(context.Context, string) ([]repository.StatusChange, error) {
	return f.history, nil
}

type outcome struct {
	entryID string
	status  domain.LegStatus
}

type fakeEntries struct {
	outcomes []outcome
	missing  map[string]bool
}

func (f *fakeEntries) BulkInsert(context.Context, string, []repository.ListEntryRecord) error {
	return nil
}

func (f *fakeEntries) Pending(context.Context, string, int) ([]domain.QueueEntry, error) {
	return nil, nil
}

func (f *fakeEntries) RecordOutcome(_ context.Context, entryID string, status domain.LegStatus, _ time.Time) error {
	if f.missing[entryID] {
		return repository.ErrNotFound
	}
	f.outcomes = append(f.outcomes, outcome{entryID: entryID, status: status})
	return nil
}

type fakeLegs struct {
	saved []domain.Leg
}

func (f *fakeLegs) SaveLeg(_ context.Context, leg domain.Leg) error {
	f.saved = append(f.saved, leg)
	return nil
}

// ListLegsByRun pages one leg at a time to exercise the paging loop.
func (f *fakeLegs) ListLegsByRun(_ context.Context, runID string, _ int, page []byte) ([]domain.Leg, []byte, error) {
	var legs []domain.Leg
	for _, l := range f.saved {
		if l.RunID == runID {
			legs = append(legs, l)
		}
	}
	idx := 0
	if len(page) > 0 {
		idx = int(page[0])
	}
	if idx >= len(legs) {
		return nil, nil, nil
	}
	var next []byte
	if idx+1 < len(legs) {
		next = []byte{byte(idx + 1)}
	}
	return legs[idx : idx+1], next, nil
}

type fakeArchiver struct {
	reports []archive.RunReport
}

func (f *fakeArchiver) Archive(_ context.Context, r archive.RunReport) (string, error) {
	f.reports = append(f.reports, r)
	return "s3://bucket/" + r.Run.ID, nil
}

type fixture struct {
	worker   *Worker
	runs     *fakeRuns
	entries  *fakeEntries
	legs     *fakeLegs
	archiver *fakeArchiver
}

func newFixture(reader messageReader) *fixture {
	f := &fixture{
		runs:     &fakeRuns{},
		entries:  &fakeEntries{missing: map[string]bool{}},
		legs:     &fakeLegs{},
		archiver: &fakeArchiver{},
	}
	f.worker = &Worker{
		reader:   reader,
		runs:     f.runs,
		entries:  f.entries,
		legs:     f.legs,
		archiver: f.archiver,
		logger:   logger.NewNop(),
		now:      func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) },
	}
	return f
}

func completedLeg(id, entry string, status domain.LegStatus) *queue.LegState {
	leg := queue.NewLegState(domain.Leg{
		ID: id, RunID: "run-1", ListEntryID: entry, Status: status,
		StartedAt: time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC),
	})
	return &leg
}

func TestLegCompletedWritesLegEntryAndRun(t *testing.T) {
	f := newFixture(nil)
	at := time.Date(2024, 6, 1, 11, 5, 0, 0, time.UTC)
	f.worker.process(context.Background(), queue.ProgressMessage{
		RunID:      "run-1",
		Type:       string(dialer.DeltaLegCompleted),
		OccurredAt: at,
		Run:        queue.RunState{ID: "run-1", Status: "running", Stats: queue.RunStats{TotalAttempted: 1, TotalNoAnswer: 1}},
		Leg:        completedLeg("leg-1", "entry-1", domain.LegStatusNoAnswer),
	})

	if len(f.legs.saved) != 1 || f.legs.saved[0].ID != "leg-1" {
		t.Fatalf("expected leg to be saved, got %+v", f.legs.saved)
	}
	if len(f.entries.outcomes) != 1 || f.entries.outcomes[0] != (outcome{entryID: "entry-1", status: domain.LegStatusNoAnswer}) {
		t.Fatalf("unexpected outcomes %+v", f.entries.outcomes)
	}
	if len(f.runs.upserts) != 1 {
		t.Fatalf("expected one run upsert, got %d", len(f.runs.upserts))
	}
	rec := f.runs.upserts[0]
	if !rec.UpdatedAt.Equal(at) || rec.Stats.TotalNoAnswer != 1 || rec.Status != domain.RunStatusRunning {
		t.Fatalf("unexpected run record %+v", rec)
	}
	if len(f.archiver.reports) != 0 {
		t.Fatalf("non-terminal message must not archive")
	}
}

func TestMissingListEntryIsTolerated(t *testing.T) {
	f := newFixture(nil)
	f.entries.missing["inline-1"] = true
	f.worker.process(context.Background(), queue.ProgressMessage{
		RunID: "run-1",
		Type:  string(dialer.DeltaLegCompleted),
		Run:   queue.RunState{ID: "run-1", Status: "running"},
		Leg:   completedLeg("leg-1", "inline-1", domain.LegStatusBusy),
	})
	if len(f.legs.saved) != 1 || len(f.runs.upserts) != 1 {
		t.Fatalf("leg and run should still be written")
	}
}

func TestLegUpdatesDoNotTouchRunSummary(t *testing.T) {
	f := newFixture(nil)
	f.worker.process(context.Background(), queue.ProgressMessage{
		RunID: "run-1",
		Type:  string(dialer.DeltaLegUpdated),
		Run:   queue.RunState{ID: "run-1", Status: "running"},
		Leg:   completedLeg("leg-1", "entry-1", domain.LegStatusRinging),
	})
	if len(f.runs.upserts) != 0 || len(f.legs.saved) != 0 {
		t.Fatalf("in-flight updates are not persisted")
	}
}

func TestTerminalStatusArchivesReport(t *testing.T) {
	f := newFixture(nil)
	f.legs.saved = []domain.Leg{
		{ID: "leg-1", RunID: "run-1", Status: domain.LegStatusCompleted},
		{ID: "leg-2", RunID: "run-1", Status: domain.LegStatusVoicemail},
		{ID: "leg-9", RunID: "run-2", Status: domain.LegStatusBusy},
	}
	changed := time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)
	f.runs.history = []repository.StatusChange{
		{RunID: "run-1", Status: domain.RunStatusRunning, ChangedAt: changed},
		{RunID: "run-1", Status: domain.RunStatusCompleted, ChangedAt: changed.Add(time.Hour)},
	}

	f.worker.process(context.Background(), queue.ProgressMessage{
		RunID: "run-1",
		Type:  string(dialer.DeltaRunStatus),
		Run:   queue.RunState{ID: "run-1", Status: "completed"},
	})

	if len(f.archiver.reports) != 1 {
		t.Fatalf("expected one archived report, got %d", len(f.archiver.reports))
	}
	report := f.archiver.reports[0]
	if len(report.Legs) != 2 || report.Legs[0].ID != "leg-1" || report.Legs[1].ID != "leg-2" {
		t.Fatalf("unexpected legs in report %+v", report.Legs)
	}
	if len(report.History) != 2 || report.History[1].Status != "completed" {
		t.Fatalf("unexpected history %+v", report.History)
	}
	if len(f.runs.upserts) != 1 {
		t.Fatalf("terminal status should also upsert the run")
	}
}

type scriptedReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []kafka.Message
	cancel    context.CancelFunc
}

func (r *scriptedReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		r.cancel()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	return msg, nil
}

func (r *scriptedReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *scriptedReader) Close() error { return nil }

func TestRunCommitsEveryMessageIncludingGarbage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	good, err := json.Marshal(queue.ProgressMessage{
		RunID: "run-1",
		Type:  string(dialer.DeltaRunCreated),
		Run:   queue.RunState{ID: "run-1", Status: "pending"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	reader := &scriptedReader{
		msgs:   []kafka.Message{{Offset: 1, Value: []byte("{not json")}, {Offset: 2, Value: good}},
		cancel: cancel,
	}
	f := newFixture(reader)

	if err := f.worker.Run(ctx); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(reader.committed) != 2 {
		t.Fatalf("expected both messages committed, got %d", len(reader.committed))
	}
	if len(f.runs.upserts) != 1 || f.runs.upserts[0].Status != domain.RunStatusPending {
		t.Fatalf("unexpected upserts %+v", f.runs.upserts)
	}
}
