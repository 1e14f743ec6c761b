package dialer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/acme/power-dialer/internal/domain"
	"github.com/acme/power-dialer/internal/telephony"
	"github.com/acme/power-dialer/internal/telephony/mock"
	apperrors "github.com/acme/power-dialer/pkg/errors"
	"github.com/acme/power-dialer/pkg/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

type fixture struct {
	t        *testing.T
	gw       *mock.Gateway
	clock    *fakeClock
	registry *MemoryRegistry
	engine   *Engine
}

func testPolicy() Policy {
	return Policy{
		FromLines:         []string{"+15550001111", "+15550002222"},
		MaxLinesCap:       10,
		RingTimeout:       30 * time.Second,
		BridgeStrategy:    BridgeConference,
		AgentEndpoint:     "client:agent-1",
		MachineDetection:  true,
		GateBridgeOnAMD:   true,
		UnknownAMDAsHuman: true,
	}
}

func newFixture(t *testing.T, mutate func(*Policy), opts ...Option) *fixture {
	t.Helper()
	policy := testPolicy()
	if mutate != nil {
		mutate(&policy)
	}
	f := &fixture{
		t:        t,
		gw:       mock.NewGateway(),
		clock:    &fakeClock{now: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)},
		registry: NewMemoryRegistry(),
	}
	base := []Option{
		WithRegistry(f.registry),
		WithClock(f.clock.Now),
		WithIDGenerator(sequentialIDs()),
	}
	f.engine = NewEngine(f.gw, policy, logger.NewNop(), append(base, opts...)...)
	return f
}

func targets(n int) []domain.QueueEntry {
	out := make([]domain.QueueEntry, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, domain.QueueEntry{
			ContactID:   fmt.Sprintf("contact-%d", i),
			ListEntryID: fmt.Sprintf("entry-%d", i),
			PhoneNumber: fmt.Sprintf("+1555000%04d", i),
		})
	}
	return out
}

func (f *fixture) start(maxLines int, queue []domain.QueueEntry) domain.DialerRun {
	f.t.Helper()
	run, err := f.engine.StartRun(context.Background(), StartRunInput{ListID: "list-1", MaxLines: maxLines, Targets: queue})
	if err != nil {
		f.t.Fatalf("start run: %v", err)
	}
	return run
}

func (f *fixture) send(session string, typ domain.ProviderEventType, detail string) {
	f.t.Helper()
	ev := domain.ProviderEvent{CallSessionID: session, Type: typ}
	switch typ {
	case domain.EventHangup:
		ev.HangupCause = detail
	case domain.EventAMDResult:
		ev.AMDCode = detail
	}
	if err := f.engine.HandleProviderEvent(context.Background(), ev); err != nil {
		f.t.Fatalf("handle %s for %s: %v", typ, session, err)
	}
}

func (f *fixture) state(runID string) domain.DialerRun {
	f.t.Helper()
	run, err := f.engine.GetRunState(context.Background(), runID)
	if err != nil {
		f.t.Fatalf("get run: %v", err)
	}
	return run
}

func findLeg(run domain.DialerRun, session string) (domain.Leg, bool) {
	for _, leg := range run.ActiveLegs {
		if leg.CallSessionID == session {
			return *leg, true
		}
	}
	for _, leg := range run.CompletedLegs {
		if leg.CallSessionID == session {
			return leg, true
		}
	}
	return domain.Leg{}, false
}

func (f *fixture) leg(runID, session string) domain.Leg {
	f.t.Helper()
	leg, ok := findLeg(f.state(runID), session)
	if !ok {
		f.t.Fatalf("no leg for session %s", session)
	}
	return leg
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func TestStartRunFillsAvailableLines(t *testing.T) {
	f := newFixture(t, nil)
	run := f.start(3, targets(5))

	if run.Status != domain.RunStatusRunning {
		t.Fatalf("expected running, got %s", run.Status)
	}
	if len(run.ActiveLegs) != 3 || len(run.Queue) != 2 {
		t.Fatalf("expected 3 active legs and 2 queued, got %d and %d", len(run.ActiveLegs), len(run.Queue))
	}
	if run.Stats.TotalAttempted != 3 {
		t.Fatalf("expected 3 attempted, got %d", run.Stats.TotalAttempted)
	}

	origs := f.gw.Originations()
	if origs[0].To != "+15550000001" || origs[2].To != "+15550000003" {
		t.Fatalf("legs not dispatched in list order: %+v", origs)
	}
	if origs[0].From != "+15550001111" || origs[1].From != "+15550002222" || origs[2].From != "+15550001111" {
		t.Fatalf("from lines not rotated: %+v", origs)
	}
	if !origs[0].MachineDetection {
		t.Fatalf("expected machine detection requested")
	}
	cs, err := domain.DecodeClientState(origs[0].ClientState)
	if err != nil {
		t.Fatalf("decode client state: %v", err)
	}
	tok, ok := cs.(domain.ProspectLegToken)
	if !ok || tok.RunID != run.ID {
		t.Fatalf("expected prospect token for run %s, got %#v", run.ID, cs)
	}
	for _, leg := range run.ActiveLegs {
		if leg.Status != domain.LegStatusDialing || leg.Attempt != 1 {
			t.Fatalf("unexpected leg %+v", leg)
		}
	}
	if f.registry.Len() != 3 {
		t.Fatalf("expected 3 registry entries, got %d", f.registry.Len())
	}
}

func TestStartRunValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.engine.StartRun(ctx, StartRunInput{MaxLines: 1}); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error for missing list, got %v", err)
	}
	if _, err := f.engine.StartRun(ctx, StartRunInput{ListID: "l", MaxLines: 11}); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error for max lines, got %v", err)
	}
	if _, err := f.engine.StartRun(ctx, StartRunInput{ListID: "l", MaxLines: -1}); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error for negative max lines, got %v", err)
	}

	run, err := f.engine.StartRun(ctx, StartRunInput{ListID: "l"})
	if err != nil {
		t.Fatalf("start with default lines: %v", err)
	}
	if run.MaxLines != 3 {
		t.Fatalf("expected default of 3 lines, got %d", run.MaxLines)
	}
}

func TestEmptyRunCompletesImmediately(t *testing.T) {
	f := newFixture(t, nil)
	run := f.start(2, nil)
	if run.Status != domain.RunStatusCompleted || run.CompletedAt == nil {
		t.Fatalf("expected completed run, got %s", run.Status)
	}
}

func TestRunCommandsRejectUnknownAndTerminalRuns(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.engine.PauseRun(ctx, "missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	run := f.start(1, targets(1))
	if _, err := f.engine.StopRun(ctx, run.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	before := f.state(run.ID)
	for name, cmd := range map[string]func(context.Context, string) (domain.DialerRun, error){
		"pause":  f.engine.PauseRun,
		"resume": f.engine.ResumeRun,
		"stop":   f.engine.StopRun,
	} {
		if _, err := cmd(ctx, run.ID); !errors.Is(err, apperrors.ErrInvalidTransition) {
			t.Fatalf("%s on stopped run: expected invalid transition, got %v", name, err)
		}
	}
	after := f.state(run.ID)
	if after.Status != before.Status || !after.CompletedAt.Equal(*before.CompletedAt) || len(after.CompletedLegs) != len(before.CompletedLegs) {
		t.Fatalf("rejected command mutated run")
	}
}

func TestPauseAndResumeAreIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	run := f.start(1, targets(3))

	first, err := f.engine.PauseRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	second, err := f.engine.PauseRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("second pause: %v", err)
	}
	if second.PausedAt == nil || !second.PausedAt.Equal(*first.PausedAt) {
		t.Fatalf("second pause should not move pausedAt")
	}

	resumed, err := f.engine.ResumeRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != domain.RunStatusRunning || resumed.PausedAt != nil {
		t.Fatalf("unexpected resumed run %+v", resumed.Status)
	}
	if _, err := f.engine.ResumeRun(ctx, run.ID); err != nil {
		t.Fatalf("resume on running run: %v", err)
	}
	if len(f.gw.Originations()) != 1 {
		t.Fatalf("resume with a busy line must not over-dial")
	}
}

func TestOutOfOrderEventsNeverMoveLegBackwards(t *testing.T) {
	f := newFixture(t, func(p *Policy) { p.MachineDetection, p.GateBridgeOnAMD = false, false })
	run := f.start(1, targets(1))

	f.send("mock-call-1", domain.EventRinging, "")
	f.send("mock-call-1", domain.EventAnswered, "")
	f.send("mock-call-1", domain.EventInitiated, "")
	f.send("mock-call-1", domain.EventRinging, "")

	leg := f.leg(run.ID, "mock-call-1")
	if leg.Status != domain.LegStatusBridged {
		t.Fatalf("expected bridged leg, got %s", leg.Status)
	}
}

func TestEventsForUnknownSessionsAreDropped(t *testing.T) {
	f := newFixture(t, nil)
	run := f.start(1, targets(2))

	f.send("someone-else", domain.EventHangup, "normal_clearing")

	snap := f.state(run.ID)
	if len(snap.CompletedLegs) != 0 || snap.Stats.TotalNoAnswer != 0 {
		t.Fatalf("unknown session mutated run")
	}
}

func TestInvalidEventIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	err := f.engine.HandleProviderEvent(context.Background(), domain.ProviderEvent{CallSessionID: "x", Type: "bogus"})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

type failingRegistry struct {
	*MemoryRegistry
}

func (failingRegistry) Register(context.Context, string, domain.LegRef) error {
	return errors.New("registry down")
}

func TestClientStateResolvesLegWhenRegistryMisses(t *testing.T) {
	f := newFixture(t, nil)
	reg := failingRegistry{MemoryRegistry: NewMemoryRegistry()}
	f.engine = NewEngine(f.gw, testPolicy(), logger.NewNop(),
		WithRegistry(reg), WithClock(f.clock.Now), WithIDGenerator(sequentialIDs()))

	run := f.start(1, targets(1))
	token := f.gw.Originations()[0].ClientState
	cs, err := domain.DecodeClientState(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	ev := domain.ProviderEvent{CallSessionID: "mock-call-1", Type: domain.EventRinging, ClientState: cs}
	if err := f.engine.HandleProviderEvent(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if leg := f.leg(run.ID, "mock-call-1"); leg.Status != domain.LegStatusRinging {
		t.Fatalf("expected ringing via client state, got %s", leg.Status)
	}
}

func TestBroadcasterReceivesRunDeltas(t *testing.T) {
	f := newFixture(t, nil)
	ch, cancel := f.engine.Broadcaster().Subscribe("")
	defer cancel()

	run := f.start(1, targets(1))
	f.send("mock-call-1", domain.EventHangup, "busy")

	var types []DeltaType
	for len(ch) > 0 {
		d := <-ch
		if d.RunID != run.ID {
			t.Fatalf("delta for unexpected run %s", d.RunID)
		}
		types = append(types, d.Type)
	}
	want := []DeltaType{DeltaRunCreated, DeltaRunStatus, DeltaLegOriginated, DeltaLegCompleted, DeltaRunStatus}
	if len(types) != len(want) {
		t.Fatalf("expected deltas %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected deltas %v, got %v", want, types)
		}
	}
}

func TestSubscribeUnknownRun(t *testing.T) {
	f := newFixture(t, nil)
	if _, _, err := f.engine.Subscribe("missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSweepTimesOutSilentLegsAndRefills(t *testing.T) {
	f := newFixture(t, nil)
	run := f.start(1, targets(2))

	f.clock.Advance(10 * time.Second)
	f.engine.Sweep(context.Background())
	if snap := f.state(run.ID); len(snap.CompletedLegs) != 0 {
		t.Fatalf("leg timed out too early")
	}

	f.clock.Advance(25 * time.Second)
	f.engine.Sweep(context.Background())

	snap := f.state(run.ID)
	leg, _ := findLeg(snap, "mock-call-1")
	if leg.Status != domain.LegStatusNoAnswer || leg.HangupCause != causeRingTimeout {
		t.Fatalf("expected ring timeout, got %+v", leg)
	}
	if !contains(f.gw.Hangups(), "mock-call-1") {
		t.Fatalf("timed out leg was not hung up")
	}
	if len(f.gw.Originations()) != 2 {
		t.Fatalf("expected sweep to refill the freed line")
	}

	// the provider's late hangup for the timed out leg is a no-op
	f.send("mock-call-1", domain.EventHangup, "no-answer")
	if got := f.state(run.ID).Stats.TotalNoAnswer; got != 1 {
		t.Fatalf("expected one no-answer, got %d", got)
	}
}

func TestSweepSettlesWinnerWithoutVerdict(t *testing.T) {
	f := newFixture(t, func(p *Policy) { p.AMDTimeout = 20 * time.Second })
	run := f.start(1, targets(2))
	f.send("mock-call-1", domain.EventAnswered, "")

	f.clock.Advance(15 * time.Second)
	f.engine.Sweep(context.Background())
	if leg := f.leg(run.ID, "mock-call-1"); leg.Status != domain.LegStatusAMDPending {
		t.Fatalf("verdict wait cut short, got %s", leg.Status)
	}

	f.clock.Advance(10 * time.Second)
	f.engine.Sweep(context.Background())
	leg := f.leg(run.ID, "mock-call-1")
	if leg.Status != domain.LegStatusBridged || leg.AMDResult != domain.AMDUnknown {
		t.Fatalf("expected bridge after verdict timeout, got %s/%s", leg.Status, leg.AMDResult)
	}
	if len(f.gw.Joins()) != 1 {
		t.Fatalf("expected one conference join, got %v", f.gw.Joins())
	}

	// a verdict arriving after the timeout does not undo the bridge
	f.send("mock-call-1", domain.EventAMDResult, "machine")
	if leg := f.leg(run.ID, "mock-call-1"); leg.Status != domain.LegStatusBridged {
		t.Fatalf("late verdict changed bridged leg to %s", leg.Status)
	}
}

func TestSweepVerdictTimeoutAsMachineFreesWinner(t *testing.T) {
	f := newFixture(t, func(p *Policy) { p.UnknownAMDAsHuman = false })
	run := f.start(1, targets(2))
	f.send("mock-call-1", domain.EventAnswered, "")

	f.clock.Advance(31 * time.Second)
	f.engine.Sweep(context.Background())

	snap := f.state(run.ID)
	leg, _ := findLeg(snap, "mock-call-1")
	if leg.Status != domain.LegStatusVoicemail || snap.WinningLegID != "" {
		t.Fatalf("expected voicemail and released winner, got %s winner %q", leg.Status, snap.WinningLegID)
	}
	if !contains(f.gw.Hangups(), "mock-call-1") || len(f.gw.Joins()) != 0 {
		t.Fatalf("unexpected provider calls: hangups %v joins %v", f.gw.Hangups(), f.gw.Joins())
	}
	if len(f.gw.Originations()) != 2 {
		t.Fatalf("expected the freed line to be refilled")
	}
}

// hangupObservingGateway reads run state from inside Hangup, which deadlocks
// if the engine calls the provider while holding the run lock.
type hangupObservingGateway struct {
	*mock.Gateway
	engine *Engine
	runID  string
	seen   []domain.LegStatus
}

func (g *hangupObservingGateway) Hangup(ctx context.Context, callSessionID string) error {
	snap, err := g.engine.GetRunState(ctx, g.runID)
	if err == nil {
		if leg, ok := findLeg(snap, callSessionID); ok {
			g.seen = append(g.seen, leg.Status)
		}
	}
	return g.Gateway.Hangup(ctx, callSessionID)
}

func TestHangupsAreSentAfterRunLockIsReleased(t *testing.T) {
	gw := &hangupObservingGateway{Gateway: mock.NewGateway()}
	gw.engine = NewEngine(gw, testPolicy(), logger.NewNop(), WithIDGenerator(sequentialIDs()))
	ctx := context.Background()

	run, err := gw.engine.StartRun(ctx, StartRunInput{ListID: "list-1", MaxLines: 2, Targets: targets(2)})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	gw.runID = run.ID

	done := make(chan error, 1)
	go func() {
		if err := gw.engine.HandleProviderEvent(ctx, domain.ProviderEvent{CallSessionID: "mock-call-1", Type: domain.EventAnswered}); err != nil {
			done <- err
			return
		}
		done <- gw.engine.HandleProviderEvent(ctx, domain.ProviderEvent{CallSessionID: "mock-call-2", Type: domain.EventAnswered})
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("handle event: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("hangup was issued while the run lock was held")
	}

	if len(gw.seen) != 1 || gw.seen[0] != domain.LegStatusCanceledFirstAnswer {
		t.Fatalf("hangup should observe the committed cancel, got %v", gw.seen)
	}
}

func TestEventForRunOwnedElsewhereIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.registry.Register(ctx, "remote-call-1", domain.LegRef{RunID: "run-elsewhere", LegID: "leg-9"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	err := f.engine.HandleProviderEvent(ctx, domain.ProviderEvent{CallSessionID: "remote-call-1", Type: domain.EventAnswered})
	if err != nil {
		t.Fatalf("event for a run held by another process should be acknowledged, got %v", err)
	}
	if len(f.gw.Hangups()) != 0 || len(f.gw.Joins()) != 0 || len(f.gw.Originations()) != 0 {
		t.Fatalf("dropped event reached the provider")
	}
}

func TestSweepEvictsFinishedRunsAfterRetention(t *testing.T) {
	f := newFixture(t, func(p *Policy) { p.Retention = time.Hour })
	run := f.start(1, nil)

	f.engine.Sweep(context.Background())
	if _, err := f.engine.GetRunState(context.Background(), run.ID); err != nil {
		t.Fatalf("run evicted too early: %v", err)
	}

	f.clock.Advance(2 * time.Hour)
	f.engine.Sweep(context.Background())
	if _, err := f.engine.GetRunState(context.Background(), run.ID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected run evicted, got %v", err)
	}
}

type countingGate struct {
	mu       sync.Mutex
	limit    int
	held     int
	releases int
}

func (g *countingGate) TryAcquire(context.Context, string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held >= g.limit {
		return false, nil
	}
	g.held++
	return true, nil
}

func (g *countingGate) Release(context.Context, string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.held--
	g.releases++
	return nil
}

func TestLineGateBoundsOriginationsAcrossRuns(t *testing.T) {
	gate := &countingGate{limit: 3}
	f := newFixture(t, nil, WithLineGate(gate))

	a := f.start(2, targets(4))
	b := f.start(2, targets(4))
	if len(f.gw.Originations()) != 3 {
		t.Fatalf("expected the gate to cap originations at 3, got %d", len(f.gw.Originations()))
	}
	if got := len(f.state(b.ID).Queue); got != 3 {
		t.Fatalf("gated entry should stay at the head of the queue, queue len %d", got)
	}

	f.send("mock-call-1", domain.EventHangup, "busy")
	if gate.releases != 1 {
		t.Fatalf("expected one release, got %d", gate.releases)
	}
	// the freed slot is taken by run a's own refill
	if got := len(f.state(a.ID).ActiveLegs); got != 2 {
		t.Fatalf("expected run a back at 2 active legs, got %d", got)
	}
}

func TestPermanentOriginationFailureIsNotRetried(t *testing.T) {
	f := newFixture(t, nil)
	f.gw.OriginateHook = func(req telephony.OriginateRequest) error {
		if req.To == "+15550000001" {
			return telephony.Permanent("originate", telephony.ErrInvalidNumber)
		}
		return nil
	}
	run := f.start(1, targets(2))

	if got := len(f.gw.Originations()); got != 2 {
		t.Fatalf("expected failed entry then next entry, got %d originations", got)
	}
	snap := f.state(run.ID)
	if len(snap.CompletedLegs) != 1 || snap.CompletedLegs[0].Status != domain.LegStatusFailed {
		t.Fatalf("expected one failed completed leg, got %+v", snap.CompletedLegs)
	}
	if snap.CompletedLegs[0].CallSessionID != "" || snap.CompletedLegs[0].ListEntryID != "entry-1" {
		t.Fatalf("failed leg should have no session and keep its list entry: %+v", snap.CompletedLegs[0])
	}
	if snap.Stats.TotalFailed != 1 || snap.Stats.TotalAttempted != 2 {
		t.Fatalf("unexpected stats %+v", snap.Stats)
	}
}

func TestTransientOriginationFailureIsRetriedOnce(t *testing.T) {
	f := newFixture(t, nil)
	calls := 0
	f.gw.OriginateHook = func(req telephony.OriginateRequest) error {
		if req.To == "+15550000001" {
			calls++
			if calls == 1 {
				return telephony.Transient("originate", errors.New("503 service unavailable"))
			}
		}
		return nil
	}
	run := f.start(1, targets(2))

	snap := f.state(run.ID)
	if len(snap.CompletedLegs) != 0 {
		t.Fatalf("transient failure should not record a leg: %+v", snap.CompletedLegs)
	}
	// entry-1 went to the back of the queue behind entry-2
	if len(snap.Queue) != 1 || snap.Queue[0].ListEntryID != "entry-1" || snap.Queue[0].AttemptCount != 1 {
		t.Fatalf("expected entry-1 requeued with attempt count 1, got %+v", snap.Queue)
	}

	f.send("mock-call-1", domain.EventHangup, "busy")
	snap = f.state(run.ID)
	var retried *domain.Leg
	for _, leg := range snap.ActiveLegs {
		retried = leg
	}
	if retried == nil || retried.ListEntryID != "entry-1" || retried.Attempt != 2 {
		t.Fatalf("expected entry-1 retried as attempt 2, got %+v", retried)
	}
}

func TestTransientFailureGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, nil)
	f.gw.OriginateHook = func(req telephony.OriginateRequest) error {
		if req.To == "+15550000001" {
			return telephony.Transient("originate", errors.New("timeout"))
		}
		return nil
	}
	run := f.start(2, targets(1))

	snap := f.state(run.ID)
	if len(f.gw.Originations()) != 2 {
		t.Fatalf("expected exactly one retry, got %d originations", len(f.gw.Originations()))
	}
	if snap.Status != domain.RunStatusCompleted || snap.Stats.TotalFailed != 1 || snap.Stats.TotalAttempted != 1 {
		t.Fatalf("unexpected run after exhausted retries: %s %+v", snap.Status, snap.Stats)
	}
	if snap.CompletedLegs[0].Attempt != 2 {
		t.Fatalf("expected failure recorded on attempt 2")
	}
}

func TestPersistentProviderOutageFailsRun(t *testing.T) {
	f := newFixture(t, func(p *Policy) { p.FatalFailureStreak = 3 })
	f.gw.OriginateHook = func(req telephony.OriginateRequest) error {
		if req.To == "+15550000001" {
			return nil
		}
		return telephony.Transient("originate", errors.New("connection refused"))
	}
	run := f.start(2, targets(5))

	snap := f.state(run.ID)
	if snap.Status != domain.RunStatusFailed || snap.FailureReason == "" {
		t.Fatalf("expected failed run, got %s", snap.Status)
	}
	if !contains(f.gw.Hangups(), "mock-call-1") {
		t.Fatalf("active leg was not hung up on run failure")
	}
	leg, _ := findLeg(snap, "mock-call-1")
	if leg.Status != domain.LegStatusFailed || leg.HangupCause != causeRunFailed {
		t.Fatalf("expected active leg closed out as failed, got %+v", leg)
	}
	if len(snap.ActiveLegs) != 0 {
		t.Fatalf("expected no active legs, got %d", len(snap.ActiveLegs))
	}
	if _, err := f.engine.ResumeRun(context.Background(), run.ID); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("failed run must reject resume, got %v", err)
	}
}
