package pivot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wayfarelabs/TripPulse/internal/broadcast"
	"github.com/wayfarelabs/TripPulse/internal/genai"
	"github.com/wayfarelabs/TripPulse/internal/models"
	"github.com/wayfarelabs/TripPulse/internal/replay"
	"github.com/wayfarelabs/TripPulse/internal/store"
)

const testTrip = "trip-1"

// recordingSink captures dispatched events so tests can wait for the
// asynchronous broadcast side of a commit.
type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordingSink) Deliver(tripID string, ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) all() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recordingSink) count(et models.EventType) int {
	n := 0
	for _, ev := range r.all() {
		if ev.Type == et {
			n++
		}
	}
	return n
}

func (r *recordingSink) waitFor(t *testing.T, match func(models.Event) bool, desc string) models.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range r.all() {
			if match(ev) {
				return ev
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
	return models.Event{}
}

func (r *recordingSink) waitForType(t *testing.T, et models.EventType) models.Event {
	t.Helper()
	return r.waitFor(t, func(ev models.Event) bool { return ev.Type == et }, string(et))
}

// scriptedProvider lets tests control when and what the recommendation
// provider answers.
type scriptedProvider struct {
	fn func(ctx context.Context, req genai.SuggestionRequest) ([]models.Alternative, error)
}

func (p *scriptedProvider) Suggest(ctx context.Context, req genai.SuggestionRequest) ([]models.Alternative, error) {
	return p.fn(ctx, req)
}

type fixture struct {
	engine *Engine
	store  *store.InMemoryStore
	sink   *recordingSink
}

func newFixture(t *testing.T, provider genai.ClientInterface, members int, activities ...models.Activity) *fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	for _, a := range activities {
		if err := st.SaveActivity(a); err != nil {
			t.Fatalf("seed activity %s: %v", a.ID, err)
		}
	}
	sink := &recordingSink{}
	d := broadcast.NewDispatcher(sink)
	opts := []Option{
		WithStore(st),
		WithDispatcher(d),
		WithMemberCounter(func(string) int { return members }),
	}
	if provider != nil {
		opts = append(opts, WithProvider(provider))
	}
	m, err := NewManager(opts...)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	e, err := m.Engine(testTrip)
	if err != nil {
		t.Fatalf("Engine failed: %v", err)
	}
	t.Cleanup(func() {
		m.StopAll()
		d.Stop()
	})
	return &fixture{engine: e, store: st, sink: sink}
}

func act(id string, status models.ActivityStatus, typ models.ActivityType, ordinal int) models.Activity {
	return models.Activity{ID: id, TripID: testTrip, Title: "Activity " + id, Type: typ, Status: status, Ordinal: ordinal}
}

func activeHike() models.Activity {
	return act("a1", models.ActivityActive, models.ActivityTypePhysical, 1)
}

func worstValues() map[models.Category]int {
	return map[models.Category]int{
		models.CategoryTired:       5,
		models.CategoryEnergetic:   1,
		models.CategorySick:        1,
		models.CategoryHungry:      5,
		models.CategoryAdventurous: 1,
	}
}

func goodValues() map[models.Category]int {
	return map[models.Category]int{
		models.CategoryTired:       2,
		models.CategoryEnergetic:   4,
		models.CategorySick:        4,
		models.CategoryHungry:      2,
		models.CategoryAdventurous: 4,
	}
}

func bestValues() map[models.Category]int {
	return map[models.Category]int{
		models.CategoryTired:       1,
		models.CategoryEnergetic:   5,
		models.CategorySick:        5,
		models.CategoryHungry:      1,
		models.CategoryAdventurous: 5,
	}
}

func sample(participantID, activityID string, key uint64, values map[models.Category]int) models.FeedbackSample {
	return models.FeedbackSample{
		ActivityID:     activityID,
		ParticipantID:  participantID,
		Values:         values,
		IdempotencyKey: key,
	}
}

var host = models.Participant{ID: "hank", Name: "Hank", Role: models.RoleHost}

func TestSubmitFeedbackPublishesProgress(t *testing.T) {
	f := newFixture(t, nil, 3, activeHike())
	ctx := context.Background()

	if err := f.engine.SubmitFeedback(ctx, sample("alice", "a1", 1, goodValues())); err != nil {
		t.Fatalf("SubmitFeedback failed: %v", err)
	}

	ev := f.sink.waitForType(t, models.EventFeedbackProgress)
	if ev.Responded != 1 || ev.Total != 3 {
		t.Errorf("progress = %d/%d, want 1/3", ev.Responded, ev.Total)
	}
	if ev.OverallTier != models.TierLow {
		t.Errorf("overall tier = %s, want LOW", ev.OverallTier)
	}

	samples, err := f.store.ListFeedbackSamples("a1")
	if err != nil || len(samples) != 1 {
		t.Errorf("persisted samples = %d, %v; want 1", len(samples), err)
	}
}

func TestSubmitFeedbackRejectsWrongActivity(t *testing.T) {
	f := newFixture(t, nil, 1, activeHike())

	err := f.engine.SubmitFeedback(context.Background(), sample("alice", "a-old", 1, goodValues()))
	if !errors.Is(err, models.ErrUnknownActivity) {
		t.Errorf("expected ErrUnknownActivity, got %v", err)
	}
}

func TestResubmissionReplacesPriorSample(t *testing.T) {
	f := newFixture(t, nil, 1, activeHike())
	ctx := context.Background()

	if err := f.engine.SubmitFeedback(ctx, sample("alice", "a1", 1, goodValues())); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	if err := f.engine.SubmitFeedback(ctx, sample("alice", "a1", 2, bestValues())); err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}

	_, snapshot, _, err := f.engine.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if snapshot.Responded != 1 {
		t.Errorf("responded = %d, want 1 (replace, not append)", snapshot.Responded)
	}
	if avg := snapshot.Categories[models.CategoryHungry].Average; avg != 1 {
		t.Errorf("hungry average = %v, want the resubmitted value 1", avg)
	}
}

func TestDuplicateIdempotencyKeySuppressed(t *testing.T) {
	f := newFixture(t, nil, 1, activeHike())
	ctx := context.Background()

	if err := f.engine.SubmitFeedback(ctx, sample("alice", "a1", 1, goodValues())); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	// Same key with different values: acknowledged, not re-counted.
	if err := f.engine.SubmitFeedback(ctx, sample("alice", "a1", 1, bestValues())); err != nil {
		t.Fatalf("duplicate submit should be acknowledged, got %v", err)
	}

	_, snapshot, _, err := f.engine.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if avg := snapshot.Categories[models.CategoryHungry].Average; avg != 2 {
		t.Errorf("hungry average = %v, want the original value 2", avg)
	}
}

func TestAlertTriggersConsensusAtQuorum(t *testing.T) {
	f := newFixture(t, nil, 4, activeHike())
	ctx := context.Background()

	f.engine.SubmitFeedback(ctx, sample("alice", "a1", 1, bestValues()))
	f.engine.SubmitFeedback(ctx, sample("bob", "a1", 1, worstValues()))

	// Two of four responses: below quorum, nothing may trip yet.
	current, _, _, _ := f.engine.Status(ctx)
	if current.Status != models.ActivityActive {
		t.Fatalf("status after 2/4 responses = %s, want active", current.Status)
	}
	if n := f.sink.count(models.EventRiskAlertRaised); n != 0 {
		t.Fatalf("alert raised below quorum (%d events)", n)
	}

	f.engine.SubmitFeedback(ctx, sample("carol", "a1", 1, worstValues()))

	f.sink.waitForType(t, models.EventRiskAlertRaised)
	f.sink.waitFor(t, func(ev models.Event) bool {
		return ev.Type == models.EventDecisionMade && ev.Decision != nil && ev.Decision.Outcome == models.OutcomeConsensusRequested
	}, "consensus_requested decision")

	current, _, _, _ = f.engine.Status(ctx)
	if current.Status != models.ActivityAwaitingConsensus {
		t.Errorf("status = %s, want awaiting_consensus", current.Status)
	}

	// Late feedback is still accepted and must not open a second round.
	if err := f.engine.SubmitFeedback(ctx, sample("dave", "a1", 1, worstValues())); err != nil {
		t.Errorf("feedback during consensus should be accepted, got %v", err)
	}
	f.sink.waitFor(t, func(ev models.Event) bool {
		return ev.Type == models.EventFeedbackProgress && ev.Responded == 4
	}, "fourth progress event")

	if n := f.sink.count(models.EventRiskAlertRaised); n != 1 {
		t.Errorf("alert raised %d times, want exactly 1", n)
	}
	decisions, _ := f.store.ListDecisions(testTrip)
	if len(decisions) != 1 || decisions[0].Outcome != models.OutcomeConsensusRequested {
		t.Errorf("decision log = %+v, want single consensus_requested entry", decisions)
	}
}

func TestContinueRefusedWhileEscalated(t *testing.T) {
	f := newFixture(t, nil, 1, activeHike())
	ctx := context.Background()

	f.engine.SubmitFeedback(ctx, sample("alice", "a1", 1, worstValues()))
	f.sink.waitForType(t, models.EventRiskAlertRaised)

	err := f.engine.HostDecision(ctx, host, models.OutcomeContinue, "")
	if !errors.Is(err, models.ErrRiskTooHighToContinue) {
		t.Fatalf("expected ErrRiskTooHighToContinue, got %v", err)
	}
	current, _, _, _ := f.engine.Status(ctx)
	if current.Status != models.ActivityAwaitingConsensus {
		t.Fatalf("refused continue must not change state, got %s", current.Status)
	}

	// The group recovers; a plain continue is now allowed.
	f.engine.SubmitFeedback(ctx, sample("alice", "a1", 2, bestValues()))
	f.sink.waitForType(t, models.EventRiskAlertCleared)

	if err := f.engine.HostDecision(ctx, host, models.OutcomeContinue, "feeling better"); err != nil {
		t.Fatalf("continue after recovery failed: %v", err)
	}
	current, _, _, _ = f.engine.Status(ctx)
	if current.Status != models.ActivityActive {
		t.Errorf("status = %s, want active", current.Status)
	}
}

func TestForceContinueOverridesAlert(t *testing.T) {
	f := newFixture(t, nil, 1, activeHike())
	ctx := context.Background()

	f.engine.SubmitFeedback(ctx, sample("alice", "a1", 1, worstValues()))
	f.sink.waitForType(t, models.EventRiskAlertRaised)

	if err := f.engine.HostDecision(ctx, host, models.OutcomeForceContinue, "almost at the summit"); err != nil {
		t.Fatalf("force_continue failed: %v", err)
	}

	f.sink.waitForType(t, models.EventRiskAlertCleared)
	current, _, _, _ := f.engine.Status(ctx)
	if current.Status != models.ActivityActive {
		t.Errorf("status = %s, want active", current.Status)
	}
	decisions, _ := f.store.ListDecisions(testTrip)
	if len(decisions) != 2 || decisions[1].Outcome != models.OutcomeForceContinue {
		t.Errorf("decision log = %+v, want consensus_requested then force_continue", decisions)
	}
	if decisions[1].DecidedBy != host.ID {
		t.Errorf("decided_by = %s, want %s", decisions[1].DecidedBy, host.ID)
	}
}

func TestDecisionRequiresHost(t *testing.T) {
	f := newFixture(t, nil, 1, activeHike())
	ctx := context.Background()

	f.engine.SubmitFeedback(ctx, sample("alice", "a1", 1, worstValues()))
	f.sink.waitForType(t, models.EventRiskAlertRaised)

	member := models.Participant{ID: "alice", Role: models.RoleMember}
	if err := f.engine.HostDecision(ctx, member, models.OutcomePivot, ""); !errors.Is(err, models.ErrNotHost) {
		t.Errorf("expected ErrNotHost, got %v", err)
	}
}

func TestDecisionWithoutPendingRound(t *testing.T) {
	f := newFixture(t, nil, 1, activeHike())

	err := f.engine.HostDecision(context.Background(), host, models.OutcomeContinue, "")
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestPivotUsesProviderAlternative(t *testing.T) {
	provider := &scriptedProvider{fn: func(ctx context.Context, req genai.SuggestionRequest) ([]models.Alternative, error) {
		return []models.Alternative{{Title: "Thermal spa", Type: models.ActivityTypeRelaxing, Reason: "low effort"}}, nil
	}}
	f := newFixture(t, provider, 1, activeHike())
	ctx := context.Background()

	f.engine.SubmitFeedback(ctx, sample("alice", "a1", 1, worstValues()))
	f.sink.waitForType(t, models.EventRiskAlertRaised)

	if err := f.engine.HostDecision(ctx, host, models.OutcomePivot, "group is spent"); err != nil {
		t.Fatalf("pivot decision failed: %v", err)
	}
	f.sink.waitFor(t, func(ev models.Event) bool {
		return ev.Type == models.EventDecisionMade && ev.Decision != nil && ev.Decision.Outcome == models.OutcomePivot
	}, "pivot decision event")

	deadline := time.Now().Add(2 * time.Second)
	for {
		current, _, _, err := f.engine.Status(ctx)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if current != nil && current.Title == "Thermal spa" {
			if current.Status != models.ActivityActive {
				t.Errorf("successor status = %s, want active", current.Status)
			}
			if current.Ordinal != 2 {
				t.Errorf("successor ordinal = %d, want 2", current.Ordinal)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("successor never activated, current = %+v", current)
		}
		time.Sleep(5 * time.Millisecond)
	}

	old, _ := f.store.LoadActivity("a1")
	if old.Status != models.ActivityPivoted {
		t.Errorf("old activity status = %s, want pivoted", old.Status)
	}
}

func TestPivotFallsBackToLowestIntensityPending(t *testing.T) {
	f := newFixture(t, nil, 1,
		activeHike(),
		act("a2", models.ActivityPending, models.ActivityTypeCultural, 2),
		act("a3", models.ActivityPending, models.ActivityTypeRelaxing, 3),
	)
	ctx := context.Background()

	f.engine.SubmitFeedback(ctx, sample("alice", "a1", 1, worstValues()))
	f.sink.waitForType(t, models.EventRiskAlertRaised)

	if err := f.engine.HostDecision(ctx, host, models.OutcomePivot, ""); err != nil {
		t.Fatalf("pivot decision failed: %v", err)
	}

	current, _, _, _ := f.engine.Status(ctx)
	if current == nil || current.ID != "a3" {
		t.Fatalf("current = %+v, want the relaxing a3", current)
	}
	if current.Status != models.ActivityActive {
		t.Errorf("successor status = %s, want active", current.Status)
	}
}

func TestFallbackPivotFlagsProviderUnavailable(t *testing.T) {
	provider := &scriptedProvider{fn: func(ctx context.Context, req genai.SuggestionRequest) ([]models.Alternative, error) {
		return nil, models.ErrProviderTimeout
	}}
	f := newFixture(t, provider, 1,
		activeHike(),
		act("a3", models.ActivityPending, models.ActivityTypeRelaxing, 3),
	)
	ctx := context.Background()

	f.engine.SubmitFeedback(ctx, sample("alice", "a1", 1, worstValues()))
	f.sink.waitForType(t, models.EventRiskAlertRaised)

	if err := f.engine.HostDecision(ctx, host, models.OutcomePivot, "group is exhausted"); err != nil {
		t.Fatalf("pivot decision failed: %v", err)
	}
	ev := f.sink.waitFor(t, func(ev models.Event) bool {
		return ev.Type == models.EventDecisionMade && ev.Decision != nil && ev.Decision.Outcome == models.OutcomePivot
	}, "fallback pivot commit")

	if !strings.Contains(ev.Decision.Reasoning, "group is exhausted") {
		t.Errorf("reasoning = %q, want the host's reason preserved", ev.Decision.Reasoning)
	}
	if !strings.Contains(ev.Decision.Reasoning, "recommendation unavailable") {
		t.Errorf("reasoning = %q, want the fallback flagged", ev.Decision.Reasoning)
	}

	decisions, _ := f.store.ListDecisions(testTrip)
	last := decisions[len(decisions)-1]
	if last.Outcome != models.OutcomePivot || !strings.Contains(last.Reasoning, "recommendation unavailable") {
		t.Errorf("logged decision = %+v, want the fallback flagged in the log too", last)
	}
}

func TestPivotQueuedUntilProviderResolves(t *testing.T) {
	release := make(chan struct{})
	provider := &scriptedProvider{fn: func(ctx context.Context, req genai.SuggestionRequest) ([]models.Alternative, error) {
		<-release
		return []models.Alternative{{Title: "Street food tour", Type: models.ActivityTypeFood}}, nil
	}}
	f := newFixture(t, provider, 1, activeHike())
	ctx := context.Background()

	f.engine.SubmitFeedback(ctx, sample("alice", "a1", 1, worstValues()))
	f.sink.waitForType(t, models.EventRiskAlertRaised)

	// The provider is still thinking; the decision is accepted and parked.
	if err := f.engine.HostDecision(ctx, host, models.OutcomePivot, ""); err != nil {
		t.Fatalf("pivot decision failed: %v", err)
	}
	current, _, _, _ := f.engine.Status(ctx)
	if current.Status != models.ActivityAwaitingConsensus {
		t.Fatalf("status = %s, want awaiting_consensus until the provider resolves", current.Status)
	}

	close(release)
	f.sink.waitFor(t, func(ev models.Event) bool {
		return ev.Type == models.EventDecisionMade && ev.Decision != nil && ev.Decision.Outcome == models.OutcomePivot
	}, "queued pivot commit")

	deadline := time.Now().Add(2 * time.Second)
	for {
		current, _, _, _ = f.engine.Status(ctx)
		if current != nil && current.Title == "Street food tour" && current.Status == models.ActivityActive {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queued pivot never activated the suggestion, current = %+v", current)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPivotWithNoAlternativesEndsActivity(t *testing.T) {
	f := newFixture(t, nil, 1, activeHike())
	ctx := context.Background()

	f.engine.SubmitFeedback(ctx, sample("alice", "a1", 1, worstValues()))
	f.sink.waitForType(t, models.EventRiskAlertRaised)

	if err := f.engine.HostDecision(ctx, host, models.OutcomePivot, ""); err != nil {
		t.Fatalf("pivot decision failed: %v", err)
	}

	current, _, _, _ := f.engine.Status(ctx)
	if current != nil {
		t.Errorf("current = %+v, want none with an empty itinerary", current)
	}
	old, _ := f.store.LoadActivity("a1")
	if old.Status != models.ActivityPivoted {
		t.Errorf("old activity status = %s, want pivoted", old.Status)
	}
}

func TestStaleProviderResultDiscarded(t *testing.T) {
	release := make(chan struct{})
	provider := &scriptedProvider{fn: func(ctx context.Context, req genai.SuggestionRequest) ([]models.Alternative, error) {
		<-release
		return []models.Alternative{{Title: "Karaoke night", Type: models.ActivityTypeRelaxing}}, nil
	}}
	f := newFixture(t, provider, 1, activeHike())
	ctx := context.Background()

	f.engine.SubmitFeedback(ctx, sample("alice", "a1", 1, worstValues()))
	f.sink.waitForType(t, models.EventRiskAlertRaised)

	if err := f.engine.HostDecision(ctx, host, models.OutcomeForceContinue, ""); err != nil {
		t.Fatalf("force_continue failed: %v", err)
	}
	close(release)

	// Give the stale suggestion a chance to arrive; it must change nothing.
	time.Sleep(100 * time.Millisecond)
	current, _, _, _ := f.engine.Status(ctx)
	if current == nil || current.ID != "a1" || current.Status != models.ActivityActive {
		t.Errorf("current = %+v, want a1 still active", current)
	}
	decisions, _ := f.store.ListDecisions(testTrip)
	for _, d := range decisions {
		if d.Outcome == models.OutcomePivot {
			t.Errorf("stale provider result committed a pivot: %+v", d)
		}
	}
}

func TestStartActivityTransitions(t *testing.T) {
	f := newFixture(t, nil, 1,
		activeHike(),
		act("a2", models.ActivityPending, models.ActivityTypeCultural, 2),
	)
	ctx := context.Background()

	if err := f.engine.StartActivity(ctx, "a2"); err != nil {
		t.Fatalf("StartActivity failed: %v", err)
	}
	current, _, _, _ := f.engine.Status(ctx)
	if current == nil || current.ID != "a2" || current.Status != models.ActivityActive {
		t.Fatalf("current = %+v, want active a2", current)
	}
	prev, _ := f.store.LoadActivity("a1")
	if prev.Status != models.ActivityCompleted {
		t.Errorf("previous activity status = %s, want completed", prev.Status)
	}

	if err := f.engine.StartActivity(ctx, "a2"); !errors.Is(err, models.ErrActivityInProgress) {
		t.Errorf("restarting the current activity: got %v, want ErrActivityInProgress", err)
	}
	if err := f.engine.StartActivity(ctx, "a1"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("starting a completed activity: got %v, want ErrInvalidTransition", err)
	}
	if err := f.engine.StartActivity(ctx, "missing"); !errors.Is(err, models.ErrUnknownActivity) {
		t.Errorf("starting an unknown activity: got %v, want ErrUnknownActivity", err)
	}
}

func TestStartActivityRefusedDuringConsensus(t *testing.T) {
	f := newFixture(t, nil, 1,
		activeHike(),
		act("a2", models.ActivityPending, models.ActivityTypeCultural, 2),
	)
	ctx := context.Background()

	f.engine.SubmitFeedback(ctx, sample("alice", "a1", 1, worstValues()))
	f.sink.waitForType(t, models.EventRiskAlertRaised)

	if err := f.engine.StartActivity(ctx, "a2"); !errors.Is(err, models.ErrDecisionAlreadyPending) {
		t.Errorf("expected ErrDecisionAlreadyPending, got %v", err)
	}
}

func TestRequestConsensusByHost(t *testing.T) {
	f := newFixture(t, nil, 1, activeHike())
	ctx := context.Background()

	member := models.Participant{ID: "alice", Role: models.RoleMember}
	if err := f.engine.RequestConsensus(ctx, member); !errors.Is(err, models.ErrNotHost) {
		t.Fatalf("member consensus request: got %v, want ErrNotHost", err)
	}

	if err := f.engine.RequestConsensus(ctx, host); err != nil {
		t.Fatalf("RequestConsensus failed: %v", err)
	}
	current, _, _, _ := f.engine.Status(ctx)
	if current.Status != models.ActivityAwaitingConsensus {
		t.Errorf("status = %s, want awaiting_consensus", current.Status)
	}
	decisions, _ := f.store.ListDecisions(testTrip)
	if len(decisions) != 1 || decisions[0].DecidedBy != models.SystemDecider {
		t.Errorf("decision log = %+v, want one system consensus_requested entry", decisions)
	}

	if err := f.engine.RequestConsensus(ctx, host); !errors.Is(err, models.ErrDecisionAlreadyPending) {
		t.Errorf("second request: got %v, want ErrDecisionAlreadyPending", err)
	}
}

func TestReplayBatch(t *testing.T) {
	f := newFixture(t, nil, 1, activeHike())
	ctx := context.Background()

	if err := f.engine.SubmitFeedback(ctx, sample("alice", "a1", 1, goodValues())); err != nil {
		t.Fatalf("online submit failed: %v", err)
	}

	// Key 1 was accepted before the disconnect; key 2 targets an activity the
	// trip has moved past.
	batch := []models.FeedbackSample{
		sample("alice", "a1", 1, goodValues()),
		sample("alice", "a-old", 2, goodValues()),
		sample("alice", "a1", 3, bestValues()),
	}
	results := f.engine.Replay(ctx, "alice", batch)

	wantStatus := []replay.ItemStatus{replay.StatusDuplicate, replay.StatusExpired, replay.StatusApplied}
	if len(results) != len(wantStatus) {
		t.Fatalf("got %d results, want %d", len(results), len(wantStatus))
	}
	for i, want := range wantStatus {
		if results[i].Status != want {
			t.Errorf("result[%d] = %s, want %s", i, results[i].Status, want)
		}
	}

	_, snapshot, _, _ := f.engine.Status(ctx)
	if avg := snapshot.Categories[models.CategoryHungry].Average; avg != 1 {
		t.Errorf("hungry average = %v, want 1 from the replayed sample", avg)
	}
}

func TestRecoveryRearmsAlertWithoutRebroadcast(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SaveActivity(activeHike())
	st.SaveFeedbackSample(models.FeedbackSample{
		ActivityID: "a1", ParticipantID: "alice", Values: worstValues(), IdempotencyKey: 5, SubmittedAt: time.Now(),
	})

	sink := &recordingSink{}
	d := broadcast.NewDispatcher(sink)
	m, err := NewManager(WithStore(st), WithDispatcher(d), WithMemberCounter(func(string) int { return 1 }))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { m.StopAll(); d.Stop() })

	e, err := m.Engine(testTrip)
	if err != nil {
		t.Fatalf("Engine failed: %v", err)
	}
	ctx := context.Background()

	current, snapshot, assessment, err := e.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if current == nil || current.ID != "a1" {
		t.Fatalf("recovered current = %+v, want a1", current)
	}
	if snapshot.Responded != 1 {
		t.Errorf("recovered responded = %d, want 1", snapshot.Responded)
	}
	if assessment.OverallTier != models.TierCritical {
		t.Errorf("recovered tier = %s, want CRITICAL", assessment.OverallTier)
	}

	// The watermark survived: re-sending the old sample does nothing.
	if err := e.SubmitFeedback(ctx, sample("alice", "a1", 5, worstValues())); err != nil {
		t.Fatalf("replayed old sample should be acknowledged, got %v", err)
	}
	if n := sink.count(models.EventFeedbackProgress); n != 0 {
		t.Errorf("suppressed duplicate published %d progress events", n)
	}

	// The alert was re-armed silently: recovery clears, it never re-raises.
	if err := e.SubmitFeedback(ctx, sample("alice", "a1", 6, bestValues())); err != nil {
		t.Fatalf("fresh sample failed: %v", err)
	}
	sink.waitForType(t, models.EventRiskAlertCleared)
	if n := sink.count(models.EventRiskAlertRaised); n != 0 {
		t.Errorf("alert re-raised %d times across restart, want 0", n)
	}
}

func TestRecoveryResumesPendingDecision(t *testing.T) {
	st := store.NewInMemoryStore()
	a := activeHike()
	a.Status = models.ActivityAwaitingConsensus
	st.SaveActivity(a)
	st.SaveFeedbackSample(models.FeedbackSample{
		ActivityID: "a1", ParticipantID: "alice", Values: worstValues(), IdempotencyKey: 1, SubmittedAt: time.Now(),
	})

	sink := &recordingSink{}
	d := broadcast.NewDispatcher(sink)
	m, err := NewManager(WithStore(st), WithDispatcher(d), WithMemberCounter(func(string) int { return 1 }))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { m.StopAll(); d.Stop() })

	e, err := m.Engine(testTrip)
	if err != nil {
		t.Fatalf("Engine failed: %v", err)
	}
	ctx := context.Background()

	if err := e.HostDecision(ctx, host, models.OutcomeForceContinue, "carrying on"); err != nil {
		t.Fatalf("force_continue after recovery failed: %v", err)
	}
	current, _, _, _ := e.Status(ctx)
	if current.Status != models.ActivityActive {
		t.Errorf("status = %s, want active", current.Status)
	}
}
