package pivot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wayfarelabs/TripPulse/internal/aggregate"
	"github.com/wayfarelabs/TripPulse/internal/genai"
	"github.com/wayfarelabs/TripPulse/internal/models"
	"github.com/wayfarelabs/TripPulse/internal/recovery"
	"github.com/wayfarelabs/TripPulse/internal/replay"
	"github.com/wayfarelabs/TripPulse/internal/store"
	"github.com/wayfarelabs/TripPulse/internal/threshold"
)

// ErrEngineStopped is returned for operations submitted after shutdown.
var ErrEngineStopped = errors.New("trip engine stopped")

// commandQueueSize bounds the engine's inbound command channel.
const commandQueueSize = 64

// alertQuorumFraction is the share of the room that must have responded
// before threshold transitions are acted on, so the first bad sample of a
// large group does not pause the activity on its own.
const alertQuorumFraction = 0.75

func alertQuorum(total int) int {
	if total <= 0 {
		return 1
	}
	q := int(math.Ceil(alertQuorumFraction * float64(total)))
	if q < 1 {
		q = 1
	}
	return q
}

type command func()

// Engine serializes all state for one trip. Every mutation and query runs as
// a command on the engine goroutine; only the slow provider call escapes the
// loop, and its result re-enters as a command tagged with the decision
// generation it belongs to.
type Engine struct {
	tripID      string
	store       store.Store
	provider    genai.ClientInterface
	dispatcher  *publisher
	members     MemberCounter
	baseProfile models.ThresholdProfile

	cmds     chan command
	done     chan struct{}
	stopOnce sync.Once

	// Actor-owned state. Touched only from the run loop.
	current *models.Activity
	agg     *aggregate.Aggregator
	monitor *threshold.Monitor
	tracker *replay.Tracker

	decisionPending bool
	decisionGen     uint64
	providerDone    bool
	alternatives    []models.Alternative
	pivotQueued     bool
	pivotBy         string
	pivotReason     string

	now   func() time.Time
	newID func() string
}

func newEngine(m *Manager, tripID string, state *recovery.TripState) *Engine {
	e := &Engine{
		tripID:      tripID,
		store:       m.store,
		provider:    m.provider,
		dispatcher:  &publisher{d: m.dispatcher, tripID: tripID},
		members:     m.members,
		baseProfile: m.baseProfile,
		cmds:        make(chan command, commandQueueSize),
		done:        make(chan struct{}),
		current:     state.Current,
		agg:         state.Aggregator,
		tracker:     state.Tracker,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	if e.current != nil {
		e.monitor = threshold.NewMonitor(threshold.ContextAdjusted(m.baseProfile, e.current.Type, e.now()))
		// Re-arm alert state from the recovered samples so the edge trigger
		// does not fire twice across a restart.
		e.monitor.Evaluate(e.agg.Snapshot())
		if e.current.Status == models.ActivityAwaitingConsensus {
			e.decisionPending = true
			e.decisionGen++
			e.providerDone = e.provider == nil
		}
	} else {
		e.monitor = threshold.NewMonitor(m.baseProfile)
	}
	if e.decisionPending && e.provider != nil {
		snapshot := e.agg.Snapshot()
		e.fetchAlternatives(e.decisionGen, snapshot, e.monitor.Classify(snapshot))
	}
	go e.run()
	return e
}

func (e *Engine) run() {
	for {
		select {
		case cmd := <-e.cmds:
			cmd()
		case <-e.done:
			return
		}
	}
}

// Stop halts the engine goroutine. In-flight provider calls are discarded.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.done) })
}

// do runs fn on the engine goroutine and waits for it to finish.
func (e *Engine) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case e.cmds <- func() { fn(); close(finished) }:
	case <-e.done:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		return ErrEngineStopped
	}
}

// async enqueues fn without waiting, for results re-entering the loop.
func (e *Engine) async(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.done:
	}
}

// publisher pins events to one trip's ordered dispatch queue.
type publisher struct {
	d      dispatcherIface
	tripID string
}

type dispatcherIface interface {
	Publish(tripID string, ev models.Event)
}

func (p *publisher) publish(ev models.Event) {
	ev.TripID = p.tripID
	p.d.Publish(p.tripID, ev)
}

// SubmitFeedback validates, persists, and aggregates one sample for the
// trip's current activity, then evaluates thresholds and broadcasts the
// resulting events in commit order. Duplicate idempotency keys are
// acknowledged without re-counting.
func (e *Engine) SubmitFeedback(ctx context.Context, sample models.FeedbackSample) error {
	var err error
	if doErr := e.do(ctx, func() { err = e.submit(sample) }); doErr != nil {
		return doErr
	}
	return err
}

func (e *Engine) submit(sample models.FeedbackSample) error {
	if err := sample.Validate(); err != nil {
		return err
	}
	if e.current == nil || sample.ActivityID != e.current.ID {
		return models.ErrUnknownActivity
	}
	if e.tracker.Seen(sample.ParticipantID, sample.IdempotencyKey) {
		slog.Debug("Engine.submit: duplicate suppressed",
			"tripID", e.tripID, "participantID", sample.ParticipantID, "key", sample.IdempotencyKey)
		return nil
	}
	if sample.SubmittedAt.IsZero() {
		sample.SubmittedAt = e.now()
	}
	if err := e.store.SaveFeedbackSample(sample); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	e.agg.Upsert(sample)
	e.tracker.Record(sample.ParticipantID, sample.IdempotencyKey)

	snapshot := e.agg.Snapshot()
	responded := snapshot.Responded
	total := e.members(e.tripID)

	var assessment models.RiskAssessment
	if responded >= alertQuorum(total) {
		assessment = e.monitor.Evaluate(snapshot)
	} else {
		assessment = e.monitor.Classify(snapshot)
	}
	stampTiers(&snapshot, assessment)
	e.dispatcher.publish(models.Event{
		Type:        models.EventFeedbackProgress,
		Responded:   responded,
		Total:       total,
		OverallTier: assessment.OverallTier,
	})

	switch {
	case assessment.AlertRaised:
		e.dispatcher.publish(models.Event{
			Type:       models.EventRiskAlertRaised,
			Snapshot:   &snapshot,
			Assessment: &assessment,
		})
		e.enterConsensus("group risk reached "+string(assessment.OverallTier), snapshot, assessment)
	case assessment.AlertCleared:
		e.dispatcher.publish(models.Event{
			Type:       models.EventRiskAlertCleared,
			Assessment: &assessment,
		})
	case total > 0 && responded >= total && e.monitor.AlertActive():
		e.enterConsensus("all participants responded while the risk alert is active", snapshot, assessment)
	}
	return nil
}

// Replay applies a reconnecting client's queued samples in order, reporting
// a per-sample outcome. Duplicates and stale activities never stop the batch.
func (e *Engine) Replay(ctx context.Context, participantID string, batch []models.FeedbackSample) []replay.Result {
	return e.tracker.Replay(participantID, batch, func(s models.FeedbackSample) error {
		s.ParticipantID = participantID
		return e.SubmitFeedback(ctx, s)
	})
}

// enterConsensus pauses the current activity for a decision. Idempotent: a
// second trigger while already awaiting a decision is a no-op.
func (e *Engine) enterConsensus(reason string, snapshot models.AggregateSnapshot, assessment models.RiskAssessment) {
	if e.current == nil || e.current.Status != models.ActivityActive {
		return
	}
	if err := e.store.UpdateActivityStatus(e.current.ID, models.ActivityAwaitingConsensus); err != nil {
		slog.Error("Engine.enterConsensus: status update failed", "tripID", e.tripID, "activityID", e.current.ID, "error", err)
		return
	}
	e.current.Status = models.ActivityAwaitingConsensus
	e.decisionPending = true
	e.decisionGen++
	e.providerDone = e.provider == nil
	e.alternatives = nil
	e.pivotQueued = false

	decision := models.PivotDecision{
		ID:         e.newID(),
		ActivityID: e.current.ID,
		TripID:     e.tripID,
		DecidedBy:  models.SystemDecider,
		Outcome:    models.OutcomeConsensusRequested,
		Reasoning:  reason,
		DecidedAt:  e.now(),
	}
	if err := e.store.AppendDecision(decision); err != nil {
		slog.Error("Engine.enterConsensus: decision append failed", "tripID", e.tripID, "error", err)
	}

	act := *e.current
	e.dispatcher.publish(models.Event{Type: models.EventActivityStateChanged, Activity: &act, Snapshot: &snapshot})
	e.dispatcher.publish(models.Event{Type: models.EventDecisionMade, Decision: &decision})
	slog.Info("Engine.enterConsensus: awaiting decision",
		"tripID", e.tripID, "activityID", act.ID, "reason", reason, "tier", assessment.OverallTier)

	if e.provider != nil {
		e.fetchAlternatives(e.decisionGen, snapshot, assessment)
	}
}

// fetchAlternatives runs the provider call off the loop. The result re-enters
// tagged with gen; a commit in the meantime bumps the generation and the
// stale result is dropped.
func (e *Engine) fetchAlternatives(gen uint64, snapshot models.AggregateSnapshot, assessment models.RiskAssessment) {
	current := *e.current
	go func() {
		pending, err := e.pendingActivities()
		if err != nil {
			slog.Warn("Engine.fetchAlternatives: pending list unavailable", "tripID", e.tripID, "error", err)
		}
		alts, err := e.provider.Suggest(context.Background(), genai.SuggestionRequest{
			TripID:            e.tripID,
			Snapshot:          snapshot,
			Assessment:        assessment,
			CurrentActivity:   current,
			PendingActivities: pending,
			LocalTime:         time.Now(),
		})
		if err != nil {
			slog.Warn("Engine.fetchAlternatives: provider failed, fallback heuristic will apply",
				"tripID", e.tripID, "error", err)
			alts = nil
		}
		e.async(func() { e.resolveProvider(gen, alts) })
	}()
}

func (e *Engine) resolveProvider(gen uint64, alts []models.Alternative) {
	if gen != e.decisionGen || !e.decisionPending {
		slog.Debug("Engine.resolveProvider: superseded result discarded", "tripID", e.tripID, "gen", gen)
		return
	}
	e.providerDone = true
	e.alternatives = alts
	if e.pivotQueued {
		e.commitPivot(e.pivotBy, e.pivotReason)
	}
}

// HostDecision resolves a pending consensus round. Only the trip host may
// decide. Continue is refused while overall risk is above MODERATE unless
// the host force-continues.
func (e *Engine) HostDecision(ctx context.Context, p models.Participant, outcome models.DecisionOutcome, reason string) error {
	var err error
	if doErr := e.do(ctx, func() { err = e.decide(p, outcome, reason) }); doErr != nil {
		return doErr
	}
	return err
}

func (e *Engine) decide(p models.Participant, outcome models.DecisionOutcome, reason string) error {
	if p.Role != models.RoleHost {
		return models.ErrNotHost
	}
	if !models.IsValidDecisionOutcome(outcome) {
		return models.ErrInvalidTransition
	}
	if e.current == nil || e.current.Status != models.ActivityAwaitingConsensus || !e.decisionPending {
		return models.ErrInvalidTransition
	}
	switch outcome {
	case models.OutcomeContinue:
		if threshold.Escalated(e.monitor.Classify(e.agg.Snapshot())) {
			return models.ErrRiskTooHighToContinue
		}
		return e.commitContinue(p.ID, outcome, reason)
	case models.OutcomeForceContinue:
		return e.commitContinue(p.ID, outcome, reason)
	default: // models.OutcomePivot
		if !e.providerDone {
			// Commit once the in-flight provider call resolves; the call's
			// own timeout bounds the wait.
			e.pivotQueued = true
			e.pivotBy = p.ID
			e.pivotReason = reason
			return nil
		}
		e.commitPivot(p.ID, reason)
		return nil
	}
}

func (e *Engine) commitContinue(decidedBy string, outcome models.DecisionOutcome, reason string) error {
	if err := e.store.UpdateActivityStatus(e.current.ID, models.ActivityActive); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	e.current.Status = models.ActivityActive
	e.decisionPending = false
	e.decisionGen++
	e.pivotQueued = false

	if e.monitor.AlertActive() {
		e.monitor.ClearAlert()
		assessment := e.monitor.Classify(e.agg.Snapshot())
		assessment.AlertCleared = true
		e.dispatcher.publish(models.Event{Type: models.EventRiskAlertCleared, Assessment: &assessment})
	}

	decision := e.appendDecision(decidedBy, outcome, reason)
	act := *e.current
	e.dispatcher.publish(models.Event{Type: models.EventActivityStateChanged, Activity: &act})
	e.dispatcher.publish(models.Event{Type: models.EventDecisionMade, Decision: &decision})
	slog.Info("Engine.commitContinue: activity resumed", "tripID", e.tripID, "activityID", act.ID, "outcome", outcome)
	return nil
}

func (e *Engine) commitPivot(decidedBy, reason string) {
	e.decisionPending = false
	e.decisionGen++
	e.pivotQueued = false

	old := e.current
	if err := e.store.UpdateActivityStatus(old.ID, models.ActivityPivoted); err != nil {
		slog.Error("Engine.commitPivot: status update failed", "tripID", e.tripID, "activityID", old.ID, "error", err)
	}
	old.Status = models.ActivityPivoted
	oldCopy := *old
	e.dispatcher.publish(models.Event{Type: models.EventActivityStateChanged, Activity: &oldCopy})

	// The successor source is always recorded so hosts can tell whether the
	// pivot had provider input or ran on the local heuristic.
	successor, source := e.chooseSuccessor(oldCopy)
	if reason == "" {
		reason = source
	} else {
		reason += "; " + source
	}
	decision := e.appendDecision(decidedBy, models.OutcomePivot, reason)
	e.dispatcher.publish(models.Event{Type: models.EventDecisionMade, Decision: &decision})

	if successor == nil {
		e.current = nil
		e.agg = nil
		e.monitor = threshold.NewMonitor(e.baseProfile)
		slog.Warn("Engine.commitPivot: no successor activity available", "tripID", e.tripID)
		return
	}
	if err := e.activate(*successor); err != nil {
		slog.Error("Engine.commitPivot: successor activation failed", "tripID", e.tripID, "error", err)
	}
}

// chooseSuccessor picks the next activity after a pivot: the provider's top
// alternative when one arrived in time, otherwise the lowest-intensity
// pending activity on the itinerary.
func (e *Engine) chooseSuccessor(old models.Activity) (*models.Activity, string) {
	if len(e.alternatives) > 0 {
		alt := e.alternatives[0]
		ordinal := old.Ordinal + 1
		if all, err := e.store.ListActivities(e.tripID); err == nil {
			for _, a := range all {
				if a.Ordinal >= ordinal {
					ordinal = a.Ordinal + 1
				}
			}
		}
		return &models.Activity{
			ID:      e.newID(),
			TripID:  e.tripID,
			Title:   alt.Title,
			Type:    alt.Type,
			Status:  models.ActivityPending,
			Ordinal: ordinal,
		}, "recommended alternative"
	}
	pending, err := e.pendingActivities()
	if err != nil || len(pending) == 0 {
		return nil, "recommendation unavailable, no alternative remained"
	}
	best := pending[0]
	for _, a := range pending[1:] {
		if models.IntensityRank(a.Type) < models.IntensityRank(best.Type) {
			best = a
		}
	}
	return &best, "recommendation unavailable, fell back to the lowest intensity pending activity"
}

func (e *Engine) pendingActivities() ([]models.Activity, error) {
	var all []models.Activity
	err := store.WithReadRetry("ListActivities", func() error {
		var err error
		all, err = e.store.ListActivities(e.tripID)
		return err
	})
	if err != nil {
		return nil, err
	}
	var pending []models.Activity
	for _, a := range all {
		if a.Status == models.ActivityPending {
			pending = append(pending, a)
		}
	}
	return pending, nil
}

// activate makes an activity the trip's current one with a fresh aggregate
// and a context-adjusted threshold profile.
func (e *Engine) activate(a models.Activity) error {
	a.Status = models.ActivityActive
	a.StartTime = e.now()
	if err := e.store.SaveActivity(a); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	e.current = &a
	e.agg = aggregate.New(a.ID)
	e.monitor = threshold.NewMonitor(threshold.ContextAdjusted(e.baseProfile, a.Type, a.StartTime))

	act := a
	e.dispatcher.publish(models.Event{Type: models.EventActivityStateChanged, Activity: &act})
	slog.Info("Engine.activate: activity started", "tripID", e.tripID, "activityID", a.ID, "type", a.Type)
	return nil
}

// StartActivity transitions a pending activity to active, completing the
// previous active one. Refused while a decision is pending.
func (e *Engine) StartActivity(ctx context.Context, activityID string) error {
	var err error
	if doErr := e.do(ctx, func() { err = e.start(activityID) }); doErr != nil {
		return doErr
	}
	return err
}

func (e *Engine) start(activityID string) error {
	if e.decisionPending {
		return models.ErrDecisionAlreadyPending
	}
	var target *models.Activity
	err := store.WithReadRetry("LoadActivity", func() error {
		var err error
		target, err = e.store.LoadActivity(activityID)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	if target == nil || target.TripID != e.tripID {
		return models.ErrUnknownActivity
	}
	if e.current != nil && target.ID == e.current.ID {
		return models.ErrActivityInProgress
	}
	if target.Status != models.ActivityPending {
		return models.ErrInvalidTransition
	}

	if e.current != nil && e.current.Status == models.ActivityActive {
		if err := e.store.UpdateActivityStatus(e.current.ID, models.ActivityCompleted); err != nil {
			return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
		}
		e.current.Status = models.ActivityCompleted
		done := *e.current
		e.dispatcher.publish(models.Event{Type: models.EventActivityStateChanged, Activity: &done})
	}
	return e.activate(*target)
}

// RequestConsensus lets the host open a decision round without waiting for
// thresholds to trip.
func (e *Engine) RequestConsensus(ctx context.Context, p models.Participant) error {
	var err error
	if doErr := e.do(ctx, func() { err = e.requestConsensus(p) }); doErr != nil {
		return doErr
	}
	return err
}

func (e *Engine) requestConsensus(p models.Participant) error {
	if p.Role != models.RoleHost {
		return models.ErrNotHost
	}
	if e.current == nil {
		return models.ErrUnknownActivity
	}
	if e.current.Status == models.ActivityAwaitingConsensus {
		return models.ErrDecisionAlreadyPending
	}
	if e.current.Status != models.ActivityActive {
		return models.ErrInvalidTransition
	}
	snapshot := e.agg.Snapshot()
	assessment := e.monitor.Classify(snapshot)
	stampTiers(&snapshot, assessment)
	e.enterConsensus("host requested a consensus check", snapshot, assessment)
	return nil
}

// Status returns the current activity, aggregate snapshot, and risk
// classification. It is a pure read; alert state is not touched.
func (e *Engine) Status(ctx context.Context) (*models.Activity, models.AggregateSnapshot, models.RiskAssessment, error) {
	var (
		act        *models.Activity
		snapshot   models.AggregateSnapshot
		assessment models.RiskAssessment
	)
	err := e.do(ctx, func() {
		if e.current != nil {
			cur := *e.current
			act = &cur
			snapshot = e.agg.Snapshot()
		}
		assessment = e.monitor.Classify(snapshot)
		stampTiers(&snapshot, assessment)
	})
	return act, snapshot, assessment, err
}

// ResponseRate returns how many room members have responded to the current
// activity and the room size.
func (e *Engine) ResponseRate(ctx context.Context) (responded, total int, err error) {
	err = e.do(ctx, func() {
		if e.agg != nil {
			responded = e.agg.Responded()
		}
		total = e.members(e.tripID)
	})
	return responded, total, err
}

func (e *Engine) appendDecision(decidedBy string, outcome models.DecisionOutcome, reason string) models.PivotDecision {
	decision := models.PivotDecision{
		ID:         e.newID(),
		ActivityID: e.current.ID,
		TripID:     e.tripID,
		DecidedBy:  decidedBy,
		Outcome:    outcome,
		Reasoning:  reason,
		DecidedAt:  e.now(),
	}
	if err := e.store.AppendDecision(decision); err != nil {
		slog.Error("Engine.appendDecision: append failed", "tripID", e.tripID, "outcome", outcome, "error", err)
	}
	return decision
}

// stampTiers copies per-category tiers onto the snapshot for broadcast.
func stampTiers(snapshot *models.AggregateSnapshot, assessment models.RiskAssessment) {
	for c, tier := range assessment.PerCategory {
		agg := snapshot.Categories[c]
		agg.Tier = tier
		snapshot.Categories[c] = agg
	}
}
