package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/reliastack/incident-engine/internal/cache"
	"github.com/reliastack/incident-engine/internal/config"
	"github.com/reliastack/incident-engine/internal/models"
	"github.com/reliastack/incident-engine/internal/timeline"
	"github.com/reliastack/incident-engine/internal/utils"
)

type fakeIncidentStore struct {
	mu        sync.Mutex
	incidents map[string]models.Incident
	events    map[string][]models.TimelineEvent
	hyps      map[string][]models.Hypothesis
}

func newFakeIncidentStore() *fakeIncidentStore {
	return &fakeIncidentStore{
		incidents: make(map[string]models.Incident),
		events:    make(map[string][]models.TimelineEvent),
		hyps:      make(map[string][]models.Hypothesis),
	}
}

func (f *fakeIncidentStore) CreateIncident(_ context.Context, inc models.Incident, _ string, first models.TimelineEvent) (models.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incidents[inc.ID] = inc
	first.ID = uuid.NewString()
	first.IncidentID = inc.ID
	first.Sequence = 1
	f.events[inc.ID] = append(f.events[inc.ID], first)
	return inc, nil
}

func (f *fakeIncidentStore) GetIncident(_ context.Context, id string) (models.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inc, ok := f.incidents[id]
	if !ok {
		return models.Incident{}, utils.NotFoundError("fake.GetIncident", "incident not found")
	}
	return inc, nil
}

func (f *fakeIncidentStore) Transition(_ context.Context, id string, apply func(*models.Incident) error, events ...models.TimelineEvent) (models.Incident, []models.TimelineEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inc, ok := f.incidents[id]
	if !ok {
		return models.Incident{}, nil, utils.NotFoundError("fake.Transition", "incident not found")
	}
	working := inc
	if err := apply(&working); err != nil {
		return inc, nil, err
	}
	f.incidents[id] = working
	stored := make([]models.TimelineEvent, 0, len(events))
	for _, ev := range events {
		ev.ID = uuid.NewString()
		ev.IncidentID = id
		ev.Sequence = int64(len(f.events[id]) + 1)
		f.events[id] = append(f.events[id], ev)
		stored = append(stored, ev)
	}
	return working, stored, nil
}

func (f *fakeIncidentStore) InsertHypotheses(_ context.Context, hyps ...models.Hypothesis) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range hyps {
		f.hyps[h.IncidentID] = append(f.hyps[h.IncidentID], h)
	}
	return nil
}

func (f *fakeIncidentStore) ListIncidentsByStatus(_ context.Context, statuses ...models.Status) ([]models.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Incident
	for _, inc := range f.incidents {
		for _, st := range statuses {
			if inc.Status == st {
				out = append(out, inc)
			}
		}
	}
	return out, nil
}

type fakeRunner struct {
	outcome models.CorrelationOutcome
	err     error
	calls   int
	during  func()
}

func (f *fakeRunner) Correlate(_ context.Context, inc models.Incident, _ models.TimeRange) (models.CorrelationOutcome, error) {
	f.calls++
	if f.during != nil {
		f.during()
	}
	out := f.outcome
	out.IncidentID = inc.ID
	out.Hypotheses = make([]models.Hypothesis, len(f.outcome.Hypotheses))
	copy(out.Hypotheses, f.outcome.Hypotheses)
	for i := range out.Hypotheses {
		out.Hypotheses[i].IncidentID = inc.ID
	}
	return out, f.err
}

func newTestLifecycle(store *fakeIncidentStore, runner CorrelationRunner) *Lifecycle {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tb := timeline.NewBuilder(nil, log)
	return NewLifecycle(
		config.LifecycleConfig{ReopenCoolDown: 30 * time.Minute},
		0.5,
		store, runner, tb, cache.NoopProvider{}, log,
	)
}

func createTestIncident(t *testing.T, l *Lifecycle) models.Incident {
	t.Helper()
	inc, err := l.Create(context.Background(), models.CreateIncidentRequest{
		Title:    "checkout latency elevated",
		Severity: models.SeverityHigh,
		Services: []string{"checkout-api"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return inc
}

func strPtr(s string) *string { return &s }

func statusPtr(s models.Status) *models.Status { return &s }

func patchStatus(t *testing.T, l *Lifecycle, id string, to models.Status, req models.PatchIncidentRequest) models.Incident {
	t.Helper()
	req.Status = statusPtr(to)
	res, err := l.Patch(context.Background(), id, req)
	if err != nil {
		t.Fatalf("patch to %s: %v", to, err)
	}
	if !res.Applied {
		t.Fatalf("patch to %s not applied: %s", to, res.Reason)
	}
	return res.Incident
}

func TestLifecycleFullPath(t *testing.T) {
	store := newFakeIncidentStore()
	l := newTestLifecycle(store, &fakeRunner{})

	inc := createTestIncident(t, l)
	if inc.Status != models.StatusDetected {
		t.Fatalf("new incident status = %s", inc.Status)
	}

	inc = patchStatus(t, l, inc.ID, models.StatusInvestigating, models.PatchIncidentRequest{})
	inc = patchStatus(t, l, inc.ID, models.StatusRootCauseIdentified, models.PatchIncidentRequest{
		RootCause: strPtr("payments-db connection pool exhausted"),
	})
	inc = patchStatus(t, l, inc.ID, models.StatusMitigating, models.PatchIncidentRequest{})
	inc = patchStatus(t, l, inc.ID, models.StatusResolved, models.PatchIncidentRequest{
		Resolution: strPtr("pool size raised, connections recycled"),
	})

	if inc.ResolvedTime == nil {
		t.Error("resolved incident must carry resolved_time")
	}
	if inc.MTTRSeconds == nil {
		t.Error("resolution must compute MTTR")
	}

	events := store.events[inc.ID]
	if len(events) != 5 {
		t.Fatalf("expected 5 timeline events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Sequence != int64(i+1) {
			t.Errorf("sequence gap at %d: %d", i, ev.Sequence)
		}
	}
	if events[4].EventType != models.EventResolution {
		t.Errorf("final event = %s, want resolution", events[4].EventType)
	}
}

func TestPatchResolveFromDetectedRejected(t *testing.T) {
	store := newFakeIncidentStore()
	l := newTestLifecycle(store, &fakeRunner{})
	inc := createTestIncident(t, l)

	res, err := l.Patch(context.Background(), inc.ID, models.PatchIncidentRequest{
		Status: statusPtr(models.StatusResolved),
	})
	if !utils.IsKind(err, utils.KindPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if res.Applied {
		t.Error("rejected transition must not be applied")
	}
	if res.Reason == "" {
		t.Error("rejected transition must carry a reason")
	}
	if res.Incident.Status != models.StatusDetected {
		t.Errorf("incident must come back unchanged, got %s", res.Incident.Status)
	}
	if len(store.events[inc.ID]) != 1 {
		t.Errorf("rejected transition must append no events, got %d", len(store.events[inc.ID]))
	}
}

func TestPatchRootCauseFrozenAfterResolution(t *testing.T) {
	store := newFakeIncidentStore()
	l := newTestLifecycle(store, &fakeRunner{})
	inc := createTestIncident(t, l)

	patchStatus(t, l, inc.ID, models.StatusInvestigating, models.PatchIncidentRequest{})
	patchStatus(t, l, inc.ID, models.StatusRootCauseIdentified, models.PatchIncidentRequest{RootCause: strPtr("bad deploy")})
	patchStatus(t, l, inc.ID, models.StatusMitigating, models.PatchIncidentRequest{})
	patchStatus(t, l, inc.ID, models.StatusResolved, models.PatchIncidentRequest{})

	_, err := l.Patch(context.Background(), inc.ID, models.PatchIncidentRequest{RootCause: strPtr("revised cause")})
	if !utils.IsKind(err, utils.KindPrecondition) {
		t.Errorf("causal fields must freeze after resolution, got %v", err)
	}
}

func TestRunCorrelationPromotesAboveThreshold(t *testing.T) {
	store := newFakeIncidentStore()
	runner := &fakeRunner{outcome: models.CorrelationOutcome{
		Hypotheses: []models.Hypothesis{{
			ID:                  uuid.NewString(),
			Title:               "metric_anomaly on checkout-api implicated (3 correlated signals)",
			SupportingSignalIDs: []string{"s1", "s2", "s3"},
			Confidence:          0.92,
			IsAutoGenerated:     true,
		}},
	}}
	l := newTestLifecycle(store, runner)
	inc := createTestIncident(t, l)

	outcome, err := l.RunCorrelation(context.Background(), inc.ID, models.TimeRange{})
	if err != nil {
		t.Fatalf("run correlation: %v", err)
	}
	if len(outcome.Hypotheses) != 1 {
		t.Fatalf("expected hypothesis back, got %d", len(outcome.Hypotheses))
	}

	got, _ := l.Get(context.Background(), inc.ID)
	if got.Status != models.StatusRootCauseIdentified {
		t.Errorf("status = %s, want root_cause_identified", got.Status)
	}
	if got.RootCause == "" {
		t.Error("promotion must set root_cause from the top hypothesis")
	}
	if len(store.hyps[inc.ID]) != 1 {
		t.Errorf("hypotheses must be persisted, got %d", len(store.hyps[inc.ID]))
	}

	events := store.events[inc.ID]
	var types []models.EventType
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	want := []models.EventType{models.EventDetection, models.EventCorrelationStarted, models.EventCorrelationResult}
	for i, w := range want {
		if i >= len(types) || types[i] != w {
			t.Fatalf("timeline = %v, want %v", types, want)
		}
	}
}

func TestRunCorrelationBelowThresholdStoresWithoutPromotion(t *testing.T) {
	store := newFakeIncidentStore()
	runner := &fakeRunner{outcome: models.CorrelationOutcome{
		Hypotheses: []models.Hypothesis{{
			ID:                  uuid.NewString(),
			Title:               "weak cluster",
			SupportingSignalIDs: []string{"s1"},
			Confidence:          0.3,
		}},
	}}
	l := newTestLifecycle(store, runner)
	inc := createTestIncident(t, l)

	if _, err := l.RunCorrelation(context.Background(), inc.ID, models.TimeRange{}); err != nil {
		t.Fatalf("run correlation: %v", err)
	}
	got, _ := l.Get(context.Background(), inc.ID)
	if got.Status != models.StatusInvestigating {
		t.Errorf("low-confidence hypothesis must not promote, status = %s", got.Status)
	}
	if len(store.hyps[inc.ID]) != 1 {
		t.Error("hypotheses are stored even below the promotion threshold")
	}
}

func TestRunCorrelationDiscardsStaleResult(t *testing.T) {
	store := newFakeIncidentStore()
	runner := &fakeRunner{outcome: models.CorrelationOutcome{
		Hypotheses: []models.Hypothesis{{
			ID: uuid.NewString(), Title: "late hypothesis", SupportingSignalIDs: []string{"s1"}, Confidence: 0.95,
		}},
	}}
	l := newTestLifecycle(store, runner)
	inc := createTestIncident(t, l)
	patchStatus(t, l, inc.ID, models.StatusInvestigating, models.PatchIncidentRequest{})

	// Incident is resolved while the pass is in flight.
	runner.during = func() {
		store.mu.Lock()
		resolved := time.Now().UTC()
		cur := store.incidents[inc.ID]
		cur.Status = models.StatusResolved
		cur.RootCause = "manual"
		cur.ResolvedTime = &resolved
		store.incidents[inc.ID] = cur
		store.mu.Unlock()
	}

	outcome, err := l.RunCorrelation(context.Background(), inc.ID, models.TimeRange{})
	if err != nil {
		t.Fatalf("run correlation: %v", err)
	}
	if len(outcome.Hypotheses) != 0 {
		t.Error("stale result must be discarded")
	}
	if len(store.hyps[inc.ID]) != 0 {
		t.Error("stale hypotheses must not be persisted")
	}
	got, _ := l.Get(context.Background(), inc.ID)
	if got.Status != models.StatusResolved {
		t.Errorf("stale pass must not revert state, got %s", got.Status)
	}
}

func TestReopenWithinCoolDown(t *testing.T) {
	store := newFakeIncidentStore()
	l := newTestLifecycle(store, &fakeRunner{})
	inc := createTestIncident(t, l)

	patchStatus(t, l, inc.ID, models.StatusInvestigating, models.PatchIncidentRequest{})
	patchStatus(t, l, inc.ID, models.StatusRootCauseIdentified, models.PatchIncidentRequest{RootCause: strPtr("bad deploy")})
	patchStatus(t, l, inc.ID, models.StatusMitigating, models.PatchIncidentRequest{})
	patchStatus(t, l, inc.ID, models.StatusResolved, models.PatchIncidentRequest{})
	eventsBefore := len(store.events[inc.ID])

	l.HandleSignal(context.Background(), models.Signal{
		ID:         uuid.NewString(),
		Kind:       models.SignalMetricAnomaly,
		Entity:     "checkout-api",
		ObservedAt: time.Now().UTC(),
		Magnitude:  40,
		Confidence: 0.9,
	})

	got, _ := l.Get(context.Background(), inc.ID)
	if got.Status != models.StatusInvestigating {
		t.Errorf("status = %s, want investigating after reopen", got.Status)
	}
	if got.ResolvedTime != nil {
		t.Error("reopen must clear resolved_time")
	}

	events := store.events[inc.ID]
	if len(events) != eventsBefore+1 {
		t.Fatalf("expected one reopened event, got %d new", len(events)-eventsBefore)
	}
	last := events[len(events)-1]
	if last.EventType != models.EventReopened {
		t.Errorf("last event = %s, want reopened", last.EventType)
	}
	if last.Sequence != int64(eventsBefore+1) {
		t.Errorf("sequence must continue, got %d", last.Sequence)
	}
}

func TestReopenIgnoredOutsideCoolDownOrLowConfidence(t *testing.T) {
	store := newFakeIncidentStore()
	l := newTestLifecycle(store, &fakeRunner{})
	inc := createTestIncident(t, l)

	patchStatus(t, l, inc.ID, models.StatusInvestigating, models.PatchIncidentRequest{})
	patchStatus(t, l, inc.ID, models.StatusRootCauseIdentified, models.PatchIncidentRequest{RootCause: strPtr("bad deploy")})
	patchStatus(t, l, inc.ID, models.StatusMitigating, models.PatchIncidentRequest{})
	patchStatus(t, l, inc.ID, models.StatusResolved, models.PatchIncidentRequest{})

	// Cool-down elapsed.
	store.mu.Lock()
	old := time.Now().UTC().Add(-45 * time.Minute)
	cur := store.incidents[inc.ID]
	cur.ResolvedTime = &old
	store.incidents[inc.ID] = cur
	store.mu.Unlock()

	l.HandleSignal(context.Background(), models.Signal{
		ID: uuid.NewString(), Kind: models.SignalMetricAnomaly, Entity: "checkout-api", Confidence: 0.9,
	})
	got, _ := l.Get(context.Background(), inc.ID)
	if got.Status != models.StatusResolved {
		t.Errorf("signal outside cool-down must not reopen, got %s", got.Status)
	}

	// Low-confidence signal inside cool-down does not qualify either.
	store.mu.Lock()
	recent := time.Now().UTC().Add(-5 * time.Minute)
	cur = store.incidents[inc.ID]
	cur.ResolvedTime = &recent
	store.incidents[inc.ID] = cur
	store.mu.Unlock()

	l.HandleSignal(context.Background(), models.Signal{
		ID: uuid.NewString(), Kind: models.SignalMetricAnomaly, Entity: "checkout-api", Confidence: 0.2,
	})
	got, _ = l.Get(context.Background(), inc.ID)
	if got.Status != models.StatusResolved {
		t.Errorf("low-confidence signal must not reopen, got %s", got.Status)
	}
}

func TestHandleSignalAutoCreatesIncident(t *testing.T) {
	store := newFakeIncidentStore()
	l := newTestLifecycle(store, &fakeRunner{})

	l.HandleSignal(context.Background(), models.Signal{
		ID: uuid.NewString(), Kind: models.SignalMetricAnomaly, Entity: "payment-service",
		Magnitude: 42, Confidence: 0.9,
	})

	store.mu.Lock()
	count := len(store.incidents)
	var created models.Incident
	for _, inc := range store.incidents {
		created = inc
	}
	store.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected one auto-created incident, got %d", count)
	}
	if created.Status != models.StatusDetected {
		t.Errorf("auto-created incident status = %s, want detected", created.Status)
	}
	if !created.HasService("payment-service") {
		t.Errorf("auto-created incident must cover the signal entity, got %v", created.Services)
	}

	// A second qualifying signal on the same entity joins the open incident
	// instead of opening another.
	l.HandleSignal(context.Background(), models.Signal{
		ID: uuid.NewString(), Kind: models.SignalLogPattern, Entity: "payment-service",
		Magnitude: 10, Confidence: 0.8,
	})
	store.mu.Lock()
	count = len(store.incidents)
	store.mu.Unlock()
	if count != 1 {
		t.Errorf("second signal on an open entity must not create another incident, got %d", count)
	}

	// Low-confidence signals never open incidents.
	l.HandleSignal(context.Background(), models.Signal{
		ID: uuid.NewString(), Kind: models.SignalMetricAnomaly, Entity: "another-svc",
		Magnitude: 5, Confidence: 0.2,
	})
	store.mu.Lock()
	count = len(store.incidents)
	store.mu.Unlock()
	if count != 1 {
		t.Errorf("low-confidence signal must not create an incident, got %d", count)
	}
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	store := newFakeIncidentStore()
	l := newTestLifecycle(store, &fakeRunner{})

	ch, cancel := l.Subscribe()
	defer cancel()

	inc := createTestIncident(t, l)
	patchStatus(t, l, inc.ID, models.StatusInvestigating, models.PatchIncidentRequest{})

	var notices []TransitionNotice
	deadline := time.After(time.Second)
	for len(notices) < 2 {
		select {
		case n := <-ch:
			notices = append(notices, n)
		case <-deadline:
			t.Fatalf("only received %d notices", len(notices))
		}
	}
	if notices[0].To != models.StatusDetected || notices[1].To != models.StatusInvestigating {
		t.Errorf("unexpected notices: %+v", notices)
	}
}
