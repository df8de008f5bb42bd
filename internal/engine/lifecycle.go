package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reliastack/incident-engine/internal/cache"
	"github.com/reliastack/incident-engine/internal/config"
	"github.com/reliastack/incident-engine/internal/metrics"
	"github.com/reliastack/incident-engine/internal/models"
	"github.com/reliastack/incident-engine/internal/timeline"
	"github.com/reliastack/incident-engine/internal/utils"
)

// IncidentStore is the slice of the persistence layer the lifecycle
// controller mutates through. Every transition plus its timeline append is
// one transaction.
type IncidentStore interface {
	CreateIncident(ctx context.Context, inc models.Incident, dedupKey string, first models.TimelineEvent) (models.Incident, error)
	GetIncident(ctx context.Context, id string) (models.Incident, error)
	Transition(ctx context.Context, incidentID string, apply func(*models.Incident) error, events ...models.TimelineEvent) (models.Incident, []models.TimelineEvent, error)
	InsertHypotheses(ctx context.Context, hyps ...models.Hypothesis) error
	ListIncidentsByStatus(ctx context.Context, statuses ...models.Status) ([]models.Incident, error)
}

// CorrelationRunner is satisfied by the Correlator.
type CorrelationRunner interface {
	Correlate(ctx context.Context, inc models.Incident, window models.TimeRange) (models.CorrelationOutcome, error)
}

// TransitionNotice is pushed to lifecycle subscribers after a committed
// state change, so clients subscribe instead of polling.
type TransitionNotice struct {
	IncidentID string        `json:"incident_id"`
	From       models.Status `json:"from"`
	To         models.Status `json:"to"`
	At         time.Time     `json:"at"`
}

// Lifecycle drives the incident state machine. All mutations for one
// incident are serialized behind an incident-scoped lock; incidents never
// contend with each other.
type Lifecycle struct {
	cfg             config.LifecycleConfig
	acceptThreshold float64
	store           IncidentStore
	correlator      CorrelationRunner
	timeline        *timeline.Builder
	passLock        cache.Provider
	log             *slog.Logger
	now             func() time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	subMu sync.Mutex
	subID int
	subs  map[int]chan TransitionNotice
}

// NewLifecycle builds the controller. passLock coordinates correlation
// passes across replicas; pass it a NoopProvider for single-node use.
func NewLifecycle(cfg config.LifecycleConfig, acceptThreshold float64, store IncidentStore, correlator CorrelationRunner, tb *timeline.Builder, passLock cache.Provider, log *slog.Logger) *Lifecycle {
	return &Lifecycle{
		cfg:             cfg,
		acceptThreshold: acceptThreshold,
		store:           store,
		correlator:      correlator,
		timeline:        tb,
		passLock:        passLock,
		log:             log,
		now:             time.Now,
		locks:           make(map[string]*sync.Mutex),
		subs:            make(map[int]chan TransitionNotice),
	}
}

func (l *Lifecycle) lock(incidentID string) *sync.Mutex {
	l.lockMu.Lock()
	defer l.lockMu.Unlock()
	mu, ok := l.locks[incidentID]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[incidentID] = mu
	}
	return mu
}

// Subscribe registers for transition notices. Cancel exactly once.
func (l *Lifecycle) Subscribe() (<-chan TransitionNotice, func()) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.subID++
	id := l.subID
	ch := make(chan TransitionNotice, 16)
	l.subs[id] = ch
	return ch, func() {
		l.subMu.Lock()
		defer l.subMu.Unlock()
		if existing, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(existing)
		}
	}
}

func (l *Lifecycle) notify(incidentID string, from, to models.Status) {
	metrics.ObserveTransition(string(to))
	notice := TransitionNotice{IncidentID: incidentID, From: from, To: to, At: l.now().UTC()}
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for id, ch := range l.subs {
		select {
		case ch <- notice:
		default:
			l.log.Warn("lifecycle subscriber lagging, dropping notice", "subscriber", id)
		}
	}
}

// Create opens a new incident in Detected state and records the detection
// event. A dedup key makes creation idempotent.
func (l *Lifecycle) Create(ctx context.Context, req models.CreateIncidentRequest) (models.Incident, error) {
	const op = "lifecycle.Create"
	if !models.KnownSeverity(req.Severity) {
		return models.Incident{}, utils.ValidationError(op, "unknown severity "+string(req.Severity))
	}
	if len(req.Services) == 0 {
		return models.Incident{}, utils.ValidationError(op, "incident needs at least one service")
	}

	now := l.now().UTC()
	inc := models.Incident{
		ID:          uuid.NewString(),
		Title:       req.Title,
		Description: req.Description,
		Severity:    req.Severity,
		Status:      models.StatusDetected,
		Services:    req.Services,
		StartTime:   now,
	}
	created, err := l.store.CreateIncident(ctx, inc, req.DedupKey, models.TimelineEvent{
		OccurredAt: now,
		EventType:  models.EventDetection,
		Actor:      models.ActorSystem,
		Message:    "incident detected: " + req.Title,
	})
	if err != nil {
		return models.Incident{}, err
	}
	if created.ID == inc.ID {
		l.notify(created.ID, "", models.StatusDetected)
		l.log.Info("incident created", "incident_id", created.ID, "severity", created.Severity, "services", created.Services)
	}
	return created, nil
}

// Get returns the current aggregate snapshot.
func (l *Lifecycle) Get(ctx context.Context, id string) (models.Incident, error) {
	return l.store.GetIncident(ctx, id)
}

// Patch applies an explicit lifecycle transition. Illegal transitions come
// back with Applied=false, the unchanged incident, and the rejection
// reason; the caller also receives the PreconditionError. The transition
// and its timeline append commit together or not at all.
func (l *Lifecycle) Patch(ctx context.Context, id string, req models.PatchIncidentRequest) (models.TransitionResult, error) {
	const op = "lifecycle.Patch"
	if req.Status == nil && req.RootCause == nil && req.Resolution == nil {
		return models.TransitionResult{}, utils.ValidationError(op, "empty patch")
	}
	if req.Status != nil && !models.KnownStatus(*req.Status) {
		return models.TransitionResult{}, utils.ValidationError(op, "unknown status "+string(*req.Status))
	}

	mu := l.lock(id)
	mu.Lock()
	defer mu.Unlock()

	now := l.now().UTC()
	event := l.patchEvent(req, now)

	var from models.Status
	inc, stored, err := l.store.Transition(ctx, id, func(i *models.Incident) error {
		from = i.Status
		if req.RootCause != nil {
			if i.Resolved() {
				return utils.PreconditionError(op, "causal fields are frozen after resolution")
			}
			i.RootCause = *req.RootCause
		}
		if req.Status == nil {
			return nil
		}
		return l.applyStatus(i, *req.Status, now)
	}, event)
	if err != nil {
		if utils.IsKind(err, utils.KindPrecondition) {
			metrics.ObserveTransitionRejected()
			current, getErr := l.store.GetIncident(ctx, id)
			if getErr != nil {
				return models.TransitionResult{}, getErr
			}
			return models.TransitionResult{Incident: current, Applied: false, Reason: reasonOf(err)}, err
		}
		return models.TransitionResult{}, err
	}

	l.timeline.Broadcast(stored...)
	if from != inc.Status {
		l.notify(inc.ID, from, inc.Status)
		l.log.Info("incident transitioned", "incident_id", inc.ID, "from", from, "to", inc.Status)
	}
	return models.TransitionResult{Incident: inc, Applied: true}, nil
}

// applyStatus enforces the state machine. It runs inside the store
// transaction; returning an error leaves the incident untouched.
func (l *Lifecycle) applyStatus(i *models.Incident, to models.Status, now time.Time) error {
	const op = "lifecycle.applyStatus"
	switch to {
	case models.StatusInvestigating:
		if i.Status != models.StatusDetected {
			return utils.PreconditionError(op, fmt.Sprintf("cannot start investigating from %s", i.Status))
		}
	case models.StatusRootCauseIdentified:
		if i.Status != models.StatusInvestigating {
			return utils.PreconditionError(op, fmt.Sprintf("cannot identify root cause from %s", i.Status))
		}
		if i.RootCause == "" {
			return utils.PreconditionError(op, "root_cause must be set to reach root_cause_identified")
		}
	case models.StatusMitigating:
		if i.Status != models.StatusRootCauseIdentified {
			return utils.PreconditionError(op, fmt.Sprintf("cannot mitigate from %s", i.Status))
		}
	case models.StatusResolved:
		if i.Status != models.StatusMitigating {
			return utils.PreconditionError(op, fmt.Sprintf("cannot resolve from %s", i.Status))
		}
		if i.RootCause == "" {
			return utils.PreconditionError(op, "root_cause must be set at resolution time")
		}
		resolved := now
		i.ResolvedTime = &resolved
		mttr := utils.DurationSeconds(i.StartTime, now)
		i.MTTRSeconds = &mttr
	case models.StatusReopened, models.StatusDetected:
		return utils.PreconditionError(op, string(to)+" is not reachable by explicit request")
	default:
		return utils.PreconditionError(op, "unknown target status "+string(to))
	}
	i.Status = to
	return nil
}

func (l *Lifecycle) patchEvent(req models.PatchIncidentRequest, now time.Time) models.TimelineEvent {
	ev := models.TimelineEvent{OccurredAt: now, Actor: models.ActorUser}
	if req.Status == nil {
		ev.EventType = models.EventNote
		ev.Message = "root cause updated"
		if req.RootCause != nil {
			ev.Message = "root cause updated: " + *req.RootCause
		}
		return ev
	}
	switch *req.Status {
	case models.StatusInvestigating:
		ev.EventType = models.EventInvestigation
		ev.Message = "investigation started"
	case models.StatusRootCauseIdentified:
		ev.EventType = models.EventCorrelationResult
		ev.Message = "root cause identified"
		if req.RootCause != nil {
			ev.Message = "root cause identified: " + *req.RootCause
		}
	case models.StatusMitigating:
		ev.EventType = models.EventMitigation
		ev.Message = "mitigation under way"
	case models.StatusResolved:
		ev.EventType = models.EventResolution
		ev.Message = "incident resolved"
		if req.Resolution != nil && *req.Resolution != "" {
			ev.Message = "incident resolved: " + *req.Resolution
		}
	default:
		ev.EventType = models.EventNote
		ev.Message = "status change requested: " + string(*req.Status)
	}
	return ev
}

// RunCorrelation executes one correlation pass for the incident. The pass
// itself runs without the incident lock since it does network and store
// reads; only the commit phase takes the lock, and results are discarded
// with a stale warning if the incident was resolved in the meantime.
func (l *Lifecycle) RunCorrelation(ctx context.Context, id string, window models.TimeRange) (models.CorrelationOutcome, error) {
	const op = "lifecycle.RunCorrelation"

	inc, err := l.store.GetIncident(ctx, id)
	if err != nil {
		return models.CorrelationOutcome{}, err
	}
	if inc.Resolved() {
		return models.CorrelationOutcome{}, utils.PreconditionError(op, "incident is resolved")
	}

	// One pass per incident across replicas. Losing the lock is not an
	// error; the holder's pass will land.
	lockKey := "corrpass:" + id
	won, lockErr := l.passLock.SetNX(ctx, lockKey, []byte("1"), time.Minute)
	if lockErr == nil && !won {
		l.log.Info("correlation pass already in flight", "incident_id", id)
		return models.CorrelationOutcome{IncidentID: id, Partial: true, RanAt: l.now().UTC()}, nil
	}
	if lockErr == nil {
		defer func() {
			if err := l.passLock.Del(ctx, lockKey); err != nil {
				l.log.Debug("pass lock release failed", "incident_id", id, "error", err)
			}
		}()
	}

	// A first pass moves Detected incidents into Investigating.
	if inc.Status == models.StatusDetected {
		mu := l.lock(id)
		mu.Lock()
		updated, stored, err := l.store.Transition(ctx, id, func(i *models.Incident) error {
			if i.Status != models.StatusDetected {
				return nil
			}
			i.Status = models.StatusInvestigating
			return nil
		}, models.TimelineEvent{
			OccurredAt: l.now().UTC(),
			EventType:  models.EventCorrelationStarted,
			Actor:      models.ActorCorrelationEngine,
			Message:    "correlation pass started",
		})
		mu.Unlock()
		if err != nil {
			return models.CorrelationOutcome{}, err
		}
		l.timeline.Broadcast(stored...)
		if updated.Status != inc.Status {
			l.notify(id, inc.Status, updated.Status)
		}
		inc = updated
	}

	outcome, err := l.correlator.Correlate(ctx, inc, window)
	if err != nil {
		return outcome, err
	}
	if len(outcome.Hypotheses) == 0 {
		return outcome, nil
	}

	mu := l.lock(id)
	mu.Lock()
	defer mu.Unlock()

	current, err := l.store.GetIncident(ctx, id)
	if err != nil {
		return outcome, err
	}
	if current.Resolved() {
		l.log.Warn("discarding stale correlation result for resolved incident", "incident_id", id)
		return models.CorrelationOutcome{IncidentID: id, RanAt: outcome.RanAt, Partial: outcome.Partial}, nil
	}

	if err := l.store.InsertHypotheses(ctx, outcome.Hypotheses...); err != nil {
		return outcome, err
	}

	top := outcome.Hypotheses[0]
	event := models.TimelineEvent{
		OccurredAt: l.now().UTC(),
		EventType:  models.EventCorrelationResult,
		Actor:      models.ActorCorrelationEngine,
		Message:    fmt.Sprintf("correlation produced %d hypothesis(es), top confidence %.3f", len(outcome.Hypotheses), top.Confidence),
	}

	promote := top.Confidence >= l.acceptThreshold && current.Status == models.StatusInvestigating
	from := current.Status
	updated, stored, err := l.store.Transition(ctx, id, func(i *models.Incident) error {
		if promote && i.Status == models.StatusInvestigating {
			i.Status = models.StatusRootCauseIdentified
			if i.RootCause == "" {
				i.RootCause = top.Title
			}
		}
		return nil
	}, event)
	if err != nil {
		return outcome, err
	}
	l.timeline.Broadcast(stored...)
	if updated.Status != from {
		l.notify(id, from, updated.Status)
		l.log.Info("root cause identified", "incident_id", id, "confidence", top.Confidence, "hypothesis", top.Title)
	}
	return outcome, nil
}

// HandleSignal is registered as an ingest sink. A qualifying signal against
// a service with an incident resolved inside the cool-down reopens that
// incident: `resolved_time` is cleared and the timeline sequence continues.
// A qualifying signal on a service with no open incident at all opens one.
func (l *Lifecycle) HandleSignal(ctx context.Context, sig models.Signal) {
	if sig.Confidence < l.acceptThreshold {
		return
	}
	resolved, err := l.store.ListIncidentsByStatus(ctx, models.StatusResolved)
	if err != nil {
		l.log.Warn("reopen scan failed", "error", err)
		return
	}
	now := l.now().UTC()
	reopened := false
	for _, inc := range resolved {
		if !inc.HasService(sig.Entity) {
			continue
		}
		if inc.ResolvedTime == nil || now.Sub(*inc.ResolvedTime) > l.cfg.ReopenCoolDown {
			continue
		}
		if err := l.reopen(ctx, inc.ID, sig); err != nil {
			l.log.Warn("reopen failed", "incident_id", inc.ID, "error", err)
		} else {
			reopened = true
		}
	}
	if !reopened {
		l.autoCreate(ctx, sig)
	}
}

// autoCreate opens a Detected incident for a qualifying signal when no open
// incident already covers the entity. Serialized per entity so a burst of
// signals opens one incident, not one per signal.
func (l *Lifecycle) autoCreate(ctx context.Context, sig models.Signal) {
	mu := l.lock("entity:" + sig.Entity)
	mu.Lock()
	defer mu.Unlock()

	open, err := l.store.ListIncidentsByStatus(ctx,
		models.StatusDetected, models.StatusInvestigating,
		models.StatusRootCauseIdentified, models.StatusMitigating)
	if err != nil {
		l.log.Warn("auto-create scan failed", "error", err)
		return
	}
	for _, inc := range open {
		if inc.HasService(sig.Entity) {
			return
		}
	}

	inc, err := l.Create(ctx, models.CreateIncidentRequest{
		Title:       fmt.Sprintf("%s detected on %s", sig.Kind, sig.Entity),
		Description: fmt.Sprintf("opened automatically by signal %s (magnitude %.3g, confidence %.2f)", sig.ID, sig.Magnitude, sig.Confidence),
		Severity:    models.SeverityMedium,
		Services:    []string{sig.Entity},
	})
	if err != nil {
		l.log.Warn("auto-create failed", "entity", sig.Entity, "error", err)
		return
	}
	l.log.Info("incident auto-created from signal",
		"incident_id", inc.ID, "signal_id", sig.ID, "entity", sig.Entity)
}

func (l *Lifecycle) reopen(ctx context.Context, id string, sig models.Signal) error {
	mu := l.lock(id)
	mu.Lock()
	defer mu.Unlock()

	now := l.now().UTC()
	var from models.Status
	updated, stored, err := l.store.Transition(ctx, id, func(i *models.Incident) error {
		from = i.Status
		if i.Status != models.StatusResolved {
			return utils.PreconditionError("lifecycle.reopen", "incident is no longer resolved")
		}
		if i.ResolvedTime == nil || now.Sub(*i.ResolvedTime) > l.cfg.ReopenCoolDown {
			return utils.PreconditionError("lifecycle.reopen", "cool-down window elapsed")
		}
		i.Status = models.StatusInvestigating
		i.ResolvedTime = nil
		return nil
	}, models.TimelineEvent{
		OccurredAt: now,
		EventType:  models.EventReopened,
		Actor:      models.ActorSystem,
		Message:    fmt.Sprintf("reopened by %s signal on %s", sig.Kind, sig.Entity),
	})
	if err != nil {
		return err
	}
	l.timeline.Broadcast(stored...)
	l.notify(id, from, models.StatusReopened)
	l.notify(id, models.StatusReopened, updated.Status)
	l.log.Info("incident reopened", "incident_id", id, "signal_id", sig.ID, "entity", sig.Entity)
	return nil
}

func reasonOf(err error) string {
	var appErr *utils.AppError
	if errors.As(err, &appErr) {
		return appErr.Msg
	}
	return err.Error()
}
