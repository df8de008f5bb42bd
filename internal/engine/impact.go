package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/reliastack/incident-engine/internal/config"
	"github.com/reliastack/incident-engine/internal/models"
	"github.com/reliastack/incident-engine/internal/timeline"
)

// SLOStore persists objectives and their evaluation snapshots.
type SLOStore interface {
	ListSLOsForServices(ctx context.Context, services []string) ([]models.SLO, error)
	UpsertSLOStatus(ctx context.Context, st models.SLOStatus) error
	ListSLOStatus(ctx context.Context, incidentID string) ([]models.SLOStatus, error)
	SetImpactScore(ctx context.Context, incidentID string, score float64) error
}

// SLOValueSource fetches measured metric values from the observability
// backend.
type SLOValueSource interface {
	FetchSLOValue(ctx context.Context, service, metric string, start, end time.Time) (float64, error)
}

// ActiveIncidentLister finds unresolved incidents so signal-driven
// re-evaluation knows which incidents a new signal touches.
type ActiveIncidentLister interface {
	ListIncidentsByStatus(ctx context.Context, statuses ...models.Status) ([]models.Incident, error)
}

// ImpactCalculator evaluates every SLO bound to an incident's services and
// derives the business-impact estimate from them.
type ImpactCalculator struct {
	cfg       config.ImpactConfig
	store     SLOStore
	values    SLOValueSource
	incidents ActiveIncidentLister
	timeline  *timeline.Builder
	log       *slog.Logger
	now       func() time.Time
}

// NewImpactCalculator builds the calculator.
func NewImpactCalculator(cfg config.ImpactConfig, store SLOStore, values SLOValueSource, incidents ActiveIncidentLister, tb *timeline.Builder, log *slog.Logger) *ImpactCalculator {
	return &ImpactCalculator{
		cfg:       cfg,
		store:     store,
		values:    values,
		incidents: incidents,
		timeline:  tb,
		log:       log,
		now:       time.Now,
	}
}

// Evaluate computes the current SLOStatus for every objective bound to the
// incident's services. An unreachable metrics backend degrades the affected
// status to partial instead of failing the evaluation; a newly observed
// breach is recorded on the incident timeline.
func (c *ImpactCalculator) Evaluate(ctx context.Context, inc models.Incident) (models.ImpactReport, error) {
	now := c.now().UTC()
	report := models.ImpactReport{
		IncidentID:  inc.ID,
		EvaluatedAt: now,
	}

	slos, err := c.store.ListSLOsForServices(ctx, inc.Services)
	if err != nil {
		return report, err
	}

	end := now
	if inc.ResolvedTime != nil {
		end = *inc.ResolvedTime
	}

	previous := c.previousStatuses(ctx, inc.ID)

	var breaches []models.SLOStatus
	for _, slo := range slos {
		status := models.SLOStatus{
			SLOID:       slo.ID,
			IncidentID:  inc.ID,
			TargetValue: slo.TargetValue,
			EvaluatedAt: now,
		}

		actual, err := c.values.FetchSLOValue(ctx, slo.Service, slo.Metric, inc.StartTime, end)
		if err != nil {
			status.Partial = true
			// Carry the last persisted snapshot forward so a flaky backend
			// does not make a known breach disappear from the report.
			if prev, ok := previous[slo.ID]; ok {
				status.ActualValue = prev.ActualValue
				status.BreachPct = prev.BreachPct
				status.Breached = prev.Breached
				status.ErrorBudgetBurned = prev.ErrorBudgetBurned
			}
			c.log.Warn("slo value unavailable, marking evaluation partial",
				"incident_id", inc.ID, "slo", slo.Name, "error", err)
		} else {
			status.ActualValue = actual
			status.BreachPct, status.Breached = c.breach(slo, actual)
			if status.Breached {
				status.ErrorBudgetBurned = errorBudgetBurned(slo, inc.StartTime, end)
				breaches = append(breaches, status)
			}
		}

		if err := c.store.UpsertSLOStatus(ctx, status); err != nil {
			c.log.Warn("slo status snapshot write failed", "incident_id", inc.ID, "slo", slo.Name, "error", err)
		}
		report.Statuses = append(report.Statuses, status)
	}

	report.Impact = c.businessImpact(inc, end)

	if err := c.store.SetImpactScore(ctx, inc.ID, impactScore(inc, report.Statuses)); err != nil {
		c.log.Warn("impact score write failed", "incident_id", inc.ID, "error", err)
	}

	if len(breaches) > 0 {
		msg := fmt.Sprintf("%d SLO(s) breached", len(breaches))
		for _, b := range breaches {
			msg += fmt.Sprintf("; target %.4g actual %.4g (%.2f%%)", b.TargetValue, b.ActualValue, b.BreachPct)
		}
		if _, err := c.timeline.Append(ctx, inc.ID, models.TimelineEvent{
			EventType: models.EventSLOBreach,
			Actor:     models.ActorSLOSystem,
			Message:   msg,
		}); err != nil {
			c.log.Warn("slo breach event append failed", "incident_id", inc.ID, "error", err)
		}
	}
	return report, nil
}

// impactScore maps severity plus SLO damage onto the incident's 0-10 scale:
// a severity base of 2/4/6/8 plus up to 2 points for the worst error-budget
// burn among breached objectives.
func impactScore(inc models.Incident, statuses []models.SLOStatus) float64 {
	base := 2.0
	switch inc.Severity {
	case models.SeverityMedium:
		base = 4
	case models.SeverityHigh:
		base = 6
	case models.SeverityCritical:
		base = 8
	}
	worst := 0.0
	for _, st := range statuses {
		if st.Breached && st.ErrorBudgetBurned > worst {
			worst = st.ErrorBudgetBurned
		}
	}
	if worst > 1 {
		worst = 1
	}
	return base + 2*worst
}

// previousStatuses indexes the last persisted snapshots by SLO id. A read
// failure just means no carry-forward.
func (c *ImpactCalculator) previousStatuses(ctx context.Context, incidentID string) map[string]models.SLOStatus {
	stored, err := c.store.ListSLOStatus(ctx, incidentID)
	if err != nil {
		c.log.Warn("previous slo snapshots unavailable", "incident_id", incidentID, "error", err)
		return nil
	}
	byID := make(map[string]models.SLOStatus, len(stored))
	for _, st := range stored {
		byID[st.SLOID] = st
	}
	return byID
}

// breach computes the breach magnitude, direction depending on polarity.
// Availability-style SLOs breach when actual drops below target;
// latency-style SLOs breach when actual rises above it. The magnitude is
// reported in percentage points by default, or as a fraction of the target
// when the ratio formula is configured.
func (c *ImpactCalculator) breach(slo models.SLO, actual float64) (pct float64, breached bool) {
	var diff float64
	switch slo.Polarity {
	case models.PolarityLowerIsBetter:
		diff = actual - slo.TargetValue
	default:
		diff = slo.TargetValue - actual
	}
	if diff <= 0 {
		return 0, false
	}
	if c.cfg.BreachFormula == config.BreachFormulaRatio && slo.TargetValue != 0 {
		return diff / slo.TargetValue, true
	}
	return diff, true
}

// errorBudgetBurned expresses the incident's breached duration as a
// fraction of the allowed downtime for the SLO window. Values above 1 mean
// the budget is exhausted.
func errorBudgetBurned(slo models.SLO, start, end time.Time) float64 {
	if slo.AllowedDowntime <= 0 {
		return 0
	}
	breachedSeconds := end.Sub(start).Seconds()
	if breachedSeconds < 0 {
		return 0
	}
	return breachedSeconds / slo.AllowedDowntime
}

// businessImpact derives the revenue-at-risk estimate. This is labelled an
// estimate, never a measurement.
func (c *ImpactCalculator) businessImpact(inc models.Incident, end time.Time) models.BusinessImpact {
	var users int64
	weight := 0.0
	for _, svc := range inc.Services {
		users += c.cfg.UsersPerService[svc]
		w, ok := c.cfg.SeverityWeights[svc]
		if !ok {
			w = c.cfg.DefaultWeight
		}
		if w > weight {
			weight = w
		}
	}
	hours := end.Sub(inc.StartTime).Hours()
	if hours < 0 {
		hours = 0
	}
	return models.BusinessImpact{
		IncidentID:    inc.ID,
		AffectedUsers: users,
		RevenueAtRisk: float64(users) * weight * hours,
		Estimate:      true,
	}
}

// HandleSignal is registered as an ingest sink so impact is re-evaluated
// whenever a new signal lands on a service with an active incident.
func (c *ImpactCalculator) HandleSignal(ctx context.Context, sig models.Signal) {
	active, err := c.incidents.ListIncidentsByStatus(ctx,
		models.StatusDetected, models.StatusInvestigating,
		models.StatusRootCauseIdentified, models.StatusMitigating)
	if err != nil {
		c.log.Warn("impact re-evaluation scan failed", "error", err)
		return
	}
	for _, inc := range active {
		if !inc.HasService(sig.Entity) {
			continue
		}
		if _, err := c.Evaluate(ctx, inc); err != nil {
			c.log.Warn("impact re-evaluation failed", "incident_id", inc.ID, "error", err)
		}
	}
}
