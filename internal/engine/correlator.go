package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/reliastack/incident-engine/internal/config"
	"github.com/reliastack/incident-engine/internal/metrics"
	"github.com/reliastack/incident-engine/internal/models"
	"github.com/reliastack/incident-engine/internal/repo"
	"github.com/reliastack/incident-engine/internal/utils"
)

// SignalSource reads the durable signal stream.
type SignalSource interface {
	ListSignals(ctx context.Context, entities []string, since, until time.Time) ([]models.Signal, error)
}

// GraphSource resolves service dependency edges. Lookups degrade: a failed
// fetch narrows correlation to the incident's own services and marks the
// pass partial instead of failing it.
type GraphSource interface {
	FetchServiceGraph(ctx context.Context, services []string) ([]repo.DependencyEdge, error)
}

// Correlator groups in-window signals into clusters and scores each cluster
// into a root-cause hypothesis.
type Correlator struct {
	cfg       config.CorrelationConfig
	retention time.Duration
	signals   SignalSource
	graph     GraphSource
	log       *slog.Logger
	latency   *utils.LatencyTracker
	now       func() time.Time
}

// NewCorrelator builds a Correlator. retention bounds how far back any
// correlation pass may look, regardless of the requested window.
func NewCorrelator(cfg config.CorrelationConfig, retention time.Duration, signals SignalSource, graph GraphSource, log *slog.Logger) *Correlator {
	return &Correlator{
		cfg:       cfg,
		retention: retention,
		signals:   signals,
		graph:     graph,
		log:       log,
		latency:   utils.NewLatencyTracker(512),
		now:       time.Now,
	}
}

// Correlate runs one pass for the incident over the given window. A zero
// window defaults to [start_time - windowLead, now]. The pass never fails
// outright: collaborator trouble yields whatever hypotheses the reachable
// data supports, flagged partial.
func (c *Correlator) Correlate(ctx context.Context, inc models.Incident, window models.TimeRange) (models.CorrelationOutcome, error) {
	started := c.now()
	outcome := models.CorrelationOutcome{
		IncidentID: inc.ID,
		RanAt:      started.UTC(),
	}

	since := window.Start
	until := window.End
	if since.IsZero() {
		since = inc.StartTime.Add(-c.cfg.WindowLead)
	}
	if until.IsZero() {
		until = started.UTC()
	}
	// Signals past the retention window are ineligible even when the
	// requested window reaches further back.
	if floor := started.UTC().Add(-c.retention); since.Before(floor) {
		since = floor
	}

	entities := append([]string(nil), inc.Services...)
	var edges []repo.DependencyEdge
	if c.graph != nil {
		fetched, err := c.graph.FetchServiceGraph(ctx, inc.Services)
		if err != nil {
			outcome.Partial = true
			c.log.Warn("service graph unavailable, correlating without dependency hop",
				"incident_id", inc.ID, "error", err)
		} else {
			edges = fetched
			entities = expandOneHop(inc.Services, edges)
		}
	}

	sigs, err := c.signals.ListSignals(ctx, entities, since, until)
	if err != nil {
		metrics.ObserveCorrelation(c.now().Sub(started), metrics.OutcomeError)
		return outcome, err
	}
	if len(sigs) == 0 {
		c.log.Info("no correlation data", "incident_id", inc.ID, "window_since", since, "window_until", until)
		metrics.ObserveCorrelation(c.now().Sub(started), outcomeLabel(outcome))
		return outcome, nil
	}

	ranked := rankClusters(c.cluster(sigs, relatedFunc(edges)))

	maxMag := 0.0
	for _, s := range sigs {
		if s.Magnitude > maxMag {
			maxMag = s.Magnitude
		}
	}

	var accepted []cluster
	for _, cl := range ranked {
		if len(cl.members) == 1 && !c.singleSignalQualifies(cl.members[0], maxMag) {
			continue
		}
		if len(accepted) == 0 {
			accepted = append(accepted, cl)
			continue
		}
		if accepted[0].score-cl.score <= c.cfg.TieBand {
			accepted = append(accepted, cl)
		} else {
			break
		}
	}

	for _, cl := range accepted {
		outcome.Hypotheses = append(outcome.Hypotheses, c.synthesize(inc.ID, cl))
	}
	elapsed := c.now().Sub(started)
	c.latency.Observe(elapsed)
	metrics.ObserveCorrelation(elapsed, outcomeLabel(outcome))
	c.log.Debug("correlation pass finished",
		"incident_id", inc.ID,
		"hypotheses", len(outcome.Hypotheses),
		"elapsed", elapsed,
		"p95", c.latency.Percentile(95))
	return outcome, nil
}

type cluster struct {
	members  []models.Signal
	score    float64
	earliest time.Time
}

// cluster groups signals by entity adjacency plus temporal proximity:
// signals on related entities whose observation times chain within the
// configured gap end up in one cluster.
func (c *Correlator) cluster(sigs []models.Signal, related func(a, b string) bool) []cluster {
	// Deterministic base order so repeated passes over the same signal set
	// produce identical clusters and scores.
	sort.Slice(sigs, func(i, j int) bool {
		if !sigs[i].ObservedAt.Equal(sigs[j].ObservedAt) {
			return sigs[i].ObservedAt.Before(sigs[j].ObservedAt)
		}
		return sigs[i].ID < sigs[j].ID
	})

	parent := make([]int, len(sigs))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	for i := 0; i < len(sigs); i++ {
		for j := i + 1; j < len(sigs); j++ {
			if sigs[j].ObservedAt.Sub(sigs[i].ObservedAt) > c.cfg.ClusterGap {
				break
			}
			if related(sigs[i].Entity, sigs[j].Entity) {
				union(i, j)
			}
		}
	}

	byRoot := make(map[int][]models.Signal)
	for i, s := range sigs {
		root := find(i)
		byRoot[root] = append(byRoot[root], s)
	}

	clusters := make([]cluster, 0, len(byRoot))
	for _, members := range byRoot {
		clusters = append(clusters, cluster{
			members:  members,
			score:    weightedHarmonicScore(members),
			earliest: members[0].ObservedAt,
		})
	}
	return clusters
}

// weightedHarmonicScore computes the magnitude-weighted harmonic mean of
// member confidences, clipped to [0,1]. The harmonic mean punishes a weak
// member harder than the arithmetic mean would; magnitude weighting lets
// severe anomalies dominate the cluster's credibility.
func weightedHarmonicScore(members []models.Signal) float64 {
	var sumW, sumWOverC float64
	for _, s := range members {
		w := s.Magnitude
		if w <= 0 {
			w = 1e-9
		}
		if s.Confidence <= 0 {
			return 0
		}
		sumW += w
		sumWOverC += w / s.Confidence
	}
	if sumWOverC == 0 {
		return 0
	}
	return utils.ClampUnit(sumW / sumWOverC)
}

func rankClusters(clusters []cluster) []cluster {
	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].score != clusters[j].score {
			return clusters[i].score > clusters[j].score
		}
		if len(clusters[i].members) != len(clusters[j].members) {
			return len(clusters[i].members) > len(clusters[j].members)
		}
		return clusters[i].earliest.Before(clusters[j].earliest)
	})
	return clusters
}

// singleSignalQualifies admits a lone signal only when its confidence,
// scaled by its magnitude relative to the strongest in-window signal,
// clears the evidence floor.
func (c *Correlator) singleSignalQualifies(s models.Signal, maxMag float64) bool {
	weight := 1.0
	if maxMag > 0 {
		weight = s.Magnitude / maxMag
	}
	return s.Confidence*weight >= c.cfg.SingleSignalFloor
}

func (c *Correlator) synthesize(incidentID string, cl cluster) models.Hypothesis {
	strongest := cl.members[0]
	for _, s := range cl.members[1:] {
		if s.Magnitude > strongest.Magnitude {
			strongest = s
		}
	}
	ids := make([]string, 0, len(cl.members))
	for _, s := range cl.members {
		ids = append(ids, s.ID)
	}
	return models.Hypothesis{
		ID:                  uuid.NewString(),
		IncidentID:          incidentID,
		Title:               fmt.Sprintf("%s on %s implicated (%d correlated signals)", strongest.Kind, strongest.Entity, len(cl.members)),
		SupportingSignalIDs: ids,
		Confidence:          cl.score,
		IsAutoGenerated:     true,
		CreatedAt:           c.now().UTC(),
	}
}

// relatedFunc reports whether two entities may co-occur in a cluster: the
// same entity, or joined by a direct dependency edge.
func relatedFunc(edges []repo.DependencyEdge) func(a, b string) bool {
	adjacent := make(map[[2]string]struct{}, len(edges)*2)
	for _, e := range edges {
		adjacent[[2]string{e.Source, e.Target}] = struct{}{}
		adjacent[[2]string{e.Target, e.Source}] = struct{}{}
	}
	return func(a, b string) bool {
		if a == b {
			return true
		}
		_, ok := adjacent[[2]string{a, b}]
		return ok
	}
}

func outcomeLabel(outcome models.CorrelationOutcome) string {
	if outcome.Partial {
		return metrics.OutcomePartial
	}
	return metrics.OutcomeSuccess
}

// expandOneHop adds direct dependency neighbours of the incident's services.
func expandOneHop(services []string, edges []repo.DependencyEdge) []string {
	set := make(map[string]struct{}, len(services))
	for _, s := range services {
		set[s] = struct{}{}
	}
	for _, e := range edges {
		if _, ok := set[e.Source]; ok {
			set[e.Target] = struct{}{}
			continue
		}
		if _, ok := set[e.Target]; ok {
			set[e.Source] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
