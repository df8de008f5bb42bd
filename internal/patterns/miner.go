package patterns

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/reliastack/incident-engine/internal/models"
)

// Hotspot is a service that keeps showing up in resolved incidents. Mined
// summaries give responders a recurrence view across incident history.
type Hotspot struct {
	Service       string        `json:"service"`
	IncidentCount int           `json:"incident_count"`
	Prevalence    float64       `json:"prevalence"`
	MeanMTTR      time.Duration `json:"mean_mttr"`
	LastResolved  time.Time     `json:"last_resolved"`
	TopRootCause  string        `json:"top_root_cause,omitempty"`
}

// IncidentHistory reads resolved incidents out of the store.
type IncidentHistory interface {
	ListIncidentsByStatus(ctx context.Context, statuses ...models.Status) ([]models.Incident, error)
}

// Miner mines frequency-based hotspots from resolved incident history.
type Miner struct {
	history IncidentHistory
	logger  *slog.Logger
}

// NewMiner constructs a Miner.
func NewMiner(logger *slog.Logger, history IncidentHistory) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{history: history, logger: logger}
}

type serviceAggregate struct {
	count        int
	mttrSum      time.Duration
	mttrSamples  int
	lastResolved time.Time
	rootCauses   map[string]int
}

// Mine aggregates resolved incidents per service, most frequent first.
func (m *Miner) Mine(ctx context.Context) ([]Hotspot, error) {
	resolved, err := m.history.ListIncidentsByStatus(ctx, models.StatusResolved)
	if err != nil {
		return nil, err
	}
	if len(resolved) == 0 {
		return nil, nil
	}

	stats := make(map[string]*serviceAggregate)
	for _, inc := range resolved {
		for _, service := range inc.Services {
			agg, ok := stats[service]
			if !ok {
				agg = &serviceAggregate{rootCauses: make(map[string]int)}
				stats[service] = agg
			}
			agg.count++
			if inc.MTTRSeconds != nil {
				agg.mttrSum += time.Duration(*inc.MTTRSeconds) * time.Second
				agg.mttrSamples++
			}
			if inc.ResolvedTime != nil && inc.ResolvedTime.After(agg.lastResolved) {
				agg.lastResolved = *inc.ResolvedTime
			}
			if inc.RootCause != "" {
				agg.rootCauses[inc.RootCause]++
			}
		}
	}

	hotspots := make([]Hotspot, 0, len(stats))
	for service, agg := range stats {
		h := Hotspot{
			Service:       service,
			IncidentCount: agg.count,
			Prevalence:    float64(agg.count) / float64(len(resolved)),
			LastResolved:  agg.lastResolved,
			TopRootCause:  topCause(agg.rootCauses),
		}
		if agg.mttrSamples > 0 {
			h.MeanMTTR = agg.mttrSum / time.Duration(agg.mttrSamples)
		}
		hotspots = append(hotspots, h)
	}

	sort.Slice(hotspots, func(i, j int) bool {
		if hotspots[i].IncidentCount != hotspots[j].IncidentCount {
			return hotspots[i].IncidentCount > hotspots[j].IncidentCount
		}
		return hotspots[i].Service < hotspots[j].Service
	})

	m.logger.Debug("pattern mining complete", "resolved_incidents", len(resolved), "hotspots", len(hotspots))
	return hotspots, nil
}

func topCause(causes map[string]int) string {
	best := ""
	bestCount := 0
	for cause, count := range causes {
		if count > bestCount || (count == bestCount && cause < best) {
			best = cause
			bestCount = count
		}
	}
	return best
}
