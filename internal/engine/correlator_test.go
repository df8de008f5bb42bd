package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/reliastack/incident-engine/internal/config"
	"github.com/reliastack/incident-engine/internal/models"
	"github.com/reliastack/incident-engine/internal/repo"
)

type fakeSignalSource struct {
	signals []models.Signal
	err     error
}

func (f *fakeSignalSource) ListSignals(_ context.Context, entities []string, since, until time.Time) ([]models.Signal, error) {
	if f.err != nil {
		return nil, f.err
	}
	want := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		want[e] = struct{}{}
	}
	var out []models.Signal
	for _, s := range f.signals {
		if _, ok := want[s.Entity]; !ok {
			continue
		}
		if s.ObservedAt.Before(since) || s.ObservedAt.After(until) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

type fakeGraphSource struct {
	edges []repo.DependencyEdge
	err   error
}

func (f *fakeGraphSource) FetchServiceGraph(context.Context, []string) ([]repo.DependencyEdge, error) {
	return f.edges, f.err
}

func testCorrelator(signals *fakeSignalSource, graph GraphSource) *Correlator {
	cfg := config.CorrelationConfig{
		WindowLead:        5 * time.Minute,
		ClusterGap:        30 * time.Second,
		SingleSignalFloor: 0.9,
		TieBand:           0.05,
		AcceptThreshold:   0.5,
	}
	return NewCorrelator(cfg, time.Hour, signals, graph, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func signalAt(entity string, offset time.Duration, magnitude, confidence float64, base time.Time) models.Signal {
	return models.Signal{
		ID:         uuid.NewString(),
		Kind:       models.SignalMetricAnomaly,
		SourceType: "prometheus",
		Entity:     entity,
		ObservedAt: base.Add(offset),
		Magnitude:  magnitude,
		Confidence: confidence,
		IngestedAt: base,
	}
}

func paymentIncident(base time.Time) models.Incident {
	return models.Incident{
		ID:        "inc-1",
		Title:     "payment failures",
		Severity:  models.SeverityHigh,
		Status:    models.StatusInvestigating,
		Services:  []string{"payment-service", "cache"},
		StartTime: base,
	}
}

func TestCorrelatePaymentBurst(t *testing.T) {
	base := time.Now().UTC().Add(-10 * time.Minute)
	source := &fakeSignalSource{signals: []models.Signal{
		signalAt("payment-service", 0, 190, 0.98, base),
		signalAt("payment-service", 20*time.Second, 28, 0.96, base),
		signalAt("payment-service", 40*time.Second, 1.0, 0.97, base),
		signalAt("cache", 10*time.Second, 0.5, 0.30, base),
	}}
	c := testCorrelator(source, nil)

	outcome, err := c.Correlate(context.Background(), paymentIncident(base), models.TimeRange{})
	if err != nil {
		t.Fatalf("correlate: %v", err)
	}
	if len(outcome.Hypotheses) != 1 {
		t.Fatalf("expected exactly one hypothesis, got %d", len(outcome.Hypotheses))
	}
	h := outcome.Hypotheses[0]
	if len(h.SupportingSignalIDs) != 3 {
		t.Errorf("expected 3 supporting signals, got %d", len(h.SupportingSignalIDs))
	}
	// Magnitude-weighted harmonic mean of [0.98, 0.96, 0.97] with weights
	// [190, 28, 1.0].
	if math.Abs(h.Confidence-0.97) > 0.015 {
		t.Errorf("confidence = %v, want within 0.015 of 0.97", h.Confidence)
	}
	if !strings.Contains(h.Title, "payment-service") {
		t.Errorf("title should name the dominant entity, got %q", h.Title)
	}
	if !h.IsAutoGenerated {
		t.Error("correlation hypotheses are auto generated")
	}
}

func TestCorrelateIsDeterministic(t *testing.T) {
	base := time.Now().UTC().Add(-10 * time.Minute)
	source := &fakeSignalSource{signals: []models.Signal{
		signalAt("payment-service", 0, 50, 0.9, base),
		signalAt("payment-service", 10*time.Second, 40, 0.85, base),
		signalAt("cache", 5*time.Second, 45, 0.88, base),
		signalAt("cache", 12*time.Second, 30, 0.86, base),
	}}
	c := testCorrelator(source, nil)
	inc := paymentIncident(base)

	first, err := c.Correlate(context.Background(), inc, models.TimeRange{})
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	second, err := c.Correlate(context.Background(), inc, models.TimeRange{})
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(first.Hypotheses) != len(second.Hypotheses) {
		t.Fatalf("pass sizes differ: %d vs %d", len(first.Hypotheses), len(second.Hypotheses))
	}
	for i := range first.Hypotheses {
		if first.Hypotheses[i].Confidence != second.Hypotheses[i].Confidence {
			t.Errorf("hypothesis %d score changed between identical passes", i)
		}
		if strings.Join(first.Hypotheses[i].SupportingSignalIDs, ",") != strings.Join(second.Hypotheses[i].SupportingSignalIDs, ",") {
			t.Errorf("hypothesis %d member set changed between identical passes", i)
		}
	}
}

func TestCorrelateEmptyWindow(t *testing.T) {
	base := time.Now().UTC().Add(-10 * time.Minute)
	c := testCorrelator(&fakeSignalSource{}, nil)

	outcome, err := c.Correlate(context.Background(), paymentIncident(base), models.TimeRange{})
	if err != nil {
		t.Fatalf("empty window must not fail: %v", err)
	}
	if len(outcome.Hypotheses) != 0 {
		t.Errorf("expected no hypotheses, got %d", len(outcome.Hypotheses))
	}
	if outcome.Partial {
		t.Error("empty window is not a partial result")
	}
}

func TestCorrelateTieBandEmitsMultiple(t *testing.T) {
	base := time.Now().UTC().Add(-10 * time.Minute)
	// Two clusters separated by more than the gap, scores within 0.05.
	source := &fakeSignalSource{signals: []models.Signal{
		signalAt("payment-service", 0, 100, 0.95, base),
		signalAt("payment-service", 10*time.Second, 100, 0.95, base),
		signalAt("cache", 3*time.Minute, 100, 0.93, base),
		signalAt("cache", 3*time.Minute+10*time.Second, 100, 0.93, base),
	}}
	c := testCorrelator(source, nil)

	outcome, err := c.Correlate(context.Background(), paymentIncident(base), models.TimeRange{})
	if err != nil {
		t.Fatalf("correlate: %v", err)
	}
	if len(outcome.Hypotheses) != 2 {
		t.Fatalf("expected both near-tied clusters, got %d hypotheses", len(outcome.Hypotheses))
	}
	if outcome.Hypotheses[0].Confidence < outcome.Hypotheses[1].Confidence {
		t.Error("hypotheses must be emitted in rank order")
	}
}

func TestSingleSignalFloor(t *testing.T) {
	base := time.Now().UTC().Add(-10 * time.Minute)

	t.Run("strong lone signal qualifies", func(t *testing.T) {
		source := &fakeSignalSource{signals: []models.Signal{
			signalAt("payment-service", 0, 80, 0.95, base),
		}}
		c := testCorrelator(source, nil)
		outcome, err := c.Correlate(context.Background(), paymentIncident(base), models.TimeRange{})
		if err != nil {
			t.Fatalf("correlate: %v", err)
		}
		if len(outcome.Hypotheses) != 1 {
			t.Errorf("lone signal at full relative weight should qualify, got %d hypotheses", len(outcome.Hypotheses))
		}
	})

	t.Run("weak lone signal suppressed", func(t *testing.T) {
		source := &fakeSignalSource{signals: []models.Signal{
			signalAt("payment-service", 0, 80, 0.95, base),
			signalAt("cache", 5*time.Minute, 2, 0.6, base),
		}}
		c := testCorrelator(source, nil)
		outcome, err := c.Correlate(context.Background(), paymentIncident(base), models.TimeRange{})
		if err != nil {
			t.Fatalf("correlate: %v", err)
		}
		for _, h := range outcome.Hypotheses {
			for _, id := range h.SupportingSignalIDs {
				if id == source.signals[1].ID {
					t.Error("weak lone signal must be suppressed as insufficient evidence")
				}
			}
		}
	})
}

func TestCorrelatePartialOnGraphFailure(t *testing.T) {
	base := time.Now().UTC().Add(-10 * time.Minute)
	source := &fakeSignalSource{signals: []models.Signal{
		signalAt("payment-service", 0, 100, 0.95, base),
		signalAt("payment-service", 10*time.Second, 90, 0.94, base),
	}}
	graph := &fakeGraphSource{err: errors.New("upstream timeout")}
	c := testCorrelator(source, graph)

	outcome, err := c.Correlate(context.Background(), paymentIncident(base), models.TimeRange{})
	if err != nil {
		t.Fatalf("graph failure must degrade, not fail: %v", err)
	}
	if !outcome.Partial {
		t.Error("expected partial outcome when the dependency graph is unreachable")
	}
	if len(outcome.Hypotheses) != 1 {
		t.Errorf("expected correlation over declared services to proceed, got %d hypotheses", len(outcome.Hypotheses))
	}
}

func TestCorrelateOneHopDependency(t *testing.T) {
	base := time.Now().UTC().Add(-10 * time.Minute)
	source := &fakeSignalSource{signals: []models.Signal{
		signalAt("payment-service", 0, 100, 0.95, base),
		signalAt("payments-db", 10*time.Second, 120, 0.97, base),
	}}
	graph := &fakeGraphSource{edges: []repo.DependencyEdge{
		{Source: "payment-service", Target: "payments-db", CallRate: 200, ErrorRate: 2.5},
	}}
	c := testCorrelator(source, graph)

	inc := paymentIncident(base)
	inc.Services = []string{"payment-service"}
	outcome, err := c.Correlate(context.Background(), inc, models.TimeRange{})
	if err != nil {
		t.Fatalf("correlate: %v", err)
	}
	if len(outcome.Hypotheses) != 1 {
		t.Fatalf("expected one merged cluster across the dependency edge, got %d", len(outcome.Hypotheses))
	}
	if len(outcome.Hypotheses[0].SupportingSignalIDs) != 2 {
		t.Errorf("dependency-linked signals should share a cluster: %v", outcome.Hypotheses[0].SupportingSignalIDs)
	}
	if !strings.Contains(outcome.Hypotheses[0].Title, "payments-db") {
		t.Errorf("title should name the highest-magnitude entity, got %q", outcome.Hypotheses[0].Title)
	}
}

func TestWeightedHarmonicScorePunishesWeakMembers(t *testing.T) {
	strong := []models.Signal{
		{Magnitude: 10, Confidence: 0.9},
		{Magnitude: 10, Confidence: 0.9},
	}
	mixed := []models.Signal{
		{Magnitude: 10, Confidence: 0.9},
		{Magnitude: 10, Confidence: 0.3},
	}
	if got := weightedHarmonicScore(strong); math.Abs(got-0.9) > 1e-9 {
		t.Errorf("uniform cluster score = %v, want 0.9", got)
	}
	arithmetic := (0.9 + 0.3) / 2
	if got := weightedHarmonicScore(mixed); got >= arithmetic {
		t.Errorf("harmonic score %v should sit below arithmetic mean %v", got, arithmetic)
	}
	if got := weightedHarmonicScore([]models.Signal{{Magnitude: 5, Confidence: 0}}); got != 0 {
		t.Errorf("zero-confidence member must zero the cluster, got %v", got)
	}
}
