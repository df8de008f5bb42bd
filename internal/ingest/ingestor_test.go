package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/reliastack/incident-engine/internal/config"
	"github.com/reliastack/incident-engine/internal/models"
	"github.com/reliastack/incident-engine/internal/utils"
)

type fakeSignalStore struct {
	signals   []models.Signal
	insertErr error
	pruned    time.Time
}

func (f *fakeSignalStore) InsertSignal(_ context.Context, sig models.Signal) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.signals = append(f.signals, sig)
	return nil
}

func (f *fakeSignalStore) PruneSignals(_ context.Context, cutoff time.Time) (int64, error) {
	f.pruned = cutoff
	return 3, nil
}

func newTestIngestor(t *testing.T, store *fakeSignalStore) *Ingestor {
	t.Helper()
	cfg := config.IngestConfig{
		MaxFutureSkew:   5 * time.Minute,
		RetentionWindow: time.Hour,
	}
	in, err := New(cfg, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new ingestor: %v", err)
	}
	return in
}

func payload(entity, observedAt string) []byte {
	return []byte(fmt.Sprintf(`{
		"kind": "metric_anomaly",
		"source_type": "prometheus",
		"entity": %q,
		"observed_at": %q,
		"magnitude": 12.5,
		"raw_value": 900,
		"baseline_value": 72,
		"confidence": 0.94
	}`, entity, observedAt))
}

func TestIngestAcceptsValidSignal(t *testing.T) {
	store := &fakeSignalStore{}
	in := newTestIngestor(t, store)

	observed := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	sig, err := in.Ingest(context.Background(), payload("checkout-api", observed))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if sig.ID == "" {
		t.Error("expected generated signal id")
	}
	if sig.Kind != models.SignalMetricAnomaly || sig.Entity != "checkout-api" {
		t.Errorf("unexpected signal: %+v", sig)
	}
	if len(store.signals) != 1 {
		t.Errorf("expected 1 persisted signal, got %d", len(store.signals))
	}
}

func TestIngestRejections(t *testing.T) {
	future := time.Now().UTC().Add(10 * time.Minute).Format(time.RFC3339)
	past := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)

	tests := []struct {
		name    string
		payload []byte
	}{
		{"not json", []byte(`{"kind":`)},
		{"unknown kind", []byte(fmt.Sprintf(`{"kind":"cpu_spike","source_type":"x","entity":"e","observed_at":%q,"magnitude":1,"confidence":0.5}`, past))},
		{"negative magnitude", []byte(fmt.Sprintf(`{"kind":"log_pattern","source_type":"x","entity":"e","observed_at":%q,"magnitude":-1,"confidence":0.5}`, past))},
		{"confidence above one", []byte(fmt.Sprintf(`{"kind":"log_pattern","source_type":"x","entity":"e","observed_at":%q,"magnitude":1,"confidence":1.4}`, past))},
		{"missing entity", []byte(fmt.Sprintf(`{"kind":"log_pattern","source_type":"x","observed_at":%q,"magnitude":1,"confidence":0.5}`, past))},
		{"unknown field", []byte(fmt.Sprintf(`{"kind":"log_pattern","source_type":"x","entity":"e","observed_at":%q,"magnitude":1,"confidence":0.5,"extra":true}`, past))},
		{"future beyond skew", payload("checkout-api", future)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeSignalStore{}
			in := newTestIngestor(t, store)
			_, err := in.Ingest(context.Background(), tc.payload)
			if !utils.IsKind(err, utils.KindValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
			if len(store.signals) != 0 {
				t.Errorf("rejected signal must not be persisted")
			}
		})
	}
}

func TestIngestWithinSkewAccepted(t *testing.T) {
	store := &fakeSignalStore{}
	in := newTestIngestor(t, store)

	observed := time.Now().UTC().Add(2 * time.Minute).Format(time.RFC3339)
	if _, err := in.Ingest(context.Background(), payload("checkout-api", observed)); err != nil {
		t.Fatalf("signal inside skew allowance should be accepted: %v", err)
	}
}

func TestIngestEnforcesPerEntityMonotonicity(t *testing.T) {
	store := &fakeSignalStore{}
	in := newTestIngestor(t, store)
	ctx := context.Background()

	base := time.Now().UTC().Add(-10 * time.Minute)
	if _, err := in.Ingest(ctx, payload("checkout-api", base.Format(time.RFC3339))); err != nil {
		t.Fatalf("first: %v", err)
	}

	// Regression on the same entity is rejected.
	_, err := in.Ingest(ctx, payload("checkout-api", base.Add(-time.Minute).Format(time.RFC3339)))
	if !utils.IsKind(err, utils.KindValidation) {
		t.Errorf("expected validation error on watermark regression, got %v", err)
	}

	// An older timestamp on a different entity is unaffected.
	if _, err := in.Ingest(ctx, payload("payments-db", base.Add(-time.Minute).Format(time.RFC3339))); err != nil {
		t.Errorf("other entity should have its own watermark: %v", err)
	}

	// Equal timestamps are non-decreasing, so they pass.
	if _, err := in.Ingest(ctx, payload("checkout-api", base.Format(time.RFC3339))); err != nil {
		t.Errorf("equal observed_at should be accepted: %v", err)
	}
}

func TestIngestRollsBackWatermarkOnStoreFailure(t *testing.T) {
	store := &fakeSignalStore{insertErr: errors.New("disk full")}
	in := newTestIngestor(t, store)
	ctx := context.Background()

	base := time.Now().UTC().Add(-10 * time.Minute)
	if _, err := in.Ingest(ctx, payload("checkout-api", base.Format(time.RFC3339))); err == nil {
		t.Fatal("expected store failure to surface")
	}

	store.insertErr = nil
	if _, err := in.Ingest(ctx, payload("checkout-api", base.Format(time.RFC3339))); err != nil {
		t.Errorf("watermark must roll back after failed insert: %v", err)
	}
}

func TestIngestNotifiesSinks(t *testing.T) {
	store := &fakeSignalStore{}
	in := newTestIngestor(t, store)

	var got []models.Signal
	in.AddSink(func(_ context.Context, sig models.Signal) {
		got = append(got, sig)
	})

	observed := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	if _, err := in.Ingest(context.Background(), payload("checkout-api", observed)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(got) != 1 || got[0].Entity != "checkout-api" {
		t.Errorf("sink did not receive the signal: %+v", got)
	}
}

func TestPruneExpiredUsesAuditHorizon(t *testing.T) {
	store := &fakeSignalStore{}
	in := newTestIngestor(t, store)

	n, err := in.PruneExpired(context.Background())
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 3 {
		t.Errorf("pruned = %d, want 3", n)
	}
	wantBefore := time.Now().UTC().Add(-23 * time.Hour)
	if store.pruned.After(wantBefore) {
		t.Errorf("audit horizon too aggressive: cutoff %s", store.pruned)
	}
}
