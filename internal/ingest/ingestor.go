package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/reliastack/incident-engine/internal/config"
	"github.com/reliastack/incident-engine/internal/metrics"
	"github.com/reliastack/incident-engine/internal/models"
	"github.com/reliastack/incident-engine/internal/utils"
)

// SignalStore is the slice of the persistence layer the ingestor needs.
type SignalStore interface {
	InsertSignal(ctx context.Context, sig models.Signal) error
	PruneSignals(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sink receives every accepted signal. The lifecycle controller registers
// one to watch for reopen-qualifying signals on recently resolved services.
type Sink func(ctx context.Context, sig models.Signal)

// Ingestor validates raw signal payloads against a strict schema,
// normalizes them into Signal records, and appends them to the durable
// per-entity stream.
type Ingestor struct {
	cfg    config.IngestConfig
	store  SignalStore
	schema *jsonschema.Schema
	log    *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	lastObserved map[string]time.Time
	sinks        []Sink
}

type rawSignal struct {
	Kind          string  `json:"kind"`
	SourceType    string  `json:"source_type"`
	Entity        string  `json:"entity"`
	ObservedAt    string  `json:"observed_at"`
	Magnitude     float64 `json:"magnitude"`
	RawValue      float64 `json:"raw_value"`
	BaselineValue float64 `json:"baseline_value"`
	Confidence    float64 `json:"confidence"`
}

// New builds an Ingestor. It fails only if the embedded schema does not
// compile, which would be a programming error.
func New(cfg config.IngestConfig, store SignalStore, log *slog.Logger) (*Ingestor, error) {
	schema, err := compileSignalSchema()
	if err != nil {
		return nil, fmt.Errorf("compile signal schema: %w", err)
	}
	return &Ingestor{
		cfg:          cfg,
		store:        store,
		schema:       schema,
		log:          log,
		now:          time.Now,
		lastObserved: make(map[string]time.Time),
	}, nil
}

// AddSink registers a recipient for accepted signals. Not safe to call
// after ingestion has started.
func (in *Ingestor) AddSink(s Sink) {
	in.sinks = append(in.sinks, s)
}

// Ingest validates and persists one raw signal payload.
func (in *Ingestor) Ingest(ctx context.Context, payload []byte) (models.Signal, error) {
	const op = "ingest.Ingest"

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		in.reject()
		return models.Signal{}, utils.ValidationError(op, "payload is not valid JSON")
	}
	if err := in.schema.Validate(doc); err != nil {
		in.reject()
		return models.Signal{}, utils.ValidationError(op, "schema validation failed: "+err.Error())
	}

	var raw rawSignal
	if err := json.Unmarshal(payload, &raw); err != nil {
		in.reject()
		return models.Signal{}, utils.ValidationError(op, "decode payload: "+err.Error())
	}

	kind := models.SignalKind(raw.Kind)
	if !models.KnownSignalKind(kind) {
		in.reject()
		return models.Signal{}, utils.ValidationError(op, "unknown signal kind "+raw.Kind)
	}

	observedAt, err := utils.ParseRFC3339(raw.ObservedAt)
	if err != nil {
		in.reject()
		return models.Signal{}, utils.ValidationError(op, "observed_at is not RFC 3339: "+raw.ObservedAt)
	}

	now := in.now().UTC()
	if observedAt.After(now.Add(in.cfg.MaxFutureSkew)) {
		in.reject()
		return models.Signal{}, utils.ValidationError(op,
			fmt.Sprintf("observed_at %s is more than %s in the future", observedAt.Format(time.RFC3339), in.cfg.MaxFutureSkew))
	}

	sig := models.Signal{
		ID:            uuid.NewString(),
		Kind:          kind,
		SourceType:    raw.SourceType,
		Entity:        raw.Entity,
		ObservedAt:    observedAt,
		Magnitude:     raw.Magnitude,
		RawValue:      raw.RawValue,
		BaselineValue: raw.BaselineValue,
		Confidence:    raw.Confidence,
		IngestedAt:    now,
	}

	// The per-entity stream is monotonically non-decreasing in observed_at.
	// The watermark is reserved before the write and rolled back on failure
	// so a failed insert does not block subsequent in-order signals.
	in.mu.Lock()
	last, seen := in.lastObserved[sig.Entity]
	if seen && observedAt.Before(last) {
		in.mu.Unlock()
		in.reject()
		return models.Signal{}, utils.ValidationError(op,
			fmt.Sprintf("observed_at %s regresses behind entity watermark %s",
				observedAt.Format(time.RFC3339), last.Format(time.RFC3339)))
	}
	in.lastObserved[sig.Entity] = observedAt
	in.mu.Unlock()

	if err := in.store.InsertSignal(ctx, sig); err != nil {
		in.mu.Lock()
		if seen {
			in.lastObserved[sig.Entity] = last
		} else {
			delete(in.lastObserved, sig.Entity)
		}
		in.mu.Unlock()
		return models.Signal{}, err
	}

	metrics.ObserveSignal(string(sig.Kind))
	in.log.Debug("signal ingested",
		"signal_id", sig.ID,
		"entity", sig.Entity,
		"kind", sig.Kind,
		"magnitude", sig.Magnitude)

	for _, sink := range in.sinks {
		sink(ctx, sig)
	}
	return sig, nil
}

func (in *Ingestor) reject() {
	metrics.ObserveSignalRejected()
}

// Signals older than the retention window are ineligible for correlation
// (the correlator bounds its queries accordingly) but stay readable for
// audit. The pruner only deletes rows well past that point.
const auditRetentionFactor = 24

// PruneExpired deletes signals past the audit horizon.
func (in *Ingestor) PruneExpired(ctx context.Context) (int64, error) {
	cutoff := in.now().UTC().Add(-auditRetentionFactor * in.cfg.RetentionWindow)
	return in.store.PruneSignals(ctx, cutoff)
}

// RunPruner prunes on the given interval until the context is cancelled.
func (in *Ingestor) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := in.PruneExpired(ctx)
			if err != nil {
				in.log.Warn("signal prune failed", "error", err)
				continue
			}
			if n > 0 {
				in.log.Debug("signals pruned", "count", n)
			}
		}
	}
}
