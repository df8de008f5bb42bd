package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/reliastack/incident-engine/internal/models"
	"github.com/reliastack/incident-engine/internal/utils"
)

// Store is the authoritative SQLite-backed store for incidents, hypotheses,
// timeline events, signals, and SLO state. Lifecycle transitions and their
// timeline appends commit in one transaction; a failed write rolls the whole
// transition back.
type Store struct {
	db *sql.DB
}

// Config controls the SQLite connection.
type Config struct {
	Path        string
	BusyTimeout int
}

// Open opens (and migrates) the store at the configured path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = "incident-engine.db"
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5000
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL", cfg.Path, cfg.BusyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, utils.PersistenceError("store.Open", "open database", err)
	}
	// modernc sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY churn under concurrent transitions.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS incidents (
			id            TEXT PRIMARY KEY,
			title         TEXT NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			severity      TEXT NOT NULL,
			status        TEXT NOT NULL,
			services      TEXT NOT NULL,
			start_time    INTEGER NOT NULL,
			resolved_time INTEGER,
			root_cause    TEXT NOT NULL DEFAULT '',
			impact_score  REAL NOT NULL DEFAULT 0,
			mttr_seconds  INTEGER,
			dedup_key     TEXT,
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_dedup ON incidents(dedup_key) WHERE dedup_key != ''`,
		`CREATE TABLE IF NOT EXISTS hypotheses (
			id                    TEXT PRIMARY KEY,
			incident_id           TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
			title                 TEXT NOT NULL,
			supporting_signal_ids TEXT NOT NULL,
			confidence            REAL NOT NULL,
			is_auto_generated     INTEGER NOT NULL,
			created_at            INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hypotheses_incident ON hypotheses(incident_id)`,
		`CREATE TABLE IF NOT EXISTS timeline_events (
			id          TEXT PRIMARY KEY,
			incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
			sequence    INTEGER NOT NULL,
			occurred_at INTEGER NOT NULL,
			event_type  TEXT NOT NULL,
			actor       TEXT NOT NULL,
			message     TEXT NOT NULL,
			UNIQUE(incident_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id             TEXT PRIMARY KEY,
			kind           TEXT NOT NULL,
			source_type    TEXT NOT NULL,
			entity         TEXT NOT NULL,
			observed_at    INTEGER NOT NULL,
			magnitude      REAL NOT NULL,
			raw_value      REAL NOT NULL,
			baseline_value REAL NOT NULL,
			confidence     REAL NOT NULL,
			ingested_at    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_entity_observed ON signals(entity, observed_at)`,
		`CREATE TABLE IF NOT EXISTS slos (
			id               TEXT PRIMARY KEY,
			service          TEXT NOT NULL,
			name             TEXT NOT NULL,
			metric           TEXT NOT NULL,
			target_value     REAL NOT NULL,
			polarity         TEXT NOT NULL,
			window_days      INTEGER NOT NULL,
			allowed_downtime REAL NOT NULL,
			created_at       INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_slos_service ON slos(service)`,
		`CREATE TABLE IF NOT EXISTS slo_status (
			slo_id              TEXT NOT NULL,
			incident_id         TEXT NOT NULL,
			target_value        REAL NOT NULL,
			actual_value        REAL NOT NULL,
			breach_pct          REAL NOT NULL,
			breached            INTEGER NOT NULL,
			error_budget_burned REAL NOT NULL,
			partial             INTEGER NOT NULL,
			evaluated_at        INTEGER NOT NULL,
			PRIMARY KEY(incident_id, slo_id)
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return utils.PersistenceError("store.migrate", "apply schema", err)
		}
	}
	return nil
}

// CreateIncident inserts a new incident together with its first timeline
// event in one transaction. When dedupKey matches an existing incident the
// existing aggregate is returned unchanged (idempotent create).
func (s *Store) CreateIncident(ctx context.Context, inc models.Incident, dedupKey string, first models.TimelineEvent) (models.Incident, error) {
	if dedupKey != "" {
		existing, err := s.findByDedupKey(ctx, dedupKey)
		if err == nil {
			return existing, nil
		}
		if !utils.IsKind(err, utils.KindNotFound) {
			return models.Incident{}, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Incident{}, utils.PersistenceError("store.CreateIncident", "begin", err)
	}
	defer tx.Rollback()

	services, err := json.Marshal(inc.Services)
	if err != nil {
		return models.Incident{}, utils.PersistenceError("store.CreateIncident", "encode services", err)
	}

	now := time.Now().UTC()
	inc.CreatedAt = now
	inc.UpdatedAt = now
	_, err = tx.ExecContext(ctx, `
		INSERT INTO incidents (id, title, description, severity, status, services, start_time, resolved_time, root_cause, impact_score, mttr_seconds, dedup_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, NULL, ?, ?, ?)`,
		inc.ID, inc.Title, inc.Description, string(inc.Severity), string(inc.Status), string(services),
		inc.StartTime.UnixNano(), inc.RootCause, inc.ImpactScore, dedupKey, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return models.Incident{}, utils.PersistenceError("store.CreateIncident", "insert incident", err)
	}

	if _, err := appendEventTx(ctx, tx, inc.ID, first); err != nil {
		return models.Incident{}, err
	}

	if err := tx.Commit(); err != nil {
		return models.Incident{}, utils.PersistenceError("store.CreateIncident", "commit", err)
	}
	return inc, nil
}

// GetIncident loads an incident aggregate row by id.
func (s *Store) GetIncident(ctx context.Context, id string) (models.Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, severity, status, services, start_time, resolved_time, root_cause, impact_score, mttr_seconds, created_at, updated_at
		FROM incidents WHERE id = ?`, id)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Incident{}, utils.NotFoundError("store.GetIncident", "incident "+id+" not found")
	}
	return inc, err
}

func (s *Store) findByDedupKey(ctx context.Context, key string) (models.Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, severity, status, services, start_time, resolved_time, root_cause, impact_score, mttr_seconds, created_at, updated_at
		FROM incidents WHERE dedup_key = ?`, key)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Incident{}, utils.NotFoundError("store.findByDedupKey", "no incident for dedup key")
	}
	return inc, err
}

// ListIncidentsByStatus returns incidents in any of the given states,
// newest first.
func (s *Store) ListIncidentsByStatus(ctx context.Context, statuses ...models.Status) ([]models.Incident, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `
		SELECT id, title, description, severity, status, services, start_time, resolved_time, root_cause, impact_score, mttr_seconds, created_at, updated_at
		FROM incidents WHERE status IN (`
	args := make([]any, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, string(st))
	}
	query += `) ORDER BY start_time DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.PersistenceError("store.ListIncidentsByStatus", "query", err)
	}
	defer rows.Close()
	return collectIncidents(rows)
}

// Transition loads the incident, applies the mutation, persists it, and
// appends the supplied timeline events, all in one transaction. The apply
// function returning an error aborts the transition with no visible effect.
// The stored events come back with their assigned sequences.
func (s *Store) Transition(ctx context.Context, incidentID string, apply func(*models.Incident) error, events ...models.TimelineEvent) (models.Incident, []models.TimelineEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Incident{}, nil, utils.PersistenceError("store.Transition", "begin", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, title, description, severity, status, services, start_time, resolved_time, root_cause, impact_score, mttr_seconds, created_at, updated_at
		FROM incidents WHERE id = ?`, incidentID)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Incident{}, nil, utils.NotFoundError("store.Transition", "incident "+incidentID+" not found")
	}
	if err != nil {
		return models.Incident{}, nil, err
	}

	if err := apply(&inc); err != nil {
		return inc, nil, err
	}

	services, err := json.Marshal(inc.Services)
	if err != nil {
		return models.Incident{}, nil, utils.PersistenceError("store.Transition", "encode services", err)
	}
	inc.UpdatedAt = time.Now().UTC()

	var resolved sql.NullInt64
	if inc.ResolvedTime != nil {
		resolved = sql.NullInt64{Int64: inc.ResolvedTime.UnixNano(), Valid: true}
	}
	var mttr sql.NullInt64
	if inc.MTTRSeconds != nil {
		mttr = sql.NullInt64{Int64: *inc.MTTRSeconds, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE incidents SET title=?, description=?, severity=?, status=?, services=?, resolved_time=?, root_cause=?, impact_score=?, mttr_seconds=?, updated_at=?
		WHERE id=?`,
		inc.Title, inc.Description, string(inc.Severity), string(inc.Status), string(services),
		resolved, inc.RootCause, inc.ImpactScore, mttr, inc.UpdatedAt.UnixNano(), inc.ID,
	)
	if err != nil {
		return models.Incident{}, nil, utils.PersistenceError("store.Transition", "update incident", err)
	}

	stored := make([]models.TimelineEvent, 0, len(events))
	for _, ev := range events {
		appended, err := appendEventTx(ctx, tx, inc.ID, ev)
		if err != nil {
			return models.Incident{}, nil, err
		}
		stored = append(stored, appended)
	}

	if err := tx.Commit(); err != nil {
		return models.Incident{}, nil, utils.PersistenceError("store.Transition", "commit", err)
	}
	return inc, stored, nil
}

// SetImpactScore stores the derived 0-10 impact score for an incident. The
// score is advisory, so it bypasses the transition machinery.
func (s *Store) SetImpactScore(ctx context.Context, incidentID string, score float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET impact_score=?, updated_at=? WHERE id=?`,
		score, time.Now().UTC().UnixNano(), incidentID)
	if err != nil {
		return utils.PersistenceError("store.SetImpactScore", "update", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return utils.NotFoundError("store.SetImpactScore", "incident "+incidentID+" not found")
	}
	return nil
}

// AppendEvents appends timeline events outside of a lifecycle transition
// (post-mortem notes, SLO breach markers). Sequences are assigned here, in
// the persistence layer, so they stay gapless under concurrent appends.
func (s *Store) AppendEvents(ctx context.Context, incidentID string, events ...models.TimelineEvent) ([]models.TimelineEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, utils.PersistenceError("store.AppendEvents", "begin", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM incidents WHERE id = ?`, incidentID).Scan(&exists); err != nil {
		return nil, utils.PersistenceError("store.AppendEvents", "check incident", err)
	}
	if exists == 0 {
		return nil, utils.NotFoundError("store.AppendEvents", "incident "+incidentID+" not found")
	}

	appended := make([]models.TimelineEvent, 0, len(events))
	for _, ev := range events {
		stored, err := appendEventTx(ctx, tx, incidentID, ev)
		if err != nil {
			return nil, err
		}
		appended = append(appended, stored)
	}

	if err := tx.Commit(); err != nil {
		return nil, utils.PersistenceError("store.AppendEvents", "commit", err)
	}
	return appended, nil
}

func appendEventTx(ctx context.Context, tx *sql.Tx, incidentID string, ev models.TimelineEvent) (models.TimelineEvent, error) {
	var maxSeq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM timeline_events WHERE incident_id = ?`, incidentID,
	).Scan(&maxSeq); err != nil {
		return ev, utils.PersistenceError("store.appendEvent", "next sequence", err)
	}

	ev.IncidentID = incidentID
	ev.Sequence = maxSeq + 1
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO timeline_events (id, incident_id, sequence, occurred_at, event_type, actor, message)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.IncidentID, ev.Sequence, ev.OccurredAt.UnixNano(), string(ev.EventType), string(ev.Actor), ev.Message,
	)
	if err != nil {
		return ev, utils.PersistenceError("store.appendEvent", "insert event", err)
	}
	return ev, nil
}

// ListTimeline returns all events for an incident ordered by
// (occurred_at, sequence).
func (s *Store) ListTimeline(ctx context.Context, incidentID string) ([]models.TimelineEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, incident_id, sequence, occurred_at, event_type, actor, message
		FROM timeline_events WHERE incident_id = ?
		ORDER BY occurred_at ASC, sequence ASC`, incidentID)
	if err != nil {
		return nil, utils.PersistenceError("store.ListTimeline", "query", err)
	}
	defer rows.Close()

	var events []models.TimelineEvent
	for rows.Next() {
		var (
			ev         models.TimelineEvent
			occurredAt int64
			eventType  string
			actor      string
		)
		if err := rows.Scan(&ev.ID, &ev.IncidentID, &ev.Sequence, &occurredAt, &eventType, &actor, &ev.Message); err != nil {
			return nil, utils.PersistenceError("store.ListTimeline", "scan", err)
		}
		ev.OccurredAt = time.Unix(0, occurredAt).UTC()
		ev.EventType = models.EventType(eventType)
		ev.Actor = models.Actor(actor)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// InsertHypotheses stores the hypotheses emitted by one correlation pass.
func (s *Store) InsertHypotheses(ctx context.Context, hyps ...models.Hypothesis) error {
	if len(hyps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.PersistenceError("store.InsertHypotheses", "begin", err)
	}
	defer tx.Rollback()

	for _, h := range hyps {
		ids, err := json.Marshal(h.SupportingSignalIDs)
		if err != nil {
			return utils.PersistenceError("store.InsertHypotheses", "encode signal ids", err)
		}
		auto := 0
		if h.IsAutoGenerated {
			auto = 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO hypotheses (id, incident_id, title, supporting_signal_ids, confidence, is_auto_generated, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			h.ID, h.IncidentID, h.Title, string(ids), h.Confidence, auto, h.CreatedAt.UnixNano(),
		); err != nil {
			return utils.PersistenceError("store.InsertHypotheses", "insert", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return utils.PersistenceError("store.InsertHypotheses", "commit", err)
	}
	return nil
}

// ListHypotheses returns an incident's hypotheses ordered by confidence
// descending, then most recent first.
func (s *Store) ListHypotheses(ctx context.Context, incidentID string) ([]models.Hypothesis, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, incident_id, title, supporting_signal_ids, confidence, is_auto_generated, created_at
		FROM hypotheses WHERE incident_id = ?
		ORDER BY confidence DESC, created_at DESC`, incidentID)
	if err != nil {
		return nil, utils.PersistenceError("store.ListHypotheses", "query", err)
	}
	defer rows.Close()

	var hyps []models.Hypothesis
	for rows.Next() {
		var (
			h         models.Hypothesis
			ids       string
			auto      int
			createdAt int64
		)
		if err := rows.Scan(&h.ID, &h.IncidentID, &h.Title, &ids, &h.Confidence, &auto, &createdAt); err != nil {
			return nil, utils.PersistenceError("store.ListHypotheses", "scan", err)
		}
		if err := json.Unmarshal([]byte(ids), &h.SupportingSignalIDs); err != nil {
			return nil, utils.PersistenceError("store.ListHypotheses", "decode signal ids", err)
		}
		h.IsAutoGenerated = auto == 1
		h.CreatedAt = time.Unix(0, createdAt).UTC()
		hyps = append(hyps, h)
	}
	return hyps, rows.Err()
}

// InsertSignal appends a signal to the durable stream.
func (s *Store) InsertSignal(ctx context.Context, sig models.Signal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (id, kind, source_type, entity, observed_at, magnitude, raw_value, baseline_value, confidence, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, string(sig.Kind), sig.SourceType, sig.Entity, sig.ObservedAt.UnixNano(),
		sig.Magnitude, sig.RawValue, sig.BaselineValue, sig.Confidence, sig.IngestedAt.UnixNano(),
	)
	if err != nil {
		return utils.PersistenceError("store.InsertSignal", "insert", err)
	}
	return nil
}

// ListSignals returns signals for the given entities observed within
// [since, until], oldest first. An empty entity list returns nothing.
func (s *Store) ListSignals(ctx context.Context, entities []string, since, until time.Time) ([]models.Signal, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	query := `
		SELECT id, kind, source_type, entity, observed_at, magnitude, raw_value, baseline_value, confidence, ingested_at
		FROM signals WHERE entity IN (`
	args := make([]any, 0, len(entities)+2)
	for i, e := range entities {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, e)
	}
	query += `) AND observed_at >= ? AND observed_at <= ? ORDER BY observed_at ASC`
	args = append(args, since.UnixNano(), until.UnixNano())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.PersistenceError("store.ListSignals", "query", err)
	}
	defer rows.Close()

	var signals []models.Signal
	for rows.Next() {
		var (
			sig        models.Signal
			kind       string
			observedAt int64
			ingestedAt int64
		)
		if err := rows.Scan(&sig.ID, &kind, &sig.SourceType, &sig.Entity, &observedAt,
			&sig.Magnitude, &sig.RawValue, &sig.BaselineValue, &sig.Confidence, &ingestedAt); err != nil {
			return nil, utils.PersistenceError("store.ListSignals", "scan", err)
		}
		sig.Kind = models.SignalKind(kind)
		sig.ObservedAt = time.Unix(0, observedAt).UTC()
		sig.IngestedAt = time.Unix(0, ingestedAt).UTC()
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// PruneSignals deletes signals observed before the cutoff and reports how
// many rows were removed.
func (s *Store) PruneSignals(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM signals WHERE observed_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, utils.PersistenceError("store.PruneSignals", "delete", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetSignals resolves signals by id, silently skipping unknown references so
// a stale reference never aborts a correlation pass.
func (s *Store) GetSignals(ctx context.Context, ids []string) ([]models.Signal, []string, error) {
	found := make([]models.Signal, 0, len(ids))
	var missing []string
	for _, id := range ids {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, kind, source_type, entity, observed_at, magnitude, raw_value, baseline_value, confidence, ingested_at
			FROM signals WHERE id = ?`, id)
		var (
			sig        models.Signal
			kind       string
			observedAt int64
			ingestedAt int64
		)
		err := row.Scan(&sig.ID, &kind, &sig.SourceType, &sig.Entity, &observedAt,
			&sig.Magnitude, &sig.RawValue, &sig.BaselineValue, &sig.Confidence, &ingestedAt)
		if errors.Is(err, sql.ErrNoRows) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, nil, utils.PersistenceError("store.GetSignals", "scan", err)
		}
		sig.Kind = models.SignalKind(kind)
		sig.ObservedAt = time.Unix(0, observedAt).UTC()
		sig.IngestedAt = time.Unix(0, ingestedAt).UTC()
		found = append(found, sig)
	}
	return found, missing, nil
}

// InsertSLO registers an objective for a service.
func (s *Store) InsertSLO(ctx context.Context, slo models.SLO) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO slos (id, service, name, metric, target_value, polarity, window_days, allowed_downtime, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		slo.ID, slo.Service, slo.Name, slo.Metric, slo.TargetValue, string(slo.Polarity),
		slo.WindowDays, slo.AllowedDowntime, slo.CreatedAt.UnixNano(),
	)
	if err != nil {
		return utils.PersistenceError("store.InsertSLO", "insert", err)
	}
	return nil
}

// ListSLOsForServices returns all objectives bound to the given services.
func (s *Store) ListSLOsForServices(ctx context.Context, services []string) ([]models.SLO, error) {
	if len(services) == 0 {
		return nil, nil
	}
	query := `
		SELECT id, service, name, metric, target_value, polarity, window_days, allowed_downtime, created_at
		FROM slos WHERE service IN (`
	args := make([]any, 0, len(services))
	for i, svc := range services {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, svc)
	}
	query += `) ORDER BY service, name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.PersistenceError("store.ListSLOsForServices", "query", err)
	}
	defer rows.Close()

	var slos []models.SLO
	for rows.Next() {
		var (
			slo       models.SLO
			polarity  string
			createdAt int64
		)
		if err := rows.Scan(&slo.ID, &slo.Service, &slo.Name, &slo.Metric, &slo.TargetValue,
			&polarity, &slo.WindowDays, &slo.AllowedDowntime, &createdAt); err != nil {
			return nil, utils.PersistenceError("store.ListSLOsForServices", "scan", err)
		}
		slo.Polarity = models.SLOPolarity(polarity)
		slo.CreatedAt = time.Unix(0, createdAt).UTC()
		slos = append(slos, slo)
	}
	return slos, rows.Err()
}

// UpsertSLOStatus stores the latest evaluation snapshot per (incident, slo).
func (s *Store) UpsertSLOStatus(ctx context.Context, st models.SLOStatus) error {
	breached := 0
	if st.Breached {
		breached = 1
	}
	partial := 0
	if st.Partial {
		partial = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO slo_status (slo_id, incident_id, target_value, actual_value, breach_pct, breached, error_budget_burned, partial, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(incident_id, slo_id) DO UPDATE SET
			target_value=excluded.target_value,
			actual_value=excluded.actual_value,
			breach_pct=excluded.breach_pct,
			breached=excluded.breached,
			error_budget_burned=excluded.error_budget_burned,
			partial=excluded.partial,
			evaluated_at=excluded.evaluated_at`,
		st.SLOID, st.IncidentID, st.TargetValue, st.ActualValue, st.BreachPct,
		breached, st.ErrorBudgetBurned, partial, st.EvaluatedAt.UnixNano(),
	)
	if err != nil {
		return utils.PersistenceError("store.UpsertSLOStatus", "upsert", err)
	}
	return nil
}

// ListSLOStatus returns the latest snapshots for an incident.
func (s *Store) ListSLOStatus(ctx context.Context, incidentID string) ([]models.SLOStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT slo_id, incident_id, target_value, actual_value, breach_pct, breached, error_budget_burned, partial, evaluated_at
		FROM slo_status WHERE incident_id = ? ORDER BY slo_id`, incidentID)
	if err != nil {
		return nil, utils.PersistenceError("store.ListSLOStatus", "query", err)
	}
	defer rows.Close()

	var statuses []models.SLOStatus
	for rows.Next() {
		var (
			st          models.SLOStatus
			breached    int
			partial     int
			evaluatedAt int64
		)
		if err := rows.Scan(&st.SLOID, &st.IncidentID, &st.TargetValue, &st.ActualValue,
			&st.BreachPct, &breached, &st.ErrorBudgetBurned, &partial, &evaluatedAt); err != nil {
			return nil, utils.PersistenceError("store.ListSLOStatus", "scan", err)
		}
		st.Breached = breached == 1
		st.Partial = partial == 1
		st.EvaluatedAt = time.Unix(0, evaluatedAt).UTC()
		statuses = append(statuses, st)
	}
	return statuses, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (models.Incident, error) {
	var (
		inc       models.Incident
		severity  string
		status    string
		services  string
		startTime int64
		resolved  sql.NullInt64
		mttr      sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&inc.ID, &inc.Title, &inc.Description, &severity, &status, &services,
		&startTime, &resolved, &inc.RootCause, &inc.ImpactScore, &mttr, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return inc, err
		}
		return inc, utils.PersistenceError("store.scanIncident", "scan", err)
	}
	inc.Severity = models.Severity(severity)
	inc.Status = models.Status(status)
	if err := json.Unmarshal([]byte(services), &inc.Services); err != nil {
		return inc, utils.PersistenceError("store.scanIncident", "decode services", err)
	}
	inc.StartTime = time.Unix(0, startTime).UTC()
	if resolved.Valid {
		t := time.Unix(0, resolved.Int64).UTC()
		inc.ResolvedTime = &t
	}
	if mttr.Valid {
		v := mttr.Int64
		inc.MTTRSeconds = &v
	}
	inc.CreatedAt = time.Unix(0, createdAt).UTC()
	inc.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return inc, nil
}

func collectIncidents(rows *sql.Rows) ([]models.Incident, error) {
	var incidents []models.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}
