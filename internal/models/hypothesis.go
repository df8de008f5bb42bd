package models

import "time"

// Hypothesis is a scored candidate root cause built from a cluster of
// correlated signals. Confidence is a pure function of the supporting
// signals and is never mutated after creation; superseding hypotheses
// are appended, not edited.
type Hypothesis struct {
	ID                  string    `json:"id"`
	IncidentID          string    `json:"incident_id"`
	Title               string    `json:"title"`
	SupportingSignalIDs []string  `json:"supporting_signal_ids"`
	Confidence          float64   `json:"confidence"`
	IsAutoGenerated     bool      `json:"is_auto_generated"`
	CreatedAt           time.Time `json:"created_at"`
}

// CorrelationOutcome bundles the hypotheses produced by one correlation pass.
// Partial marks passes degraded by upstream timeouts; callers get whatever
// was found rather than an error.
type CorrelationOutcome struct {
	IncidentID string       `json:"incident_id"`
	Hypotheses []Hypothesis `json:"hypotheses"`
	Partial    bool         `json:"partial"`
	RanAt      time.Time    `json:"ran_at"`
}
