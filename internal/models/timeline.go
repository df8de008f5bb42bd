package models

import "time"

// EventType enumerates timeline event categories.
type EventType string

const (
	EventDetection          EventType = "detection"
	EventInvestigation      EventType = "investigation"
	EventCorrelationStarted EventType = "correlation_started"
	EventCorrelationResult  EventType = "correlation_result"
	EventSLOBreach          EventType = "slo_breach"
	EventMitigation         EventType = "mitigation"
	EventResolution         EventType = "resolution"
	EventReopened           EventType = "reopened"
	EventNote               EventType = "note"
)

// Actor identifies who or what produced a timeline event.
type Actor string

const (
	ActorUser              Actor = "user"
	ActorSystem            Actor = "system"
	ActorCorrelationEngine Actor = "correlation_engine"
	ActorSLOSystem         Actor = "slo_system"
)

// TimelineEvent is an immutable, ordered fact about an incident. Sequence is
// assigned by the store per incident, strictly increasing and gapless from 1.
// Events are totally ordered by (occurred_at, sequence), sequence breaking ties.
type TimelineEvent struct {
	ID         string    `json:"id"`
	IncidentID string    `json:"incident_id"`
	Sequence   int64     `json:"sequence"`
	OccurredAt time.Time `json:"occurred_at"`
	EventType  EventType `json:"event_type"`
	Actor      Actor     `json:"actor"`
	Message    string    `json:"message"`
}
