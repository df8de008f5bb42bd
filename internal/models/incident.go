package models

import "time"

// Status captures the lifecycle state of an incident.
type Status string

const (
	StatusDetected            Status = "detected"
	StatusInvestigating       Status = "investigating"
	StatusRootCauseIdentified Status = "root_cause_identified"
	StatusMitigating          Status = "mitigating"
	StatusResolved            Status = "resolved"
	StatusReopened            Status = "reopened"
)

// KnownStatus reports whether s is a valid lifecycle state.
func KnownStatus(s Status) bool {
	switch s {
	case StatusDetected, StatusInvestigating, StatusRootCauseIdentified,
		StatusMitigating, StatusResolved, StatusReopened:
		return true
	}
	return false
}

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// KnownSeverity reports whether s is a valid severity.
func KnownSeverity(s Severity) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Incident is the aggregate root. It exclusively owns its hypotheses and
// timeline events; mutation happens only through lifecycle transitions.
type Incident struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Severity     Severity   `json:"severity"`
	Status       Status     `json:"status"`
	Services     []string   `json:"services"`
	StartTime    time.Time  `json:"start_time"`
	ResolvedTime *time.Time `json:"resolved_time,omitempty"`
	RootCause    string     `json:"root_cause,omitempty"`
	ImpactScore  float64    `json:"impact_score"`
	MTTRSeconds  *int64     `json:"mttr_seconds,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// HasService reports whether the incident declares the given entity.
func (i *Incident) HasService(entity string) bool {
	for _, s := range i.Services {
		if s == entity {
			return true
		}
	}
	return false
}

// Resolved reports whether the incident reached its terminal state.
func (i *Incident) Resolved() bool {
	return i.Status == StatusResolved
}
