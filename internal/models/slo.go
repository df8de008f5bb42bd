package models

import "time"

// SLOPolarity states which direction of deviation counts as a breach.
type SLOPolarity string

const (
	// PolarityHigherIsBetter fits availability and uptime objectives:
	// the SLO breaches when the actual value drops below target.
	PolarityHigherIsBetter SLOPolarity = "higher_is_better"
	// PolarityLowerIsBetter fits latency and error-rate objectives:
	// the SLO breaches when the actual value rises above target.
	PolarityLowerIsBetter SLOPolarity = "lower_is_better"
)

// SLO is a configured objective bound to a service entity.
type SLO struct {
	ID              string      `json:"id"`
	Service         string      `json:"service"`
	Name            string      `json:"name"`
	Metric          string      `json:"metric"`
	TargetValue     float64     `json:"target_value"`
	Polarity        SLOPolarity `json:"polarity"`
	WindowDays      int         `json:"window_days"`
	AllowedDowntime float64     `json:"allowed_downtime_seconds"`
	CreatedAt       time.Time   `json:"created_at"`
}

// SLOStatus is a point-in-time evaluation of one SLO against an incident.
type SLOStatus struct {
	SLOID             string    `json:"slo_id"`
	IncidentID        string    `json:"incident_id"`
	TargetValue       float64   `json:"target_value"`
	ActualValue       float64   `json:"actual_value"`
	BreachPct         float64   `json:"breach_pct"`
	Breached          bool      `json:"breached"`
	ErrorBudgetBurned float64   `json:"error_budget_burned"`
	Partial           bool      `json:"partial"`
	EvaluatedAt       time.Time `json:"evaluated_at"`
}

// BusinessImpact is a derived estimate, never a measurement. Estimate is
// always true so downstream consumers cannot mistake it for ground truth.
type BusinessImpact struct {
	IncidentID    string  `json:"incident_id"`
	AffectedUsers int64   `json:"affected_users"`
	RevenueAtRisk float64 `json:"revenue_at_risk"`
	Estimate      bool    `json:"estimate"`
}

// ImpactReport bundles per-SLO evaluations with the business estimate.
type ImpactReport struct {
	IncidentID  string         `json:"incident_id"`
	Statuses    []SLOStatus    `json:"statuses"`
	Impact      BusinessImpact `json:"impact"`
	EvaluatedAt time.Time      `json:"evaluated_at"`
}
