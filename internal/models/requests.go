package models

import "time"

// CreateIncidentRequest is the explicit incident creation payload.
type CreateIncidentRequest struct {
	Title       string   `json:"title" binding:"required"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity" binding:"required"`
	Services    []string `json:"services" binding:"required,min=1"`
	DedupKey    string   `json:"dedup_key"`
}

// PatchIncidentRequest applies a lifecycle transition. Fields are pointers so
// absent and zero-valued inputs stay distinguishable.
type PatchIncidentRequest struct {
	Status     *Status `json:"status,omitempty"`
	RootCause  *string `json:"root_cause,omitempty"`
	Resolution *string `json:"resolution,omitempty"`
}

// TimeRange bounds the signal window for a correlation pass.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// TransitionResult is returned from PATCH: on failure the incident is the
// unchanged aggregate and Reason explains the rejection.
type TransitionResult struct {
	Incident Incident `json:"incident"`
	Applied  bool     `json:"applied"`
	Reason   string   `json:"reason,omitempty"`
}
