package models

import "time"

// SignalKind enumerates the normalized observation categories.
type SignalKind string

const (
	SignalMetricAnomaly      SignalKind = "metric_anomaly"
	SignalLogPattern         SignalKind = "log_pattern"
	SignalResourceExhaustion SignalKind = "resource_exhaustion"
	SignalTraceAnomaly       SignalKind = "trace_anomaly"
)

// KnownSignalKind reports whether kind is one of the accepted enum values.
func KnownSignalKind(kind SignalKind) bool {
	switch kind {
	case SignalMetricAnomaly, SignalLogPattern, SignalResourceExhaustion, SignalTraceAnomaly:
		return true
	}
	return false
}

// Signal is a single normalized observation from a metrics, log, trace, or
// resource backend. Signals are owned by the ingestion stream; incidents
// reference them by id only.
type Signal struct {
	ID            string     `json:"id"`
	Kind          SignalKind `json:"kind"`
	SourceType    string     `json:"source_type"`
	Entity        string     `json:"entity"`
	ObservedAt    time.Time  `json:"observed_at"`
	Magnitude     float64    `json:"magnitude"`
	RawValue      float64    `json:"raw_value"`
	BaselineValue float64    `json:"baseline_value"`
	Confidence    float64    `json:"confidence"`
	IngestedAt    time.Time  `json:"ingested_at"`
}
