package models

import (
	"fmt"
	"strings"
	"time"
)

// Severity is ordered: SeverityLow < SeverityMedium < SeverityHigh < SeverityCritical.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

type AnomalyType string

const (
	AnomalyMissingData   AnomalyType = "missing_data"
	AnomalyPriceMovement AnomalyType = "price_movement"
	AnomalyDataStale     AnomalyType = "data_stale"
	AnomalyVolumeSpike   AnomalyType = "volume_spike"
	AnomalyDataQuality   AnomalyType = "data_quality"
	AnomalyMLDetected    AnomalyType = "ml_detected"
)

// ZScoreType names the z-score anomaly for a metric column, e.g. price_zscore.
func ZScoreType(metric string) AnomalyType {
	return AnomalyType(metric + "_zscore")
}

func ParseAnomalyType(s string) (AnomalyType, error) {
	at := AnomalyType(strings.ToLower(strings.TrimSpace(s)))
	switch at {
	case AnomalyMissingData, AnomalyPriceMovement, AnomalyDataStale,
		AnomalyVolumeSpike, AnomalyDataQuality, AnomalyMLDetected:
		return at, nil
	}
	if metric, ok := strings.CutSuffix(string(at), "_zscore"); ok && metric != "" {
		return at, nil
	}
	return "", fmt.Errorf("unknown anomaly type %q", s)
}

// Anomaly is immutable after creation apart from the acknowledge and
// resolve fields.
type Anomaly struct {
	ID             string                 `json:"id"`
	Symbol         string                 `json:"symbol"`
	Type           AnomalyType            `json:"anomaly_type"`
	Severity       Severity               `json:"severity"`
	DetectedAt     time.Time              `json:"detected_at"`
	DataTimestamp  time.Time              `json:"data_timestamp"`
	Description    string                 `json:"description"`
	Details        map[string]interface{} `json:"details"`
	DataSource     string                 `json:"data_source"`
	SourceName     string                 `json:"source_name,omitempty"`
	DataType       DataType               `json:"data_type"`
	ExpectedValue  *float64               `json:"expected_value,omitempty"`
	ActualValue    *float64               `json:"actual_value,omitempty"`
	ThresholdValue *float64               `json:"threshold_value,omitempty"`
	Acknowledged   bool                   `json:"acknowledged"`
	Resolved       bool                   `json:"resolved"`
	ResolvedAt     *time.Time             `json:"resolved_at,omitempty"`
}

// NewAnomaly stamps DetectedAt with now and clamps the data timestamp so it
// never lies in the future.
func NewAnomaly(p *MarketDataPoint, typ AnomalyType, sev Severity, desc string, details map[string]interface{}) *Anomaly {
	now := time.Now()
	a := &Anomaly{
		Symbol:      p.Symbol,
		Type:        typ,
		Severity:    sev,
		DetectedAt:  now,
		Description: desc,
		Details:     details,
		DataSource:  string(p.Source),
		SourceName:  p.SourceName,
		DataType:    p.DataType,
	}
	a.DataTimestamp = p.Timestamp
	if a.DataTimestamp.After(now) {
		a.DataTimestamp = now
	}
	if a.Details == nil {
		a.Details = map[string]interface{}{}
	}
	return a
}

// WithValues sets expected, actual and threshold; nil leaves a value unset.
func (a *Anomaly) WithValues(expected, actual, threshold *float64) *Anomaly {
	a.ExpectedValue = expected
	a.ActualValue = actual
	a.ThresholdValue = threshold
	return a
}

func (a *Anomaly) Acknowledge() {
	a.Acknowledged = true
}

// Resolve marks the anomaly resolved once; later calls keep the first time.
func (a *Anomaly) Resolve(at time.Time) {
	if a.Resolved {
		return
	}
	a.Resolved = true
	a.ResolvedAt = &at
}

// Float returns a pointer to v, for the optional numeric fields.
func Float(v float64) *float64 {
	return &v
}
