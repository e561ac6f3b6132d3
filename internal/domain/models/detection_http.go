package models

import (
	"fmt"

	"MarketSentry/pkg/util"
)

// Requests for detection HTTP endpoints. Defined in domain for consistency and reuse.

// PointRequest is one market data point pushed over HTTP. Timestamps accept
// RFC3339, naive ISO or unix seconds.
type PointRequest struct {
	Symbol     string                 `json:"symbol" validate:"required"`
	Timestamp  string                 `json:"timestamp" validate:"required"`
	Source     string                 `json:"source"`
	SourceName string                 `json:"source_name"`
	DataType   string                 `json:"data_type"`
	Price      *float64               `json:"price"`
	Volume     *float64               `json:"volume"`
	Payload    map[string]interface{} `json:"payload"`
}

// Point converts the request into a domain point. Explicit price and volume
// win over payload keys.
func (r PointRequest) Point() (*MarketDataPoint, error) {
	ts, ok := util.ParseTime(r.Timestamp)
	if !ok {
		return nil, fmt.Errorf("invalid timestamp %q for %s", r.Timestamp, r.Symbol)
	}
	var src SourceType
	if r.Source != "" {
		s, err := ParseSourceType(r.Source)
		if err != nil {
			return nil, err
		}
		src = s
	}
	var dt DataType
	if r.DataType != "" {
		d, err := ParseDataType(r.DataType)
		if err != nil {
			return nil, err
		}
		dt = d
	}
	payload := make(map[string]interface{}, len(r.Payload)+2)
	for k, v := range r.Payload {
		payload[k] = v
	}
	if r.Price != nil {
		payload["price"] = *r.Price
	}
	if r.Volume != nil {
		payload["volume"] = *r.Volume
	}
	p := NewMarketDataPoint(r.Symbol, ts, src, dt, payload)
	p.SourceName = r.SourceName
	return p, nil
}

// PointError names the batch entry that failed to convert.
type PointError struct {
	Index int
	Err   error
}

func (e *PointError) Error() string { return fmt.Sprintf("%s: %v", e.Field(), e.Err) }

func (e *PointError) Unwrap() error { return e.Err }

// Field is the entry's request path, e.g. data[2].
func (e *PointError) Field() string { return fmt.Sprintf("data[%d]", e.Index) }

// Points converts a batch, stopping at the first bad entry with a *PointError.
func Points(reqs []PointRequest) ([]*MarketDataPoint, error) {
	out := make([]*MarketDataPoint, 0, len(reqs))
	for i := range reqs {
		p, err := reqs[i].Point()
		if err != nil {
			return nil, &PointError{Index: i, Err: err}
		}
		out = append(out, p)
	}
	return out, nil
}

type DetectRequest struct {
	Data []PointRequest `json:"data" validate:"required,min=1,dive"`
}

type MissingDataRequest struct {
	Data             []PointRequest `json:"data" validate:"required,min=1,dive"`
	ThresholdMinutes float64        `json:"threshold_minutes" validate:"gte=0"`
}

type PriceMovementRequest struct {
	Data             []PointRequest `json:"data" validate:"required,min=1,dive"`
	ThresholdPercent float64        `json:"threshold_percent" validate:"gte=0"`
	WindowMinutes    float64        `json:"window_minutes" validate:"gte=0"`
}

// TrainRequest trains on the posted data, or on registry history when empty.
type TrainRequest struct {
	Data []PointRequest `json:"data" validate:"omitempty,dive"`
}

type LatestDataRequest struct {
	Symbols string `query:"symbols" json:"symbols"`
	Sources string `query:"sources" json:"sources"`
	Limit   int    `query:"limit" json:"limit" default:"100" validate:"gte=1,lte=10000"`
}
