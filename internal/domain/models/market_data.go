package models

import (
	"fmt"
	"strings"
	"time"
)

// SourceType is the backing-store family a data point came from.
type SourceType string

const (
	SourceRedis      SourceType = "redis"
	SourceClickHouse SourceType = "clickhouse"
	SourcePostgres   SourceType = "postgres"
	SourceKafka      SourceType = "kafka"
	SourceWebSocket  SourceType = "websocket"
	SourceHBase      SourceType = "hbase"
	SourceEOD        SourceType = "eod"
)

var sourceTypes = map[SourceType]struct{}{
	SourceRedis: {}, SourceClickHouse: {}, SourcePostgres: {},
	SourceKafka: {}, SourceWebSocket: {}, SourceHBase: {}, SourceEOD: {},
}

func ParseSourceType(s string) (SourceType, error) {
	st := SourceType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := sourceTypes[st]; !ok {
		return "", fmt.Errorf("unknown source type %q", s)
	}
	return st, nil
}

type DataType string

const (
	DataPrice     DataType = "price"
	DataVolume    DataType = "volume"
	DataTrade     DataType = "trade"
	DataQuote     DataType = "quote"
	DataOrderBook DataType = "order_book"
	DataIndex     DataType = "index"
	DataReference DataType = "reference"
)

func ParseDataType(s string) (DataType, error) {
	dt := DataType(strings.ToLower(strings.TrimSpace(s)))
	switch dt {
	case DataPrice, DataVolume, DataTrade, DataQuote, DataOrderBook, DataIndex, DataReference:
		return dt, nil
	}
	return "", fmt.Errorf("unknown data type %q", s)
}

// PriceLike reports whether a price is expected to be derivable from the payload.
func (d DataType) PriceLike() bool {
	switch d {
	case DataPrice, DataTrade, DataQuote, DataIndex:
		return true
	}
	return false
}

// MarketDataPoint is a single observation from a source.
type MarketDataPoint struct {
	Symbol      string                 `json:"symbol"`
	Timestamp   time.Time              `json:"timestamp"`
	Source      SourceType             `json:"source"`
	SourceName  string                 `json:"source_name,omitempty"`
	DataType    DataType               `json:"data_type"`
	Payload     map[string]interface{} `json:"payload"`
	Price       *float64               `json:"price,omitempty"`
	Volume      *float64               `json:"volume,omitempty"`
	ReceivedAt  time.Time              `json:"received_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
}

// NewMarketDataPoint builds a point from a raw source record. An empty
// dataType is inferred from the payload keys; price and volume are derived
// from the payload when present.
func NewMarketDataPoint(symbol string, ts time.Time, source SourceType, dataType DataType, payload map[string]interface{}) *MarketDataPoint {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	if dataType == "" {
		dataType = InferDataType(payload)
	}
	p := &MarketDataPoint{
		Symbol:     symbol,
		Timestamp:  ts,
		Source:     source,
		DataType:   dataType,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}
	if v, ok := PriceFromPayload(payload); ok {
		p.Price = &v
	}
	if v, ok := VolumeFromPayload(payload); ok {
		p.Volume = &v
	}
	return p
}

// Clone returns a copy that can be stamped without touching p. The payload
// map is shared and must be treated as read-only.
func (p *MarketDataPoint) Clone() *MarketDataPoint {
	if p == nil {
		return nil
	}
	c := *p
	if p.ProcessedAt != nil {
		at := *p.ProcessedAt
		c.ProcessedAt = &at
	}
	return &c
}

// PriceValue returns the price and whether it is set.
func (p *MarketDataPoint) PriceValue() (float64, bool) {
	if p == nil || p.Price == nil {
		return 0, false
	}
	return *p.Price, true
}

// VolumeValue returns the volume and whether it is set.
func (p *MarketDataPoint) VolumeValue() (float64, bool) {
	if p == nil || p.Volume == nil {
		return 0, false
	}
	return *p.Volume, true
}

// Origin is the adapter name when known, otherwise the source kind.
func (p *MarketDataPoint) Origin() string {
	if p.SourceName != "" {
		return p.SourceName
	}
	return string(p.Source)
}

// MarkProcessed stamps processed_at once.
func (p *MarketDataPoint) MarkProcessed(at time.Time) {
	if p.ProcessedAt == nil {
		p.ProcessedAt = &at
	}
}
