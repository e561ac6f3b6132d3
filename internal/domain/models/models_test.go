package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestPriceHeuristicOrder(t *testing.T) {
	cases := []struct {
		payload map[string]interface{}
		want    float64
		ok      bool
	}{
		{map[string]interface{}{"price": 10.5, "close": 9.0}, 10.5, true},
		{map[string]interface{}{"last_price": "101.25"}, 101.25, true},
		{map[string]interface{}{"close": json.Number("42")}, 42, true},
		{map[string]interface{}{"value": 7}, 7, true},
		{map[string]interface{}{"price": "n/a", "close": 3.0}, 3.0, true},
		{map[string]interface{}{"bid": 1.0}, 0, false},
	}
	for i, c := range cases {
		got, ok := PriceFromPayload(c.payload)
		if ok != c.ok || got != c.want {
			t.Errorf("case %d: got (%v, %v), want (%v, %v)", i, got, ok, c.want, c.ok)
		}
	}
}

func TestInferDataType(t *testing.T) {
	cases := map[DataType]map[string]interface{}{
		DataQuote:     {"bid": 1.0, "ask": 1.1},
		DataTrade:     {"trade_price": 5.0},
		DataVolume:    {"volume": 100.0, "price": 3.0},
		DataPrice:     {"close": 3.0},
		DataReference: {"isin": "US0378331005"},
	}
	for want, payload := range cases {
		if got := InferDataType(payload); got != want {
			t.Errorf("InferDataType(%v) = %s, want %s", payload, got, want)
		}
	}
}

func TestNewMarketDataPointDerivesFields(t *testing.T) {
	ts := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	p := NewMarketDataPoint("AAPL", ts, SourceRedis, "", map[string]interface{}{"price": 150.0, "volume": "1200"})

	if p.DataType != DataVolume {
		t.Errorf("data type = %s", p.DataType)
	}
	if v, ok := p.PriceValue(); !ok || v != 150 {
		t.Errorf("price = %v, %v", v, ok)
	}
	if v, ok := p.VolumeValue(); !ok || v != 1200 {
		t.Errorf("volume = %v, %v", v, ok)
	}
	if p.ReceivedAt.IsZero() {
		t.Errorf("received_at not set")
	}
}

func TestSeverityOrderingAndText(t *testing.T) {
	if !(SeverityLow < SeverityMedium && SeverityMedium < SeverityHigh && SeverityHigh < SeverityCritical) {
		t.Fatalf("severity ordering broken")
	}
	b, err := json.Marshal(struct{ S Severity }{SeverityHigh})
	if err != nil || string(b) != `{"S":"high"}` {
		t.Fatalf("marshal = %s, %v", b, err)
	}
	if _, err := ParseSeverity("urgent"); err == nil {
		t.Fatalf("expected error for unknown severity")
	}
}

func TestParseAnomalyType(t *testing.T) {
	for _, s := range []string{"missing_data", "price_zscore", "volume_zscore", "ml_detected"} {
		if _, err := ParseAnomalyType(s); err != nil {
			t.Errorf("ParseAnomalyType(%q): %v", s, err)
		}
	}
	for _, s := range []string{"", "_zscore", "outage"} {
		if _, err := ParseAnomalyType(s); err == nil {
			t.Errorf("ParseAnomalyType(%q) should fail", s)
		}
	}
}

func TestAnomalyLifecycle(t *testing.T) {
	future := time.Now().Add(time.Hour)
	p := &MarketDataPoint{Symbol: "AAPL", Timestamp: future, Source: SourceKafka}
	a := NewAnomaly(p, AnomalyDataQuality, SeverityMedium, "x", nil)

	if a.DataTimestamp.After(a.DetectedAt) {
		t.Fatalf("data timestamp %v after detected %v", a.DataTimestamp, a.DetectedAt)
	}

	first := time.Now()
	a.Acknowledge()
	a.Resolve(first)
	a.Resolve(first.Add(time.Minute))
	if !a.Acknowledged || !a.Resolved || !a.ResolvedAt.Equal(first) {
		t.Fatalf("lifecycle = %+v", a)
	}
}

func TestMarketSessionOpen(t *testing.T) {
	s := MarketSession{OpenMinute: 9*60 + 30, CloseMinute: 16 * 60, Location: time.UTC}
	tue := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	if !s.Open(tue) {
		t.Errorf("expected open at %v", tue)
	}
	if s.Open(tue.Add(7 * time.Hour)) {
		t.Errorf("expected closed after 16:00")
	}
	if s.Open(time.Date(2024, 1, 6, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("expected closed on Saturday")
	}
}

func TestPointRequestConversion(t *testing.T) {
	price := 101.5
	req := PointRequest{
		Symbol:     "MSFT",
		Timestamp:  "2024-03-05T14:30:00Z",
		Source:     "Kafka",
		SourceName: "ticks",
		Price:      &price,
		Payload:    map[string]interface{}{"price": 99.0, "exchange": "XNAS"},
	}
	p, err := req.Point()
	if err != nil {
		t.Fatal(err)
	}
	if p.Source != SourceKafka || p.SourceName != "ticks" || p.Origin() != "ticks" {
		t.Errorf("source = %s/%s", p.Source, p.SourceName)
	}
	if v, _ := p.PriceValue(); v != 101.5 {
		t.Errorf("explicit price lost: %v", v)
	}
	if req.Payload["price"] != 99.0 {
		t.Error("request payload mutated")
	}
	if !p.Timestamp.Equal(time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)) {
		t.Errorf("timestamp = %v", p.Timestamp)
	}

	_, err = Points([]PointRequest{req, {Symbol: "X", Timestamp: "soon"}})
	var pe *PointError
	if !errors.As(err, &pe) || pe.Index != 1 || pe.Field() != "data[1]" {
		t.Errorf("bad timestamp: got %v, want PointError at data[1]", err)
	}
	if _, err := (PointRequest{Symbol: "X", Timestamp: "1709649000", DataType: "tick"}).Point(); err == nil {
		t.Error("unknown data type accepted")
	}
}
