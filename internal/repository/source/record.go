package source

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"MarketSentry/internal/domain/models"
	"MarketSentry/pkg/util"
)

// short keys used by trade feeds, mapped onto the payload names the
// price and volume heuristics look for.
var shortKeys = map[string]string{
	"p": "price",
	"v": "volume",
	"c": "close",
	"b": "bid",
	"a": "ask",
}

// decodeRecord turns one untyped record into a point. Records without a
// symbol or a readable timestamp are rejected.
func decodeRecord(raw map[string]interface{}, src models.SourceType, name, fallbackSymbol string) (*models.MarketDataPoint, bool) {
	symbol := firstString(raw, "symbol", "s", "ticker")
	if symbol == "" {
		symbol = fallbackSymbol
	}
	if symbol == "" {
		return nil, false
	}
	ts, ok := recordTime(raw)
	if !ok {
		return nil, false
	}

	payload := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		payload[k] = v
	}
	for short, long := range shortKeys {
		if v, ok := raw[short]; ok {
			if _, exists := payload[long]; !exists {
				payload[long] = v
			}
		}
	}

	var dt models.DataType
	if s := firstString(raw, "data_type", "type"); s != "" {
		if parsed, err := models.ParseDataType(s); err == nil {
			dt = parsed
		}
	}

	p := models.NewMarketDataPoint(strings.ToUpper(symbol), ts, src, dt, payload)
	p.SourceName = name
	return p, true
}

// decodeMessage accepts a single record, an array of records or a
// {"data": [...]} envelope.
func decodeMessage(b []byte, src models.SourceType, name string) ([]*models.MarketDataPoint, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, nil
	}

	var records []map[string]interface{}
	switch b[0] {
	case '[':
		if err := unmarshal(b, &records); err != nil {
			return nil, err
		}
	case '{':
		var obj map[string]interface{}
		if err := unmarshal(b, &obj); err != nil {
			return nil, err
		}
		if data, ok := obj["data"].([]interface{}); ok {
			for _, d := range data {
				if m, ok := d.(map[string]interface{}); ok {
					records = append(records, m)
				}
			}
		} else {
			records = append(records, obj)
		}
	default:
		return nil, fmt.Errorf("unexpected message start %q", b[0])
	}

	out := make([]*models.MarketDataPoint, 0, len(records))
	for _, r := range records {
		if p, ok := decodeRecord(r, src, name, ""); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func unmarshal(b []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

func recordTime(raw map[string]interface{}) (time.Time, bool) {
	for _, k := range []string{"timestamp", "t", "time", "trade_time", "ts"} {
		v, ok := raw[k]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			if t, ok := util.ParseTime(val); ok {
				return t, true
			}
		case time.Time:
			return val, true
		default:
			if n, ok := models.Number(val); ok && n > 0 {
				return util.FromUnix(int64(n)), true
			}
		}
	}
	return time.Time{}, false
}

func firstString(raw map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := raw[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// Connection map accessors. YAML decodes numbers as int or float64 and
// operators sometimes quote them, so both are accepted.

func connString(conn map[string]interface{}, key, def string) string {
	if v, ok := conn[key]; ok && v != nil {
		if s := fmt.Sprint(v); s != "" {
			return s
		}
	}
	return def
}

func connInt(conn map[string]interface{}, key string, def int) int {
	if v, ok := conn[key]; ok {
		if n, ok := models.Number(v); ok {
			return int(n)
		}
	}
	return def
}

func connBool(conn map[string]interface{}, key string, def bool) bool {
	switch v := conn[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1" || v == "yes"
	}
	return def
}

func connDuration(conn map[string]interface{}, key string, def time.Duration) time.Duration {
	switch v := conn[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	default:
		if n, ok := models.Number(v); ok && n > 0 {
			return time.Duration(n * float64(time.Second))
		}
	}
	return def
}

func connStrings(conn map[string]interface{}, key string) []string {
	switch v := conn[key].(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, s := range v {
			out = append(out, fmt.Sprint(s))
		}
		return out
	case []string:
		return v
	case string:
		return util.SplitCSV(v)
	}
	return nil
}
