package models

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	priceKeys  = []string{"price", "last_price", "close", "value"}
	volumeKeys = []string{"volume", "size", "quantity"}
)

// PriceFromPayload takes the first numeric field among price, last_price,
// close and value.
func PriceFromPayload(payload map[string]interface{}) (float64, bool) {
	return firstNumber(payload, priceKeys)
}

// VolumeFromPayload takes the first numeric field among volume, size and quantity.
func VolumeFromPayload(payload map[string]interface{}) (float64, bool) {
	return firstNumber(payload, volumeKeys)
}

// InferDataType classifies a record by the keys it carries.
func InferDataType(payload map[string]interface{}) DataType {
	switch {
	case hasAny(payload, "bid", "ask", "bid_size", "ask_size"):
		return DataQuote
	case hasAny(payload, "trade_price", "trade_size", "trade_time"):
		return DataTrade
	case hasAny(payload, "volume"):
		return DataVolume
	case hasAny(payload, "price", "last_price", "close"):
		return DataPrice
	}
	return DataReference
}

// Number coerces JSON numbers and numeric strings to float64.
func Number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		if err != nil {
			return 0, false
		}
		return d.InexactFloat64(), true
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return d.InexactFloat64(), true
	case decimal.Decimal:
		return n.InexactFloat64(), true
	}
	return 0, false
}

func firstNumber(payload map[string]interface{}, keys []string) (float64, bool) {
	for _, k := range keys {
		v, ok := payload[k]
		if !ok || v == nil {
			continue
		}
		if f, ok := Number(v); ok {
			return f, true
		}
	}
	return 0, false
}

func hasAny(payload map[string]interface{}, keys ...string) bool {
	for _, k := range keys {
		if _, ok := payload[k]; ok {
			return true
		}
	}
	return false
}
