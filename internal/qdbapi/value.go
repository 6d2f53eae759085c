package qdbapi

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/bytedance/sonic"
)

// wireJSON keeps JSON numbers as json.Number so Int values survive beyond
// float64 precision.
var wireJSON = sonic.Config{
	EscapeHTML:       true,
	SortMapKeys:      true,
	CompactMarshaler: true,
	CopyString:       true,
	ValidateString:   true,
	UseNumber:        true,
}.Froze()

const (
	intType   = "Int"
	floatType = "Float"
)

var valueTypes = map[string]struct{}{
	intType:           {},
	floatType:         {},
	"String":          {},
	"EntityReference": {},
	"Bool":            {},
	"Timestamp":       {},
	"ConnectionState": {},
	"GarageDoorState": {},
}

// ValueTypes returns the field value type names in lexical order.
func ValueTypes() []string {
	out := make([]string, 0, len(valueTypes))
	for name := range valueTypes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IsValueType reports whether name is a field value type QDB stores.
func IsValueType(name string) bool {
	_, ok := valueTypes[name]
	return ok
}

// KnownValueTypeURL reports whether url is the type URL of a known value type.
func KnownValueTypeURL(url string) bool {
	name, ok := TypeName(url)
	return ok && IsValueType(name)
}

// UnmarshalJSON decodes the tagged value and converts raw numbers to the
// native type of the value's kind: int64 for Int, float64 for Float. Numbers
// of any other type stay json.Number.
func (w *WireValue) UnmarshalJSON(data []byte) error {
	var aux struct {
		TypeURL string          `json:"@type"`
		Raw     json.RawMessage `json:"raw"`
	}
	if err := sonic.ConfigStd.Unmarshal(data, &aux); err != nil {
		return err
	}
	var raw any
	if len(aux.Raw) > 0 {
		if err := wireJSON.Unmarshal(aux.Raw, &raw); err != nil {
			return err
		}
	}
	*w = WireValue{TypeURL: aux.TypeURL, Raw: raw}.Native()
	return nil
}

// Native returns w with Raw converted to the Go type its kind carries on the
// client side. Raw members that cannot convert exactly are left untouched.
func (w WireValue) Native() WireValue {
	name, _ := TypeName(w.TypeURL)
	switch name {
	case intType:
		if i, ok := exactInt(w.Raw); ok {
			w.Raw = i
		}
	case floatType:
		switch n := w.Raw.(type) {
		case json.Number:
			if f, err := n.Float64(); err == nil {
				w.Raw = f
			}
		case int64:
			w.Raw = float64(n)
		case int:
			w.Raw = float64(n)
		}
	}
	return w
}

func exactInt(raw any) (int64, bool) {
	switch n := raw.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return exactInt(f)
	case float64:
		if n != math.Trunc(n) || n < -(1<<63) || n >= 1<<63 {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}
