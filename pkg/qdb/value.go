package qdb

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"

	"github.com/qdb/qdb_sdk_go/internal/qdbapi"
)

// Kind names a QDB field value type, as used in "qdb.<Kind>(<literal>)"
// and in the "type.googleapis.com/qdb.<Kind>" type URL.
type Kind string

const (
	KindInt             Kind = "Int"
	KindFloat           Kind = "Float"
	KindString          Kind = "String"
	KindEntityReference Kind = "EntityReference"
	KindBool            Kind = "Bool"
	KindTimestamp       Kind = "Timestamp"
	KindConnectionState Kind = "ConnectionState"
	KindGarageDoorState Kind = "GarageDoorState"
)

// Kinds returns the known kinds in lexical order.
func Kinds() []Kind {
	names := qdbapi.ValueTypes()
	out := make([]Kind, 0, len(names))
	for _, name := range names {
		out = append(out, Kind(name))
	}
	return out
}

// Known reports whether k belongs to the fixed kind set.
func (k Kind) Known() bool {
	return qdbapi.IsValueType(string(k))
}

// TypeURL returns the wire type URL for k.
func (k Kind) TypeURL() string {
	return qdbapi.TypeURL(string(k))
}

// KindFromTypeURL maps a wire type URL back to its Kind. ok is false for
// foreign prefixes and unknown kinds.
func KindFromTypeURL(url string) (Kind, bool) {
	name, ok := qdbapi.TypeName(url)
	if !ok {
		return "", false
	}
	k := Kind(name)
	return k, k.Known()
}

// Value is a typed field value. The set of implementations is closed; pick
// the variant matching the field's kind.
type Value interface {
	Kind() Kind
	// Raw returns the native Go value sent as the wire "raw" member.
	Raw() any
	literal() string
}

type (
	IntValue             int64
	FloatValue           float64
	StringValue          string
	BoolValue            bool
	EntityReferenceValue string
	TimestampValue       string
	ConnectionStateValue string
	GarageDoorStateValue string
)

func (IntValue) Kind() Kind             { return KindInt }
func (FloatValue) Kind() Kind           { return KindFloat }
func (StringValue) Kind() Kind          { return KindString }
func (BoolValue) Kind() Kind            { return KindBool }
func (EntityReferenceValue) Kind() Kind { return KindEntityReference }
func (TimestampValue) Kind() Kind       { return KindTimestamp }
func (ConnectionStateValue) Kind() Kind { return KindConnectionState }
func (GarageDoorStateValue) Kind() Kind { return KindGarageDoorState }

func (v IntValue) Raw() any             { return int64(v) }
func (v FloatValue) Raw() any           { return float64(v) }
func (v StringValue) Raw() any          { return string(v) }
func (v BoolValue) Raw() any            { return bool(v) }
func (v EntityReferenceValue) Raw() any { return string(v) }
func (v TimestampValue) Raw() any       { return string(v) }
func (v ConnectionStateValue) Raw() any { return string(v) }
func (v GarageDoorStateValue) Raw() any { return string(v) }

func (v IntValue) literal() string             { return strconv.FormatInt(int64(v), 10) }
func (v FloatValue) literal() string           { return strconv.FormatFloat(float64(v), 'g', -1, 64) }
func (v StringValue) literal() string          { return string(v) }
func (v BoolValue) literal() string            { return strconv.FormatBool(bool(v)) }
func (v EntityReferenceValue) literal() string { return string(v) }
func (v TimestampValue) literal() string       { return string(v) }
func (v ConnectionStateValue) literal() string { return string(v) }
func (v GarageDoorStateValue) literal() string { return string(v) }

var taggedValuePattern = regexp.MustCompile(`^qdb\.(\w+)\((.*)\)$`)

// ParseValue decodes the textual form "qdb.<Kind>(<literal>)". The kind must
// be known and the literal must parse as the kind's native type; otherwise
// the error wraps ErrDecode.
func ParseValue(s string) (Value, error) {
	m := taggedValuePattern.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("%w: %q does not match qdb.<Kind>(<literal>)", ErrDecode, s)
	}
	kind, lit := Kind(m[1]), m[2]

	switch kind {
	case KindInt:
		n, err := strconv.ParseInt(lit, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid Int literal %q", ErrDecode, lit)
		}
		return IntValue(n), nil
	case KindFloat:
		f, err := strconv.ParseFloat(lit, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: invalid Float literal %q", ErrDecode, lit)
		}
		return FloatValue(f), nil
	case KindBool:
		b, err := strconv.ParseBool(lit)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid Bool literal %q", ErrDecode, lit)
		}
		return BoolValue(b), nil
	case KindString, KindEntityReference, KindTimestamp, KindConnectionState, KindGarageDoorState:
		return stringValue(kind, lit), nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrDecode, kind)
	}
}

func stringValue(kind Kind, s string) Value {
	switch kind {
	case KindEntityReference:
		return EntityReferenceValue(s)
	case KindTimestamp:
		return TimestampValue(s)
	case KindConnectionState:
		return ConnectionStateValue(s)
	case KindGarageDoorState:
		return GarageDoorStateValue(s)
	default:
		return StringValue(s)
	}
}

// Format renders v as "qdb.<Kind>(<literal>)"; ParseValue(Format(v)) == v.
func Format(v Value) string {
	return "qdb." + string(v.Kind()) + "(" + v.literal() + ")"
}

// Encode converts v to its tagged wire representation.
func Encode(v Value) qdbapi.WireValue {
	return qdbapi.WireValue{TypeURL: v.Kind().TypeURL(), Raw: v.Raw()}
}

// ValueFromRaw builds a typed Value from a kind and a JSON-decoded raw
// member. Int accepts only values that fit int64 exactly.
func ValueFromRaw(kind Kind, raw any) (Value, error) {
	switch kind {
	case KindInt:
		switch n := raw.(type) {
		case float64:
			if n != math.Trunc(n) || n < -(1<<63) || n >= 1<<63 {
				return nil, fmt.Errorf("%w: Int raw %v is not an int64", ErrDecode, n)
			}
			return IntValue(int64(n)), nil
		case int64:
			return IntValue(n), nil
		case int:
			return IntValue(int64(n)), nil
		case json.Number:
			i, err := n.Int64()
			if err != nil {
				return nil, fmt.Errorf("%w: Int raw %s is not an int64", ErrDecode, n)
			}
			return IntValue(i), nil
		case string:
			i, err := strconv.ParseInt(n, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid Int raw %q", ErrDecode, n)
			}
			return IntValue(i), nil
		}
	case KindFloat:
		switch n := raw.(type) {
		case float64:
			return FloatValue(n), nil
		case int64:
			return FloatValue(float64(n)), nil
		case int:
			return FloatValue(float64(n)), nil
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("%w: invalid Float raw %s", ErrDecode, n)
			}
			return FloatValue(f), nil
		}
	case KindBool:
		if b, ok := raw.(bool); ok {
			return BoolValue(b), nil
		}
	case KindString, KindEntityReference, KindTimestamp, KindConnectionState, KindGarageDoorState:
		if s, ok := raw.(string); ok {
			return stringValue(kind, s), nil
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrDecode, kind)
	}
	return nil, fmt.Errorf("%w: %s raw has unexpected type %T", ErrDecode, kind, raw)
}

// ParseFields decodes every "qdb.<Kind>(<literal>)" field value. It fails on
// the first (in field name order) undecodable value.
func ParseFields(fields map[string]string) (map[string]Value, error) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]Value, len(fields))
	for _, name := range names {
		v, err := ParseValue(fields[name])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}
