package qdb

import (
	"errors"
	"time"

	"github.com/qdb/qdb_sdk_go/internal/qdbapi"
)

// Template is the per-session envelope fragment (e.g. the client id)
// returned by GET /make-client-id and echoed on every request.
type Template = qdbapi.Template

// Entity is a QDB record. Fields holds the raw values populated by Read.
type Entity struct {
	ID     string
	Type   string
	Name   string
	Fields map[string]any
}

func newEntity(e qdbapi.Entity) *Entity {
	return &Entity{ID: e.ID, Type: e.Type, Name: e.Name, Fields: map[string]any{}}
}

// FieldValue is one field snapshot carried by a notification.
type FieldValue struct {
	EntityID  string
	Name      string
	Kind      Kind
	Raw       any
	WriteTime time.Time
}

// Value returns the typed value, or nil when the kind or raw is unusable.
func (f FieldValue) Value() Value {
	if f.Kind == "" {
		return nil
	}
	v, err := ValueFromRaw(f.Kind, f.Raw)
	if err != nil {
		return nil
	}
	return v
}

// Notification describes a field change delivered through polling.
type Notification struct {
	Token    string
	Current  FieldValue
	Previous FieldValue
	Context  []FieldValue
}

func fieldValueFromWire(w qdbapi.FieldValue) FieldValue {
	fv := FieldValue{EntityID: w.ID, Name: w.Field, WriteTime: w.WriteTime}
	if w.Value != nil {
		if name, ok := qdbapi.TypeName(w.Value.TypeURL); ok {
			fv.Kind = Kind(name)
		}
		fv.Raw = w.Value.Raw
	}
	return fv
}

func notificationFromWire(w qdbapi.Notification) Notification {
	n := Notification{
		Token:    w.Token,
		Current:  fieldValueFromWire(w.Current),
		Previous: fieldValueFromWire(w.Previous),
	}
	if len(w.Context) > 0 {
		n.Context = make([]FieldValue, 0, len(w.Context))
		for _, c := range w.Context {
			n.Context = append(n.Context, fieldValueFromWire(c))
		}
	}
	return n
}

var (
	// ErrTransport covers network and HTTP failures and malformed responses.
	ErrTransport = errors.New("qdb: transport error")
	// ErrNotFound is returned when an entity lookup yields nothing.
	ErrNotFound = errors.New("qdb: entity not found")
	// ErrDecode signals a field value that does not match qdb.<Kind>(<literal>).
	ErrDecode = errors.New("qdb: invalid field value")
	// ErrServerRejection signals a request the server refused, e.g. no
	// subscription token returned.
	ErrServerRejection = errors.New("qdb: rejected by server")
)
