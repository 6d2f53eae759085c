package qdb_test

import (
	"context"
	"sync"
	"testing"

	"github.com/qdb/qdb_sdk_go/internal/qdbapi"
	"github.com/qdb/qdb_sdk_go/pkg/qdb"
	"github.com/qdb/qdb_sdk_go/pkg/qdb/mock"
)

// recordingBackend forwards to an in-memory QDB and records which request
// types were sent. Hooks run after the mock answered.
type recordingBackend struct {
	db *mock.Mock

	mu        sync.Mutex
	templates int
	requests  []string
	fail      func(typeName string) error
	after     func(typeName string)
}

func newRecordingBackend(db *mock.Mock) *recordingBackend {
	return &recordingBackend{db: db}
}

func (b *recordingBackend) MakeClientID(ctx context.Context) ([]byte, error) {
	b.mu.Lock()
	b.templates++
	b.mu.Unlock()
	return b.db.MakeClientID(ctx)
}

func (b *recordingBackend) API(ctx context.Context, body []byte, idempotent bool) ([]byte, error) {
	req, err := qdbapi.ParseRequest(body)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.requests = append(b.requests, req.TypeName)
	fail, after := b.fail, b.after
	b.mu.Unlock()

	if fail != nil {
		if err := fail(req.TypeName); err != nil {
			return nil, err
		}
	}
	resp, err := b.db.API(ctx, body, idempotent)
	if after != nil {
		after(req.TypeName)
	}
	return resp, err
}

func (b *recordingBackend) count(typeName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, r := range b.requests {
		if r == typeName {
			n++
		}
	}
	return n
}

func (b *recordingBackend) total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

// stubBackend answers every /api call with a canned payload.
type stubBackend struct {
	respond func(req *qdbapi.Request) any
}

func (b *stubBackend) MakeClientID(ctx context.Context) ([]byte, error) {
	return []byte(`{"clientId":"stub"}`), nil
}

func (b *stubBackend) API(ctx context.Context, body []byte, idempotent bool) ([]byte, error) {
	req, err := qdbapi.ParseRequest(body)
	if err != nil {
		return nil, err
	}
	return qdbapi.EncodeResponse(b.respond(req))
}

func wire(kind qdb.Kind, raw any) qdbapi.WireValue {
	return qdbapi.WireValue{TypeURL: kind.TypeURL(), Raw: raw}
}

func seededDB(t *testing.T) *mock.Mock {
	t.Helper()
	db := mock.New()
	seeds := []struct {
		id, entityType string
		fields         map[string]qdbapi.WireValue
	}{
		{"sensor-42", "TemperatureSensor", map[string]qdbapi.WireValue{
			"temperature": wire(qdb.KindFloat, 21.5),
			"status":      wire(qdb.KindConnectionState, "Connected"),
			"humidity":    wire(qdb.KindInt, 40.0),
		}},
		{"sensor-7", "TemperatureSensor", map[string]qdbapi.WireValue{
			"temperature": wire(qdb.KindFloat, 18.0),
		}},
		{"door-1", "GarageDoor", map[string]qdbapi.WireValue{
			"state": wire(qdb.KindGarageDoorState, "Closed"),
		}},
	}
	for _, s := range seeds {
		if _, err := db.AddEntity(s.id, s.entityType, "", s.fields); err != nil {
			t.Fatalf("AddEntity %s: %v", s.id, err)
		}
	}
	return db
}

func newSession(t *testing.T, c *qdb.Client) *qdb.Session {
	t.Helper()
	s, err := c.NewSession(context.Background())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}
