package qdb_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/qdb/qdb_sdk_go/internal/httpx"
	"github.com/qdb/qdb_sdk_go/internal/qdbapi"
	"github.com/qdb/qdb_sdk_go/pkg/qdb"
)

func TestResolveRoutesByToken(t *testing.T) {
	backend := newRecordingBackend(seededDB(t))
	s := newSession(t, qdb.NewWithBackend(backend))
	ctx := context.Background()

	one, err := s.Resolve(ctx, "sensor-42")
	if err != nil {
		t.Fatalf("Resolve id: %v", err)
	}
	if len(one) != 1 || one[0].ID != "sensor-42" || one[0].Type != "TemperatureSensor" {
		t.Fatalf("unexpected entities: %#v", one)
	}
	if backend.count(qdbapi.GetEntityRequest) != 1 || backend.count(qdbapi.GetEntitiesRequest) != 0 {
		t.Fatalf("id token should use get-entity, got %v", backend.requests)
	}

	many, err := s.Resolve(ctx, "TemperatureSensor")
	if err != nil {
		t.Fatalf("Resolve type: %v", err)
	}
	if len(many) != 2 {
		t.Fatalf("expected 2 sensors, got %#v", many)
	}
	if backend.count(qdbapi.GetEntitiesRequest) != 1 {
		t.Fatalf("type token should use get-entities, got %v", backend.requests)
	}
	if backend.templates != 1 {
		t.Fatalf("session should reuse its template, fetched %d", backend.templates)
	}
}

func TestResolveNotFoundAndEmpty(t *testing.T) {
	s := newSession(t, qdb.NewWithBackend(seededDB(t)))
	ctx := context.Background()

	if _, err := s.ResolveOne(ctx, "ghost-1"); !errors.Is(err, qdb.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	entities, err := s.ResolveMany(ctx, "Thermostat")
	if err != nil {
		t.Fatalf("ResolveMany: %v", err)
	}
	if len(entities) != 0 {
		t.Fatalf("expected no entities, got %#v", entities)
	}
	if _, err := s.ResolveTarget(ctx, qdb.Target{}); err == nil {
		t.Fatalf("expected error for empty target")
	}
}

func TestReadReturnsExactlyRequestedFields(t *testing.T) {
	backend := newRecordingBackend(seededDB(t))
	c := qdb.NewWithBackend(backend)

	entities, err := c.Read(context.Background(), qdb.ParseTarget("sensor-42"), []string{"temperature", "status"})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("expected one entity, got %#v", entities)
	}
	fields := entities[0].Fields
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "status" || keys[1] != "temperature" {
		t.Fatalf("unexpected field keys: %v", keys)
	}
	if fields["temperature"] != 21.5 || fields["status"] != "Connected" {
		t.Fatalf("unexpected field values: %#v", fields)
	}
	if backend.count(qdbapi.DatabaseRequest) != 1 {
		t.Fatalf("expected one batched read, got %v", backend.requests)
	}
}

func TestReadByTypeSkipsMissingFields(t *testing.T) {
	s := newSession(t, qdb.NewWithBackend(seededDB(t)))

	entities, err := s.Read(context.Background(), qdb.ByType("TemperatureSensor"), []string{"temperature", "humidity"})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	byID := map[string]*qdb.Entity{}
	for _, e := range entities {
		byID[e.ID] = e
	}
	if got := byID["sensor-42"].Fields; len(got) != 2 {
		t.Fatalf("sensor-42 fields: %#v", got)
	}
	got := byID["sensor-7"].Fields
	if _, ok := got["humidity"]; ok || got["temperature"] != 18.0 {
		t.Fatalf("sensor-7 fields: %#v", got)
	}
}

func TestReadWithoutMatchesSendsNoDatabaseRequest(t *testing.T) {
	backend := newRecordingBackend(seededDB(t))
	s := newSession(t, qdb.NewWithBackend(backend))

	entities, err := s.Read(context.Background(), qdb.ByType("Thermostat"), []string{"temperature"})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entities) != 0 || backend.count(qdbapi.DatabaseRequest) != 0 {
		t.Fatalf("unexpected read: %#v, requests %v", entities, backend.requests)
	}
}

func TestWriteDecodeFailureIssuesNoRequest(t *testing.T) {
	backend := newRecordingBackend(seededDB(t))
	c := qdb.NewWithBackend(backend)

	ok, err := c.Write(context.Background(), "sensor-42", map[string]string{
		"temperature": "qdb.Float(22)",
		"count":       "qdb.Int(abc)",
	})
	if ok || !errors.Is(err, qdb.ErrDecode) {
		t.Fatalf("expected decode failure, got %v, %v", ok, err)
	}
	if backend.templates != 0 || backend.total() != 0 {
		t.Fatalf("no request expected, got %d templates and %v", backend.templates, backend.requests)
	}
}

func TestWriteStoresValues(t *testing.T) {
	db := seededDB(t)
	s := newSession(t, qdb.NewWithBackend(db))
	ctx := context.Background()

	ok, err := s.Write(ctx, "sensor-42", map[string]string{
		"temperature": "qdb.Float(22.5)",
		"status":      "qdb.ConnectionState(Disconnected)",
	})
	if err != nil || !ok {
		t.Fatalf("Write: %v, %v", ok, err)
	}
	if v, _ := db.Field("sensor-42", "temperature"); v.Raw != 22.5 || v.TypeURL != qdb.KindFloat.TypeURL() {
		t.Fatalf("temperature not stored: %#v", v)
	}

	ok, err = s.Write(ctx, "ghost-1", map[string]string{"temperature": "qdb.Float(1)"})
	if err != nil || ok {
		t.Fatalf("write to unknown entity: %v, %v", ok, err)
	}
}

func TestWriteValuesRequiresEveryAck(t *testing.T) {
	tests := []struct {
		name string
		acks []bool
		want bool
	}{
		{"all acknowledged", []bool{true, true}, true},
		{"one rejected", []bool{true, false}, false},
		{"missing ack", []bool{true}, false},
		{"no acks", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &stubBackend{respond: func(req *qdbapi.Request) any {
				resp := qdbapi.DatabaseResponse{Response: []qdbapi.DatabaseResult{}}
				for _, ack := range tt.acks {
					resp.Response = append(resp.Response, qdbapi.DatabaseResult{Success: ack})
				}
				return resp
			}}
			logger, hook := test.NewNullLogger()
			s := newSession(t, qdb.NewWithBackend(backend, qdb.WithLogger(logger)))

			ok, err := s.WriteValues(context.Background(), "sensor-42", map[string]qdb.Value{
				"a": qdb.IntValue(1),
				"b": qdb.BoolValue(true),
			})
			if err != nil {
				t.Fatalf("WriteValues: %v", err)
			}
			if ok != tt.want {
				t.Fatalf("WriteValues = %v, want %v", ok, tt.want)
			}
			if !tt.want && (hook.LastEntry() == nil || hook.LastEntry().Message != "qdb.write.rejected") {
				t.Fatalf("expected rejection to be logged")
			}
		})
	}
}

func TestWriteValuesRejectsEmptyInput(t *testing.T) {
	s := qdb.NewWithBackend(seededDB(t)).SessionWithTemplate(nil)
	ctx := context.Background()
	if _, err := s.WriteValues(ctx, "sensor-42", nil); err == nil {
		t.Fatalf("expected error for no fields")
	}
	if _, err := s.WriteValues(ctx, "", map[string]qdb.Value{"a": qdb.IntValue(1)}); err == nil {
		t.Fatalf("expected error for empty entity id")
	}
}

func TestRegisterNotificationWithoutTokens(t *testing.T) {
	s := newSession(t, qdb.NewWithBackend(seededDB(t)))

	_, err := s.RegisterNotification(context.Background(), qdb.NotificationConfig{
		Target: qdb.ByID("ghost-1"),
		Field:  "temperature",
	})
	if !errors.Is(err, qdb.ErrServerRejection) {
		t.Fatalf("expected ErrServerRejection, got %v", err)
	}

	tokens, err := s.RegisterNotification(context.Background(), qdb.NotificationConfig{
		Target:        qdb.ByType("TemperatureSensor"),
		Field:         "temperature",
		ContextFields: []string{"status"},
	})
	if err != nil || len(tokens) != 1 {
		t.Fatalf("RegisterNotification: %v, %v", tokens, err)
	}
}

func TestHTTPFailuresWrapTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/make-client-id" {
			io.WriteString(w, `{"clientId":"c1"}`)
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := qdb.New(srv.URL, qdb.WithRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Read(context.Background(), qdb.ParseTarget("sensor-42"), []string{"temperature"})
	if !errors.Is(err, qdb.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	var httpErr *httpx.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected wrapped HTTPError, got %v", err)
	}
}

func TestReadKeepsIntegersExact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/make-client-id" {
			io.WriteString(w, `{"clientId":"c1"}`)
			return
		}
		body, _ := io.ReadAll(r.Body)
		req, err := qdbapi.ParseRequest(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch req.TypeName {
		case qdbapi.GetEntityRequest:
			io.WriteString(w, `{"payload":{"entity":{"id":"meter-1","type":"Meter"}}}`)
		default:
			io.WriteString(w, `{"payload":{"response":[`+
				`{"id":"meter-1","field":"count","value":{"@type":"type.googleapis.com/qdb.Int","raw":5000000},"success":true},`+
				`{"id":"meter-1","field":"big","value":{"@type":"type.googleapis.com/qdb.Int","raw":1700000000123456789},"success":true},`+
				`{"id":"meter-1","field":"ratio","value":{"@type":"type.googleapis.com/qdb.Float","raw":0.25},"success":true}]}}`)
		}
	}))
	defer srv.Close()

	c, err := qdb.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	entities, err := c.Read(context.Background(), qdb.ByID("meter-1"), []string{"count", "big", "ratio"})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("expected one entity, got %#v", entities)
	}
	fields := entities[0].Fields
	if fields["count"] != int64(5000000) || fields["big"] != int64(1700000000123456789) || fields["ratio"] != 0.25 {
		t.Fatalf("unexpected field values: %#v", fields)
	}
}

func TestTemplateMustBeObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `"not-an-object"`)
	}))
	defer srv.Close()

	c, err := qdb.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Template(context.Background()); !errors.Is(err, qdb.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestOperationsAreTraced(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	defer tp.Shutdown(context.Background())

	c := qdb.NewWithBackend(seededDB(t), qdb.WithTracerProvider(tp))
	if _, err := c.Read(context.Background(), qdb.ByID("sensor-42"), []string{"temperature", "status"}); err != nil {
		t.Fatalf("Read: %v", err)
	}
	s := newSession(t, c)
	if _, err := s.ResolveOne(context.Background(), "ghost-1"); err == nil {
		t.Fatalf("expected ResolveOne to fail")
	}

	spans := exporter.GetSpans()
	names := make([]string, 0, len(spans))
	for _, span := range spans {
		names = append(names, span.Name)
	}
	want := []string{"qdb.template", "qdb.get_entity", "qdb.read", "qdb.template", "qdb.get_entity"}
	if len(names) != len(want) {
		t.Fatalf("unexpected spans: %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("unexpected spans: %v", names)
		}
	}

	read := attributesToMap(spans[2].Attributes)
	if read["qdb.request_type"] != qdbapi.DatabaseRequest || read["qdb.entity_count"] != int64(1) || read["qdb.field_count"] != int64(2) {
		t.Fatalf("unexpected read attributes: %#v", read)
	}
	if spans[2].Status.Code == codes.Error {
		t.Fatalf("read span should not be marked as error")
	}
}

func TestTransportFailureMarksSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	defer tp.Shutdown(context.Background())

	backend := newRecordingBackend(seededDB(t))
	backend.fail = func(string) error { return errors.New("connection reset") }
	s := newSession(t, qdb.NewWithBackend(backend, qdb.WithTracerProvider(tp)))

	if _, err := s.PollNotifications(context.Background()); !errors.Is(err, qdb.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	spans := exporter.GetSpans()
	last := spans[len(spans)-1]
	if last.Name != "qdb.get_notifications" || last.Status.Code != codes.Error {
		t.Fatalf("unexpected span %s with status %v", last.Name, last.Status)
	}
}

func TestOperationsAreLogged(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)

	c := qdb.NewWithBackend(seededDB(t), qdb.WithLogger(logger))
	if _, err := c.Read(context.Background(), qdb.ByID("sensor-42"), []string{"temperature"}); err != nil {
		t.Fatalf("Read: %v", err)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Message != "qdb.read" || entry.Data["request_type"] != qdbapi.DatabaseRequest {
		t.Fatalf("unexpected log entry: %#v", entry)
	}
}

func attributesToMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}
