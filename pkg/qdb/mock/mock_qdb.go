// Package mock implements an in-memory QDB server speaking the wire
// protocol. It satisfies qdb.Backend and backs the sandbox server.
package mock

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/qdb/qdb_sdk_go/internal/devseed"
	"github.com/qdb/qdb_sdk_go/internal/qdbapi"
)

// ErrBadRequest is returned for envelopes the mock cannot interpret.
var ErrBadRequest = errors.New("mock qdb: bad request")

type fieldEntry struct {
	value     qdbapi.WireValue
	writeTime time.Time
}

type entity struct {
	id         string
	entityType string
	name       string
	fields     map[string]fieldEntry
}

type subscription struct {
	token          string
	clientID       string
	entityID       string
	entityType     string
	field          string
	contextFields  []string
	notifyOnChange bool
}

func (s *subscription) matches(e *entity, field string) bool {
	if s.field != field {
		return false
	}
	if s.entityID != "" {
		return s.entityID == e.id
	}
	return s.entityType == e.entityType
}

// Mock is an in-memory QDB with entities, typed fields, subscriptions and
// per-client notification queues.
type Mock struct {
	mu       sync.Mutex
	entities map[string]*entity
	subs     []*subscription
	queues   map[string][]qdbapi.Notification
	now      func() time.Time
}

// Option configures the mock instance.
type Option func(*Mock)

// WithClock overrides the clock used for write times (useful in tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Mock) {
		if fn != nil {
			m.now = fn
		}
	}
}

// New creates an empty mock database.
func New(opts ...Option) *Mock {
	m := &Mock{
		entities: make(map[string]*entity),
		queues:   make(map[string][]qdbapi.Notification),
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Seed loads entities from seed entries (typically decoded via
// devseed.LoadEntitySeed).
func (m *Mock) Seed(entries []devseed.EntitySeed) error {
	for i, e := range entries {
		if _, err := m.AddEntity(e.ID, e.Type, e.Name, e.Fields); err != nil {
			return fmt.Errorf("mock qdb: seed entry %d: %w", i, err)
		}
	}
	return nil
}

// AddEntity creates or replaces an entity and returns its id. An empty id
// is replaced by a generated one. Every field must carry a known value type.
func (m *Mock) AddEntity(id, entityType, name string, fields map[string]qdbapi.WireValue) (string, error) {
	if strings.TrimSpace(entityType) == "" {
		return "", fmt.Errorf("mock qdb: entity type is required")
	}
	for field, v := range fields {
		if !qdbapi.KnownValueTypeURL(v.TypeURL) {
			return "", fmt.Errorf("mock qdb: field %q: unknown value type %q", field, v.TypeURL)
		}
	}
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e := &entity{id: id, entityType: entityType, name: name, fields: make(map[string]fieldEntry, len(fields))}
	for field, v := range fields {
		e.fields[field] = fieldEntry{value: v.Native(), writeTime: now}
	}
	m.entities[id] = e
	return id, nil
}

// Field returns the stored value of an entity field.
func (m *Mock) Field(entityID, field string) (qdbapi.WireValue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entities[entityID]
	if !ok {
		return qdbapi.WireValue{}, false
	}
	f, ok := e.fields[field]
	return f.value, ok
}

// Pending reports how many notifications are queued for clientID.
func (m *Mock) Pending(clientID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[clientID])
}

// Subscriptions reports how many notification subscriptions are active.
func (m *Mock) Subscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// MakeClientID returns a fresh client template.
func (m *Mock) MakeClientID(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := uuid.NewString()

	m.mu.Lock()
	m.queues[id] = nil
	m.mu.Unlock()

	return sonic.ConfigStd.Marshal(map[string]string{"clientId": id})
}

// API serves one /api envelope.
func (m *Mock) API(ctx context.Context, body []byte, idempotent bool) ([]byte, error) {
	return m.Handle(ctx, body)
}

// Handle decodes an envelope, applies it and returns the response envelope.
// Malformed envelopes and unknown request types yield ErrBadRequest.
func (m *Mock) Handle(ctx context.Context, body []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req, err := qdbapi.ParseRequest(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	clientID := req.Template.ClientID()

	var resp any
	switch req.TypeName {
	case qdbapi.GetEntityRequest:
		var p qdbapi.GetEntity
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		resp = m.getEntity(p)
	case qdbapi.GetEntitiesRequest:
		var p qdbapi.GetEntities
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		resp = m.getEntities(p)
	case qdbapi.DatabaseRequest:
		var p qdbapi.Database
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		switch strings.ToUpper(p.RequestType) {
		case qdbapi.RequestTypeRead:
			resp = m.read(p.Requests)
		case qdbapi.RequestTypeWrite:
			resp = m.write(p.Requests)
		default:
			return nil, fmt.Errorf("%w: unknown request type %q", ErrBadRequest, p.RequestType)
		}
	case qdbapi.RegisterNotificationRequest:
		var p qdbapi.RegisterNotification
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		resp = m.register(clientID, p.Requests)
	case qdbapi.GetNotificationsRequest:
		resp = m.drain(clientID)
	default:
		return nil, fmt.Errorf("%w: unsupported payload %q", ErrBadRequest, req.TypeName)
	}
	return qdbapi.EncodeResponse(resp)
}

func decode(raw []byte, out any) error {
	if err := sonic.ConfigStd.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	return nil
}

func (m *Mock) getEntity(p qdbapi.GetEntity) qdbapi.GetEntityResponse {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entities[p.EntityID]
	if !ok {
		return qdbapi.GetEntityResponse{}
	}
	return qdbapi.GetEntityResponse{Entity: &qdbapi.Entity{ID: e.id, Type: e.entityType, Name: e.name}}
}

func (m *Mock) getEntities(p qdbapi.GetEntities) qdbapi.GetEntitiesResponse {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := qdbapi.GetEntitiesResponse{Entities: []qdbapi.Entity{}}
	for _, e := range m.entities {
		if e.entityType == p.EntityType {
			out.Entities = append(out.Entities, qdbapi.Entity{ID: e.id, Type: e.entityType, Name: e.name})
		}
	}
	sort.Slice(out.Entities, func(i, j int) bool { return out.Entities[i].ID < out.Entities[j].ID })
	return out
}

func (m *Mock) read(items []qdbapi.DatabaseItem) qdbapi.DatabaseResponse {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := qdbapi.DatabaseResponse{Response: []qdbapi.DatabaseResult{}}
	for _, item := range items {
		e, ok := m.entities[item.EntityID]
		if !ok {
			continue
		}
		f, ok := e.fields[item.Field]
		if !ok {
			continue
		}
		v := f.value
		out.Response = append(out.Response, qdbapi.DatabaseResult{
			ID:        e.id,
			Field:     item.Field,
			Value:     &v,
			WriteTime: f.writeTime,
			Success:   true,
		})
	}
	return out
}

func (m *Mock) write(items []qdbapi.DatabaseItem) qdbapi.DatabaseResponse {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := qdbapi.DatabaseResponse{Response: make([]qdbapi.DatabaseResult, 0, len(items))}
	for _, item := range items {
		result := qdbapi.DatabaseResult{ID: item.EntityID, Field: item.Field, WriteTime: now}
		e, ok := m.entities[item.EntityID]
		if !ok || item.Field == "" || item.Value == nil {
			out.Response = append(out.Response, result)
			continue
		}
		if !qdbapi.KnownValueTypeURL(item.Value.TypeURL) {
			out.Response = append(out.Response, result)
			continue
		}

		prev, hadPrev := e.fields[item.Field]
		next := fieldEntry{value: item.Value.Native(), writeTime: now}
		e.fields[item.Field] = next
		m.notify(e, item.Field, prev, hadPrev, next)

		result.Success = true
		out.Response = append(out.Response, result)
	}
	return out
}

// notify queues a notification for every subscription matching the write.
// The caller holds m.mu.
func (m *Mock) notify(e *entity, field string, prev fieldEntry, hadPrev bool, next fieldEntry) {
	changed := !hadPrev || !reflect.DeepEqual(prev.value, next.value)
	for _, s := range m.subs {
		if !s.matches(e, field) {
			continue
		}
		if s.notifyOnChange && !changed {
			continue
		}
		n := qdbapi.Notification{
			Token:    s.token,
			Current:  fieldValue(e.id, field, next, true),
			Previous: fieldValue(e.id, field, prev, hadPrev),
			Context:  make([]qdbapi.FieldValue, 0, len(s.contextFields)),
		}
		for _, cf := range s.contextFields {
			f, ok := e.fields[cf]
			n.Context = append(n.Context, fieldValue(e.id, cf, f, ok))
		}
		m.queues[s.clientID] = append(m.queues[s.clientID], n)
	}
}

func fieldValue(id, field string, f fieldEntry, present bool) qdbapi.FieldValue {
	fv := qdbapi.FieldValue{ID: id, Field: field}
	if present {
		v := f.value
		fv.Value = &v
		fv.WriteTime = f.writeTime
	}
	return fv
}

func (m *Mock) register(clientID string, reqs []qdbapi.NotificationRequest) qdbapi.RegisterNotificationResponse {
	out := qdbapi.RegisterNotificationResponse{Tokens: []string{}}
	if clientID == "" {
		return out
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range reqs {
		if r.Field == "" || (r.ID == "" && r.EntityType == "") {
			continue
		}
		if r.ID != "" {
			if _, ok := m.entities[r.ID]; !ok {
				continue
			}
		}
		s := &subscription{
			token:          uuid.NewString(),
			clientID:       clientID,
			entityID:       r.ID,
			entityType:     r.EntityType,
			field:          r.Field,
			contextFields:  append([]string(nil), r.ContextFields...),
			notifyOnChange: r.NotifyOnChange,
		}
		m.subs = append(m.subs, s)
		out.Tokens = append(out.Tokens, s.token)
	}
	return out
}

func (m *Mock) drain(clientID string) qdbapi.GetNotificationsResponse {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := qdbapi.GetNotificationsResponse{Notifications: m.queues[clientID]}
	if out.Notifications == nil {
		out.Notifications = []qdbapi.Notification{}
	}
	if clientID != "" {
		m.queues[clientID] = nil
	}
	return out
}
