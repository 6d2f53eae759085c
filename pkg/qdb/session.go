package qdb

import (
	"context"
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/qdb/qdb_sdk_go/internal/qdbapi"
)

// Session issues requests under one client template. It is not safe for
// concurrent use.
type Session struct {
	client *Client
	tmpl   Template
}

// Template returns the template bound to the session.
func (s *Session) Template() Template {
	return s.tmpl
}

// ResolveOne fetches a single entity by id. It returns ErrNotFound when the
// server reports no entity.
func (s *Session) ResolveOne(ctx context.Context, id string) (*Entity, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("qdb: entity id is required")
	}
	var resp qdbapi.GetEntityResponse
	err := s.call(ctx, "get_entity", qdbapi.GetEntityRequest, qdbapi.GetEntity{
		TypeURL:  qdbapi.TypeURL(qdbapi.GetEntityRequest),
		EntityID: id,
	}, true, &resp, attribute.String("qdb.entity_id", id))
	if err != nil {
		return nil, err
	}
	if resp.Entity == nil || resp.Entity.ID == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return newEntity(*resp.Entity), nil
}

// ResolveMany fetches every entity of a type. No match is not an error.
func (s *Session) ResolveMany(ctx context.Context, entityType string) ([]*Entity, error) {
	if strings.TrimSpace(entityType) == "" {
		return nil, fmt.Errorf("qdb: entity type is required")
	}
	var resp qdbapi.GetEntitiesResponse
	err := s.call(ctx, "get_entities", qdbapi.GetEntitiesRequest, qdbapi.GetEntities{
		TypeURL:    qdbapi.TypeURL(qdbapi.GetEntitiesRequest),
		EntityType: entityType,
	}, true, &resp, attribute.String("qdb.entity_type", entityType))
	if err != nil {
		return nil, err
	}
	entities := make([]*Entity, 0, len(resp.Entities))
	for _, e := range resp.Entities {
		entities = append(entities, newEntity(e))
	}
	return entities, nil
}

// Resolve treats token as an id when it contains IDSeparator and as a type
// name otherwise.
func (s *Session) Resolve(ctx context.Context, token string) ([]*Entity, error) {
	return s.ResolveTarget(ctx, ParseTarget(token))
}

// ResolveTarget resolves an explicit target.
func (s *Session) ResolveTarget(ctx context.Context, target Target) ([]*Entity, error) {
	if err := target.validate(); err != nil {
		return nil, err
	}
	if target.IsID() {
		e, err := s.ResolveOne(ctx, target.ID())
		if err != nil {
			return nil, err
		}
		return []*Entity{e}, nil
	}
	return s.ResolveMany(ctx, target.Type())
}

// Read resolves target and reads fields from every resolved entity in one
// batched request. Fields the server omits stay absent.
func (s *Session) Read(ctx context.Context, target Target, fields []string) ([]*Entity, error) {
	entities, err := s.ResolveTarget(ctx, target)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 || len(fields) == 0 {
		return entities, nil
	}

	req := qdbapi.Database{
		TypeURL:     qdbapi.TypeURL(qdbapi.DatabaseRequest),
		RequestType: qdbapi.RequestTypeRead,
		Requests:    make([]qdbapi.DatabaseItem, 0, len(entities)*len(fields)),
	}
	for _, e := range entities {
		for _, f := range fields {
			req.Requests = append(req.Requests, qdbapi.DatabaseItem{EntityID: e.ID, Field: f})
		}
	}

	var resp qdbapi.DatabaseResponse
	err = s.call(ctx, "read", qdbapi.DatabaseRequest, req, true, &resp,
		attribute.Int("qdb.entity_count", len(entities)),
		attribute.Int("qdb.field_count", len(fields)),
	)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Entity, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
	}
	for _, item := range resp.Response {
		e, ok := byID[item.ID]
		if !ok || item.Value == nil {
			continue
		}
		e.Fields[item.Field] = item.Value.Raw
	}
	return entities, nil
}

// Write decodes every "qdb.<Kind>(<literal>)" field and writes them to
// entityID. A decode failure aborts before any request is sent.
func (s *Session) Write(ctx context.Context, entityID string, fields map[string]string) (bool, error) {
	values, err := ParseFields(fields)
	if err != nil {
		return false, err
	}
	return s.WriteValues(ctx, entityID, values)
}

// WriteValues writes typed values in one batched request. It reports true
// only when the server acknowledges every field. The server may still have
// applied some fields when it reports false.
func (s *Session) WriteValues(ctx context.Context, entityID string, values map[string]Value) (bool, error) {
	if strings.TrimSpace(entityID) == "" {
		return false, fmt.Errorf("qdb: entity id is required")
	}
	if len(values) == 0 {
		return false, fmt.Errorf("qdb: at least one field is required")
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	req := qdbapi.Database{
		TypeURL:     qdbapi.TypeURL(qdbapi.DatabaseRequest),
		RequestType: qdbapi.RequestTypeWrite,
		Requests:    make([]qdbapi.DatabaseItem, 0, len(names)),
	}
	for _, name := range names {
		if values[name] == nil {
			return false, fmt.Errorf("field %q: %w: nil value", name, ErrDecode)
		}
		wire := Encode(values[name])
		req.Requests = append(req.Requests, qdbapi.DatabaseItem{EntityID: entityID, Field: name, Value: &wire})
	}

	var resp qdbapi.DatabaseResponse
	err := s.call(ctx, "write", qdbapi.DatabaseRequest, req, false, &resp,
		attribute.String("qdb.entity_id", entityID),
		attribute.Int("qdb.field_count", len(names)),
	)
	if err != nil {
		return false, err
	}

	ok := len(resp.Response) >= len(names)
	for _, r := range resp.Response {
		ok = ok && r.Success
	}
	if !ok {
		s.client.logger.WithFields(log.Fields{
			"entity_id": entityID,
			"fields":    len(names),
			"acks":      len(resp.Response),
		}).Warn("qdb.write.rejected")
	}
	return ok, nil
}

// NotificationConfig describes a notification subscription.
type NotificationConfig struct {
	Target         Target
	Field          string
	ContextFields  []string
	NotifyOnChange bool
}

// RegisterNotification subscribes to changes of cfg.Field. It succeeds when
// the server returns at least one subscription token.
func (s *Session) RegisterNotification(ctx context.Context, cfg NotificationConfig) ([]string, error) {
	if err := cfg.Target.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Field) == "" {
		return nil, fmt.Errorf("qdb: notification field is required")
	}

	item := qdbapi.NotificationRequest{
		Field:          cfg.Field,
		ContextFields:  append([]string{}, cfg.ContextFields...),
		NotifyOnChange: cfg.NotifyOnChange,
	}
	if cfg.Target.IsID() {
		item.ID = cfg.Target.ID()
	} else {
		item.EntityType = cfg.Target.Type()
	}

	var resp qdbapi.RegisterNotificationResponse
	err := s.call(ctx, "register_notification", qdbapi.RegisterNotificationRequest, qdbapi.RegisterNotification{
		TypeURL:  qdbapi.TypeURL(qdbapi.RegisterNotificationRequest),
		Requests: []qdbapi.NotificationRequest{item},
	}, false, &resp,
		attribute.String("qdb.target", cfg.Target.String()),
		attribute.String("qdb.field", cfg.Field),
	)
	if err != nil {
		return nil, err
	}
	if len(resp.Tokens) == 0 {
		return nil, fmt.Errorf("%w: no subscription token for %s.%s", ErrServerRejection, cfg.Target, cfg.Field)
	}
	return resp.Tokens, nil
}

// PollNotifications returns the notifications currently queued for the
// session's client id. Ordering and de-duplication are up to the server.
func (s *Session) PollNotifications(ctx context.Context) ([]Notification, error) {
	var resp qdbapi.GetNotificationsResponse
	err := s.call(ctx, "get_notifications", qdbapi.GetNotificationsRequest, qdbapi.GetNotifications{
		TypeURL: qdbapi.TypeURL(qdbapi.GetNotificationsRequest),
	}, true, &resp)
	if err != nil {
		return nil, err
	}
	out := make([]Notification, 0, len(resp.Notifications))
	for _, n := range resp.Notifications {
		out = append(out, notificationFromWire(n))
	}
	return out, nil
}

// call wraps payload in an envelope, posts it and decodes the response
// payload into out. Transport and decoding failures wrap ErrTransport.
func (s *Session) call(ctx context.Context, op, requestType string, payload any, idempotent bool, out any, attrs ...attribute.KeyValue) error {
	if s == nil || s.client == nil || s.client.backend == nil {
		return fmt.Errorf("qdb: session is not bound to a client")
	}
	ctx, span := s.client.tracer.Start(ctx, "qdb."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("qdb.request_type", requestType))
	span.SetAttributes(attrs...)

	body, err := qdbapi.EncodeEnvelope(s.tmpl, payload)
	if err != nil {
		recordError(span, err)
		return err
	}
	respBody, err := s.client.backend.API(ctx, body, idempotent)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
		recordError(span, err)
		return err
	}
	if err := qdbapi.DecodePayload(respBody, out); err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
		recordError(span, err)
		return err
	}
	s.client.logger.WithField("request_type", requestType).Debug("qdb." + op)
	return nil
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
