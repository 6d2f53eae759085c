package qdb

import (
	"context"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/qdb/qdb_sdk_go/internal/httpx"
	"github.com/qdb/qdb_sdk_go/internal/qdbapi"
)

const (
	pathMakeClientID = "make-client-id"
	pathAPI          = "api"

	instrumentationName = "github.com/qdb/qdb_sdk_go/pkg/qdb"
)

// Backend performs the two QDB round trips. Implementations return raw
// response bodies; the HTTP backend talks to a server, the mock package
// serves them in memory.
type Backend interface {
	// MakeClientID returns the body of GET /make-client-id.
	MakeClientID(ctx context.Context) ([]byte, error)
	// API posts an envelope to /api and returns the response body.
	// idempotent requests may be retried by the transport.
	API(ctx context.Context, body []byte, idempotent bool) ([]byte, error)
}

// Client provides access to a QDB server.
type Client struct {
	backend  Backend
	logger   *log.Logger
	tracer   trace.Tracer
	httpOpts []httpx.Option
}

// Option configures a Client.
type Option func(*Client)

// WithLogger routes client and transport logging to l.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracerProvider overrides the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		if tp != nil {
			c.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// WithTimeout bounds every HTTP attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpOpts = append(c.httpOpts, httpx.WithTimeout(d))
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.httpOpts = append(c.httpOpts, httpx.WithHTTPClient(h))
	}
}

// WithRetries sets how many times idempotent requests are retried on
// transient failures. Zero disables retries.
func WithRetries(n int) Option {
	return func(c *Client) {
		policy := httpx.DefaultRetryPolicy
		policy.MaxRetries = n
		c.httpOpts = append(c.httpOpts, httpx.WithRetryPolicy(policy))
	}
}

// New constructs a Client bound to the QDB server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	c := newClient(nil, opts...)
	httpOpts := append([]httpx.Option{httpx.WithLogger(c.logger)}, c.httpOpts...)
	cl, err := httpx.NewClient(baseURL, httpOpts...)
	if err != nil {
		return nil, err
	}
	c.backend = &httpBackend{client: cl}
	return c, nil
}

// NewWithBackend allows callers to supply a custom backend (e.g., mocks).
func NewWithBackend(b Backend, opts ...Option) *Client {
	return newClient(b, opts...)
}

func newClient(b Backend, opts ...Option) *Client {
	c := &Client{backend: b, logger: defaultLogger()}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracer == nil {
		c.tracer = otel.GetTracerProvider().Tracer(instrumentationName)
	}
	return c
}

func defaultLogger() *log.Logger {
	l := log.New()
	l.SetLevel(log.WarnLevel)
	return l
}

// Template fetches a fresh client template from the server.
func (c *Client) Template(ctx context.Context) (Template, error) {
	if c == nil || c.backend == nil {
		return nil, fmt.Errorf("qdb: client is nil")
	}
	ctx, span := c.tracer.Start(ctx, "qdb.template")
	defer span.End()

	body, err := c.backend.MakeClientID(ctx)
	if err != nil {
		err = fmt.Errorf("%w: make client id: %w", ErrTransport, err)
		recordError(span, err)
		return nil, err
	}
	tmpl, err := qdbapi.DecodeTemplate(body)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrTransport, err)
		recordError(span, err)
		return nil, err
	}
	return tmpl, nil
}

// NewSession fetches a template once and binds it for subsequent calls.
func (c *Client) NewSession(ctx context.Context) (*Session, error) {
	tmpl, err := c.Template(ctx)
	if err != nil {
		return nil, err
	}
	return c.SessionWithTemplate(tmpl), nil
}

// SessionWithTemplate binds an already obtained template.
func (c *Client) SessionWithTemplate(tmpl Template) *Session {
	return &Session{client: c, tmpl: tmpl}
}

// Read resolves target and reads fields from every resolved entity using a
// fresh template.
func (c *Client) Read(ctx context.Context, target Target, fields []string) ([]*Entity, error) {
	s, err := c.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	return s.Read(ctx, target, fields)
}

// Write decodes every field and writes them to entityID. Undecodable fields
// abort the call before any request, including the template fetch.
func (c *Client) Write(ctx context.Context, entityID string, fields map[string]string) (bool, error) {
	values, err := ParseFields(fields)
	if err != nil {
		return false, err
	}
	s, err := c.NewSession(ctx)
	if err != nil {
		return false, err
	}
	return s.WriteValues(ctx, entityID, values)
}

// Listen registers a notification and polls until ctx is cancelled.
func (c *Client) Listen(ctx context.Context, cfg NotificationConfig, handler func(Notification), opts ListenOptions) error {
	s, err := c.NewSession(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	return s.Listen(ctx, cfg, handler, opts)
}

type httpBackend struct {
	client *httpx.Client
}

func (b *httpBackend) MakeClientID(ctx context.Context) ([]byte, error) {
	if b == nil || b.client == nil {
		return nil, fmt.Errorf("qdb: http backend not configured")
	}
	resp, err := b.client.Do(ctx, &httpx.Request{
		Method: http.MethodGet,
		Path:   pathMakeClientID,
	})
	if err != nil {
		return nil, err
	}
	return httpx.ReadAllAndClose(resp.Body)
}

func (b *httpBackend) API(ctx context.Context, body []byte, idempotent bool) ([]byte, error) {
	if b == nil || b.client == nil {
		return nil, fmt.Errorf("qdb: http backend not configured")
	}
	resp, err := b.client.Do(ctx, &httpx.Request{
		Method:       http.MethodPost,
		Path:         pathAPI,
		Header:       http.Header{"Content-Type": []string{"application/json"}},
		Body:         body,
		DisableRetry: !idempotent,
	})
	if err != nil {
		return nil, err
	}
	return httpx.ReadAllAndClose(resp.Body)
}
