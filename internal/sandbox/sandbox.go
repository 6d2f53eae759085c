// Package sandbox serves the in-memory QDB over HTTP for local development
// and end-to-end tests.
package sandbox

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/qdb/qdb_sdk_go/pkg/qdb/mock"
)

// FailConfig injects HTTP failures into a fraction of requests.
type FailConfig struct {
	Rate float64
	Code int
}

// ParseFailConfig parses "rate=<float>,code=<httpStatus>". An empty string
// disables injection; code defaults to 500.
func ParseFailConfig(raw string) (FailConfig, error) {
	if strings.TrimSpace(raw) == "" {
		return FailConfig{}, nil
	}
	cfg := FailConfig{Code: http.StatusInternalServerError}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			return FailConfig{}, fmt.Errorf("sandbox: invalid fail segment %q", part)
		}
		val = strings.TrimSpace(val)
		switch strings.TrimSpace(key) {
		case "rate":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil || f < 0 || f > 1 {
				return FailConfig{}, fmt.Errorf("sandbox: fail rate must be within [0,1], got %q", val)
			}
			cfg.Rate = f
		case "code":
			n, err := strconv.Atoi(val)
			if err != nil || n < 400 || n > 599 {
				return FailConfig{}, fmt.Errorf("sandbox: fail code must be an HTTP error status, got %q", val)
			}
			cfg.Code = n
		default:
			return FailConfig{}, fmt.Errorf("sandbox: unknown fail key %q", key)
		}
	}
	return cfg, nil
}

// Options configures the sandbox server.
type Options struct {
	Latency time.Duration
	Fail    FailConfig
	Logger  *log.Logger
	// Rand returns values in [0,1) for failure sampling. Defaults to a
	// time-seeded source.
	Rand func() float64
}

// New returns an echo instance serving db.
func New(db *mock.Mock, opts Options) *echo.Echo {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	if opts.Rand == nil {
		var mu sync.Mutex
		src := rand.New(rand.NewSource(time.Now().UnixNano()))
		opts.Rand = func() float64 {
			mu.Lock()
			defer mu.Unlock()
			return src.Float64()
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(requestLogger(logger))
	e.Use(FaultMiddleware(opts.Latency, opts.Fail, opts.Rand))
	Register(e, db)
	return e
}

// Register mounts the QDB routes on e.
func Register(e *echo.Echo, db *mock.Mock) {
	e.GET("/make-client-id", makeClientID(db))
	e.POST("/api", api(db))
	e.GET("/healthz", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})
}

func makeClientID(db *mock.Mock) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := db.MakeClientID(c.Request().Context())
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSONBlob(http.StatusOK, body)
	}
}

func api(db *mock.Mock) echo.HandlerFunc {
	return func(c echo.Context) error {
		in, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
		}
		out, err := db.Handle(c.Request().Context(), in)
		if errors.Is(err, mock.ErrBadRequest) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSONBlob(http.StatusOK, out)
	}
}

// FaultMiddleware delays every request by delay and fails a fraction of
// them with fail.Code.
func FaultMiddleware(delay time.Duration, fail FailConfig, sample func() float64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-c.Request().Context().Done():
					return c.Request().Context().Err()
				}
			}
			if fail.Rate > 0 && sample() < fail.Rate {
				code := fail.Code
				if code == 0 {
					code = http.StatusInternalServerError
				}
				return echo.NewHTTPError(code, "failure injected")
			}
			return next(c)
		}
	}
}

func requestLogger(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.WithFields(log.Fields{
				"method":     c.Request().Method,
				"path":       c.Request().URL.Path,
				"status":     c.Response().Status,
				"request_id": c.Request().Header.Get(echo.HeaderXRequestID),
				"elapsed_ms": float64(time.Since(start)) / float64(time.Millisecond),
			}).Info("sandbox.request")
			return nil
		}
	}
}
