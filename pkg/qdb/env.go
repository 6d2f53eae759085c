package qdb

import (
	"fmt"
	"os"
	"strings"

	"github.com/qdb/qdb_sdk_go/internal/devseed"
	"github.com/qdb/qdb_sdk_go/pkg/qdb/mock"
)

const (
	EnvRuntimeMode = "QDB_RUNTIME_MODE"
	EnvURL         = "QDB_URL"
	EnvMockSeed    = "QDB_MOCK_SEED"

	ModeAuto = "auto"
	ModeHTTP = "http"
	ModeMock = "mock"
)

// NewFromEnv initialises a Client from QDB_RUNTIME_MODE, QDB_URL and
// QDB_MOCK_SEED and returns the resolved mode ("http" or "mock"). In auto
// mode a set QDB_URL selects HTTP, otherwise the in-memory mock is used.
func NewFromEnv(opts ...Option) (client *Client, mode string, err error) {
	mode = strings.ToLower(strings.TrimSpace(os.Getenv(EnvRuntimeMode)))
	baseURL := strings.TrimSpace(os.Getenv(EnvURL))

	switch mode {
	case "", ModeAuto:
		if baseURL != "" {
			return newHTTPClient(baseURL, opts)
		}
		return newMockClient(opts)
	case ModeHTTP:
		if baseURL == "" {
			return nil, "", fmt.Errorf("qdb: HTTP mode requires %s", EnvURL)
		}
		return newHTTPClient(baseURL, opts)
	case ModeMock:
		return newMockClient(opts)
	default:
		return nil, "", fmt.Errorf("qdb: unsupported %s value %q", EnvRuntimeMode, mode)
	}
}

func newHTTPClient(baseURL string, opts []Option) (*Client, string, error) {
	client, err := New(baseURL, opts...)
	if err != nil {
		return nil, "", fmt.Errorf("qdb: init HTTP client: %w", err)
	}
	return client, ModeHTTP, nil
}

func newMockClient(opts []Option) (*Client, string, error) {
	m := mock.New()
	if path := strings.TrimSpace(os.Getenv(EnvMockSeed)); path != "" {
		entries, err := devseed.LoadEntitySeed(path)
		if err != nil {
			return nil, "", fmt.Errorf("qdb: load mock seed: %w", err)
		}
		if err := m.Seed(entries); err != nil {
			return nil, "", fmt.Errorf("qdb: apply mock seed: %w", err)
		}
	}
	return NewWithBackend(m, opts...), ModeMock, nil
}
