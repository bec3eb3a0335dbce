package storagekit

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Factory builds a backend from its connection string.
type Factory func(ctx context.Context, cs *ConnectionString, opts *OpenOptions) (Storage, error)

var (
	factories    = make(map[string]Factory)
	factoryMutex sync.RWMutex
)

// Register makes a backend available under prefix. Drivers call it from init.
func Register(prefix string, factory Factory) {
	factoryMutex.Lock()
	defer factoryMutex.Unlock()
	factories[strings.ToLower(prefix)] = factory
}

// Backends returns the registered prefixes in sorted order.
func Backends() []string {
	factoryMutex.RLock()
	defer factoryMutex.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultHTTPRetries is the retry budget REST backends get unless
// WithHTTPRetries says otherwise.
const DefaultHTTPRetries = 2

// OpenOptions carries the collaborators handed to every factory.
type OpenOptions struct {
	Logger      *zap.Logger
	Metrics     *Metrics
	HTTPClient  *http.Client
	HTTPRetries int
}

// OpenOption configures Open.
type OpenOption func(*OpenOptions)

// WithLogger sets the logger given to backends.
func WithLogger(l *zap.Logger) OpenOption {
	return func(o *OpenOptions) { o.Logger = l }
}

// WithMetrics sets the metrics sink given to backends.
func WithMetrics(m *Metrics) OpenOption {
	return func(o *OpenOptions) { o.Metrics = m }
}

// WithHTTPClient sets the HTTP client used by REST backends.
func WithHTTPClient(c *http.Client) OpenOption {
	return func(o *OpenOptions) { o.HTTPClient = c }
}

// WithHTTPRetries sets how often REST backends retry transient failures.
func WithHTTPRetries(n int) OpenOption {
	return func(o *OpenOptions) { o.HTTPRetries = n }
}

func processOpenOptions(opts []OpenOption) *OpenOptions {
	o := &OpenOptions{HTTPRetries: DefaultHTTPRetries}
	for _, opt := range opts {
		opt(o)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	return o
}

// Open parses connectionString and builds the backend registered for its
// prefix.
func Open(ctx context.Context, connectionString string, opts ...OpenOption) (Storage, error) {
	cs, err := ParseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}
	return OpenConnectionString(ctx, cs, opts...)
}

// OpenConnectionString builds the backend for an already parsed string.
func OpenConnectionString(ctx context.Context, cs *ConnectionString, opts ...OpenOption) (Storage, error) {
	factoryMutex.RLock()
	factory, exists := factories[strings.ToLower(cs.Prefix)]
	factoryMutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cs.Prefix)
	}

	o := processOpenOptions(opts)
	s, err := factory(ctx, cs, o)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cs.Prefix, err)
	}
	o.Logger.Debug("storage opened", zap.String("backend", cs.Prefix))
	return s, nil
}
