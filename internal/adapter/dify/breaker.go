package dify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"chatrelay/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration `yaml:"timeout"`
	// Interval is the cyclic period of the closed state for clearing failure counts.
	// If 0, failures never reset until the circuit opens.
	Interval time.Duration `yaml:"interval"`
}

// CircuitBreakerBackend wraps a Backend with circuit breaker protection.
// When the backend fails repeatedly, the circuit opens and subsequent calls
// fail fast without reaching it, preventing retry storms. For streams the
// breaker protects initiation only; events after connection do not trip it.
type CircuitBreakerBackend struct {
	inner   domain.Backend
	appID   string
	breaker *gobreaker.CircuitBreaker[any]
	logger  *slog.Logger
}

// NewCircuitBreakerBackend wraps inner with a circuit breaker.
// If cfg is zero-valued, sensible defaults are used.
func NewCircuitBreakerBackend(inner domain.Backend, appID string, cfg CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerBackend {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "dify:" + appID,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &CircuitBreakerBackend{
		inner:   inner,
		appID:   appID,
		breaker: cb,
		logger:  logger,
	}
}

func (b *CircuitBreakerBackend) execute(fn func() (any, error)) (any, error) {
	v, err := b.breaker.Execute(fn)
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("backend %q circuit open: %w", b.appID, err)
		}
		return nil, err
	}
	return v, nil
}

// ChatMessages implements domain.Backend. The breaker guards stream initiation.
func (b *CircuitBreakerBackend) ChatMessages(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamEvent, error) {
	v, err := b.execute(func() (any, error) {
		return b.inner.ChatMessages(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(<-chan domain.StreamEvent), nil
}

// StopGeneration implements domain.Backend.
func (b *CircuitBreakerBackend) StopGeneration(ctx context.Context, taskID, user string) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.inner.StopGeneration(ctx, taskID, user)
	})
	return err
}

// Messages implements domain.Backend.
func (b *CircuitBreakerBackend) Messages(ctx context.Context, q domain.MessagesQuery) (*domain.MessagesPage, error) {
	v, err := b.execute(func() (any, error) {
		return b.inner.Messages(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.MessagesPage), nil
}

// SuggestedQuestions implements domain.Backend.
func (b *CircuitBreakerBackend) SuggestedQuestions(ctx context.Context, messageID, user string) ([]string, error) {
	v, err := b.execute(func() (any, error) {
		return b.inner.SuggestedQuestions(ctx, messageID, user)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// SubmitFeedback implements domain.Backend.
func (b *CircuitBreakerBackend) SubmitFeedback(ctx context.Context, messageID, user, rating, content string) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.inner.SubmitFeedback(ctx, messageID, user, rating, content)
	})
	return err
}

// Conversations implements domain.Backend.
func (b *CircuitBreakerBackend) Conversations(ctx context.Context, user, lastID string, limit int) (*domain.ConversationsPage, error) {
	v, err := b.execute(func() (any, error) {
		return b.inner.Conversations(ctx, user, lastID, limit)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.ConversationsPage), nil
}

// DeleteConversation implements domain.Backend.
func (b *CircuitBreakerBackend) DeleteConversation(ctx context.Context, conversationID, user string) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.inner.DeleteConversation(ctx, conversationID, user)
	})
	return err
}

// RenameConversation implements domain.Backend.
func (b *CircuitBreakerBackend) RenameConversation(ctx context.Context, conversationID, name string, autoGenerate bool, user string) (*domain.Conversation, error) {
	v, err := b.execute(func() (any, error) {
		return b.inner.RenameConversation(ctx, conversationID, name, autoGenerate, user)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Conversation), nil
}

// UploadFile implements domain.Backend.
func (b *CircuitBreakerBackend) UploadFile(ctx context.Context, user, filename string, content io.Reader) (*domain.UploadedFile, error) {
	v, err := b.execute(func() (any, error) {
		return b.inner.UploadFile(ctx, user, filename, content)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.UploadedFile), nil
}

// AppInfo implements domain.Backend.
func (b *CircuitBreakerBackend) AppInfo(ctx context.Context) (json.RawMessage, error) {
	return b.raw(func() (json.RawMessage, error) { return b.inner.AppInfo(ctx) })
}

// AppParameters implements domain.Backend.
func (b *CircuitBreakerBackend) AppParameters(ctx context.Context) (json.RawMessage, error) {
	return b.raw(func() (json.RawMessage, error) { return b.inner.AppParameters(ctx) })
}

// AppMeta implements domain.Backend.
func (b *CircuitBreakerBackend) AppMeta(ctx context.Context) (json.RawMessage, error) {
	return b.raw(func() (json.RawMessage, error) { return b.inner.AppMeta(ctx) })
}

func (b *CircuitBreakerBackend) raw(fn func() (json.RawMessage, error)) (json.RawMessage, error) {
	v, err := b.execute(func() (any, error) { return fn() })
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

// State returns the current circuit breaker state for monitoring.
func (b *CircuitBreakerBackend) State() gobreaker.State {
	return b.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (b *CircuitBreakerBackend) Counts() gobreaker.Counts {
	return b.breaker.Counts()
}

var _ domain.Backend = (*CircuitBreakerBackend)(nil)

// --- Connection Pooling ---

// PooledTransportConfig configures HTTP connection pooling for backend clients.
type PooledTransportConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// Default pool settings: one backend host, moderate concurrency,
// long-lived streaming connections.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second
)

// NewPooledTransport creates an http.Transport with connection pooling
// suited for long-lived SSE streams against a single backend host.
func NewPooledTransport(connTimeout, respTimeout time.Duration, pool PooledTransportConfig) *http.Transport {
	if connTimeout == 0 {
		connTimeout = 30 * time.Second
	}
	if respTimeout == 0 {
		respTimeout = 120 * time.Second
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	maxIdlePerHost := pool.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = defaultMaxIdleConnsPerHost
	}
	maxConnsPerHost := pool.MaxConnsPerHost
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = defaultMaxConnsPerHost
	}
	idleTimeout := pool.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleConnTimeout
	}

	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: respTimeout,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		MaxConnsPerHost:       maxConnsPerHost,
		IdleConnTimeout:       idleTimeout,
		ForceAttemptHTTP2:     true,
	}
}

// NewHTTPClient creates an *http.Client with pooled transport for backend
// calls. No overall client timeout: chat streams stay open indefinitely,
// so cancellation is the caller's job via context.
func NewHTTPClient(connTimeout, respTimeout time.Duration, pool PooledTransportConfig) *http.Client {
	return &http.Client{
		Transport: NewPooledTransport(connTimeout, respTimeout, pool),
	}
}
