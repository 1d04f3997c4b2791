// Package events carries notifications about token endpoint activity to
// observability sinks. Publishing never blocks or fails the caller.
package events

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Kind string

const (
	GrantReceived     Kind = "grant_received"
	TokenGranted      Kind = "token_granted"
	GrantFailed       Kind = "grant_failed"
	TokenRevoked      Kind = "token_revoked"
	TokenIntrospected Kind = "token_introspected"
)

// Event describes one step of a token endpoint request. ProcessID ties the
// events of a single request together.
type Event struct {
	Kind      Kind
	ProcessID string
	GrantType string
	ClientID  string
	// Scope is the granted scope string, for TokenGranted.
	Scope string
	// ErrorCode is the OAuth error code, for GrantFailed.
	ErrorCode string
	Message   string
	Time      time.Time
}

// Sink receives events. Implementations must return promptly.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// Multi publishes to every sink in order.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Publish(ctx, ev)
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// LogSink writes events as structured log lines.
type LogSink struct {
	Logger *slog.Logger
}

func (l *LogSink) Publish(ctx context.Context, ev Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if ev.Kind == GrantReceived || ev.Kind == TokenIntrospected {
		level = slog.LevelDebug
	}
	attrs := []any{"processID", ev.ProcessID, "clientID", ev.ClientID}
	if ev.GrantType != "" {
		attrs = append(attrs, "grantType", ev.GrantType)
	}
	if ev.Scope != "" {
		attrs = append(attrs, "scope", ev.Scope)
	}
	if ev.Kind == GrantFailed {
		level = slog.LevelWarn
		attrs = append(attrs, "errorCode", ev.ErrorCode, "error", ev.Message)
	}
	logger.Log(ctx, level, string(ev.Kind), attrs...)
}

var (
	grantsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_grants_received_total",
			Help: "Token requests received, by grant type",
		},
		[]string{"grant_type"},
	)

	tokensGranted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokens_granted_total",
			Help: "Tokens issued, by grant type and client",
		},
		[]string{"grant_type", "client_id"},
	)

	grantsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_grants_failed_total",
			Help: "Token requests rejected, by grant type and OAuth error code",
		},
		[]string{"grant_type", "error"},
	)

	tokensRevoked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tokens_revoked_total",
			Help: "Tokens removed through the revocation endpoint",
		},
	)

	tokensIntrospected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tokens_introspected_total",
			Help: "Introspection requests answered",
		},
	)
)

// MetricsSink counts events in the default Prometheus registry.
type MetricsSink struct{}

func (MetricsSink) Publish(_ context.Context, ev Event) {
	switch ev.Kind {
	case GrantReceived:
		grantsReceived.WithLabelValues(ev.GrantType).Inc()
	case TokenGranted:
		tokensGranted.WithLabelValues(ev.GrantType, ev.ClientID).Inc()
	case GrantFailed:
		grantsFailed.WithLabelValues(ev.GrantType, ev.ErrorCode).Inc()
	case TokenRevoked:
		tokensRevoked.Inc()
	case TokenIntrospected:
		tokensIntrospected.Inc()
	}
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns the recorded events, oldest first.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Kinds returns the kind of each recorded event.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}
