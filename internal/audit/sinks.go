package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/agentgov/agentgov/internal/observability"
)

// HTTPSink posts events to a remote audit endpoint with a bounded timeout
// and one retry for transient failures.
type HTTPSink struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSink creates an HTTP audit sink. Timeout defaults to 5s.
func NewHTTPSink(endpoint string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Emit posts the event as JSON. A single retry covers transient failures.
func (s *HTTPSink) Emit(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event %q: %w", event.ID, err)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build audit request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}
	return fmt.Errorf("emit audit event %q: %w", event.ID, lastErr)
}

// MemorySink records events in memory. Used by tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Emit implements Sink.
func (s *MemorySink) Emit(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of all recorded events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// FanoutSink emits to every child sink, returning the first error after all
// children have been attempted.
type FanoutSink struct {
	sinks []Sink
}

// NewFanoutSink combines sinks. Nil children are skipped.
func NewFanoutSink(sinks ...Sink) *FanoutSink {
	var kept []Sink
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &FanoutSink{sinks: kept}
}

// Emit implements Sink.
func (s *FanoutSink) Emit(ctx context.Context, event Event) error {
	var firstErr error
	for _, child := range s.sinks {
		if err := child.Emit(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MirrorSink appends each event to local storage before forwarding it to the
// remote sink. The local append is best-effort like the remote emit.
type MirrorSink struct {
	local  Appender
	remote Sink
}

// NewMirrorSink wraps a remote sink with a local append-only mirror.
func NewMirrorSink(local Appender, remote Sink) *MirrorSink {
	return &MirrorSink{local: local, remote: remote}
}

// Emit implements Sink.
func (s *MirrorSink) Emit(ctx context.Context, event Event) error {
	var firstErr error
	if s.local != nil {
		if err := s.local.AppendAudit(ctx, event); err != nil {
			firstErr = err
		}
	}
	if s.remote != nil {
		if err := s.remote.Emit(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Recorder wraps a sink with the engine's emission policy: failures are
// logged and swallowed, never propagated to the workflow.
type Recorder struct {
	sink   Sink
	logger *observability.Logger
}

// NewRecorder creates a Recorder. A nil sink drops all events (still logged).
func NewRecorder(sink Sink, logger *observability.Logger) *Recorder {
	return &Recorder{sink: sink, logger: logger}
}

// Emit sends the event, logging any failure.
func (r *Recorder) Emit(ctx context.Context, event Event) {
	if r.sink == nil {
		return
	}
	if err := r.sink.Emit(ctx, event); err != nil && r.logger != nil {
		r.logger.Error("audit emit failed",
			"event_id", event.ID,
			"event_type", string(event.Type),
			"agent_id", event.AgentID,
			"error", err.Error(),
		)
	}
}
