package events

import (
	"sync"

	"github.com/thruflo/foreman/internal/logging"
)

// Sink receives events. Publish must not block the caller for long and must
// not fail; delivery problems are the sink's own concern.
type Sink interface {
	Publish(e *Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(e *Event)

// Publish calls f(e).
func (f SinkFunc) Publish(e *Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(*Event) {})

// MultiSink fans an event out to several sinks in order.
type MultiSink []Sink

// Publish forwards e to every sink.
func (m MultiSink) Publish(e *Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(e)
		}
	}
}

// LogSink writes events to a logger. Agent output is logged at debug level,
// errors at warn and everything else at info.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish logs e.
func (s *LogSink) Publish(e *Event) {
	l := s.logger.With("session", e.SessionID)
	switch e.Type {
	case MessageTypeAgentOutput:
		l.Debug("agent output", "data", string(e.Data))
	case MessageTypeExecutionStatus:
		st, err := e.ExecutionStatusData()
		if err == nil && st.Status == StatusError {
			l.Warn("execution error", "action", st.Action, "message", st.Message)
			return
		}
		l.Info(string(e.Type), "data", string(e.Data))
	default:
		l.Info(string(e.Type), "data", string(e.Data))
	}
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []*Event
}

// Publish records e.
func (r *Recorder) Publish(e *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Event(nil), r.events...)
}

// OfType returns the recorded events of the given type.
func (r *Recorder) OfType(t MessageType) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
