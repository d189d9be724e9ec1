// Package notify is the boundary to the notification subsystem. The
// engine fires and forgets; delivery, templating and retries live on the
// other side.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

// LogNotifier records notification events to the structured log. It stands
// in until the real notification service client is wired; the engine's
// behavior is identical either way because nothing waits on delivery.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, event string, payload map[string]string) {
	attrs := make([]any, 0, 2+2*len(payload))
	attrs = append(attrs, "event", event)
	for k, v := range payload {
		attrs = append(attrs, k, v)
	}
	n.logger.InfoContext(ctx, "notification dispatched", attrs...)
}

// Recorder captures notifications for tests.
type Recorder struct {
	mu     sync.Mutex
	Events []RecordedEvent
}

type RecordedEvent struct {
	Event   string
	Payload map[string]string
}

func (r *Recorder) Notify(_ context.Context, event string, payload map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, RecordedEvent{Event: event, Payload: payload})
}

// Count returns how many times an event fired.
func (r *Recorder) Count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.Events {
		if e.Event == event {
			n++
		}
	}
	return n
}
