package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miradorstack/mirador-logrca/internal/models"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

var testWindow = models.Window{Start: base.Add(-time.Hour), End: base.Add(time.Hour)}

// group builds an ErrorGroup whose members are spaced one second apart from start.
func group(key, service string, category models.Category, start time.Time, count int, severity models.Severity) models.ErrorGroup {
	g := models.ErrorGroup{
		GroupKey:  key,
		Category:  category,
		Service:   service,
		Signature: service + " failure <n>",
		FirstSeen: start,
		LastSeen:  start.Add(time.Duration(count-1) * time.Second),
		Count:     count,
	}
	for i := 0; i < count; i++ {
		g.Members = append(g.Members, models.LogRecord{
			Timestamp: start.Add(time.Duration(i) * time.Second),
			Service:   service,
			Severity:  severity,
			Message:   service + " failure 42",
		})
	}
	return g
}

// completerFunc adapts a function to Completer.
type completerFunc func(ctx context.Context, prompt string) (string, error)

func (f completerFunc) Complete(ctx context.Context, prompt string, _ time.Duration) (string, error) {
	return f(ctx, prompt)
}

func replyWith(text string) completerFunc {
	return func(context.Context, string) (string, error) { return text, nil }
}

// hangingCompleter ignores its context and blocks until the test finishes.
type hangingCompleter struct {
	release chan struct{}
	once    sync.Once
	calls   atomic.Int32
}

func newHangingCompleter(t *testing.T) *hangingCompleter {
	h := &hangingCompleter{release: make(chan struct{})}
	t.Cleanup(func() { h.once.Do(func() { close(h.release) }) })
	return h
}

func (h *hangingCompleter) Complete(context.Context, string, time.Duration) (string, error) {
	h.calls.Add(1)
	<-h.release
	return "", nil
}
