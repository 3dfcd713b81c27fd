package repo

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCompleter struct {
	calls atomic.Int32
	reply string
	err   error
}

func (c *countingCompleter) Complete(context.Context, string, time.Duration) (string, error) {
	c.calls.Add(1)
	return c.reply, c.err
}

func TestCachedCompleterMemoises(t *testing.T) {
	inner := &countingCompleter{reply: "root cause: pool exhausted"}
	store := newStubCache()
	completer := NewCachedCompleter(nil, inner, store, "gpt-4o-mini", time.Hour)

	for i := 0; i < 3; i++ {
		reply, err := completer.Complete(context.Background(), "prompt-a", time.Second)
		require.NoError(t, err)
		assert.Equal(t, "root cause: pool exhausted", reply)
	}
	assert.EqualValues(t, 1, inner.calls.Load())
	assert.Equal(t, 1, store.sets)

	_, err := completer.Complete(context.Background(), "prompt-b", time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 2, inner.calls.Load(), "different prompt misses")
}

func TestCachedCompleterKeysByModel(t *testing.T) {
	store := newStubCache()
	a := NewCachedCompleter(nil, &countingCompleter{reply: "a"}, store, "model-a", 0)
	b := NewCachedCompleter(nil, &countingCompleter{reply: "b"}, store, "model-b", 0)

	assert.NotEqual(t, a.key("same prompt"), b.key("same prompt"))
	assert.Equal(t, a.key("same prompt"), a.key("same prompt"))
}

func TestCachedCompleterErrorsAreNotCached(t *testing.T) {
	inner := &countingCompleter{err: errors.New("upstream timeout")}
	store := newStubCache()
	completer := NewCachedCompleter(nil, inner, store, "gpt-4o-mini", time.Hour)

	_, err := completer.Complete(context.Background(), "prompt", time.Second)
	require.Error(t, err)
	assert.Equal(t, 0, store.sets)

	inner.err = nil
	inner.reply = "recovered"
	reply, err := completer.Complete(context.Background(), "prompt", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "recovered", reply)
}

func TestCachedCompleterNilProvider(t *testing.T) {
	inner := &countingCompleter{reply: "x"}
	completer := NewCachedCompleter(nil, inner, nil, "m", 0)

	_, _ = completer.Complete(context.Background(), "p", time.Second)
	_, _ = completer.Complete(context.Background(), "p", time.Second)
	assert.EqualValues(t, 2, inner.calls.Load())
	assert.NoError(t, completer.Ping(context.Background()))
}
