package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Completer is the AI text-completion collaborator.
type Completer interface {
	Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error)
}

const defaultAITimeout = 30 * time.Second

var errEmptyCompletion = errors.New("empty completion")

// complete enforces a hard timeout even when the completer ignores its context.
func complete(ctx context.Context, ai Completer, prompt string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = defaultAITimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		text string
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		text, err := ai.Complete(cctx, prompt, timeout)
		ch <- reply{text: text, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return "", r.err
		}
		if strings.TrimSpace(r.text) == "" {
			return "", errEmptyCompletion
		}
		return r.text, nil
	case <-cctx.Done():
		return "", fmt.Errorf("ai completion: %w", cctx.Err())
	}
}

// decodeJSONReply extracts the first JSON object from a completion, tolerating code fences
// and surrounding prose.
func decodeJSONReply(text string, out any) error {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in completion")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), out); err != nil {
		return fmt.Errorf("decode completion: %w", err)
	}
	return nil
}

// parseConfidence accepts 0-1 fractions, 0-100 percentages and "85%" strings.
func parseConfidence(v any) (float64, bool) {
	if v == nil {
		return 0, false
	}
	if s, ok := v.(string); ok {
		v = strings.TrimSuffix(strings.TrimSpace(s), "%")
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || f < 0 {
		return 0, false
	}
	if f > 1 {
		f /= 100
	}
	return clamp(f, 0, 1), true
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
