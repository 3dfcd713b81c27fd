// Package normalizer maps raw backend documents onto models.LogRecord.
package normalizer

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/miradorstack/mirador-logrca/internal/models"
)

// DefaultService is assigned to records without a service field.
const DefaultService = "unknown"

// FieldMappings names the dot-path of each canonical field inside raw documents.
type FieldMappings struct {
	Timestamp       string
	Message         string
	FallbackMessage string
	Severity        string
	Service         string
	Environment     string
}

// DefaultFieldMappings follows ECS naming.
func DefaultFieldMappings() FieldMappings {
	return FieldMappings{
		Timestamp:       "@timestamp",
		Message:         "message",
		FallbackMessage: "error.message",
		Severity:        "log.level",
		Service:         "service.name",
		Environment:     "service.environment",
	}
}

// Normalizer converts heterogeneous raw documents into canonical records.
type Normalizer struct {
	fields FieldMappings
}

// New constructs a Normalizer. Empty mapping entries fall back to the ECS defaults.
func New(fields FieldMappings) *Normalizer {
	def := DefaultFieldMappings()
	fields.Timestamp = firstNonEmpty(fields.Timestamp, def.Timestamp)
	fields.Message = firstNonEmpty(fields.Message, def.Message)
	fields.FallbackMessage = firstNonEmpty(fields.FallbackMessage, def.FallbackMessage)
	fields.Severity = firstNonEmpty(fields.Severity, def.Severity)
	fields.Service = firstNonEmpty(fields.Service, def.Service)
	fields.Environment = firstNonEmpty(fields.Environment, def.Environment)
	return &Normalizer{fields: fields}
}

// Normalize maps a single raw document. It fails with models.ErrMalformedRecord only when
// the timestamp or message is missing or unparseable.
func (n *Normalizer) Normalize(raw map[string]any) (models.LogRecord, error) {
	if raw == nil {
		return models.LogRecord{}, fmt.Errorf("%w: empty document", models.ErrMalformedRecord)
	}

	tsValue, ok := Lookup(raw, n.fields.Timestamp)
	if !ok {
		return models.LogRecord{}, fmt.Errorf("%w: missing %s", models.ErrMalformedRecord, n.fields.Timestamp)
	}
	ts, err := parseTimestamp(tsValue)
	if err != nil {
		return models.LogRecord{}, fmt.Errorf("%w: %s: %v", models.ErrMalformedRecord, n.fields.Timestamp, err)
	}

	message := n.stringField(raw, n.fields.Message)
	if message == "" && n.fields.FallbackMessage != "" {
		message = n.stringField(raw, n.fields.FallbackMessage)
	}
	if message == "" {
		return models.LogRecord{}, fmt.Errorf("%w: missing %s", models.ErrMalformedRecord, n.fields.Message)
	}

	service := n.stringField(raw, n.fields.Service)
	if service == "" {
		service = DefaultService
	}

	return models.LogRecord{
		Timestamp:   ts,
		Service:     service,
		Environment: n.stringField(raw, n.fields.Environment),
		Severity:    models.ParseSeverity(n.stringField(raw, n.fields.Severity)),
		Message:     message,
		RawFields:   copyMap(raw),
	}, nil
}

// NormalizeAll normalizes every document, skipping malformed ones. It returns the
// records in input order and the number skipped.
func (n *Normalizer) NormalizeAll(raws []map[string]any) ([]models.LogRecord, int) {
	records := make([]models.LogRecord, 0, len(raws))
	malformed := 0
	for _, raw := range raws {
		rec, err := n.Normalize(raw)
		if err != nil {
			malformed++
			continue
		}
		records = append(records, rec)
	}
	return records, malformed
}

func (n *Normalizer) stringField(raw map[string]any, path string) string {
	if path == "" {
		return ""
	}
	v, ok := Lookup(raw, path)
	if !ok {
		return ""
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// Lookup resolves a dot path, first as a literal flattened key and then by walking nested maps.
// Single-element arrays are unwrapped.
func Lookup(doc map[string]any, path string) (any, bool) {
	if v, ok := doc[path]; ok && v != nil {
		return unwrap(v), true
	}
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, err := cast.ToStringMapE(cur)
		if err != nil {
			return nil, false
		}
		next, ok := m[part]
		if !ok || next == nil {
			return nil, false
		}
		cur = unwrap(next)
	}
	return cur, true
}

func unwrap(v any) any {
	if list, ok := v.([]any); ok && len(list) > 0 {
		return list[0]
	}
	return v
}

func parseTimestamp(v any) (time.Time, error) {
	switch v.(type) {
	case int, int32, int64, uint, uint32, uint64, float32, float64:
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return time.Time{}, err
		}
		return fromEpoch(f)
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	t, err := cast.ToTimeE(v)
	if err == nil {
		if t.IsZero() {
			return time.Time{}, fmt.Errorf("zero timestamp")
		}
		return t.UTC(), nil
	}
	if f, numErr := cast.ToFloat64E(v); numErr == nil {
		return fromEpoch(f)
	}
	return time.Time{}, err
}

func fromEpoch(f float64) (time.Time, error) {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, fmt.Errorf("invalid epoch %v", f)
	}
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC(), nil
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

func copyMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
