package normalizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-logrca/internal/models"
)

func TestNormalizeNestedECSDocument(t *testing.T) {
	n := New(FieldMappings{})
	rec, err := n.Normalize(map[string]any{
		"@timestamp": "2024-05-01T10:00:00.123Z",
		"message":    "connection refused to db-1",
		"log":        map[string]any{"level": "ERROR"},
		"service":    map[string]any{"name": "checkout", "environment": "prod"},
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 123000000, time.UTC), rec.Timestamp)
	assert.Equal(t, "checkout", rec.Service)
	assert.Equal(t, "prod", rec.Environment)
	assert.Equal(t, models.SeverityError, rec.Severity)
	assert.Equal(t, "connection refused to db-1", rec.Message)
}

func TestNormalizeFlattenedKeysAndDefaults(t *testing.T) {
	n := New(FieldMappings{})
	rec, err := n.Normalize(map[string]any{
		"@timestamp": float64(1714557600000),
		"message":    "boom",
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultService, rec.Service)
	assert.Equal(t, models.SeverityUnknown, rec.Severity)
	assert.Equal(t, time.UnixMilli(1714557600000).UTC(), rec.Timestamp)

	rec, err = n.Normalize(map[string]any{
		"@timestamp":   int64(1714557600),
		"message":      "slow",
		"log.level":    "warn",
		"service.name": "api",
	})
	require.NoError(t, err)
	assert.Equal(t, "api", rec.Service)
	assert.Equal(t, models.SeverityWarning, rec.Severity)
}

func TestNormalizeFallbackMessage(t *testing.T) {
	rec, err := New(FieldMappings{}).Normalize(map[string]any{
		"@timestamp": "2024-05-01T10:00:00Z",
		"error":      map[string]any{"message": "NullPointerException"},
	})
	require.NoError(t, err)
	assert.Equal(t, "NullPointerException", rec.Message)
}

func TestNormalizeMalformed(t *testing.T) {
	n := New(FieldMappings{})
	cases := map[string]map[string]any{
		"missing timestamp": {"message": "x"},
		"bad timestamp":     {"@timestamp": "not a time", "message": "x"},
		"empty timestamp":   {"@timestamp": "", "message": "x"},
		"missing message":   {"@timestamp": "2024-05-01T10:00:00Z"},
		"blank message":     {"@timestamp": "2024-05-01T10:00:00Z", "message": "   "},
		"nil document":      nil,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := n.Normalize(raw)
			require.ErrorIs(t, err, models.ErrMalformedRecord)
		})
	}
}

func TestNormalizeCopiesRawFields(t *testing.T) {
	raw := map[string]any{"@timestamp": "2024-05-01T10:00:00Z", "message": "x", "host": "a"}
	rec, err := New(FieldMappings{}).Normalize(raw)
	require.NoError(t, err)
	raw["host"] = "b"
	assert.Equal(t, "a", rec.RawFields["host"])
}

func TestNormalizeAllSkipsMalformed(t *testing.T) {
	records, malformed := New(FieldMappings{}).NormalizeAll([]map[string]any{
		{"@timestamp": "2024-05-01T10:00:00Z", "message": "first"},
		{"message": "no time"},
		{"@timestamp": "2024-05-01T10:01:00Z", "message": "second"},
	})
	assert.Equal(t, 1, malformed)
	require.Len(t, records, 2)
	assert.Equal(t, "first", records[0].Message)
	assert.Equal(t, "second", records[1].Message)
}

func TestCustomFieldMappings(t *testing.T) {
	n := New(FieldMappings{Timestamp: "ts", Message: "msg", Service: "app", Severity: "level"})
	rec, err := n.Normalize(map[string]any{"ts": "2024-05-01T10:00:00Z", "msg": "hello", "app": "billing", "level": "fatal"})
	require.NoError(t, err)
	assert.Equal(t, "billing", rec.Service)
	assert.Equal(t, models.SeverityCritical, rec.Severity)
}
