package models

import (
	"strings"
	"time"
)

// LogRecord is a canonical log entry produced by the normalizer. It is treated as
// immutable once created.
type LogRecord struct {
	Timestamp   time.Time      `json:"timestamp"`
	Service     string         `json:"service"`
	Environment string         `json:"environment,omitempty"`
	Severity    Severity       `json:"severity"`
	Message     string         `json:"message"`
	RawFields   map[string]any `json:"rawFields,omitempty"`
}

// Severity captures the normalized log level.
type Severity string

const (
	SeverityUnknown  Severity = "Unknown"
	SeverityDebug    Severity = "Debug"
	SeverityInfo     Severity = "Info"
	SeverityWarning  Severity = "Warning"
	SeverityError    Severity = "Error"
	SeverityCritical Severity = "Critical"
)

// Rank orders severities so the most severe compares highest.
func (s Severity) Rank() int {
	switch s {
	case SeverityDebug:
		return 1
	case SeverityInfo:
		return 2
	case SeverityWarning:
		return 3
	case SeverityError:
		return 4
	case SeverityCritical:
		return 5
	default:
		return 0
	}
}

// ParseSeverity maps backend level strings onto Severity. Unrecognised values map to Unknown.
func ParseSeverity(level string) Severity {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace":
		return SeverityDebug
	case "info", "information", "notice":
		return SeverityInfo
	case "warn", "warning":
		return SeverityWarning
	case "err", "error":
		return SeverityError
	case "crit", "critical", "fatal", "emergency", "emerg", "alert", "panic":
		return SeverityCritical
	default:
		return SeverityUnknown
	}
}

// Category enumerates error classifications.
type Category string

const (
	CategoryApplication    Category = "Application"
	CategoryInfrastructure Category = "Infrastructure"
	CategorySecurity       Category = "Security"
	CategoryPerformance    Category = "Performance"
	CategoryUnknown        Category = "Unknown"
)

// Categories lists every known category.
var Categories = []Category{
	CategoryApplication,
	CategoryInfrastructure,
	CategorySecurity,
	CategoryPerformance,
	CategoryUnknown,
}

// ParseCategory resolves a category name case-insensitively.
func ParseCategory(name string) (Category, bool) {
	for _, c := range Categories {
		if strings.EqualFold(string(c), strings.TrimSpace(name)) {
			return c, true
		}
	}
	return CategoryUnknown, false
}
