package models

import "time"

// ErrorGroup collects records sharing a category, message signature and service.
type ErrorGroup struct {
	GroupKey   string      `json:"groupKey"`
	Category   Category    `json:"category"`
	Service    string      `json:"service"`
	Signature  string      `json:"signature"`
	Members    []LogRecord `json:"members"`
	FirstSeen  time.Time   `json:"firstSeen"`
	LastSeen   time.Time   `json:"lastSeen"`
	Count      int         `json:"count"`
	ErrorCodes []string    `json:"errorCodes,omitempty"`
}

// Severity returns the most severe level among members.
func (g ErrorGroup) Severity() Severity {
	max := SeverityUnknown
	for _, m := range g.Members {
		if m.Severity.Rank() > max.Rank() {
			max = m.Severity
		}
	}
	return max
}

// Sample returns the first member message, or the signature for empty groups.
func (g ErrorGroup) Sample() string {
	if len(g.Members) == 0 {
		return g.Signature
	}
	return g.Members[0].Message
}

// Pattern is a recurring message signature detected across the analysis window.
type Pattern struct {
	Signature        string    `json:"signature"`
	OccurrenceCount  int       `json:"occurrenceCount"`
	AffectedServices []string  `json:"affectedServices"`
	WindowStart      time.Time `json:"windowStart"`
	WindowEnd        time.Time `json:"windowEnd"`
	Cascading        bool      `json:"cascading,omitempty"`
}
