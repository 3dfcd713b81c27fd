package models

import (
	"fmt"
	"time"
)

// Source marks the provenance of a candidate or solution.
type Source string

const (
	SourceAI        Source = "AI"
	SourceRuleBased Source = "RuleBased"
)

// RootCauseCandidate is a ranked explanation for one cluster of correlated groups.
type RootCauseCandidate struct {
	ID               string    `json:"id"`
	Description      string    `json:"description"`
	Confidence       float64   `json:"confidence"`
	Source           Source    `json:"source"`
	Category         Category  `json:"category"`
	Services         []string  `json:"services"`
	SupportingGroups []string  `json:"supportingGroups"`
	Evidence         []string  `json:"evidence"`
	FirstSeen        time.Time `json:"firstSeen"`
	ClusterSize      int       `json:"clusterSize"`
}

// Solution holds remediation guidance for a single candidate.
type Solution struct {
	CandidateID        string   `json:"candidateId"`
	Steps              []string `json:"steps"`
	PreventiveMeasures []string `json:"preventiveMeasures"`
	Verification       []string `json:"verification,omitempty"`
	Risks              []string `json:"risks,omitempty"`
	EstimatedTime      string   `json:"estimatedTime,omitempty"`
	Confidence         float64  `json:"confidence"`
	Source             Source   `json:"source"`
}

// DegradationFlag marks a non-fatal stage that was skipped or deferred.
type DegradationFlag string

const (
	FlagRCASkipped      DegradationFlag = "RCA_SKIPPED"
	FlagSolutionSkipped DegradationFlag = "SOLUTION_SKIPPED"
	FlagEmailDeferred   DegradationFlag = "EMAIL_DEFERRED"
)

// RunStatus is the terminal outcome of a run.
type RunStatus string

const (
	StatusCompleted RunStatus = "Completed"
	StatusFailed    RunStatus = "Failed"
)

// Failure reasons recorded on failed runs.
const (
	ReasonFetch     = "Fetch"
	ReasonCancelled = "Cancelled"
)

// RunMode records how a run was triggered.
type RunMode string

const (
	ModeScheduled RunMode = "scheduled"
	ModeManual    RunMode = "manual"
)

// RunState is the process-wide lifecycle of the active run. A run leaves Running with a
// terminal RunStatus on its result and the state returns to Idle.
type RunState string

const (
	RunStateIdle    RunState = "Idle"
	RunStateRunning RunState = "Running"
)

// Window bounds the analysed time range.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

func (w Window) String() string {
	return fmt.Sprintf("%s - %s", w.Start.UTC().Format("2006-01-02 15:04"), w.End.UTC().Format("2006-01-02 15:04 MST"))
}

// Filters narrows the records requested from the search backend.
type Filters struct {
	Services    []string `json:"services,omitempty"`
	Severities  []string `json:"severities,omitempty"`
	Environment string   `json:"environment,omitempty"`
}

// RunRequest carries the parameters of a single analysis run.
type RunRequest struct {
	RunID   string
	Mode    RunMode
	Window  Window
	Filters Filters
	NoEmail bool
}

// AnalysisResult is the persisted outcome of a run.
type AnalysisResult struct {
	RunID            string               `json:"runId"`
	Mode             RunMode              `json:"mode"`
	Status           RunStatus            `json:"status"`
	FailureReason    string               `json:"failureReason,omitempty"`
	Error            string               `json:"error,omitempty"`
	Window           Window               `json:"window"`
	Filters          Filters              `json:"filters"`
	StartedAt        time.Time            `json:"startedAt"`
	FinishedAt       time.Time            `json:"finishedAt"`
	RecordsFetched   int                  `json:"recordsFetched"`
	MalformedRecords int                  `json:"malformedRecords"`
	Groups           []ErrorGroup         `json:"groups"`
	Statistics       Statistics           `json:"statistics"`
	Patterns         []Pattern            `json:"patterns"`
	Candidates       []RootCauseCandidate `json:"candidates"`
	Solutions        []Solution           `json:"solutions"`
	BestPractices    []string             `json:"bestPractices,omitempty"`
	DegradationFlags []DegradationFlag    `json:"degradationFlags"`
	EmailSent        bool                 `json:"emailSent"`
	ResentAt         *time.Time           `json:"resentAt,omitempty"`
	ResendOf         string               `json:"resendOf,omitempty"`
}

// AddFlag records a degradation flag once.
func (r *AnalysisResult) AddFlag(flag DegradationFlag) {
	if r.HasFlag(flag) {
		return
	}
	r.DegradationFlags = append(r.DegradationFlags, flag)
}

// HasFlag reports whether flag has been recorded.
func (r AnalysisResult) HasFlag(flag DegradationFlag) bool {
	for _, f := range r.DegradationFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// RemoveFlag drops a previously recorded flag.
func (r *AnalysisResult) RemoveFlag(flag DegradationFlag) {
	kept := make([]DegradationFlag, 0, len(r.DegradationFlags))
	for _, f := range r.DegradationFlags {
		if f != flag {
			kept = append(kept, f)
		}
	}
	r.DegradationFlags = kept
}

// TotalErrors sums member counts across groups.
func (r AnalysisResult) TotalErrors() int {
	total := 0
	for _, g := range r.Groups {
		total += g.Count
	}
	return total
}

// Report is the formatted notification handed to the mail transport.
type Report struct {
	Subject  string   `json:"subject"`
	Text     string   `json:"text"`
	HTML     string   `json:"html"`
	Severity Severity `json:"severity"`
}
