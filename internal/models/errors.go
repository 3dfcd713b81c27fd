package models

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedRecord is returned when a raw document lacks a usable timestamp or message.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrClassification is never returned by the classifier; Unknown is the fallback category.
	ErrClassification = errors.New("classification failed")
	// ErrRunInProgress rejects a trigger while another run is active.
	ErrRunInProgress = errors.New("run in progress")
	// ErrCancelled marks a run aborted at a stage boundary.
	ErrCancelled = errors.New("run cancelled")
)

// FetchError reports a search backend failure after retries were exhausted.
type FetchError struct {
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// CorrelationError reports an infrastructure failure inside the correlator.
type CorrelationError struct {
	Err error
}

func (e *CorrelationError) Error() string {
	return fmt.Sprintf("correlation failed: %v", e.Err)
}

func (e *CorrelationError) Unwrap() error { return e.Err }

// SynthesisError reports an infrastructure failure inside the synthesizer.
type SynthesisError struct {
	Err error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis failed: %v", e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// DeliveryError reports a report that could not be sent after all attempts.
type DeliveryError struct {
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
