// Package models defines the core data structures for FunnelPipe.
//
// It includes funnel definitions, runs (one timed walk through a funnel's
// steps for a single recipient), event log records, and the API response
// envelope shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// Validation constants for funnel definitions.
const (
	// MaxStepMessageLength defines the maximum allowed length for a step's message body.
	MaxStepMessageLength = 4096
	// MaxStepsPerFunnel defines the maximum number of steps a funnel may contain.
	MaxStepsPerFunnel = 50
	// MaxKeywordLength defines the maximum allowed length for a trigger keyword.
	MaxKeywordLength = 100
)

// Error variables for better error handling and testability.
var (
	ErrEmptyKeyword       = errors.New("keyword cannot be empty")
	ErrKeywordTooLong     = errors.New("keyword exceeds maximum length")
	ErrNoSteps            = errors.New("funnel must have at least one step")
	ErrTooManySteps       = errors.New("funnel exceeds maximum step count")
	ErrEmptyStepMessage   = errors.New("step message cannot be empty")
	ErrStepMessageTooLong = errors.New("step message exceeds maximum length")
	ErrNegativeDelay      = errors.New("step delay cannot be negative")
	ErrEmptyTemplateName  = errors.New("template name cannot be empty")
	ErrNotFound           = errors.New("not found")
	ErrDuplicateID        = errors.New("duplicate id")
	ErrStaleVersion       = errors.New("stale version")
	ErrNoMatch            = errors.New("no funnel matches")
	ErrRunNotActive       = errors.New("run is not active")
)

// NormalizeKeyword canonicalizes a trigger keyword or inbound message text
// for matching: surrounding whitespace is trimmed and the result lowercased.
func NormalizeKeyword(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Step is a single timed message in a funnel. DelaySeconds counts from the
// moment the previous step was delivered (or from activation for step 0).
type Step struct {
	Message      string `json:"message"`
	DelaySeconds int    `json:"delay_seconds"`
}

// FunnelDefinition maps a trigger keyword to an ordered sequence of steps.
type FunnelDefinition struct {
	Keyword   string    `json:"keyword"`
	Steps     []Step    `json:"steps"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Validate checks a funnel definition before it is saved. The keyword is
// expected to already be normalized via NormalizeKeyword.
func (f *FunnelDefinition) Validate() error {
	if f.Keyword == "" {
		return ErrEmptyKeyword
	}
	if len(f.Keyword) > MaxKeywordLength {
		return ErrKeywordTooLong
	}
	if len(f.Steps) == 0 {
		return ErrNoSteps
	}
	if len(f.Steps) > MaxStepsPerFunnel {
		return ErrTooManySteps
	}
	for _, step := range f.Steps {
		if step.Message == "" {
			return ErrEmptyStepMessage
		}
		if len(step.Message) > MaxStepMessageLength {
			return ErrStepMessageTooLong
		}
		if step.DelaySeconds < 0 {
			return ErrNegativeDelay
		}
	}
	return nil
}

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	// RunStatusActive indicates the run has steps left to deliver.
	RunStatusActive RunStatus = "active"
	// RunStatusCompleted indicates every step was delivered.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusCancelled indicates the run was cancelled before completing.
	RunStatusCancelled RunStatus = "cancelled"
	// RunStatusFailed indicates delivery failed permanently or exhausted retries.
	RunStatusFailed RunStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusCancelled, RunStatusFailed:
		return true
	default:
		return false
	}
}

// Run is one activation of a funnel for a single recipient. Steps holds the
// definition snapshot captured at activation time, so later edits or deletion
// of the funnel never affect an in-flight run. Version backs optimistic
// concurrency on updates.
type Run struct {
	ID          string    `json:"id"`
	Keyword     string    `json:"keyword"`
	Recipient   string    `json:"recipient"`
	Steps       []Step    `json:"steps"`
	CurrentStep int       `json:"current_step"`
	NextFireAt  time.Time `json:"next_fire_at"`
	Status      RunStatus `json:"status"`
	Attempt     int       `json:"attempt"`
	LastError   string    `json:"last_error,omitempty"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EventLevel classifies an event log record.
type EventLevel string

const (
	EventLevelInfo  EventLevel = "INFO"
	EventLevelWarn  EventLevel = "WARNING"
	EventLevelError EventLevel = "ERROR"
)

// Event is a single append-only record of engine activity: delivery attempts,
// successes, failures, activations, cancellations.
type Event struct {
	ID        string     `json:"id"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	RunID     string     `json:"run_id,omitempty"`
	Recipient string     `json:"recipient,omitempty"`
	Time      time.Time  `json:"time"`
}

// Template is a named reusable message body. A funnel step may reference a
// template instead of carrying a literal message.
type Template struct {
	Name      string    `json:"name"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// InboundMessage is a message received from a sender, as yielded by the
// inbound event source.
type InboundMessage struct {
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
