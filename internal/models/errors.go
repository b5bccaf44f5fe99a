package models

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed request field
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ErrorKind classifies faults raised while a pipeline runs
type ErrorKind string

const (
	ErrorKindInvalidRepository    ErrorKind = "InvalidRepository"
	ErrorKindRepositoryNotFound   ErrorKind = "RepositoryNotFound"
	ErrorKindRateLimitExhausted   ErrorKind = "RateLimitExhausted"
	ErrorKindUpstreamUnavailable  ErrorKind = "UpstreamUnavailable"
	ErrorKindTransportAuthFailure ErrorKind = "TransportAuthFailure"
	ErrorKindDeliveryFailure      ErrorKind = "DeliveryFailure"
)

// PipelineError is a classified fault from the collector or dispatcher
type PipelineError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError creates a classified pipeline error
func NewPipelineError(kind ErrorKind, message string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first PipelineError in err's chain, or "" if none
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether err carries a PipelineError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

var (
	ErrEmailNotFound      = errors.New("email not found")
	ErrDuplicateEmail     = errors.New("email already exists for this repository")
	ErrRepositoryNotFound = errors.New("repository not found")
	ErrShuttingDown       = errors.New("server is shutting down")
)
