package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrExternalTool  = errors.New("external tool error")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrTransient     = errors.New("transient failure")
)

// Class groups failures by how the owning component must react.
type Class string

const (
	// ClassTransient failures are retried with backoff before escalation.
	ClassTransient Class = "transient"
	// ClassDefinite failures mark the owning entity failed without retry.
	ClassDefinite Class = "definite"
	// ClassFatal failures stop the process from starting.
	ClassFatal Class = "fatal"
)

// Wrap builds an error message that includes component context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Classify maps an error to its handling class. Unmarked errors are definite:
// only failures explicitly tagged transient get retried.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassDefinite
	case errors.Is(err, ErrConfiguration):
		return ClassFatal
	case errors.Is(err, ErrTransient):
		return ClassTransient
	default:
		return ClassDefinite
	}
}

// IsRetryable reports whether err is tagged as transient.
func IsRetryable(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}

// FailureReason renders a short operator-facing reason for a recorded failure.
func FailureReason(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.TrimSpace(err.Error())
	if len(msg) > 500 {
		msg = msg[:500] + "..."
	}
	return msg
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
