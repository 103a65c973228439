package gateway

import (
	"errors"
	"fmt"
)

// Error classes. Every error surfaced by a gateway, provider or list source
// is classified into one of these with errors.Is.
var (
	// ErrTransient covers network failures and SDK errors. Retried with backoff.
	ErrTransient = errors.New("transient ad delivery error")
	// ErrNoFill is a valid empty response. It never consumes retry budget.
	ErrNoFill = errors.New("no fill")
	// ErrConfiguration marks malformed configuration; the affected placement
	// is skipped.
	ErrConfiguration = errors.New("configuration error")
	// ErrPolicyViolation means the domain is not authorized. Fatal for the
	// session.
	ErrPolicyViolation = errors.New("policy violation")
)

// Err joins a class with an optional inner error and message.
func Err(class error, inner error, msgTemplate string, args ...any) error {
	if msgTemplate == "" {
		return errors.Join(class, inner)
	}
	return errors.Join(class, inner, fmt.Errorf(msgTemplate, args...))
}

// Classify maps err to its class. Unclassified errors are transient.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPolicyViolation):
		return ErrPolicyViolation
	case errors.Is(err, ErrConfiguration):
		return ErrConfiguration
	case errors.Is(err, ErrNoFill):
		return ErrNoFill
	default:
		return ErrTransient
	}
}

// ClassName returns a metric-friendly label for err's class.
func ClassName(err error) string {
	switch Classify(err) {
	case nil:
		return "none"
	case ErrPolicyViolation:
		return "policy_violation"
	case ErrConfiguration:
		return "configuration"
	case ErrNoFill:
		return "no_fill"
	default:
		return "transient"
	}
}
