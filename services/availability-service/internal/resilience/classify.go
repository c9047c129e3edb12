// Package resilience wraps calls to upstream calendar providers with an
// adaptive rate limiter, a classifier-driven retry policy, and a circuit
// breaker. Handlers never see raw provider errors; they see classifications.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind buckets an upstream failure for retry and messaging decisions.
type Kind string

const (
	KindRateLimited    Kind = "rate_limited"
	KindTimeout        Kind = "timeout"
	KindNetwork        Kind = "network"
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindNotFound       Kind = "not_found"
	KindServerError    Kind = "server_error"
	KindValidation     Kind = "validation"
	KindClientError    Kind = "client_error"
	KindUnknown        Kind = "unknown"
)

// Classification is the engine's verdict on an upstream error. UserMessage is
// safe to read back to an end caller; SuggestedAction is for operators.
type Classification struct {
	Kind            Kind
	Retryable       bool
	Severity        string
	UserMessage     string
	SuggestedAction string
}

// StatusError is a non-2xx upstream response. Calendar clients return it for
// every failed call so the classifier sees status and Retry-After uniformly.
type StatusError struct {
	Op         string
	Status     int
	RetryAfter time.Duration
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: upstream status %d: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("%s: upstream status %d", e.Op, e.Status)
}

var classifications = map[Kind]Classification{
	KindRateLimited: {
		Kind: KindRateLimited, Retryable: true, Severity: "warning",
		UserMessage:     "The calendar service is busy right now. Please try again in a moment.",
		SuggestedAction: "reduce request rate; limiter backs off automatically",
	},
	KindTimeout: {
		Kind: KindTimeout, Retryable: true, Severity: "warning",
		UserMessage:     "The calendar is taking longer than usual to respond.",
		SuggestedAction: "retry; check upstream latency if persistent",
	},
	KindNetwork: {
		Kind: KindNetwork, Retryable: true, Severity: "warning",
		UserMessage:     "We couldn't reach the calendar service. Please try again.",
		SuggestedAction: "retry; check connectivity to the provider",
	},
	KindAuthentication: {
		Kind: KindAuthentication, Retryable: false, Severity: "critical",
		UserMessage:     "The calendar connection needs to be re-authorised.",
		SuggestedAction: "refresh or re-grant provider credentials",
	},
	KindAuthorization: {
		Kind: KindAuthorization, Retryable: false, Severity: "critical",
		UserMessage:     "We don't have permission to access this calendar.",
		SuggestedAction: "check granted scopes on the provider app",
	},
	KindNotFound: {
		Kind: KindNotFound, Retryable: false, Severity: "error",
		UserMessage:     "That calendar or appointment could not be found.",
		SuggestedAction: "verify the calendar id and event id",
	},
	KindServerError: {
		Kind: KindServerError, Retryable: true, Severity: "error",
		UserMessage:     "The calendar service had a problem. Please try again shortly.",
		SuggestedAction: "retry; check provider status page if persistent",
	},
	KindValidation: {
		Kind: KindValidation, Retryable: false, Severity: "error",
		UserMessage:     "The appointment details were rejected by the calendar service.",
		SuggestedAction: "inspect the request payload",
	},
	KindClientError: {
		Kind: KindClientError, Retryable: false, Severity: "error",
		UserMessage:     "The calendar service rejected the request.",
		SuggestedAction: "inspect the request payload",
	},
	KindUnknown: {
		Kind: KindUnknown, Retryable: false, Severity: "error",
		UserMessage:     "Something went wrong talking to the calendar service.",
		SuggestedAction: "inspect logs for the underlying error",
	},
}

// Classify maps an error from an upstream call to its classification.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	if IsBreakerOpen(err) {
		return Classification{
			Kind: KindServerError, Retryable: false, Severity: "error",
			UserMessage:     "The calendar service is temporarily unavailable. Please try again shortly.",
			SuggestedAction: "wait for the circuit breaker to close",
		}
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Status == 429:
			return classifications[KindRateLimited]
		case se.Status == 401:
			return classifications[KindAuthentication]
		case se.Status == 403:
			return classifications[KindAuthorization]
		case se.Status == 404:
			return classifications[KindNotFound]
		case se.Status == 400 || se.Status == 422:
			return classifications[KindValidation]
		case se.Status >= 400 && se.Status < 500:
			return classifications[KindClientError]
		case se.Status >= 500:
			return classifications[KindServerError]
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return classifications[KindTimeout]
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return classifications[KindTimeout]
		}
		return classifications[KindNetwork]
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return classifications[KindNetwork]
	}

	return classifications[KindUnknown]
}

// ClassifiedError pairs the original error with its classification so callers
// can branch on Kind without re-classifying.
type ClassifiedError struct {
	Err   error
	Class Classification
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }
