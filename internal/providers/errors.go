package providers

import (
	"errors"
	"strings"
)

// Sentinel errors wrapped by provider implementations. Classification falls
// back to message heuristics for errors that arrive unwrapped (transport
// failures, SDK errors).
var (
	ErrRateLimited      = errors.New("provider rate limited")
	ErrTransient        = errors.New("transient provider error")
	ErrAuth             = errors.New("provider authentication failed")
	ErrMalformedRequest = errors.New("malformed provider request")
)

type ErrorType string

const (
	ErrorRate      ErrorType = "rate"
	ErrorTransient ErrorType = "transient"
	ErrorAuth      ErrorType = "auth"
	ErrorMalformed ErrorType = "malformed"
	ErrorPermanent ErrorType = "permanent"
)

func ClassifyError(err error) ErrorType {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrRateLimited):
		return ErrorRate
	case errors.Is(err, ErrTransient):
		return ErrorTransient
	case errors.Is(err, ErrAuth):
		return ErrorAuth
	case errors.Is(err, ErrMalformedRequest):
		return ErrorMalformed
	}
	e := strings.ToLower(err.Error())
	switch {
	case strings.Contains(e, "quota"), strings.Contains(e, "rate"), strings.Contains(e, "429"):
		return ErrorRate
	case strings.Contains(e, "unauthorized"), strings.Contains(e, "401"), strings.Contains(e, "403"),
		strings.Contains(e, "api key"), strings.Contains(e, "permission"):
		return ErrorAuth
	case strings.Contains(e, "timeout"), strings.Contains(e, "deadline"),
		strings.Contains(e, "temporarily"), strings.Contains(e, "unavailable"),
		strings.Contains(e, "connection"):
		return ErrorTransient
	case strings.Contains(e, "400"), strings.Contains(e, "invalid request"), strings.Contains(e, "malformed"):
		return ErrorMalformed
	default:
		return ErrorPermanent
	}
}

// IsRetryable reports whether a call failing with this error type should
// consume a retry attempt. Auth and malformed-request failures cannot be
// fixed by retrying.
func IsRetryable(t ErrorType) bool {
	return t == ErrorRate || t == ErrorTransient
}

// IsRunFatal reports error types that abort the whole run rather than one
// page: retrying another page with the same bad credentials cannot help.
func IsRunFatal(t ErrorType) bool {
	return t == ErrorAuth
}
