package upstream

import (
	"errors"
	"fmt"
)

type AuthReason string

const (
	ReasonInvalidCredentials  AuthReason = "invalid_credentials"
	ReasonUpstreamUnreachable AuthReason = "upstream_unreachable"
	ReasonUpstreamError       AuthReason = "upstream_error"
)

// AuthError is returned by Authenticate. It is never retried.
type AuthError struct {
	Reason     AuthReason
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	switch {
	case e.Reason == ReasonUpstreamError && e.StatusCode != 0:
		return fmt.Sprintf("%s(%d): %v", e.Reason, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	default:
		return string(e.Reason)
	}
}

func (e *AuthError) Unwrap() error { return e.Err }

// FetchError is returned by ListGyms and FetchOccupancy. Transient errors
// (network, timeout, 5xx, 429) are worth retrying; the rest are not.
type FetchError struct {
	Op         string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *FetchError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s failure (status %d): %v", e.Op, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s failure: %v", e.Op, kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsTransient reports whether err carries a transient FetchError.
func IsTransient(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Transient
}

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrGymNotListed     = errors.New("gym not present in upstream response")
)

func transientStatus(code int) bool {
	return code == 429 || code >= 500
}
