package catalog

import (
	"errors"
	"fmt"
	"net/http"
)

// FetchError is the typed failure surfaced to catalog consumers. It carries the
// fingerprint that triggered the load so callers can retry that exact query.
type FetchError struct {
	Fingerprint string `json:"fingerprint"`
	StatusCode  int    `json:"statusCode,omitempty"`
	Message     string `json:"message"`
	Err         error  `json:"-"`
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("catalog fetch [%s] failed with status %d: %s", e.Fingerprint, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("catalog fetch [%s] failed: %s", e.Fingerprint, e.Message)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the same request may succeed.
func (e *FetchError) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}

// AsFetchError wraps err as a *FetchError for fingerprint unless it already is one.
func AsFetchError(fingerprint string, err error) *FetchError {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		if fe.Fingerprint == "" {
			copied := *fe
			copied.Fingerprint = fingerprint
			return &copied
		}
		return fe
	}
	return &FetchError{
		Fingerprint: fingerprint,
		Message:     err.Error(),
		Err:         err,
	}
}
