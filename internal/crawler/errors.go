package crawler

import (
	"context"
	"errors"
	"net"
)

// FetchErrorKind classifies fetch failures that never produced a response.
type FetchErrorKind string

// Fetch error kinds.
const (
	FetchErrorTimeout FetchErrorKind = "timeout"
	FetchErrorNetwork FetchErrorKind = "network"
	FetchErrorOther   FetchErrorKind = "other"
)

// FetchError wraps a transport failure with its classification.
type FetchError struct {
	Kind FetchErrorKind
	Err  error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError classifies err. Already classified errors pass through.
func NewFetchError(err error) *FetchError {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return &FetchError{Kind: ClassifyFetchError(err), Err: err}
}

// ClassifyFetchError maps an error onto timeout, network or other.
func ClassifyFetchError(err error) FetchErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FetchErrorTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return FetchErrorTimeout
		}
		return FetchErrorNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return FetchErrorNetwork
	}
	return FetchErrorOther
}
