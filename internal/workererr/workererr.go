// Package workererr defines the sentinel errors callers of Worker and
// RelayPool are expected to compare against with errors.Is.
package workererr

import "errors"

var (
	// ErrDisposed is returned by the error-reporting operations of a Worker
	// after Close has run. RelayPool does not return it.
	ErrDisposed = errors.New("nostrworker: use after dispose")
	// ErrNotFound is returned when a lookup (e.g. unsubscribe of an unknown
	// subscription id) cannot find its target.
	ErrNotFound = errors.New("nostrworker: not found")
)
