// Package errs defines the abstract error taxonomy every component in
// knowengage reports through: callers distinguish kinds with errors.Is,
// never by matching strings.
package errs

import "errors"

// Sentinel kinds. Wrap with fmt.Errorf("...: %w", Kind) to attach context.
var (
	// ValidationFailure: input outside its declared shape. No side effect.
	ValidationFailure = errors.New("validation failure")

	// RateLimited: admission refused by a token bucket or rate limiter.
	RateLimited = errors.New("rate limited")

	// NotFound: the requested row/entity does not exist or is soft-deleted.
	NotFound = errors.New("not found")

	// ConcurrencyRefused: a distributed lock or CAS could not be acquired.
	ConcurrencyRefused = errors.New("concurrency refused")

	// TransientInfra: cache store, relational store, or bus unavailable.
	TransientInfra = errors.New("transient infrastructure error")

	// FatalInfra: a background worker's connection was lost and cannot be
	// recovered without a supervisor restart.
	FatalInfra = errors.New("fatal infrastructure error")

	// DataCorruption: a packed-counter blob has the wrong length.
	DataCorruption = errors.New("data corruption")
)

// Is reports whether err ultimately wraps kind.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
