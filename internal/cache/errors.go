package cache

import "errors"

var (
	// ErrNotFound is returned by Store.Get for a missing key.
	ErrNotFound = errors.New("cache entry not found")
	// ErrStoreUnavailable marks a failed store read or write. Resolution
	// degrades to a miss; saves are skipped.
	ErrStoreUnavailable = errors.New("cache store unavailable")
)
