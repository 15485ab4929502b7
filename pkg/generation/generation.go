// Package generation issues cancellation epochs for viewport fetches.
// Work tagged with an old generation is abandoned cooperatively: a stale
// branch finishes whatever network call is already in flight, then drops
// its own result instead of propagating it.
package generation

import "sync/atomic"

// Tracker is a monotonically increasing counter identifying the current
// user intent. Call Next exactly once per top-level user-initiated fetch,
// never per recursive sub-fetch.
type Tracker struct {
	current atomic.Int64
}

// Generation is an opaque cancellation epoch.
type Generation int64

// Next advances to a new generation and returns it. All work started under
// an earlier value becomes stale immediately.
func (t *Tracker) Next() Generation {
	return Generation(t.current.Add(1))
}

// Current returns the latest issued generation without advancing it.
func (t *Tracker) Current() Generation {
	return Generation(t.current.Load())
}

// IsStale reports whether a newer generation has been issued since g.
func (t *Tracker) IsStale(g Generation) bool {
	return Generation(t.current.Load()) != g
}
