package types

import "errors"

var (
	// ErrPoolEmpty is returned when no reachable pool element can be selected.
	// Recoverable: back off and retry.
	ErrPoolEmpty = errors.New("pool empty: no reachable pool element")

	// ErrRequestTimeout is returned when an element does not acknowledge a request
	// or stops sending result packets within the deadline.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrTransportFailure is returned when the connection to an element failed,
	// before or after the request was acknowledged.
	ErrTransportFailure = errors.New("transport failure")

	// ErrElementUnreachable is wrapped together with ErrTransportFailure when a
	// request could not be delivered at all. Only this takes an element out of
	// the pool; a stream dropped after the acknowledgement does not.
	ErrElementUnreachable = errors.New("pool element unreachable")

	// ErrElementRejected is returned when an element refused a request it
	// received, e.g. because all of its sessions are busy. It says nothing
	// about the element's liveness.
	ErrElementRejected = errors.New("request rejected by pool element")

	// ErrElementWithdrawn is the cause of sessions aborted because their
	// element left the pool or was marked unreachable. The unit did not fail
	// on its own, so no attempt is counted.
	ErrElementWithdrawn = errors.New("pool element withdrawn")

	// ErrUnitRetryExhausted is returned when a unit failed more often than the retry budget allows.
	ErrUnitRetryExhausted = errors.New("unit retry budget exhausted")

	// ErrStalePacket marks a result packet for a unit the receiver no longer holds.
	// It is discarded and never surfaced.
	ErrStalePacket = errors.New("duplicate or stale packet")

	// ErrJobCancelled is returned when a job run is cancelled cooperatively.
	ErrJobCancelled = errors.New("job cancelled")
)
