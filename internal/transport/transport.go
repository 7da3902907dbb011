// ============================================================================
// fractalpool transport - request/response link to pool elements
// ============================================================================
//
// Package: internal/transport
// File: transport.go
// Purpose: The capability sessions use to talk to one pool element.
//
// Exchange:
//   1. Request sends the tile's Parameter message and returns once the element
//      acknowledged it (the element answers with its identity).
//   2. Stream.Recv yields Data packets in row-major order. The last packet has
//      Final set; Recv returns io.EOF afterwards. Every few packets the element
//      sends a resume marker (Packet.Resume) with the first point not sent.
//   3. A stream that ends without the finalizer is a transport failure.
//   4. A request with a non-zero Resume continues the tile there; the element
//      sends only the points from Resume on.
//
// Errors:
//   Transport failures wrap types.ErrTransportFailure. A request that could
//   not be delivered at all also wraps types.ErrElementUnreachable. An element
//   that refuses a delivered request (busy, invalid parameters) answers with
//   types.ErrElementRejected. Deadline expiry inside the transport wraps
//   types.ErrRequestTimeout. When the caller's context is cancelled the error
//   carries context.Cause, so callers can tell a watchdog timeout from an
//   abort.
//
// ============================================================================

package transport

import (
	"context"

	"github.com/ChuLiYu/fractalpool/pkg/types"
)

// Request asks an element to calculate one tile.
type Request struct {
	UnitID types.UnitID
	Tile   types.Tile
	// Parameter describes the tile itself: its size and its region of the
	// complex plane.
	Parameter types.Parameter
	// Resume is the checkpoint of an earlier attempt, zero for a fresh start.
	Resume types.Checkpoint
}

// Stream delivers the result packets of one request.
type Stream interface {
	// Recv blocks until the next packet arrives. Packets are tagged with the
	// unit the element says it is working on.
	Recv() (types.Packet, error)
	// Close releases the stream. It is safe to call more than once.
	Close() error
}

// Transport opens request streams to pool elements.
type Transport interface {
	// Request sends req to element and returns after the element acknowledged
	// it. The stream lives until ctx is done or Close is called.
	Request(ctx context.Context, element types.PoolElement, req Request) (Stream, error)
}
