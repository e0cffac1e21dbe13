package rabble

import "fmt"

var (
	// ErrActorNotFound is returned when the destination actor does not exist
	// on this node: never spawned, already stopped, or addressed with a Pid
	// from a previous node incarnation. Permanent — callers should not retry.
	ErrActorNotFound = fmt.Errorf("actor not found")

	// ErrActorExists is returned by Spawn when the name is already taken by
	// a live actor on this node.
	ErrActorExists = fmt.Errorf("actor name already in use")

	// ErrMailboxFull is the backpressure signal: the destination mailbox is
	// at capacity. Transient — the caller may retry, drop, or slow down.
	// Enqueue never blocks waiting for space.
	ErrMailboxFull = fmt.Errorf("mailbox full")

	// ErrNodeUnreachable is returned for remote sends while no live
	// connection to the owning node exists (disconnected, still connecting,
	// or never known). Transient — a NodeUp event signals recovery.
	ErrNodeUnreachable = fmt.Errorf("node unreachable")

	// ErrHandshake is returned when a connection attempt fails during the
	// identity exchange. Fatal to the attempt only; the normal reconnect
	// backoff follows.
	ErrHandshake = fmt.Errorf("handshake failed")

	// ErrEnvelopeTooLarge is returned for remote sends whose envelope would
	// not fit in a single wire frame (oversized payload, or a name or
	// correlation field past its length prefix). Permanent for that
	// envelope; the connection is unaffected.
	ErrEnvelopeTooLarge = fmt.Errorf("envelope too large")

	// ErrNodeStopped is returned for operations on a Node after Shutdown.
	ErrNodeStopped = fmt.Errorf("node stopped")
)

// ProtocolError reports a malformed or incompatible frame on a connection.
// It is fatal to that connection only: the connection is closed and the peer
// reported down, but no other connection or actor is affected.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}
