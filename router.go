package rabble

import (
	"fmt"
	"log/slog"
)

// routeKind classifies an envelope's destination relative to one node.
type routeKind int

const (
	routeLocal routeKind = iota
	routeRemote
)

// resolve classifies env.To against the local node identity. Pure; the
// registry and connection lookups happen in Route against the respective
// snapshots.
func resolve(local NodeID, to Pid) routeKind {
	if to.Node == local {
		return routeLocal
	}
	return routeRemote
}

// Router decides, per envelope, between the local executor and a peer
// connection. Route is synchronous and never blocks: local delivery is a
// mailbox enqueue, remote delivery is a send-queue enqueue, and every
// failure surfaces immediately as an error.
type Router struct {
	local   NodeID
	exec    *Executor
	mem     *Membership
	metrics *Metrics
}

func newRouter(local NodeID, exec *Executor, mem *Membership, metrics *Metrics) *Router {
	return &Router{local: local, exec: exec, mem: mem, metrics: metrics}
}

// Route delivers env toward env.To.
//
// Local destination: enqueue on the actor's mailbox (ErrActorNotFound,
// ErrMailboxFull). Remote destination: encode and enqueue on the peer's
// connection if one is live, else ErrNodeUnreachable. A Pid minted by an
// older incarnation of a peer (same name, different generation) never
// matches the live connection and reports ErrNodeUnreachable.
//
// An envelope that would not fit in one wire frame is rejected here with
// ErrEnvelopeTooLarge; letting it onto the wire would make the receiving
// decoder fail the whole connection over one bad send.
func (r *Router) Route(env Envelope) error {
	r.metrics.EnvelopesRouted.Add(1)

	if resolve(r.local, env.To) == routeLocal {
		return r.exec.Enqueue(env)
	}

	if err := validateEnvelopeWire(env); err != nil {
		return fmt.Errorf("route to %s: %w", env.To, err)
	}

	c := r.mem.connFor(env.To.Node)
	if c == nil {
		r.metrics.UnreachableRejections.Add(1)
		return fmt.Errorf("route to %s: %w", env.To, ErrNodeUnreachable)
	}
	if err := c.enqueueFrame(appendEnvelopeFrame(nil, env)); err != nil {
		r.metrics.UnreachableRejections.Add(1)
		return fmt.Errorf("route to %s: %w", env.To, err)
	}
	r.metrics.RemoteSent.Add(1)
	return nil
}

// handleInbound receives every envelope decoded off a peer connection.
// There is no reply channel back to the remote sender, so failures here
// become dead letters rather than errors.
func (r *Router) handleInbound(env Envelope) {
	if resolve(r.local, env.To) != routeLocal {
		// Peer addressed an envelope to a node that is not us; with
		// point-to-point routing this means the sender's view is stale.
		r.metrics.DeadLetters.Add(1)
		slog.Warn("dropping misaddressed envelope",
			"node", r.local.String(), "to", env.To.String(), "from", env.From.String())
		return
	}
	if err := r.exec.Enqueue(env); err != nil {
		r.metrics.DeadLetters.Add(1)
		slog.Debug("dead letter",
			"node", r.local.String(), "to", env.To.String(), "error", err)
	}
}
