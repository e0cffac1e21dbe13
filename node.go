package rabble

// Node is one member of the mesh: a listener, a connection per known peer,
// an actor registry with its worker pool, and a timer service, wired
// together behind a small synchronous API. Everything lives in memory;
// a restarted node comes back with a new generation and an empty registry.
//
// A Node is location transparent at the call site: Send takes any Pid and
// the router picks the local mailbox or the peer connection. Remote
// delivery is at-most-once; per sender-receiver pair, delivered envelopes
// arrive in send order within one connection session.

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type Node struct {
	id  NodeID
	cfg nodeConfig

	timers  *TimerService
	metrics *Metrics
	mem     *Membership
	exec    *Executor
	router  *Router
	admin   *AdminServer

	done     chan struct{}
	stopOnce sync.Once
}

// NewNode builds a node named name. The node does not listen or run
// anything until Start.
func NewNode(name string, opts ...Option) *Node {
	cfg := defaultNodeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	gen := cfg.generation
	if gen == 0 {
		gen = uint64(time.Now().UnixNano())
	}
	id := NodeID{Name: name, Gen: gen}

	n := &Node{
		id:      id,
		cfg:     cfg,
		timers:  newTimerService(),
		metrics: newMetrics(),
		done:    make(chan struct{}),
	}
	n.mem = newMembership(id, membershipConfig{
		heartbeatInterval:     cfg.heartbeatInterval,
		heartbeatTimeoutCount: cfg.heartbeatTimeoutCount,
		backoffMin:            cfg.backoffMin,
		backoffMax:            cfg.backoffMax,
	}, n.timers, n.metrics)
	n.exec = newExecutor(id, cfg.mailboxCapacity, n.metrics)
	n.router = newRouter(id, n.exec, n.mem, n.metrics)

	n.exec.route = n.router.Route
	n.mem.deliver = n.router.handleInbound
	n.metrics.actorCountFn = n.exec.actorCount
	return n
}

// Start binds the listener and launches the timer service, the worker
// pool, and the membership loops.
func (n *Node) Start() error {
	n.timers.start()
	n.exec.start(n.cfg.workers)
	if err := n.mem.start(n.cfg.listenAddr); err != nil {
		n.exec.stop()
		n.timers.stop()
		return err
	}
	if n.cfg.adminAddr != "" {
		admin, err := newAdminServer(n, n.cfg.adminAddr)
		if err != nil {
			n.Shutdown()
			return err
		}
		n.admin = admin
		n.admin.start()
	}
	slog.Info("node started",
		"node", n.id.String(), "addr", n.mem.Addr(), "workers", n.cfg.workers)
	return nil
}

// ID returns the node's identity (name plus generation).
func (n *Node) ID() NodeID { return n.id }

// Addr returns the listener's bound address. Valid after Start.
func (n *Node) Addr() string { return n.mem.Addr() }

// Spawn registers an actor and returns its Pid, routable immediately.
func (n *Node) Spawn(name string, r Receiver) (Pid, error) {
	if n.stopped() {
		return Pid{}, fmt.Errorf("spawn %q: %w", name, ErrNodeStopped)
	}
	return n.exec.Spawn(name, r)
}

// StopActor stops the actor cooperatively: the in-flight invocation (if
// any) completes, queued envelopes are dropped, and later sends fail with
// ErrActorNotFound.
func (n *Node) StopActor(pid Pid) error {
	if n.stopped() {
		return fmt.Errorf("stop %s: %w", pid, ErrNodeStopped)
	}
	return n.exec.Stop(pid)
}

// Send routes one payload from from to to, local or remote. Synchronous
// and non-blocking: acceptance means the envelope was handed to the
// destination mailbox or the peer's send queue, not that it was processed.
func (n *Node) Send(from, to Pid, payload []byte) error {
	if n.stopped() {
		return fmt.Errorf("send to %s: %w", to, ErrNodeStopped)
	}
	return n.router.Route(NewEnvelope(from, to, payload))
}

// AddNode introduces a peer by identity and address; the mesh starts
// connecting immediately and keeps retrying with backoff.
func (n *Node) AddNode(id NodeID, addr string) {
	n.mem.AddNode(id, addr)
}

// RemoveNode forgets a peer and closes its connection.
func (n *Node) RemoveNode(id NodeID) {
	n.mem.RemoveNode(id)
}

// Status reports the local, eventually-consistent view of a peer's
// connection state.
func (n *Node) Status(id NodeID) PeerStatus {
	return n.mem.Status(id)
}

// Nodes lists all known peers with their connection states.
func (n *Node) Nodes() []PeerInfo {
	return n.mem.Nodes()
}

// SubscribeMembership registers fn for NodeUp and NodeDown events. fn runs
// on the event stream's dispatch path and must not block. Stop the returned
// subscription to unsubscribe.
func (n *Node) SubscribeMembership(fn func(interface{})) Subscription {
	return n.mem.Subscribe(fn)
}

// Metrics exposes the node's operational counters.
func (n *Node) Metrics() *Metrics {
	return n.metrics
}

// Shutdown stops the node: listener closed, connections torn down, workers
// drained, timers stopped. Idempotent. Operations after Shutdown fail with
// ErrNodeStopped.
func (n *Node) Shutdown() {
	n.stopOnce.Do(func() {
		close(n.done)
		if n.admin != nil {
			n.admin.stop()
		}
		n.mem.stop()
		n.exec.stop()
		n.timers.stop()
		slog.Info("node stopped", "node", n.id.String())
	})
}

func (n *Node) stopped() bool {
	select {
	case <-n.done:
		return true
	default:
		return false
	}
}
