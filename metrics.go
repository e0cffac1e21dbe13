package rabble

import (
	"expvar"
	"strconv"
	"sync/atomic"
)

// metricsSeq generates unique IDs for expvar namespacing across nodes.
var metricsSeq atomic.Int64

// Metrics tracks operational counters for a Node. All counters are lock-free
// (atomic int64) and published to expvar under the "rabble." prefix for
// inspection via /debug/vars.
type Metrics struct {
	EnvelopesRouted    atomic.Int64 // Send calls accepted by the router
	EnvelopesDelivered atomic.Int64 // handler invocations completed
	DeadLetters        atomic.Int64 // inbound envelopes with no live recipient

	RemoteSent     atomic.Int64 // envelopes queued on a peer connection
	RemoteReceived atomic.Int64 // envelopes decoded off a peer connection

	MailboxFullRejections atomic.Int64
	UnreachableRejections atomic.Int64

	SpawnsTotal atomic.Int64
	StopsTotal  atomic.Int64

	ConnectsTotal     atomic.Int64
	DisconnectsTotal  atomic.Int64
	HandshakeFailures atomic.Int64
	HeartbeatsSent    atomic.Int64

	// actorCountFn returns the current number of live actors.
	// Set by Node at init time.
	actorCountFn func() int
}

// newMetrics creates a Metrics instance and publishes all counters to expvar.
// Each call gets a unique expvar prefix via a monotonic sequence.
func newMetrics() *Metrics {
	m := &Metrics{}

	// Use a monotonic sequence to guarantee unique expvar names even when
	// multiple nodes share the same name (common in tests).
	seq := metricsSeq.Add(1)
	prefix := "rabble." + strconv.FormatInt(seq, 10) + "."

	publish := func(name string, v expvar.Var) {
		expvar.Publish(prefix+name, v)
	}

	publish("envelopes_routed", atomicVar(&m.EnvelopesRouted))
	publish("envelopes_delivered", atomicVar(&m.EnvelopesDelivered))
	publish("dead_letters", atomicVar(&m.DeadLetters))
	publish("remote_sent", atomicVar(&m.RemoteSent))
	publish("remote_received", atomicVar(&m.RemoteReceived))
	publish("mailbox_full_rejections", atomicVar(&m.MailboxFullRejections))
	publish("unreachable_rejections", atomicVar(&m.UnreachableRejections))
	publish("spawns_total", atomicVar(&m.SpawnsTotal))
	publish("stops_total", atomicVar(&m.StopsTotal))
	publish("connects_total", atomicVar(&m.ConnectsTotal))
	publish("disconnects_total", atomicVar(&m.DisconnectsTotal))
	publish("handshake_failures", atomicVar(&m.HandshakeFailures))
	publish("heartbeats_sent", atomicVar(&m.HeartbeatsSent))
	publish("actors_live", expvar.Func(func() any {
		if m.actorCountFn != nil {
			return m.actorCountFn()
		}
		return 0
	}))

	return m
}

// atomicVar wraps an *atomic.Int64 as an expvar.Var.
func atomicVar(v *atomic.Int64) expvar.Var {
	return expvar.Func(func() any {
		return v.Load()
	})
}

// Snapshot returns all metric values as a map, suitable for JSON serialization.
func (m *Metrics) Snapshot() map[string]int64 {
	snap := map[string]int64{
		"envelopes_routed":        m.EnvelopesRouted.Load(),
		"envelopes_delivered":     m.EnvelopesDelivered.Load(),
		"dead_letters":            m.DeadLetters.Load(),
		"remote_sent":             m.RemoteSent.Load(),
		"remote_received":         m.RemoteReceived.Load(),
		"mailbox_full_rejections": m.MailboxFullRejections.Load(),
		"unreachable_rejections":  m.UnreachableRejections.Load(),
		"spawns_total":            m.SpawnsTotal.Load(),
		"stops_total":             m.StopsTotal.Load(),
		"connects_total":          m.ConnectsTotal.Load(),
		"disconnects_total":       m.DisconnectsTotal.Load(),
		"handshake_failures":      m.HandshakeFailures.Load(),
		"heartbeats_sent":         m.HeartbeatsSent.Load(),
	}
	if m.actorCountFn != nil {
		snap["actors_live"] = int64(m.actorCountFn())
	}
	return snap
}
