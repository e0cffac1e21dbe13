package rabble

import (
	"runtime"
	"time"
)

type Option func(*nodeConfig)

type nodeConfig struct {
	listenAddr string
	generation uint64 // 0 = derive from wall clock at NewNode

	// Mesh liveness.
	heartbeatInterval     time.Duration
	heartbeatTimeoutCount int

	// Reconnect backoff bounds.
	backoffMin time.Duration
	backoffMax time.Duration

	// Throughput tuning.
	mailboxCapacity int // per-actor mailbox slots
	workers         int // handler worker pool size (default GOMAXPROCS)

	// Admin server address (e.g. "127.0.0.1:9090"). Empty = disabled.
	adminAddr string
}

func defaultNodeConfig() nodeConfig {
	return nodeConfig{
		listenAddr:            "127.0.0.1:0",
		heartbeatInterval:     1 * time.Second,
		heartbeatTimeoutCount: 3,
		backoffMin:            100 * time.Millisecond,
		backoffMax:            5 * time.Second,
		mailboxCapacity:       1024,
		workers:               runtime.GOMAXPROCS(0),
	}
}

// WithListenAddr sets the TCP address the node's listener binds to.
// Default "127.0.0.1:0" (ephemeral port, loopback only).
func WithListenAddr(addr string) Option {
	return func(c *nodeConfig) {
		c.listenAddr = addr
	}
}

// WithGeneration pins the node's incarnation number. Defaults to the wall
// clock at startup, which makes every restart observably newer than the
// last without any persisted state.
func WithGeneration(gen uint64) Option {
	return func(c *nodeConfig) {
		c.generation = gen
	}
}

// WithHeartbeatInterval sets how often heartbeats go out on idle
// connections.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *nodeConfig) {
		c.heartbeatInterval = d
	}
}

// WithHeartbeatTimeoutCount sets how many silent intervals mark a peer
// down.
func WithHeartbeatTimeoutCount(n int) Option {
	return func(c *nodeConfig) {
		c.heartbeatTimeoutCount = n
	}
}

// WithReconnectBackoff bounds the exponential backoff between failed
// connect attempts.
func WithReconnectBackoff(min, max time.Duration) Option {
	return func(c *nodeConfig) {
		c.backoffMin = min
		c.backoffMax = max
	}
}

// WithMailboxCapacity sets the per-actor mailbox size. A full mailbox
// rejects sends with ErrMailboxFull.
func WithMailboxCapacity(n int) Option {
	return func(c *nodeConfig) {
		c.mailboxCapacity = n
	}
}

// WithWorkers sets the handler worker pool size.
func WithWorkers(n int) Option {
	return func(c *nodeConfig) {
		c.workers = n
	}
}

// WithAdminAddr enables the HTTP admin server (status, peers, expvar,
// pprof) on addr. Disabled when empty.
func WithAdminAddr(addr string) Option {
	return func(c *nodeConfig) {
		c.adminAddr = addr
	}
}
