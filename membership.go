package rabble

// Membership tracks every known peer node and owns the one connection (or
// connection attempt) to each of them.
//
// Invariants:
//   - At most one connection state exists per peer name; a handshake carrying
//     a higher generation for a known name replaces the old incarnation.
//   - The peer table is owned by a single serializing goroutine. External
//     access goes through the command channel (AddNode, RemoveNode, Status)
//     or through an immutable connection snapshot swapped atomically for the
//     router's send path. No caller ever holds a live reference to the table.
//   - Simultaneous connects converge deterministically: the lower-ordered
//     NodeID is the designated initiator. A node dialing peer P that receives
//     an inbound connection from P keeps the inbound and abandons its dial
//     iff it orders higher than P; if it orders lower it rejects the inbound
//     and lets its own dial win. Exactly one connection survives, initiated
//     by the lower ID.
//   - Failed connects retry with exponential backoff plus jitter, scheduled
//     on the shared timer service. The attempt counter resets on success and
//     when a reconnect cycle starts after NodeDown.
//   - Connected peers exchange heartbeats (the reserved empty frame). A peer
//     that stays silent past heartbeatInterval × heartbeatTimeoutCount, or
//     any socket/protocol error, transitions to Disconnected, fires NodeDown,
//     discards the send queue, and schedules a fresh reconnect. Nothing sent
//     during the outage is delivered later.
//
// Handshake direction mirrors the dial direction: the dialer writes its
// identity frame first then reads the peer's; the accepting side reads first
// then writes. The handshake carries the advertised listen address so the
// accepting side can dial back later.

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// connDialTimeout bounds the TCP dial to a peer.
const connDialTimeout = 5 * time.Second

// connHandshakeTimeout bounds the identity exchange after the socket opens.
// Prevents a slow or hostile peer from holding a connection indefinitely
// before identifying itself.
const connHandshakeTimeout = 5 * time.Second

// ConnState is the connection state of one known peer. Exactly one exists
// per peer, owned by the membership manager.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// PeerStatus is the externally visible connection state of a peer.
type PeerStatus struct {
	State    ConnState
	Attempts int // failed connect attempts in the current cycle
}

// PeerInfo describes one known peer for diagnostics.
type PeerInfo struct {
	ID       NodeID
	Addr     string
	State    ConnState
	Attempts int
}

// peer is the membership manager's private record for one known node.
// Touched only on the run loop goroutine.
type peer struct {
	id       NodeID
	addr     string
	state    ConnState
	attempts int
	conn     *conn

	retryTimer TimerID // pending backoff timer, 0 when none
	dialSeq    uint64  // invalidates in-flight dial results
}

type membershipConfig struct {
	heartbeatInterval     time.Duration
	heartbeatTimeoutCount int
	backoffMin            time.Duration
	backoffMax            time.Duration
}

// Membership is the cluster membership manager. See the package comment at
// the top of this file for the invariants it maintains.
type Membership struct {
	local     NodeID
	advertise string
	cfg       membershipConfig

	timers  *TimerService
	events  *eventer
	metrics *Metrics

	// deliver receives every envelope decoded off any peer connection.
	// Set by the Node to the router's inbound path before start.
	deliver func(Envelope)

	listener net.Listener
	peers    map[string]*peer // keyed by NodeID.Name
	cmds     chan func()

	// connsSnap is the immutable connection snapshot read lock-free by the
	// router. Rebuilt on every attach/detach.
	connsSnap atomic.Pointer[map[NodeID]*conn]

	heartbeatFrame []byte

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newMembership(local NodeID, cfg membershipConfig, timers *TimerService, metrics *Metrics) *Membership {
	m := &Membership{
		local:          local,
		cfg:            cfg,
		timers:         timers,
		events:         newEventer(),
		metrics:        metrics,
		peers:          make(map[string]*peer),
		cmds:           make(chan func(), 256),
		heartbeatFrame: appendHeartbeatFrame(nil),
		done:           make(chan struct{}),
	}
	empty := make(map[NodeID]*conn)
	m.connsSnap.Store(&empty)
	return m
}

// start opens the listener and launches the run and accept loops.
func (m *Membership) start(listenAddr string) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("membership listen: %w", err)
	}
	m.listener = ln
	m.advertise = ln.Addr().String()

	m.wg.Add(2)
	go m.run()
	go m.acceptLoop()

	m.scheduleHeartbeat()
	return nil
}

// stop closes the listener and every connection, then waits for all
// goroutines to exit. Safe to call multiple times.
func (m *Membership) stop() {
	m.stopOnce.Do(func() {
		if m.listener != nil {
			m.listener.Close()
		}

		drained := make(chan struct{})
		m.do(func() {
			for _, p := range m.peers {
				m.cancelRetry(p)
				p.dialSeq++
				if p.conn != nil {
					p.conn.shutdown()
					p.conn = nil
				}
				p.state = StateDisconnected
			}
			m.storeConnSnapshot()
			close(drained)
		})
		select {
		case <-drained:
		case <-time.After(connHandshakeTimeout):
		}

		close(m.done)
		m.wg.Wait()
	})
}

// Addr returns the listener's address (useful when binding to ":0").
func (m *Membership) Addr() string {
	return m.advertise
}

// Subscribe registers fn for membership events (NodeUp, NodeDown).
func (m *Membership) Subscribe(fn func(interface{})) Subscription {
	return m.events.Subscribe(fn)
}

// do runs fn on the membership goroutine. Drops the command when the
// manager has stopped.
func (m *Membership) do(fn func()) {
	select {
	case m.cmds <- fn:
	case <-m.done:
	}
}

func (m *Membership) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case fn := <-m.cmds:
			fn()
		}
	}
}

// --- public commands ---

// AddNode makes id a known peer reachable at addr and starts connecting.
// Learning about an already-known peer updates its address; a higher
// generation for a known name replaces the old incarnation entirely.
func (m *Membership) AddNode(id NodeID, addr string) {
	if id.Name == m.local.Name {
		return
	}
	m.do(func() {
		p := m.peers[id.Name]
		if p != nil {
			if id.Gen < p.id.Gen {
				return // stale information about a dead incarnation
			}
			if id.Gen == p.id.Gen {
				if addr != "" {
					p.addr = addr
				}
				if p.state == StateDisconnected {
					m.startConnect(p)
				}
				return
			}
			m.dropPeer(p, "peer restarted")
		}
		p = &peer{id: id, addr: addr}
		m.peers[id.Name] = p
		m.startConnect(p)
	})
}

// RemoveNode forgets a peer and closes its connection. Subsequent sends to
// it fail with ErrNodeUnreachable until it is added again.
func (m *Membership) RemoveNode(id NodeID) {
	m.do(func() {
		p := m.peers[id.Name]
		if p == nil {
			return
		}
		m.dropPeer(p, "removed")
	})
}

// Status reports the connection state for a peer NodeID. An unknown name,
// or a generation that does not match the current incarnation, reports
// Disconnected.
func (m *Membership) Status(id NodeID) PeerStatus {
	reply := make(chan PeerStatus, 1)
	m.do(func() {
		p := m.peers[id.Name]
		if p == nil || p.id != id {
			reply <- PeerStatus{State: StateDisconnected}
			return
		}
		reply <- PeerStatus{State: p.state, Attempts: p.attempts}
	})
	select {
	case st := <-reply:
		return st
	case <-m.done:
		return PeerStatus{State: StateDisconnected}
	}
}

// Nodes returns a snapshot of all known peers.
func (m *Membership) Nodes() []PeerInfo {
	reply := make(chan []PeerInfo, 1)
	m.do(func() {
		infos := make([]PeerInfo, 0, len(m.peers))
		for _, p := range m.peers {
			infos = append(infos, PeerInfo{ID: p.id, Addr: p.addr, State: p.state, Attempts: p.attempts})
		}
		reply <- infos
	})
	select {
	case infos := <-reply:
		return infos
	case <-m.done:
		return nil
	}
}

// connFor returns the live connection to id, or nil. Lock-free snapshot
// read; this is the router's remote-send path.
func (m *Membership) connFor(id NodeID) *conn {
	return (*m.connsSnap.Load())[id]
}

func (m *Membership) storeConnSnapshot() {
	snap := make(map[NodeID]*conn, len(m.peers))
	for _, p := range m.peers {
		if p.conn != nil {
			snap[p.id] = p.conn
		}
	}
	m.connsSnap.Store(&snap)
}

// --- connect / retry (run loop only) ---

func (m *Membership) startConnect(p *peer) {
	if p.conn != nil || p.addr == "" {
		return
	}
	p.state = StateConnecting
	p.dialSeq++
	seq := p.dialSeq
	id, addr := p.id, p.addr

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		nc, hs, pending, err := m.dialPeer(id, addr)
		m.do(func() {
			m.finishDial(id.Name, seq, nc, hs, pending, err)
		})
		if err == nil {
			// If the command was dropped at shutdown the socket leaks
			// unless closed here; finishDial re-checks liveness itself.
			select {
			case <-m.done:
				nc.Close()
			default:
			}
		}
	}()
}

func (m *Membership) finishDial(name string, seq uint64, nc net.Conn, hs handshake, pending []byte, err error) {
	p := m.peers[name]
	if p == nil || p.dialSeq != seq {
		// Stale result: the peer was removed, replaced, or an inbound
		// connection won while we were dialing.
		if err == nil {
			nc.Close()
		}
		return
	}

	if err != nil {
		if p.conn != nil {
			return // an inbound connection arrived meanwhile
		}
		p.attempts++
		delay := backoffDelay(m.cfg.backoffMin, m.cfg.backoffMax, p.attempts)
		slog.Warn("peer connect failed",
			"node", m.local.String(), "peer", p.id.String(),
			"attempt", p.attempts, "retry_in", delay.Round(time.Millisecond), "error", err)
		if errors.Is(err, ErrHandshake) {
			m.metrics.HandshakeFailures.Add(1)
		}
		pp := p
		p.retryTimer = m.timers.Schedule(time.Now().Add(delay), func() {
			m.do(func() {
				if m.peers[pp.id.Name] == pp {
					pp.retryTimer = 0
					m.startConnect(pp)
				}
			})
		})
		return
	}

	if p.conn != nil {
		// Tie-break already resolved in favor of an existing connection.
		nc.Close()
		return
	}

	// The peer may have restarted since AddNode: adopt the generation it
	// reported in its handshake.
	if hs.ID.Gen != p.id.Gen {
		delete(m.peers, name)
		p.id = hs.ID
		m.peers[name] = p
	}
	m.attachConn(p, newConn(p.id, p.addr, nc, true, pending, m.deliverInbound, m.connFailed))
}

// backoffDelay computes the exponential backoff for the given attempt count
// (1-based). Jitter is added on top of the exponential base so the result
// never drops below the configured minimum, and the whole thing is capped
// at max.
func backoffDelay(min, max time.Duration, attempt int) time.Duration {
	d := min
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	d += time.Duration(rand.Int63n(int64(d/2) + 1))
	if d > max {
		d = max
	}
	return d
}

// --- handshake I/O (off the run loop) ---

// dialPeer opens a socket to addr and performs the outbound handshake:
// write our identity, then read theirs. Returns any bytes read past the
// peer's handshake frame so they can seed the connection's decoder.
func (m *Membership) dialPeer(id NodeID, addr string) (net.Conn, handshake, []byte, error) {
	nc, err := net.DialTimeout("tcp", addr, connDialTimeout)
	if err != nil {
		return nil, handshake{}, nil, fmt.Errorf("dial %s (%s): %w", id, addr, err)
	}

	nc.SetDeadline(time.Now().Add(connHandshakeTimeout))

	if _, err := nc.Write(appendHandshakeFrame(nil, handshake{ID: m.local, Addr: m.advertise})); err != nil {
		nc.Close()
		return nil, handshake{}, nil, fmt.Errorf("%w: write identity to %s: %v", ErrHandshake, id, err)
	}

	hs, pending, err := readHandshakeFrame(nc)
	if err != nil {
		nc.Close()
		return nil, handshake{}, nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if hs.ID.Name != id.Name {
		nc.Close()
		return nil, handshake{}, nil, fmt.Errorf("%w: dialed %s, got %s", ErrHandshake, id.Name, hs.ID.Name)
	}

	nc.SetDeadline(time.Time{})
	return nc, hs, pending, nil
}

// readHandshakeFrame reads exactly one frame and decodes it as a handshake.
// Bytes read beyond the frame boundary are returned for the caller to carry
// into the connection's decoder.
func readHandshakeFrame(nc net.Conn) (handshake, []byte, error) {
	var dec decoder
	buf := make([]byte, 4096)
	for {
		f, ok, err := dec.next()
		if err != nil {
			return handshake{}, nil, err
		}
		if ok {
			if f.heartbeat {
				return handshake{}, nil, &ProtocolError{Reason: "heartbeat before handshake"}
			}
			hs, err := decodeHandshake(f.payload)
			if err != nil {
				return handshake{}, nil, err
			}
			return hs, dec.buf, nil
		}
		n, err := nc.Read(buf)
		if n > 0 {
			dec.feed(buf[:n])
		}
		if err != nil {
			return handshake{}, nil, fmt.Errorf("read identity: %w", err)
		}
	}
}

// --- accept side ---

func (m *Membership) acceptLoop() {
	defer m.wg.Done()
	for {
		nc, err := m.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-m.done:
				return
			default:
				slog.Error("membership accept error", "node", m.local.String(), "error", err)
				continue
			}
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleInbound(nc)
		}()
	}
}

// handleInbound performs the accept-side handshake (read theirs, write ours)
// and hands the identified socket to the run loop.
func (m *Membership) handleInbound(nc net.Conn) {
	nc.SetDeadline(time.Now().Add(connHandshakeTimeout))

	hs, pending, err := readHandshakeFrame(nc)
	if err != nil {
		m.metrics.HandshakeFailures.Add(1)
		slog.Warn("inbound handshake failed", "node", m.local.String(), "error", err)
		nc.Close()
		return
	}
	if hs.ID == m.local {
		nc.Close()
		return
	}
	if _, err := nc.Write(appendHandshakeFrame(nil, handshake{ID: m.local, Addr: m.advertise})); err != nil {
		m.metrics.HandshakeFailures.Add(1)
		slog.Warn("inbound handshake reply failed", "node", m.local.String(), "peer", hs.ID.String(), "error", err)
		nc.Close()
		return
	}

	nc.SetDeadline(time.Time{})

	m.do(func() {
		m.acceptInbound(nc, hs, pending)
	})
}

// acceptInbound applies the tie-break rules and attaches the inbound
// connection, or rejects it. Run loop only.
func (m *Membership) acceptInbound(nc net.Conn, hs handshake, pending []byte) {
	p := m.peers[hs.ID.Name]

	if p != nil && hs.ID.Gen < p.id.Gen {
		// A dead incarnation dialed in; its Pids and state are void.
		nc.Close()
		return
	}
	if p != nil && hs.ID.Gen > p.id.Gen {
		m.dropPeer(p, "peer restarted")
		p = nil
	}
	if p == nil {
		// Learned of this peer through its connection.
		p = &peer{id: hs.ID, addr: hs.Addr}
		m.peers[hs.ID.Name] = p
	}
	if hs.Addr != "" {
		p.addr = hs.Addr
	}

	// Simultaneous connect: if this side is the designated initiator (orders
	// lower), its own dial must win — reject the inbound. The peer sees its
	// socket close and keeps the connection this side initiated.
	if m.local.Less(p.id) && (p.state == StateConnecting || p.conn != nil) {
		slog.Info("rejecting duplicate inbound (local side is initiator)",
			"node", m.local.String(), "peer", p.id.String())
		nc.Close()
		return
	}

	// This side orders higher: the inbound wins. Abandon any dial in flight
	// and replace any connection it already produced.
	m.cancelRetry(p)
	p.dialSeq++
	if p.conn != nil {
		slog.Info("replacing outbound with inbound (peer side is initiator)",
			"node", m.local.String(), "peer", p.id.String())
		p.conn.shutdown()
		p.conn = nil
	}

	m.attachConn(p, newConn(p.id, p.addr, nc, false, pending, m.deliverInbound, m.connFailed))
}

// --- connection lifecycle (run loop only) ---

func (m *Membership) attachConn(p *peer, c *conn) {
	m.cancelRetry(p)
	p.dialSeq++
	wasConnected := p.state == StateConnected
	p.conn = c
	p.state = StateConnected
	p.attempts = 0
	c.start(&m.wg)
	m.storeConnSnapshot()
	m.metrics.ConnectsTotal.Add(1)

	direction := "inbound"
	if c.initiator {
		direction = "outbound"
	}
	slog.Info("peer connected",
		"node", m.local.String(), "peer", p.id.String(), "direction", direction)

	if !wasConnected {
		m.events.Publish(NodeUp{ID: p.id})
	}
}

// connFailed is invoked (off the run loop) when a connection's read or
// write loop tears the stream down.
func (m *Membership) connFailed(c *conn, err error) {
	m.do(func() {
		p := m.peers[c.peer.Name]
		if p == nil || p.conn != c {
			return // already replaced or removed
		}
		m.disconnect(p, err)
	})
}

// disconnect transitions a connected peer to Disconnected, fires NodeDown,
// and schedules a fresh reconnect cycle. Envelopes in the dead connection's
// send queue are discarded.
func (m *Membership) disconnect(p *peer, err error) {
	p.conn.shutdown()
	p.conn = nil
	p.state = StateDisconnected
	p.attempts = 0
	m.storeConnSnapshot()
	m.metrics.DisconnectsTotal.Add(1)

	var pe *ProtocolError
	if errors.As(err, &pe) {
		slog.Error("peer connection failed with protocol error",
			"node", m.local.String(), "peer", p.id.String(), "error", err)
	} else {
		slog.Warn("peer disconnected",
			"node", m.local.String(), "peer", p.id.String(), "error", err)
	}

	m.events.Publish(NodeDown{ID: p.id})
	m.startConnect(p)
}

// dropPeer removes a peer entirely (RemoveNode, or replaced by a newer
// incarnation). Fires NodeDown if it was connected.
func (m *Membership) dropPeer(p *peer, reason string) {
	m.cancelRetry(p)
	p.dialSeq++
	wasConnected := p.conn != nil
	if p.conn != nil {
		p.conn.shutdown()
		p.conn = nil
	}
	delete(m.peers, p.id.Name)
	m.storeConnSnapshot()

	slog.Info("peer removed",
		"node", m.local.String(), "peer", p.id.String(), "reason", reason)

	if wasConnected {
		m.metrics.DisconnectsTotal.Add(1)
		m.events.Publish(NodeDown{ID: p.id})
	}
}

func (m *Membership) cancelRetry(p *peer) {
	if p.retryTimer != 0 {
		m.timers.Cancel(p.retryTimer)
		p.retryTimer = 0
	}
}

// deliverInbound fans every decoded envelope into the node's inbound path.
// Runs on connection read loops.
func (m *Membership) deliverInbound(env Envelope) {
	m.metrics.RemoteReceived.Add(1)
	if m.deliver != nil {
		m.deliver(env)
	}
}

// --- heartbeats ---

func (m *Membership) scheduleHeartbeat() {
	m.timers.Schedule(time.Now().Add(m.cfg.heartbeatInterval), func() {
		m.do(m.heartbeatTick)
	})
}

// heartbeatTick emits a heartbeat on every live connection and tears down
// peers that have been silent for heartbeatTimeoutCount intervals. Any
// inbound frame counts as liveness, so a busy connection never needs
// explicit heartbeats to stay up.
func (m *Membership) heartbeatTick() {
	select {
	case <-m.done:
		return
	default:
	}
	m.scheduleHeartbeat()

	idleLimit := int64(float64(m.cfg.heartbeatInterval)/float64(time.Second)*float64(m.cfg.heartbeatTimeoutCount) + 1)
	now := coarseNow.Load()

	for _, p := range m.peers {
		if p.conn == nil {
			continue
		}
		if now-p.conn.lastRecv.Load() > idleLimit {
			m.disconnect(p, fmt.Errorf("missed %d heartbeats", m.cfg.heartbeatTimeoutCount))
			continue
		}
		if err := p.conn.enqueueFrame(m.heartbeatFrame); err == nil {
			m.metrics.HeartbeatsSent.Add(1)
		}
	}
}
