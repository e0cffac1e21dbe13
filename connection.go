package rabble

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// connWriteTimeout bounds every write to a peer socket. If the peer stops
// reading, the write fails after this duration instead of blocking forever.
const connWriteTimeout = 5 * time.Second

// connSendBuffer is the capacity of each connection's outbound frame queue.
// A full queue rejects the send — the queue is the backpressure boundary
// between the router and a slow peer.
const connSendBuffer = 4096

// connReadChunk is the size of the read buffer handed to conn.Read.
const connReadChunk = 32 * 1024

// conn is one live, handshaken stream to a peer node. The membership manager
// is its sole owner; the router reaches it only through an immutable
// connection snapshot. Each conn runs exactly two goroutines: a read loop
// that feeds the streaming decoder and a write loop that drains the send
// queue. Only the write loop writes to the socket.
//
// Envelopes sitting in the send queue when the connection closes are
// discarded — nothing is held for redelivery across a reconnect.
type conn struct {
	peer      NodeID
	addr      string // peer's advertised listen address, from its handshake
	initiator bool   // true when this side dialed

	nc    net.Conn
	sendq chan []byte

	// pending holds bytes read past the handshake frame during connection
	// setup. The peer may pipeline envelopes straight after its handshake;
	// they must not be lost when the handshake reader hands the socket over.
	pending []byte

	// lastRecv is the coarse Unix time any frame (heartbeat included) was
	// read. The membership heartbeat check reads it to detect silent peers.
	lastRecv atomic.Int64

	// deliver is called on the read loop for every decoded envelope.
	deliver func(Envelope)
	// failed is called at most once when either loop tears the stream down.
	failed func(*conn, error)

	done       chan struct{}
	closeOnce  sync.Once
	reportOnce sync.Once
}

func newConn(peer NodeID, addr string, nc net.Conn, initiator bool, pending []byte,
	deliver func(Envelope), failed func(*conn, error)) *conn {
	c := &conn{
		peer:      peer,
		addr:      addr,
		initiator: initiator,
		nc:        nc,
		sendq:     make(chan []byte, connSendBuffer),
		pending:   pending,
		deliver:   deliver,
		failed:    failed,
		done:      make(chan struct{}),
	}
	c.lastRecv.Store(coarseNow.Load())
	return c
}

func (c *conn) start(wg *sync.WaitGroup) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.readLoop()
	}()
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
}

// shutdown closes the socket and wakes both loops. Idempotent. Used by the
// membership manager for deliberate closes (tie-break loser, RemoveNode,
// node shutdown) where no failure report is wanted.
func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.nc.Close()
	})
}

// fail closes the stream and reports the cause upward exactly once.
func (c *conn) fail(err error) {
	c.shutdown()
	c.reportOnce.Do(func() {
		if c.failed != nil {
			c.failed(c, err)
		}
	})
}

// enqueueFrame hands an encoded frame to the write loop. Non-blocking: a
// closed connection or a full queue rejects immediately so callers on the
// router path never stall behind a slow peer.
func (c *conn) enqueueFrame(frame []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("connection to %s closed: %w", c.peer, ErrNodeUnreachable)
	default:
	}
	select {
	case c.sendq <- frame:
		return nil
	default:
		return fmt.Errorf("send queue to %s full: %w", c.peer, ErrNodeUnreachable)
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.sendq:
			c.nc.SetWriteDeadline(time.Now().Add(connWriteTimeout))
			if _, err := c.nc.Write(frame); err != nil {
				c.fail(fmt.Errorf("write to %s: %w", c.peer, err))
				return
			}
		}
	}
}

func (c *conn) readLoop() {
	buf := make([]byte, connReadChunk)
	var dec decoder

	if len(c.pending) > 0 {
		dec.feed(c.pending)
		c.pending = nil
		if !c.drainDecoder(&dec) {
			return
		}
	}

	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			c.lastRecv.Store(coarseNow.Load())
			dec.feed(buf[:n])
			if !c.drainDecoder(&dec) {
				return
			}
		}
		if err != nil {
			c.fail(fmt.Errorf("read from %s: %w", c.peer, err))
			return
		}
	}
}

// drainDecoder processes every complete frame currently buffered. Returns
// false when the stream failed (protocol error) and the loop must exit.
func (c *conn) drainDecoder(dec *decoder) bool {
	for {
		f, ok, err := dec.next()
		if err != nil {
			c.fail(err)
			return false
		}
		if !ok {
			return true
		}
		if f.heartbeat {
			continue
		}
		env, err := decodeEnvelope(f.payload)
		if err != nil {
			c.fail(err)
			return false
		}
		c.deliver(env)
	}
}
