package rabble

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	local := NodeID{Name: "node-a", Gen: 7}

	assert.Equal(t, routeLocal, resolve(local, Pid{Name: "x", Node: local}))
	assert.Equal(t, routeRemote, resolve(local, Pid{Name: "x", Node: NodeID{Name: "node-b", Gen: 7}}))

	// Same name, different generation is a different (restarted) node.
	assert.Equal(t, routeRemote, resolve(local, Pid{Name: "x", Node: NodeID{Name: "node-a", Gen: 8}}))
}

// testRouter builds a router over a live executor and an unstarted
// membership manager, so routing decisions can be tested without sockets.
func testRouter(t *testing.T) (*Router, *Executor, *Membership) {
	t.Helper()
	local := NodeID{Name: "node-a", Gen: 1}
	metrics := newMetrics()
	exec := newExecutor(local, 16, metrics)
	exec.start(1)
	t.Cleanup(exec.stop)
	mem := newMembership(local, membershipConfig{}, newTimerService(), metrics)
	return newRouter(local, exec, mem, metrics), exec, mem
}

func TestRouteLocalDelivery(t *testing.T) {
	r, exec, _ := testRouter(t)

	got := make(chan string, 1)
	pid, err := exec.Spawn("local", ReceiverFunc(func(ctx *Context) error {
		got <- string(ctx.Payload())
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, r.Route(NewEnvelope(Pid{}, pid, []byte("hi"))))

	select {
	case msg := <-got:
		assert.Equal(t, "hi", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("local envelope never delivered")
	}
}

func TestRouteLocalNotFound(t *testing.T) {
	r, _, _ := testRouter(t)

	to := Pid{Name: "ghost", Node: NodeID{Name: "node-a", Gen: 1}}
	err := r.Route(NewEnvelope(Pid{}, to, nil))
	require.ErrorIs(t, err, ErrActorNotFound)
}

func TestRouteRemoteUnreachable(t *testing.T) {
	r, _, _ := testRouter(t)

	to := Pid{Name: "far", Node: NodeID{Name: "node-b", Gen: 1}}
	err := r.Route(NewEnvelope(Pid{}, to, nil))
	require.ErrorIs(t, err, ErrNodeUnreachable)
	assert.Equal(t, int64(1), r.metrics.UnreachableRejections.Load())
}

func TestRouteRemoteEnqueuesFrame(t *testing.T) {
	r, _, mem := testRouter(t)

	peer := NodeID{Name: "node-b", Gen: 1}
	nc, far := net.Pipe()
	defer nc.Close()
	defer far.Close()

	// Hand the membership a live connection without running its loops; the
	// frame should land in the send queue.
	c := newConn(peer, "", nc, true, nil, nil, nil)
	snap := map[NodeID]*conn{peer: c}
	mem.connsSnap.Store(&snap)

	to := Pid{Name: "far", Node: peer}
	require.NoError(t, r.Route(NewEnvelope(Pid{}, to, []byte("x"))))
	assert.Len(t, c.sendq, 1)
	assert.Equal(t, int64(1), r.metrics.RemoteSent.Load())

	// A Pid minted by an older incarnation of the same peer does not match
	// the live connection.
	stale := Pid{Name: "far", Node: NodeID{Name: "node-b", Gen: 0}}
	err := r.Route(NewEnvelope(Pid{}, stale, nil))
	require.ErrorIs(t, err, ErrNodeUnreachable)
}

func TestRouteRejectsOversizedEnvelope(t *testing.T) {
	r, _, mem := testRouter(t)

	peer := NodeID{Name: "node-b", Gen: 1}
	nc, far := net.Pipe()
	defer nc.Close()
	defer far.Close()

	c := newConn(peer, "", nc, true, nil, nil, nil)
	snap := map[NodeID]*conn{peer: c}
	mem.connsSnap.Store(&snap)

	to := Pid{Name: "far", Node: peer}
	big := make([]byte, maxFramePayload+1)
	err := r.Route(NewEnvelope(Pid{}, to, big))
	require.ErrorIs(t, err, ErrEnvelopeTooLarge)

	// The reject happens before the connection: nothing was queued and the
	// stream stays usable for well-sized envelopes.
	assert.Len(t, c.sendq, 0)
	require.NoError(t, r.Route(NewEnvelope(Pid{}, to, []byte("small"))))
	assert.Len(t, c.sendq, 1)
}

func TestHandleInboundDeadLetters(t *testing.T) {
	r, _, _ := testRouter(t)

	// No such actor: dropped, counted, no panic.
	r.handleInbound(NewEnvelope(Pid{}, Pid{Name: "ghost", Node: r.local}, nil))
	assert.Equal(t, int64(1), r.metrics.DeadLetters.Load())

	// Misaddressed to another node: dropped too.
	r.handleInbound(NewEnvelope(Pid{}, Pid{Name: "x", Node: NodeID{Name: "elsewhere", Gen: 1}}, nil))
	assert.Equal(t, int64(2), r.metrics.DeadLetters.Load())
}
