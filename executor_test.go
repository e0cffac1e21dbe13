package rabble

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T, workers, mailboxCap int) *Executor {
	t.Helper()
	e := newExecutor(NodeID{Name: "test-node", Gen: 1}, mailboxCap, newMetrics())
	e.start(workers)
	t.Cleanup(e.stop)
	return e
}

func envTo(to Pid, payload string) Envelope {
	return Envelope{
		From:    Pid{Name: "sender", Node: NodeID{Name: "test-node", Gen: 1}},
		To:      to,
		Payload: []byte(payload),
	}
}

func TestSpawnThenSendDelivers(t *testing.T) {
	e := newTestExecutor(t, 2, 16)

	got := make(chan string, 1)
	pid, err := e.Spawn("greeter", ReceiverFunc(func(ctx *Context) error {
		got <- string(ctx.Payload())
		return nil
	}))
	require.NoError(t, err)
	require.Equal(t, "greeter", pid.Name)
	require.Equal(t, "test-node", pid.Node.Name)

	// The Pid is routable the moment Spawn returns.
	require.NoError(t, e.Enqueue(envTo(pid, "hello")))

	select {
	case msg := <-got:
		assert.Equal(t, "hello", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never delivered")
	}
}

func TestSpawnDuplicateName(t *testing.T) {
	e := newTestExecutor(t, 1, 16)

	_, err := e.Spawn("worker", ReceiverFunc(func(*Context) error { return nil }))
	require.NoError(t, err)

	_, err = e.Spawn("worker", ReceiverFunc(func(*Context) error { return nil }))
	require.ErrorIs(t, err, ErrActorExists)
}

func TestEnqueueUnknownActor(t *testing.T) {
	e := newTestExecutor(t, 1, 16)

	to := Pid{Name: "nobody", Node: NodeID{Name: "test-node", Gen: 1}}
	err := e.Enqueue(envTo(to, "hi"))
	require.ErrorIs(t, err, ErrActorNotFound)
}

func TestSingleOwnerInvariant(t *testing.T) {
	// Many workers, many senders, one actor: the handler must never run
	// concurrently with itself.
	e := newTestExecutor(t, 8, 4096)

	var inFlight atomic.Int32
	var violations atomic.Int32
	var processed atomic.Int32

	pid, err := e.Spawn("serial", ReceiverFunc(func(*Context) error {
		if inFlight.Add(1) != 1 {
			violations.Add(1)
		}
		time.Sleep(100 * time.Microsecond)
		inFlight.Add(-1)
		processed.Add(1)
		return nil
	}))
	require.NoError(t, err)

	const senders, perSender = 4, 50
	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				require.NoError(t, e.Enqueue(envTo(pid, "m")))
			}
		}()
	}
	wg.Wait()

	waitFor(t, 5*time.Second, func() bool {
		return processed.Load() == senders*perSender
	}, "all envelopes to be processed")
	assert.Zero(t, violations.Load(), "handler ran concurrently with itself")
}

func TestPerSenderFIFO(t *testing.T) {
	e := newTestExecutor(t, 4, 1024)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	const n = 200
	pid, err := e.Spawn("sink", ReceiverFunc(func(ctx *Context) error {
		mu.Lock()
		order = append(order, string(ctx.Payload()))
		if len(order) == n {
			close(done)
		}
		mu.Unlock()
		return nil
	}))
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		require.NoError(t, e.Enqueue(envTo(pid, fmt.Sprintf("m%d", i))))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("not all envelopes delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, msg := range order {
		require.Equal(t, fmt.Sprintf("m%d", i), msg, "delivery order diverged at %d", i)
	}
}

func TestStopDropsQueuedAndRejects(t *testing.T) {
	e := newTestExecutor(t, 1, 16)

	entered := make(chan struct{})
	release := make(chan struct{})
	var processed atomic.Int32

	pid, err := e.Spawn("stopper", ReceiverFunc(func(*Context) error {
		processed.Add(1)
		close(entered)
		<-release
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, e.Enqueue(envTo(pid, "first")))
	<-entered

	// Queue more behind the in-flight invocation, then stop.
	require.NoError(t, e.Enqueue(envTo(pid, "q1")))
	require.NoError(t, e.Enqueue(envTo(pid, "q2")))
	require.NoError(t, e.Stop(pid))

	// Enqueue after stop fails even while the invocation is still running.
	require.ErrorIs(t, e.Enqueue(envTo(pid, "late")), ErrActorNotFound)
	require.ErrorIs(t, e.Stop(pid), ErrActorNotFound)

	close(release)

	// The in-flight invocation completed; the queued ones were dropped.
	waitFor(t, 2*time.Second, func() bool {
		return e.actorCount() == 0
	}, "actor to be removed")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), processed.Load())
}

func TestMailboxFullRejectsWithoutLoss(t *testing.T) {
	e := newTestExecutor(t, 1, 2)

	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var got []string

	pid, err := e.Spawn("slow", ReceiverFunc(func(ctx *Context) error {
		mu.Lock()
		got = append(got, string(ctx.Payload()))
		mu.Unlock()
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, e.Enqueue(envTo(pid, "m0")))
	<-entered // m0 in flight, mailbox empty again

	require.NoError(t, e.Enqueue(envTo(pid, "m1")))
	require.NoError(t, e.Enqueue(envTo(pid, "m2")))

	// Mailbox full: the reject returns immediately, it does not block.
	start := time.Now()
	err = e.Enqueue(envTo(pid, "m3"))
	require.ErrorIs(t, err, ErrMailboxFull)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(release)

	// Everything accepted before the reject still arrives, in order.
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, "accepted envelopes to drain")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"m0", "m1", "m2"}, got)
}

func TestReceiverErrStopActor(t *testing.T) {
	e := newTestExecutor(t, 1, 16)

	pid, err := e.Spawn("oneshot", ReceiverFunc(func(*Context) error {
		return ErrStopActor
	}))
	require.NoError(t, err)

	require.NoError(t, e.Enqueue(envTo(pid, "only")))

	waitFor(t, 2*time.Second, func() bool {
		return e.Enqueue(envTo(pid, "again")) != nil
	}, "actor to stop itself")
	require.ErrorIs(t, e.Enqueue(envTo(pid, "again")), ErrActorNotFound)
}

func TestReceiverPanicIsolated(t *testing.T) {
	e := newTestExecutor(t, 1, 16)

	pid, err := e.Spawn("bomb", ReceiverFunc(func(*Context) error {
		panic("boom")
	}))
	require.NoError(t, err)

	got := make(chan struct{}, 1)
	other, err := e.Spawn("survivor", ReceiverFunc(func(*Context) error {
		got <- struct{}{}
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, e.Enqueue(envTo(pid, "die")))

	// The panicking actor is stopped; the worker and other actors live on.
	waitFor(t, 2*time.Second, func() bool {
		return e.Enqueue(envTo(pid, "x")) != nil
	}, "panicking actor to be stopped")

	require.NoError(t, e.Enqueue(envTo(other, "ping")))
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died with the panicking actor")
	}
}
