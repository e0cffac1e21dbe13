package rabble

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ErrStopActor can be returned from a Receiver to stop the actor after the
// current message. Queued envelopes are dropped, as with StopActor.
var ErrStopActor = fmt.Errorf("stop actor")

// Receiver is the behavior of an actor. Receive is invoked once per
// envelope, never concurrently for the same actor.
type Receiver interface {
	Receive(ctx *Context) error
}

// ReceiverFunc adapts a plain function to the Receiver interface.
type ReceiverFunc func(ctx *Context) error

func (f ReceiverFunc) Receive(ctx *Context) error { return f(ctx) }

type actorState int

const (
	actorStarting actorState = iota
	actorRunning
	actorStopping
	actorStopped
)

// actorRecord pairs an actor's mailbox with its lifecycle state. The
// queued flag enforces the single-owner invariant: a record sits in the
// ready queue at most once, so no two workers ever hold the same actor.
type actorRecord struct {
	pid      Pid
	receiver Receiver

	mu     sync.Mutex
	mb     *mailbox
	state  actorState
	queued bool
}

// Executor owns the actor registry and the fixed worker pool that drives
// handler invocations. Workers pull whole actors (not envelopes) off a
// shared ready queue, process one envelope, and re-queue the actor if its
// mailbox still has work. Enqueue never blocks.
type Executor struct {
	local      NodeID
	mailboxCap int
	metrics    *Metrics

	// sendCtx builds the node-backed context handed to receivers.
	// Set by the Node before start.
	route func(Envelope) error

	mu     sync.RWMutex
	actors map[string]*actorRecord

	ready readyQueue

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newExecutor(local NodeID, mailboxCap int, metrics *Metrics) *Executor {
	e := &Executor{
		local:      local,
		mailboxCap: mailboxCap,
		metrics:    metrics,
		actors:     make(map[string]*actorRecord),
		done:       make(chan struct{}),
	}
	e.ready.notify = make(chan struct{}, 1)
	return e
}

func (e *Executor) start(workers int) {
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
}

func (e *Executor) stop() {
	e.stopOnce.Do(func() {
		close(e.done)
		e.wg.Wait()

		e.mu.Lock()
		for name, rec := range e.actors {
			rec.mu.Lock()
			rec.mb.drain()
			rec.state = actorStopped
			rec.mu.Unlock()
			delete(e.actors, name)
		}
		e.mu.Unlock()
	})
}

// Spawn registers a new actor under name and returns its Pid. The Pid is
// routable before Spawn returns: a Send racing with Spawn either fails with
// ErrActorNotFound or delivers, never drops silently.
func (e *Executor) Spawn(name string, r Receiver) (Pid, error) {
	if name == "" {
		return Pid{}, fmt.Errorf("spawn: empty actor name: %w", ErrActorNotFound)
	}
	rec := &actorRecord{
		pid:      Pid{Name: name, Node: e.local},
		receiver: r,
		mb:       newMailbox(e.mailboxCap),
		state:    actorStarting,
	}

	e.mu.Lock()
	if _, exists := e.actors[name]; exists {
		e.mu.Unlock()
		return Pid{}, fmt.Errorf("spawn %q: %w", name, ErrActorExists)
	}
	rec.state = actorRunning
	e.actors[name] = rec
	e.mu.Unlock()

	e.metrics.SpawnsTotal.Add(1)
	slog.Debug("actor spawned", "node", e.local.String(), "actor", name)
	return rec.pid, nil
}

// Stop removes the actor from the registry immediately; subsequent
// enqueues fail with ErrActorNotFound. An invocation already in flight
// completes; envelopes still queued are dropped.
func (e *Executor) Stop(pid Pid) error {
	e.mu.Lock()
	rec := e.actors[pid.Name]
	if rec == nil || rec.pid != pid {
		e.mu.Unlock()
		return fmt.Errorf("stop %s: %w", pid, ErrActorNotFound)
	}
	delete(e.actors, pid.Name)
	e.mu.Unlock()

	rec.mu.Lock()
	rec.state = actorStopping
	dropped := rec.mb.drain()
	if !rec.queued {
		// Not in the ready queue and no worker holds it: nothing in
		// flight, finished now.
		rec.state = actorStopped
	}
	rec.mu.Unlock()

	e.metrics.StopsTotal.Add(1)
	slog.Debug("actor stopped",
		"node", e.local.String(), "actor", pid.Name, "dropped", dropped)
	return nil
}

// Enqueue appends env to the mailbox of the destination actor. Never
// blocks; the only outcomes are nil, ErrActorNotFound, and ErrMailboxFull.
func (e *Executor) Enqueue(env Envelope) error {
	e.mu.RLock()
	rec := e.actors[env.To.Name]
	e.mu.RUnlock()
	if rec == nil || rec.pid != env.To {
		return fmt.Errorf("enqueue to %s: %w", env.To, ErrActorNotFound)
	}

	rec.mu.Lock()
	if rec.state != actorRunning {
		rec.mu.Unlock()
		return fmt.Errorf("enqueue to %s: %w", env.To, ErrActorNotFound)
	}
	if err := rec.mb.enqueue(env); err != nil {
		rec.mu.Unlock()
		e.metrics.MailboxFullRejections.Add(1)
		return fmt.Errorf("enqueue to %s: %w", env.To, err)
	}
	mustQueue := !rec.queued
	if mustQueue {
		rec.queued = true
	}
	rec.mu.Unlock()

	if mustQueue {
		e.ready.push(rec)
	}
	return nil
}

// Lookup reports whether an actor with this exact Pid is registered.
func (e *Executor) Lookup(pid Pid) bool {
	e.mu.RLock()
	rec := e.actors[pid.Name]
	e.mu.RUnlock()
	return rec != nil && rec.pid == pid
}

func (e *Executor) actorCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.actors)
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		rec, ok := e.ready.pop(e.done)
		if !ok {
			return
		}
		e.invoke(rec)
	}
}

// invoke processes exactly one envelope for rec, then re-queues the record
// if its mailbox still has work. The record's queued flag stays set for the
// whole invocation, which is what keeps a second worker from picking the
// same actor up.
func (e *Executor) invoke(rec *actorRecord) {
	rec.mu.Lock()
	if rec.state != actorRunning {
		rec.queued = false
		rec.state = actorStopped
		rec.mu.Unlock()
		return
	}
	env, ok := rec.mb.dequeue()
	if !ok {
		rec.queued = false
		rec.mu.Unlock()
		return
	}
	rec.mu.Unlock()

	stop := e.callReceiver(rec, env)
	e.metrics.EnvelopesDelivered.Add(1)

	if stop {
		e.Stop(rec.pid)
	}

	rec.mu.Lock()
	if rec.state == actorRunning && rec.mb.size() > 0 {
		rec.mu.Unlock()
		e.ready.push(rec)
		return
	}
	rec.queued = false
	if rec.state == actorStopping {
		rec.state = actorStopped
	}
	rec.mu.Unlock()
}

// callReceiver runs the handler with panic isolation. A panicking or
// ErrStopActor-returning handler stops its own actor; it never takes a
// worker or the node down.
func (e *Executor) callReceiver(rec *actorRecord, env Envelope) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("actor panicked",
				"node", e.local.String(), "actor", rec.pid.Name,
				"panic", r, "stack", string(debug.Stack()))
			stop = true
		}
	}()

	ctx := &Context{
		self:        rec.pid,
		from:        env.From,
		payload:     env.Payload,
		correlation: env.Correlation,
		route:       e.route,
	}
	if err := rec.receiver.Receive(ctx); err != nil {
		if errors.Is(err, ErrStopActor) {
			return true
		}
		slog.Error("actor handler error",
			"node", e.local.String(), "actor", rec.pid.Name, "error", err)
	}
	return false
}

// readyQueue is the shared queue of actors with pending mailbox work.
// Unbounded: each actor occupies at most one slot, so its length is capped
// by the number of live actors.
type readyQueue struct {
	mu     sync.Mutex
	items  []*actorRecord
	notify chan struct{} // buffered 1, wakeup token
}

func (q *readyQueue) push(rec *actorRecord) {
	q.mu.Lock()
	q.items = append(q.items, rec)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until an actor is ready or done closes. After taking an item
// it re-arms the wakeup token if more work remains, so one token never
// strands a second queued actor behind a long handler.
func (q *readyQueue) pop(done chan struct{}) (*actorRecord, bool) {
	for {
		q.mu.Lock()
		if n := len(q.items); n > 0 {
			rec := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			remaining := n - 1
			q.mu.Unlock()
			if remaining > 0 {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return rec, true
		}
		q.mu.Unlock()

		select {
		case <-done:
			return nil, false
		case <-q.notify:
		}
	}
}
