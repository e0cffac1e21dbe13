package rabble

import "sync"

// mailbox is a bounded FIFO queue of envelopes owned by exactly one actor.
// Nothing outside the executor touches its contents except through enqueue
// and dequeue. Enqueue on a full mailbox fails immediately — backpressure is
// a returned error, never a blocking wait, so router and connection read
// loops stay non-blocking.
type mailbox struct {
	mu       sync.Mutex
	buf      []Envelope
	readIdx  int
	writeIdx int
	len      int
}

func newMailbox(capacity int) *mailbox {
	return &mailbox{
		buf: make([]Envelope, capacity),
	}
}

func (m *mailbox) enqueue(env Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.len == len(m.buf) {
		return ErrMailboxFull
	}

	m.buf[m.writeIdx] = env
	m.writeIdx = (m.writeIdx + 1) % len(m.buf)
	m.len++

	return nil
}

func (m *mailbox) dequeue() (Envelope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.len == 0 {
		return Envelope{}, false
	}

	env := m.buf[m.readIdx]
	m.buf[m.readIdx] = Envelope{}
	m.readIdx = (m.readIdx + 1) % len(m.buf)
	m.len--

	return env, true
}

func (m *mailbox) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.len
}

// drain discards all queued envelopes and returns how many were dropped.
// Used when an actor stops: queued-but-undelivered messages do not survive.
func (m *mailbox) drain() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.len
	for i := range m.buf {
		m.buf[i] = Envelope{}
	}
	m.readIdx = 0
	m.writeIdx = 0
	m.len = 0
	return n
}
