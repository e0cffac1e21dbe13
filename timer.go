package rabble

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// TimerID identifies a scheduled callback.
type TimerID int64

type timerEntry struct {
	id    TimerID
	at    time.Time
	fn    func()
	index int // heap index; -1 once removed
}

// timerHeap is a min-heap of entries ordered by deadline.
type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { e := x.(*timerEntry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// TimerService is the single ordered-deadline scheduler shared by reconnect
// backoff, heartbeats and anything layered on top. One goroutine sleeps until
// the earliest deadline and dispatches due callbacks; all subsystems share it
// rather than each spinning its own timer goroutines.
//
// Callbacks run on the service goroutine and must not block — they hand off
// to their owner's channel and return.
type TimerService struct {
	mu     sync.Mutex
	heap   timerHeap
	byID   map[TimerID]*timerEntry
	nextID atomic.Int64

	timer    *time.Timer
	notify   chan struct{} // buffered(1), poked on Schedule/Cancel
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newTimerService() *TimerService {
	return &TimerService{
		byID:   make(map[TimerID]*timerEntry),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *TimerService) start() {
	s.wg.Add(1)
	go s.run()
}

func (s *TimerService) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

// Schedule registers fn to run at the given deadline and returns its id.
// A deadline in the past fires on the next loop iteration.
func (s *TimerService) Schedule(at time.Time, fn func()) TimerID {
	id := TimerID(s.nextID.Add(1))
	e := &timerEntry{id: id, at: at, fn: fn}

	s.mu.Lock()
	heap.Push(&s.heap, e)
	s.byID[id] = e
	s.mu.Unlock()

	s.poke()
	return id
}

// Cancel removes a scheduled callback. Idempotent: cancelling an unknown id,
// or one whose callback already fired or is in flight, is a no-op.
func (s *TimerService) Cancel(id TimerID) {
	s.mu.Lock()
	e, ok := s.byID[id]
	if ok {
		delete(s.byID, id)
		if e.index >= 0 {
			heap.Remove(&s.heap, e.index)
		}
	}
	s.mu.Unlock()

	if ok {
		s.poke()
	}
}

func (s *TimerService) poke() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// timeUntilNext returns the duration until the earliest deadline, or <0 when
// no entries exist.
func (s *TimerService) timeUntilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return -1
	}
	d := time.Until(s.heap[0].at)
	if d < 0 {
		return 0
	}
	return d
}

// fireDue pops every entry whose deadline has passed and runs its callback.
// Callbacks run outside the lock so they may call Schedule/Cancel freely.
func (s *TimerService) fireDue() {
	now := time.Now()
	for {
		s.mu.Lock()
		if len(s.heap) == 0 || s.heap[0].at.After(now) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.heap).(*timerEntry)
		delete(s.byID, e.id)
		s.mu.Unlock()

		e.fn()
	}
}

func (s *TimerService) run() {
	defer s.wg.Done()

	s.timer = time.NewTimer(time.Hour)
	s.timer.Stop()

	for {
		dur := s.timeUntilNext()
		if dur >= 0 {
			s.timer.Reset(dur)
		} else {
			// No entries — park until poked.
			s.timer.Reset(time.Hour)
		}

		select {
		case <-s.done:
			s.timer.Stop()
			return
		case <-s.notify:
			s.timer.Stop()
			// Drain the timer channel if it fired between stop and select.
			select {
			case <-s.timer.C:
			default:
			}
			// Re-loop to recalculate the next deadline.
		case <-s.timer.C:
			s.fireDue()
		}
	}
}
