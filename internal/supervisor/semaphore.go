package supervisor

import (
	"context"
	"sync"
)

// Semaphore caps the number of Agent CLI invocations in flight across the
// process. Waiters are served strictly in FIFO order of arrival.
type Semaphore struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	waiters  []chan struct{}
}

// Ticket is a single admission reservation. It must be released exactly
// once; Release is idempotent.
type Ticket struct {
	sem  *Semaphore
	once sync.Once
}

// Release returns the slot to the semaphore. Safe to call multiple times.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(t.sem.release)
}

// Status is a non-blocking snapshot of semaphore state.
type Status struct {
	Available     int `json:"available"`
	Waiting       int `json:"waiting"`
	MaxConcurrent int `json:"maxConcurrent"`
}

// NewSemaphore creates a Semaphore with the given capacity.
// Capacity must be positive.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{capacity: capacity}
}

// Acquire blocks until a slot is free or ctx is cancelled. A returned
// Ticket owns exactly one slot.
func (s *Semaphore) Acquire(ctx context.Context) (*Ticket, error) {
	s.mu.Lock()
	// Fast path: a free slot and nobody queued ahead of us.
	if s.inUse < s.capacity && len(s.waiters) == 0 {
		s.inUse++
		s.mu.Unlock()
		return &Ticket{sem: s}, nil
	}

	w := make(chan struct{})
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	select {
	case <-w:
		// release() already counted the slot against inUse on our behalf.
		return &Ticket{sem: s}, nil
	case <-ctx.Done():
		s.mu.Lock()
		for i, x := range s.waiters {
			if x == w {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				s.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		// Lost the race: a release granted us the slot just as ctx fired.
		// Hand the slot straight back so it is not leaked.
		s.releaseLocked()
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Status returns a snapshot of available slots and queued waiters.
func (s *Semaphore) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Available:     s.capacity - s.inUse,
		Waiting:       len(s.waiters),
		MaxConcurrent: s.capacity,
	}
}

func (s *Semaphore) release() {
	s.mu.Lock()
	s.releaseLocked()
	s.mu.Unlock()
}

// releaseLocked frees one slot and hands it to the oldest waiter, if any.
// Caller holds s.mu.
func (s *Semaphore) releaseLocked() {
	s.inUse--
	if len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.inUse++
		close(w)
	}
}
