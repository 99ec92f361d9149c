package core

import "sync"

// Timer represents a scheduled event on the command unit's timebase.
type Timer struct {
	WakeTime uint64 // microseconds
	Handler  func(*Timer) uint8
	Next     *Timer
}

const (
	SF_DONE       = 0
	SF_RESCHEDULE = 1
)

// Scheduler keeps timers sorted by WakeTime. Handlers run without the
// scheduler lock held so they may schedule or cancel other timers.
type Scheduler struct {
	mu   sync.Mutex
	list *Timer
}

// Schedule adds t to the schedule.
func (s *Scheduler) Schedule(t *Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insert(t)
}

// insert places t in WakeTime order, after any timer with the same time.
func (s *Scheduler) insert(t *Timer) {
	if s.list == nil || t.WakeTime < s.list.WakeTime {
		t.Next = s.list
		s.list = t
		return
	}

	cur := s.list
	for cur.Next != nil && cur.Next.WakeTime <= t.WakeTime {
		cur = cur.Next
	}
	t.Next = cur.Next
	cur.Next = t
}

// Cancel removes t and reports whether it was queued.
func (s *Scheduler) Cancel(t *Timer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for p := &s.list; *p != nil; p = &(*p).Next {
		if *p == t {
			*p = t.Next
			t.Next = nil
			return true
		}
	}
	return false
}

// Len returns the number of queued timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for t := s.list; t != nil; t = t.Next {
		n++
	}
	return n
}

// Dispatch runs every timer whose WakeTime <= now.
func (s *Scheduler) Dispatch(now uint64) {
	for {
		s.mu.Lock()
		t := s.list
		if t == nil || t.WakeTime > now {
			s.mu.Unlock()
			return
		}
		s.list = t.Next
		t.Next = nil
		s.mu.Unlock()

		if t.Handler(t) == SF_RESCHEDULE {
			s.Schedule(t)
		}
	}
}
