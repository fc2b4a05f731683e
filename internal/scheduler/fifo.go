package scheduler

import (
	"container/list"
	"sync"
)

// FIFO is the seed_sort_strategy=fifo alternative to Queue: a plain
// ring that ignores energy entirely and returns seeds in insertion
// order, cycling back to the front once exhausted.
type FIFO struct {
	mu   sync.Mutex
	l    *list.List
	next *list.Element
}

// NewFIFO constructs an empty FIFO scheduler.
func NewFIFO() *FIFO {
	return &FIFO{l: list.New()}
}

// Len returns the number of seeds held.
func (f *FIFO) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.l.Len()
}

// Add appends a seed to the back of the ring. Capacity bounds still
// apply, evicting from the front unless the front is an initial seed.
func (f *FIFO) Add(s *Seed, limits Limits) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.l.PushBack(s)
	for f.overCapacityLocked(limits) {
		e := f.l.Front()
		evicted := false
		for e != nil {
			if !e.Value.(*Seed).Initial {
				f.l.Remove(e)
				evicted = true
				break
			}
			e = e.Next()
		}
		if !evicted {
			return ErrCapacityExceededByInitialSeeds
		}
	}
	return nil
}

func (f *FIFO) overCapacityLocked(limits Limits) bool {
	if limits.MaxSeeds > 0 && f.l.Len() > limits.MaxSeeds {
		return true
	}
	if limits.MaxSeedsMemory > 0 {
		var n int64
		for e := f.l.Front(); e != nil; e = e.Next() {
			n += int64(len(e.Value.(*Seed).Data))
		}
		if n > limits.MaxSeedsMemory {
			return true
		}
	}
	return false
}

// SelectNext returns seeds in a round-robin cycle, ignoring energy.
func (f *FIFO) SelectNext() *Seed {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.l.Len() == 0 {
		return nil
	}
	if f.next == nil || f.next.Value == nil {
		f.next = f.l.Front()
	}
	s := f.next.Value.(*Seed)
	s.ExecCount++
	f.next = f.next.Next()
	return s
}
