// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package appmesh

import (
	"container/heap"
	"sync"
	"time"
)

// TimerID identifies a scheduled callback so that it can be canceled.
type TimerID int64

type timerEntry struct {
	deadline time.Time
	id       TimerID
	gen      int64
	cb       func()
	index    int
}

// timerHeap is a min-heap ordered by deadline, implementing container/heap.
type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Clock is a single-threaded reactor: a min-heap of (deadline, callback)
// entries dispatched serially on one goroutine. Callbacks must not
// block; blocking work belongs on a worker goroutine, signaled back
// through a completion callback.
//
// Cancellation uses a generation counter per slot rather than freeing
// the timer object itself, so a canceled-and-reused id can never fire
// its stale callback.
type Clock struct {
	mu       sync.Mutex
	heap     timerHeap
	wake     chan struct{}
	nextID   TimerID
	gens     map[TimerID]int64
	done     chan struct{}
	closed   bool
	monotime func() time.Time
}

// NewClock starts a Clock's dispatch loop on a new goroutine.
func NewClock() *Clock {
	c := &Clock{
		wake:     make(chan struct{}, 1),
		gens:     make(map[TimerID]int64),
		done:     make(chan struct{}),
		monotime: time.Now,
	}
	go c.loop()
	return c
}

// Schedule arranges for cb to run on the reactor goroutine after delay
// has elapsed (monotonic clock; wall-clock instants are the caller's
// concern). It returns ErrShuttingDown if the clock has been stopped.
func (c *Clock) Schedule(delay time.Duration, cb func()) (TimerID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrShuttingDown
	}
	c.nextID++
	id := c.nextID
	gen := c.gens[id] + 1
	c.gens[id] = gen
	heap.Push(&c.heap, &timerEntry{
		deadline: c.monotime().Add(delay),
		id:       id,
		gen:      gen,
		cb:       cb,
	})
	c.pokeLocked()
	return id, nil
}

// Cancel prevents a previously scheduled callback from firing, if it has
// not fired already. Canceling an unknown or already-fired id is a no-op.
func (c *Clock) Cancel(id TimerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[id] = c.gens[id] + 1
	for i, e := range c.heap {
		if e.id == id {
			heap.Remove(&c.heap, i)
			break
		}
	}
}

// Stop tears down the dispatch loop. No further callbacks will run.
func (c *Clock) Stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
}

func (c *Clock) pokeLocked() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Clock) loop() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		c.mu.Lock()
		var wait time.Duration
		var fire *timerEntry
		now := c.monotime()
		if len(c.heap) > 0 && !c.heap[0].deadline.After(now) {
			fire = heap.Pop(&c.heap).(*timerEntry)
		} else if len(c.heap) > 0 {
			wait = c.heap[0].deadline.Sub(now)
		} else {
			wait = time.Hour
		}
		closed := c.closed
		c.mu.Unlock()

		if closed {
			return
		}
		if fire != nil {
			c.mu.Lock()
			curGen := c.gens[fire.id]
			c.mu.Unlock()
			if curGen == fire.gen {
				fire.cb()
			}
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-timer.C:
		case <-c.wake:
		case <-c.done:
			return
		}
	}
}
