package recvr

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"ollehd/internal/proto"
)

const DefaultQueueSize = 30

var (
	ErrQueueFull  = errors.New("recvr: queue full")
	ErrQueueEmpty = errors.New("recvr: queue empty")
	ErrCanceled   = errors.New("recvr: take canceled")
	ErrSlotState  = errors.New("recvr: slot in wrong state")
)

type slotState uint8

const (
	slotFree slotState = iota
	slotPrepared
	slotCommitted
	slotTaken
)

// Slot is one preallocated datagram buffer.
type Slot struct {
	idx int
	Msg proto.Message
}

// Queue is a fixed ring of datagram slots. Slot indices circulate between a
// free channel and a ready channel, both sized to the ring, so nothing is
// allocated after NewQueue and a full ring blocks Prepare.
type Queue struct {
	slots []Slot
	free  chan int
	ready chan int

	mu    sync.Mutex
	state []slotState
}

func NewQueue(n int) *Queue {
	if n <= 0 {
		n = DefaultQueueSize
	}
	q := &Queue{
		slots: make([]Slot, n),
		free:  make(chan int, n),
		ready: make(chan int, n),
		state: make([]slotState, n),
	}
	for i := range q.slots {
		q.slots[i].idx = i
		q.free <- i
	}
	return q
}

func (q *Queue) Cap() int { return len(q.slots) }

// Len is the number of committed slots not yet taken.
func (q *Queue) Len() int { return len(q.ready) }

// Free is the number of slots available to Prepare.
func (q *Queue) Free() int { return len(q.free) }

// Prepare reserves a free slot, waiting up to timeout for a consumer to
// release one. A non-positive timeout does not wait.
func (q *Queue) Prepare(timeout time.Duration) (*Slot, error) {
	var idx int
	select {
	case idx = <-q.free:
	default:
		if timeout <= 0 {
			return nil, ErrQueueFull
		}
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case idx = <-q.free:
		case <-t.C:
			return nil, ErrQueueFull
		}
	}
	q.mu.Lock()
	q.state[idx] = slotPrepared
	q.mu.Unlock()
	s := &q.slots[idx]
	s.Msg.Reset()
	return s, nil
}

// Commit publishes a prepared slot to consumers.
func (q *Queue) Commit(s *Slot) error {
	if err := q.transition(s, slotPrepared, slotCommitted); err != nil {
		return err
	}
	q.ready <- s.idx
	return nil
}

// Rollback returns a prepared slot unused.
func (q *Queue) Rollback(s *Slot) error {
	if err := q.transition(s, slotPrepared, slotFree); err != nil {
		return err
	}
	q.free <- s.idx
	return nil
}

// Take removes the oldest committed slot. It waits up to timeout, or until
// cancel is closed. A non-positive timeout does not wait.
func (q *Queue) Take(timeout time.Duration, cancel <-chan struct{}) (*Slot, error) {
	var idx int
	select {
	case idx = <-q.ready:
	default:
		if timeout <= 0 {
			return nil, ErrQueueEmpty
		}
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case idx = <-q.ready:
		case <-t.C:
			return nil, ErrQueueEmpty
		case <-cancel:
			return nil, ErrCanceled
		}
	}
	s := &q.slots[idx]
	if err := q.transition(s, slotCommitted, slotTaken); err != nil {
		return nil, err
	}
	return s, nil
}

// Release hands a taken slot back to the producer.
func (q *Queue) Release(s *Slot) error {
	if err := q.transition(s, slotTaken, slotFree); err != nil {
		return err
	}
	q.free <- s.idx
	return nil
}

func (q *Queue) transition(s *Slot, from, to slotState) error {
	if s == nil || s.idx < 0 || s.idx >= len(q.slots) || &q.slots[s.idx] != s {
		return ErrSlotState
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state[s.idx] != from {
		return ErrSlotState
	}
	q.state[s.idx] = to
	return nil
}
