package networking

import (
	"sort"
	"time"
)

// delayedFrame is a framed snapshot waiting out its countdown.
type delayedFrame struct {
	frame     []byte
	remaining time.Duration
}

// DelayQueue holds outbound frames until their countdown expires. It makes
// no ordering promise between frames: a later frame with a shorter delay
// overtakes an earlier one.
type DelayQueue struct {
	pending []delayedFrame
	expired []delayedFrame
}

// NewDelayQueue constructs an empty queue.
func NewDelayQueue() *DelayQueue {
	return &DelayQueue{}
}

// Push schedules frame for transmission once delay has elapsed.
func (q *DelayQueue) Push(frame []byte, delay time.Duration) {
	q.pending = append(q.pending, delayedFrame{frame: frame, remaining: delay})
}

// Len reports how many frames are still waiting.
func (q *DelayQueue) Len() int {
	return len(q.pending)
}

// Flush charges elapsed against every countdown and hands expired frames to
// transmit, most overdue first. It returns how many frames were released.
func (q *DelayQueue) Flush(elapsed time.Duration, transmit func(frame []byte)) int {
	if len(q.pending) == 0 {
		return 0
	}
	//1.- Charge the elapsed time and partition expired entries out in place.
	kept := q.pending[:0]
	q.expired = q.expired[:0]
	for _, entry := range q.pending {
		entry.remaining -= elapsed
		if entry.remaining <= 0 {
			q.expired = append(q.expired, entry)
			continue
		}
		kept = append(kept, entry)
	}
	//2.- Clear the tail so released frames can be collected.
	for i := len(kept); i < len(q.pending); i++ {
		q.pending[i] = delayedFrame{}
	}
	q.pending = kept

	//3.- Release in expiry order.
	sort.SliceStable(q.expired, func(i, j int) bool {
		return q.expired[i].remaining < q.expired[j].remaining
	})
	for i, entry := range q.expired {
		if transmit != nil {
			transmit(entry.frame)
		}
		q.expired[i] = delayedFrame{}
	}
	return len(q.expired)
}
