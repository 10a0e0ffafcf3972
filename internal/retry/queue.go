package retry

import (
	"time"

	"github.com/emirpasic/gods/queues/priorityqueue"
	"github.com/emirpasic/gods/utils"
)

type entry struct {
	index int
	due   time.Time
	seq   uint64
}

// Queue is the pending-retry set: task indices ordered by due time, then by
// insertion order. It is not safe for concurrent use; the scheduler loop owns it.
type Queue struct {
	pq  *priorityqueue.Queue
	seq uint64
}

func byDue(a, b interface{}) int {
	x, y := a.(entry), b.(entry)
	switch {
	case x.due.Before(y.due):
		return -1
	case y.due.Before(x.due):
		return 1
	}
	return utils.UInt64Comparator(x.seq, y.seq)
}

func NewQueue() *Queue {
	return &Queue{pq: priorityqueue.NewWith(byDue)}
}

// Push schedules task index for due.
func (q *Queue) Push(index int, due time.Time) {
	q.seq++
	q.pq.Enqueue(entry{index: index, due: due, seq: q.seq})
}

// PopDue removes and returns every index due at or before now, earliest first.
func (q *Queue) PopDue(now time.Time) []int {
	var out []int
	for {
		v, ok := q.pq.Peek()
		if !ok || v.(entry).due.After(now) {
			return out
		}
		q.pq.Dequeue()
		out = append(out, v.(entry).index)
	}
}

// NextDue returns the earliest due time.
func (q *Queue) NextDue() (time.Time, bool) {
	v, ok := q.pq.Peek()
	if !ok {
		return time.Time{}, false
	}
	return v.(entry).due, true
}

// Drain empties the queue and returns its indices, earliest first.
func (q *Queue) Drain() []int {
	var out []int
	for {
		v, ok := q.pq.Dequeue()
		if !ok {
			return out
		}
		out = append(out, v.(entry).index)
	}
}

func (q *Queue) Len() int { return q.pq.Size() }
