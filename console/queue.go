package console

import "time"

type request struct {
	id         uint64
	expression string
	timeout    time.Duration
	created    time.Time
	call       *Call

	// priority requests are recovery steps; they go ahead of everything else
	// and are the only ones dispatched while the console is being bootstrapped.
	priority bool
	// gen pins a priority request to the connection it was issued for. Zero means any connection.
	gen uint64
}

// queue holds requests waiting for dispatch, in submission order.
type queue struct {
	pending []*request
}

func (q *queue) push(r *request) {
	if !r.priority {
		q.pending = append(q.pending, r)
		return
	}
	i := 0
	for i < len(q.pending) && q.pending[i].priority {
		i++
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[i+1:], q.pending[i:])
	q.pending[i] = r
}

// head returns the next request to dispatch, or nil. With priorityOnly, ordinary requests are held back.
func (q *queue) head(priorityOnly bool) *request {
	if len(q.pending) == 0 {
		return nil
	}
	r := q.pending[0]
	if priorityOnly && !r.priority {
		return nil
	}
	return r
}

func (q *queue) pop() *request {
	r := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return r
}

func (q *queue) len() int { return len(q.pending) }

func (q *queue) drain() []*request {
	rs := q.pending
	q.pending = nil
	return rs
}
