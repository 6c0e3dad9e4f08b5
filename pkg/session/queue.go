package session

import "sync"

// lineQueue is an unbounded FIFO between a pipe reader and its consumer.
// The reader never blocks on a slow or absent consumer, so the child can
// never stall on a full OS pipe buffer.
type lineQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []string
	closed bool
}

func newLineQueue() *lineQueue {
	q := &lineQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *lineQueue) push(line string) {
	q.mu.Lock()
	q.items = append(q.items, line)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *lineQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// pop blocks until a line is available. ok is false once the queue is
// closed and drained.
func (q *lineQueue) pop() (line string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return "", false
	}
	line = q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	return line, true
}
