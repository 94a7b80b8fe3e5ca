package service

import (
	"sync"
	"time"
)

// writeBackOp is one buffered mutation awaiting flush to the backing
// store. Ops coalesce per key: a newer write or delete supersedes an
// older buffered one.
type writeBackOp struct {
	key     string
	value   []byte
	size    int64
	ttl     time.Duration
	remove  bool
	retries int
}

// writeBackQueue buffers mutations between flush cycles. Failed ops
// are requeued unless a newer op for the same key arrived meanwhile.
type writeBackQueue struct {
	mu  sync.Mutex
	ops map[string]*writeBackOp
}

func newWriteBackQueue() *writeBackQueue {
	return &writeBackQueue{ops: make(map[string]*writeBackOp)}
}

func (q *writeBackQueue) enqueue(op *writeBackOp) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops[op.key] = op
}

// takeAll removes and returns every buffered op.
func (q *writeBackQueue) takeAll() []*writeBackOp {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ops) == 0 {
		return nil
	}

	ops := make([]*writeBackOp, 0, len(q.ops))
	for _, op := range q.ops {
		ops = append(ops, op)
	}
	q.ops = make(map[string]*writeBackOp)
	return ops
}

// requeue puts a failed op back unless the key was rewritten since the
// flush started.
func (q *writeBackQueue) requeue(op *writeBackOp) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.ops[op.key]; exists {
		return
	}
	op.retries++
	q.ops[op.key] = op
}

func (q *writeBackQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

func (q *writeBackQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = make(map[string]*writeBackOp)
}
