package sched

import (
	"runtime"

	"github.com/sourcegraph/conc/pool"
)

// WorkQueue fans CPU-bound tasks out over a bounded set of goroutines and
// joins them. Unlike Pool workers these tasks are short-lived; the queue is
// used by layout for parallel subtree traversals.
type WorkQueue struct {
	limit int
}

// NewWorkQueue creates a queue running at most limit tasks at once.
// A limit of zero or less means GOMAXPROCS.
func NewWorkQueue(limit int) *WorkQueue {
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	return &WorkQueue{limit: limit}
}

// Limit returns the queue's parallelism bound.
func (q *WorkQueue) Limit() int { return q.limit }

// Run executes every task and returns when all have finished. With a single
// task or a limit of one it runs inline to skip the goroutine overhead.
func (q *WorkQueue) Run(tasks ...func()) {
	if len(tasks) == 0 {
		return
	}
	if len(tasks) == 1 || q.limit == 1 {
		for _, task := range tasks {
			task()
		}
		return
	}

	p := pool.New().WithMaxGoroutines(q.limit)
	for _, task := range tasks {
		p.Go(task)
	}
	p.Wait()
}

// RunN executes fn for every index in [0, n) and returns when all calls
// have finished.
func (q *WorkQueue) RunN(n int, fn func(i int)) {
	if n <= 0 {
		return
	}
	if n == 1 || q.limit == 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	p := pool.New().WithMaxGoroutines(q.limit)
	for i := 0; i < n; i++ {
		p.Go(func() { fn(i) })
	}
	p.Wait()
}
