package sched

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/skeinweb/skein/internal/logging"
	"github.com/skeinweb/skein/internal/monitoring"
)

// ErrPoolClosed is returned by Launch after Shutdown has begun.
var ErrPoolClosed = errors.New("sched: pool closed")

// Pool launches every long-lived goroutine in the engine and joins them on
// shutdown. It owns no domain state. Panics inside a worker are recovered,
// logged and reported through the worker's crash callback so a supervisor
// can react; they never take down the process.
type Pool struct {
	logger  *logging.Logger
	metrics *monitoring.Metrics

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	active int
}

// New creates a pool. metrics may be nil.
func New(logger *logging.Logger, metrics *monitoring.Metrics) *Pool {
	return &Pool{
		logger:  logger.Named("sched"),
		metrics: metrics,
	}
}

// Launch runs fn as a supervised worker. The name identifies the worker in
// logs and crash reports.
func (p *Pool) Launch(name string, fn func()) error {
	return p.LaunchSupervised(name, fn, nil)
}

// LaunchSupervised runs fn as a supervised worker. If fn panics the panic
// is recovered and onCrash, when non-nil, receives the cause. onCrash runs
// on the dying worker's goroutine after recovery.
func (p *Pool) LaunchSupervised(name string, fn func(), onCrash func(cause any)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.active++
	p.setWorkerGauge(p.active)
	p.mu.Unlock()

	go func() {
		defer p.workerDone()
		defer func() {
			if cause := recover(); cause != nil {
				p.logger.Error("worker panicked",
					zap.String("worker", name),
					zap.Any("cause", cause),
					zap.Stack("stack"))
				if p.metrics != nil {
					p.metrics.WorkerPanics.Inc()
				}
				if onCrash != nil {
					onCrash(cause)
				}
			}
		}()

		p.logger.Debug("worker started", zap.String("worker", name))
		fn()
		p.logger.Debug("worker finished", zap.String("worker", name))
	}()

	return nil
}

func (p *Pool) workerDone() {
	p.mu.Lock()
	p.active--
	p.setWorkerGauge(p.active)
	p.mu.Unlock()
	p.wg.Done()
}

func (p *Pool) setWorkerGauge(n int) {
	if p.metrics != nil {
		p.metrics.WorkersActive.Set(float64(n))
	}
}

// Active returns the number of live workers.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Shutdown refuses further launches and blocks until every worker has
// exited. Workers are expected to have been told to stop through their own
// channels before Shutdown is called. Safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	already := p.closed
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
	if !already {
		p.logger.Info("pool drained")
	}
}

// Closed reports whether Shutdown has begun.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// String describes the pool state for debug output.
func (p *Pool) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("sched.Pool{active: %d, closed: %v}", p.active, p.closed)
}
