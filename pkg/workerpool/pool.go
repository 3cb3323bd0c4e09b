// Package workerpool runs tasks on a fixed set of goroutines fed by a bounded queue.
// Each workload class (checkout sagas, receipt rendering, delivery I/O) gets its own
// Pool so a slow class cannot starve another.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ErrQueueFull  = errors.New("worker pool queue is full")
	ErrPoolClosed = errors.New("worker pool is closed")
)

// Policy decides what Submit does when the queue is full.
type Policy string

const (
	PolicyReject     Policy = "reject"
	PolicyCallerRuns Policy = "caller_runs"
)

type Config struct {
	Name      string `mapstructure:"name"`
	Workers   int    `mapstructure:"workers"`
	QueueSize int    `mapstructure:"queue_size"`
	Policy    Policy `mapstructure:"policy"`
}

var (
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "workerpool_queue_depth",
		Help: "Tasks waiting in a worker pool queue.",
	}, []string{"pool"})

	rejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workerpool_rejected_total",
		Help: "Tasks rejected because the pool queue was full.",
	}, []string{"pool"})
)

type Pool struct {
	cfg   Config
	tasks chan func()

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyReject
	}

	p := &Pool{
		cfg:   cfg,
		tasks: make(chan func(), cfg.QueueSize),
	}
	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) Name() string { return p.cfg.Name }

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		queueDepth.WithLabelValues(p.cfg.Name).Set(float64(len(p.tasks)))
		p.run(task)
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker pool task panicked", "pool", p.cfg.Name, "panic", fmt.Sprint(r))
		}
	}()
	task()
}

// Submit enqueues task. When the queue is full it either rejects with ErrQueueFull or
// runs the task on the calling goroutine, depending on the pool policy.
func (p *Pool) Submit(task func()) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		queueDepth.WithLabelValues(p.cfg.Name).Set(float64(len(p.tasks)))
		p.mu.RUnlock()
		return nil
	default:
	}
	p.mu.RUnlock()

	rejectedTotal.WithLabelValues(p.cfg.Name).Inc()
	if p.cfg.Policy == PolicyCallerRuns {
		p.run(task)
		return nil
	}
	return fmt.Errorf("%s: %w", p.cfg.Name, ErrQueueFull)
}

// Stop refuses new work and waits for queued tasks to drain or ctx to end.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
