package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/acphost/internal/common/logger"
)

const (
	writeQueueSize = 256
	writeTimeout   = 5 * time.Second
)

// writer applies persistence jobs in order on one goroutine so a slow store
// never stalls the agent's read loop. Jobs that do not fit are dropped.
type writer struct {
	logger *logger.Logger
	jobs   chan func(context.Context) error

	closeOnce sync.Once
	quit      chan struct{}
	done      chan struct{}
}

func newWriter(log *logger.Logger) *writer {
	w := &writer{
		logger: log,
		jobs:   make(chan func(context.Context) error, writeQueueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *writer) run() {
	defer close(w.done)
	for {
		select {
		case job := <-w.jobs:
			w.apply(job)
		case <-w.quit:
			// Drain what was queued before close.
			for {
				select {
				case job := <-w.jobs:
					w.apply(job)
				default:
					return
				}
			}
		}
	}
}

func (w *writer) apply(job func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := job(ctx); err != nil {
		w.logger.Warn("persistence write failed", zap.Error(err))
	}
}

func (w *writer) closed() bool {
	select {
	case <-w.quit:
		return true
	default:
		return false
	}
}

func (w *writer) enqueue(op string, job func(context.Context) error) {
	if w.closed() {
		return
	}
	select {
	case w.jobs <- job:
	default:
		w.logger.Warn("persistence queue full, dropping write", zap.String("op", op))
	}
}

// flush waits until every job queued before the call has run, or until ctx
// ends.
func (w *writer) flush(ctx context.Context) error {
	if w.closed() {
		return nil
	}
	reached := make(chan struct{})
	marker := func(context.Context) error {
		close(reached)
		return nil
	}
	select {
	case w.jobs <- marker:
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reached:
		return nil
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close drains the queue and stops the goroutine.
func (w *writer) close() {
	w.closeOnce.Do(func() { close(w.quit) })
	<-w.done
}
