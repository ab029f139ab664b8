package history

import (
	"sync"

	"go.uber.org/zap"

	"github.com/rsclarke/wpsrelay/internal/models"
)

type opKind int

const (
	opInsert opKind = iota
	opTrim
	opClear
	opBarrier
)

type persistOp struct {
	kind opKind
	rec  models.HistoryRecord
	// keepFrom is the lowest ID kept by a trim.
	keepFrom int64
	done     chan error
}

// writer applies persistence operations in order on one goroutine so
// appends never wait on disk I/O. Its queue is unbounded.
type writer struct {
	persister Persister
	logger    *zap.Logger

	mu      sync.Mutex
	ops     []persistOp
	closing bool
	wake    chan struct{}
	stopped chan struct{}
}

func newWriter(p Persister, logger *zap.Logger) *writer {
	w := &writer{
		persister: p,
		logger:    logger,
		wake:      make(chan struct{}, 1),
		stopped:   make(chan struct{}),
	}
	go w.run()
	return w
}

// enqueue adds op behind everything already queued. After close the op is
// applied on the caller's goroutine.
func (w *writer) enqueue(op persistOp) {
	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		w.apply(op)
		return
	}
	w.ops = append(w.ops, op)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *writer) run() {
	defer close(w.stopped)
	for {
		w.mu.Lock()
		batch := w.ops
		w.ops = nil
		closing := w.closing
		w.mu.Unlock()

		for _, op := range batch {
			w.apply(op)
		}
		if len(batch) == 0 {
			if closing {
				return
			}
			<-w.wake
		}
	}
}

func (w *writer) apply(op persistOp) {
	var err error
	switch op.kind {
	case opInsert:
		if err = w.persister.Insert(&op.rec); err != nil {
			w.logger.Warn("persist history record failed", zap.Int64("record_id", op.rec.ID), zap.Error(err))
		}
	case opTrim:
		if err = w.persister.DeleteBefore(op.keepFrom); err != nil {
			w.logger.Warn("trim persisted history failed", zap.Error(err))
		}
	case opClear:
		err = w.persister.Clear()
	}
	if op.done != nil {
		op.done <- err
	}
}

// wait enqueues op and blocks until it has been applied.
func (w *writer) wait(op persistOp) error {
	op.done = make(chan error, 1)
	w.enqueue(op)
	return <-op.done
}

// close drains the queue and stops the goroutine.
func (w *writer) close() {
	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		<-w.stopped
		return
	}
	w.closing = true
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	<-w.stopped
}
