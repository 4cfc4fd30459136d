// Package archive persists accepted chat messages off the request path.
package archive

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"termchat/models"

	"go.uber.org/zap"
)

// Store is the persistence the writer flushes batches into.
type Store interface {
	SaveMessages(msgs []models.Message) error
}

type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
	MaxRetries    int
	RetryBase     time.Duration
	RetryMax      time.Duration
}

func DefaultOptions() Options {
	return Options{
		BatchSize:     128,
		FlushInterval: 200 * time.Millisecond,
		QueueSize:     8192,
		MaxRetries:    3,
		RetryBase:     50 * time.Millisecond,
		RetryMax:      time.Second,
	}
}

type Stats struct {
	Enqueued uint64 `json:"enqueued"`
	Dropped  uint64 `json:"dropped"`
	Written  uint64 `json:"written"`
	Failed   uint64 `json:"failed"`
	Pending  int    `json:"pending"`
}

// Writer batches messages and writes them from a single goroutine. Enqueue
// never blocks; a full queue drops the message.
type Writer struct {
	store Store
	opts  Options
	log   *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan models.Message

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	written  atomic.Uint64
	failed   atomic.Uint64
}

func New(store Store, opts Options, log *zap.Logger) *Writer {
	def := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = def.FlushInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = def.RetryBase
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = def.RetryMax
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		store: store,
		opts:  opts,
		log:   log,
		queue: make(chan models.Message, opts.QueueSize),
		done:  make(chan struct{}),
	}
}

func (w *Writer) Start() {
	w.startOnce.Do(func() {
		go w.run()
		w.log.Info("archive writer started",
			zap.Int("batch", w.opts.BatchSize),
			zap.Duration("flush", w.opts.FlushInterval))
	})
}

// Enqueue hands msg to the writer. It reports false when the writer is
// stopped or its queue is full.
func (w *Writer) Enqueue(msg models.Message) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		w.dropped.Add(1)
		return false
	}
	select {
	case w.queue <- msg:
		w.enqueued.Add(1)
		return true
	default:
		w.dropped.Add(1)
		w.log.Warn("archive queue full, message dropped", zap.Uint64("msg_id", msg.MsgID))
		return false
	}
}

// Stop closes the queue and waits until everything already queued has been
// flushed, or ctx expires.
func (w *Writer) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		w.mu.Unlock()
	})
	// A writer that was never started still owns its queue.
	w.Start()

	select {
	case <-w.done:
		w.log.Info("archive writer stopped", zap.Uint64("written", w.written.Load()))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) Stats() Stats {
	return Stats{
		Enqueued: w.enqueued.Load(),
		Dropped:  w.dropped.Load(),
		Written:  w.written.Load(),
		Failed:   w.failed.Load(),
		Pending:  len(w.queue),
	}
}

func (w *Writer) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]models.Message, 0, w.opts.BatchSize)
	for {
		select {
		case msg, ok := <-w.queue:
			if !ok {
				w.flush(batch)
				return
			}
			batch = append(batch, msg)
			if len(batch) >= w.opts.BatchSize {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (w *Writer) flush(batch []models.Message) {
	if len(batch) == 0 {
		return
	}

	wait := w.opts.RetryBase
	for attempt := 0; ; attempt++ {
		err := w.store.SaveMessages(batch)
		if err == nil {
			w.written.Add(uint64(len(batch)))
			return
		}
		if attempt >= w.opts.MaxRetries {
			w.failed.Add(uint64(len(batch)))
			w.log.Error("archive batch lost", zap.Int("count", len(batch)), zap.Error(err))
			return
		}
		w.log.Warn("archive batch failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err))
		time.Sleep(wait)
		if wait *= 2; wait > w.opts.RetryMax {
			wait = w.opts.RetryMax
		}
	}
}
