package racelog

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueSize is the number of records buffered before the oldest is
// dropped.
const DefaultQueueSize = 64

// DefaultFlushInterval is how often the Writer is flushed while idle.
const DefaultFlushInterval = 5 * time.Second

// QueueOptions configures a Queue.
type QueueOptions struct {
	Size          int
	FlushInterval time.Duration
}

// Queue is a Sink that buffers records in a bounded channel and writes them
// from a worker goroutine. When the buffer is full the oldest record is
// dropped.
type Queue struct {
	w        Writer
	ch       chan Record
	flushReq chan chan error
	quit     chan struct{}
	done     chan struct{}
	interval time.Duration

	mu      sync.Mutex // serializes producers
	closed  bool
	dropped atomic.Uint64

	reported uint64 // drops already logged; worker only
}

// NewQueue starts a queue writing to w. Panics if w is nil.
func NewQueue(w Writer, opts QueueOptions) *Queue {
	if w == nil {
		panic("racelog: NewQueue called with nil writer")
	}
	if opts.Size <= 0 {
		opts.Size = DefaultQueueSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}

	q := &Queue{
		w:        w,
		ch:       make(chan Record, opts.Size),
		flushReq: make(chan chan error),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		interval: opts.FlushInterval,
	}
	go q.run()
	return q
}

// Enqueue adds rec to the queue, dropping the oldest buffered record when
// full. Records enqueued after Close are discarded. Enqueue does no I/O;
// drops are counted here and logged by the worker.
func (q *Queue) Enqueue(rec Record) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	for {
		select {
		case q.ch <- rec:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}

// Dropped returns the number of records discarded because the queue was full.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Flush waits until all records enqueued before the call are written and
// the Writer is flushed.
func (q *Queue) Flush() error {
	reply := make(chan error, 1)
	select {
	case q.flushReq <- reply:
	case <-q.done:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-q.done:
		return ErrClosed
	}
}

// Close writes any buffered records, flushes and closes the Writer.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.quit)
	<-q.done
	return q.w.Close()
}

func (q *Queue) run() {
	defer close(q.done)

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-q.ch:
			q.write(rec)
		case reply := <-q.flushReq:
			q.drain()
			reply <- q.w.Flush()
		case <-ticker.C:
			q.reportDrops()
			if err := q.w.Flush(); err != nil {
				slog.Error("[LOG] periodic flush failed", "error", err)
			}
		case <-q.quit:
			q.drain()
			if err := q.w.Flush(); err != nil {
				slog.Error("[LOG] final flush failed", "error", err)
			}
			return
		}
	}
}

// drain writes every record currently buffered.
func (q *Queue) drain() {
	for {
		select {
		case rec := <-q.ch:
			q.write(rec)
		default:
			return
		}
	}
}

// reportDrops logs records dropped since the last report.
func (q *Queue) reportDrops() {
	n := q.dropped.Load()
	if n == q.reported {
		return
	}
	slog.Warn("[LOG] queue full, dropped oldest records", "dropped", n-q.reported, "dropped_total", n)
	q.reported = n
}

func (q *Queue) write(rec Record) {
	q.reportDrops()
	if rec.Kind == KindLap {
		attrs := []any{"race", rec.RaceID, "team", rec.TeamID, "name", rec.TeamName, "lap", rec.LapCount, "rssi", rec.RSSI}
		if rec.LapTime >= 0 {
			attrs = append(attrs, "lap_time", rec.LapTime)
		}
		slog.Info("[LAP] lap counted", attrs...)
	}

	if err := q.w.Write(rec); err != nil {
		slog.Error("[LOG] write failed", "kind", rec.Kind, "race", rec.RaceID, "error", err)
	}
}

var _ Sink = (*Queue)(nil)
