// Package logger implements the non-blocking, batched usage recorder.
//
// Usage events are written to an internal buffered channel and flushed in
// batches by a background goroutine, so accounting never blocks the proxy
// hot path. If the channel fills up (> 10 000 entries), new entries are
// dropped and counted in Dropped.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/store"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Recorder buffers usage events and flushes them to a store.UsageSink.
type Recorder struct {
	ch        chan store.UsageEvent
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	sink    store.UsageSink
	baseCtx context.Context
	log     *slog.Logger
}

// NewRecorder starts the flusher goroutine. sink receives batches; when nil,
// events are flushed to the structured log instead.
func NewRecorder(ctx context.Context, sink store.UsageSink, slogger *slog.Logger) (*Recorder, error) {
	return newRecorder(ctx, sink, slogger, channelBuffer)
}

func newRecorder(ctx context.Context, sink store.UsageSink, slogger *slog.Logger, buffer int) (*Recorder, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if sink == nil {
		sink = NewSlogSink(slogger)
	}

	r := &Recorder{
		ch:      make(chan store.UsageEvent, buffer),
		done:    make(chan struct{}),
		sink:    sink,
		baseCtx: ctx,
		log:     slogger,
	}

	r.wg.Add(1)
	go r.run()

	return r, nil
}

// Record enqueues a usage event. Never blocks; overflow is dropped.
func (r *Recorder) Record(ev store.UsageEvent) {
	select {
	case r.ch <- ev:
	default:
		atomic.AddInt64(&r.dropped, 1)
	}
}

// Dropped returns the number of events lost to channel overflow.
func (r *Recorder) Dropped() int64 {
	return atomic.LoadInt64(&r.dropped)
}

// Close drains the queue, flushes the final batch, and closes the sink.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	return r.sink.Close()
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]store.UsageEvent, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := r.sink.Write(ctx, batch); err != nil {
			r.log.ErrorContext(ctx, "usage_flush_failed",
				slog.Int("events", len(batch)),
				slog.String("error", err.Error()),
			)
			atomic.AddInt64(&r.dropped, int64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-r.ch:
			batch = append(batch, ev)
			if len(batch) >= batchSize {
				flush(r.baseCtx)
			}

		case <-ticker.C:
			flush(r.baseCtx)

		case <-r.done:
			for {
				select {
				case ev := <-r.ch:
					batch = append(batch, ev)
					if len(batch) >= batchSize {
						flush(r.baseCtx)
					}
				default:
					flush(r.baseCtx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
