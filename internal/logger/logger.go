// Package logger implements a non-blocking, batched dispatch log.
//
// Every routed message produces one DispatchLog entry. Entries are written
// to an internal buffered channel and flushed in batches by a background
// goroutine — so logging never blocks the dispatch hot path. If the channel
// fills up (> 10 000 entries), new entries are dropped and counted in
// DroppedLogs.
//
// Flushed batches go to one or more Sinks. The default sink logs through
// slog; a ClickHouse sink (see clickhouse.go) can be added for analytics.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// DispatchLog is one record of a message moving through the fabric.
type DispatchLog struct {
	ID          uuid.UUID
	TraceID     string
	SourceAgent string
	TargetAgent string
	Capability  string
	Protocol    string
	MessageType string
	Provider    string
	Status      string
	LatencyMs   uint32
	Cached      bool
	Attempts    uint8
	CreatedAt   time.Time
}

// Sink receives flushed batches. Implementations must tolerate being called
// from a single goroutine only.
type Sink interface {
	WriteBatch(ctx context.Context, entries []DispatchLog) error
	Close() error
}

// SlogSink writes each entry as a structured log line.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(l *slog.Logger) *SlogSink {
	return &SlogSink{log: l}
}

func (s *SlogSink) WriteBatch(ctx context.Context, entries []DispatchLog) error {
	for _, e := range entries {
		s.log.InfoContext(ctx, "dispatch",
			slog.String("id", e.ID.String()),
			slog.String("trace_id", e.TraceID),
			slog.String("source", e.SourceAgent),
			slog.String("target", e.TargetAgent),
			slog.String("capability", e.Capability),
			slog.String("protocol", e.Protocol),
			slog.String("message_type", e.MessageType),
			slog.String("provider", e.Provider),
			slog.String("status", e.Status),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Bool("cached", e.Cached),
			slog.Uint64("attempts", uint64(e.Attempts)),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		)
	}
	return nil
}

func (s *SlogSink) Close() error { return nil }

// Logger fans dispatch entries out to its sinks in batches.
type Logger struct {
	ch        chan DispatchLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	sinks   []Sink
	log     *slog.Logger
}

// New starts the background flush loop. When no sinks are given, a SlogSink
// on slogger is used so entries are never silently discarded.
func New(ctx context.Context, slogger *slog.Logger, sinks ...Sink) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if len(sinks) == 0 {
		sinks = []Sink{NewSlogSink(slogger)}
	}

	l := &Logger{
		ch:      make(chan DispatchLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sinks:   sinks,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues one entry. Never blocks; drops when the buffer is full.
func (l *Logger) Log(entry DispatchLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close drains the channel, flushes the final batch and closes all sinks.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()

	var firstErr error
	for _, s := range l.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]DispatchLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, s := range l.sinks {
			if err := s.WriteBatch(ctx, batch); err != nil {
				l.log.WarnContext(ctx, "dispatch_log_flush_error",
					slog.Int("batch_size", len(batch)),
					slog.String("error", err.Error()),
				)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
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
