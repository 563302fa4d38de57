package shell

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/a2a-fabric/internal/metrics"
	"github.com/nulpointcorp/a2a-fabric/internal/value"
	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

const (
	defaultBatchSize    = 10
	defaultBatchWait    = 100 * time.Millisecond
	defaultFlushTimeout = 30 * time.Second
)

// ErrBatcherClosed reports a submission after Close.
var ErrBatcherClosed = errors.New("batcher closed")

// BatchRequest is one invocation queued for batching.
type BatchRequest struct {
	ID     string
	Tool   string
	Params value.Value
}

// BatchResult pairs a request id with its outcome.
type BatchResult struct {
	ID     string
	Result value.Value
	Err    error
}

// FlushFunc executes one accumulated batch and returns a result per request.
type FlushFunc func(ctx context.Context, tool string, reqs []BatchRequest) []BatchResult

// BatcherOptions configures a Batcher.
type BatcherOptions struct {
	// BatchSize triggers a flush when reached and bounds the pending queue.
	// Default: 10.
	BatchSize int
	// MaxWait flushes a partial batch after this delay. Default: 100ms.
	MaxWait time.Duration
	// FlushTimeout bounds one flush execution. Default: 30s.
	FlushTimeout time.Duration

	// Flush executes batches. Required.
	Flush FlushFunc

	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Batcher accumulates invocations per tool and flushes them together when
// the batch fills or the wait expires. Every queued request receives the
// result matching its id.
type Batcher struct {
	mu     sync.Mutex
	tools  map[string]*toolQueue
	closed bool

	size         int
	maxWait      time.Duration
	flushTimeout time.Duration
	flush        FlushFunc

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry
	wg      sync.WaitGroup
}

type toolQueue struct {
	entries []*batchEntry
	timer   *time.Timer
}

type batchEntry struct {
	req  BatchRequest
	done chan BatchResult // buffered 1; never blocks dispatch
}

// NewBatcher creates a Batcher. The context bounds flush executions and must
// not be nil.
func NewBatcher(ctx context.Context, opts BatcherOptions) *Batcher {
	if ctx == nil {
		panic("shell: batcher context must not be nil")
	}
	if opts.Flush == nil {
		panic("shell: batcher requires a flush function")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = defaultBatchWait
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = defaultFlushTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Batcher{
		tools:        make(map[string]*toolQueue),
		size:         opts.BatchSize,
		maxWait:      opts.MaxWait,
		flushTimeout: opts.FlushTimeout,
		flush:        opts.Flush,
		baseCtx:      ctx,
		log:          opts.Logger,
		metrics:      opts.Metrics,
	}
}

// Submit queues req and blocks until its batch flushes and the matching
// result arrives, or ctx is done.
func (b *Batcher) Submit(ctx context.Context, req BatchRequest) (value.Value, error) {
	entry := &batchEntry{req: req, done: make(chan BatchResult, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return value.Null(), a2aerr.Wrap(a2aerr.TypeAgentUnavailable, ErrBatcherClosed, "batcher is closed").
			WithSource("batcher")
	}
	q := b.tools[req.Tool]
	if q == nil {
		q = &toolQueue{}
		b.tools[req.Tool] = q
	}
	q.entries = append(q.entries, entry)

	switch {
	case len(q.entries) >= b.size:
		b.cut(req.Tool, q, "size")
	case len(q.entries) == 1:
		tool := req.Tool
		q.timer = time.AfterFunc(b.maxWait, func() { b.waitExpired(tool) })
	}
	b.mu.Unlock()

	select {
	case res := <-entry.done:
		return res.Result, res.Err
	case <-ctx.Done():
		return value.Null(), a2aerr.From(ctx.Err(), "batcher")
	}
}

// Close flushes all pending batches, waits for their dispatch to finish and
// rejects further submissions.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for tool, q := range b.tools {
		if len(q.entries) > 0 {
			b.cut(tool, q, "close")
		}
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// waitExpired flushes the partial batch for tool, if any is still pending.
func (b *Batcher) waitExpired(tool string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.tools[tool]
	if q == nil || len(q.entries) == 0 {
		return
	}
	b.cut(tool, q, "timeout")
}

// cut detaches the pending entries and dispatches them. Callers hold b.mu.
func (b *Batcher) cut(tool string, q *toolQueue, trigger string) {
	entries := q.entries
	q.entries = nil
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}

	if b.metrics != nil {
		b.metrics.RecordBatchFlush(tool, trigger, len(entries))
	}
	b.log.Debug("batch_flush",
		slog.String("tool", tool),
		slog.String("trigger", trigger),
		slog.Int("size", len(entries)),
	)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.dispatch(tool, entries)
	}()
}

// dispatch runs the flush handler and routes results back by id.
func (b *Batcher) dispatch(tool string, entries []*batchEntry) {
	reqs := make([]BatchRequest, len(entries))
	for i, e := range entries {
		reqs[i] = e.req
	}

	ctx, cancel := context.WithTimeout(b.baseCtx, b.flushTimeout)
	defer cancel()

	var results []BatchResult
	panicked := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				b.log.Error("batch_flush_panic",
					slog.String("tool", tool),
					slog.Any("panic", r),
				)
			}
		}()
		results = b.flush(ctx, tool, reqs)
	}()

	byID := make(map[string]BatchResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}
	for _, e := range entries {
		res, ok := byID[e.req.ID]
		if !ok {
			err := a2aerr.Newf(a2aerr.TypeInternal, "batch flush returned no result for id %s", e.req.ID).
				WithSource("batcher")
			if panicked {
				err = a2aerr.New(a2aerr.TypeInternal, "batch flush panicked").WithSource("batcher")
			}
			res = BatchResult{ID: e.req.ID, Err: err}
		}
		e.done <- res
	}
}
