package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/nulpointcorp/a2a-fabric/internal/provider"
	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

// streamBuf sizes the relay channel between the provider stream and the
// consumer.
const streamBuf = 16

// GenerateStream routes req like Generate but returns chunks as they
// arrive. Streaming responses never touch the cache. Mid-stream retryable
// failures reconnect to the serving provider up to maxReconnects times
// with linear backoff; the reconnect attempt number rides on the request
// so the provider can resume, and chunks already delivered to the caller
// are never redelivered.
func (rt *Router) GenerateStream(ctx context.Context, req *provider.Request) (*provider.Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if len(rt.providers) == 0 {
		return nil, a2aerr.New(a2aerr.TypeRouting, "no providers configured").WithSource("router")
	}

	dec, err := rt.Decide(req)
	if err != nil {
		return nil, err
	}
	if rt.metrics != nil {
		rt.metrics.CacheGetBypass()
	}

	runReq := req
	if rt.optimize {
		runReq = rt.optimizeRequest(req)
	}

	inner, name, err := rt.openStream(ctx, runReq, dec.Provider)
	if err != nil {
		if rt.metrics != nil {
			rt.metrics.RecordRouteRequest(dec.Provider, a2aerr.Classify(err))
		}
		return nil, err
	}
	if rt.metrics != nil {
		rt.metrics.RecordRouteRequest(name, "ok")
	}

	out, prod := provider.NewStream(streamBuf)
	go rt.relayStream(ctx, runReq, name, inner, prod)
	return out, nil
}

// relayStream copies chunks from the provider stream to the consumer,
// reconnecting to the same provider on retryable mid-stream errors.
// Outgoing indexes are renumbered so they stay continuous across
// reconnects; resumption itself is the provider's job, driven by the
// attempt counter on the retried request.
func (rt *Router) relayStream(ctx context.Context, req *provider.Request, name string, first *provider.Stream, prod *provider.StreamProducer) {
	inner := first
	delivered := 0
	reconnects := 0

	for {
		werr := rt.copyChunks(ctx, inner, prod, &delivered)
		if werr == nil {
			prod.Close(nil)
			return
		}

		// Send-side failures: the consumer cancelled or the context ended.
		// Reconnecting helps neither.
		if prod.Cancelled() || ctx.Err() != nil {
			prod.Close(werr)
			return
		}

		for {
			if !a2aerr.IsRetryable(werr) {
				if rt.metrics != nil {
					rt.metrics.RecordStreamRecovery(name, "aborted")
				}
				prod.Close(a2aerr.From(werr, "router"))
				return
			}
			if reconnects >= rt.maxReconnects {
				rt.log.WarnContext(ctx, "stream_recovery_exhausted",
					slog.String("provider", name),
					slog.Int("reconnects", reconnects),
					slog.String("error", werr.Error()),
				)
				if rt.metrics != nil {
					rt.metrics.RecordStreamRecovery(name, "exhausted")
				}
				prod.Close(a2aerr.From(werr, "router"))
				return
			}
			reconnects++

			delay := rt.reconnectDelay * time.Duration(reconnects)
			rt.log.WarnContext(ctx, "stream_reconnect",
				slog.String("provider", name),
				slog.Int("attempt", reconnects),
				slog.Duration("delay", delay),
				slog.String("error", werr.Error()),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				prod.Close(a2aerr.From(ctx.Err(), "router"))
				return
			}

			retryReq := req.Clone()
			retryReq.Attempt = reconnects
			next, oerr := rt.providers[name].GenerateStream(ctx, retryReq)
			if oerr != nil {
				werr = oerr
				continue
			}
			if rt.metrics != nil {
				rt.metrics.RecordStreamRecovery(name, "recovered")
			}
			inner = next
			break
		}
	}
}

// copyChunks forwards inner's chunks to the consumer, renumbering indexes
// against the delivered counter. Returns nil on clean completion, the
// stream's terminal error, or the send error when the consumer went away.
func (rt *Router) copyChunks(ctx context.Context, inner *provider.Stream, prod *provider.StreamProducer, delivered *int) error {
	for chunk := range inner.C {
		chunk.Index = *delivered
		if err := prod.Send(ctx, chunk); err != nil {
			inner.Cancel()
			for range inner.C {
			}
			return err
		}
		*delivered++
	}
	return inner.Err()
}
