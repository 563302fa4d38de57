package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/nulpointcorp/a2a-fabric/internal/provider"
)

// Fingerprint key strategies.
//
//	exact    — SHA-256 of the canonical JSON of every routing-affecting field.
//	semantic — normalized prompt (lowercased, whitespace collapsed) and
//	           bucketed sampling parameters, hashed. Requests that differ
//	           only in formatting or parameter jitter share a key.
//	hybrid   — exact key first, semantic key as a fallback lookup; stores
//	           write both.
const (
	KeyExact    = "exact"
	KeySemantic = "semantic"
	KeyHybrid   = "hybrid"
)

// exactKey returns a deterministic SHA-256 cache key for the request.
// Every field that could change the response participates.
func exactKey(req *provider.Request) string {
	mm := make([]string, len(req.Multimodal))
	for i, m := range req.Multimodal {
		mm[i] = m.Kind + ":" + m.URI
	}
	data, _ := json.Marshal(struct {
		M    string   `json:"m"`
		P    string   `json:"p"`
		MT   int      `json:"mt"`
		T    string   `json:"t"`
		TP   string   `json:"tp"`
		TK   int      `json:"tk"`
		Stop []string `json:"stop,omitempty"`
		MM   []string `json:"mm,omitempty"`
		Tier string   `json:"tier,omitempty"`
	}{
		req.Model,
		req.Prompt,
		req.MaxTokens,
		fmt.Sprintf("%.2f", req.Temperature),
		fmt.Sprintf("%.2f", req.TopP),
		req.TopK,
		req.Stop,
		mm,
		string(req.Tier),
	})
	sum := sha256.Sum256(data)
	return "rsp:" + hex.EncodeToString(sum[:])
}

// semanticKey hashes a normalized view of the request so near-identical
// requests share a cache entry.
func semanticKey(req *provider.Request) string {
	data, _ := json.Marshal(struct {
		M    string `json:"m"`
		P    string `json:"p"`
		MT   int    `json:"mt"`
		T    string `json:"t"`
		Tier string `json:"tier,omitempty"`
	}{
		req.Model,
		normalizePrompt(req.Prompt),
		bucketTokens(req.MaxTokens),
		fmt.Sprintf("%.1f", bucketTemperature(req.Temperature)),
		string(req.Tier),
	})
	sum := sha256.Sum256(data)
	return "sem:" + hex.EncodeToString(sum[:])
}

// normalizePrompt lowercases and collapses every whitespace run to a
// single space.
func normalizePrompt(p string) string {
	return strings.Join(strings.Fields(strings.ToLower(p)), " ")
}

// bucketTemperature rounds to the nearest 0.5 so 0.65 and 0.7 share a bucket.
func bucketTemperature(t float64) float64 {
	return math.Round(t*2) / 2
}

// bucketTokens rounds the completion limit up to a coarse size class.
func bucketTokens(n int) int {
	switch {
	case n <= 0:
		return 0
	case n <= 256:
		return 256
	case n <= 1024:
		return 1024
	case n <= 4096:
		return 4096
	default:
		return 16384
	}
}

// cacheKeys returns the keys for a request in lookup order. Hybrid lists
// the exact key first and the semantic key as the fallback; stores write
// every returned key.
func (rt *Router) cacheKeys(req *provider.Request) []string {
	switch rt.keyStrategy {
	case KeySemantic:
		return []string{semanticKey(req)}
	case KeyHybrid:
		return []string{exactKey(req), semanticKey(req)}
	default:
		return []string{exactKey(req)}
	}
}

// cacheGet consults the fingerprint cache. A hit is returned with Cached
// set; corrupt entries are deleted and treated as misses.
func (rt *Router) cacheGet(ctx context.Context, req *provider.Request) (*provider.Response, bool) {
	for _, key := range rt.cacheKeys(req) {
		body, ok := rt.cache.Get(ctx, key)
		if !ok {
			continue
		}
		var resp provider.Response
		if err := json.Unmarshal(body, &resp); err != nil {
			rt.log.WarnContext(ctx, "cache_entry_corrupt",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			_ = rt.cache.Delete(ctx, key)
			continue
		}
		if rt.metrics != nil {
			rt.metrics.CacheGetHit()
		}
		resp.Cached = true
		return &resp, true
	}
	return nil, false
}

// cacheSet stores a settled response under every key for the request.
func (rt *Router) cacheSet(ctx context.Context, req *provider.Request, resp *provider.Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		if rt.metrics != nil {
			rt.metrics.CacheSetError()
		}
		return
	}
	failed := false
	for _, key := range rt.cacheKeys(req) {
		if err := rt.cache.Set(ctx, key, body, rt.cacheTTL); err != nil {
			failed = true
			rt.log.WarnContext(ctx, "cache_set_failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
	if rt.metrics == nil {
		return
	}
	if failed {
		rt.metrics.CacheSetError()
	} else {
		rt.metrics.CacheSetOK()
	}
}
