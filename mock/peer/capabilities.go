package main

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/nulpointcorp/a2a-fabric/internal/registry"
	"github.com/nulpointcorp/a2a-fabric/internal/schema"
	"github.com/nulpointcorp/a2a-fabric/internal/value"
	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

// fakeWords is a pool of words used to build mock generation output.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "peer", "simulating", "a", "real", "remote", "capability",
	"for", "development", "and", "testing", "purposes",
}

// fakeSentence returns a fake response text of roughly n words.
func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

// simulate applies the configured latency and error rate to one invocation.
func simulate(ctx context.Context, cfg Config) error {
	if cfg.LatencyMS > 0 {
		select {
		case <-time.After(time.Duration(cfg.LatencyMS) * time.Millisecond):
		case <-ctx.Done():
			return a2aerr.Wrap(a2aerr.TypeTimeout, ctx.Err(), "mock latency interrupted").
				WithSource("mock-peer")
		}
	}
	if cfg.ErrorRate > 0 && rand.Float64() < cfg.ErrorRate {
		return a2aerr.New(a2aerr.TypeInternal, "simulated invocation failure").
			WithSource("mock-peer")
	}
	return nil
}

// registerDemoCapabilities fills the registry with the demo surface every
// mock peer exposes: math.add, text.echo, time.now and llm.generate.
func registerDemoCapabilities(reg *registry.Registry, cfg Config) error {
	caps := []struct {
		c   registry.Capability
		inv registry.InvokerFunc
	}{
		{
			c: registry.Capability{
				Name:        "math.add",
				Version:     "1.0.0",
				Description: "Add two numbers.",
				Parameters: schema.ObjectOf(map[string]*schema.Schema{
					"a": schema.Of("number"),
					"b": schema.Of("number"),
				}, "a", "b"),
				Performance: registry.PerformanceSpec{
					AvgLatencyMs: 1,
					Cacheable:    true,
				},
				Tags: []string{"demo", "math"},
			},
			inv: func(ctx context.Context, params value.Object) (value.Value, error) {
				if err := simulate(ctx, cfg); err != nil {
					return value.Null(), err
				}
				a, _ := params["a"].AsNumber()
				b, _ := params["b"].AsNumber()
				return value.Number(a + b), nil
			},
		},
		{
			c: registry.Capability{
				Name:        "text.echo",
				Version:     "1.0.0",
				Description: "Echo the given text back.",
				Parameters: schema.ObjectOf(map[string]*schema.Schema{
					"text": schema.Of("string"),
				}, "text"),
				Performance: registry.PerformanceSpec{
					AvgLatencyMs: 1,
					Cacheable:    true,
				},
				Tags: []string{"demo", "text"},
			},
			inv: func(ctx context.Context, params value.Object) (value.Value, error) {
				if err := simulate(ctx, cfg); err != nil {
					return value.Null(), err
				}
				text, _ := params["text"].AsString()
				return value.Obj(value.Object{"text": value.String(text)}), nil
			},
		},
		{
			c: registry.Capability{
				Name:        "time.now",
				Version:     "1.0.0",
				Description: "Report the peer's current time.",
				Parameters:  schema.ObjectOf(nil),
				Performance: registry.PerformanceSpec{AvgLatencyMs: 1},
				Tags:        []string{"demo", "time"},
			},
			inv: func(ctx context.Context, params value.Object) (value.Value, error) {
				if err := simulate(ctx, cfg); err != nil {
					return value.Null(), err
				}
				now := time.Now()
				return value.Obj(value.Object{
					"iso":  value.String(now.UTC().Format(time.RFC3339)),
					"unix": value.Int(int(now.Unix())),
				}), nil
			},
		},
		{
			// The generation surface remote providers dial. Returns a
			// provider.Response-shaped object with fake content.
			c: registry.Capability{
				Name:        "llm.generate",
				Version:     "1.0.0",
				Description: "Produce a mock completion for a prompt.",
				Parameters: schema.ObjectOf(map[string]*schema.Schema{
					"prompt":    schema.Of("string"),
					"maxTokens": schema.Of("number"),
				}, "prompt"),
				Performance: registry.PerformanceSpec{
					AvgLatencyMs:  float64(cfg.LatencyMS),
					ResourceUsage: registry.ResourceMedium,
				},
				Tags: []string{"demo", "llm"},
			},
			inv: func(ctx context.Context, params value.Object) (value.Value, error) {
				if err := simulate(ctx, cfg); err != nil {
					return value.Null(), err
				}
				prompt, _ := params["prompt"].AsString()
				content := fakeSentence(20)
				promptTokens := (len(prompt) + 3) / 4
				completionTokens := (len(content) + 3) / 4
				return value.Obj(value.Object{
					"provider":     value.String(cfg.PeerID),
					"content":      value.String(content),
					"finishReason": value.String("stop"),
					"usage": value.Obj(value.Object{
						"promptTokens":     value.Int(promptTokens),
						"completionTokens": value.Int(completionTokens),
						"totalTokens":      value.Int(promptTokens + completionTokens),
					}),
				}), nil
			},
		},
	}

	for _, entry := range caps {
		if err := reg.Register(entry.c.Name, entry.c, entry.inv, map[string]string{"source": "mock"}); err != nil {
			return err
		}
	}
	return nil
}
