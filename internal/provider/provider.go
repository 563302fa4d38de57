// Package provider defines the generation backend contract the router
// schedules over, plus the in-tree adapters: capability-backed (a registry
// invocation dressed as a provider) and remote (a peer reached over the
// connection fabric).
//
// Key design constraints:
//   - Providers are stateless from the router's point of view: a *Request
//     in, a *Response or *Stream out, errors as a2aerr values.
//   - Descriptors carry the static economics (cost, quality, capability
//     flags) the routing strategies rank on; live health and latency come
//     from elsewhere.
//   - Requests handed to a provider are owned by the caller; providers must
//     not mutate them.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

// Tier is the caller's service tier.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
	TierUltra      Tier = "ultra"
)

// Rank orders tiers from free upward. Unknown tiers rank below free.
func (t Tier) Rank() int {
	switch t {
	case TierFree:
		return 0
	case TierPro:
		return 1
	case TierEnterprise:
		return 2
	case TierUltra:
		return 3
	default:
		return -1
	}
}

// Valid reports whether t is a known tier or empty.
func (t Tier) Valid() bool {
	return t == "" || t.Rank() >= 0
}

// MediaRef is a handle to out-of-band multimodal content. The fabric never
// inlines media bytes into a generation request.
type MediaRef struct {
	Kind string `json:"kind"` // image, audio, video, document
	URI  string `json:"uri"`
	MIME string `json:"mime,omitempty"`
}

// Request is one generation request.
type Request struct {
	Model       string     `json:"model,omitempty"`
	Prompt      string     `json:"prompt"`
	MaxTokens   int        `json:"maxTokens,omitempty"`
	Temperature float64    `json:"temperature,omitempty"`
	TopP        float64    `json:"topP,omitempty"`
	TopK        int        `json:"topK,omitempty"`
	Stop        []string   `json:"stop,omitempty"`
	Stream      bool       `json:"stream,omitempty"`
	Multimodal  []MediaRef `json:"multimodal,omitempty"`
	Tier        Tier       `json:"tier,omitempty"`
	Priority    int        `json:"priority,omitempty"`
	// LatencyTarget is the caller's soft completion deadline.
	LatencyTarget time.Duration `json:"latencyTargetMs,omitempty"`
	// Preferred pins a provider id; the router honors it when healthy.
	Preferred string            `json:"preferred,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	// Attempt counts stream reconnects; zero on the first delivery.
	Attempt int `json:"attempt,omitempty"`
}

// Validate rejects requests no provider could serve.
func (r *Request) Validate() error {
	switch {
	case r == nil:
		return a2aerr.New(a2aerr.TypeValidation, "request must not be nil").WithSource("provider")
	case r.Prompt == "" && len(r.Multimodal) == 0:
		return a2aerr.New(a2aerr.TypeValidation, "request needs a prompt or multimodal content").WithSource("provider")
	case r.MaxTokens < 0:
		return a2aerr.Newf(a2aerr.TypeValidation, "maxTokens %d is negative", r.MaxTokens).WithSource("provider")
	case r.Temperature < 0 || r.Temperature > 2:
		return a2aerr.Newf(a2aerr.TypeValidation, "temperature %v outside [0, 2]", r.Temperature).WithSource("provider")
	case r.TopP < 0 || r.TopP > 1:
		return a2aerr.Newf(a2aerr.TypeValidation, "topP %v outside [0, 1]", r.TopP).WithSource("provider")
	case !r.Tier.Valid():
		return a2aerr.Newf(a2aerr.TypeValidation, "unknown tier %q", r.Tier).WithSource("provider")
	}
	return nil
}

// Clone returns a deep copy the router may adjust without touching the
// caller's request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.Stop = append([]string(nil), r.Stop...)
	out.Multimodal = append([]MediaRef(nil), r.Multimodal...)
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Usage is the token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Response is one settled completion.
type Response struct {
	Provider     string        `json:"provider"`
	Model        string        `json:"model,omitempty"`
	Content      string        `json:"content"`
	Usage        Usage         `json:"usage"`
	FinishReason string        `json:"finishReason,omitempty"`
	Latency      time.Duration `json:"-"`
	Cached       bool          `json:"cached,omitempty"`
}

// Descriptor carries a provider's static economics and capability flags.
type Descriptor struct {
	ID string
	// CostPer1K is the blended price per thousand tokens.
	CostPer1K float64
	// QualityScore ranks output quality in [0, 1].
	QualityScore float64
	Multimodal   bool
	LongContext  bool
	// MaxTokens caps a single completion; zero means unbounded.
	MaxTokens int
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s(cost=%.4f quality=%.2f)", d.ID, d.CostPer1K, d.QualityScore)
}

// Provider is one generation backend.
type Provider interface {
	Name() string
	Descriptor() Descriptor
	Generate(ctx context.Context, req *Request) (*Response, error)
	GenerateStream(ctx context.Context, req *Request) (*Stream, error)
	HealthCheck(ctx context.Context) error
}

// EstimateTokens approximates the token count of a text the way the billing
// path does: four characters per token, rounded up, never zero for
// non-empty text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
