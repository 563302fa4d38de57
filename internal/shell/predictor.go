package shell

import (
	"sync"
	"time"

	"github.com/nulpointcorp/a2a-fabric/internal/metrics"
)

const (
	defaultPredictorWindow = 1000
	maxPrediction          = 30 * time.Second
	minModalitySamples     = 5
)

// latencySample is one observed completion.
type latencySample struct {
	promptLen  int
	multimodal bool
	maxTokens  int
	latency    time.Duration
}

// PredictorOptions configures a Predictor.
type PredictorOptions struct {
	// Window bounds the sample ring. Default: 1000.
	Window  int
	Metrics *metrics.Registry
}

// Predictor estimates request latency from a sliding window of observed
// completions. It is trained online; predictions are clamped to [0, 30s].
// A cold predictor returns 0, which callers treat as "no estimate".
type Predictor struct {
	mu      sync.Mutex
	samples []latencySample
	head    int
	n       int

	// running sums over the window
	sumLatency   time.Duration
	sumPrompt    int64
	sumTokens    int64
	mmCount      int
	mmSumLatency time.Duration

	metrics *metrics.Registry
}

// NewPredictor creates a Predictor.
func NewPredictor(opts PredictorOptions) *Predictor {
	if opts.Window <= 0 {
		opts.Window = defaultPredictorWindow
	}
	return &Predictor{
		samples: make([]latencySample, opts.Window),
		metrics: opts.Metrics,
	}
}

// Observe trains the predictor with one completed request. Negative
// latencies are discarded.
func (p *Predictor) Observe(promptLen int, multimodal bool, maxTokens int, latency time.Duration) {
	if latency < 0 {
		return
	}

	p.mu.Lock()
	if p.n == len(p.samples) {
		p.evict(p.samples[p.head])
	} else {
		p.n++
	}
	s := latencySample{promptLen: promptLen, multimodal: multimodal, maxTokens: maxTokens, latency: latency}
	p.samples[p.head] = s
	p.head = (p.head + 1) % len(p.samples)
	p.admit(s)
	n := p.n
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.SetPredictorSamples(n)
	}
}

// Samples returns the number of samples currently held.
func (p *Predictor) Samples() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

// Predict estimates the latency of a request. The moving average over the
// window is scaled by how the request's prompt length and token budget
// compare to the window averages; multimodal requests use the multimodal
// average when enough such samples exist.
func (p *Predictor) Predict(promptLen int, multimodal bool, maxTokens int) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.n == 0 {
		return 0
	}

	base := float64(p.sumLatency) / float64(p.n)
	if multimodal && p.mmCount >= minModalitySamples {
		base = float64(p.mmSumLatency) / float64(p.mmCount)
	}

	avgPrompt := float64(p.sumPrompt) / float64(p.n)
	if avgPrompt > 0 && promptLen > 0 {
		base *= clampF(0.5+0.5*float64(promptLen)/avgPrompt, 0.5, 2.5)
	}
	avgTokens := float64(p.sumTokens) / float64(p.n)
	if avgTokens > 0 && maxTokens > 0 {
		base *= clampF(0.75+0.25*float64(maxTokens)/avgTokens, 0.75, 1.75)
	}

	pred := time.Duration(base)
	if pred < 0 {
		pred = 0
	}
	if pred > maxPrediction {
		pred = maxPrediction
	}
	return pred
}

func (p *Predictor) admit(s latencySample) {
	p.sumLatency += s.latency
	p.sumPrompt += int64(s.promptLen)
	p.sumTokens += int64(s.maxTokens)
	if s.multimodal {
		p.mmCount++
		p.mmSumLatency += s.latency
	}
}

func (p *Predictor) evict(s latencySample) {
	p.sumLatency -= s.latency
	p.sumPrompt -= int64(s.promptLen)
	p.sumTokens -= int64(s.maxTokens)
	if s.multimodal {
		p.mmCount--
		p.mmSumLatency -= s.latency
	}
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
