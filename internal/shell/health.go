package shell

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/a2a-fabric/internal/lifecycle"
	"github.com/nulpointcorp/a2a-fabric/internal/metrics"
)

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 5 * time.Second

	ewmaAlpha     = 0.2
	outcomeWindow = 100 // per-target ring of call outcomes for the error rate
	probeWindow   = 20  // per-target ring of probe outcomes for availability

	webhookTimeout = 5 * time.Second
)

// Target status values.
const (
	statusUnknown  = "unknown"
	statusOK       = "ok"
	statusDegraded = "degraded"
)

// Alert kinds.
const (
	alertErrorRate    = "error_rate"
	alertLatency      = "latency"
	alertAvailability = "availability"
)

// ProbeFunc checks one target. A nil error means healthy.
type ProbeFunc func(ctx context.Context) error

// boolRing is a fixed-capacity ring of outcomes, oldest dropped first.
type boolRing struct {
	buf  []bool
	head int
	n    int
}

func newBoolRing(capacity int) *boolRing {
	return &boolRing{buf: make([]bool, capacity)}
}

func (r *boolRing) push(v bool) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

// rate returns the fraction of true entries, or def when empty.
func (r *boolRing) rate(def float64) float64 {
	if r.n == 0 {
		return def
	}
	hits := 0
	for i := 0; i < r.n; i++ {
		if r.buf[i] {
			hits++
		}
	}
	return float64(hits) / float64(r.n)
}

// targetStats holds the tracked state for one peer or provider.
type targetStats struct {
	mu sync.Mutex

	probe  ProbeFunc
	status string

	ewma   time.Duration // EWMA call latency; 0 until the first sample
	calls  *boolRing     // call outcomes, true = success
	probes *boolRing     // probe outcomes, true = ok

	alerting map[string]bool // alert kind → currently raised
}

// AlertThresholds configures when the tracker raises alerts. Zero values
// disable the corresponding check.
type AlertThresholds struct {
	// MaxErrorRate alerts when the recent call failure fraction exceeds it.
	MaxErrorRate float64
	// MaxLatency alerts when the EWMA call latency exceeds it.
	MaxLatency time.Duration
	// MinAvailability alerts when the probe success fraction drops below it.
	MinAvailability float64
}

// TrackerOptions configures a HealthTracker.
type TrackerOptions struct {
	// Interval between probe rounds. Default: 30s.
	Interval time.Duration
	// ProbeTimeout bounds a single probe. Default: 5s.
	ProbeTimeout time.Duration

	Thresholds AlertThresholds
	// WebhookURLs receive alert POSTs. Empty disables delivery.
	WebhookURLs []string

	Logger  *slog.Logger
	Metrics *metrics.Registry
	Sink    lifecycle.Sink
}

// HealthTracker keeps per-target health: probe status, EWMA call latency and
// a recent error rate. A background loop probes registered targets and
// evaluates the alert thresholds each round, POSTing raised/resolved state
// changes to the configured webhooks.
type HealthTracker struct {
	mu      sync.RWMutex
	targets map[string]*targetStats

	interval     time.Duration
	probeTimeout time.Duration
	thresholds   AlertThresholds
	webhooks     []string

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry
	sink    lifecycle.Sink

	done chan struct{}
	wg   sync.WaitGroup
}

// NewHealthTracker creates a HealthTracker and starts its probe loop.
func NewHealthTracker(ctx context.Context, opts TrackerOptions) *HealthTracker {
	if ctx == nil {
		panic("shell: health tracker context must not be nil")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultProbeInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ht := &HealthTracker{
		targets:      make(map[string]*targetStats),
		interval:     opts.Interval,
		probeTimeout: opts.ProbeTimeout,
		thresholds:   opts.Thresholds,
		webhooks:     opts.WebhookURLs,
		baseCtx:      ctx,
		log:          opts.Logger,
		metrics:      opts.Metrics,
		sink:         lifecycle.OrNop(opts.Sink),
		done:         make(chan struct{}),
	}

	ht.wg.Add(1)
	go ht.run()

	return ht
}

// Register adds target with its probe and schedules an immediate check.
// Re-registering replaces the probe. A nil probe tracks call stats only.
func (ht *HealthTracker) Register(target string, probe ProbeFunc) {
	ts := ht.getOrCreate(target)
	ts.mu.Lock()
	ts.probe = probe
	ts.mu.Unlock()

	if probe == nil {
		return
	}
	select {
	case <-ht.done:
		return
	default:
	}
	ht.wg.Add(1)
	go func() {
		defer ht.wg.Done()
		ht.probeOne(target, ts)
	}()
}

// Observe feeds one call outcome into the error-rate ring. Latency updates
// the EWMA on success only, so a burst of slow failures cannot poison the
// latency signal the router scores with.
func (ht *HealthTracker) Observe(target string, latency time.Duration, err error) {
	ts := ht.getOrCreate(target)
	ts.mu.Lock()
	ts.calls.push(err == nil)
	if err == nil && latency > 0 {
		if ts.ewma == 0 {
			ts.ewma = latency
		} else {
			ts.ewma = time.Duration(float64(ts.ewma)*(1-ewmaAlpha) + float64(latency)*ewmaAlpha)
		}
	}
	ts.mu.Unlock()
}

// Healthy reports whether target passed its last probe. Unknown and
// never-probed targets read healthy.
func (ht *HealthTracker) Healthy(target string) bool {
	ts := ht.get(target)
	if ts == nil {
		return true
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.status != statusDegraded
}

// AvgLatency returns the EWMA call latency for target, 0 when unobserved.
func (ht *HealthTracker) AvgLatency(target string) time.Duration {
	ts := ht.get(target)
	if ts == nil {
		return 0
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.ewma
}

// ErrorRate returns the recent call failure fraction for target, 0 when
// unobserved.
func (ht *HealthTracker) ErrorRate(target string) float64 {
	ts := ht.get(target)
	if ts == nil {
		return 0
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return 1 - ts.calls.rate(1)
}

// TargetHealth is one row of a health snapshot.
type TargetHealth struct {
	Target       string  `json:"target"`
	Status       string  `json:"status"`
	AvgLatencyMs int64   `json:"avgLatencyMs"`
	ErrorRate    float64 `json:"errorRate"`
	Availability float64 `json:"availability"`
}

// Snapshot returns current health rows sorted by target id.
func (ht *HealthTracker) Snapshot() []TargetHealth {
	ht.mu.RLock()
	names := make([]string, 0, len(ht.targets))
	for name := range ht.targets {
		names = append(names, name)
	}
	ht.mu.RUnlock()
	sort.Strings(names)

	rows := make([]TargetHealth, 0, len(names))
	for _, name := range names {
		ts := ht.get(name)
		if ts == nil {
			continue
		}
		ts.mu.Lock()
		rows = append(rows, TargetHealth{
			Target:       name,
			Status:       ts.status,
			AvgLatencyMs: ts.ewma.Milliseconds(),
			ErrorRate:    1 - ts.calls.rate(1),
			Availability: ts.probes.rate(1),
		})
		ts.mu.Unlock()
	}
	return rows
}

// Close stops the probe loop and waits for in-flight probes.
func (ht *HealthTracker) Close() {
	close(ht.done)
	ht.wg.Wait()
}

func (ht *HealthTracker) run() {
	defer ht.wg.Done()
	ticker := time.NewTicker(ht.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ht.round()
		case <-ht.done:
			return
		}
	}
}

// round probes every registered target in parallel, then evaluates alerts
// for all tracked targets (probed or not).
func (ht *HealthTracker) round() {
	ht.mu.RLock()
	targets := make(map[string]*targetStats, len(ht.targets))
	for name, ts := range ht.targets {
		targets[name] = ts
	}
	ht.mu.RUnlock()

	var wg sync.WaitGroup
	for name, ts := range targets {
		ts.mu.Lock()
		hasProbe := ts.probe != nil
		ts.mu.Unlock()
		if !hasProbe {
			continue
		}
		wg.Add(1)
		go func(name string, ts *targetStats) {
			defer wg.Done()
			ht.probeOne(name, ts)
		}(name, ts)
	}
	wg.Wait()

	for name, ts := range targets {
		ht.evaluateAlerts(name, ts)
	}
}

func (ht *HealthTracker) probeOne(target string, ts *targetStats) {
	ts.mu.Lock()
	probe := ts.probe
	ts.mu.Unlock()
	if probe == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ht.baseCtx, ht.probeTimeout)
	err := probe(ctx)
	cancel()

	ts.mu.Lock()
	prev := ts.status
	if err != nil {
		ts.status = statusDegraded
	} else {
		ts.status = statusOK
	}
	ts.probes.push(err == nil)
	status := ts.status
	ts.mu.Unlock()

	if ht.metrics != nil {
		ht.metrics.SetPeerHealth(target, err == nil)
	}
	if status == prev {
		return
	}
	ht.sink.HealthChanged(target, status)
	if err != nil {
		ht.log.Warn("target_unhealthy",
			slog.String("target", target),
			slog.String("error", err.Error()),
		)
	} else if prev != statusUnknown {
		ht.log.Info("target_recovered", slog.String("target", target))
	}
}

func (ht *HealthTracker) evaluateAlerts(target string, ts *targetStats) {
	ts.mu.Lock()
	errRate := 1 - ts.calls.rate(1)
	lat := ts.ewma
	avail := ts.probes.rate(1)
	ts.mu.Unlock()

	th := ht.thresholds
	ht.setAlert(target, ts, alertErrorRate, th.MaxErrorRate > 0 && errRate > th.MaxErrorRate, errRate)
	ht.setAlert(target, ts, alertLatency, th.MaxLatency > 0 && lat > th.MaxLatency, lat.Seconds())
	ht.setAlert(target, ts, alertAvailability, th.MinAvailability > 0 && avail < th.MinAvailability, avail)
}

// setAlert fires webhooks only when the raised/cleared state changes.
func (ht *HealthTracker) setAlert(target string, ts *targetStats, kind string, raised bool, val float64) {
	ts.mu.Lock()
	if ts.alerting[kind] == raised {
		ts.mu.Unlock()
		return
	}
	ts.alerting[kind] = raised
	ts.mu.Unlock()

	state := "resolved"
	if raised {
		state = "raised"
		if ht.metrics != nil {
			ht.metrics.RecordAlert(kind)
		}
		ht.log.Warn("alert_raised",
			slog.String("target", target),
			slog.String("kind", kind),
			slog.Float64("value", val),
		)
	} else {
		ht.log.Info("alert_resolved",
			slog.String("target", target),
			slog.String("kind", kind),
		)
	}

	ht.deliver(alertPayload{
		Target:    target,
		Kind:      kind,
		State:     state,
		Value:     val,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

type alertPayload struct {
	Target    string  `json:"target"`
	Kind      string  `json:"kind"`
	State     string  `json:"state"`
	Value     float64 `json:"value"`
	Timestamp string  `json:"timestamp"`
}

// deliver POSTs the payload to every webhook, fire-and-forget.
func (ht *HealthTracker) deliver(p alertPayload) {
	if len(ht.webhooks) == 0 {
		return
	}
	body, err := json.Marshal(p)
	if err != nil {
		return
	}
	for _, url := range ht.webhooks {
		go ht.post(url, body)
	}
}

func (ht *HealthTracker) post(url string, body []byte) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBodyRaw(body)

	if err := fasthttp.DoTimeout(req, resp, webhookTimeout); err != nil {
		ht.log.Warn("alert_webhook_failed",
			slog.String("url", url),
			slog.String("error", err.Error()),
		)
		return
	}
	if code := resp.StatusCode(); code >= 300 {
		ht.log.Warn("alert_webhook_failed",
			slog.String("url", url),
			slog.Int("status", code),
		)
	}
}

func (ht *HealthTracker) get(target string) *targetStats {
	ht.mu.RLock()
	defer ht.mu.RUnlock()
	return ht.targets[target]
}

func (ht *HealthTracker) getOrCreate(target string) *targetStats {
	ht.mu.RLock()
	ts := ht.targets[target]
	ht.mu.RUnlock()
	if ts != nil {
		return ts
	}

	ht.mu.Lock()
	defer ht.mu.Unlock()
	if ts = ht.targets[target]; ts == nil {
		ts = &targetStats{
			status:   statusUnknown,
			calls:    newBoolRing(outcomeWindow),
			probes:   newBoolRing(probeWindow),
			alerting: make(map[string]bool),
		}
		ht.targets[target] = ts
	}
	return ts
}
