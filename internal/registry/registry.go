// Package registry implements the capability registry and composer: named,
// versioned, schematized units of work that can be registered, queried,
// invoked, composed into dependency-ordered executions, and aggregated into
// synthetic capabilities.
//
// Key design constraints:
//   - Queries operate on snapshots; a returned Registration is a copy and
//     never aliases registry-internal state.
//   - The registry lock is never held across an invoker call.
//   - Security gates (trust level, held capabilities) run before parameter
//     validation so callers learn nothing about schemas they may not use.
//   - Usage statistics are running averages and may read one update stale.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/a2a-fabric/internal/metrics"
	"github.com/nulpointcorp/a2a-fabric/internal/schema"
	"github.com/nulpointcorp/a2a-fabric/internal/value"
	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

// ── Domain types ─────────────────────────────────────────────────────────────

// TrustLevel is the totally-ordered principal classification gating
// capability use.
type TrustLevel int

const (
	TrustUntrusted TrustLevel = iota
	TrustBasic
	TrustVerified
	TrustTrusted
	TrustPrivileged
)

var trustNames = map[TrustLevel]string{
	TrustUntrusted:  "untrusted",
	TrustBasic:      "basic",
	TrustVerified:   "verified",
	TrustTrusted:    "trusted",
	TrustPrivileged: "privileged",
}

func (t TrustLevel) String() string {
	if s, ok := trustNames[t]; ok {
		return s
	}
	return fmt.Sprintf("trust(%d)", int(t))
}

// ParseTrust maps a trust-level name to its ordered value.
func ParseTrust(s string) (TrustLevel, error) {
	for lvl, name := range trustNames {
		if name == s {
			return lvl, nil
		}
	}
	return 0, a2aerr.Newf(a2aerr.TypeValidation, "unknown trust level %q", s).WithSource("registry")
}

// ResourceTier orders declared resource usage.
type ResourceTier int

const (
	ResourceLow ResourceTier = iota
	ResourceMedium
	ResourceHigh
)

func (r ResourceTier) String() string {
	switch r {
	case ResourceLow:
		return "low"
	case ResourceMedium:
		return "medium"
	case ResourceHigh:
		return "high"
	default:
		return fmt.Sprintf("resource(%d)", int(r))
	}
}

// ParseResourceTier maps a tier name to its ordered value.
func ParseResourceTier(s string) (ResourceTier, error) {
	switch s {
	case "low":
		return ResourceLow, nil
	case "medium":
		return ResourceMedium, nil
	case "high":
		return ResourceHigh, nil
	default:
		return 0, a2aerr.Newf(a2aerr.TypeValidation, "unknown resource tier %q", s).WithSource("registry")
	}
}

// Status is a registration's lifecycle state.
type Status string

const (
	StatusActive      Status = "active"
	StatusDeprecated  Status = "deprecated"
	StatusDisabled    Status = "disabled"
	StatusMaintenance Status = "maintenance"
)

// SecuritySpec gates who may invoke a capability.
type SecuritySpec struct {
	// MinTrust is the minimum caller trust level.
	MinTrust TrustLevel
	// RequiredCapabilities lists capability names the caller must hold.
	RequiredCapabilities []string
	// SideEffects tags the externally visible effects of an invocation.
	SideEffects []string
}

// PerformanceSpec describes a capability's declared performance envelope.
type PerformanceSpec struct {
	AvgLatencyMs  float64
	ResourceUsage ResourceTier
	Cacheable     bool
}

// Capability is a named, versioned, schematized unit of remote work.
// Name+Version identify it uniquely.
type Capability struct {
	Name        string
	Version     string
	Description string
	Parameters  *schema.Schema
	Security    SecuritySpec
	Performance PerformanceSpec
	Tags        []string
}

// Category derives the capability's category from its name: the prefix
// before the first dot, or "general".
func (c Capability) Category() string {
	if i := strings.Index(c.Name, "."); i > 0 {
		return c.Name[:i]
	}
	return "general"
}

// UsageStats are running aggregates over completed invocations.
type UsageStats struct {
	Invocations  int64
	SuccessRate  float64
	AvgLatencyMs float64
}

// Registration binds a capability to its invoker plus bookkeeping.
type Registration struct {
	ID           string
	Capability   Capability
	Metadata     map[string]string
	RegisteredAt time.Time
	LastUsed     time.Time
	Stats        UsageStats
	Status       Status

	invoker Invoker
}

// Invoker executes one capability invocation.
type Invoker interface {
	Invoke(ctx context.Context, params value.Object) (value.Value, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, params value.Object) (value.Value, error)

func (f InvokerFunc) Invoke(ctx context.Context, params value.Object) (value.Value, error) {
	return f(ctx, params)
}

// Caller identifies the principal behind an invocation.
type Caller struct {
	ID    string
	Trust TrustLevel
	// Held lists capability names the caller holds.
	Held []string
}

func (c Caller) holds(name string) bool {
	for _, h := range c.Held {
		if h == name {
			return true
		}
	}
	return false
}

// Query filters registrations. Zero fields match everything.
type Query struct {
	// NameContains is a substring match on the capability name.
	NameContains string
	// Version is an exact version match.
	Version string
	// Category matches the derived category.
	Category string
	// MaxTrust keeps capabilities whose minimum trust level is at or below
	// this, i.e. capabilities a caller at this level could invoke.
	MaxTrust *TrustLevel
	// Held keeps capabilities whose required-capability set the caller's
	// held set covers.
	Held []string
	// MaxLatencyMs bounds the declared average latency. Zero disables.
	MaxLatencyMs float64
	// MaxResource bounds the declared resource tier.
	MaxResource *ResourceTier
	// Tags keeps capabilities sharing at least one tag.
	Tags []string
}

// ── Registry ─────────────────────────────────────────────────────────────────

// Options holds optional registry dependencies.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Metrics enables invocation and composition metrics. Nil disables.
	Metrics *metrics.Registry
	// TrendingWindow is the trailing window for trending recommendations.
	// Default: 1h.
	TrendingWindow time.Duration
}

// Registry holds capability registrations, compositions and usage history.
type Registry struct {
	mu           sync.RWMutex
	regs         map[string]*Registration
	byCategory   map[string]map[string]struct{}
	deps         map[string][]string // registration id -> required capability names
	compositions map[string]*Composition

	log      *slog.Logger
	metrics  *metrics.Registry
	activity *activityLog

	now func() time.Time
}

// New creates an empty registry.
func New(opts Options) *Registry {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	window := opts.TrendingWindow
	if window <= 0 {
		window = time.Hour
	}
	return &Registry{
		regs:         make(map[string]*Registration),
		byCategory:   make(map[string]map[string]struct{}),
		deps:         make(map[string][]string),
		compositions: make(map[string]*Composition),
		log:          log,
		metrics:      opts.Metrics,
		activity:     newActivityLog(window),
		now:          time.Now,
	}
}

// Register binds a capability to an invoker under id. Overwriting an
// existing id is allowed but logged.
func (r *Registry) Register(id string, c Capability, inv Invoker, metadata map[string]string) error {
	if err := validateCapability(id, c, inv); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, exists := r.regs[id]; exists {
		r.log.Warn("capability_overwritten",
			slog.String("id", id),
			slog.String("previous_version", prev.Capability.Version),
			slog.String("new_version", c.Version),
		)
		r.dropIndexesLocked(prev)
	}

	reg := &Registration{
		ID:           id,
		Capability:   c,
		Metadata:     metadata,
		RegisteredAt: r.now(),
		Status:       StatusActive,
		invoker:      inv,
	}
	r.regs[id] = reg
	r.addIndexesLocked(reg)

	r.log.Info("capability_registered",
		slog.String("id", id),
		slog.String("name", c.Name),
		slog.String("version", c.Version),
		slog.String("category", c.Category()),
	)
	return nil
}

func validateCapability(id string, c Capability, inv Invoker) error {
	switch {
	case id == "":
		return a2aerr.New(a2aerr.TypeValidation, "registration id must not be empty").WithSource("registry")
	case c.Name == "":
		return a2aerr.New(a2aerr.TypeValidation, "capability name must not be empty").WithSource("registry")
	case c.Version == "":
		return a2aerr.Newf(a2aerr.TypeValidation, "capability %s: version must not be empty", c.Name).WithSource("registry")
	case c.Description == "":
		return a2aerr.Newf(a2aerr.TypeValidation, "capability %s: description must not be empty", c.Name).WithSource("registry")
	case c.Parameters == nil:
		return a2aerr.Newf(a2aerr.TypeValidation, "capability %s: parameter schema must not be nil", c.Name).WithSource("registry")
	case inv == nil:
		return a2aerr.Newf(a2aerr.TypeValidation, "capability %s: invoker must not be nil", c.Name).WithSource("registry")
	}
	if c.Security.MinTrust < TrustUntrusted || c.Security.MinTrust > TrustPrivileged {
		return a2aerr.Newf(a2aerr.TypeValidation, "capability %s: invalid trust level %d", c.Name, c.Security.MinTrust).WithSource("registry")
	}
	if c.Performance.ResourceUsage < ResourceLow || c.Performance.ResourceUsage > ResourceHigh {
		return a2aerr.Newf(a2aerr.TypeValidation, "capability %s: invalid resource tier %d", c.Name, c.Performance.ResourceUsage).WithSource("registry")
	}
	return nil
}

func (r *Registry) addIndexesLocked(reg *Registration) {
	cat := reg.Capability.Category()
	set, ok := r.byCategory[cat]
	if !ok {
		set = make(map[string]struct{})
		r.byCategory[cat] = set
	}
	set[reg.ID] = struct{}{}

	if req := reg.Capability.Security.RequiredCapabilities; len(req) > 0 {
		r.deps[reg.ID] = append([]string(nil), req...)
	}
}

func (r *Registry) dropIndexesLocked(reg *Registration) {
	cat := reg.Capability.Category()
	if set, ok := r.byCategory[cat]; ok {
		delete(set, reg.ID)
		if len(set) == 0 {
			delete(r.byCategory, cat)
		}
	}
	delete(r.deps, reg.ID)
}

// Unregister removes a registration. Unknown ids are a capability_not_found.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.regs[id]
	if !ok {
		return a2aerr.Newf(a2aerr.TypeCapabilityNotFound, "capability %s is not registered", id).WithSource("registry")
	}
	delete(r.regs, id)
	r.dropIndexesLocked(reg)

	r.log.Info("capability_unregistered", slog.String("id", id))
	return nil
}

// Get returns a snapshot of the registration with the given id.
func (r *Registry) Get(id string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[id]
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

// List returns snapshots of all registrations, optionally filtered by status.
func (r *Registry) List(statuses ...Status) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Registration, 0, len(r.regs))
	for _, reg := range r.regs {
		if len(statuses) > 0 && !statusIn(reg.Status, statuses) {
			continue
		}
		out = append(out, *reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func statusIn(s Status, xs []Status) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

// SetStatus changes a registration's lifecycle state.
func (r *Registry) SetStatus(id string, status Status) error {
	switch status {
	case StatusActive, StatusDeprecated, StatusDisabled, StatusMaintenance:
	default:
		return a2aerr.Newf(a2aerr.TypeValidation, "unknown status %q", status).WithSource("registry")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[id]
	if !ok {
		return a2aerr.Newf(a2aerr.TypeCapabilityNotFound, "capability %s is not registered", id).WithSource("registry")
	}
	reg.Status = status
	return nil
}

// Query returns snapshots matching the filter, best first: ranked by
// successRate x (1 / max(avgLatency, 1)) descending, ties by id.
func (r *Registry) Query(q Query) []Registration {
	r.mu.RLock()
	matched := make([]Registration, 0)
	for _, reg := range r.regs {
		if r.matchesLocked(reg, q) {
			matched = append(matched, *reg)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		si, sj := queryScore(matched[i].Stats), queryScore(matched[j].Stats)
		if si != sj {
			return si > sj
		}
		return matched[i].ID < matched[j].ID
	})
	return matched
}

func queryScore(s UsageStats) float64 {
	return s.SuccessRate * (1 / math.Max(s.AvgLatencyMs, 1))
}

func (r *Registry) matchesLocked(reg *Registration, q Query) bool {
	c := reg.Capability
	if q.NameContains != "" && !strings.Contains(c.Name, q.NameContains) {
		return false
	}
	if q.Version != "" && c.Version != q.Version {
		return false
	}
	if q.Category != "" && c.Category() != q.Category {
		return false
	}
	if q.MaxTrust != nil && c.Security.MinTrust > *q.MaxTrust {
		return false
	}
	if q.Held != nil && !covers(q.Held, c.Security.RequiredCapabilities) {
		return false
	}
	if q.MaxLatencyMs > 0 && c.Performance.AvgLatencyMs > q.MaxLatencyMs {
		return false
	}
	if q.MaxResource != nil && c.Performance.ResourceUsage > *q.MaxResource {
		return false
	}
	if len(q.Tags) > 0 && !intersects(q.Tags, c.Tags) {
		return false
	}
	return true
}

// covers reports whether held includes every name in required.
func covers(held, required []string) bool {
	for _, req := range required {
		found := false
		for _, h := range held {
			if h == req {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// ── Invocation ───────────────────────────────────────────────────────────────

// Invoke runs one capability: security gate, parameter validation, invoker
// call, usage update. The registry lock is not held during the invoker call.
func (r *Registry) Invoke(ctx context.Context, id string, params value.Object, caller Caller) (value.Value, error) {
	r.mu.RLock()
	reg, ok := r.regs[id]
	var (
		c      Capability
		status Status
		inv    Invoker
	)
	if ok {
		c = reg.Capability
		status = reg.Status
		inv = reg.invoker
	}
	r.mu.RUnlock()

	if !ok {
		return value.Null(), a2aerr.Newf(a2aerr.TypeCapabilityNotFound, "capability %s is not registered", id).
			WithSource("registry")
	}

	switch status {
	case StatusDisabled, StatusMaintenance:
		return value.Null(), a2aerr.Newf(a2aerr.TypeAgentUnavailable, "capability %s is %s", id, status).
			WithSource("registry").WithRetryable(status == StatusMaintenance)
	case StatusDeprecated:
		r.log.DebugContext(ctx, "deprecated_capability_invoked", slog.String("id", id), slog.String("caller", caller.ID))
	}

	if err := r.authorize(c.Security, caller, id); err != nil {
		return value.Null(), err
	}
	if err := c.Parameters.ValidateObject(params); err != nil {
		return value.Null(), err
	}

	start := r.now()
	result, err := inv.Invoke(ctx, params)
	elapsed := r.now().Sub(start)

	r.recordInvocation(id, err == nil, elapsed)
	if r.metrics != nil {
		status := "ok"
		if err != nil {
			status = a2aerr.Classify(err)
		}
		r.metrics.ObserveInvocation(id, status, elapsed)
	}

	if err != nil {
		return value.Null(), a2aerr.From(err, "registry").WithContext("capability", id)
	}
	return result, nil
}

// authorize applies the trust and held-capability gates.
func (r *Registry) authorize(sec SecuritySpec, caller Caller, id string) error {
	if caller.Trust < sec.MinTrust {
		return a2aerr.Newf(a2aerr.TypeAuthorization,
			"caller %s trust %s is below required %s for %s",
			caller.ID, caller.Trust, sec.MinTrust, id).
			WithSource("registry")
	}
	for _, req := range sec.RequiredCapabilities {
		if !caller.holds(req) {
			return a2aerr.Newf(a2aerr.TypeAuthorization,
				"caller %s is missing required capability %s for %s", caller.ID, req, id).
				WithSource("registry")
		}
	}
	return nil
}

// UpdateUsage folds one completed invocation into the running averages.
func (r *Registry) UpdateUsage(id string, success bool, latency time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[id]
	if !ok {
		return a2aerr.Newf(a2aerr.TypeCapabilityNotFound, "capability %s is not registered", id).WithSource("registry")
	}
	r.updateUsageLocked(reg, success, latency)
	return nil
}

func (r *Registry) recordInvocation(id string, success bool, latency time.Duration) {
	r.mu.Lock()
	if reg, ok := r.regs[id]; ok {
		r.updateUsageLocked(reg, success, latency)
	}
	r.mu.Unlock()
	r.activity.record(id, r.now())
}

// updateUsageLocked applies the running-average rule: n-1 prior samples plus
// this one.
func (r *Registry) updateUsageLocked(reg *Registration, success bool, latency time.Duration) {
	n := float64(reg.Stats.Invocations + 1)
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	reg.Stats.SuccessRate = (reg.Stats.SuccessRate*(n-1) + outcome) / n
	reg.Stats.AvgLatencyMs = (reg.Stats.AvgLatencyMs*(n-1) + float64(latency.Milliseconds())) / n
	reg.Stats.Invocations++
	reg.LastUsed = r.now()
}
