package registry

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/a2a-fabric/internal/value"
	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

// Strategy selects the step ordering of a composition.
type Strategy string

const (
	StrategySequential  Strategy = "sequential"
	StrategyParallel    Strategy = "parallel"
	StrategyPipeline    Strategy = "pipeline"
	StrategyConditional Strategy = "conditional"
)

// ErrorPolicy selects how step failures affect the run.
type ErrorPolicy string

const (
	// OnErrorFailFast stops at the first step failure.
	OnErrorFailFast ErrorPolicy = "fail_fast"
	// OnErrorContinue records step failures and keeps going.
	OnErrorContinue ErrorPolicy = "continue"
	// OnErrorRetry retries a failed step with exponential backoff, then
	// behaves like continue.
	OnErrorRetry ErrorPolicy = "retry"
)

// Condition gates one step of a conditional composition. When Predicate is
// set it wins; otherwise Field/Op/Value are evaluated against the
// accumulated state. Field is a dot path into the state object.
type Condition struct {
	Field string
	Op    string // exists, eq, gt, lt
	Value value.Value

	Predicate func(state value.Object) bool
}

func (c Condition) eval(state value.Object) bool {
	if c.Predicate != nil {
		return c.Predicate(state)
	}
	v, ok := lookupPath(state, c.Field)
	switch c.Op {
	case "exists":
		return ok
	case "eq":
		return ok && value.Equal(v, c.Value)
	case "gt":
		a, aok := v.AsNumber()
		b, bok := c.Value.AsNumber()
		return ok && aok && bok && a > b
	case "lt":
		a, aok := v.AsNumber()
		b, bok := c.Value.AsNumber()
		return ok && aok && bok && a < b
	default:
		return false
	}
}

func lookupPath(state value.Object, path string) (value.Value, bool) {
	cur := value.Obj(state)
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.AsObject()
		if !ok {
			return value.Null(), false
		}
		next, ok := obj[part]
		if !ok {
			return value.Null(), false
		}
		cur = next
	}
	return cur, true
}

// CompositionSecurity is the aggregated gate for a composition. CreateComposition
// folds the component requirements in, so executing a composition is never a
// way around a component's own gate.
type CompositionSecurity struct {
	MinTrust TrustLevel
	Required []string
	Elevated bool
}

// Composition chains registered capabilities into one executable unit.
type Composition struct {
	ID          string
	Name        string
	Description string
	// Capabilities lists registration ids in declared order.
	Capabilities []string
	// Dependencies maps a step to the steps it consumes. Validated for
	// membership and acyclicity; execution order stays the declared order.
	Dependencies map[string][]string
	Strategy     Strategy
	OnError      ErrorPolicy
	Timeout      time.Duration
	// RetryLimit and RetryBase shape the retry policy. Zero values default
	// to 2 attempts beyond the first and a 100ms base.
	RetryLimit int
	RetryBase  time.Duration
	Security   CompositionSecurity
	Conditions map[string]Condition
	CreatedAt  time.Time
}

// CompositionStatus is the outcome of one execution.
type CompositionStatus string

const (
	CompositionCompleted           CompositionStatus = "completed"
	CompositionCompletedWithErrors CompositionStatus = "completed_with_errors"
	CompositionFailed              CompositionStatus = "failed"
)

// CompositionResult is the settled outcome of one execution. Results and
// Errors are keyed by step id; a step appears in at most one of them.
type CompositionResult struct {
	CompositionID string
	Status        CompositionStatus
	Results       map[string]value.Value
	Errors        map[string]error
	Skipped       []string
	Elapsed       time.Duration
}

const (
	defaultRetryLimit = 2
	defaultRetryBase  = 100 * time.Millisecond
)

// ── Creation ─────────────────────────────────────────────────────────────────

// CreateComposition validates and stores a composition. Every referenced
// capability must be registered, dependency edges must stay inside the
// composition and form no cycle, and the stored security context is the
// aggregate of the declared one and every component's requirements.
func (r *Registry) CreateComposition(comp Composition) error {
	if comp.ID == "" {
		return a2aerr.New(a2aerr.TypeValidation, "composition id must not be empty").WithSource("registry")
	}
	if len(comp.Capabilities) == 0 {
		return a2aerr.Newf(a2aerr.TypeValidation, "composition %s has no capabilities", comp.ID).WithSource("registry")
	}
	switch comp.Strategy {
	case "":
		comp.Strategy = StrategySequential
	case StrategySequential, StrategyParallel, StrategyPipeline, StrategyConditional:
	default:
		return a2aerr.Newf(a2aerr.TypeValidation, "composition %s: unknown strategy %q", comp.ID, comp.Strategy).WithSource("registry")
	}
	switch comp.OnError {
	case "":
		comp.OnError = OnErrorFailFast
	case OnErrorFailFast, OnErrorContinue, OnErrorRetry:
	default:
		return a2aerr.Newf(a2aerr.TypeValidation, "composition %s: unknown error policy %q", comp.ID, comp.OnError).WithSource("registry")
	}
	if comp.RetryLimit <= 0 {
		comp.RetryLimit = defaultRetryLimit
	}
	if comp.RetryBase <= 0 {
		comp.RetryBase = defaultRetryBase
	}

	members := make(map[string]struct{}, len(comp.Capabilities))
	for _, id := range comp.Capabilities {
		if _, dup := members[id]; dup {
			return a2aerr.Newf(a2aerr.TypeValidation, "composition %s lists capability %s twice", comp.ID, id).WithSource("registry")
		}
		members[id] = struct{}{}
	}
	for step, targets := range comp.Dependencies {
		if _, ok := members[step]; !ok {
			return a2aerr.Newf(a2aerr.TypeValidation, "composition %s: dependency key %s is not a member", comp.ID, step).WithSource("registry")
		}
		for _, dep := range targets {
			if _, ok := members[dep]; !ok {
				return a2aerr.Newf(a2aerr.TypeValidation, "composition %s: step %s depends on non-member %s", comp.ID, step, dep).WithSource("registry")
			}
		}
	}
	for step := range comp.Conditions {
		if _, ok := members[step]; !ok {
			return a2aerr.Newf(a2aerr.TypeValidation, "composition %s: condition on non-member %s", comp.ID, step).WithSource("registry")
		}
	}
	if cycle := findCycle(comp.Capabilities, comp.Dependencies); cycle != nil {
		return a2aerr.Newf(a2aerr.TypeValidation, "composition %s has a dependency cycle: %s", comp.ID, strings.Join(cycle, " -> ")).
			WithSource("registry")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.compositions[comp.ID]; exists {
		return a2aerr.Newf(a2aerr.TypeValidation, "composition %s already exists", comp.ID).WithSource("registry")
	}
	for _, id := range comp.Capabilities {
		reg, ok := r.regs[id]
		if !ok {
			return a2aerr.Newf(a2aerr.TypeCapabilityNotFound, "composition %s references unregistered capability %s", comp.ID, id).
				WithSource("registry")
		}
		sec := reg.Capability.Security
		if sec.MinTrust > comp.Security.MinTrust {
			comp.Security.MinTrust = sec.MinTrust
		}
		comp.Security.Required = mergeNames(comp.Security.Required, sec.RequiredCapabilities)
	}
	comp.Security.Elevated = comp.Security.Elevated || comp.Security.MinTrust >= TrustTrusted
	comp.CreatedAt = r.now()

	stored := comp
	r.compositions[comp.ID] = &stored

	r.log.Info("composition_created",
		slog.String("id", comp.ID),
		slog.String("strategy", string(comp.Strategy)),
		slog.String("on_error", string(comp.OnError)),
		slog.Int("steps", len(comp.Capabilities)),
	)
	return nil
}

// GetComposition returns a snapshot of a stored composition.
func (r *Registry) GetComposition(id string) (Composition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	comp, ok := r.compositions[id]
	if !ok {
		return Composition{}, false
	}
	return *comp, true
}

func mergeNames(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, xs := range [][]string{a, b} {
		for _, x := range xs {
			if _, ok := seen[x]; ok {
				continue
			}
			seen[x] = struct{}{}
			out = append(out, x)
		}
	}
	return out
}

// findCycle runs an iterative three-colour DFS over the dependency edges and
// returns a cycle as a step path, or nil.
func findCycle(steps []string, deps map[string][]string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	parent := make(map[string]string, len(steps))

	type frame struct {
		node string
		next int
	}

	for _, root := range steps {
		if color[root] != white {
			continue
		}
		stack := []frame{{node: root}}
		color[root] = gray
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			edges := deps[top.node]
			if top.next < len(edges) {
				dep := edges[top.next]
				top.next++
				switch color[dep] {
				case white:
					color[dep] = gray
					parent[dep] = top.node
					stack = append(stack, frame{node: dep})
				case gray:
					// Back edge: walk parents from top.node to dep.
					cycle := []string{dep}
					for n := top.node; ; n = parent[n] {
						cycle = append(cycle, n)
						if n == dep {
							break
						}
					}
					// Reverse into dep -> ... -> dep order.
					for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
						cycle[i], cycle[j] = cycle[j], cycle[i]
					}
					return cycle
				}
			} else {
				color[top.node] = black
				stack = stack[:len(stack)-1]
			}
		}
	}
	return nil
}

// ── Execution ────────────────────────────────────────────────────────────────

// ExecuteComposition runs a stored composition. The error return is non-nil
// only when the run could not start (unknown composition, failed security
// gate) or ended failed; a completed_with_errors outcome is not an error.
func (r *Registry) ExecuteComposition(ctx context.Context, id string, params value.Object, caller Caller) (*CompositionResult, error) {
	r.mu.RLock()
	stored, ok := r.compositions[id]
	var comp Composition
	if ok {
		comp = *stored
	}
	r.mu.RUnlock()

	if !ok {
		return nil, a2aerr.Newf(a2aerr.TypeCapabilityNotFound, "composition %s is not registered", id).WithSource("registry")
	}
	if err := r.authorizeComposition(comp, caller); err != nil {
		return nil, err
	}

	if comp.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, comp.Timeout)
		defer cancel()
	}

	start := r.now()
	res := &CompositionResult{
		CompositionID: comp.ID,
		Results:       make(map[string]value.Value, len(comp.Capabilities)),
		Errors:        make(map[string]error),
	}

	switch comp.Strategy {
	case StrategyParallel:
		r.runParallel(ctx, comp, params, caller, res)
	case StrategyPipeline:
		r.runPipeline(ctx, comp, params, caller, res)
	case StrategyConditional:
		r.runConditional(ctx, comp, params, caller, res)
	default:
		r.runSequential(ctx, comp, params, caller, res)
	}

	res.Elapsed = r.now().Sub(start)
	res.Status = settleStatus(comp, res)
	if r.metrics != nil {
		r.metrics.RecordComposition(string(comp.Strategy), string(res.Status))
	}
	r.log.Info("composition_executed",
		slog.String("id", comp.ID),
		slog.String("status", string(res.Status)),
		slog.Int("results", len(res.Results)),
		slog.Int("errors", len(res.Errors)),
		slog.Duration("elapsed", res.Elapsed),
	)

	if res.Status == CompositionFailed {
		return res, firstError(comp, res)
	}
	return res, nil
}

func (r *Registry) authorizeComposition(comp Composition, caller Caller) error {
	if caller.Trust < comp.Security.MinTrust {
		return a2aerr.Newf(a2aerr.TypeAuthorization,
			"caller %s trust %s is below required %s for composition %s",
			caller.ID, caller.Trust, comp.Security.MinTrust, comp.ID).
			WithSource("registry")
	}
	for _, req := range comp.Security.Required {
		if !caller.holds(req) {
			return a2aerr.Newf(a2aerr.TypeAuthorization,
				"caller %s is missing required capability %s for composition %s", caller.ID, req, comp.ID).
				WithSource("registry")
		}
	}
	return nil
}

// settleStatus derives the outcome: no errors is completed, fail-fast with
// any error is failed, otherwise completed_with_errors unless every step
// failed.
func settleStatus(comp Composition, res *CompositionResult) CompositionStatus {
	switch {
	case len(res.Errors) == 0:
		return CompositionCompleted
	case comp.OnError == OnErrorFailFast:
		return CompositionFailed
	case len(res.Results) == 0 && len(res.Skipped) == 0:
		return CompositionFailed
	default:
		return CompositionCompletedWithErrors
	}
}

// firstError returns the failed run's representative error, in declared step
// order for determinism.
func firstError(comp Composition, res *CompositionResult) error {
	for _, step := range comp.Capabilities {
		if err, ok := res.Errors[step]; ok {
			return a2aerr.From(err, "registry").WithContext("composition", comp.ID).WithContext("step", step)
		}
	}
	return a2aerr.Newf(a2aerr.TypeInternal, "composition %s failed with no step error", comp.ID).WithSource("registry")
}

// runStep invokes one step, applying the retry policy when configured.
func (r *Registry) runStep(ctx context.Context, comp Composition, step string, params value.Object, caller Caller) (value.Value, error) {
	attempts := 1
	if comp.OnError == OnErrorRetry {
		attempts += comp.RetryLimit
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := comp.RetryBase << (attempt - 2)
			r.log.DebugContext(ctx, "composition_step_retry",
				slog.String("composition", comp.ID),
				slog.String("step", step),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return value.Null(), a2aerr.From(ctx.Err(), "registry").WithContext("step", step)
			}
		}
		out, err := r.Invoke(ctx, step, params, caller)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !a2aerr.IsRetryable(err) || ctx.Err() != nil {
			break
		}
	}
	return value.Null(), lastErr
}

func (r *Registry) runSequential(ctx context.Context, comp Composition, params value.Object, caller Caller, res *CompositionResult) {
	for _, step := range comp.Capabilities {
		if ctx.Err() != nil {
			res.Errors[step] = a2aerr.From(ctx.Err(), "registry").WithContext("step", step)
			if comp.OnError == OnErrorFailFast {
				return
			}
			continue
		}
		out, err := r.runStep(ctx, comp, step, params, caller)
		if err != nil {
			res.Errors[step] = err
			if comp.OnError == OnErrorFailFast {
				return
			}
			continue
		}
		res.Results[step] = out
	}
}

// runParallel starts every step at once and applies the error policy only
// after all of them settle.
func (r *Registry) runParallel(ctx context.Context, comp Composition, params value.Object, caller Caller, res *CompositionResult) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, step := range comp.Capabilities {
		wg.Add(1)
		go func(step string) {
			defer wg.Done()
			out, err := r.runStep(ctx, comp, step, params, caller)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors[step] = err
				return
			}
			res.Results[step] = out
		}(step)
	}
	wg.Wait()
}

// runPipeline threads state through the steps: each step receives the
// accumulated object, and an object result is merged over it (result keys
// win). Non-object results leave the state unchanged.
func (r *Registry) runPipeline(ctx context.Context, comp Composition, params value.Object, caller Caller, res *CompositionResult) {
	state := params.Clone()
	for _, step := range comp.Capabilities {
		if ctx.Err() != nil {
			res.Errors[step] = a2aerr.From(ctx.Err(), "registry").WithContext("step", step)
			if comp.OnError == OnErrorFailFast {
				return
			}
			continue
		}
		out, err := r.runStep(ctx, comp, step, state, caller)
		if err != nil {
			res.Errors[step] = err
			if comp.OnError == OnErrorFailFast {
				return
			}
			continue
		}
		res.Results[step] = out
		if obj, ok := out.AsObject(); ok {
			state = value.Merge(state, obj)
		}
	}
}

// runConditional is sequential with a per-step gate evaluated against the
// accumulated state; steps without a condition always run.
func (r *Registry) runConditional(ctx context.Context, comp Composition, params value.Object, caller Caller, res *CompositionResult) {
	state := params.Clone()
	for _, step := range comp.Capabilities {
		if cond, ok := comp.Conditions[step]; ok && !cond.eval(state) {
			res.Skipped = append(res.Skipped, step)
			continue
		}
		if ctx.Err() != nil {
			res.Errors[step] = a2aerr.From(ctx.Err(), "registry").WithContext("step", step)
			if comp.OnError == OnErrorFailFast {
				return
			}
			continue
		}
		out, err := r.runStep(ctx, comp, step, state, caller)
		if err != nil {
			res.Errors[step] = err
			if comp.OnError == OnErrorFailFast {
				return
			}
			continue
		}
		res.Results[step] = out
		if obj, ok := out.AsObject(); ok {
			state = value.Merge(state, obj)
		}
	}
}
