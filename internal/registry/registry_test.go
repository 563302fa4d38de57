package registry

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/nulpointcorp/a2a-fabric/internal/schema"
	"github.com/nulpointcorp/a2a-fabric/internal/value"
	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
}

// mathAdd is the canonical two-number adder used across tests.
func mathAdd() (Capability, Invoker) {
	c := Capability{
		Name:        "math.add",
		Version:     "1.0.0",
		Description: "Adds two numbers",
		Parameters: schema.ObjectOf(map[string]*schema.Schema{
			"a": schema.Of(schema.TypeNumber),
			"b": schema.Of(schema.TypeNumber),
		}, "a", "b"),
		Performance: PerformanceSpec{AvgLatencyMs: 5, Cacheable: true},
		Tags:        []string{"math"},
	}
	inv := InvokerFunc(func(_ context.Context, params value.Object) (value.Value, error) {
		a, _ := params["a"].AsNumber()
		b, _ := params["b"].AsNumber()
		return value.Number(a + b), nil
	})
	return c, inv
}

// registerStub registers a loosely-typed capability backed by fn.
func registerStub(t *testing.T, r *Registry, id string, fn func(ctx context.Context, params value.Object) (value.Value, error)) {
	t.Helper()
	c := Capability{
		Name:        id,
		Version:     "1.0.0",
		Description: "test stub",
		Parameters:  schema.Of(schema.TypeObject),
	}
	if err := r.Register(id, c, InvokerFunc(fn), nil); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func wantErrType(t *testing.T, err error, typ string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", typ)
	}
	if got := a2aerr.Classify(err); got != typ {
		t.Fatalf("expected %s error, got %s: %v", typ, got, err)
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

var tester = Caller{ID: "tester", Trust: TrustBasic}

// ── Registration ─────────────────────────────────────────────────────────────

func TestRegisterAndInvoke(t *testing.T) {
	r := newTestRegistry(t)
	c, inv := mathAdd()
	if err := r.Register("math.add", c, inv, map[string]string{"owner": "tests"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := r.Invoke(context.Background(), "math.add",
		value.Object{"a": value.Number(2), "b": value.Number(3)}, tester)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	n, ok := got.AsNumber()
	if !ok || n != 5 {
		t.Fatalf("expected 5, got %v", got)
	}

	reg, ok := r.Get("math.add")
	if !ok {
		t.Fatal("registration disappeared")
	}
	if reg.Stats.Invocations != 1 {
		t.Fatalf("expected 1 invocation, got %d", reg.Stats.Invocations)
	}
	if !almostEqual(reg.Stats.SuccessRate, 1.0) {
		t.Fatalf("expected success rate 1.0, got %v", reg.Stats.SuccessRate)
	}
	if reg.LastUsed.IsZero() {
		t.Fatal("last used not set")
	}
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRegistry(t)
	base, inv := mathAdd()

	tests := []struct {
		name   string
		id     string
		mutate func(*Capability)
		inv    Invoker
	}{
		{name: "empty id", id: "", mutate: func(*Capability) {}, inv: inv},
		{name: "empty name", id: "x", mutate: func(c *Capability) { c.Name = "" }, inv: inv},
		{name: "empty version", id: "x", mutate: func(c *Capability) { c.Version = "" }, inv: inv},
		{name: "empty description", id: "x", mutate: func(c *Capability) { c.Description = "" }, inv: inv},
		{name: "nil schema", id: "x", mutate: func(c *Capability) { c.Parameters = nil }, inv: inv},
		{name: "nil invoker", id: "x", mutate: func(*Capability) {}, inv: nil},
		{name: "bad trust", id: "x", mutate: func(c *Capability) { c.Security.MinTrust = TrustLevel(99) }, inv: inv},
		{name: "bad tier", id: "x", mutate: func(c *Capability) { c.Performance.ResourceUsage = ResourceTier(99) }, inv: inv},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			wantErrType(t, r.Register(tt.id, c, tt.inv, nil), a2aerr.TypeValidation)
		})
	}
}

func TestRegisterOverwriteKeepsLatest(t *testing.T) {
	r := newTestRegistry(t)
	c, inv := mathAdd()
	if err := r.Register("math.add", c, inv, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	c2 := c
	c2.Version = "2.0.0"
	if err := r.Register("math.add", c2, inv, nil); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	reg, _ := r.Get("math.add")
	if reg.Capability.Version != "2.0.0" {
		t.Fatalf("expected overwritten version 2.0.0, got %s", reg.Capability.Version)
	}
	if got := len(r.List()); got != 1 {
		t.Fatalf("expected a single registration, got %d", got)
	}
}

func TestUnregister(t *testing.T) {
	r := newTestRegistry(t)
	c, inv := mathAdd()
	if err := r.Register("math.add", c, inv, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := r.Unregister("math.add"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, ok := r.Get("math.add"); ok {
		t.Fatal("registration still present")
	}
	wantErrType(t, r.Unregister("math.add"), a2aerr.TypeCapabilityNotFound)

	if cats := r.DiscoveryInfo().Categories; len(cats) != 0 {
		t.Fatalf("category index not cleaned: %v", cats)
	}
}

func TestCategoryDerivation(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"math.add", "math"},
		{"text.analysis.sentiment", "text"},
		{"uuid", "general"},
		{".hidden", "general"},
	}
	for _, tt := range tests {
		if got := (Capability{Name: tt.name}).Category(); got != tt.want {
			t.Errorf("category(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestListFiltersByStatus(t *testing.T) {
	r := newTestRegistry(t)
	registerStub(t, r, "a.one", echoInvoker)
	registerStub(t, r, "b.two", echoInvoker)
	if err := r.SetStatus("b.two", StatusDeprecated); err != nil {
		t.Fatalf("set status: %v", err)
	}

	if got := len(r.List()); got != 2 {
		t.Fatalf("expected 2 registrations, got %d", got)
	}
	deprecated := r.List(StatusDeprecated)
	if len(deprecated) != 1 || deprecated[0].ID != "b.two" {
		t.Fatalf("unexpected deprecated list: %+v", deprecated)
	}
}

func echoInvoker(_ context.Context, params value.Object) (value.Value, error) {
	return value.Obj(params), nil
}

// ── Invocation gates ─────────────────────────────────────────────────────────

func TestInvokeUnknownCapability(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Invoke(context.Background(), "no.such", value.Object{}, tester)
	wantErrType(t, err, a2aerr.TypeCapabilityNotFound)
}

func TestInvokeTrustGate(t *testing.T) {
	r := newTestRegistry(t)
	c, inv := mathAdd()
	c.Security.MinTrust = TrustVerified
	if err := r.Register("math.add", c, inv, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	params := value.Object{"a": value.Number(1), "b": value.Number(1)}

	_, err := r.Invoke(context.Background(), "math.add", params, Caller{ID: "low", Trust: TrustBasic})
	wantErrType(t, err, a2aerr.TypeAuthorization)

	if _, err := r.Invoke(context.Background(), "math.add", params, Caller{ID: "ok", Trust: TrustVerified}); err != nil {
		t.Fatalf("verified caller rejected: %v", err)
	}
}

func TestInvokeRequiredCapabilityGate(t *testing.T) {
	r := newTestRegistry(t)
	c, inv := mathAdd()
	c.Security.RequiredCapabilities = []string{"crypto.sign"}
	if err := r.Register("math.add", c, inv, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	params := value.Object{"a": value.Number(1), "b": value.Number(1)}

	_, err := r.Invoke(context.Background(), "math.add", params, Caller{ID: "bare", Trust: TrustTrusted})
	wantErrType(t, err, a2aerr.TypeAuthorization)

	holder := Caller{ID: "holder", Trust: TrustTrusted, Held: []string{"crypto.sign"}}
	if _, err := r.Invoke(context.Background(), "math.add", params, holder); err != nil {
		t.Fatalf("holder rejected: %v", err)
	}
}

func TestInvokeValidatesParams(t *testing.T) {
	r := newTestRegistry(t)
	c, inv := mathAdd()
	if err := r.Register("math.add", c, inv, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := r.Invoke(context.Background(), "math.add", value.Object{"a": value.Number(1)}, tester)
	wantErrType(t, err, a2aerr.TypeValidation)

	_, err = r.Invoke(context.Background(), "math.add",
		value.Object{"a": value.Number(1), "b": value.String("two")}, tester)
	wantErrType(t, err, a2aerr.TypeValidation)
}

func TestInvokeStatusGate(t *testing.T) {
	r := newTestRegistry(t)
	registerStub(t, r, "svc.op", echoInvoker)

	if err := r.SetStatus("svc.op", StatusDisabled); err != nil {
		t.Fatalf("set status: %v", err)
	}
	_, err := r.Invoke(context.Background(), "svc.op", value.Object{}, tester)
	wantErrType(t, err, a2aerr.TypeAgentUnavailable)
	if a2aerr.IsRetryable(err) {
		t.Fatal("disabled capability should not be retryable")
	}

	if err := r.SetStatus("svc.op", StatusMaintenance); err != nil {
		t.Fatalf("set status: %v", err)
	}
	_, err = r.Invoke(context.Background(), "svc.op", value.Object{}, tester)
	wantErrType(t, err, a2aerr.TypeAgentUnavailable)
	if !a2aerr.IsRetryable(err) {
		t.Fatal("maintenance should be retryable")
	}

	if err := r.SetStatus("svc.op", StatusDeprecated); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if _, err := r.Invoke(context.Background(), "svc.op", value.Object{}, tester); err != nil {
		t.Fatalf("deprecated capability should still run: %v", err)
	}
}

func TestInvokeFailureUpdatesStats(t *testing.T) {
	r := newTestRegistry(t)
	registerStub(t, r, "svc.fail", func(context.Context, value.Object) (value.Value, error) {
		return value.Null(), a2aerr.New(a2aerr.TypeInternal, "boom")
	})

	_, err := r.Invoke(context.Background(), "svc.fail", value.Object{}, tester)
	wantErrType(t, err, a2aerr.TypeInternal)

	reg, _ := r.Get("svc.fail")
	if reg.Stats.Invocations != 1 {
		t.Fatalf("expected 1 invocation, got %d", reg.Stats.Invocations)
	}
	if !almostEqual(reg.Stats.SuccessRate, 0) {
		t.Fatalf("expected success rate 0, got %v", reg.Stats.SuccessRate)
	}
}

// ── Usage accounting ─────────────────────────────────────────────────────────

func TestUpdateUsageRunningAverages(t *testing.T) {
	r := newTestRegistry(t)
	registerStub(t, r, "svc.op", echoInvoker)

	samples := []struct {
		success bool
		latency time.Duration
	}{
		{true, 100 * time.Millisecond},
		{false, 200 * time.Millisecond},
		{true, 300 * time.Millisecond},
	}
	for _, s := range samples {
		if err := r.UpdateUsage("svc.op", s.success, s.latency); err != nil {
			t.Fatalf("update usage: %v", err)
		}
	}

	reg, _ := r.Get("svc.op")
	if reg.Stats.Invocations != 3 {
		t.Fatalf("expected 3 invocations, got %d", reg.Stats.Invocations)
	}
	if !almostEqual(reg.Stats.SuccessRate, 2.0/3.0) {
		t.Fatalf("expected success rate 2/3, got %v", reg.Stats.SuccessRate)
	}
	if !almostEqual(reg.Stats.AvgLatencyMs, 200) {
		t.Fatalf("expected avg latency 200ms, got %v", reg.Stats.AvgLatencyMs)
	}

	wantErrType(t, r.UpdateUsage("no.such", true, time.Millisecond), a2aerr.TypeCapabilityNotFound)
}

// ── Query ────────────────────────────────────────────────────────────────────

func TestQueryFilters(t *testing.T) {
	r := newTestRegistry(t)

	add, addInv := mathAdd()
	if err := r.Register("math.add", add, addInv, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	sign := Capability{
		Name:        "crypto.sign",
		Version:     "2.1.0",
		Description: "Signs a payload",
		Parameters:  schema.Of(schema.TypeObject),
		Security: SecuritySpec{
			MinTrust:             TrustTrusted,
			RequiredCapabilities: []string{"crypto.key"},
		},
		Performance: PerformanceSpec{AvgLatencyMs: 80, ResourceUsage: ResourceHigh},
		Tags:        []string{"crypto", "security"},
	}
	if err := r.Register("crypto.sign", sign, InvokerFunc(echoInvoker), nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	basic := TrustBasic
	lowTier := ResourceLow

	tests := []struct {
		name string
		q    Query
		want []string
	}{
		{name: "all", q: Query{}, want: []string{"crypto.sign", "math.add"}},
		{name: "name substring", q: Query{NameContains: "add"}, want: []string{"math.add"}},
		{name: "version exact", q: Query{Version: "2.1.0"}, want: []string{"crypto.sign"}},
		{name: "category", q: Query{Category: "math"}, want: []string{"math.add"}},
		{name: "trust ceiling", q: Query{MaxTrust: &basic}, want: []string{"math.add"}},
		{name: "held covers", q: Query{Held: []string{"crypto.key", "other"}}, want: []string{"crypto.sign", "math.add"}},
		{name: "held missing", q: Query{Held: []string{"other"}}, want: []string{"math.add"}},
		{name: "latency bound", q: Query{MaxLatencyMs: 10}, want: []string{"math.add"}},
		{name: "resource bound", q: Query{MaxResource: &lowTier}, want: []string{"math.add"}},
		{name: "tag intersection", q: Query{Tags: []string{"security", "unused"}}, want: []string{"crypto.sign"}},
		{name: "no match", q: Query{NameContains: "zzz"}, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Query(tt.q)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d matches, got %d: %+v", len(tt.want), len(got), ids(got))
			}
			for i, want := range tt.want {
				if got[i].ID != want {
					t.Fatalf("match %d: expected %s, got %s", i, want, got[i].ID)
				}
			}
		})
	}
}

func ids(regs []Registration) []string {
	out := make([]string, len(regs))
	for i, reg := range regs {
		out[i] = reg.ID
	}
	return out
}

func TestQueryRanking(t *testing.T) {
	r := newTestRegistry(t)
	registerStub(t, r, "svc.fast", echoInvoker)
	registerStub(t, r, "svc.slow", echoInvoker)
	registerStub(t, r, "svc.flaky", echoInvoker)

	// fast: 1.0 / 10ms = 0.1; slow: 1.0 / 100ms = 0.01; flaky: 0.5 / 1ms = 0.5
	seed := []struct {
		id      string
		success []bool
		latency time.Duration
	}{
		{"svc.fast", []bool{true}, 10 * time.Millisecond},
		{"svc.slow", []bool{true}, 100 * time.Millisecond},
		{"svc.flaky", []bool{true, false}, time.Millisecond},
	}
	for _, s := range seed {
		for _, ok := range s.success {
			if err := r.UpdateUsage(s.id, ok, s.latency); err != nil {
				t.Fatalf("update usage: %v", err)
			}
		}
	}

	got := ids(r.Query(Query{Category: "svc"}))
	want := []string{"svc.flaky", "svc.fast", "svc.slow"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ranking mismatch: got %v, want %v", got, want)
		}
	}
}

func TestParseTrustAndTier(t *testing.T) {
	for _, name := range []string{"untrusted", "basic", "verified", "trusted", "privileged"} {
		lvl, err := ParseTrust(name)
		if err != nil {
			t.Fatalf("parse trust %s: %v", name, err)
		}
		if lvl.String() != name {
			t.Fatalf("trust round trip: %s != %s", lvl, name)
		}
	}
	if _, err := ParseTrust("supreme"); err == nil {
		t.Fatal("expected error for unknown trust level")
	}

	for _, name := range []string{"low", "medium", "high"} {
		tier, err := ParseResourceTier(name)
		if err != nil {
			t.Fatalf("parse tier %s: %v", name, err)
		}
		if tier.String() != name {
			t.Fatalf("tier round trip: %s != %s", tier, name)
		}
	}
	if _, err := ParseResourceTier("extreme"); err == nil {
		t.Fatal("expected error for unknown tier")
	}
}
