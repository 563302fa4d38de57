package shell

import (
	"sync"

	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

// BalancerOptions configures a LoadBalancer.
type BalancerOptions struct {
	// Healthy reports whether an instance may be handed out. Nil treats
	// every instance as healthy.
	Healthy func(instance string) bool
}

// LoadBalancer hands out declared tool instances round-robin, skipping
// instances the health check excludes. Safe for concurrent use.
type LoadBalancer struct {
	mu        sync.Mutex
	instances map[string][]string
	next      map[string]int
	healthy   func(string) bool
}

// NewLoadBalancer creates a LoadBalancer.
func NewLoadBalancer(opts BalancerOptions) *LoadBalancer {
	return &LoadBalancer{
		instances: make(map[string][]string),
		next:      make(map[string]int),
		healthy:   opts.Healthy,
	}
}

// SetInstances declares the instances serving tool, replacing any previous
// set. An empty list removes the tool.
func (lb *LoadBalancer) SetInstances(tool string, instances []string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if len(instances) == 0 {
		delete(lb.instances, tool)
		delete(lb.next, tool)
		return
	}
	lb.instances[tool] = append([]string(nil), instances...)
	lb.next[tool] = 0
}

// Instances returns the declared instances for tool.
func (lb *LoadBalancer) Instances(tool string) []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return append([]string(nil), lb.instances[tool]...)
}

// HealthyInstances returns the declared instances that pass the health check,
// in declaration order.
func (lb *LoadBalancer) HealthyInstances(tool string) []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	var out []string
	for _, inst := range lb.instances[tool] {
		if lb.healthy == nil || lb.healthy(inst) {
			out = append(out, inst)
		}
	}
	return out
}

// Pick returns the next healthy instance for tool, round-robin. Undeclared
// tools fail with a routing error; a declared tool with every instance
// excluded fails with agent_unavailable.
func (lb *LoadBalancer) Pick(tool string) (string, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	insts := lb.instances[tool]
	if len(insts) == 0 {
		return "", a2aerr.Newf(a2aerr.TypeRouting, "no instances declared for tool %s", tool).
			WithSource("loadbalancer")
	}

	start := lb.next[tool]
	for i := 0; i < len(insts); i++ {
		idx := (start + i) % len(insts)
		inst := insts[idx]
		if lb.healthy == nil || lb.healthy(inst) {
			lb.next[tool] = (idx + 1) % len(insts)
			return inst, nil
		}
	}
	return "", a2aerr.Newf(a2aerr.TypeAgentUnavailable, "no healthy instance for tool %s", tool).
		WithSource("loadbalancer")
}
