package shell

import (
	"testing"

	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

func wantErrType(t *testing.T, err error, typ string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", typ)
	}
	if got := a2aerr.Classify(err); got != typ {
		t.Fatalf("expected %s error, got %s (%v)", typ, got, err)
	}
}

func TestLoadBalancer_RoundRobin(t *testing.T) {
	lb := NewLoadBalancer(BalancerOptions{})
	lb.SetInstances("math.add", []string{"peer-a", "peer-b", "peer-c"})

	want := []string{"peer-a", "peer-b", "peer-c", "peer-a", "peer-b", "peer-c"}
	for i, exp := range want {
		got, err := lb.Pick("math.add")
		if err != nil {
			t.Fatalf("pick %d: %v", i, err)
		}
		if got != exp {
			t.Fatalf("pick %d: expected %s, got %s", i, exp, got)
		}
	}
}

func TestLoadBalancer_SkipsUnhealthy(t *testing.T) {
	lb := NewLoadBalancer(BalancerOptions{
		Healthy: func(inst string) bool { return inst != "peer-b" },
	})
	lb.SetInstances("math.add", []string{"peer-a", "peer-b", "peer-c"})

	want := []string{"peer-a", "peer-c", "peer-a", "peer-c"}
	for i, exp := range want {
		got, err := lb.Pick("math.add")
		if err != nil {
			t.Fatalf("pick %d: %v", i, err)
		}
		if got != exp {
			t.Fatalf("pick %d: expected %s, got %s", i, exp, got)
		}
	}
}

func TestLoadBalancer_AllUnhealthy(t *testing.T) {
	lb := NewLoadBalancer(BalancerOptions{
		Healthy: func(string) bool { return false },
	})
	lb.SetInstances("math.add", []string{"peer-a", "peer-b"})

	_, err := lb.Pick("math.add")
	wantErrType(t, err, a2aerr.TypeAgentUnavailable)
}

func TestLoadBalancer_UnknownTool(t *testing.T) {
	lb := NewLoadBalancer(BalancerOptions{})

	_, err := lb.Pick("text.echo")
	wantErrType(t, err, a2aerr.TypeRouting)
}

func TestLoadBalancer_SetInstancesReplaces(t *testing.T) {
	lb := NewLoadBalancer(BalancerOptions{})
	lb.SetInstances("math.add", []string{"peer-a", "peer-b"})
	if _, err := lb.Pick("math.add"); err != nil {
		t.Fatal(err)
	}

	lb.SetInstances("math.add", []string{"peer-x"})
	got, err := lb.Pick("math.add")
	if err != nil {
		t.Fatal(err)
	}
	if got != "peer-x" {
		t.Fatalf("expected cursor reset to peer-x, got %s", got)
	}

	lb.SetInstances("math.add", nil)
	_, err = lb.Pick("math.add")
	wantErrType(t, err, a2aerr.TypeRouting)
}

func TestLoadBalancer_HealthyInstancesOrder(t *testing.T) {
	lb := NewLoadBalancer(BalancerOptions{
		Healthy: func(inst string) bool { return inst != "peer-b" },
	})
	lb.SetInstances("math.add", []string{"peer-a", "peer-b", "peer-c"})

	got := lb.HealthyInstances("math.add")
	if len(got) != 2 || got[0] != "peer-a" || got[1] != "peer-c" {
		t.Fatalf("expected [peer-a peer-c], got %v", got)
	}
	if got := lb.HealthyInstances("text.echo"); len(got) != 0 {
		t.Fatalf("undeclared tool should have no instances, got %v", got)
	}
}

func TestLoadBalancer_InstancesReturnsCopy(t *testing.T) {
	lb := NewLoadBalancer(BalancerOptions{})
	lb.SetInstances("math.add", []string{"peer-a", "peer-b"})

	got := lb.Instances("math.add")
	got[0] = "mutated"

	if fresh := lb.Instances("math.add"); fresh[0] != "peer-a" {
		t.Fatal("callers must not be able to mutate declared instances")
	}
}
