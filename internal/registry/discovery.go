package registry

import (
	"sort"
	"sync"
	"time"
)

// activityCap bounds the invocation activity ring.
const activityCap = 1000

// topN bounds the popular and trending lists.
const topN = 10

// activityLog is a fixed-size ring of recent invocation events feeding the
// trending list. Old entries are overwritten, never freed. It carries its
// own lock so recording an invocation never contends with registry reads.
type activityLog struct {
	mu     sync.Mutex
	window time.Duration
	buf    []activityEvent
	next   int
	filled bool
}

type activityEvent struct {
	id string
	at time.Time
}

func newActivityLog(window time.Duration) *activityLog {
	return &activityLog{window: window, buf: make([]activityEvent, activityCap)}
}

func (l *activityLog) record(id string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = activityEvent{id: id, at: at}
	l.next++
	if l.next == len(l.buf) {
		l.next = 0
		l.filled = true
	}
}

// countsSince tallies events at or after cutoff per capability id.
func (l *activityLog) countsSince(cutoff time.Time) map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.next
	if l.filled {
		n = len(l.buf)
	}
	counts := make(map[string]int)
	for i := 0; i < n; i++ {
		ev := l.buf[i]
		if ev.at.Before(cutoff) {
			continue
		}
		counts[ev.id]++
	}
	return counts
}

// DiscoveryInfo is the advertised shape of the registry: what exists, how it
// hangs together, and what is being used.
type DiscoveryInfo struct {
	TotalCapabilities int
	// Categories maps a category to the registration ids in it.
	Categories map[string][]string
	// Versions maps a capability name to every registered version of it.
	Versions map[string][]string
	// Dependencies maps a registration id to the capability names it requires.
	Dependencies map[string][]string
	// Popular lists up to ten ids by total invocations, most first.
	Popular []string
	// Trending lists up to ten ids by invocations within the trailing
	// window, most first.
	Trending []string
	// Compositions lists stored composition ids.
	Compositions []string
	GeneratedAt  time.Time
}

// DiscoveryInfo assembles a point-in-time view. The returned maps and slices
// are copies.
func (r *Registry) DiscoveryInfo() DiscoveryInfo {
	now := r.now()

	r.mu.RLock()
	info := DiscoveryInfo{
		TotalCapabilities: len(r.regs),
		Categories:        make(map[string][]string, len(r.byCategory)),
		Versions:          make(map[string][]string),
		Dependencies:      make(map[string][]string, len(r.deps)),
		Compositions:      make([]string, 0, len(r.compositions)),
		GeneratedAt:       now,
	}

	for cat, set := range r.byCategory {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		info.Categories[cat] = ids
	}

	versions := make(map[string]map[string]struct{})
	type usage struct {
		id          string
		invocations int64
	}
	used := make([]usage, 0, len(r.regs))
	for id, reg := range r.regs {
		name := reg.Capability.Name
		set, ok := versions[name]
		if !ok {
			set = make(map[string]struct{})
			versions[name] = set
		}
		set[reg.Capability.Version] = struct{}{}
		if reg.Stats.Invocations > 0 {
			used = append(used, usage{id: id, invocations: reg.Stats.Invocations})
		}
	}
	for name, set := range versions {
		vs := make([]string, 0, len(set))
		for v := range set {
			vs = append(vs, v)
		}
		sort.Strings(vs)
		info.Versions[name] = vs
	}

	for id, req := range r.deps {
		info.Dependencies[id] = append([]string(nil), req...)
	}
	for id := range r.compositions {
		info.Compositions = append(info.Compositions, id)
	}
	sort.Strings(info.Compositions)

	r.mu.RUnlock()

	counts := r.activity.countsSince(now.Add(-r.activity.window))

	sort.Slice(used, func(i, j int) bool {
		if used[i].invocations != used[j].invocations {
			return used[i].invocations > used[j].invocations
		}
		return used[i].id < used[j].id
	})
	for i := 0; i < len(used) && i < topN; i++ {
		info.Popular = append(info.Popular, used[i].id)
	}

	type trend struct {
		id    string
		count int
	}
	trending := make([]trend, 0, len(counts))
	for id, n := range counts {
		trending = append(trending, trend{id: id, count: n})
	}
	sort.Slice(trending, func(i, j int) bool {
		if trending[i].count != trending[j].count {
			return trending[i].count > trending[j].count
		}
		return trending[i].id < trending[j].id
	})
	for i := 0; i < len(trending) && i < topN; i++ {
		info.Trending = append(info.Trending, trending[i].id)
	}

	return info
}
