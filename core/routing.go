package core

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Route binds an address prefix to the peer that traffic under it should be
// forwarded to. Higher priority wins between routes of equal prefix length.
type Route struct {
	Prefix   Address `json:"prefix" yaml:"prefix"`
	NextHop  string  `json:"next_hop" yaml:"next_hop"`
	Priority int32   `json:"priority" yaml:"priority"`
}

// RoutingTable answers longest-prefix lookups over a set of routes. Lookups
// run against an immutable snapshot swapped atomically on every update, so
// the forwarding path never blocks behind a writer and never allocates.
type RoutingTable struct {
	mu     sync.Mutex // serialises writers
	routes map[string]map[string]int32
	snap   atomic.Pointer[[]Route]
	log    *logrus.Logger
}

// NewRoutingTable returns an empty table.
func NewRoutingTable(lg *logrus.Logger) *RoutingTable {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	t := &RoutingTable{
		routes: make(map[string]map[string]int32),
		log:    lg,
	}
	empty := make([]Route, 0)
	t.snap.Store(&empty)
	return t
}

// Add inserts a route, replacing the priority if the (prefix, nextHop) pair
// already exists.
func (t *RoutingTable) Add(r Route) error {
	if err := ValidateAddress(r.Prefix); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	hops, ok := t.routes[string(r.Prefix)]
	if !ok {
		hops = make(map[string]int32)
		t.routes[string(r.Prefix)] = hops
	}
	hops[r.NextHop] = r.Priority
	t.rebuild()
	t.log.WithFields(logrus.Fields{
		"prefix":   r.Prefix,
		"next_hop": r.NextHop,
		"priority": r.Priority,
	}).Debug("route added")
	return nil
}

// Remove deletes the route for (prefix, nextHop). Removing a route that does
// not exist is a no-op.
func (t *RoutingTable) Remove(prefix Address, nextHop string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	hops, ok := t.routes[string(prefix)]
	if !ok {
		return
	}
	if _, ok := hops[nextHop]; !ok {
		return
	}
	delete(hops, nextHop)
	if len(hops) == 0 {
		delete(t.routes, string(prefix))
	}
	t.rebuild()
	t.log.WithFields(logrus.Fields{"prefix": prefix, "next_hop": nextHop}).Debug("route removed")
}

// NextHopFor returns the peer id for the route with the longest prefix that
// is a prefix of destination. Ties break by higher priority, then by
// lexicographically smaller next hop. The empty string means no route.
func (t *RoutingTable) NextHopFor(destination Address) string {
	snap := *t.snap.Load()
	// The snapshot is sorted best-first, so the first covering prefix wins.
	for i := range snap {
		if destination.HasPrefix(snap[i].Prefix) {
			return snap[i].NextHop
		}
	}
	return ""
}

// Snapshot returns a copy of the current route set in lookup order.
func (t *RoutingTable) Snapshot() []Route {
	snap := *t.snap.Load()
	out := make([]Route, len(snap))
	copy(out, snap)
	return out
}

// Len returns the number of routes.
func (t *RoutingTable) Len() int {
	return len(*t.snap.Load())
}

// rebuild recomputes the sorted snapshot. Callers hold t.mu.
func (t *RoutingTable) rebuild() {
	flat := make([]Route, 0, len(t.routes))
	for prefix, hops := range t.routes {
		for hop, prio := range hops {
			flat = append(flat, Route{Prefix: Address(prefix), NextHop: hop, Priority: prio})
		}
	}
	sort.Slice(flat, func(i, j int) bool {
		a, b := flat[i], flat[j]
		if len(a.Prefix) != len(b.Prefix) {
			return len(a.Prefix) > len(b.Prefix)
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.NextHop != b.NextHop {
			return strings.Compare(a.NextHop, b.NextHop) < 0
		}
		return a.Prefix < b.Prefix
	})
	t.snap.Store(&flat)
}
