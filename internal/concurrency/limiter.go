package concurrency

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultRouteKey is the stats key shared by every path that matches no
// configured prefix.
const DefaultRouteKey = "*"

// RejectedError is returned by Admit when a route is at capacity. It
// carries the numeric snapshot callers need for diagnostic headers.
type RejectedError struct {
	Route      string
	Limit      int
	Current    int
	RetryAfter time.Duration
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("route %q at capacity (%d/%d), retry in %s",
		e.Route, e.Current, e.Limit, e.RetryAfter)
}

// Stats is a per-route snapshot for the monitoring endpoint.
type Stats struct {
	Current  int   `json:"current"`
	Peak     int   `json:"peak"`
	Rejected int64 `json:"rejected"`
	Total    int64 `json:"total"`
	Limit    int   `json:"limit"`
}

// gate bounds in-flight requests for one route. Each gate has its own
// mutex so unrelated routes never contend with each other.
type gate struct {
	mutex    sync.Mutex
	limit    int
	current  int
	peak     int
	rejected int64
	total    int64
}

func (g *gate) admit() (ok bool, current int) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.current >= g.limit {
		g.rejected++
		return false, g.current
	}

	g.current++
	g.total++
	if g.current > g.peak {
		g.peak = g.current
	}
	return true, g.current
}

func (g *gate) release() {
	g.mutex.Lock()
	if g.current > 0 {
		g.current--
	}
	g.mutex.Unlock()
}

func (g *gate) stats() Stats {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	return Stats{
		Current:  g.current,
		Peak:     g.peak,
		Rejected: g.rejected,
		Total:    g.total,
		Limit:    g.limit,
	}
}

// Limiter bounds simultaneous in-flight requests per logical route.
// Requests beyond the limit are rejected immediately, never queued.
type Limiter struct {
	defaultLimit int
	prefixes     []string       // configured path prefixes, longest first
	limits       map[string]int // prefix -> limit

	mutex sync.RWMutex
	gates map[string]*gate
}

// New creates a limiter from a {path_prefix: limit} map. Paths that match
// no prefix share a single gate bounded by defaultLimit.
func New(routes map[string]int, defaultLimit int) *Limiter {
	prefixes := make([]string, 0, len(routes))
	limits := make(map[string]int, len(routes))
	for prefix, limit := range routes {
		prefixes = append(prefixes, prefix)
		limits[prefix] = limit
	}

	// Longest prefix wins; sort once up front.
	sort.Slice(prefixes, func(i, j int) bool {
		return len(prefixes[i]) > len(prefixes[j])
	})

	return &Limiter{
		defaultLimit: defaultLimit,
		prefixes:     prefixes,
		limits:       limits,
		gates:        make(map[string]*gate),
	}
}

// Resolve maps a request path to its route key by longest-prefix match.
func (l *Limiter) Resolve(path string) string {
	for _, prefix := range l.prefixes {
		if strings.HasPrefix(path, prefix) {
			return prefix
		}
	}
	return DefaultRouteKey
}

// Admit reserves an in-flight slot for the route serving path. On success
// it returns a release function which must be called on every exit path;
// calling it more than once is safe and decrements exactly once. At
// capacity it returns a *RejectedError without blocking.
func (l *Limiter) Admit(path string) (func(), error) {
	route := l.Resolve(path)
	g := l.gate(route)

	ok, current := g.admit()
	if !ok {
		return nil, &RejectedError{
			Route:      route,
			Limit:      g.limit,
			Current:    current,
			RetryAfter: time.Second,
		}
	}

	var once sync.Once
	return func() {
		once.Do(g.release)
	}, nil
}

// Stats returns a snapshot of every route that has seen traffic. Each
// gate is locked individually, so collecting stats never blocks
// admission decisions on other routes.
func (l *Limiter) Stats() map[string]Stats {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	out := make(map[string]Stats, len(l.gates))
	for route, g := range l.gates {
		out[route] = g.stats()
	}
	return out
}

func (l *Limiter) gate(route string) *gate {
	l.mutex.RLock()
	g, exists := l.gates[route]
	l.mutex.RUnlock()

	if exists {
		return g
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	// Double-check: another goroutine may have created it
	if g, exists = l.gates[route]; exists {
		return g
	}

	limit := l.defaultLimit
	if configured, ok := l.limits[route]; ok {
		limit = configured
	}

	g = &gate{limit: limit}
	l.gates[route] = g
	return g
}
