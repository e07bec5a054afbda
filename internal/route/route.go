// Package route holds the immutable route table and the host/path matcher.
package route

import (
	"net"
	"strings"
	"time"
)

// Upstream is a single backend target a route may forward to.
//
// Weight, FailThreshold and Cooldown are carried for weighted and
// health-aware selection strategies; the default strategy ignores them.
type Upstream struct {
	URL           string
	Weight        int
	FailThreshold int
	Cooldown      time.Duration
}

// Route maps a set of host patterns and a path prefix to its upstreams.
type Route struct {
	Name          string
	Hosts         []string
	PathPrefix    string
	StripPrefix   bool
	RewritePrefix *string
	Upstreams     []Upstream
}

// Table is an ordered list of routes. It is built once and never mutated,
// so concurrent lookups need no locking.
type Table struct {
	routes []Route
}

// NewTable builds a Table preserving the given order. Host patterns are
// lowercased; the input slice is copied.
func NewTable(routes []Route) *Table {
	t := &Table{routes: make([]Route, len(routes))}
	for i, r := range routes {
		hosts := make([]string, len(r.Hosts))
		for j, h := range r.Hosts {
			hosts[j] = strings.ToLower(strings.TrimSpace(h))
		}
		r.Hosts = hosts
		r.Upstreams = append([]Upstream(nil), r.Upstreams...)
		t.routes[i] = r
	}
	return t
}

// FindRoute returns the first route, in table order, whose host patterns
// match host and whose path prefix is a literal prefix of path. Order is
// the only precedence rule: a more general route listed first shadows a
// more specific one listed later. The host is compared without its port
// and in lower case, not as the raw Host header value.
func (t *Table) FindRoute(host, path string) (*Route, bool) {
	h := normalizeHost(host)
	for i := range t.routes {
		r := &t.routes[i]
		if MatchHost(r.Hosts, h) && strings.HasPrefix(path, r.PathPrefix) {
			return r, true
		}
	}
	return nil, false
}

// Routes returns the routes in table order.
func (t *Table) Routes() []Route {
	return t.routes
}

// Len returns the number of routes.
func (t *Table) Len() int {
	return len(t.routes)
}

// MatchHost reports whether host matches any of the patterns. A pattern is
// either an exact hostname or "*.suffix". Wildcards match any host ending in
// suffix with no label-boundary check, so "*.example.com" matches
// "api.example.com", the apex "example.com", and also "notexample.com".
func MatchHost(patterns []string, host string) bool {
	for _, p := range patterns {
		if suffix, ok := strings.CutPrefix(p, "*."); ok {
			if strings.HasSuffix(host, suffix) {
				return true
			}
			continue
		}
		if p == host {
			return true
		}
	}
	return false
}

// normalizeHost drops any port and lowercases the host header value.
func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}
