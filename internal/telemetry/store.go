// Package telemetry holds the shared request counters and the bounded ring
// of recent request records.
//
// Each counter is an independent atomic and the ring has its own lock. No
// operation spans fields, so a reader may see total_requests a step ahead of
// or behind the matching log append.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCapacity is the number of request records retained.
const DefaultCapacity = 1000

// NoUpstream is recorded as the upstream of requests that never reached one.
const NoUpstream = "none"

// RequestLog is one completed request.
type RequestLog struct {
	ID        string
	Timestamp time.Time
	Method    string
	Path      string
	Host      string
	Status    int
	Duration  time.Duration
	Upstream  string
}

// UpstreamStatus is the health view of a single upstream.
type UpstreamStatus struct {
	URL      string `json:"url"`
	Healthy  bool   `json:"healthy"`
	Failures uint32 `json:"failures"`
}

// ProxyMetrics is a point-in-time copy of the counters.
type ProxyMetrics struct {
	TotalRequests  uint64           `json:"total_requests"`
	ActiveRequests uint64           `json:"active_requests"`
	TotalErrors    uint64           `json:"total_errors"`
	Upstreams      []UpstreamStatus `json:"upstreams"`
}

// Store is the process-wide telemetry state. The zero value is not usable;
// construct with NewStore.
type Store struct {
	totalRequests  atomic.Uint64
	activeRequests atomic.Uint64
	totalErrors    atomic.Uint64

	logMu sync.RWMutex
	logs  []RequestLog // fixed-capacity ring
	head  int          // index of the oldest record
	count int

	upstreamMu sync.RWMutex
	upstreams  []UpstreamStatus
}

// NewStore creates a Store retaining DefaultCapacity records.
func NewStore() *Store {
	return NewStoreWithCapacity(DefaultCapacity)
}

// NewStoreWithCapacity creates a Store retaining at most capacity records.
// A non-positive capacity falls back to DefaultCapacity.
func NewStoreWithCapacity(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{logs: make([]RequestLog, capacity)}
}

// IncTotal counts a new inbound request.
func (s *Store) IncTotal() { s.totalRequests.Add(1) }

// IncActive marks a request as in flight.
func (s *Store) IncActive() { s.activeRequests.Add(1) }

// DecActive marks a request as finished. It never goes below zero, even if
// called more often than IncActive.
func (s *Store) DecActive() {
	for {
		cur := s.activeRequests.Load()
		if cur == 0 {
			return
		}
		if s.activeRequests.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// IncErrors counts a failed request.
func (s *Store) IncErrors() { s.totalErrors.Add(1) }

// TotalRequests returns the total request counter.
func (s *Store) TotalRequests() uint64 { return s.totalRequests.Load() }

// ActiveRequests returns the in-flight request counter.
func (s *Store) ActiveRequests() uint64 { return s.activeRequests.Load() }

// TotalErrors returns the error counter.
func (s *Store) TotalErrors() uint64 { return s.totalErrors.Load() }

// Append adds a record, evicting the oldest one when the ring is full.
func (s *Store) Append(l RequestLog) {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	capacity := len(s.logs)
	if s.count < capacity {
		s.logs[(s.head+s.count)%capacity] = l
		s.count++
		return
	}
	s.logs[s.head] = l
	s.head = (s.head + 1) % capacity
}

// Len returns the number of retained records.
func (s *Store) Len() int {
	s.logMu.RLock()
	defer s.logMu.RUnlock()
	return s.count
}

// Capacity returns the maximum number of retained records.
func (s *Store) Capacity() int {
	return len(s.logs)
}

// Logs returns a copy of the retained records, oldest first.
func (s *Store) Logs() []RequestLog {
	s.logMu.RLock()
	defer s.logMu.RUnlock()

	out := make([]RequestLog, s.count)
	for i := range s.count {
		out[i] = s.logs[(s.head+i)%len(s.logs)]
	}
	return out
}

// Recent returns up to n records, newest first.
func (s *Store) Recent(n int) []RequestLog {
	s.logMu.RLock()
	defer s.logMu.RUnlock()

	if n > s.count {
		n = s.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]RequestLog, n)
	for i := range n {
		out[i] = s.logs[(s.head+s.count-1-i)%len(s.logs)]
	}
	return out
}

// SetUpstreamStatus replaces the upstream health view. Nothing in the proxy
// populates it yet; it is the hook for a health checker.
func (s *Store) SetUpstreamStatus(statuses []UpstreamStatus) {
	cp := append([]UpstreamStatus(nil), statuses...)
	s.upstreamMu.Lock()
	s.upstreams = cp
	s.upstreamMu.Unlock()
}

// Snapshot returns a copy of the counters and upstream statuses. Upstreams
// is never nil.
func (s *Store) Snapshot() ProxyMetrics {
	s.upstreamMu.RLock()
	ups := make([]UpstreamStatus, len(s.upstreams))
	copy(ups, s.upstreams)
	s.upstreamMu.RUnlock()

	return ProxyMetrics{
		TotalRequests:  s.totalRequests.Load(),
		ActiveRequests: s.activeRequests.Load(),
		TotalErrors:    s.totalErrors.Load(),
		Upstreams:      ups,
	}
}
