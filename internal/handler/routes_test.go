package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/antoncomputershare/reverse-proxy/internal/route"
)

func TestRegisterProxyRoutes_CatchAll(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	p := newTestProxy(t, []route.Route{{
		Name:       "all",
		Hosts:      []string{"a.com"},
		PathPrefix: "/",
		Upstreams:  []route.Upstream{{URL: upstream.URL}},
	}}, 10)

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{"root", http.MethodGet, "/"},
		{"nested", http.MethodGet, "/a/b/c"},
		{"health path is proxied", http.MethodGet, "/health"},
		{"POST", http.MethodPost, "/submit"},
		{"DELETE", http.MethodDelete, "/items/1"},
		{"PATCH", http.MethodPatch, "/items/1"},
		{"OPTIONS", http.MethodOptions, "/"},
		{"non-standard method", "PROPFIND", "/dav"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := p.do(tt.method, "a.com", tt.path, http.NoBody)
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}

	if got := p.store.TotalRequests(); got != uint64(len(tests)) {
		t.Errorf("total requests = %d, want %d", got, len(tests))
	}
}
