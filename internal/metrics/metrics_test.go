package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/antoncomputershare/reverse-proxy/internal/telemetry"
)

func TestNew_GathersMetrics(t *testing.T) {
	m := New()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	// Should include at least Go runtime and process collectors.
	if len(families) == 0 {
		t.Fatal("expected non-empty metric families from Gather()")
	}

	m.RequestsTotal.WithLabelValues("GET", "200", "api").Inc()

	families, err = m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "charles_http_requests_total" {
			found = true
			break
		}
	}
	if !found {
		t.Error("expected charles_http_requests_total in gathered metrics")
	}
}

func TestRegisterStore(t *testing.T) {
	m := New()
	store := telemetry.NewStore()
	m.RegisterStore(store)

	store.IncTotal()
	store.IncTotal()
	store.IncActive()
	store.IncErrors()
	store.Append(telemetry.RequestLog{Path: "/"})

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	want := map[string]float64{
		"charles_telemetry_requests_total":      2,
		"charles_telemetry_active_requests":     1,
		"charles_telemetry_errors_total":        1,
		"charles_telemetry_request_log_entries": 1,
	}
	got := make(map[string]float64)
	for _, f := range families {
		if _, ok := want[f.GetName()]; !ok {
			continue
		}
		mt := f.GetMetric()[0]
		if c := mt.GetCounter(); c != nil {
			got[f.GetName()] = c.GetValue()
		} else {
			got[f.GetName()] = mt.GetGauge().GetValue()
		}
	}

	for name, v := range want {
		if got[name] != v {
			t.Errorf("%s = %v, want %v", name, got[name], v)
		}
	}
}

func TestUpstreamErrors(t *testing.T) {
	m := New()
	m.UpstreamErrors.WithLabelValues("GET", "timeout").Inc()

	if v := testutil.ToFloat64(m.UpstreamErrors.WithLabelValues("GET", "timeout")); v != 1 {
		t.Errorf("upstream errors = %v, want 1", v)
	}
}

func TestNormalizeMethod(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"GET", "GET"},
		{"POST", "POST"},
		{"PUT", "PUT"},
		{"DELETE", "DELETE"},
		{"PATCH", "PATCH"},
		{"HEAD", "HEAD"},
		{"OPTIONS", "OPTIONS"},
		{"FOOBAR", "other"},
		{"get", "other"},
		{"", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			if got := NormalizeMethod(tt.method); got != tt.want {
				t.Errorf("NormalizeMethod(%q) = %q, want %q", tt.method, got, tt.want)
			}
		})
	}
}

func TestNormalizeRoute(t *testing.T) {
	if got := NormalizeRoute(""); got != "none" {
		t.Errorf("NormalizeRoute(\"\") = %q, want %q", got, "none")
	}
	if got := NormalizeRoute("api"); got != "api" {
		t.Errorf("NormalizeRoute(\"api\") = %q, want %q", got, "api")
	}
}
