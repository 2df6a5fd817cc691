package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRecordBeforeInitIsNoop(t *testing.T) {
	promMu.Lock()
	saved := promMetrics
	promMetrics = nil
	promMu.Unlock()
	defer func() {
		promMu.Lock()
		promMetrics = saved
		promMu.Unlock()
	}()

	RecordCacheRead("A", true, false)
	RecordProbe("reachable", 3)
	SetConnectivityState("online")

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before init, got %d", rec.Code)
	}
}

func TestPrometheusExposition(t *testing.T) {
	InitPrometheus("halo", nil)

	RecordCacheRead("posts", true, true)
	RecordFetchResult("posts", "success")
	RecordRetryDecision("server", "retry")
	RecordInvalidation("posts", 3)
	SetConnectivityState("ambiguous")
	RecordSnapshotWrite("ok", 2048)
	RecordSnapshotRestore("restored")
	RecordRefresh("foreground", 2, 1, 0)

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`halo_cache_reads_total{hit="true",root="posts",stale="true"} 1`,
		`halo_fetch_results_total{outcome="success",root="posts"} 1`,
		`halo_invalidated_entries_total{root="posts"} 3`,
		`halo_connectivity_state{state="ambiguous"} 1`,
		`halo_connectivity_state{state="online"} 0`,
		`halo_refresh_keys_total{outcome="fetched",trigger="foreground"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in exposition", want)
		}
	}
}
