package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/halo/internal/connectivity"
	"github.com/oriys/halo/internal/domain"
	"github.com/oriys/halo/internal/freshness"
	"github.com/oriys/halo/internal/lifecycle"
	"github.com/oriys/halo/internal/storage"
)

type testServer struct {
	srv    *httptest.Server
	conn   *connectivity.Reconciler
	binder *lifecycle.Binder
	calls  atomic.Int32
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.conn = connectivity.New(connectivity.Config{
		Prober:   connectivity.ProberFunc(func(context.Context) (bool, error) { return true, nil }),
		Interval: time.Hour,
	})
	store := storage.NewMemoryStore()
	b, err := lifecycle.NewBinder(context.Background(), lifecycle.Options{
		Policy: freshness.MustNew(freshness.Config{
			DefaultStale: time.Minute,
			RetryBase:    time.Millisecond,
			RetryMax:     2 * time.Millisecond,
		}),
		Store:        store,
		Connectivity: ts.conn,
		Fetcher: lifecycle.FetcherFunc(func(ctx context.Context, key domain.QueryKey) ([]byte, error) {
			ts.calls.Add(1)
			return []byte(`{"root":"` + key.Root() + `"}`), nil
		}),
		AllowedRoots: []string{"profile"},
	})
	if err != nil {
		t.Fatalf("NewBinder failed: %v", err)
	}
	ts.binder = b
	ts.srv = httptest.NewServer(NewHandler(ServerConfig{
		Binder: b,
		Conn:   ts.conn,
		Store:  store,
	}))
	t.Cleanup(func() {
		ts.srv.Close()
		b.Close(context.Background())
		ts.conn.Close()
		store.Close()
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func queryPath(key string) string {
	return "/v1/queries?key=" + url.QueryEscape(key)
}

func TestQueryReadThrough(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, queryPath(`["profile",42]`), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if string(body) != `{"root":"profile"}` {
		t.Fatalf("body = %s", body)
	}
	ts.do(t, http.MethodGet, queryPath(`["profile",42]`), "")
	if n := ts.calls.Load(); n != 1 {
		t.Fatalf("expected one fetch for a fresh entry, got %d", n)
	}
}

func TestQueryRejectsBadKey(t *testing.T) {
	ts := newTestServer(t)
	for _, key := range []string{"", "[]", "not-json", `[{"a":1}]`} {
		resp, _ := ts.do(t, http.MethodGet, queryPath(key), "")
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("key %q: status = %d, want 400", key, resp.StatusCode)
		}
	}
}

func TestSignalsDriveConnectivity(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/v1/signals/lost", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var state connectivity.ConnectivityState
	if err := json.Unmarshal(body, &state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.BelievedOnline || state.StateName != "offline" {
		t.Fatalf("unexpected state after lost: %+v", state)
	}

	// Offline with nothing cached: the query cannot be served.
	resp, _ = ts.do(t, http.MethodGet, queryPath(`["feed"]`), "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("offline query status = %d, want 503", resp.StatusCode)
	}

	ts.do(t, http.MethodPost, "/v1/signals/confirmed", "")
	if !ts.conn.Online() {
		t.Fatal("expected online after confirmed signal")
	}

	resp, _ = ts.do(t, http.MethodPost, "/v1/signals/bogus", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown signal status = %d", resp.StatusCode)
	}
}

func TestLifecycleEvents(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, queryPath(`["profile",1]`), "")

	resp, body := ts.do(t, http.MethodPost, "/v1/lifecycle/foreground", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var report lifecycle.RefreshReport
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Fetched != 0 {
		t.Fatalf("fresh entry must not be refetched on foreground: %+v", report)
	}

	for _, event := range []string{"background", "focus"} {
		resp, _ := ts.do(t, http.MethodPost, "/v1/lifecycle/"+event, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", event, resp.StatusCode)
		}
	}
	resp, _ = ts.do(t, http.MethodPost, "/v1/lifecycle/sleep", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown event status = %d", resp.StatusCode)
	}
}

func TestIdentitySwitchIsolatesCache(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, queryPath(`["profile",1]`), "")

	resp, body := ts.do(t, http.MethodPut, "/v1/identity", `{"identity":"user-b"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var info sessionResponse
	if err := json.Unmarshal(body, &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Entries != 0 || info.Session == "" {
		t.Fatalf("new identity must start empty: %+v", info)
	}
	if strings.Contains(string(body), "user-b") {
		t.Fatal("raw identity leaked into response")
	}

	resp, _ = ts.do(t, http.MethodPut, "/v1/identity", `{`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d", resp.StatusCode)
	}

	resp, _ = ts.do(t, http.MethodDelete, "/v1/identity?purge=true", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sign out status = %d", resp.StatusCode)
	}
	if ts.binder.Session().Identity != "" {
		t.Fatal("expected anonymous session after sign out")
	}
}

func TestInvalidateAndEntries(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, queryPath(`["posts",1]`), "")
	ts.do(t, http.MethodGet, queryPath(`["posts",2]`), "")
	ts.do(t, http.MethodGet, queryPath(`["profile",1]`), "")

	resp, body := ts.do(t, http.MethodPost, "/v1/invalidate", `{"prefix":["posts"]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var out struct {
		Invalidated int `json:"invalidated"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Invalidated != 2 {
		t.Fatalf("invalidated = %d, want 2", out.Invalidated)
	}

	_, body = ts.do(t, http.MethodGet, "/v1/entries?prefix="+url.QueryEscape(`["posts"]`), "")
	var list struct {
		Entries []entryInfo `json:"entries"`
		Total   int         `json:"total"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Total != 2 {
		t.Fatalf("total = %d, want 2", list.Total)
	}
	for _, e := range list.Entries {
		if !e.Invalidated || !e.Stale {
			t.Fatalf("entry %s should be invalidated and stale", e.Key)
		}
	}

	resp, _ = ts.do(t, http.MethodPost, "/v1/invalidate", `{"prefix":[{"x":1}]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad prefix status = %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), `"status":"ok"`) {
		t.Fatalf("unexpected health body: %s", body)
	}
}
