package bili

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BairdWan/BilibiliMonitoring/internal/domain"
)

const dynamicsEnvelope = `{
	"code": 0,
	"message": "0",
	"data": {
		"update_baseline": "900",
		"items": [
			{
				"id_str": "900",
				"type": "DYNAMIC_TYPE_OPUS",
				"modules": {
					"module_author": {"mid": 42, "name": "tester", "pub_ts": 1700000100},
					"module_dynamic": {"desc": {"text": "hello"}}
				}
			}
		]
	}
}`

func newTestClient(srv *httptest.Server, retryCount int) *Client {
	return NewClient(ClientOptions{
		BaseURL:        srv.URL,
		Cookie:         "SESSDATA=abc123",
		RequestTimeout: 2 * time.Second,
		RetryCount:     retryCount,
		RetryBackoff:   time.Millisecond,
	}, slog.Default())
}

func TestFetchSucceedsAfterTransientFailures(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(dynamicsEnvelope))
	}))
	defer srv.Close()

	client := newTestClient(srv, 3)

	items, err := client.FetchDetailedItems(context.Background(), "42", []domain.Kind{domain.KindPost})
	if err != nil {
		t.Fatalf("expected success on the final attempt, got %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one item, got %d", len(items))
	}
	if got := requests.Load(); got != 3 {
		t.Fatalf("expected 3 requests, got %d", got)
	}
}

func TestFetchFailsAfterRetryBudget(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(srv, 3)

	_, err := client.fetchDynamics(context.Background(), "42")
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if got := requests.Load(); got != 3 {
		t.Fatalf("expected the retry budget to be spent exactly, got %d requests", got)
	}
}

func TestMalformedResponseIsUpstreamUnavailable(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	client := newTestClient(srv, 3)

	_, err := client.FetchGlobalProbe(context.Background(), "42")
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if got := requests.Load(); got != 1 {
		t.Fatalf("expected no retry on a malformed body, got %d requests", got)
	}
}

func TestAPIErrorCodeIsUpstreamUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"code": -799, "message": "too frequent"}`))
	}))
	defer srv.Close()

	client := newTestClient(srv, 3)

	_, err := client.FetchGlobalProbe(context.Background(), "42")
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestRequestsCarryCredential(t *testing.T) {
	var gotCookie, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(dynamicsEnvelope))
	}))
	defer srv.Close()

	client := newTestClient(srv, 1)

	if _, err := client.FetchGlobalProbe(context.Background(), "42"); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if gotCookie != "SESSDATA=abc123" {
		t.Fatalf("expected the opaque credential as Cookie header, got %q", gotCookie)
	}
	if gotUA == "" {
		t.Fatalf("expected a User-Agent header")
	}
}

func TestMinIntervalSpacesRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(dynamicsEnvelope))
	}))
	defer srv.Close()

	client := NewClient(ClientOptions{
		BaseURL:        srv.URL,
		MinInterval:    100 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
		RetryCount:     1,
	}, slog.Default())

	ctx := context.Background()
	start := time.Now()
	if _, err := client.FetchGlobalProbe(ctx, "42"); err != nil {
		t.Fatalf("first probe failed: %v", err)
	}
	if _, err := client.FetchGlobalProbe(ctx, "43"); err != nil {
		t.Fatalf("second probe failed: %v", err)
	}

	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("expected the second request to wait for the spacing gate, elapsed %s", elapsed)
	}
}

func TestProbeSignatureFallsBackToFirstItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"code":0,"data":{"items":[{"id_str":"777"}]}}`))
	}))
	defer srv.Close()

	client := newTestClient(srv, 1)

	probe, err := client.FetchGlobalProbe(context.Background(), "42")
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if probe.Signature != "777" {
		t.Fatalf("expected signature 777, got %q", probe.Signature)
	}
}
