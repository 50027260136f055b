package notify

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestDispatcher(srv *httptest.Server, secret string) *Dispatcher {
	return NewDispatcher(DispatcherOptions{
		WebhookURL:   srv.URL + "/robot/send?access_token=tok",
		Secret:       secret,
		Timeout:      2 * time.Second,
		RetryCount:   3,
		RetryBackoff: time.Millisecond,
	}, slog.Default())
}

func TestSignature(t *testing.T) {
	// Vector computed independently with the provider's published
	// scheme: base64(HMAC-SHA256(key=secret, msg=timestamp+"\n"+secret)).
	got := sign("1700000000000", "SEC11aabbcc")
	want := "dg+Iacbix88S2OO3h0zSA9he+jdsJbPd/jMcbc9PPgg="
	if got != want {
		t.Fatalf("sign() = %q, want %q", got, want)
	}
}

func TestSendAttachesSignatureParams(t *testing.T) {
	var gotTimestamp, gotSign string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		gotTimestamp = q.Get("timestamp")
		gotSign = q.Get("sign")
		_, _ = w.Write([]byte(`{"errcode":0,"errmsg":"ok"}`))
	}))
	defer srv.Close()

	d := newTestDispatcher(srv, "SEC11aabbcc")
	d.now = func() time.Time { return time.UnixMilli(1700000000000) }

	if err := d.Send(context.Background(), Message{Title: "t", Text: "x"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if gotTimestamp != "1700000000000" {
		t.Fatalf("expected the millisecond timestamp param, got %q", gotTimestamp)
	}
	if gotSign != "dg+Iacbix88S2OO3h0zSA9he+jdsJbPd/jMcbc9PPgg=" {
		t.Fatalf("unexpected sign param %q", gotSign)
	}
}

func TestSendWithoutSecretIsUnsigned(t *testing.T) {
	var hadParams bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		hadParams = q.Has("timestamp") || q.Has("sign")
		_, _ = w.Write([]byte(`{"errcode":0,"errmsg":"ok"}`))
	}))
	defer srv.Close()

	d := newTestDispatcher(srv, "")

	if err := d.Send(context.Background(), Message{Title: "t", Text: "x"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if hadParams {
		t.Fatalf("expected no signature params without a secret")
	}
}

func TestSendRetriesTransientFailures(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"errcode":0,"errmsg":"ok"}`))
	}))
	defer srv.Close()

	d := newTestDispatcher(srv, "")

	if err := d.Send(context.Background(), Message{Title: "t", Text: "x"}); err != nil {
		t.Fatalf("expected success on the final attempt, got %v", err)
	}
	if got := requests.Load(); got != 3 {
		t.Fatalf("expected 3 requests, got %d", got)
	}
}

func TestSendClientErrorIsRejectedWithoutRetry(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	d := newTestDispatcher(srv, "")

	err := d.Send(context.Background(), Message{Title: "t", Text: "x"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if got := requests.Load(); got != 1 {
		t.Fatalf("a rejection must not be retried, got %d requests", got)
	}
}

func TestSendProviderErrcodeIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"errcode":310000,"errmsg":"sign not match"}`))
	}))
	defer srv.Close()

	d := newTestDispatcher(srv, "SECwrong")

	err := d.Send(context.Background(), Message{Title: "t", Text: "x"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected on a non-zero errcode, got %v", err)
	}
}

func TestSendExhaustedRetriesIsNotRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := newTestDispatcher(srv, "")

	err := d.Send(context.Background(), Message{Title: "t", Text: "x"})
	if err == nil {
		t.Fatalf("expected an error after exhausting retries")
	}
	if errors.Is(err, ErrRejected) {
		t.Fatalf("a transient exhaustion must stay retryable, got ErrRejected: %v", err)
	}
}
