package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrRejected is a permanent dispatch failure: the webhook understood
// the request and refused it. Retrying would fail forever, so the item
// is still recorded as delivered to keep the relay at-most-once.
var ErrRejected = errors.New("webhook rejected message")

const defaultDispatchBackoff = time.Second

// Dispatcher delivers formatted messages to a DingTalk-style group
// webhook, signing each request when a shared secret is configured.
// Its retry budget is independent of the API client's.
type Dispatcher struct {
	httpClient *http.Client

	webhookURL   string
	secret       string
	retryCount   int
	retryBackoff time.Duration

	now func() time.Time
	log *slog.Logger
}

type DispatcherOptions struct {
	WebhookURL   string
	Secret       string
	Timeout      time.Duration
	RetryCount   int
	RetryBackoff time.Duration
}

func NewDispatcher(opts DispatcherOptions, log *slog.Logger) *Dispatcher {
	retryCount := opts.RetryCount
	if retryCount <= 0 {
		retryCount = 3
	}

	retryBackoff := opts.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = defaultDispatchBackoff
	}

	return &Dispatcher{
		httpClient:   &http.Client{Timeout: opts.Timeout},
		webhookURL:   opts.WebhookURL,
		secret:       opts.Secret,
		retryCount:   retryCount,
		retryBackoff: retryBackoff,
		now:          time.Now,
		log:          log,
	}
}

type markdownPayload struct {
	MsgType  string `json:"msgtype"`
	Markdown struct {
		Title string `json:"title"`
		Text  string `json:"text"`
	} `json:"markdown"`
}

type webhookResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// Send delivers one message. Transient failures (network errors,
// timeouts, 5xx) are retried with backoff up to the configured bound;
// a 4xx response or a non-zero provider error code returns ErrRejected
// without further attempts.
func (d *Dispatcher) Send(ctx context.Context, msg Message) error {
	var payload markdownPayload
	payload.MsgType = "markdown"
	payload.Markdown.Title = msg.Title
	payload.Markdown.Text = msg.Text

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= d.retryCount; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * d.retryBackoff
			d.log.DebugContext(ctx, "Retrying webhook dispatch",
				"attempt", attempt,
				"backoff", backoff)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("dispatch canceled: %w", ctx.Err())
			}
		}

		retryable, err := d.post(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return lastErr
		}
	}

	return fmt.Errorf("dispatch failed after %d attempts: %w", d.retryCount, lastErr)
}

// SendTest pushes a fixed message for the test command, bypassing
// detection and the delivery ledger entirely.
func (d *Dispatcher) SendTest(ctx context.Context) error {
	return d.Send(ctx, Message{
		Title: "🤖 Monitor test message",
		Text:  "🤖 Bilibili monitor webhook round-trip test",
	})
}

func (d *Dispatcher) post(ctx context.Context, body []byte) (retryable bool, err error) {
	reqURL, err := d.signedURL()
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("post webhook: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			d.log.WarnContext(ctx, "Failed to close response body",
				"error", closeErr)
		}
	}()

	switch {
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return false, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("read response: %w", err)
	}

	var wr webhookResponse
	if err := json.Unmarshal(respBody, &wr); err != nil {
		return true, fmt.Errorf("decode response: %w", err)
	}
	if wr.ErrCode != 0 {
		return false, fmt.Errorf("%w: errcode %d: %s", ErrRejected, wr.ErrCode, wr.ErrMsg)
	}

	return false, nil
}

// signedURL attaches the millisecond timestamp and the HMAC signature
// as query parameters, per the provider's documented scheme. Without a
// secret the webhook URL is used unchanged.
func (d *Dispatcher) signedURL() (string, error) {
	if d.secret == "" {
		return d.webhookURL, nil
	}

	u, err := url.Parse(d.webhookURL)
	if err != nil {
		return "", fmt.Errorf("parse webhook URL: %w", err)
	}

	timestamp := strconv.FormatInt(d.now().UnixMilli(), 10)

	q := u.Query()
	q.Set("timestamp", timestamp)
	q.Set("sign", sign(timestamp, d.secret))
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// sign computes base64(HMAC-SHA256(key=secret, msg=timestamp+"\n"+secret)).
func sign(timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "\n" + secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
