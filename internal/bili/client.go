package bili

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/BairdWan/BilibiliMonitoring/internal/domain"
)

// ErrUpstreamUnavailable covers every way the upstream API can fail
// for one account and one cycle: exhausted retries, non-OK envelopes
// and malformed responses alike. Callers skip the account for the
// cycle instead of aborting the run.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

const (
	defaultBaseURL   = "https://api.bilibili.com"
	dynamicSpacePath = "/x/polymer/web-dynamic/v1/feed/space"
	userVideosPath   = "/x/space/arc/search"

	dynamicFeatures = "itemOpusStyle,listOnlyfans,opusBigCover,onlyfansVote," +
		"decorationCard,onlyfansAssetsV2,forwardListHidden,ugcDelete"

	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

	defaultRetryBackoff = 500 * time.Millisecond
	videoPageSize       = 10
)

// Client issues authenticated requests to the Bilibili web API behind
// a single process-wide spacing gate. It knows nothing about dedup or
// which accounts are being monitored.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter

	baseURL      string
	cookie       string
	userAgent    string
	retryCount   int
	retryBackoff time.Duration

	log *slog.Logger
}

type ClientOptions struct {
	BaseURL        string
	Cookie         string
	UserAgent      string
	MinInterval    time.Duration
	RequestTimeout time.Duration
	RetryCount     int
	RetryBackoff   time.Duration
}

func NewClient(opts ClientOptions, log *slog.Logger) *Client {
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	retryCount := opts.RetryCount
	if retryCount <= 0 {
		retryCount = 3
	}

	retryBackoff := opts.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = defaultRetryBackoff
	}

	limit := rate.Inf
	if opts.MinInterval > 0 {
		limit = rate.Every(opts.MinInterval)
	}

	return &Client{
		httpClient:   &http.Client{Timeout: opts.RequestTimeout},
		limiter:      rate.NewLimiter(limit, 1),
		baseURL:      baseURL,
		cookie:       opts.Cookie,
		userAgent:    userAgent,
		retryCount:   retryCount,
		retryBackoff: retryBackoff,
		log:          log,
	}
}

// FetchGlobalProbe returns the compact change signature for one
// account: the feed's update baseline when present, otherwise the id
// of the newest item. Only the envelope head is parsed.
func (c *Client) FetchGlobalProbe(ctx context.Context, accountID string) (domain.ProbeResult, error) {
	params := url.Values{}
	params.Set("host_mid", accountID)
	params.Set("platform", "web")

	data, err := c.getJSON(ctx, dynamicSpacePath, params)
	if err != nil {
		return domain.ProbeResult{}, err
	}

	var probe struct {
		UpdateBaseline string `json:"update_baseline"`
		Items          []struct {
			IDStr string `json:"id_str"`
		} `json:"items"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return domain.ProbeResult{}, fmt.Errorf("%w: decode probe for account %s: %v",
			ErrUpstreamUnavailable, accountID, err)
	}

	signature := strings.TrimSpace(probe.UpdateBaseline)
	if signature == "" && len(probe.Items) > 0 {
		signature = strings.TrimSpace(probe.Items[0].IDStr)
	}

	return domain.ProbeResult{Signature: signature}, nil
}

// FetchDetailedItems pulls the full item lists for the requested kinds.
// A failure of one kind does not discard the other kind's items; the
// partial result is returned together with the joined error.
func (c *Client) FetchDetailedItems(
	ctx context.Context,
	accountID string,
	kinds []domain.Kind,
) ([]domain.ContentItem, error) {
	var items []domain.ContentItem
	var errs []error

	for _, kind := range kinds {
		switch kind {
		case domain.KindPost:
			posts, err := c.fetchDynamics(ctx, accountID)
			if err != nil {
				errs = append(errs, fmt.Errorf("fetch dynamics: %w", err))
				continue
			}
			items = append(items, posts...)
		case domain.KindVideo:
			videos, err := c.fetchVideos(ctx, accountID)
			if err != nil {
				errs = append(errs, fmt.Errorf("fetch videos: %w", err))
				continue
			}
			items = append(items, videos...)
		}
	}

	return items, errors.Join(errs...)
}

func (c *Client) fetchDynamics(ctx context.Context, accountID string) ([]domain.ContentItem, error) {
	params := url.Values{}
	params.Set("host_mid", accountID)
	params.Set("offset", "")
	params.Set("platform", "web")
	params.Set("features", dynamicFeatures)

	data, err := c.getJSON(ctx, dynamicSpacePath, params)
	if err != nil {
		return nil, err
	}

	var feed spaceFeedData
	if err := json.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("%w: decode dynamics for account %s: %v",
			ErrUpstreamUnavailable, accountID, err)
	}

	items := make([]domain.ContentItem, 0, len(feed.Items))
	for _, raw := range feed.Items {
		item, ok := parseDynamicItem(accountID, raw)
		if !ok {
			continue
		}
		items = append(items, item)
	}

	return items, nil
}

func (c *Client) fetchVideos(ctx context.Context, accountID string) ([]domain.ContentItem, error) {
	params := url.Values{}
	params.Set("mid", accountID)
	params.Set("pn", "1")
	params.Set("ps", fmt.Sprint(videoPageSize))
	params.Set("order", "pubdate")

	data, err := c.getJSON(ctx, userVideosPath, params)
	if err != nil {
		return nil, err
	}

	var list videoListData
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("%w: decode videos for account %s: %v",
			ErrUpstreamUnavailable, accountID, err)
	}

	items := make([]domain.ContentItem, 0, len(list.List.VList))
	for _, raw := range list.List.VList {
		item, ok := parseVideoItem(accountID, raw)
		if !ok {
			continue
		}
		items = append(items, item)
	}

	return items, nil
}

// getJSON performs one gated, authenticated GET with bounded retries
// and unwraps the standard {code, message, data} envelope.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	reqURL := c.baseURL + path + "?" + params.Encode()

	var lastErr error
	for attempt := 1; attempt <= c.retryCount; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * c.retryBackoff
			c.log.DebugContext(ctx, "Retrying upstream request",
				"url", path,
				"attempt", attempt,
				"backoff", backoff)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, ctx.Err())
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}

		data, retryable, err := c.doRequest(ctx, reqURL)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retryable {
			return nil, lastErr
		}
	}

	return nil, fmt.Errorf("%w: %s: %d attempts: %v",
		ErrUpstreamUnavailable, path, c.retryCount, lastErr)
}

func (c *Client) doRequest(ctx context.Context, reqURL string) (json.RawMessage, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: build request: %v", ErrUpstreamUnavailable, err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Referer", "https://www.bilibili.com/")
	req.Header.Set("Origin", "https://www.bilibili.com")
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.log.WarnContext(ctx, "Failed to close response body",
				"error", closeErr)
		}
	}()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read body: %w", err)
	}

	var envelope struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, false, fmt.Errorf("%w: decode envelope: %v", ErrUpstreamUnavailable, err)
	}
	if envelope.Code != 0 {
		return nil, false, fmt.Errorf("%w: api code %d: %s",
			ErrUpstreamUnavailable, envelope.Code, envelope.Message)
	}

	return envelope.Data, false, nil
}
