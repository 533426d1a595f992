package drain

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/cotrain/offlineq/internal/persist"
	"github.com/cotrain/offlineq/internal/queue"
)

const (
	defaultTransportTimeout = 30 * time.Second
	maxCachedBodySize       = 1 << 20 // 1MB
	maxErrorBodySize        = 512
)

// Executor performs the network call for one record. It returns nil only
// for a successful (2xx) response; otherwise a *NetworkError or
// *RejectedError.
type Executor interface {
	Execute(ctx context.Context, rec queue.ActionRecord) error
}

// ResponseCache receives successful GET responses.
type ResponseCache interface {
	CacheResponse(ctx context.Context, e persist.CacheEntry) error
}

// HTTPExecutor replays records with a shared http.Client. Timeouts are the
// transport's; the engine adds none of its own.
type HTTPExecutor struct {
	client *http.Client
	cache  ResponseCache
	logger *slog.Logger
}

// NewHTTPClient returns a client with a cookie jar so that session cookies
// set by the backend are replayed with queued actions.
func NewHTTPClient(timeout time.Duration) (*http.Client, error) {
	if timeout <= 0 {
		timeout = defaultTransportTimeout
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	return &http.Client{Timeout: timeout, Jar: jar}, nil
}

// NewHTTPExecutor creates an executor. cache may be nil.
func NewHTTPExecutor(client *http.Client, cache ResponseCache, logger *slog.Logger) *HTTPExecutor {
	if client == nil {
		client = &http.Client{Timeout: defaultTransportTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPExecutor{client: client, cache: cache, logger: logger}
}

func (x *HTTPExecutor) Execute(ctx context.Context, rec queue.ActionRecord) error {
	var body io.Reader
	if rec.Body != "" {
		body = strings.NewReader(rec.Body)
	}
	method := rec.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, rec.URL, body)
	if err != nil {
		// A malformed request will never succeed; it still goes through the
		// retry budget so the caller sees one terminal failure.
		return &NetworkError{Err: fmt.Errorf("creating request: %w", err)}
	}
	for k, v := range rec.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Offline-Action-Id", rec.ID)

	resp, err := x.client.Do(req)
	if err != nil {
		return &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return &RejectedError{
			StatusCode: resp.StatusCode,
			Status:     http.StatusText(resp.StatusCode),
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	if method == http.MethodGet && x.cache != nil {
		x.cacheBody(ctx, rec, resp)
		return nil
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (x *HTTPExecutor) cacheBody(ctx context.Context, rec queue.ActionRecord, resp *http.Response) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBodySize+1))
	if err != nil {
		x.logger.Debug("reading response for cache failed", "action_id", rec.ID, "error", err)
		return
	}
	if len(data) > maxCachedBodySize {
		return
	}
	entry := persist.CacheEntry{
		CacheName:   persist.ResponsesCache,
		URL:         rec.URL,
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
		StoredAt:    time.Now(),
	}
	if err := x.cache.CacheResponse(ctx, entry); err != nil {
		x.logger.Warn("caching response failed", "action_id", rec.ID, "url", rec.URL, "error", err)
	}
}
