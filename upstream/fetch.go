// Package upstream performs the origin fetches, with bounded retries
// and backoff for transient failures.
package upstream

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// baseBackoff is doubled on every retry.
	baseBackoff = 500 * time.Millisecond
	// maxBackoff caps the wait between attempts, whether computed or
	// hinted by the upstream.
	maxBackoff = 10 * time.Second
	// snippetLimit is the number of body characters kept for
	// diagnostics on non-retryable failures.
	snippetLimit = 200

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Result is a successful upstream response.
type Result struct {
	Status      int
	ContentType string
	Body        string
}

// UpstreamError is the final failure of a logical fetch, after any
// retries have been exhausted.
type UpstreamError struct {
	// Status is the last observed HTTP status code, or 0 when the
	// failure was a network-level error with no response.
	Status  int
	Message string
	// Snippet holds up to 200 characters of the response body on
	// non-retryable failures.
	Snippet string

	retryAfter time.Duration
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("upstream request failed: %s", e.Message)
	}
	if e.Snippet != "" {
		return fmt.Sprintf("upstream status %d: %s: %s", e.Status, e.Message, e.Snippet)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Message)
}

// Retryable reports whether the failure indicates upstream overload or
// transient unavailability: 429, any 5xx, or a network-level error.
// These are also the failure classes eligible for stale fallback.
func (e *UpstreamError) Retryable() bool {
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Fetcher issues GET requests against the upstream with a fixed
// browser-like header set.
type Fetcher struct {
	Client *http.Client
	// MaxRetries is the number of additional attempts after the first
	// one, for retryable failures only.
	MaxRetries int
	// Referer is sent as the Referer header; the Origin header is
	// derived from it. Some upstreams reject requests without them.
	Referer string

	sleep func(time.Duration)
}

func NewFetcher(maxRetries int, referer string) *Fetcher {
	return &Fetcher{
		Client:     &http.Client{},
		MaxRetries: maxRetries,
		Referer:    referer,
		sleep:      time.Sleep,
	}
}

// Fetch performs one logical GET against the given URL. Responses with
// status 429 or 5xx and network-level errors are retried with backoff
// up to MaxRetries times; any other non-2xx status fails immediately.
func (f *Fetcher) Fetch(uri string) (*Result, error) {
	for attempt := 0; ; attempt++ {
		res, ferr := f.do(uri)
		if ferr == nil {
			return res, nil
		}
		if !ferr.Retryable() || attempt >= f.MaxRetries {
			return nil, ferr
		}
		delay := retryDelay(attempt, ferr.retryAfter)
		log.Debug().
			Str("url", uri).
			Int("attempt", attempt).
			Int("status", ferr.Status).
			Dur("delay", delay).
			Msg("Retrying upstream fetch")
		f.sleep(delay)
	}
}

// do performs a single GET attempt.
func (f *Fetcher) do(uri string) (*Result, *UpstreamError) {
	req, err := http.NewRequest(http.MethodGet, uri, nil)
	if err != nil {
		return nil, &UpstreamError{Message: err.Error()}
	}
	f.setHeaders(req)

	res, err := f.Client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Message: err.Error()}
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &UpstreamError{Message: err.Error()}
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return &Result{
			Status:      res.StatusCode,
			ContentType: res.Header.Get("Content-Type"),
			Body:        string(body),
		}, nil
	}

	ferr := &UpstreamError{
		Status:     res.StatusCode,
		Message:    http.StatusText(res.StatusCode),
		retryAfter: parseRetryAfter(res.Header.Get("Retry-After")),
	}
	if !ferr.Retryable() {
		ferr.Snippet = snippet(string(body))
	}
	return nil, ferr
}

// setHeaders applies the fixed header template. The values mimic an
// ordinary browser request, which some upstreams require.
func (f *Fetcher) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Connection", "keep-alive")
	if f.Referer == "" {
		return
	}
	req.Header.Set("Referer", f.Referer)
	if u, err := url.Parse(f.Referer); err == nil && u.Host != "" {
		req.Header.Set("Origin", u.Scheme+"://"+u.Host)
	}
}

// retryDelay computes the wait before retry number attempt (zero-based).
// A positive Retry-After hint wins over the exponential schedule; either
// way the delay is capped at maxBackoff.
func retryDelay(attempt int, hint time.Duration) time.Duration {
	delay := baseBackoff << attempt
	if hint > 0 {
		delay = hint
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

// parseRetryAfter parses a Retry-After header value in seconds.
// It returns 0 if the value is absent or not a plain number.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func snippet(body string) string {
	if len(body) > snippetLimit {
		return body[:snippetLimit]
	}
	return body
}
