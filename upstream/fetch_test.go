package upstream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// newTestFetcher returns a fetcher whose sleeps are recorded instead of
// executed.
func newTestFetcher(maxRetries int, referer string) (*Fetcher, *[]time.Duration) {
	delays := []time.Duration{}
	f := NewFetcher(maxRetries, referer)
	f.sleep = func(d time.Duration) {
		delays = append(delays, d)
	}
	return f, &delays
}

func TestFetchSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()
	f, delays := newTestFetcher(2, "")

	res, err := f.Fetch(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != 200 || res.ContentType != "application/json" || res.Body != `{"ok":true}` {
		t.Fatalf("Got result %+v", res)
	}
	if len(*delays) != 0 {
		t.Fatalf("Slept %d times", len(*delays))
	}
}

func TestFetchRetriesThenSucceeds(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("eventually"))
	}))
	defer server.Close()
	f, delays := newTestFetcher(2, "")

	res, err := f.Fetch(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	if res.Body != "eventually" {
		t.Fatalf("Body is %s", res.Body)
	}
	if attempts != 3 {
		t.Fatalf("Made %d attempts", attempts)
	}
	want := []time.Duration{500 * time.Millisecond, time.Second}
	if len(*delays) != 2 || (*delays)[0] != want[0] || (*delays)[1] != want[1] {
		t.Fatalf("Delays are %v", *delays)
	}
}

func TestFetchHonorsRetryAfter(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()
	f, delays := newTestFetcher(2, "")

	if _, err := f.Fetch(server.URL); err != nil {
		t.Fatal(err)
	}
	if len(*delays) != 1 || (*delays)[0] != 3*time.Second {
		t.Fatalf("Delays are %v", *delays)
	}
}

func TestFetchCapsRetryAfter(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()
	f, delays := newTestFetcher(2, "")

	if _, err := f.Fetch(server.URL); err != nil {
		t.Fatal(err)
	}
	if len(*delays) != 1 || (*delays)[0] != 10*time.Second {
		t.Fatalf("Delays are %v", *delays)
	}
}

func TestFetchFailsImmediatelyOnClientError(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("no such resource " + strings.Repeat("x", 300)))
	}))
	defer server.Close()
	f, delays := newTestFetcher(3, "")

	_, err := f.Fetch(server.URL)
	if err == nil {
		t.Fatal("Expected error")
	}
	ferr, ok := err.(*UpstreamError)
	if !ok {
		t.Fatalf("Error is %T", err)
	}
	if ferr.Status != 404 || ferr.Retryable() {
		t.Fatalf("Error is %+v", ferr)
	}
	if len(ferr.Snippet) != snippetLimit {
		t.Fatalf("Snippet is %d chars", len(ferr.Snippet))
	}
	if attempts != 1 || len(*delays) != 0 {
		t.Fatalf("Made %d attempts with %d sleeps", attempts, len(*delays))
	}
}

func TestFetchExhaustsRetries(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()
	f, delays := newTestFetcher(2, "")

	_, err := f.Fetch(server.URL)
	ferr, ok := err.(*UpstreamError)
	if !ok {
		t.Fatalf("Error is %T: %v", err, err)
	}
	if ferr.Status != 503 || !ferr.Retryable() {
		t.Fatalf("Error is %+v", ferr)
	}
	if attempts != 3 || len(*delays) != 2 {
		t.Fatalf("Made %d attempts with %d sleeps", attempts, len(*delays))
	}
}

func TestFetchNetworkErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()
	f, delays := newTestFetcher(1, "")

	_, err := f.Fetch(server.URL)
	ferr, ok := err.(*UpstreamError)
	if !ok {
		t.Fatalf("Error is %T: %v", err, err)
	}
	if ferr.Status != 0 || !ferr.Retryable() {
		t.Fatalf("Error is %+v", ferr)
	}
	if len(*delays) != 1 {
		t.Fatalf("Slept %d times", len(*delays))
	}
}

func TestFetchSendsBrowserHeaders(t *testing.T) {
	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte("ok"))
	}))
	defer server.Close()
	f, _ := newTestFetcher(0, "https://app.example.com/player")

	if _, err := f.Fetch(server.URL); err != nil {
		t.Fatal(err)
	}
	if ua := got.Get("User-Agent"); !strings.Contains(ua, "Mozilla") {
		t.Fatalf("User-Agent is %s", ua)
	}
	if ref := got.Get("Referer"); ref != "https://app.example.com/player" {
		t.Fatalf("Referer is %s", ref)
	}
	if origin := got.Get("Origin"); origin != "https://app.example.com" {
		t.Fatalf("Origin is %s", origin)
	}
	if got.Get("Accept-Language") == "" {
		t.Fatal("Accept-Language not set")
	}
}

func TestRetryDelay(t *testing.T) {
	cases := []struct {
		attempt int
		hint    time.Duration
		want    time.Duration
	}{
		{0, 0, 500 * time.Millisecond},
		{1, 0, time.Second},
		{2, 0, 2 * time.Second},
		{3, 0, 4 * time.Second},
		{4, 0, 8 * time.Second},
		{5, 0, 10 * time.Second},
		{0, 3 * time.Second, 3 * time.Second},
		{3, 2 * time.Second, 2 * time.Second},
		{0, time.Minute, 10 * time.Second},
	}
	for _, c := range cases {
		if got := retryDelay(c.attempt, c.hint); got != c.want {
			t.Errorf("retryDelay(%d, %s) is %s, expected %s", c.attempt, c.hint, got, c.want)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		header string
		want   time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"0", 0},
		{"-1", 0},
		{"Wed, 21 Oct 2026 07:28:00 GMT", 0},
	}
	for _, c := range cases {
		if got := parseRetryAfter(c.header); got != c.want {
			t.Errorf("parseRetryAfter(%q) is %s, expected %s", c.header, got, c.want)
		}
	}
}
