// Package upshield implements a single-endpoint response cache that
// sits in front of a rate-limited upstream. It absorbs bursts of
// identical requests, coalesces concurrent fetches per key, and keeps
// serving a stale copy when the upstream is throttling or failing.
package upshield

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/upshield/upshield/cache"
	"github.com/upshield/upshield/metrics"
	"github.com/upshield/upshield/upstream"
)

// Shield is the http.Handler facade over the resolver. The routing
// layer hands it GET requests; the cache key is the fully-resolved
// upstream URL including the query string.
type Shield struct {
	resolver *Resolver
	origin   string
	log      zerolog.Logger
}

func New(config Config, provider cache.Provider, logger zerolog.Logger) (*Shield, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	originURL, err := url.Parse(config.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	logger = logger.With().Str("origin", originURL.String()).Logger()

	fetcher := upstream.NewFetcher(config.MaxRetries, config.Referer)
	resolver := NewResolver(provider, fetcher, config.FreshTTL, config.StaleTTL, logger)

	return &Shield{
		resolver: resolver,
		origin:   strings.TrimSuffix(originURL.String(), "/"),
		log:      logger,
	}, nil
}

// ServeHTTP implements the http.Handler interface.
func (s *Shield) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	key := s.origin + r.URL.RequestURI()

	resolution, err := s.resolver.Resolve(key)
	if err != nil {
		s.sendGatewayError(w, r, err)
		return
	}

	cs := CacheStatus{
		Disposition: resolution.Disposition,
		TimeToLive:  int(resolution.TTL.Seconds()),
		FwdStatus:   resolution.UpstreamStatus,
	}
	if resolution.ContentType != "" {
		w.Header().Set("Content-Type", resolution.ContentType)
	}
	w.Header().Set("Cache-Status", cs.String())
	w.Header().Set("X-Cache", string(resolution.Disposition))
	w.Header().Set("Cache-Control", cacheControl(resolution))
	if resolution.Disposition == DispositionStale && resolution.UpstreamStatus != 0 {
		w.Header().Set("X-Upstream-Status", strconv.Itoa(resolution.UpstreamStatus))
	}
	w.WriteHeader(resolution.Status)
	if _, err := io.WriteString(w, resolution.Body); err != nil {
		s.log.Error().Err(err).Msg("Could not write response body to client")
	}

	metrics.ObserveRequest(string(resolution.Disposition), time.Since(start))
	s.logRequest(r, resolution)
}

// cacheControl reflects the remaining freshness and staleness windows
// of the served entry back to the client.
func cacheControl(resolution Resolution) string {
	return fmt.Sprintf("public, max-age=%d, stale-if-error=%d",
		int(resolution.TTL.Seconds()), int(resolution.StaleTTL.Seconds()))
}

type gatewayPayload struct {
	Error          string `json:"error"`
	UpstreamStatus int    `json:"upstreamStatus,omitempty"`
	Hint           string `json:"hint"`
}

func (s *Shield) sendGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	var gerr *GatewayError
	if !errors.As(err, &gerr) {
		gerr = &GatewayError{Hint: "see server logs"}
	}
	s.log.Error().
		Str("url", r.URL.String()).
		Int("upstream", gerr.UpstreamStatus).
		Msg("Gateway failure")
	metrics.IncGatewayFailure()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	json.NewEncoder(w).Encode(gatewayPayload{
		Error:          "upstream unavailable",
		UpstreamStatus: gerr.UpstreamStatus,
		Hint:           gerr.Hint,
	})
}

func (s *Shield) logRequest(r *http.Request, resolution Resolution) {
	isHit := 0
	if resolution.Disposition == DispositionHit {
		isHit = 1
	}
	s.log.Debug().
		Str("url", r.URL.String()).
		Str("disposition", string(resolution.Disposition)).
		Int("status", resolution.Status).
		Int("ttl", int(resolution.TTL.Seconds())).
		Int("hit", isHit).
		Msg("Sending response to client")
}
