package upshield

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/upshield/upshield/cache"
	"github.com/upshield/upshield/metrics"
	"github.com/upshield/upshield/upstream"
)

// Fetcher performs one logical upstream fetch, retries included.
// *upstream.Fetcher implements it.
type Fetcher interface {
	Fetch(url string) (*upstream.Result, error)
}

// Resolution is the answer for one resolved request.
type Resolution struct {
	Status      int
	ContentType string
	Body        string
	Disposition Disposition
	// TTL is the remaining freshness window of the served entry.
	TTL time.Duration
	// StaleTTL is the remaining staleness window of the served entry.
	StaleTTL time.Duration
	// UpstreamStatus annotates STALE resolutions with the status of
	// the failed fetch; 0 when the failure had no status.
	UpstreamStatus int
}

// GatewayError is returned when a request can be satisfied neither by
// the upstream nor by any usable cache entry.
type GatewayError struct {
	// UpstreamStatus is the last status observed from the upstream,
	// or 0 when the failure was a network-level error.
	UpstreamStatus int
	Hint           string
}

func (e *GatewayError) Error() string {
	if e.UpstreamStatus == 0 {
		return "upstream unreachable and no cached copy to serve"
	}
	return fmt.Sprintf("upstream failing with status %d and no cached copy to serve", e.UpstreamStatus)
}

// Resolver is the cache-and-forward coordinator. It owns the cache
// table and the in-flight fetch table; no other component reads or
// writes either.
type Resolver struct {
	cache    cache.Provider
	fetcher  Fetcher
	group    singleflight.Group
	freshTTL time.Duration
	staleTTL time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

func NewResolver(provider cache.Provider, fetcher Fetcher, freshTTL, staleTTL time.Duration, logger zerolog.Logger) *Resolver {
	return &Resolver{
		cache:    provider,
		fetcher:  fetcher,
		freshTTL: freshTTL,
		staleTTL: staleTTL,
		now:      time.Now,
		log:      logger,
	}
}

// Resolve answers the request for the given key, which is also the
// fully-qualified upstream URL. The decision order is: fresh hit,
// coalesced wait or new fetch (at most one fetch per key is in flight
// at any instant), stale fallback on retryable upstream failure, and
// finally a gateway failure.
func (r *Resolver) Resolve(key string) (Resolution, error) {
	if entry, ok, err := r.cache.Get(key); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("Could not read from cache")
	} else if ok && entry.State(r.now()) == cache.Fresh {
		return r.resolution(entry, DispositionHit), nil
	}

	// Join an in-flight fetch for this key, or start one. The flight
	// is released by the singleflight group when the fetch settles,
	// success or failure.
	leader := false
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		leader = true
		return r.fetchAndStore(key)
	})
	if err == nil {
		// The flight hands its entry to every caller directly, so a
		// successful fetch can never resolve as a cache miss.
		disposition := DispositionHitAfterWait
		if leader {
			disposition = DispositionMiss
		}
		return r.resolution(v.(cache.Entry), disposition), nil
	}

	// The fetch failed, whether our own or one we waited on. Serve a
	// stale entry if one exists and the failure class permits it.
	upstreamStatus := 0
	staleEligible := true
	var ferr *upstream.UpstreamError
	if errors.As(err, &ferr) {
		upstreamStatus = ferr.Status
		staleEligible = ferr.Retryable()
	}
	if staleEligible {
		if entry, ok, _ := r.cache.Get(key); ok && entry.State(r.now()) != cache.Expired {
			r.log.Debug().Str("key", key).Int("upstream", upstreamStatus).Msg("Serving stale entry")
			res := r.resolution(entry, DispositionStale)
			res.UpstreamStatus = upstreamStatus
			return res, nil
		}
	}

	return Resolution{}, &GatewayError{
		UpstreamStatus: upstreamStatus,
		Hint:           "upstream is unavailable and no cached copy exists; widen the cache windows or reduce request frequency",
	}
}

// fetchAndStore runs inside the singleflight flight for a key.
func (r *Resolver) fetchAndStore(key string) (interface{}, error) {
	result, err := r.fetcher.Fetch(key)
	if err != nil {
		metrics.IncUpstreamFetch("failure")
		return nil, err
	}
	metrics.IncUpstreamFetch("success")

	now := r.now()
	entry := cache.Entry{
		Status:      result.Status,
		ContentType: result.ContentType,
		Body:        result.Body,
		StoredAt:    now,
		FreshUntil:  now.Add(r.freshTTL),
		StaleUntil:  now.Add(r.staleTTL),
	}
	if err := r.cache.Put(key, entry); err != nil {
		// the entry is still handed to waiters; only later requests
		// lose the cached copy
		r.log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
	}
	return entry, nil
}

func (r *Resolver) resolution(entry cache.Entry, disposition Disposition) Resolution {
	now := r.now()
	return Resolution{
		Status:      entry.Status,
		ContentType: entry.ContentType,
		Body:        entry.Body,
		Disposition: disposition,
		TTL:         entry.TTL(now),
		StaleTTL:    entry.StaleTTL(now),
	}
}
