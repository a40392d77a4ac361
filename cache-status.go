package upshield

import (
	"fmt"
	"strings"
)

// Disposition tells how a request was satisfied relative to the cache.
type Disposition string

const (
	// DispositionHit means the request was served from a fresh entry.
	DispositionHit Disposition = "HIT"
	// DispositionHitAfterWait means the request waited on a fetch
	// started by another request and was served its result.
	DispositionHitAfterWait Disposition = "HIT-AFTER-WAIT"
	// DispositionMiss means this request triggered the upstream fetch.
	DispositionMiss Disposition = "MISS"
	// DispositionStale means the upstream failed and a stale entry was
	// served as a degraded fallback.
	DispositionStale Disposition = "STALE"
)

// CacheStatus renders the Cache-Status response header (in the RFC 9211
// style) for a resolved request.
type CacheStatus struct {
	Disposition Disposition
	// TimeToLive is the remaining freshness in seconds.
	TimeToLive int
	// FwdStatus is the upstream status observed when serving stale,
	// 0 otherwise.
	FwdStatus int
}

func (cs CacheStatus) String() string {
	parts := []string{"upshield"}
	switch cs.Disposition {
	case DispositionHit:
		parts = append(parts, "hit", fmt.Sprintf("ttl=%d", cs.TimeToLive))
	case DispositionHitAfterWait:
		parts = append(parts, "fwd=uri-miss", "collapsed", "stored", fmt.Sprintf("ttl=%d", cs.TimeToLive))
	case DispositionMiss:
		parts = append(parts, "fwd=uri-miss", "stored", fmt.Sprintf("ttl=%d", cs.TimeToLive))
	case DispositionStale:
		parts = append(parts, "hit", "detail=stale")
		if cs.FwdStatus != 0 {
			parts = append(parts, fmt.Sprintf("fwd-status=%d", cs.FwdStatus))
		}
	}
	return strings.Join(parts, "; ")
}
