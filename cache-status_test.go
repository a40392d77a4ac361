package upshield

import "testing"

func TestCacheStatusString(t *testing.T) {
	cases := []struct {
		cs   CacheStatus
		want string
	}{
		{CacheStatus{Disposition: DispositionHit, TimeToLive: 42}, "upshield; hit; ttl=42"},
		{CacheStatus{Disposition: DispositionMiss, TimeToLive: 60}, "upshield; fwd=uri-miss; stored; ttl=60"},
		{CacheStatus{Disposition: DispositionHitAfterWait, TimeToLive: 60}, "upshield; fwd=uri-miss; collapsed; stored; ttl=60"},
		{CacheStatus{Disposition: DispositionStale, FwdStatus: 503}, "upshield; hit; detail=stale; fwd-status=503"},
		{CacheStatus{Disposition: DispositionStale}, "upshield; hit; detail=stale"},
	}
	for _, c := range cases {
		if got := c.cs.String(); got != c.want {
			t.Errorf("String() is %q, expected %q", got, c.want)
		}
	}
}
