package promhooks

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/unkn0wn-root/spdcache"
)

func TestCounters(t *testing.T) {
	h := New("")
	h.PolicyExpired(1, spdcache.DirOut, false)
	h.PolicyExpired(1, spdcache.DirOut, false)
	h.PolicyExpired(1, spdcache.DirOut, true)
	h.BundlesPruned("unused", 3)
	h.BundlesPruned("unused", 2)
	h.BundleRejected(4, "stale")

	if got := testutil.ToFloat64(h.expired.WithLabelValues("out", "soft")); got != 2 {
		t.Fatalf("soft expiries = %v", got)
	}
	if got := testutil.ToFloat64(h.expired.WithLabelValues("out", "hard")); got != 1 {
		t.Fatalf("hard expiries = %v", got)
	}
	if got := testutil.ToFloat64(h.pruned.WithLabelValues("unused")); got != 5 {
		t.Fatalf("pruned = %v", got)
	}
	if got := testutil.ToFloat64(h.rejected.WithLabelValues("stale")); got != 1 {
		t.Fatalf("rejected = %v", got)
	}
}

func TestLookupFailureCauses(t *testing.T) {
	h := New("edge")
	h.LookupFailed(spdcache.DirOut, fmt.Errorf("%w: policy 9", spdcache.ErrBlocked))
	h.LookupFailed(spdcache.DirOut, &spdcache.ResolveError{Index: 9, Err: spdcache.ErrAgain})
	h.LookupFailed(spdcache.DirOut, &spdcache.RouteError{Err: errors.New("unreachable")})
	h.LookupFailed(spdcache.DirIn, errors.New("boom"))

	for _, c := range []struct{ dir, cause string }{
		{"out", "blocked"}, {"out", "again"}, {"out", "route"}, {"in", "other"},
	} {
		if got := testutil.ToFloat64(h.lookupFailures.WithLabelValues(c.dir, c.cause)); got != 1 {
			t.Fatalf("%s/%s = %v", c.dir, c.cause, got)
		}
	}
}

func TestRegisterAndGather(t *testing.T) {
	h := New("")
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	h.FlowCacheFlushed(42)
	h.HashResized("out", 32)

	want := `
# HELP spdcache_flow_cache_genid Last flow cache generation published by a flush.
# TYPE spdcache_flow_cache_genid gauge
spdcache_flow_cache_genid 42
# HELP spdcache_hash_buckets Bucket count of each policy hash table after its last resize.
# TYPE spdcache_hash_buckets gauge
spdcache_hash_buckets{table="out"} 32
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want),
		"spdcache_flow_cache_genid", "spdcache_hash_buckets"); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(h.flushed); got != 1 {
		t.Fatalf("flushes = %v", got)
	}
}
