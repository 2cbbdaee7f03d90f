package spdcache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The store calls them on hot paths and from timers.
type Hooks interface {
	// A policy lifetime expired. hard=true means it was removed.
	PolicyExpired(index uint32, dir Direction, hard bool)

	// A freshly built bundle was discarded instead of cached.
	// reason ∈ {"policy_dead", "stale"}
	BundleRejected(index uint32, reason string)

	// Bundles were unlinked from policy lists.
	// reason ∈ {"unused", "stale", "superseded", "policy_killed", "custom"}
	BundlesPruned(reason string, n int)

	// The policy generation was bumped outside of a table mutation because a
	// dead policy was still referenced.
	FlowCacheFlushed(genid uint64)

	// A hash table was doubled. table ∈ {"in", "out", "fwd", "sock_in", "sock_out", "byidx"}
	HashResized(table string, buckets int)

	// ResolveAndBuild or CheckInbound failed on a policy lookup.
	LookupFailed(dir Direction, err error)

	// Generation store errors (snapshot or bump).
	GenError(op string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) PolicyExpired(uint32, Direction, bool) {}
func (NopHooks) BundleRejected(uint32, string)         {}
func (NopHooks) BundlesPruned(string, int)             {}
func (NopHooks) FlowCacheFlushed(uint64)               {}
func (NopHooks) HashResized(string, int)               {}
func (NopHooks) LookupFailed(Direction, error)         {}
func (NopHooks) GenError(string, error)                {}
