// Package sloghooks logs store events with log/slog. High-rate events can
// be sampled.
package sloghooks

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/spdcache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	LookupFailedEvery   uint64
	BundleRejectedEvery uint64
	// LogBlocked also logs lookups that failed because a policy blocks the
	// flow. Those are policy decisions, not faults, and are skipped by default.
	LogBlocked bool
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	lookupCtr atomic.Uint64
	rejectCtr atomic.Uint64
}

var _ spdcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) PolicyExpired(index uint32, dir spdcache.Direction, hard bool) {
	if h.l == nil {
		return
	}
	if hard {
		h.l.Info("spdcache.policy_expired", "index", index, "dir", dir.String())
		return
	}
	h.l.Debug("spdcache.policy_soft_expired", "index", index, "dir", dir.String())
}

func (h *Hooks) BundleRejected(index uint32, reason string) {
	if h.l == nil || !sample(h.opts.BundleRejectedEvery, &h.rejectCtr) {
		return
	}
	h.l.Debug("spdcache.bundle_rejected", "index", index, "reason", reason)
}

func (h *Hooks) BundlesPruned(reason string, n int) {
	if h.l == nil {
		return
	}
	h.l.Debug("spdcache.bundles_pruned", "reason", reason, "count", n)
}

func (h *Hooks) FlowCacheFlushed(genid uint64) {
	if h.l == nil {
		return
	}
	h.l.Info("spdcache.flow_cache_flushed", "genid", genid)
}

func (h *Hooks) HashResized(table string, buckets int) {
	if h.l == nil {
		return
	}
	h.l.Info("spdcache.hash_resized", "table", table, "buckets", buckets)
}

func (h *Hooks) LookupFailed(dir spdcache.Direction, err error) {
	if h.l == nil {
		return
	}
	if !h.opts.LogBlocked && errors.Is(err, spdcache.ErrBlocked) {
		return
	}
	if !sample(h.opts.LookupFailedEvery, &h.lookupCtr) {
		return
	}
	h.l.Warn("spdcache.lookup_failed", "dir", dir.String(), "err", err)
}

func (h *Hooks) GenError(op string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("spdcache.gen_error", "op", op, "err", err)
}
