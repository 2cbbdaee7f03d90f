// Package asynchook moves hook delivery off the store's hot paths. Events
// are queued to a worker pool and dropped when the queue is full.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{LookupFailedEvery: 100})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	store, _ := spdcache.New(spdcache.Options{
//	    States: states,
//	    Routes: routes,
//	    Hooks:  hooks,
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/spdcache"
)

type Hooks struct {
	inner   spdcache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64
}

var _ spdcache.Hooks = (*Hooks)(nil)

func New(inner spdcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains the queue. Close the store first; events after Close panic.
func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

// Dropped reports how many events were lost to a full queue.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) PolicyExpired(idx uint32, dir spdcache.Direction, hard bool) {
	h.try(func() { h.inner.PolicyExpired(idx, dir, hard) })
}
func (h *Hooks) BundleRejected(idx uint32, reason string) {
	h.try(func() { h.inner.BundleRejected(idx, reason) })
}
func (h *Hooks) BundlesPruned(reason string, n int) {
	h.try(func() { h.inner.BundlesPruned(reason, n) })
}
func (h *Hooks) FlowCacheFlushed(genid uint64) {
	h.try(func() { h.inner.FlowCacheFlushed(genid) })
}
func (h *Hooks) HashResized(table string, n int) {
	h.try(func() { h.inner.HashResized(table, n) })
}
func (h *Hooks) LookupFailed(dir spdcache.Direction, err error) {
	h.try(func() { h.inner.LookupFailed(dir, err) })
}
func (h *Hooks) GenError(op string, err error) {
	h.try(func() { h.inner.GenError(op, err) })
}
