package spdcache

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	pr "github.com/unkn0wn-root/spdcache/provider"
	"github.com/unkn0wn-root/spdcache/route"
	"github.com/unkn0wn-root/spdcache/selector"
	"github.com/unkn0wn-root/spdcache/state"
)

type memEntry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

type memProvider struct {
	mu sync.Mutex
	m  map[string]memEntry
}

var _ pr.Provider = (*memProvider)(nil)

func newMemProvider() *memProvider { return &memProvider{m: make(map[string]memEntry)} }

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(p.m, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	p.mu.Lock()
	p.m[key] = memEntry{v: value, exp: exp}
	p.mu.Unlock()
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
	return nil
}

func (p *memProvider) Close(_ context.Context) error { return nil }

func (p *memProvider) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

type expiryEvent struct {
	index uint32
	hard  bool
}

// recHooks records the events tests assert on.
type recHooks struct {
	NopHooks
	mu       sync.Mutex
	expired  []expiryEvent
	rejected []string
	pruned   map[string]int
	flushed  int
	resized  map[string]int
}

func newRecHooks() *recHooks {
	return &recHooks{pruned: map[string]int{}, resized: map[string]int{}}
}

func (h *recHooks) PolicyExpired(index uint32, _ Direction, hard bool) {
	h.mu.Lock()
	h.expired = append(h.expired, expiryEvent{index, hard})
	h.mu.Unlock()
}

func (h *recHooks) BundleRejected(_ uint32, reason string) {
	h.mu.Lock()
	h.rejected = append(h.rejected, reason)
	h.mu.Unlock()
}

func (h *recHooks) BundlesPruned(reason string, n int) {
	h.mu.Lock()
	h.pruned[reason] += n
	h.mu.Unlock()
}

func (h *recHooks) FlowCacheFlushed(uint64) {
	h.mu.Lock()
	h.flushed++
	h.mu.Unlock()
}

func (h *recHooks) HashResized(table string, buckets int) {
	h.mu.Lock()
	h.resized[table] = buckets
	h.mu.Unlock()
}

func (h *recHooks) expiries(hard bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.expired {
		if e.hard == hard {
			n++
		}
	}
	return n
}

func (h *recHooks) prunedFor(reason string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pruned[reason]
}

type env struct {
	st     Store
	states *state.Table
	routes *route.Table
	def    *route.Entry // 0.0.0.0/0
	base   *route.Entry // 10.0.0.0/24, the base route handed to lookups
	hooks  *recHooks
}

func newTestStore(t *testing.T, optsOpt func(*Options)) *env {
	t.Helper()
	e := &env{
		states: state.NewTable(),
		routes: route.NewTable(),
		hooks:  newRecHooks(),
	}
	e.def = e.routes.Add(netip.MustParsePrefix("0.0.0.0/0"), route.Nexthop{
		Gateway: netip.MustParseAddr("192.0.2.254"),
		Src:     netip.MustParseAddr("192.0.2.10"),
		Dev:     "eth0",
		MTU:     1500,
	})
	e.base = e.routes.Add(netip.MustParsePrefix("10.0.0.0/24"), route.Nexthop{Dev: "eth1", MTU: 1500})

	opts := Options{States: e.states, Routes: e.routes, Hooks: e.hooks}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	st, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.st = st
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	return e
}

func mustImpl(t *testing.T, st Store) *store {
	t.Helper()
	impl, ok := st.(*store)
	if !ok {
		t.Fatalf("unexpected concrete type for Store")
	}
	return impl
}

func sel(dst, src string) selector.Selector {
	return selector.FromPrefixes(netip.MustParsePrefix(dst), netip.MustParsePrefix(src))
}

func flow(dst, src string) selector.Flow {
	return selector.Flow{
		Daddr: netip.MustParseAddr(dst),
		Saddr: netip.MustParseAddr(src),
		Proto: 6,
		Dport: 443,
		Sport: 40000,
	}
}

func newPolicy(s selector.Selector, prio uint32, act Action, tmpls ...state.Template) *Policy {
	return NewPolicy(&Policy{Selector: s, Priority: prio, Action: act, Templates: tmpls})
}

// mustInsert links p and drops the caller's reference; the table keeps p alive.
func mustInsert(t *testing.T, st Store, dir Direction, p *Policy) *Policy {
	t.Helper()
	if err := st.Insert(dir, p, false); err != nil {
		t.Fatalf("Insert %v: %v", p, err)
	}
	p.Release()
	return p
}

// addSA installs a VALID transform; the state table owns the reference.
func addSA(st *state.Table, mode state.Mode, dst, src string, spi uint32) *state.Transform {
	x := state.NewTransform(&state.Transform{
		Daddr:      netip.MustParseAddr(dst),
		Saddr:      netip.MustParseAddr(src),
		SPI:        spi,
		Proto:      state.ProtoESP,
		Mode:       mode,
		Family:     selector.FamilyIPv4,
		Selector:   selector.Any(selector.FamilyIPv4),
		HeaderLen:  24,
		TrailerLen: 12,
	}, state.StateValid)
	st.Add(x)
	return x
}

func espTransport() state.Template {
	return state.Template{Mode: state.ModeTransport, Proto: state.ProtoESP}
}

func espTunnel(dst, src string) state.Template {
	return state.Template{
		Mode:  state.ModeTunnel,
		Proto: state.ProtoESP,
		Daddr: netip.MustParseAddr(dst),
		Saddr: netip.MustParseAddr(src),
	}
}

func lookup(t *testing.T, st Store, dir Direction, fl selector.Flow) *Policy {
	t.Helper()
	p, err := mustImpl(t, st).lookupPolicy(fl, fl.Family(), dir)
	if err != nil {
		t.Fatalf("lookupPolicy: %v", err)
	}
	if p != nil {
		p.Release() // still linked; the table keeps it alive
	}
	return p
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ==============================
// Policy table
// ==============================

// TestPriorityOrdering inserts [10, 5, 5, 20] into one chain; the first
// priority-5 policy wins, then the second, then 10, then 20.
func TestPriorityOrdering(t *testing.T) {
	e := newTestStore(t, nil)
	any4 := "0.0.0.0/0"
	p10 := mustInsert(t, e.st, DirOut, newPolicy(sel("10.0.0.0/24", any4), 10, ActionAllow))
	p5a := mustInsert(t, e.st, DirOut, newPolicy(sel("10.0.0.0/16", any4), 5, ActionAllow))
	p5b := mustInsert(t, e.st, DirOut, newPolicy(sel("10.0.0.0/8", any4), 5, ActionAllow))
	p20 := mustInsert(t, e.st, DirOut, newPolicy(sel("10.0.0.0/25", any4), 20, ActionAllow))

	fl := flow("10.0.0.5", "10.9.9.9")
	for _, want := range []*Policy{p5a, p5b, p10, p20} {
		if got := lookup(t, e.st, DirOut, fl); got != want {
			t.Fatalf("lookup = %v, want %v", got, want)
		}
		if err := e.st.Delete(want, DirOut); err != nil {
			t.Fatalf("Delete: %v", err)
		}
	}
	if got := lookup(t, e.st, DirOut, fl); got != nil {
		t.Fatalf("empty table returned %v", got)
	}
}

func TestInsertReplaceAndExclusive(t *testing.T) {
	e := newTestStore(t, nil)
	s := sel("10.0.0.0/24", "0.0.0.0/0")
	old := mustInsert(t, e.st, DirOut, newPolicy(s, 10, ActionAllow))
	old.Hold()
	defer old.Release()

	dup := newPolicy(s, 10, ActionBlock)
	if err := e.st.Insert(DirOut, dup, true); !errors.Is(err, ErrExists) {
		t.Fatalf("exclusive insert err = %v, want ErrExists", err)
	}
	dup.Release()

	repl := mustInsert(t, e.st, DirOut, newPolicy(s, 10, ActionBlock))
	if repl.Index() != old.Index() {
		t.Fatalf("replacement index %d, want inherited %d", repl.Index(), old.Index())
	}
	if !old.Dead() {
		t.Fatalf("superseded policy should be dead")
	}
	if got := e.st.Info().Count[DirOut]; got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}

	// a strictly worse priority does not replace
	worse := mustInsert(t, e.st, DirOut, newPolicy(s, 20, ActionAllow))
	if worse.Dead() || repl.Dead() {
		t.Fatalf("worse priority must not replace")
	}
	if got := lookup(t, e.st, DirOut, flow("10.0.0.1", "1.1.1.1")); got != repl {
		t.Fatalf("lookup = %v, want %v", got, repl)
	}
}

func TestIndexCarriesDirection(t *testing.T) {
	e := newTestStore(t, nil)
	seen := map[uint32]bool{}
	for _, dir := range []Direction{DirIn, DirOut, DirFwd} {
		for i := 0; i < 4; i++ {
			// rising priority: each lands behind the identical one before it
			p := mustInsert(t, e.st, dir, newPolicy(sel("10.0.0.0/24", "0.0.0.0/0"), uint32(i), ActionAllow))
			if IndexDirection(p.Index()) != dir || p.Index() == 0 {
				t.Fatalf("index %d does not encode %v", p.Index(), dir)
			}
			if seen[p.Index()] {
				t.Fatalf("index %d reused", p.Index())
			}
			seen[p.Index()] = true
		}
	}
}

func TestFindBySelectorAndID(t *testing.T) {
	e := newTestStore(t, nil)
	s := sel("10.1.0.0/16", "0.0.0.0/0")
	sc := &SecContext{DOI: 1, Alg: 1, Label: "web"}
	p := NewPolicy(&Policy{Selector: s, SecCtx: sc, Priority: 1})
	mustInsert(t, e.st, DirIn, p)

	if _, err := e.st.FindBySelector(DirIn, TypeMain, s, nil, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("context must be part of the identity, err = %v", err)
	}
	got, err := e.st.FindBySelector(DirIn, TypeMain, s, &SecContext{DOI: 1, Alg: 1, Label: "web"}, false)
	if err != nil || got != p {
		t.Fatalf("FindBySelector = %v, %v", got, err)
	}
	got.Release()

	if _, err := e.st.FindByID(DirOut, TypeMain, p.Index(), false); !errors.Is(err, ErrInvalid) {
		t.Fatalf("wrong direction err = %v, want ErrInvalid", err)
	}
	got, err = e.st.FindByID(DirIn, TypeMain, p.Index(), true)
	if err != nil || got != p {
		t.Fatalf("FindByID delete = %v, %v", got, err)
	}
	defer got.Release()
	if !p.Dead() {
		t.Fatalf("deleted policy should be dead")
	}
	if _, err := e.st.FindByID(DirIn, TypeMain, p.Index(), false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after delete err = %v, want ErrNotFound", err)
	}
	if err := e.st.Delete(p, DirIn); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

// TestRefcountDeleteWhileHeld deletes a policy a lookup still holds.
func TestRefcountDeleteWhileHeld(t *testing.T) {
	e := newTestStore(t, nil)
	s := sel("10.0.0.0/24", "0.0.0.0/0")
	p := mustInsert(t, e.st, DirOut, newPolicy(s, 1, ActionAllow))

	held, err := e.st.FindBySelector(DirOut, TypeMain, s, nil, false)
	if err != nil {
		t.Fatalf("FindBySelector: %v", err)
	}
	gone, err := e.st.FindByID(DirOut, TypeMain, p.Index(), true)
	if err != nil {
		t.Fatalf("FindByID delete: %v", err)
	}

	// table reference is dropped by the collector; ours remain
	eventually(t, "collector", func() bool { return p.Refs() == 2 })
	if p.freed.Load() {
		t.Fatalf("policy destroyed while referenced")
	}
	if !p.Dead() {
		t.Fatalf("policy should be dead")
	}
	e.hooks.mu.Lock()
	flushed := e.hooks.flushed
	e.hooks.mu.Unlock()
	if flushed == 0 {
		t.Fatalf("a referenced dead policy must retire the flow cache")
	}

	held.Release()
	if p.freed.Load() {
		t.Fatalf("destroyed with one reference left")
	}
	gone.Release()
	if !p.freed.Load() || p.Refs() != 0 {
		t.Fatalf("last release must destroy, refs=%d", p.Refs())
	}
}

func TestFlushCompleteness(t *testing.T) {
	e := newTestStore(t, func(o *Options) { o.SubPolicy = true })
	mustInsert(t, e.st, DirOut, newPolicy(sel("10.0.0.0/24", "0.0.0.0/0"), 1, ActionAllow))
	mustInsert(t, e.st, DirIn, newPolicy(sel("10.0.0.5/32", "10.0.1.1/32"), 1, ActionAllow))
	sub := newPolicy(sel("10.2.0.0/16", "0.0.0.0/0"), 1, ActionAllow)
	sub.Type = TypeSub
	mustInsert(t, e.st, DirFwd, sub)

	if err := e.st.Flush(TypeMain); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	w := e.st.NewWalker(TypeMain)
	if err := e.st.Walk(w, func(p *Policy, _ Direction, _ int) error {
		t.Fatalf("main policy %v survived flush", p)
		return nil
	}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Walk(main) err = %v, want ErrNotFound", err)
	}
	e.st.WalkDone(w)

	var subs []*Policy
	w = e.st.NewWalker(TypeSub)
	if err := e.st.Walk(w, func(p *Policy, _ Direction, _ int) error {
		subs = append(subs, p)
		return nil
	}); err != nil {
		t.Fatalf("Walk(sub): %v", err)
	}
	e.st.WalkDone(w)
	if len(subs) != 1 || subs[0] != sub {
		t.Fatalf("sub policies after flush = %v", subs)
	}
	info := e.st.Info()
	if info.Count[DirIn]+info.Count[DirOut] != 0 || info.Count[DirFwd] != 1 {
		t.Fatalf("counts after flush = %v", info.Count)
	}
}

type fakeSecurity struct {
	deny      string // label denied on lookup
	skip      string // label that does not apply
	lockLabel string // label whose policies cannot be deleted
}

func (f fakeSecurity) PolicyLookup(sc *SecContext, _ uint32, _ Direction) error {
	if sc == nil {
		return nil
	}
	switch sc.Label {
	case f.deny:
		return errors.New("label denied")
	case f.skip:
		return ErrNotFound
	}
	return nil
}

func (f fakeSecurity) PolicyDelete(sc *SecContext) error {
	if sc != nil && sc.Label == f.lockLabel {
		return errors.New("locked")
	}
	return nil
}

func (fakeSecurity) StateFlowMatch(*state.Transform, *Policy, selector.Flow) bool { return true }

func TestSecurityModule(t *testing.T) {
	sec := fakeSecurity{deny: "secret", skip: "other", lockLabel: "pinned"}
	e := newTestStore(t, func(o *Options) { o.Security = sec })
	any4 := "0.0.0.0/0"

	skipped := NewPolicy(&Policy{Selector: sel("10.0.0.0/24", any4), Priority: 1, SecCtx: &SecContext{Label: "other"}})
	mustInsert(t, e.st, DirOut, skipped)
	plain := mustInsert(t, e.st, DirOut, newPolicy(sel("10.0.0.0/16", any4), 2, ActionAllow))
	if got := lookup(t, e.st, DirOut, flow("10.0.0.5", "1.1.1.1")); got != plain {
		t.Fatalf("not-applicable context should be skipped, got %v", got)
	}

	mustInsert(t, e.st, DirOut, NewPolicy(&Policy{Selector: sel("10.0.0.0/25", any4), Priority: 0, SecCtx: &SecContext{Label: "secret"}}))
	_, err := mustImpl(t, e.st).lookupPolicy(flow("10.0.0.5", "1.1.1.1"), selector.FamilyIPv4, DirOut)
	if !errors.Is(err, ErrSecurityDenied) {
		t.Fatalf("lookup err = %v, want ErrSecurityDenied", err)
	}

	inPol := mustInsert(t, e.st, DirIn, newPolicy(sel("10.9.0.0/16", any4), 3, ActionAllow))
	exactIn := mustInsert(t, e.st, DirIn, newPolicy(sel("10.9.0.1/32", "10.0.0.1/32"), 3, ActionAllow))

	// fwd is flushed last, so everything before the refusal goes
	pinned := NewPolicy(&Policy{Selector: sel("10.9.0.0/16", any4), Priority: 5, SecCtx: &SecContext{Label: "pinned"}})
	mustInsert(t, e.st, DirFwd, pinned)
	if _, err := e.st.FindBySelector(DirFwd, TypeMain, pinned.Selector, pinned.SecCtx, true); !errors.Is(err, ErrSecurityDenied) {
		t.Fatalf("delete of pinned err = %v", err)
	}
	if err := e.st.Flush(TypeMain); !errors.Is(err, ErrSecurityDenied) {
		t.Fatalf("Flush err = %v, want ErrSecurityDenied", err)
	}
	for _, p := range []*Policy{inPol, exactIn, skipped, plain} {
		if !p.Dead() {
			t.Fatalf("policy %d flushed before the refusal is still alive", p.Index())
		}
	}
	info := e.st.Info()
	if info.Count[DirIn] != 0 || info.Count[DirOut] != 0 || info.Count[DirFwd] != 1 {
		t.Fatalf("counts after partial flush = %v", info.Count)
	}
	if pinned.Dead() {
		t.Fatalf("refused policy must stay linked")
	}
	got, err := e.st.FindBySelector(DirFwd, TypeMain, pinned.Selector, pinned.SecCtx, false)
	if err != nil || got != pinned {
		t.Fatalf("pinned lookup = %v %v", got, err)
	}
	got.Release()
}

func TestResizePreservesLookups(t *testing.T) {
	e := newTestStore(t, func(o *Options) { o.InitialHashSize = 2 })
	impl := mustImpl(t, e.st)

	const n = 20
	pols := make([]*Policy, n)
	flows := make([]selector.Flow, n)
	for i := 0; i < n; i++ {
		dst := netip.AddrFrom4([4]byte{10, 0, 1, byte(i + 1)})
		src := netip.MustParseAddr("10.0.0.1")
		s := selector.FromPrefixes(netip.PrefixFrom(dst, 32), netip.PrefixFrom(src, 32))
		pols[i] = mustInsert(t, e.st, DirOut, newPolicy(s, uint32(i), ActionAllow))
		flows[i] = selector.Flow{Daddr: dst, Saddr: src}
	}
	// each run doubles at most once per table
	for i := 0; i < 8; i++ {
		impl.resize()
	}

	impl.mu.RLock()
	hmask := impl.dirs[DirOut].exact.hmask
	impl.mu.RUnlock()
	if hmask != 31 {
		t.Fatalf("out table hmask = %d, want 31", hmask)
	}
	if got := e.st.Info().IdxHashMask; got != 31 {
		t.Fatalf("index hmask = %d, want 31", got)
	}
	for i, fl := range flows {
		if got := lookup(t, e.st, DirOut, fl); got != pols[i] {
			t.Fatalf("flow %d: lookup = %v, want %v", i, got, pols[i])
		}
		got, err := e.st.FindByID(DirOut, TypeMain, pols[i].Index(), false)
		if err != nil || got != pols[i] {
			t.Fatalf("FindByID %d after resize: %v %v", i, got, err)
		}
		got.Release()
	}
	e.hooks.mu.Lock()
	buckets := e.hooks.resized["out"]
	e.hooks.mu.Unlock()
	if buckets != 32 {
		t.Fatalf("HashResized(out) last = %d, want 32", buckets)
	}
}

func TestIndexTableGrowsWithTotal(t *testing.T) {
	e := newTestStore(t, nil)
	// five inexact policies per direction: no exact table fills up
	for dir := DirIn; dir <= DirFwd; dir++ {
		for i := 0; i < 5; i++ {
			s := sel(fmt.Sprintf("10.%d.%d.0/24", dir, i), "0.0.0.0/0")
			mustInsert(t, e.st, dir, newPolicy(s, 1, ActionAllow))
		}
	}
	eventually(t, "index table resize", func() bool { return e.st.Info().IdxHashMask == 15 })

	impl := mustImpl(t, e.st)
	impl.mu.RLock()
	defer impl.mu.RUnlock()
	for dir := DirIn; dir <= DirFwd; dir++ {
		if hm := impl.dirs[dir].exact.hmask; hm != 7 {
			t.Fatalf("%v exact hmask = %d, want 7", dir, hm)
		}
	}
}

func TestWalkPaging(t *testing.T) {
	e := newTestStore(t, nil)
	w := e.st.NewWalker(TypeAny)
	if err := e.st.Walk(w, func(*Policy, Direction, int) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("walk of empty store err = %v", err)
	}

	var want []*Policy
	for i := 0; i < 5; i++ {
		s := selector.FromPrefixes(netip.PrefixFrom(netip.AddrFrom4([4]byte{10, byte(i), 0, 0}), 16), netip.MustParsePrefix("0.0.0.0/0"))
		want = append(want, mustInsert(t, e.st, Direction(i%3), newPolicy(s, 1, ActionAllow)))
	}

	errFull := errors.New("page full")
	var got []*Policy
	var seqs []int
	budget := 0
	visit := func(p *Policy, dir Direction, seq int) error {
		if budget == 0 {
			return errFull
		}
		if dir != p.Direction() {
			t.Fatalf("dir %v for policy in %v", dir, p.Direction())
		}
		budget--
		got = append(got, p)
		seqs = append(seqs, seq)
		return nil
	}

	pages := 0
	for {
		budget = 2
		err := e.st.Walk(w, visit)
		pages++
		if err == nil {
			break
		}
		if !errors.Is(err, errFull) {
			t.Fatalf("Walk: %v", err)
		}
		// a policy removed between pages is skipped
		if pages == 2 {
			_ = e.st.Delete(want[4], want[4].Direction())
			want = want[:4]
		}
	}
	if pages != 2 && pages != 3 {
		t.Fatalf("pages = %d", pages)
	}
	if len(got) != len(want) {
		t.Fatalf("visited %d policies, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] || seqs[i] != i {
			t.Fatalf("visit %d = %v seq %d, want %v seq %d", i, got[i], seqs[i], want[i], i)
		}
	}

	// finished walkers stay finished
	budget = 10
	if err := e.st.Walk(w, visit); err != nil || len(got) != len(want) {
		t.Fatalf("finished walk revisited: err=%v n=%d", err, len(got))
	}
	e.st.WalkDone(w)

	if err := e.st.Walk(&Walker{typ: Type(7)}, visit); !errors.Is(err, ErrInvalid) {
		t.Fatalf("bad walk type err = %v", err)
	}
}

func TestInsertValidation(t *testing.T) {
	e := newTestStore(t, nil)
	p := newPolicy(sel("10.0.0.0/24", "0.0.0.0/0"), 1, ActionAllow)
	defer p.Release()
	if err := e.st.Insert(DirSocketIn, p, false); !errors.Is(err, ErrInvalid) {
		t.Fatalf("socket direction err = %v", err)
	}
	p.Type = TypeSub
	if err := e.st.Insert(DirOut, p, false); !errors.Is(err, ErrInvalid) {
		t.Fatalf("sub policy without SubPolicy err = %v", err)
	}
	bad := NewPolicy(&Policy{Selector: selector.Selector{Family: selector.FamilyIPv4, PrefixLenD: 33}})
	defer bad.Release()
	if err := e.st.Insert(DirOut, bad, false); !errors.Is(err, ErrInvalid) {
		t.Fatalf("bad selector err = %v", err)
	}
}

func TestCloseKillsEverything(t *testing.T) {
	e := newTestStore(t, nil)
	p := newPolicy(sel("10.0.0.0/24", "0.0.0.0/0"), 1, ActionAllow)
	if err := e.st.Insert(DirOut, p, false); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := e.st.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !p.Dead() || p.Refs() != 1 {
		t.Fatalf("after Close dead=%v refs=%d, want dead with caller ref only", p.Dead(), p.Refs())
	}
	p.Release()

	q := newPolicy(sel("10.0.0.0/24", "0.0.0.0/0"), 1, ActionAllow)
	defer q.Release()
	if err := e.st.Insert(DirOut, q, false); !errors.Is(err, ErrClosed) {
		t.Fatalf("Insert after Close err = %v", err)
	}
}
