// Package flowcache remembers the policy decision for individual flows.
//
// Every entry is framed with the policy generation observed before the table
// lookup that produced it. Reads validate the frame against the current
// generation and delete entries that are stale or corrupt, so bumping the
// generation (Invalidate) retires the whole cache at once without touching
// the provider.
//
// Keys:
//
//	flow:<ns>:<instance>:<dir>:<tuple> - one decision per table, direction and flow tuple
package flowcache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	c "github.com/unkn0wn-root/spdcache/codec"
	gen "github.com/unkn0wn-root/spdcache/genstore"
	"github.com/unkn0wn-root/spdcache/internal/util"
	"github.com/unkn0wn-root/spdcache/internal/wire"
	pr "github.com/unkn0wn-root/spdcache/provider"
	"github.com/unkn0wn-root/spdcache/selector"
)

const (
	defaultTTL      = 10 * time.Minute
	defaultMaxEntry = 256
	genKey          = "policy"
)

// Entry is a cached decision: the policy index and type that matched, or
// Found=false when no policy applies to the flow.
type Entry struct {
	Index uint32 `json:"i" msgpack:"i" cbor:"1,keyasint"`
	Type  uint8  `json:"t" msgpack:"t" cbor:"2,keyasint"`
	Found bool   `json:"f" msgpack:"f" cbor:"3,keyasint"`
}

type SetCostFunc func(key string, raw []byte) int64

// Options tune the cache. With a nil Provider the cache only tracks the
// generation: Get always misses and SetWithGen is a no-op.
type Options struct {
	Namespace string
	Provider  pr.Provider
	Codec     c.Codec[Entry] // nil => msgpack
	GenStore  gen.GenStore   // nil => LocalGenStore
	TTL       time.Duration  // 0 => 10m
	SetCost   SetCostFunc    // default 1
	// MaxEntrySize bounds decoded payloads; 0 => 256, negative disables.
	MaxEntrySize int
	// Instance scopes keys to one policy table. Entries carry table-local
	// policy indexes, so tables sharing a provider must not share keys.
	// "" => random.
	Instance string
}

type Cache struct {
	ns       string
	instance string
	provider pr.Provider
	codec    c.Codec[Entry]
	gen      gen.GenStore
	ttl      time.Duration
	setCost  SetCostFunc

	last atomic.Uint64 // last generation seen; served when the store fails
}

func New(opts Options) (*Cache, error) {
	if opts.Namespace == "" {
		return nil, errors.New("flowcache: namespace is required")
	}
	fc := &Cache{
		ns:       opts.Namespace,
		instance: opts.Instance,
		provider: opts.Provider,
		codec:    opts.Codec,
		gen:      opts.GenStore,
		ttl:      opts.TTL,
		setCost:  opts.SetCost,
	}
	if fc.instance == "" {
		fc.instance = uuid.NewString()
	}
	if fc.codec == nil {
		fc.codec = c.Msgpack[Entry]{}
	}
	if limit := coalesce(opts.MaxEntrySize, defaultMaxEntry); limit > 0 {
		fc.codec = c.Limit[Entry]{Inner: fc.codec, MaxDecode: limit}
	}
	if fc.gen == nil {
		fc.gen = gen.NewLocalGenStore()
	}
	if fc.ttl == 0 {
		fc.ttl = defaultTTL
	}
	if fc.setCost == nil {
		fc.setCost = func(string, []byte) int64 { return 1 }
	}
	return fc, nil
}

// Enabled reports whether decisions are stored.
func (fc *Cache) Enabled() bool { return fc.provider != nil }

// Key builds the storage key for a flow in a direction.
func (fc *Cache) Key(dir uint8, fl selector.Flow) string {
	return util.FlowKey("flow:"+fc.ns+":"+fc.instance, dir, fl)
}

// Instance returns the key scope of this cache.
func (fc *Cache) Instance() string { return fc.instance }

// Generation returns the current policy generation. On store errors the
// last value seen is returned along with the error.
func (fc *Cache) Generation(ctx context.Context) (uint64, error) {
	g, err := fc.gen.Snapshot(ctx, fc.genStorageKey())
	if err != nil {
		return fc.last.Load(), err
	}
	fc.last.Store(g)
	return g, nil
}

// Invalidate bumps the generation, retiring every cached decision.
func (fc *Cache) Invalidate(ctx context.Context) (uint64, error) {
	g, err := fc.gen.Bump(ctx, fc.genStorageKey())
	if err != nil {
		// local fallback keeps Genid moving so waiters still restart
		return fc.last.Add(1), err
	}
	fc.last.Store(g)
	return g, nil
}

func (fc *Cache) Get(ctx context.Context, key string) (Entry, bool, error) {
	var zero Entry
	if fc.provider == nil {
		return zero, false, nil
	}
	raw, ok, err := fc.provider.Get(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}
	g, payload, err := wire.Decode(raw)
	if err != nil {
		_ = fc.provider.Del(ctx, key) // self-heal corrupt
		return zero, false, nil
	}
	cur, err := fc.Generation(ctx)
	if err != nil {
		return zero, false, err
	}
	if g != cur {
		_ = fc.provider.Del(ctx, key)
		return zero, false, nil
	}
	e, err := fc.codec.Decode(payload)
	if err != nil {
		_ = fc.provider.Del(ctx, key) // self-heal
		return zero, false, nil
	}
	return e, true, nil
}

// SetWithGen stores e only if the generation is still observedGen.
// It reports whether the entry was written.
func (fc *Cache) SetWithGen(ctx context.Context, key string, e Entry, observedGen uint64) (bool, error) {
	if fc.provider == nil {
		return false, nil
	}
	cur, err := fc.Generation(ctx)
	if err != nil {
		return false, err
	}
	if cur != observedGen {
		// generation moved; skip stale write
		return false, nil
	}
	payload, err := fc.codec.Encode(e)
	if err != nil {
		return false, fmt.Errorf("flowcache: encode: %w", err)
	}
	b := wire.Encode(observedGen, payload)
	return fc.provider.Set(ctx, key, b, fc.setCost(key, b), fc.ttl)
}

func (fc *Cache) Del(ctx context.Context, key string) error {
	if fc.provider == nil {
		return nil
	}
	return fc.provider.Del(ctx, key)
}

func (fc *Cache) Close(ctx context.Context) error {
	var err error
	if fc.gen != nil {
		err = multierr.Append(err, fc.gen.Close(ctx))
	}
	if fc.provider != nil {
		err = multierr.Append(err, fc.provider.Close(ctx))
	}
	return err
}

func (fc *Cache) genStorageKey() string { return "gen:" + fc.ns + ":" + genKey }

func coalesce(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
