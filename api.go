package spdcache

import (
	"context"
	"time"

	c "github.com/unkn0wn-root/spdcache/codec"
	"github.com/unkn0wn-root/spdcache/flowcache"
	gen "github.com/unkn0wn-root/spdcache/genstore"
	pr "github.com/unkn0wn-root/spdcache/provider"
	"github.com/unkn0wn-root/spdcache/route"
	"github.com/unkn0wn-root/spdcache/selector"
	"github.com/unkn0wn-root/spdcache/state"
)

// Store is the security policy database together with its bundle cache.
type Store interface {
	// Policy table
	Insert(dir Direction, p *Policy, exclusive bool) error
	FindBySelector(dir Direction, typ Type, sel selector.Selector, sc *SecContext, del bool) (*Policy, error)
	FindByID(dir Direction, typ Type, id uint32, del bool) (*Policy, error)
	Delete(p *Policy, dir Direction) error
	Flush(typ Type) error
	NewWalker(typ Type) *Walker
	Walk(w *Walker, fn WalkFunc) error
	WalkDone(w *Walker)
	Info() SPDInfo
	Genid() uint64

	// Flow resolution
	ResolveAndBuild(ctx context.Context, dir Direction, fl selector.Flow, base route.Route, opts ...LookupOption) (*Bundle, error)
	CheckInbound(ctx context.Context, dir Direction, fl selector.Flow, secpath []*state.Transform, opts ...LookupOption) bool

	// Per-socket policies
	InsertSocketPolicy(sk *Socket, dir Direction, p *Policy) error
	CloneSocket(sk *Socket) (*Socket, error)
	CloseSocket(sk *Socket)

	// Bundle maintenance; each returns how many bundles were unlinked.
	GarbageCollect() int
	FlushBundles() int
	PruneBundles(pred func(*Bundle) bool) int

	Close(context.Context) error
}

// SecurityModule is the optional label-based access check.
type SecurityModule interface {
	// PolicyLookup decides whether a flow labelled secid may use a policy
	// carrying sc. Return nil to allow, an error wrapping ErrNotFound for
	// "does not apply", anything else to deny.
	PolicyLookup(sc *SecContext, secid uint32, dir Direction) error
	// PolicyDelete authorizes removal of a policy carrying sc.
	PolicyDelete(sc *SecContext) error
	// StateFlowMatch reports whether x may carry fl under p.
	StateFlowMatch(x *state.Transform, p *Policy, fl selector.Flow) bool
}

// Options tune the store. Only States and Routes are required; others have
// sensible defaults. Tunables can be loaded from YAML with LoadOptions.
type Options struct {
	// Required
	States state.Resolver `yaml:"-"`
	Routes route.Resolver `yaml:"-"`

	Security SecurityModule `yaml:"-"` // nil => every context allowed
	Logger   Logger         `yaml:"-"` // if nil, NopLogger is used
	Hooks    Hooks          `yaml:"-"` // if nil, NopHooks is used

	InitialHashSize uint32        `yaml:"initial_hash_size"` // power of two; 0 => 8
	HashMax         uint32        `yaml:"hash_max"`          // 0 => 1<<20
	MaxDepth        int           `yaml:"max_depth"`         // 0 => 6
	MaxRestarts     int           `yaml:"max_restarts"`      // stale-splice retries; 0 => 3
	SubPolicy       bool          `yaml:"sub_policy"`        // enable TypeSub policies
	LarvalDrop      bool          `yaml:"larval_drop"`       // ErrAgain => ErrLarvalDrop
	KMTimeout       time.Duration `yaml:"km_timeout"`        // soft expiry re-notify; 0 => 30s
	GCInterval      time.Duration `yaml:"gc_interval"`       // periodic bundle sweep; 0 => off

	// Policy generation and flow cache
	Namespace    string                   `yaml:"namespace"`      // "" => "spd"
	GenStore     gen.GenStore             `yaml:"-"`              // nil => LocalGenStore
	FlowProvider pr.Provider              `yaml:"-"`              // nil => flow cache disabled
	FlowCodec    c.Codec[flowcache.Entry] `yaml:"-"`              // nil => msgpack
	FlowTTL      time.Duration            `yaml:"flow_ttl"`       // 0 => 10m
	FlowMaxEntry int                      `yaml:"flow_max_entry"` // decode limit; 0 => 256

	FlowCost flowcache.SetCostFunc `yaml:"-"` // default 1
}

func New(opts Options) (Store, error) {
	return newStore(opts)
}
