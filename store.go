package spdcache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/unkn0wn-root/spdcache/flowcache"
	"github.com/unkn0wn-root/spdcache/route"
	"github.com/unkn0wn-root/spdcache/state"
)

type store struct {
	states   state.Resolver
	routes   route.Resolver
	security SecurityModule
	log      Logger
	hooks    Hooks
	flows    *flowcache.Cache

	hashMax     uint32
	maxDepth    int
	maxRestarts int
	subPolicy   bool
	larvalDrop  bool
	kmTimeout   time.Duration
	gcInterval  time.Duration

	// mu guards every table below plus Policy.linked/walk and Socket slots.
	mu     sync.RWMutex
	dirs   [dirCount]dirTable
	counts [dirCount]int
	byIdx  hashTable
	all    *list.List // walk order; elements hold *Policy or *Walker
	idxGen uint32
	closed bool

	resizeMu sync.Mutex
	resizeCh chan struct{}

	gcMu   sync.Mutex
	gcList []*Policy
	gcKick chan struct{}

	// background workers
	stopCh    chan struct{}
	closeWg   sync.WaitGroup
	closeOnce sync.Once
}

var _ Store = (*store)(nil)

func newStore(opts Options) (*store, error) {
	if opts.States == nil {
		return nil, errors.New("spdcache: state resolver is required")
	}
	if opts.Routes == nil {
		return nil, errors.New("spdcache: route resolver is required")
	}
	size := coalesce[uint32](opts.InitialHashSize, defaultHashSize)
	if bits.OnesCount32(size) != 1 {
		return nil, fmt.Errorf("spdcache: initial hash size %d is not a power of two", size)
	}

	s := &store{
		states:     opts.States,
		routes:     opts.Routes,
		security:   opts.Security,
		subPolicy:  opts.SubPolicy,
		larvalDrop: opts.LarvalDrop,
		gcInterval: opts.GCInterval,
		all:        list.New(),
		resizeCh:   make(chan struct{}, 1),
		gcKick:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}

	// defaults
	s.log = coalesce[Logger](opts.Logger, NopLogger{})
	s.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	s.hashMax = coalesce[uint32](opts.HashMax, defaultHashMax)
	s.maxDepth = coalesce[int](opts.MaxDepth, defaultMaxDepth)
	s.maxRestarts = coalesce[int](opts.MaxRestarts, defaultMaxRestarts)
	s.kmTimeout = coalesce[time.Duration](opts.KMTimeout, defaultKMTimeout)

	fc, err := flowcache.New(flowcache.Options{
		Namespace: coalesce[string](opts.Namespace, defaultNamespace),
		Provider:  opts.FlowProvider,
		Codec:     opts.FlowCodec,
		GenStore:  opts.GenStore,
		TTL:       opts.FlowTTL,
		SetCost:   opts.FlowCost,

		MaxEntrySize: opts.FlowMaxEntry,
	})
	if err != nil {
		return nil, err
	}
	s.flows = fc

	for dir := range s.dirs {
		s.dirs[dir].exact = newHashTable(size)
	}
	s.byIdx = newHashTable(size)

	s.closeWg.Add(2)
	go s.resizeLoop()
	go s.gcLoop()
	return s, nil
}

// Close stops the background workers, kills every remaining policy and
// releases the flow cache. Policies still referenced by callers are
// destroyed when those references are released.
func (s *store) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		var victims []*Policy
		for e := s.all.Front(); e != nil; {
			next := e.Next()
			if p, ok := e.Value.(*Policy); ok && s.unlinkLocked(p) {
				victims = append(victims, p)
			}
			e = next
		}
		s.mu.Unlock()

		for _, p := range victims {
			s.kill(p)
		}
		close(s.stopCh)
		s.closeWg.Wait()
		s.runGC() // anything queued after the worker exited

		err = multierr.Append(err, s.flows.Close(ctx))
	})
	return err
}

// Genid returns the current policy generation.
func (s *store) Genid() uint64 {
	g, err := s.flows.Generation(context.Background())
	if err != nil {
		s.log.Warn("policy generation snapshot failed", Fields{"err": err})
		s.hooks.GenError("snapshot", err)
	}
	return g
}

// bumpGenid retires cached flow decisions and wakes restart checks.
func (s *store) bumpGenid() uint64 {
	g, err := s.flows.Invalidate(context.Background())
	if err != nil {
		s.log.Warn("policy generation bump failed", Fields{"err": err})
		s.hooks.GenError("bump", err)
	}
	return g
}
