// Package bigcache stores flow decisions in allegro/bigcache. Entries are a
// few dozen bytes, so the defaults size shards for many small values.
package bigcache

import (
	"context"
	"errors"
	"time"

	bc "github.com/allegro/bigcache/v3"

	pr "github.com/unkn0wn-root/spdcache/provider"
)

type Provider struct {
	c *bc.BigCache
}

var _ pr.Provider = (*Provider)(nil)

type Config struct {
	// LifeWindow is the TTL of every entry; bigcache has no per-entry TTL.
	// Keep it at or below the store's FlowTTL. 0 => 10m.
	LifeWindow         time.Duration
	CleanWindow        time.Duration // 0 => LifeWindow/2
	MaxEntriesInWindow int           // 0 => 1<<16
	MaxEntrySize       int           // bytes; 0 => 64
	HardMaxCacheSizeMB int           // 0 = unlimited
}

func New(cfg Config) (*Provider, error) {
	if cfg.LifeWindow <= 0 {
		cfg.LifeWindow = 10 * time.Minute
	}
	conf := bc.DefaultConfig(cfg.LifeWindow)
	conf.CleanWindow = cfg.LifeWindow / 2
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	conf.MaxEntriesInWindow = 1 << 16
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	conf.MaxEntrySize = 64
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	c, err := bc.New(context.Background(), conf)
	if err != nil {
		return nil, err
	}
	return &Provider{c: c}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := p.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Set ignores ttl and cost; see Config.LifeWindow.
func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	if err := p.c.Set(key, value); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	if err := p.c.Delete(key); err != nil && !errors.Is(err, bc.ErrEntryNotFound) {
		return err
	}
	return nil
}

func (p *Provider) Close(_ context.Context) error {
	return p.c.Close()
}
