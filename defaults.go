package spdcache

import "time"

const (
	defaultHashSize    = 8
	defaultHashMax     = 1 << 20
	defaultMaxDepth    = 6
	defaultMaxRestarts = 3
	defaultKMTimeout   = 30 * time.Second
	defaultNamespace   = "spd"
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
