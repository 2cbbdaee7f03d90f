package spdcache

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/unkn0wn-root/spdcache/state"
)

var (
	// ErrNotFound: no matching policy. For lookups this usually means the
	// flow passes untransformed.
	ErrNotFound = errors.New("spdcache: policy not found")
	ErrExists   = errors.New("spdcache: policy exists")
	// ErrSecurityDenied: the security module rejected the context. Never retried.
	ErrSecurityDenied = errors.New("spdcache: denied by security module")
	ErrBlocked        = errors.New("spdcache: flow blocked by policy")
	// ErrAgain: a required transform is not established yet.
	ErrAgain = errors.New("spdcache: transform not ready, try again")
	// ErrCapacity: the policy chain needs more transforms than MaxDepth allows.
	ErrCapacity = errors.New("spdcache: too many chained transforms")
	// ErrStale: the world changed while a bundle was being built.
	ErrStale = errors.New("spdcache: bundle went stale during build")
	// ErrLarvalDrop asks the caller to drop traffic for the flow until a
	// transform is established.
	ErrLarvalDrop   = errors.New("spdcache: no transform yet, drop")
	ErrInvalid      = errors.New("spdcache: invalid argument")
	ErrStateInvalid = errors.New("spdcache: transform in error state")
	ErrClosed       = errors.New("spdcache: store closed")
)

// ResolveError reports the template that could not be satisfied.
type ResolveError struct {
	Index    uint32 // policy index
	Template int    // template position within the policy
	Tmpl     state.Template
	Err      error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve policy %d template %d (%v/%d): %v",
		e.Index, e.Template, e.Tmpl.Mode, e.Tmpl.Proto, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// RouteError wraps a routing failure while building a bundle.
type RouteError struct {
	Local  netip.Addr
	Remote netip.Addr
	Err    error
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("route %s -> %s: %v", e.Local, e.Remote, e.Err)
}

func (e *RouteError) Unwrap() error { return e.Err }
