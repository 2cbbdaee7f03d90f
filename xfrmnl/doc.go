// Package xfrmnl converts kernel XFRM objects read over netlink into
// spdcache policies and state transforms, and imports whole kernel tables
// into a Store and a state.Table. Linux only.
package xfrmnl
