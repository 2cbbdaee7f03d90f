// Package spdcache implements a security policy database (SPD) with a
// per-policy cache of resolved transform bundles, in the style of the XFRM
// policy engine. For each flow it finds the best policy, resolves the
// policy's templates into transform instances and chains them onto a base
// route, caching the result so repeated traffic skips the work.
//
// Components:
//   - Policy tables: per direction, exact selectors hashed by address pair
//     plus a priority-ordered inexact chain, an index hash and a walk list.
//   - Resolver: best-match lookup (sub policies first), template resolution
//     through a state.Resolver.
//   - Bundles: built on a route.Resolver, validated by generation ids and
//     route cookies, spliced at the head of the policy's list.
//   - Background workers: policy reclamation, hash resizing, optional
//     periodic bundle sweeps.
//   - Flow cache: optional generation-checked cache of policy decisions in
//     any provider.Provider; the generation is the SPD generation.
//
// Reference rules:
//
//	p := spdcache.NewPolicy(&spdcache.Policy{...}) // refs: caller
//	_ = store.Insert(spdcache.DirOut, p, false)     // refs: caller + table
//	p.Release()                                     // refs: table
//
//	b, err := store.ResolveAndBuild(ctx, spdcache.DirOut, fl, rt)
//	if b != nil {
//		defer b.Release()
//	}
//
// A (nil, nil) result means the flow passes untransformed.
//
// On Linux, package xfrmnl imports the kernel's policies and SAs.
package spdcache
