package spdcache

import (
	"math"
	"time"
)

const noExpiry = time.Duration(math.MaxInt64)

// lifetimeCheck evaluates p's limits at now. next is the delay until the
// limits need another look, 0 when none is set. A passed soft limit is
// re-announced every kmTimeout.
func (s *store) lifetimeCheck(p *Policy, now time.Time) (next time.Duration, hard, soft bool) {
	lt := p.Lifetime
	used := p.UseTime()
	if used.IsZero() {
		used = p.addTime
	}

	next = noExpiry
	check := func(limit time.Duration, since time.Time, isHard bool) {
		if limit <= 0 {
			return
		}
		tmo := since.Add(limit).Sub(now)
		if tmo <= 0 {
			if isHard {
				hard = true
				return
			}
			soft = true
			tmo = s.kmTimeout
		}
		next = min(next, tmo)
	}
	check(lt.HardAddExpires, p.addTime, true)
	check(lt.HardUseExpires, used, true)
	check(lt.SoftAddExpires, p.addTime, false)
	check(lt.SoftUseExpires, used, false)
	if next == noExpiry {
		next = 0
	}
	return next, hard, soft
}

// armTimer schedules the first lifetime check of a freshly linked policy.
func (s *store) armTimer(p *Policy, now time.Time) {
	if p.Lifetime.zero() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if next, _, _ := s.lifetimeCheck(p, now); next > 0 {
		s.armTimerLocked(p, next)
	}
}

// armTimerLocked (re)starts p's timer. An armed timer owns one reference on
// p; whoever clears timerArmed releases it. Caller holds p.mu.
func (s *store) armTimerLocked(p *Policy, d time.Duration) {
	p.timerSeq++
	seq := p.timerSeq
	if !p.timerArmed {
		p.timerArmed = true
		p.Hold()
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(d, func() { s.policyTimer(p, seq) })
}

func (s *store) policyTimer(p *Policy, seq uint64) {
	p.mu.Lock()
	if p.dead || !p.timerArmed || p.timerSeq != seq {
		// cancelled or superseded; the canceller owns the reference
		p.mu.Unlock()
		return
	}
	p.timerArmed = false
	next, hard, soft := s.lifetimeCheck(p, time.Now())
	if !hard && next > 0 {
		s.armTimerLocked(p, next)
	}
	dir := p.dir
	p.mu.Unlock()

	switch {
	case hard:
		if err := s.Delete(p, dir); err == nil {
			s.log.Info("policy expired", Fields{"index": p.index, "dir": dir.String()})
			s.hooks.PolicyExpired(p.index, dir, true)
		}
	case soft:
		s.log.Debug("policy soft limit reached", Fields{"index": p.index, "dir": dir.String()})
		s.hooks.PolicyExpired(p.index, dir, false)
	}
	p.Release()
}

// cancelTimer stops p's timer and drops its reference if it was armed.
func (s *store) cancelTimer(p *Policy) {
	p.mu.Lock()
	p.timerSeq++
	if p.timer != nil {
		p.timer.Stop()
	}
	armed := p.timerArmed
	p.timerArmed = false
	p.mu.Unlock()
	if armed {
		p.Release()
	}
}
