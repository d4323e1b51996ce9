// Package ratelimit implements the fixed-window rate limiter and flood guard
// over a shared in-process counter store.
package ratelimit

import "time"

// Policy parameterises a Limiter.
type Policy struct {
	Purpose Purpose
	Limit   int
	Window  time.Duration

	// Escalate enables strike-based penalties: each denial adds a strike and
	// the penalty is min(strikes*StrikePenalty, MaxPenalty). Without it every
	// denial carries the fixed Penalty.
	Escalate      bool
	StrikePenalty time.Duration
	MaxPenalty    time.Duration
	Penalty       time.Duration
}

// RatePolicy is the sustained-overuse policy with strike escalation.
func RatePolicy(limit int, window, strikePenalty, maxPenalty time.Duration) Policy {
	return Policy{
		Purpose:       PurposeRate,
		Limit:         limit,
		Window:        window,
		Escalate:      true,
		StrikePenalty: strikePenalty,
		MaxPenalty:    maxPenalty,
	}
}

// FloodPolicy is the short-window burst policy with a fixed penalty.
func FloodPolicy(limit int, window, penalty time.Duration) Policy {
	return Policy{
		Purpose: PurposeFlood,
		Limit:   limit,
		Window:  window,
		Penalty: penalty,
	}
}

// Result is the outcome of one Allow call.
type Result struct {
	Allowed    bool
	Count      int
	Strikes    int
	RetryAfter time.Duration // advisory, zero when allowed
	ResetAt    time.Time
}

// Limiter applies one Policy to a CounterStore.
type Limiter struct {
	store  *CounterStore
	policy Policy
	now    func() time.Time
}

// NewLimiter returns a Limiter. A nil now uses time.Now.
func NewLimiter(store *CounterStore, policy Policy, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{store: store, policy: policy, now: now}
}

// Purpose returns the counter namespace this limiter owns.
func (l *Limiter) Purpose() Purpose { return l.policy.Purpose }

// Allow charges one request to key and reports whether it is within the
// limit. The charge is never rolled back.
func (l *Limiter) Allow(key string) Result {
	now := l.now()
	var allowed bool

	rec := l.store.Update(l.policy.Purpose, key, func(cur Record, ok bool) Record {
		if !ok || now.After(cur.ResetAt) {
			allowed = true
			return Record{
				Count:   1,
				ResetAt: now.Add(l.policy.Window),
				Strikes: l.inheritedStrikes(cur, ok, now),
			}
		}
		if cur.Count < l.policy.Limit {
			allowed = true
			cur.Count++
			return cur
		}
		cur.Violated = true
		if l.policy.Escalate {
			cur.Strikes++
		}
		return cur
	})

	res := Result{
		Allowed: allowed,
		Count:   rec.Count,
		Strikes: rec.Strikes,
		ResetAt: rec.ResetAt,
	}
	if !allowed {
		res.RetryAfter = l.penalty(rec.Strikes)
	}
	return res
}

// inheritedStrikes carries strikes into a new window only when the expired
// window contained a violation and it ended less than one window ago.
func (l *Limiter) inheritedStrikes(prev Record, ok bool, now time.Time) int {
	if !ok || !l.policy.Escalate || !prev.Violated {
		return 0
	}
	if now.Sub(prev.ResetAt) >= l.policy.Window {
		return 0
	}
	return prev.Strikes
}

func (l *Limiter) penalty(strikes int) time.Duration {
	if !l.policy.Escalate {
		return l.policy.Penalty
	}
	d := time.Duration(strikes) * l.policy.StrikePenalty
	if l.policy.MaxPenalty > 0 && d > l.policy.MaxPenalty {
		d = l.policy.MaxPenalty
	}
	return d
}
