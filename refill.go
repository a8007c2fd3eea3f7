package dual_scope_limiter

import "time"

// Refill applies the token bucket rule to prev and consumes one token when one is
// available. A nil prev is a bucket that has never been seen, which starts full.
//
// Tokens are added in whole refill intervals only. The time left over from a partial
// interval is kept by not moving LastRefillAt until at least one interval has elapsed.
func Refill(prev *BucketState, cfg BucketConfig, now time.Time) (BucketState, Decision) {
	state := BucketState{Tokens: cfg.Capacity, LastRefillAt: now}
	if prev != nil {
		state = *prev
	}

	elapsed := now.Sub(state.LastRefillAt)
	if elapsed < 0 {
		elapsed = 0
	}

	if cfg.RefillInterval > 0 {
		if add := int64(elapsed/cfg.RefillInterval) * cfg.RefillRate; add > 0 {
			state.Tokens = min(cfg.Capacity, state.Tokens+add)
			state.LastRefillAt = now
		}
	}

	// state written under a larger capacity
	state.Tokens = min(max(state.Tokens, 0), cfg.Capacity)

	decision := Decision{
		Verdict: Deny,
		ResetAt: now.Add(cfg.RefillInterval),
	}
	if state.Tokens > 0 {
		state.Tokens--
		decision.Verdict = Allow
		decision.Remaining = state.Tokens
	}

	return state, decision
}
