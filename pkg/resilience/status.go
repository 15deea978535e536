package resilience

import "time"

// KeyStatus is a read-only view of one key, safe to expose.
type KeyStatus struct {
	Key           string    `json:"key"`
	Available     bool      `json:"available"`
	RequestCount  int64     `json:"request_count"`
	Successes     int64     `json:"successes"`
	RateLimits    int64     `json:"rate_limits"`
	LastUsedAt    time.Time `json:"last_used_at,omitzero"`
	CooldownUntil time.Time `json:"cooldown_until,omitzero"`
	Cooldown      string    `json:"cooldown,omitempty"` // Remaining cooldown, e.g. "42s"
}

// PoolStats summarises the pool.
type PoolStats struct {
	Total       int `json:"total"`
	Available   int `json:"available"`
	CoolingDown int `json:"cooling_down"`
}

// Snapshot returns the status of every key in pool order. It never mutates the pool;
// a key whose cooldown has elapsed is reported as available even if the sweeper has
// not restored it yet.
func (kp *KeyPool) Snapshot() []KeyStatus {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	now := kp.now()
	out := make([]KeyStatus, 0, len(kp.records))
	for _, rec := range kp.records {
		st := KeyStatus{
			Key:          rec.Masked(),
			Available:    rec.eligible(now),
			RequestCount: rec.RequestCount,
			Successes:    rec.Successes,
			RateLimits:   rec.RateLimits,
			LastUsedAt:   rec.LastUsedAt,
		}
		if !st.Available {
			st.CooldownUntil = rec.CooldownUntil
			st.Cooldown = formatRemaining(rec.CooldownUntil.Sub(now))
		}
		out = append(out, st)
	}
	return out
}

// Stats returns pool totals.
func (kp *KeyPool) Stats() PoolStats {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	now := kp.now()
	stats := PoolStats{Total: len(kp.records)}
	for _, rec := range kp.records {
		if rec.eligible(now) {
			stats.Available++
		} else {
			stats.CoolingDown++
		}
	}
	return stats
}

func formatRemaining(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
