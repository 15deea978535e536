// Package resilience provides the key pool, cooldown handling and retry policy used to
// talk to rate-limited model providers.
package resilience

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/abdhe/chart-signal/pkg/metrics"
)

// DefaultCooldown is how long a rate-limited key stays out of rotation.
const DefaultCooldown = 60 * time.Second

// Outcome is the result of using a key, as reported back to the pool.
type Outcome int

const (
	OutcomeSuccess       Outcome = iota // Call succeeded
	OutcomeRateLimited                  // Provider throttled the key
	OutcomeQuotaExceeded                // Key ran out of quota
	OutcomeFailed                       // Failure unrelated to the key
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeQuotaExceeded:
		return "quota_exceeded"
	default:
		return "failed"
	}
}

// KeyRecord is the per-credential state tracked by the pool.
type KeyRecord struct {
	key           string
	Available     bool
	CooldownUntil time.Time // Zero when not cooling down
	RequestCount  int64
	LastUsedAt    time.Time
	Successes     int64
	RateLimits    int64
}

// Masked returns the loggable form of the key.
func (r *KeyRecord) Masked() string { return MaskKey(r.key) }

// expired reports whether a cooldown was set and has elapsed at now.
func (r *KeyRecord) expired(now time.Time) bool {
	return !r.CooldownUntil.IsZero() && !now.Before(r.CooldownUntil)
}

// eligible reports whether the record can be selected at now, treating an elapsed
// cooldown as already released.
func (r *KeyRecord) eligible(now time.Time) bool {
	if r.expired(now) {
		return true
	}
	return r.Available && r.CooldownUntil.IsZero()
}

// release puts an expired record back into rotation.
func (r *KeyRecord) release() {
	r.Available = true
	r.CooldownUntil = time.Time{}
}

// Lease is a key handed out by Next for a single call.
type Lease struct {
	Key    string
	Masked string
	index  int
}

// KeyPool manages a pool of API keys with round-robin rotation and per-key cooldown
// after rate-limit or quota failures. All methods are safe for concurrent use.
type KeyPool struct {
	mu       sync.Mutex
	name     string
	records  []*KeyRecord
	byKey    map[string]int
	current  int
	cooldown time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// Option configures a KeyPool.
type Option func(*KeyPool)

// WithCooldown sets how long a throttled key is kept out of rotation.
func WithCooldown(d time.Duration) Option {
	return func(kp *KeyPool) {
		if d > 0 {
			kp.cooldown = d
		}
	}
}

// WithLogger sets the logger used for key transition events.
func WithLogger(l zerolog.Logger) Option {
	return func(kp *KeyPool) { kp.log = l }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(kp *KeyPool) { kp.now = now }
}

// WithName sets the pool name used in logs and metric labels.
func WithName(name string) Option {
	return func(kp *KeyPool) { kp.name = name }
}

// NewKeyPool creates a key pool from a list of API keys. Blank and duplicate keys are
// dropped; order is otherwise preserved.
func NewKeyPool(keys []string, opts ...Option) *KeyPool {
	kp := &KeyPool{
		name:     "default",
		byKey:    make(map[string]int, len(keys)),
		cooldown: DefaultCooldown,
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(kp)
	}

	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, dup := kp.byKey[k]; dup {
			continue
		}
		kp.byKey[k] = len(kp.records)
		kp.records = append(kp.records, &KeyRecord{key: k, Available: true})
	}

	kp.log = kp.log.With().Str("pool", kp.name).Logger()
	kp.log.Info().Int("keys", len(kp.records)).Dur("cooldown", kp.cooldown).Msg("key pool created")
	kp.publishLocked(kp.now())
	return kp
}

// Next returns the next eligible key using round-robin selection, starting at the
// rotation cursor. Selecting a key counts as using it. The boolean is false when every
// key is cooling down or the pool is empty.
func (kp *KeyPool) Next() (*Lease, bool) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	n := len(kp.records)
	if n == 0 {
		return nil, false
	}

	now := kp.now()
	for i := 0; i < n; i++ {
		idx := (kp.current + i) % n
		rec := kp.records[idx]
		if !rec.eligible(now) {
			continue
		}
		if rec.expired(now) {
			rec.release()
			kp.log.Info().Str("key", rec.Masked()).Msg("key cooldown elapsed, restored on selection")
		}

		kp.current = (idx + 1) % n
		rec.RequestCount++
		rec.LastUsedAt = now
		kp.publishLocked(now)

		kp.log.Debug().
			Str("key", rec.Masked()).
			Int("index", idx).
			Int64("requests", rec.RequestCount).
			Msg("key selected")
		return &Lease{Key: rec.key, Masked: rec.Masked(), index: idx}, true
	}

	return nil, false
}

// Mark records the outcome of using key. Rate-limit and quota failures put the key
// into cooldown; other failures leave it untouched. Unknown keys are ignored.
func (kp *KeyPool) Mark(key string, outcome Outcome) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	idx, ok := kp.byKey[key]
	if !ok {
		kp.log.Warn().Str("key", MaskKey(key)).Msg("attempted to mark unknown key")
		return
	}
	rec := kp.records[idx]
	now := kp.now()

	switch outcome {
	case OutcomeSuccess:
		rec.Successes++
		kp.log.Debug().Str("key", rec.Masked()).Msg("key call succeeded")
	case OutcomeRateLimited, OutcomeQuotaExceeded:
		rec.Available = false
		rec.CooldownUntil = now.Add(kp.cooldown)
		rec.RateLimits++
		metrics.KeyCooldownsTotal.WithLabelValues(kp.name, outcome.String()).Inc()
		kp.log.Warn().
			Str("key", rec.Masked()).
			Str("reason", outcome.String()).
			Time("cooldown_until", rec.CooldownUntil).
			Msg("key placed in cooldown")
	default:
		kp.log.Debug().Str("key", rec.Masked()).Msg("key call failed, key not penalised")
	}
	kp.publishLocked(now)
}

// NextRelease returns the shortest remaining cooldown among keys that are cooling
// down. The boolean is false when no key is in cooldown.
func (kp *KeyPool) NextRelease() (time.Duration, bool) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	now := kp.now()
	var (
		earliest time.Time
		found    bool
	)
	for _, rec := range kp.records {
		if rec.CooldownUntil.IsZero() {
			continue
		}
		if !found || rec.CooldownUntil.Before(earliest) {
			earliest = rec.CooldownUntil
			found = true
		}
	}
	if !found {
		return 0, false
	}

	wait := earliest.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// ReleaseExpired restores every key whose cooldown has elapsed and returns how many
// were restored.
func (kp *KeyPool) ReleaseExpired() int {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	now := kp.now()
	released := 0
	for _, rec := range kp.records {
		if !rec.expired(now) {
			continue
		}
		rec.release()
		released++
		kp.log.Info().Str("key", rec.Masked()).Msg("key cooldown elapsed, restored by sweeper")
	}
	if released > 0 {
		kp.publishLocked(now)
	}
	return released
}

// Size returns the number of keys in the pool.
func (kp *KeyPool) Size() int {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	return len(kp.records)
}

// Name returns the pool name.
func (kp *KeyPool) Name() string { return kp.name }

// Cooldown returns the configured cooldown duration.
func (kp *KeyPool) Cooldown() time.Duration { return kp.cooldown }

// publishLocked updates the pool gauges. Must be called with mu held.
func (kp *KeyPool) publishLocked(now time.Time) {
	available := 0
	for _, rec := range kp.records {
		if rec.eligible(now) {
			available++
		}
	}
	metrics.PoolKeys.WithLabelValues(kp.name, "available").Set(float64(available))
	metrics.PoolKeys.WithLabelValues(kp.name, "cooling_down").Set(float64(len(kp.records) - available))
}

// MaskKey returns a key with everything but its first and last four characters hidden.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
