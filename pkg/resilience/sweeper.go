package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSweepInterval is how often the sweeper looks for expired cooldowns.
const DefaultSweepInterval = 5 * time.Second

// Sweeper periodically restores keys whose cooldown has elapsed. Selection already
// treats an elapsed cooldown as eligible; the sweeper keeps the reported state fresh.
type Sweeper struct {
	pool     *KeyPool
	interval time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper for pool. A non-positive interval uses DefaultSweepInterval.
func NewSweeper(pool *KeyPool, interval time.Duration, log zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		pool:     pool,
		interval: interval,
		log:      log.With().Str("component", "sweeper").Str("pool", pool.Name()).Logger(),
	}
}

// Start launches the sweep loop. It returns immediately; calling Start on a running
// sweeper is a no-op. The loop ends when ctx is done or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx, s.done)
	s.log.Debug().Dur("interval", s.interval).Msg("sweeper started")
}

// detach forgets the loop owning done so a later Start can launch a new one.
func (s *Sweeper) detach(done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == done {
		s.cancel()
		s.cancel, s.done = nil, nil
	}
}

// Stop ends the sweep loop and waits for it to exit. Safe to call more than once.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Debug().Msg("sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.detach(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.pool.ReleaseExpired(); n > 0 {
				s.log.Info().Int("released", n).Msg("cooldowns released")
			}
		}
	}
}
