package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/spacedatanetwork/sdn-relay/internal/storage"
)

// SweeperConfig bounds eviction work.
type SweeperConfig struct {
	// Interval between sweep cycles.
	Interval time.Duration
	// BatchSize is the most messages a cycle deletes.
	BatchSize int
}

// DefaultSweeperConfig returns the daemon's eviction settings.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:  time.Minute,
		BatchSize: 500,
	}
}

// Sweeper periodically deletes expired messages.
type Sweeper struct {
	store storage.Store
	cfg   SweeperConfig
	now   func() time.Time

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	evicted atomic.Uint64
}

// NewSweeper creates a sweeper over store. Zero config fields take their
// defaults.
func NewSweeper(store storage.Store, cfg SweeperConfig, opts ...Option) *Sweeper {
	def := DefaultSweeperConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	o := buildOptions(opts)
	return &Sweeper{
		store: store,
		cfg:   cfg,
		now:   o.now,
	}
}

// SweepOnce runs a single eviction cycle and returns how many messages it
// removed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	n, err := s.store.DeleteExpired(ctx, wallClock(s.now), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.evicted.Add(uint64(n))
		log.Infof("Evicted %d expired messages", n)
	}
	return n, nil
}

// Evicted returns the number of messages removed since the sweeper was
// created.
func (s *Sweeper) Evicted() uint64 {
	return s.evicted.Load()
}

// Start launches the background loop. It runs until Stop is called or ctx
// is done. Starting a running sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx, s.stop, s.done)
	log.Debugf("Sweeper started (interval %s, batch %d)", s.cfg.Interval, s.cfg.BatchSize)
}

// Stop halts the background loop and waits for an in-flight cycle to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (s *Sweeper) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepWithRetry(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// sweepWithRetry runs one cycle, retrying storage failures with exponential
// backoff for at most one interval.
func (s *Sweeper) sweepWithRetry(ctx context.Context) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = s.cfg.Interval / 20
	expBackoff.MaxInterval = s.cfg.Interval / 2
	expBackoff.MaxElapsedTime = s.cfg.Interval

	err := backoff.RetryNotify(func() error {
		_, err := s.SweepOnce(ctx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(expBackoff, ctx), func(err error, next time.Duration) {
		log.Warnf("Sweep failed, retrying in %s: %v", next, err)
	})
	if err != nil && ctx.Err() == nil {
		log.Errorf("Sweep abandoned until next cycle: %v", err)
	}
}
