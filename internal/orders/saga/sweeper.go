package saga

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"fulfillment/internal/idempotency"

	"github.com/robfig/cron/v3"
)

const (
	DefaultSweepInterval = 60 * time.Second
	DefaultPurgeInterval = 5 * time.Minute
	DefaultRetention     = 7 * 24 * time.Hour
	DefaultSweepBatch    = 100
)

// SweeperConfig schedules timeout handling and cleanup.
type SweeperConfig struct {
	SweepInterval time.Duration
	PurgeInterval time.Duration
	// Retention is how long finished sagas are kept.
	Retention time.Duration
	BatchSize int
	Logf      func(format string, args ...any)
}

// Sweeper periodically fails sagas stuck past their step deadline and purges
// finished sagas and expired idempotency tokens.
type Sweeper struct {
	orchestrator *Orchestrator
	sagas        Store
	guard        *idempotency.Guard
	cfg          SweeperConfig
	logf         func(format string, args ...any)
	now          func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper wires a sweeper to the orchestrator's stores.
func NewSweeper(o *Orchestrator, cfg SweeperConfig) (*Sweeper, error) {
	if o == nil {
		return nil, errors.New("saga: sweeper requires an orchestrator")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = DefaultPurgeInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSweepBatch
	}
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Sweeper{
		orchestrator: o,
		sagas:        o.deps.Sagas,
		guard:        o.deps.Guard,
		cfg:          cfg,
		logf:         logf,
		now:          o.now,
	}, nil
}

// SweepTimeouts handles up to one batch of timed-out sagas and returns how
// many were failed and compensated.
func (s *Sweeper) SweepTimeouts(ctx context.Context) (int, error) {
	expired, err := s.sagas.ListTimedOut(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list timed out sagas: %w", err)
	}
	handled := 0
	var errs []error
	for _, st := range expired {
		if err := ctx.Err(); err != nil {
			return handled, err
		}
		ok, err := s.orchestrator.HandleTimeout(ctx, st.ID)
		if ok {
			handled++
		}
		if err != nil {
			// Another instance got there first.
			if errors.Is(err, ErrStaleState) {
				continue
			}
			errs = append(errs, fmt.Errorf("saga %s: %w", st.ID, err))
		}
	}
	return handled, errors.Join(errs...)
}

// PurgeFinished deletes finished sagas older than the retention window and
// expired idempotency tokens.
func (s *Sweeper) PurgeFinished(ctx context.Context) (sagas, tokens int64, err error) {
	sagas, err = s.sagas.PurgeFinished(ctx, s.now().Add(-s.cfg.Retention))
	if err != nil {
		return 0, 0, fmt.Errorf("purge sagas: %w", err)
	}
	if s.guard != nil {
		tokens, err = s.guard.PurgeExpired(ctx)
		if err != nil {
			return sagas, 0, fmt.Errorf("purge idempotency tokens: %w", err)
		}
	}
	return sagas, tokens, nil
}

// Start schedules both jobs. Runs of the same job never overlap.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("saga: sweeper already started")
	}

	logger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	sweep := func() {
		n, err := s.SweepTimeouts(ctx)
		if err != nil {
			s.logf("saga sweeper: timeouts: %v", err)
		}
		if n > 0 {
			s.logf("saga sweeper: handled %d timed out sagas", n)
		}
	}
	purge := func() {
		sagas, tokens, err := s.PurgeFinished(ctx)
		if err != nil {
			s.logf("saga sweeper: purge: %v", err)
			return
		}
		if sagas > 0 || tokens > 0 {
			s.logf("saga sweeper: purged %d sagas and %d idempotency tokens", sagas, tokens)
		}
	}

	if _, err := c.AddFunc("@every "+s.cfg.SweepInterval.String(), sweep); err != nil {
		return fmt.Errorf("schedule timeout sweep: %w", err)
	}
	if _, err := c.AddFunc("@every "+s.cfg.PurgeInterval.String(), purge); err != nil {
		return fmt.Errorf("schedule purge: %w", err)
	}
	c.Start()
	s.cron = c
	return nil
}

// Stop unschedules the jobs and waits for running ones to finish or ctx to end.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
