// Package timer implements the scheduler's periodic sweep service
// (spec.md §4.8, C8): pulse checks, ping sweeps, and zombie sweeps all
// driven off one ticker. Grounded directly on the single-ticker,
// multiple-named-sweeps-per-tick shape of
// pkg/reconciler/reconciler.go's run/reconcile loop.
package timer

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/jobmesh/pkg/log"
)

// Sweeper is implemented by pkg/app and invoked once per elapsed
// interval for each of the three named sweeps.
type Sweeper interface {
	PulseCheck(now time.Time)
	PingSweep(now time.Time)
	ZombieSweep(now time.Time)
}

// Config holds the three independent sweep intervals. PulseInterval
// must already be bounded to ZombieInterval/5 by the caller (spec.md
// §4.8's "scheduler auto-bounds pulse_interval <= zombie_interval/5").
type Config struct {
	PulseInterval  time.Duration
	PingInterval   time.Duration
	ZombieInterval time.Duration
}

// Service runs the sweep loop as a single goroutine.
type Service struct {
	cfg     Config
	sweeper Sweeper
	logger  zerolog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New builds a timer service bound to sweeper.
func New(cfg Config, sweeper Sweeper) *Service {
	return &Service{
		cfg:     cfg,
		sweeper: sweeper,
		logger:  log.WithComponent("timer"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// tickPeriod is the ticker granularity: the shortest of the three
// configured intervals, per spec.md §4.8.
func (s *Service) tickPeriod() time.Duration {
	p := s.cfg.PulseInterval
	if s.cfg.PingInterval < p {
		p = s.cfg.PingInterval
	}
	if s.cfg.ZombieInterval < p {
		p = s.cfg.ZombieInterval
	}
	if p <= 0 {
		p = time.Second
	}
	return p
}

// Start begins the sweep loop in a new goroutine.
func (s *Service) Start() {
	go s.run()
}

// Stop terminates the sweep loop and waits for it to exit.
func (s *Service) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Service) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.tickPeriod())
	defer ticker.Stop()

	now := time.Now()
	lastPulse, lastPing, lastZombie := now, now, now

	s.logger.Info().Dur("period", s.tickPeriod()).Msg("timer service started")

	for {
		select {
		case t := <-ticker.C:
			if t.Sub(lastPulse) >= s.cfg.PulseInterval {
				s.sweeper.PulseCheck(t)
				lastPulse = t
			}
			if t.Sub(lastPing) >= s.cfg.PingInterval {
				s.sweeper.PingSweep(t)
				lastPing = t
			}
			if t.Sub(lastZombie) >= s.cfg.ZombieInterval {
				s.sweeper.ZombieSweep(t)
				lastZombie = t
			}
		case <-s.stopCh:
			s.logger.Info().Msg("timer service stopped")
			return
		}
	}
}
