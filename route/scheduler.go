package route

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type passRunner interface {
	RouteAll(ctx context.Context) error
}

// Scheduler runs routing passes on a fixed interval, plus on demand
// whenever Wake is called. Wakeups coalesce: any number of calls while a
// pass is pending trigger a single extra pass.
type Scheduler struct {
	runner   passRunner
	interval time.Duration
	wakeCh   chan struct{}
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler driving the given service.
func NewScheduler(runner passRunner, interval time.Duration) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:   runner,
		interval: interval,
		wakeCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the scheduling loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Wake requests a routing pass without waiting for the next tick. Never
// blocks.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Stop cancels any in-flight pass, halts the loop, and waits for it to
// exit.
func (s *Scheduler) Stop() {
	s.cancel()
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runPass()
	for {
		select {
		case <-ticker.C:
			s.runPass()
		case <-s.wakeCh:
			s.runPass()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) runPass() {
	if err := s.runner.RouteAll(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Routing pass failed")
	}
}
