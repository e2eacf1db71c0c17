package syncer

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"okrsync/internal/repo"
)

const defaultInterval = 60 * time.Second

// Scheduler runs the processor on a timer. The interval is re-read from
// the persisted config after every run, so changing it takes effect on
// the next cycle without a restart.
type Scheduler struct {
	Processor *Processor
	Batch     int

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// Start launches the loop. Calling it while a loop is already running is
// a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx, s.stop, s.done)
}

// Stop signals the loop and waits for it to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stop, done := s.stop, s.done
	s.mu.Unlock()
	close(stop)
	<-done
}

func (s *Scheduler) loop(ctx context.Context, stop, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(done)
	}()
	for {
		sum, err := s.Processor.Run(ctx, Options{Batch: s.Batch})
		if err != nil {
			var nc NotConfiguredError
			if errors.As(err, &nc) {
				log.Printf("sync: configuration removed, stopping auto-sync")
				return
			}
			log.Printf("sync: run failed: %v", err)
		} else if sum.Processed > 0 {
			log.Printf("sync: processed %d (ok %d, failed %d)", sum.Processed, sum.Succeeded, sum.Failed)
		}
		interval, ok := s.nextInterval(ctx)
		if !ok {
			log.Printf("sync: auto-sync disabled, stopping")
			return
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// nextInterval reads the singleton fresh each cycle. A missing config or
// a cleared auto-sync flag ends the loop.
func (s *Scheduler) nextInterval(ctx context.Context) (time.Duration, bool) {
	cfg, err := s.Processor.Repo.GetSyncConfig(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, false
	}
	if err != nil {
		log.Printf("sync: read config failed: %v", err)
		return defaultInterval, true
	}
	if !cfg.AutoSyncEnabled {
		return 0, false
	}
	if cfg.SyncIntervalMs <= 0 {
		return defaultInterval, true
	}
	return time.Duration(cfg.SyncIntervalMs) * time.Millisecond, true
}
