package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cppla/imghost/storage"
)

// DefaultSweepInterval matches the standalone deployment.
const DefaultSweepInterval = 12 * time.Hour

// Sweeper periodically deletes expired images. RunOnce is the same sweep run on demand.
type Sweeper struct {
	store    storage.ImageStore
	interval time.Duration
	now      func() time.Time
	log      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper returns a stopped sweeper.
func NewSweeper(store storage.ImageStore, interval time.Duration, now func() time.Time, log *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{store: store, interval: interval, now: now, log: log.Named("sweeper")}
}

// RunOnce deletes every image whose expiry is at or before now and returns the count.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	n, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("sweep expired images: %w", err)
	}
	return n, nil
}

// Start launches the periodic sweep. The first run happens one interval after Start.
// Calling Start on a running sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.log.Info("sweeper started", zap.Duration("interval", s.interval))
}

// Stop cancels the loop and waits for an in-flight sweep to return.
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
	s.log.Info("sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick never lets a failed or panicking sweep end the loop.
func (s *Sweeper) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("sweep panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	n, err := s.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("scheduled sweep failed", zap.Error(err))
		}
		return
	}
	if n > 0 {
		s.log.Info("scheduled sweep finished", zap.Int("deleted", n))
	}
}
