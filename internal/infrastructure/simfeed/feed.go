package simfeed

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Target receives replication events tagged with the mission sequence the
// stream was started for. The client loader satisfies it.
type Target interface {
	OnDatablockReceived(ctx context.Context, seq uint64, index, total int) error
	OnGhostCountStarted(ctx context.Context, seq uint64, count int) error
	OnGhostReceived(ctx context.Context, seq uint64) error
}

// FeedConfig sizes the simulated replication streams.
type FeedConfig struct {
	Datablocks int
	Ghosts     int
	Interval   time.Duration
}

// Feed simulates the datablock and ghost streams a server would replicate.
// Starting a stream cancels the previous one.
type Feed struct {
	mu     sync.Mutex
	cfg    FeedConfig
	target Target
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger
}

func NewFeed(cfg FeedConfig, logger zerolog.Logger) *Feed {
	if cfg.Datablocks < 0 {
		cfg.Datablocks = 0
	}
	if cfg.Ghosts < 0 {
		cfg.Ghosts = 0
	}
	return &Feed{
		cfg:    cfg,
		logger: logger.With().Str("service", "simfeed").Logger(),
	}
}

// Bind sets the receiver of replication events.
func (f *Feed) Bind(target Target) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.target = target
}

// BeginDatablocks streams 1..N datablocks. With no datablocks a single
// (0, 0) event is emitted so the phase still completes.
func (f *Feed) BeginDatablocks(seq uint64, missionPath string) {
	total := f.cfg.Datablocks
	f.run(seq, "datablocks", func(ctx context.Context, t Target) error {
		if total == 0 {
			return t.OnDatablockReceived(ctx, seq, 0, 0)
		}
		for i := 1; i <= total; i++ {
			if !f.wait(ctx) {
				return ctx.Err()
			}
			if err := t.OnDatablockReceived(ctx, seq, i, total); err != nil {
				return err
			}
		}
		return nil
	})
}

// BeginGhosts announces the ghost count and then streams each object.
func (f *Feed) BeginGhosts(seq uint64, missionPath string) {
	count := f.cfg.Ghosts
	f.run(seq, "ghosts", func(ctx context.Context, t Target) error {
		if err := t.OnGhostCountStarted(ctx, seq, count); err != nil {
			return err
		}
		for i := 0; i < count; i++ {
			if !f.wait(ctx) {
				return ctx.Err()
			}
			if err := t.OnGhostReceived(ctx, seq); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stop cancels the active stream and waits for it to exit.
func (f *Feed) Stop() {
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.mu.Unlock()
	f.wg.Wait()
}

// Wait blocks until every started stream has exited.
func (f *Feed) Wait() {
	f.wg.Wait()
}

func (f *Feed) run(seq uint64, stream string, fn func(ctx context.Context, t Target) error) {
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	target := f.target
	f.wg.Add(1)
	f.mu.Unlock()

	if target == nil {
		f.wg.Done()
		f.logger.Warn().Str("stream", stream).Msg("feed has no target")
		return
	}

	go func() {
		defer f.wg.Done()
		if err := fn(ctx, target); err != nil && ctx.Err() == nil {
			f.logger.Warn().Err(err).Str("stream", stream).Uint64("seq", seq).Msg("stream failed")
			return
		}
		f.logger.Debug().Str("stream", stream).Uint64("seq", seq).Msg("stream finished")
	}()
}

func (f *Feed) wait(ctx context.Context) bool {
	if f.cfg.Interval <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(f.cfg.Interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
