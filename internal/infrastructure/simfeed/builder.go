package simfeed

import (
	"sync"
	"time"
)

// Builder simulates a scene-lighting build that takes Duration to finish.
// A build cannot be aborted once started. Starting again while an older
// build runs is allowed: the older build finishes in the background and
// still fires its own completion, but only the newest build drives Progress.
type Builder struct {
	mu         sync.Mutex
	duration   time.Duration
	steps      int
	progress   float64
	generation uint64
	running    int
}

func NewBuilder(duration time.Duration, steps int) *Builder {
	if steps <= 0 {
		steps = 20
	}
	return &Builder{duration: duration, steps: steps}
}

func (b *Builder) Start(onComplete func()) error {
	b.mu.Lock()
	b.generation++
	gen := b.generation
	b.running++
	b.progress = 0
	b.mu.Unlock()

	go func() {
		step := b.duration / time.Duration(b.steps)
		for i := 1; i <= b.steps; i++ {
			if step > 0 {
				time.Sleep(step)
			}
			b.mu.Lock()
			if b.generation == gen {
				b.progress = float64(i) / float64(b.steps)
			}
			b.mu.Unlock()
		}
		b.mu.Lock()
		b.running--
		b.mu.Unlock()
		if onComplete != nil {
			onComplete()
		}
	}()
	return nil
}

// Progress reports the newest build's progress.
func (b *Builder) Progress() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.progress
}

// Builds reports how many builds have been started.
func (b *Builder) Builds() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.generation)
}

// Running reports how many builds have not finished yet.
func (b *Builder) Running() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}
