// Package scheduler runs the clock-driven retrain sweep: on each tick, it
// enumerates known items, filters those due for a full retrain, and
// dispatches up to max_parallel retrains onto a bounded worker pool.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tutu-network/forecast-core/internal/config"
	"github.com/tutu-network/forecast-core/internal/domain"
	"github.com/tutu-network/forecast-core/internal/forecast/trainer"
)

// DescriptorLookup supplies the ItemDescriptor needed to retrain an item;
// the scheduler has no inventory knowledge of its own.
type DescriptorLookup func(ctx context.Context, itemID string) (domain.ItemDescriptor, error)

// Scheduler drives periodic retrains. It holds no per-item state of its
// own — only a reference to the trainer's registry and a worker pool.
type Scheduler struct {
	cfg        config.TrainingConfig
	trainer    *trainer.Trainer
	obsStore   domain.ObservationStore
	audit      domain.AuditSink
	descriptor DescriptorLookup
	now        func() time.Time

	sem chan struct{}

	mu        sync.Mutex
	running   bool
	stop      chan struct{}
	stopped   chan struct{}
	lastCycle CycleStats
}

// CycleStats summarizes one scheduler tick, for observability and tests.
type CycleStats struct {
	ScannedAt int64
	Scanned   int
	Dispatched int
	Succeeded  int
	Failed     int
}

// New builds a Scheduler. now defaults to time.Now when nil.
func New(cfg config.TrainingConfig, tr *trainer.Trainer, obsStore domain.ObservationStore, audit domain.AuditSink, descriptor DescriptorLookup, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	parallel := cfg.MaxParallelRetrains
	if parallel <= 0 {
		parallel = 4
	}
	return &Scheduler{
		cfg:        cfg,
		trainer:    tr,
		obsStore:   obsStore,
		audit:      audit,
		descriptor: descriptor,
		now:        now,
		sem:        make(chan struct{}, parallel),
	}
}

// Start runs the tick loop, one cycle every tickInterval (one minute when
// tickInterval is not positive), until ctx is cancelled or Stop is called.
// Safe to call once; a second call is a no-op.
func (s *Scheduler) Start(ctx context.Context, tickInterval time.Duration) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})
	s.mu.Unlock()

	if tickInterval <= 0 {
		tickInterval = time.Minute
	}

	go func() {
		defer close(s.stopped)
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.RunCycle(ctx)
			}
		}
	}()
}

// Stop signals the tick loop to exit and blocks until it has.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stop, stopped := s.stop, s.stopped
	s.running = false
	s.mu.Unlock()

	close(stop)
	<-stopped
}

// RunCycle performs one scan-and-dispatch pass synchronously: enumerate all
// known items, filter to those needing retrain, and run up to max_parallel
// of them concurrently. Cancellation is checked between item iterations so a
// cycle in flight never blocks online ingestion for other items.
func (s *Scheduler) RunCycle(ctx context.Context) CycleStats {
	stats := CycleStats{ScannedAt: s.now().Unix()}

	itemIDs, err := s.obsStore.ItemIDs(ctx)
	if err != nil {
		log.Printf("scheduler: failed to enumerate items: %v", err)
		return stats
	}
	stats.Scanned = len(itemIDs)

	var due []string
	for _, itemID := range itemIDs {
		if ctx.Err() != nil {
			return stats
		}
		descriptor, err := s.descriptor(ctx, itemID)
		if err != nil {
			log.Printf("scheduler: failed to resolve descriptor for %s: %v", itemID, err)
		}
		entry, err := s.trainer.EnsureLoaded(ctx, itemID, descriptor, descriptor.QuantityMax)
		if err != nil {
			log.Printf("scheduler: failed to load %s: %v", itemID, err)
			continue
		}
		if s.trainer.NeedsRetrain(entry, descriptor.QuantityMax) {
			due = append(due, itemID)
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, itemID := range due {
		if ctx.Err() != nil {
			break
		}
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		stats.Dispatched++
		wg.Add(1)
		go func(itemID string) {
			defer wg.Done()
			defer func() { <-s.sem }()

			retrainCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()

			desc, err := s.descriptor(retrainCtx, itemID)
			if err != nil {
				mu.Lock()
				stats.Failed++
				mu.Unlock()
				return
			}
			err = s.trainer.Retrain(retrainCtx, itemID, desc, desc.QuantityMax)

			mu.Lock()
			if err != nil {
				stats.Failed++
			} else {
				stats.Succeeded++
			}
			mu.Unlock()
		}(itemID)
	}
	wg.Wait()

	s.mu.Lock()
	s.lastCycle = stats
	s.mu.Unlock()
	return stats
}

// LastCycle returns the stats from the most recently completed cycle.
func (s *Scheduler) LastCycle() CycleStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCycle
}
