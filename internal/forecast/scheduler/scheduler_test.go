package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/tutu-network/forecast-core/internal/config"
	"github.com/tutu-network/forecast-core/internal/domain"
	"github.com/tutu-network/forecast-core/internal/forecast/checkpoint"
	"github.com/tutu-network/forecast-core/internal/forecast/feature"
	"github.com/tutu-network/forecast-core/internal/forecast/trainer"
)

type fakeObsStore struct {
	mu     sync.Mutex
	byItem map[string][]domain.Observation
}

func newFakeObsStore() *fakeObsStore { return &fakeObsStore{byItem: make(map[string][]domain.Observation)} }

func (f *fakeObsStore) Append(ctx context.Context, obs domain.Observation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byItem[obs.ItemID] = append(f.byItem[obs.ItemID], obs)
	sort.Slice(f.byItem[obs.ItemID], func(i, j int) bool {
		return f.byItem[obs.ItemID][i].Timestamp.Before(f.byItem[obs.ItemID][j].Timestamp)
	})
	return nil
}

func (f *fakeObsStore) Range(ctx context.Context, itemID string, from, to time.Time) (domain.ObservationIterator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Observation
	for _, o := range f.byItem[itemID] {
		if (o.Timestamp.Equal(from) || o.Timestamp.After(from)) && (o.Timestamp.Equal(to) || o.Timestamp.Before(to)) {
			out = append(out, o)
		}
	}
	return &sliceIterator{items: out, idx: -1}, nil
}

func (f *fakeObsStore) Last(ctx context.Context, itemID string) (*domain.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obs := f.byItem[itemID]
	if len(obs) == 0 {
		return nil, nil
	}
	last := obs[len(obs)-1]
	return &last, nil
}

func (f *fakeObsStore) ItemIDs(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.byItem))
	for id := range f.byItem {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

type sliceIterator struct {
	items []domain.Observation
	idx   int
}

func (s *sliceIterator) Next() bool                      { s.idx++; return s.idx < len(s.items) }
func (s *sliceIterator) Observation() domain.Observation { return s.items[s.idx] }
func (s *sliceIterator) Err() error                      { return nil }
func (s *sliceIterator) Close() error                    { return nil }

type fakeModelStore struct {
	mu    sync.Mutex
	byKey map[string]domain.ModelCheckpoint
}

func newFakeModelStore() *fakeModelStore { return &fakeModelStore{byKey: make(map[string]domain.ModelCheckpoint)} }

func (f *fakeModelStore) Load(ctx context.Context, key string) (*domain.ModelCheckpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ckpt, ok := f.byKey[key]
	if !ok {
		return nil, nil
	}
	return &ckpt, nil
}
func (f *fakeModelStore) Store(ctx context.Context, key string, ckpt domain.ModelCheckpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byKey[key] = ckpt
	return nil
}
func (f *fakeModelStore) ListCategories(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeModelStore) Quarantine(ctx context.Context, key, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byKey, key)
	return nil
}

type fakeAuditSink struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (f *fakeAuditSink) Log(ctx context.Context, entry domain.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func testConfig() config.TrainingConfig {
	cfg := config.DefaultConfig().Training
	cfg.RegistryCapacity = 100
	cfg.RetrainIntervalDays = 7
	cfg.MaxParallelRetrains = 2
	return cfg
}

func descriptorFor(itemID string) domain.ItemDescriptor {
	return domain.ItemDescriptor{Category: "Dairy", HouseholdSize: 2, QuantityMax: 4}
}

func setup(clock *time.Time, cfg config.TrainingConfig) (*Scheduler, *trainer.Trainer, *fakeObsStore) {
	obs := newFakeObsStore()
	models := newFakeModelStore()
	audit := &fakeAuditSink{}
	tr := trainer.New(cfg, obs, models, audit, feature.NewBuilder(time.UTC), func() time.Time { return *clock })
	lookup := func(ctx context.Context, itemID string) (domain.ItemDescriptor, error) {
		return descriptorFor(itemID), nil
	}
	sched := New(cfg, tr, obs, audit, lookup, func() time.Time { return *clock })
	return sched, tr, obs
}

func TestRunCycle_SkipsItemsNotYetDue(t *testing.T) {
	clock := time.Date(2026, time.March, 1, 8, 0, 0, 0, time.UTC)
	cfg := testConfig()
	sched, tr, _ := setup(&clock, cfg)

	ctx := context.Background()
	if err := tr.OnObservation(ctx, "milk", descriptorFor("milk"), 3, clock, 4); err != nil {
		t.Fatalf("seed: %v", err)
	}

	stats := sched.RunCycle(ctx)
	if stats.Dispatched != 0 {
		t.Errorf("Dispatched = %d, want 0 (not yet due)", stats.Dispatched)
	}
}

func TestRunCycle_DispatchesDueItemsAndRetrains(t *testing.T) {
	clock := time.Date(2026, time.March, 1, 8, 0, 0, 0, time.UTC)
	cfg := testConfig()
	sched, tr, _ := setup(&clock, cfg)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ts := clock.AddDate(0, 0, i)
		if err := tr.OnObservation(ctx, "milk", descriptorFor("milk"), 4-float64(i)*0.2, ts, 4); err != nil {
			t.Fatalf("seed[%d]: %v", i, err)
		}
	}
	clock = clock.AddDate(0, 0, 8) // past the 7-day retrain interval

	stats := sched.RunCycle(ctx)
	if stats.Dispatched != 1 {
		t.Errorf("Dispatched = %d, want 1", stats.Dispatched)
	}
	if stats.Succeeded != 1 {
		t.Errorf("Succeeded = %d, want 1, failed=%d", stats.Succeeded, stats.Failed)
	}

	entry, ok := tr.Registry().Get("milk")
	if !ok {
		t.Fatal("expected milk to remain hot after retrain")
	}
	if entry.LastFullRetrainAt != clock {
		t.Errorf("LastFullRetrainAt = %v, want %v", entry.LastFullRetrainAt, clock)
	}
}

func TestRunCycle_BoundsConcurrencyToMaxParallel(t *testing.T) {
	clock := time.Date(2026, time.March, 1, 8, 0, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.MaxParallelRetrains = 1
	sched, tr, _ := setup(&clock, cfg)

	ctx := context.Background()
	items := []string{"milk", "eggs", "bread"}
	for _, id := range items {
		for i := 0; i < 3; i++ {
			ts := clock.AddDate(0, 0, i)
			if err := tr.OnObservation(ctx, id, descriptorFor(id), 4-float64(i)*0.3, ts, 4); err != nil {
				t.Fatalf("seed %s[%d]: %v", id, i, err)
			}
		}
	}
	clock = clock.AddDate(0, 0, 8)

	stats := sched.RunCycle(ctx)
	if stats.Dispatched != len(items) {
		t.Errorf("Dispatched = %d, want %d", stats.Dispatched, len(items))
	}
	if len(sched.sem) != 0 {
		t.Errorf("expected semaphore fully drained after cycle, got %d held", len(sched.sem))
	}
}

func TestRunCycle_DispatchesColdItemsNeverLoadedIntoTheRegistry(t *testing.T) {
	clock := time.Date(2026, time.March, 1, 8, 0, 0, 0, time.UTC)
	cfg := testConfig()
	obs := newFakeObsStore()
	models := newFakeModelStore()
	audit := &fakeAuditSink{}
	tr := trainer.New(cfg, obs, models, audit, feature.NewBuilder(time.UTC), func() time.Time { return clock })
	lookup := func(ctx context.Context, itemID string) (domain.ItemDescriptor, error) {
		return descriptorFor(itemID), nil
	}
	sched := New(cfg, tr, obs, audit, lookup, func() time.Time { return clock })

	// Written straight to the observation store and the model store,
	// bypassing tr.OnObservation, so "milk" is never hot in the trainer's
	// registry when RunCycle scans — exactly the post-restart or
	// evicted-under-LRU-pressure case. The item's own checkpoint says it
	// was last trained 8 days ago, past the 7-day interval.
	ctx := context.Background()
	if err := obs.Append(ctx, domain.Observation{
		ItemID: "milk", Timestamp: clock.AddDate(0, 0, -1), Quantity: 3, Source: domain.SourceSensor,
	}); err != nil {
		t.Fatalf("seed observation: %v", err)
	}
	ckpt := checkpoint.NewCheckpoint(
		checkpoint.ItemKey("milk"), "model-milk", 1,
		checkpoint.DefaultParameters(feature.Width),
		domain.ModelState{Q: 3, R: 0.2},
		domain.Covariance{},
		domain.TrainingStats{},
		nil,
		clock.AddDate(0, 0, -8),
	)
	if err := models.Store(ctx, checkpoint.ItemKey("milk"), ckpt); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	if _, ok := tr.Registry().Get("milk"); ok {
		t.Fatal("precondition: milk must not already be hot in the registry")
	}

	stats := sched.RunCycle(ctx)
	if stats.Dispatched != 1 {
		t.Errorf("Dispatched = %d, want 1 for a cold item never loaded into the registry", stats.Dispatched)
	}
}

func TestRunCycle_RecordsFailureWhenDescriptorLookupErrors(t *testing.T) {
	clock := time.Date(2026, time.March, 1, 8, 0, 0, 0, time.UTC)
	cfg := testConfig()
	obs := newFakeObsStore()
	models := newFakeModelStore()
	audit := &fakeAuditSink{}
	tr := trainer.New(cfg, obs, models, audit, feature.NewBuilder(time.UTC), func() time.Time { return clock })
	lookup := func(ctx context.Context, itemID string) (domain.ItemDescriptor, error) {
		return domain.ItemDescriptor{}, errors.New("item not found in inventory")
	}
	sched := New(cfg, tr, obs, audit, lookup, func() time.Time { return clock })

	ctx := context.Background()
	if err := tr.OnObservation(ctx, "milk", descriptorFor("milk"), 3, clock, 4); err != nil {
		t.Fatalf("seed: %v", err)
	}
	clock = clock.AddDate(0, 0, 8)

	stats := sched.RunCycle(ctx)
	if stats.Dispatched != 1 || stats.Failed != 1 {
		t.Errorf("got dispatched=%d failed=%d, want 1/1", stats.Dispatched, stats.Failed)
	}
}

func TestStartStop_TerminatesCleanly(t *testing.T) {
	clock := time.Date(2026, time.March, 1, 8, 0, 0, 0, time.UTC)
	sched, _, _ := setup(&clock, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx, time.Hour)
	sched.Stop()
}
