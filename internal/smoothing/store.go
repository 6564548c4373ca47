// Package smoothing keeps an exponentially weighted moving average and an
// anomaly score per (entity, metric). All records live in one map keyed by
// identity; Evict drops records not updated within the TTL, so memory is
// bounded by the set of entities seen recently no matter how many processes
// have come and gone.
package smoothing

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/vitalis-app/governor/internal/models"
)

const (
	DefaultAlpha          = 0.1
	DefaultColdStartFloor = 5
	DefaultTTL            = 5 * time.Minute
	DefaultEpsilon        = 1e-6

	// parallelEvictMin is the record count below which a partitioned sweep
	// costs more than it saves.
	parallelEvictMin = 4096
)

// Config tunes the store.
type Config struct {
	Alpha          float64
	ColdStartFloor int
	TTL            time.Duration
	Epsilon        float64
	// Partitions > 1 lets Evict scan large stores in parallel.
	Partitions int
}

// DefaultConfig returns the stability-biased defaults.
func DefaultConfig() Config {
	return Config{
		Alpha:          DefaultAlpha,
		ColdStartFloor: DefaultColdStartFloor,
		TTL:            DefaultTTL,
		Epsilon:        DefaultEpsilon,
		Partitions:     1,
	}
}

// Validate checks the configuration ranges.
func (c Config) Validate() error {
	if c.Alpha <= 0 || c.Alpha > 1 {
		return fmt.Errorf("smoothing alpha must be in (0,1], got %v", c.Alpha)
	}
	if c.ColdStartFloor < 0 {
		return fmt.Errorf("cold start floor must not be negative")
	}
	if c.TTL <= 0 {
		return fmt.Errorf("smoothing ttl must be positive")
	}
	if c.Epsilon <= 0 {
		return fmt.Errorf("smoothing epsilon must be positive")
	}
	return nil
}

// Store is safe for one writer and any number of concurrent readers. Every
// method holds the lock for a single bounded operation.
type Store struct {
	cfg Config

	mu      sync.RWMutex
	records map[models.SmoothingKey]*models.SmoothingRecord
}

// New creates an empty store. Zero fields in cfg take their defaults.
func New(cfg Config) *Store {
	def := DefaultConfig()
	if cfg.Alpha == 0 {
		cfg.Alpha = def.Alpha
	}
	if cfg.TTL == 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = def.Epsilon
	}
	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}
	return &Store{
		cfg:     cfg,
		records: make(map[models.SmoothingKey]*models.SmoothingRecord),
	}
}

// Update folds raw into the EWMA for key and returns the new average and the
// anomaly score. The score is the deviation of raw from the average before
// this observation, relative to that average. It is zero until the record
// has seen ColdStartFloor observations.
func (s *Store) Update(key models.SmoothingKey, raw float64, now time.Time) (ewma, anomaly float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		rec = &models.SmoothingRecord{
			Key:          key,
			EWMA:         raw,
			Alpha:        s.cfg.Alpha,
			LastUpdated:  now,
			Observations: 1,
		}
		s.records[key] = rec
		return rec.EWMA, 0
	}

	prev := rec.EWMA
	rec.Observations++
	rec.EWMA = rec.Alpha*raw + (1-rec.Alpha)*prev
	rec.LastUpdated = now

	if rec.Observations < s.cfg.ColdStartFloor {
		rec.AnomalyScore = 0
	} else {
		rec.AnomalyScore = math.Abs(raw-prev) / math.Max(prev, s.cfg.Epsilon)
	}
	return rec.EWMA, rec.AnomalyScore
}

// Evict removes every record whose last update is older than the TTL and
// returns how many were removed. Large stores are scanned in parallel
// partitions; the call returns only after every partition is done.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.cfg.TTL)
	var expired []models.SmoothingKey
	if s.cfg.Partitions > 1 && len(s.records) >= parallelEvictMin {
		expired = s.scanPartitioned(cutoff)
	} else {
		for k, rec := range s.records {
			if rec.LastUpdated.Before(cutoff) {
				expired = append(expired, k)
			}
		}
	}

	for _, k := range expired {
		delete(s.records, k)
	}
	return len(expired)
}

// scanPartitioned splits keys by entity hash and scans each partition in its
// own goroutine. Workers only read; deletion happens after Wait.
// Must be called with s.mu held.
func (s *Store) scanPartitioned(cutoff time.Time) []models.SmoothingKey {
	n := s.cfg.Partitions
	parts := make([][]*models.SmoothingRecord, n)
	for _, rec := range s.records {
		idx := partitionOf(rec.Key.Entity, n)
		parts[idx] = append(parts[idx], rec)
	}

	found := make([][]models.SmoothingKey, n)
	g, _ := errgroup.WithContext(context.Background())
	for i := range parts {
		g.Go(func() error {
			for _, rec := range parts[i] {
				if rec.LastUpdated.Before(cutoff) {
					found[i] = append(found[i], rec.Key)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	var expired []models.SmoothingKey
	for _, keys := range found {
		expired = append(expired, keys...)
	}
	return expired
}

func partitionOf(id models.EntityID, n int) int {
	h := xxhash.New()
	_, _ = h.WriteString(id.Host)
	_, _ = h.WriteString("/")
	_, _ = h.WriteString(id.Name)
	return int(h.Sum64() % uint64(n))
}

// Get returns a copy of the record for key.
func (s *Store) Get(key models.SmoothingKey) (models.SmoothingRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return models.SmoothingRecord{}, false
	}
	return *rec, true
}

// Len returns the number of live records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Records returns a sorted copy of every record.
func (s *Store) Records() []models.SmoothingRecord {
	s.mu.RLock()
	out := make([]models.SmoothingRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	s.mu.RUnlock()

	models.SortSmoothingRecords(out)
	return out
}

// Restore replaces the store's contents with records, skipping any that would
// already be evicted at now. Records persisted with a different alpha keep it.
func (s *Store) Restore(records []models.SmoothingRecord, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.cfg.TTL)
	s.records = make(map[models.SmoothingKey]*models.SmoothingRecord, len(records))
	for _, rec := range records {
		if rec.LastUpdated.Before(cutoff) {
			continue
		}
		if rec.Alpha <= 0 || rec.Alpha > 1 {
			rec.Alpha = s.cfg.Alpha
		}
		r := rec
		s.records[r.Key] = &r
	}
	return len(s.records)
}
