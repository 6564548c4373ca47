package smoothing

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalis-app/governor/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func key(name, metric string) models.SmoothingKey {
	return models.SmoothingKey{Entity: models.EntityID{Name: name, Host: "h1"}, Metric: metric}
}

func TestUpdateEWMA(t *testing.T) {
	s := New(Config{Alpha: 0.5, ColdStartFloor: 1})
	k := key("api", "cpu")

	ewma, _ := s.Update(k, 10, t0)
	assert.Equal(t, 10.0, ewma, "first observation seeds the average")

	ewma, _ = s.Update(k, 20, t0.Add(time.Second))
	assert.InDelta(t, 15.0, ewma, 1e-9)

	ewma, _ = s.Update(k, 15, t0.Add(2*time.Second))
	assert.InDelta(t, 15.0, ewma, 1e-9)

	rec, ok := s.Get(k)
	require.True(t, ok)
	assert.Equal(t, 3, rec.Observations)
	assert.Equal(t, t0.Add(2*time.Second), rec.LastUpdated)
}

func TestColdStartSuppressesAnomaly(t *testing.T) {
	s := New(Config{Alpha: 0.1, ColdStartFloor: 5})
	k := key("new-proc", "cpu")

	s.Update(k, 10, t0)
	_, anomaly := s.Update(k, 30, t0.Add(time.Second))

	rec, _ := s.Get(k)
	assert.Equal(t, 2, rec.Observations)
	assert.Zero(t, anomaly, "3x deviation during cold start must not score")
}

func TestAnomalyAfterWarmup(t *testing.T) {
	s := New(Config{Alpha: 0.1, ColdStartFloor: 5})
	k := key("steady", "cpu")

	now := t0
	for range 5 {
		_, anomaly := s.Update(k, 10, now)
		assert.Zero(t, anomaly)
		now = now.Add(time.Second)
	}

	_, anomaly := s.Update(k, 30, now)
	assert.InDelta(t, 2.0, anomaly, 1e-9, "|30-10|/10")
}

func TestAnomalyUsesEpsilonForZeroBaseline(t *testing.T) {
	s := New(Config{Alpha: 0.1, ColdStartFloor: 1, Epsilon: 0.5})
	k := key("idle", "memory")

	s.Update(k, 0, t0)
	_, anomaly := s.Update(k, 1, t0.Add(time.Second))
	assert.InDelta(t, 2.0, anomaly, 1e-9)
}

func TestEvictRemovesInactive(t *testing.T) {
	s := New(Config{TTL: 5 * time.Minute})

	s.Update(key("old", "cpu"), 1, t0)
	s.Update(key("fresh", "cpu"), 1, t0.Add(4*time.Minute))

	removed := s.Evict(t0.Add(6 * time.Minute))
	assert.Equal(t, 1, removed)

	_, ok := s.Get(key("old", "cpu"))
	assert.False(t, ok)
	_, ok = s.Get(key("fresh", "cpu"))
	assert.True(t, ok)
}

func TestEvictBoundsMemoryUnderChurn(t *testing.T) {
	s := New(Config{TTL: time.Minute})
	now := t0

	// Every cycle sees 50 brand new short-lived processes plus one that stays.
	for cycle := range 200 {
		for i := range 50 {
			s.Update(key(fmt.Sprintf("job-%d-%d", cycle, i), "cpu"), 1, now)
		}
		s.Update(key("daemon", "cpu"), 1, now)
		s.Evict(now)
		now = now.Add(30 * time.Second)
	}

	// Records survive at most TTL/period + 1 cycles.
	assert.LessOrEqual(t, s.Len(), 3*50+1)
	_, ok := s.Get(key("daemon", "cpu"))
	assert.True(t, ok)
}

func TestEvictPartitioned(t *testing.T) {
	s := New(Config{TTL: time.Minute, Partitions: 8})
	for i := range parallelEvictMin * 2 {
		at := t0
		if i%2 == 0 {
			at = t0.Add(2 * time.Minute)
		}
		s.Update(key(fmt.Sprintf("p%d", i), "cpu"), 1, at)
	}

	removed := s.Evict(t0.Add(2 * time.Minute))
	assert.Equal(t, parallelEvictMin, removed)
	assert.Equal(t, parallelEvictMin, s.Len())
	for _, rec := range s.Records() {
		assert.Equal(t, t0.Add(2*time.Minute), rec.LastUpdated)
	}
}

func TestRecordsSortedAndRestore(t *testing.T) {
	s := New(Config{TTL: 5 * time.Minute})
	s.Update(key("b", "memory"), 2, t0)
	s.Update(key("a", "memory"), 1, t0)
	s.Update(key("a", "cpu"), 1, t0)

	recs := s.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, "a", recs[0].Key.Entity.Name)
	assert.Equal(t, "cpu", recs[0].Key.Metric)
	assert.Equal(t, "b", recs[2].Key.Entity.Name)

	stale := models.SmoothingRecord{Key: key("gone", "cpu"), EWMA: 3, Alpha: 0.1, LastUpdated: t0.Add(-time.Hour)}
	restored := New(Config{TTL: 5 * time.Minute})
	n := restored.Restore(append(recs, stale), t0.Add(time.Minute))
	assert.Equal(t, 3, n, "records past the TTL are not restored")
	assert.Equal(t, recs, restored.Records())
}

func TestConcurrentReadsDuringUpdates(t *testing.T) {
	s := New(DefaultConfig())
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = s.Records()
					_ = s.Len()
				}
			}
		}()
	}

	now := t0
	for i := range 2000 {
		s.Update(key(fmt.Sprintf("p%d", i%100), "cpu"), float64(i), now)
		if i%100 == 0 {
			s.Evict(now)
		}
		now = now.Add(time.Second)
	}
	close(stop)
	wg.Wait()
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Alpha = 1.5
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.TTL = 0
	assert.Error(t, bad.Validate())
}
