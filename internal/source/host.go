package source

import (
	"context"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/vitalis-app/governor/internal/faults"
	"github.com/vitalis-app/governor/internal/models"
)

// normalizedStatuses maps raw gopsutil status strings to a consistent set of
// values used across all platforms.
var normalizedStatuses = map[string]string{
	"running":               "running",
	"sleeping":              "sleeping",
	"idle":                  "idle",
	"stopped":               "stopped",
	"zombie":                "zombie",
	"wait":                  "sleeping",
	"lock":                  "sleeping",
	"sleep":                 "sleeping",
	"disk-sleep":            "sleeping",
	"tracing-stop":          "stopped",
	"dead":                  "zombie",
	"wake-kill":             "sleeping",
	"waking":                "running",
	"parked":                "idle",
	"idle-interrupt":        "idle",
	"suspended":             "stopped",
	"uninterruptible-sleep": "sleeping",
}

func normalizeStatus(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if mapped, ok := normalizedStatuses[key]; ok {
		return mapped
	}
	return key
}

// procSample is one process as read from the OS.
type procSample struct {
	PID    int32
	Name   string
	CPU    float64
	Memory float64
	Status string
}

// Host discovers entities from the local process table. Processes sharing a
// name form one entity whose readings are summed.
type Host struct {
	topN     int
	hostname string
	nowFunc  func() time.Time
}

// NewHost creates a host source. topN <= 0 keeps every entity.
func NewHost(ctx context.Context, topN int) *Host {
	hostname := ""
	if info, err := host.InfoWithContext(ctx); err == nil {
		hostname = info.Hostname
	}
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	return &Host{topN: topN, hostname: hostname, nowFunc: time.Now}
}

func (h *Host) Name() string { return "host" }

// Fetch lists processes. Unreadable per-process values become NaN rather
// than failing the whole poll.
func (h *Host) Fetch(ctx context.Context) (models.RawCounters, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return models.RawCounters{}, faults.New(faults.SourceUnavailable, "list processes", err)
	}

	samples := make([]procSample, 0, len(procs))
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return models.RawCounters{}, faults.New(faults.SourceUnavailable, "list processes", err)
		}
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue
		}
		s := procSample{PID: p.Pid, Name: name, CPU: math.NaN(), Memory: math.NaN()}
		if v, err := p.CPUPercentWithContext(ctx); err == nil {
			s.CPU = v
		}
		if v, err := p.MemoryPercentWithContext(ctx); err == nil {
			s.Memory = float64(v)
		}
		if status, err := p.StatusWithContext(ctx); err == nil && len(status) > 0 {
			s.Status = status[0]
		}
		samples = append(samples, s)
	}

	entities := buildEntities(h.hostname, samples)
	total := len(entities)
	if h.topN > 0 && len(entities) > h.topN {
		entities = entities[:h.topN]
	}
	return models.RawCounters{
		CollectedAt:   h.nowFunc(),
		TotalEntities: total,
		Entities:      entities,
	}, nil
}

// buildEntities merges samples by name, drops zombies and sorts by CPU
// descending with unknown readings last.
func buildEntities(hostname string, samples []procSample) []models.Entity {
	byName := make(map[string]*models.Entity, len(samples))
	order := make([]string, 0, len(samples))

	for _, s := range samples {
		if normalizeStatus(s.Status) == "zombie" {
			continue
		}
		e, ok := byName[s.Name]
		if !ok {
			e = &models.Entity{
				ID:     models.EntityID{Name: s.Name, Host: hostname},
				PID:    s.PID,
				CPU:    s.CPU,
				Memory: s.Memory,
			}
			byName[s.Name] = e
			order = append(order, s.Name)
			continue
		}
		if s.PID < e.PID {
			e.PID = s.PID
		}
		e.CPU = addReading(e.CPU, s.CPU)
		e.Memory = addReading(e.Memory, s.Memory)
	}

	out := make([]models.Entity, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].CPU, out[j].CPU
		if math.IsNaN(a) || math.IsNaN(b) {
			return !math.IsNaN(a) && math.IsNaN(b)
		}
		if a != b {
			return a > b
		}
		return out[i].ID.Name < out[j].ID.Name
	})
	return out
}

// addReading sums two readings where NaN means unknown.
func addReading(a, b float64) float64 {
	switch {
	case math.IsNaN(a):
		return b
	case math.IsNaN(b):
		return a
	default:
		return a + b
	}
}
