package source

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/vitalis-app/governor/internal/faults"
	"github.com/vitalis-app/governor/internal/models"
)

// MetricNames are the exposition names the pipeline exports. Entity gauges
// carry "entity" and "host" labels; the active profile gauge carries a
// "profile" label and is 1 for the active one.
type MetricNames struct {
	EntitiesTotal    string `yaml:"entities_total"`
	EntitiesRetained string `yaml:"entities_retained"`
	SeriesKept       string `yaml:"series_kept"`
	EntityCPU        string `yaml:"entity_cpu"`
	EntityMemory     string `yaml:"entity_memory"`
	ActiveProfile    string `yaml:"active_profile"`
}

// DefaultMetricNames returns the names used by the collection agent.
func DefaultMetricNames() MetricNames {
	return MetricNames{
		EntitiesTotal:    "agent_entities_total",
		EntitiesRetained: "agent_entities_retained",
		SeriesKept:       "agent_series_kept",
		EntityCPU:        "agent_entity_cpu_percent",
		EntityMemory:     "agent_entity_memory_percent",
		ActiveProfile:    "agent_active_profile",
	}
}

// Prometheus scrapes a text exposition endpoint.
type Prometheus struct {
	url     string
	names   MetricNames
	client  *http.Client
	nowFunc func() time.Time
}

// NewPrometheus creates a scraping source. Empty names fall back to the
// defaults.
func NewPrometheus(url string, names MetricNames, timeout time.Duration) *Prometheus {
	def := DefaultMetricNames()
	fill := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	fill(&names.EntitiesTotal, def.EntitiesTotal)
	fill(&names.EntitiesRetained, def.EntitiesRetained)
	fill(&names.SeriesKept, def.SeriesKept)
	fill(&names.EntityCPU, def.EntityCPU)
	fill(&names.EntityMemory, def.EntityMemory)
	fill(&names.ActiveProfile, def.ActiveProfile)

	return &Prometheus{
		url:     url,
		names:   names,
		client:  &http.Client{Timeout: timeout},
		nowFunc: time.Now,
	}
}

func (p *Prometheus) Name() string { return "prometheus" }

// Fetch scrapes once and maps the families onto RawCounters.
func (p *Prometheus) Fetch(ctx context.Context) (models.RawCounters, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return models.RawCounters{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/plain; version=0.0.4")

	resp, err := p.client.Do(req)
	if err != nil {
		return models.RawCounters{}, faults.New(faults.SourceUnavailable, "scrape "+p.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return models.RawCounters{}, faults.Newf(faults.SourceUnavailable, "scrape "+p.url, "server returned %d", resp.StatusCode)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return models.RawCounters{}, faults.New(faults.SourceUnavailable, "parse exposition", err)
	}
	return p.counters(families), nil
}

func (p *Prometheus) counters(families map[string]*dto.MetricFamily) models.RawCounters {
	raw := models.RawCounters{
		CollectedAt:      p.nowFunc(),
		TotalEntities:    int(scalar(families[p.names.EntitiesTotal])),
		RetainedEntities: int(scalar(families[p.names.EntitiesRetained])),
		SeriesKept:       int(scalar(families[p.names.SeriesKept])),
	}

	if fam := families[p.names.ActiveProfile]; fam != nil {
		for _, m := range fam.GetMetric() {
			if value(m) == 1 {
				raw.ActiveProfile = label(m, "profile")
			}
		}
	}

	index := make(map[models.EntityID]int)
	entity := func(m *dto.Metric) *models.Entity {
		id := models.EntityID{Name: label(m, "entity"), Host: label(m, "host")}
		if id.Name == "" {
			return nil
		}
		i, ok := index[id]
		if !ok {
			i = len(raw.Entities)
			index[id] = i
			raw.Entities = append(raw.Entities, models.Entity{ID: id, CPU: math.NaN(), Memory: math.NaN()})
		}
		return &raw.Entities[i]
	}

	if fam := families[p.names.EntityCPU]; fam != nil {
		for _, m := range fam.GetMetric() {
			if e := entity(m); e != nil {
				e.CPU = value(m)
			}
		}
	}
	if fam := families[p.names.EntityMemory]; fam != nil {
		for _, m := range fam.GetMetric() {
			if e := entity(m); e != nil {
				e.Memory = value(m)
			}
		}
	}
	return raw
}

// scalar sums every sample of a family, or 0 when it is absent.
func scalar(fam *dto.MetricFamily) float64 {
	if fam == nil {
		return 0
	}
	var sum float64
	for _, m := range fam.GetMetric() {
		if v := value(m); !math.IsNaN(v) {
			sum += v
		}
	}
	return sum
}

func value(m *dto.Metric) float64 {
	switch {
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetUntyped() != nil:
		return m.GetUntyped().GetValue()
	default:
		return math.NaN()
	}
}

func label(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
