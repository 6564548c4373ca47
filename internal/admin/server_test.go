package admin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vitalis-app/governor/internal/controller"
	"github.com/vitalis-app/governor/internal/models"
	"github.com/vitalis-app/governor/internal/publisher"
)

type mockController struct {
	mu       sync.Mutex
	status   controller.Status
	history  []models.Transition
	profiles map[string]bool
}

func newMock() *mockController {
	return &mockController{
		status: controller.Status{
			InstanceID:  "gov-1",
			Profile:     "balanced",
			Mode:        controller.ModeAuto,
			Publish:     publisher.Status{State: publisher.StateOK},
			Persistence: controller.PersistenceOK,
		},
		history: []models.Transition{
			{ID: "a", Kind: models.TransitionAuto, From: "conservative", To: "balanced"},
			{ID: "b", Kind: models.TransitionAuto, From: "balanced", To: "aggressive"},
			{ID: "c", Kind: models.TransitionAuto, From: "aggressive", To: "balanced"},
		},
		profiles: map[string]bool{"conservative": true, "balanced": true, "aggressive": true},
	}
}

func (m *mockController) Status() controller.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *mockController) History(limit int) []models.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]models.Transition(nil), h...)
}

func (m *mockController) Override(_ context.Context, name, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.profiles[name] {
		return fmt.Errorf("%w %q", controller.ErrUnknownProfile, name)
	}
	m.status.Profile = name
	m.status.Override = name
	m.status.Mode = controller.ModeOverride
	return nil
}

func (m *mockController) ClearOverride(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Mode == controller.ModeAuto {
		return false
	}
	m.status.Override = ""
	m.status.Mode = controller.ModeAuto
	return true
}

func newTestServer(t *testing.T, ctl Controller) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(":0", ctl, zap.NewNop())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestStatusAndHistoryThroughClient(t *testing.T) {
	_, ts := newTestServer(t, newMock())
	c := NewClient(ts.URL, time.Second)
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "balanced", st.Profile)
	assert.Equal(t, controller.ModeAuto, st.Mode)

	hist, err := c.History(ctx, 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "b", hist[0].ID)

	hist, err = c.History(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 3)
}

func TestOverrideAndResume(t *testing.T) {
	ctl := newMock()
	_, ts := newTestServer(t, ctl)
	c := NewClient(ts.URL, time.Second)
	ctx := context.Background()

	st, err := c.Override(ctx, "conservative", "incident")
	require.NoError(t, err)
	assert.Equal(t, controller.ModeOverride, st.Mode)
	assert.Equal(t, "conservative", st.Override)

	_, err = c.Override(ctx, "ultra", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "unknown profile")

	res, err := c.Resume(ctx)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, controller.ModeAuto, res.Status.Mode)
}

func TestMutationsAreAudited(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := NewServer(":0", newMock(), zap.New(core))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	c := NewClient(ts.URL, time.Second)
	ctx := context.Background()

	_, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, logs.FilterMessage("Admin API audit").Len(), "reads are not audited")

	_, err = c.Override(ctx, "conservative", "incident 4411")
	require.NoError(t, err)
	_, err = c.Override(ctx, "ultra", "")
	require.Error(t, err)

	entries := logs.FilterMessage("Admin API audit").AllUntimed()
	require.Len(t, entries, 2)

	ok := entries[0].ContextMap()
	assert.Equal(t, "admin.audit", entries[0].LoggerName)
	assert.Equal(t, http.MethodPost, ok["method"])
	assert.Equal(t, "/v1/override", ok["path"])
	assert.Contains(t, ok["body"], "incident 4411")
	assert.EqualValues(t, http.StatusOK, ok["status"])
	assert.Equal(t, "balanced", ok["profile_before"])
	assert.Equal(t, "conservative", ok["profile_after"])
	assert.NotEmpty(t, ok["request_id"])

	rejected := entries[1].ContextMap()
	assert.EqualValues(t, http.StatusBadRequest, rejected["status"])
	assert.Equal(t, "conservative", rejected["profile_after"])
}

func TestAuditTruncatesLargeBody(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := NewServer(":0", newMock(), zap.New(core))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Post(ts.URL+"/v1/override", "application/json", strings.NewReader(strings.Repeat("x", 2000)))
	require.NoError(t, err)
	resp.Body.Close()

	entries := logs.FilterMessage("Admin API audit").AllUntimed()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap()["body"], "...(truncated)")
}

func TestOverrideRejectsBadBody(t *testing.T) {
	_, ts := newTestServer(t, newMock())

	for _, body := range []string{"{", `{"profile":""}`} {
		resp, err := http.Post(ts.URL+"/v1/override", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}

	resp, err := http.Get(ts.URL + "/v1/history?limit=-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOverrideIsRateLimited(t *testing.T) {
	_, ts := newTestServer(t, newMock())
	c := NewClient(ts.URL, time.Second)

	var limited bool
	for range overrideBurst + 2 {
		if _, err := c.Resume(context.Background()); err != nil {
			assert.Contains(t, err.Error(), "429")
			limited = true
		}
	}
	assert.True(t, limited)

	// Reads are not limited.
	for range 20 {
		_, err := c.Status(context.Background())
		require.NoError(t, err)
	}
}

func TestHealthReportsDegraded(t *testing.T) {
	ctl := newMock()
	_, ts := newTestServer(t, ctl)

	get := func() string {
		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		b, _ := io.ReadAll(resp.Body)
		return string(b)
	}
	assert.Contains(t, get(), `"status":"ok"`)

	ctl.mu.Lock()
	ctl.status.Persistence = controller.PersistenceMemoryOnly
	ctl.mu.Unlock()
	body := get()
	assert.Contains(t, body, `"status":"degraded"`)
	assert.Contains(t, body, `"persistence":"memory-only"`)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, newMock())
	resp, err := http.Get(ts.URL + "/v1/status")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(b), `governor_admin_requests_total{code="200",route="/v1/status"}`)
}

func TestLimiterSweepsStaleClients(t *testing.T) {
	l := newClientLimiter(1, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.nowFunc = func() time.Time { return now }

	assert.True(t, l.allow("10.0.0.1"))
	assert.False(t, l.allow("10.0.0.1"))
	now = now.Add(staleLimiterTTL + time.Minute)
	assert.True(t, l.allow("10.0.0.2"))
	assert.Len(t, l.limiters, 1)
}

func TestNewClientNormalizesAddress(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:9464", NewClient(":9464", time.Second).baseURL)
	assert.Equal(t, "http://gov:9464", NewClient("gov:9464", time.Second).baseURL)
	assert.Equal(t, "https://gov", NewClient("https://gov/", time.Second).baseURL)
}
