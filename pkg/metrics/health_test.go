package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth_SnapshotAggregates(t *testing.T) {
	h := NewHealth()
	h.SetVersion("1.2.3")
	h.Set(ComponentCoreDB, true, "")
	h.Set(ComponentEphemeralDB, true, "")

	r := h.Snapshot()
	assert.True(t, r.Healthy)
	assert.Equal(t, "1.2.3", r.Version)
	assert.Len(t, r.Components, 2)
	assert.True(t, r.Components[ComponentCoreDB].Healthy)

	h.Set(ComponentSubscriptions, false, "queue stalled")
	r = h.Snapshot()
	assert.False(t, r.Healthy, "one bad component degrades the aggregate")
	assert.Equal(t, "queue stalled", r.Components[ComponentSubscriptions].Detail)
	assert.True(t, r.Components[ComponentCoreDB].Healthy, "other components keep their own state")
}

func TestHealth_ReadinessNeedsBothDatabases(t *testing.T) {
	h := NewHealth()

	ready, missing := h.Ready()
	assert.False(t, ready)
	assert.Equal(t, []string{ComponentCoreDB, ComponentEphemeralDB}, missing)

	h.Set(ComponentCoreDB, true, "")
	ready, missing = h.Ready()
	assert.False(t, ready)
	assert.Equal(t, []string{ComponentEphemeralDB}, missing)

	h.Set(ComponentEphemeralDB, true, "")
	ready, missing = h.Ready()
	assert.True(t, ready)
	assert.Empty(t, missing)

	// A degraded registry is a health problem, not a readiness one.
	h.Set(ComponentRegistry, false, "duplicate node type")
	ready, _ = h.Ready()
	assert.True(t, ready)
	assert.False(t, h.Snapshot().Healthy)
}

func TestHealth_HandlerStatusCodes(t *testing.T) {
	h := NewHealth()
	h.Set(ComponentCoreDB, true, "")

	rec := httptest.NewRecorder()
	h.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.Healthy)
	assert.NotEmpty(t, report.Uptime)

	h.Set(ComponentCoreDB, false, "file locked")
	rec = httptest.NewRecorder()
	h.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealth_ReadyHandlerReportsMissing(t *testing.T) {
	h := NewHealth()

	rec := httptest.NewRecorder()
	h.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["ready"])
	assert.Contains(t, body["waitingFor"], ComponentCoreDB)

	h.Set(ComponentCoreDB, true, "")
	h.Set(ComponentEphemeralDB, true, "")
	rec = httptest.NewRecorder()
	h.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealth_LivenessAlwaysOK(t *testing.T) {
	h := NewHealth()

	rec := httptest.NewRecorder()
	h.LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alive")
}

func TestRegisterComponentFeedsDefault(t *testing.T) {
	old := Default
	Default = NewHealth()
	t.Cleanup(func() { Default = old })

	RegisterComponent(ComponentCoreDB, true, "")
	RegisterComponent(ComponentEphemeralDB, true, "")
	ready, _ := Default.Ready()
	assert.True(t, ready)
}
