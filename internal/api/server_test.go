package api

import (
	"LinkGuard/internal/command"
	"LinkGuard/internal/engine/orchestrator"
	"LinkGuard/internal/metrics"
	"LinkGuard/internal/model"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedStatus struct {
	modes *orchestrator.ModeController
}

func (f fixedStatus) Status() orchestrator.Status {
	return orchestrator.Status{State: orchestrator.StateCollecting, Mode: f.modes.Current(), Buffered: 12, Capacity: 900, Required: 400}
}

type sliceStore []model.ThreatEvent

func (s sliceStore) Recent(n int) []model.ThreatEvent {
	if n <= 0 || n > len(s) {
		return s
	}
	return s[:n]
}

func (s sliceStore) Get(id string) (model.ThreatEvent, bool) {
	for _, e := range s {
		if e.ID == id {
			return e, true
		}
	}
	return model.ThreatEvent{}, false
}

type screenerOnly struct{}

func (screenerOnly) Available(m model.DetectionMode) error {
	if m.Requires(model.Confirmer) {
		return fmt.Errorf("confirmer not loaded: %w", model.ErrUnavailable)
	}
	return nil
}

func newTestServer(t *testing.T, allow []string) (http.Handler, *orchestrator.ModeController, *metrics.Metrics) {
	t.Helper()
	modes := orchestrator.NewModeController(model.ModeScreenerOnly)
	m := metrics.New()
	ch := command.New(modes, screenerOnly{}, 100, 10, zerolog.Nop(), m)
	ctx, cancel := context.WithCancel(context.Background())
	go ch.Run(ctx)
	t.Cleanup(cancel)

	list, err := command.NewAllowList(allow)
	require.NoError(t, err)

	var events sliceStore
	for i := 0; i < 4; i++ {
		v := model.Normal(0.9)
		if i%2 == 1 {
			v = model.Attack(0.9)
		}
		e := model.NewThreatEvent(v, model.ModeScreenerOnly, uint64(10-i), 0, model.Screener)
		e.ID = fmt.Sprintf("ev-%d", i)
		events = append(events, e)
	}

	s := NewServer(":0", Deps{
		Status:    fixedStatus{modes: modes},
		Events:    events,
		Commands:  ch,
		Validator: screenerOnly{},
		Allow:     list,
		Metrics:   m,
		Logger:    zerolog.Nop(),
	})
	return s.Handler(), modes, m
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusAndHealth(t *testing.T) {
	h, _, _ := newTestServer(t, nil)

	rec := do(h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "collecting", st["state"])
	assert.Equal(t, "screener", st["mode"])
	assert.Equal(t, 400.0, st["required"])
}

func TestEvents(t *testing.T) {
	h, _, _ := newTestServer(t, nil)

	rec := do(h, http.MethodGet, "/api/v1/events?limit=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []model.ThreatEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	assert.Len(t, events, 3)

	rec = do(h, http.MethodGet, "/api/v1/events?alerts=true", "")
	events = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 2)
	assert.Equal(t, "ev-1", events[0].ID)
	assert.Equal(t, model.VerdictAttack, events[0].Verdict.Kind)

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/api/v1/events?limit=x", "").Code)

	rec = do(h, http.MethodGet, "/api/v1/events/ev-2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var one model.ThreatEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, uint64(8), one.WindowIndex)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/v1/events/missing", "").Code)
}

func TestModeEndpoints(t *testing.T) {
	h, modes, _ := newTestServer(t, nil)

	rec := do(h, http.MethodGet, "/api/v1/mode", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		Mode      string   `json:"mode"`
		Available []string `json:"available"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "screener", view.Mode)
	assert.Equal(t, []string{"screener", "manual:screener"}, view.Available)

	rec = do(h, http.MethodPost, "/api/v1/mode", `{"command":"set_mode","mode":"1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp command.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, model.ModeManualScreener, modes.Current())

	rec = do(h, http.MethodPost, "/api/v1/mode", `{"mode":"confirmer"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, model.ModeManualScreener, modes.Current())

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/v1/mode", `{"mode":"warp"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/v1/mode", `not json`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodDelete, "/api/v1/mode", "").Code)
}

func TestModeAllowList(t *testing.T) {
	h, modes, _ := newTestServer(t, []string{"10.0.0.0/8"})

	// httptest requests come from 192.0.2.1.
	rec := do(h, http.MethodPost, "/api/v1/mode", `{"mode":"manual:screener"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, model.ModeScreenerOnly, modes.Current())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/mode", strings.NewReader(`{"mode":"manual:screener"}`))
	req.RemoteAddr = "10.3.4.5:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Reads stay open.
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/v1/mode", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h, _, m := newTestServer(t, nil)
	m.WindowsTotal.Inc()

	rec := do(h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "linkguard_windows_total 1")
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusOK, httpStatus(command.Response{OK: true}))
	assert.Equal(t, http.StatusTooManyRequests, httpStatus(command.Response{Err: fmt.Errorf("x: %w", model.ErrRateLimited)}))
	assert.Equal(t, http.StatusServiceUnavailable, httpStatus(command.Response{Err: command.ErrClosed}))
}
