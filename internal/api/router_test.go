package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/cloudwego/hertz/pkg/route"

	"stock-rise-monitor/internal/engine"
	"stock-rise-monitor/internal/market"
	"stock-rise-monitor/internal/push/dingtalk"
	"stock-rise-monitor/internal/scheduler"
	"stock-rise-monitor/internal/store"
)

type fakeMonitor struct {
	rep   scheduler.CycleReport
	ok    bool
	state scheduler.State
}

func (m fakeMonitor) Latest() (scheduler.CycleReport, bool) { return m.rep, m.ok }
func (m fakeMonitor) State() scheduler.State                { return m.state }

type fakeMode struct{}

func (fakeMode) Mode() (string, string) { return "fallback", "disabled by config" }

type fakePusher struct {
	resp  *dingtalk.Response
	err   error
	title string
}

func (p *fakePusher) SendMarkdown(_ context.Context, title, _ string) (*dingtalk.Response, error) {
	p.title = title
	return p.resp, p.err
}

func newEngine(d Deps) *route.Engine {
	r := route.NewEngine(config.NewOptions([]config.Option{}))
	RegisterRoutes(r, d)
	return r
}

func decode(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
	return out
}

func rankedEntry(rank int, code string, speed float64) engine.RankedEntry {
	return engine.RankedEntry{
		Rank:      rank,
		Code:      market.InstrumentID(code),
		RiseSpeed: speed,
		Quote: market.Quote{
			Code:      market.InstrumentID(code),
			Name:      "股票" + code,
			Price:     10,
			Volume:    100,
			Timestamp: time.Date(2024, 5, 6, 9, 31, 0, 0, time.UTC),
		},
	}
}

func TestHealthz(t *testing.T) {
	r := newEngine(Deps{Monitor: fakeMonitor{state: scheduler.StateRunning}, Agent: fakeMode{}})
	w := ut.PerformRequest(r, http.MethodGet, "/healthz", nil)
	resp := w.Result()
	if resp.StatusCode() != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode())
	}
	got := decode(t, resp.Body())
	if got["ok"] != true || got["monitor"] != "running" || got["digest_mode"] != "fallback" {
		t.Errorf("unexpected body %v", got)
	}
}

func TestLatest(t *testing.T) {
	t.Run("no monitor", func(t *testing.T) {
		w := ut.PerformRequest(newEngine(Deps{}), http.MethodGet, "/api/v1/rising/latest", nil)
		if w.Result().StatusCode() != http.StatusInternalServerError {
			t.Errorf("status = %d", w.Result().StatusCode())
		}
	})
	t.Run("no cycle yet", func(t *testing.T) {
		w := ut.PerformRequest(newEngine(Deps{Monitor: fakeMonitor{}}), http.MethodGet, "/api/v1/rising/latest", nil)
		if w.Result().StatusCode() != http.StatusNotFound {
			t.Errorf("status = %d", w.Result().StatusCode())
		}
	})
	t.Run("ranking", func(t *testing.T) {
		rep := scheduler.CycleReport{
			ID:          "cycle-1",
			StartedAt:   time.Date(2024, 5, 6, 9, 31, 0, 0, time.UTC),
			Duration:    1500 * time.Millisecond,
			Instruments: 15,
			Stats:       market.FetchStats{Batches: 1},
			Entries:     []engine.RankedEntry{rankedEntry(1, "600519", 2.5), rankedEntry(2, "000001", 1.0)},
		}
		w := ut.PerformRequest(newEngine(Deps{Monitor: fakeMonitor{rep: rep, ok: true}}), http.MethodGet, "/api/v1/rising/latest", nil)
		resp := w.Result()
		if resp.StatusCode() != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode())
		}
		got := decode(t, resp.Body())
		if got["id"] != "cycle-1" || got["instruments"] != float64(15) || got["duration_ms"] != float64(1500) {
			t.Errorf("unexpected body %v", got)
		}
		items, _ := got["items"].([]any)
		if len(items) != 2 {
			t.Fatalf("items = %v", got["items"])
		}
		first := items[0].(map[string]any)
		if first["code"] != "600519" || first["rank"] != float64(1) || first["rise_speed"] != 2.5 {
			t.Errorf("unexpected first item %v", first)
		}
	})
}

func TestStoreRoutes(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	run := store.RankingRun{ID: "run-1", TS: time.Date(2024, 5, 6, 9, 31, 0, 0, store.ChinaLocation()).Unix(), Ranked: 2}
	if err := st.SaveRanking(run, []engine.RankedEntry{rankedEntry(1, "600519", 2.5), rankedEntry(2, "000001", 1.0)}); err != nil {
		t.Fatalf("SaveRanking: %v", err)
	}
	if err := st.InsertAlert(store.AlertRecord{TS: run.TS, RunID: "run-1", Priority: "med", Title: "涨速异动", Status: "sent", Channel: "dingtalk"}); err != nil {
		t.Fatalf("InsertAlert: %v", err)
	}
	r := newEngine(Deps{Store: st})

	tests := []struct {
		name   string
		url    string
		status int
		items  int
	}{
		{name: "runs", url: "/api/v1/rising/runs", status: http.StatusOK, items: 1},
		{name: "runs bad limit", url: "/api/v1/rising/runs?limit=-1", status: http.StatusBadRequest},
		{name: "runs bad offset", url: "/api/v1/rising/runs?offset=x", status: http.StatusBadRequest},
		{name: "run entries", url: "/api/v1/rising/runs/run-1", status: http.StatusOK, items: 2},
		{name: "unknown run", url: "/api/v1/rising/runs/nope", status: http.StatusNotFound},
		{name: "history", url: "/api/v1/rising/history?code=600519", status: http.StatusOK, items: 1},
		{name: "history without code", url: "/api/v1/rising/history", status: http.StatusBadRequest},
		{name: "alerts by date", url: "/api/v1/alerts?date=2024-05-06", status: http.StatusOK, items: 1},
		{name: "alerts by status", url: "/api/v1/alerts?date=2024-05-06&status=suppressed", status: http.StatusOK, items: 0},
		{name: "alerts bad date", url: "/api/v1/alerts?date=bad", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ut.PerformRequest(r, http.MethodGet, tt.url, nil)
			resp := w.Result()
			if resp.StatusCode() != tt.status {
				t.Fatalf("status = %d, want %d: %s", resp.StatusCode(), tt.status, resp.Body())
			}
			if tt.status != http.StatusOK {
				return
			}
			got := decode(t, resp.Body())
			items, _ := got["items"].([]any)
			if len(items) != tt.items {
				t.Errorf("items = %d, want %d", len(items), tt.items)
			}
		})
	}
}

func TestStoreRoutes_NoStore(t *testing.T) {
	r := newEngine(Deps{})
	for _, url := range []string{"/api/v1/rising/runs", "/api/v1/rising/history?code=1", "/api/v1/alerts"} {
		w := ut.PerformRequest(r, http.MethodGet, url, nil)
		if w.Result().StatusCode() != http.StatusInternalServerError {
			t.Errorf("%s status = %d", url, w.Result().StatusCode())
		}
	}
}

func TestTestPush(t *testing.T) {
	body := func() *ut.Body {
		b := []byte(`{"title":"hello","markdown":"world"}`)
		return &ut.Body{Body: bytes.NewReader(b), Len: len(b)}
	}
	jsonHeader := ut.Header{Key: "Content-Type", Value: "application/json"}

	tests := []struct {
		name   string
		pusher *fakePusher
		status int
	}{
		{name: "sent", pusher: &fakePusher{resp: &dingtalk.Response{}}, status: http.StatusOK},
		{name: "dingtalk errcode", pusher: &fakePusher{
			resp: &dingtalk.Response{ErrCode: 310000, ErrMsg: "sign not match"},
			err:  &dingtalk.APIError{Code: 310000, Msg: "sign not match"},
		}, status: http.StatusBadGateway},
		{name: "transport error", pusher: &fakePusher{err: errors.New("dial")}, status: http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newEngine(Deps{Pusher: tt.pusher})
			w := ut.PerformRequest(r, http.MethodPost, "/api/v1/test/push", body(), jsonHeader)
			if w.Result().StatusCode() != tt.status {
				t.Fatalf("status = %d, want %d", w.Result().StatusCode(), tt.status)
			}
			if tt.pusher.title != "hello" {
				t.Errorf("title = %q", tt.pusher.title)
			}
			if tt.name == "dingtalk errcode" {
				if got := decode(t, w.Result().Body()); got["dingtalk_errcode"] != float64(310000) {
					t.Errorf("errcode not reported: %v", got)
				}
			}
		})
	}

	w := ut.PerformRequest(newEngine(Deps{}), http.MethodPost, "/api/v1/test/push", body(), jsonHeader)
	if w.Result().StatusCode() != http.StatusInternalServerError {
		t.Errorf("unconfigured push status = %d", w.Result().StatusCode())
	}
}

func TestParsePaging(t *testing.T) {
	if v, _ := parseLimit(""); v != 200 {
		t.Errorf("default limit = %d", v)
	}
	if v, _ := parseLimit("5000"); v != 1000 {
		t.Errorf("capped limit = %d", v)
	}
	if _, err := parseLimit("0"); err == nil {
		t.Error("expected error for zero limit")
	}
	if v, _ := parseOffset("30"); v != 30 {
		t.Errorf("offset = %d", v)
	}
	if _, err := parseOffset("-1"); err == nil {
		t.Error("expected error for negative offset")
	}
}
