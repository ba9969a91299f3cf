package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/route"

	"stock-rise-monitor/internal/alert"
	"stock-rise-monitor/internal/logger"
	"stock-rise-monitor/internal/persist"
	"stock-rise-monitor/internal/push/dingtalk"
	"stock-rise-monitor/internal/scheduler"
	"stock-rise-monitor/internal/store"
)

type TestPushRequest struct {
	Title    string `json:"title"`
	Markdown string `json:"markdown"`
}

// Monitor exposes the scheduler's state and last ranking.
type Monitor interface {
	Latest() (scheduler.CycleReport, bool)
	State() scheduler.State
}

// ModeReporter reports how alert commentary is produced.
type ModeReporter interface {
	Mode() (string, string)
}

// Deps are the services behind the routes. Any of them may be nil; the
// routes that need a missing one answer 500.
type Deps struct {
	Monitor Monitor
	Store   *store.Store
	Agent   ModeReporter
	Pusher  alert.Pusher
}

func RegisterRoutes(r *route.Engine, d Deps) {
	log := logger.WithComponent("api")

	r.GET("/healthz", func(_ context.Context, c *app.RequestContext) {
		resp := map[string]any{"ok": true}
		if d.Monitor != nil {
			resp["monitor"] = string(d.Monitor.State())
		}
		if d.Agent != nil {
			mode, reason := d.Agent.Mode()
			resp["digest_mode"] = mode
			resp["digest_reason"] = reason
		}
		c.JSON(http.StatusOK, resp)
	})

	r.GET("/api/v1/rising/latest", func(_ context.Context, c *app.RequestContext) {
		if d.Monitor == nil {
			c.JSON(http.StatusInternalServerError, map[string]any{
				"ok":    false,
				"error": "monitor not configured",
			})
			return
		}
		rep, ok := d.Monitor.Latest()
		if !ok {
			c.JSON(http.StatusNotFound, map[string]any{
				"ok":    false,
				"error": "no cycle completed yet",
			})
			return
		}
		items := make([]persist.Record, 0, len(rep.Entries))
		for _, e := range rep.Entries {
			items = append(items, persist.NewRecord(e))
		}
		c.JSON(http.StatusOK, map[string]any{
			"ok":          true,
			"id":          rep.ID,
			"started_at":  rep.StartedAt.Format(time.RFC3339),
			"duration_ms": rep.Duration.Milliseconds(),
			"instruments": rep.Instruments,
			"batches":     rep.Stats.Batches,
			"degraded":    rep.Stats.Degraded,
			"synthetic":   rep.Stats.Synthetic,
			"saved_path":  rep.SavedPath,
			"items":       items,
		})
	})

	r.GET("/api/v1/rising/runs", func(_ context.Context, c *app.RequestContext) {
		if d.Store == nil {
			storeMissing(c)
			return
		}
		limit, offset, ok := pageParams(c)
		if !ok {
			return
		}
		items, err := d.Store.QueryRuns(limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, map[string]any{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, map[string]any{
			"ok":    true,
			"items": items,
		})
	})

	r.GET("/api/v1/rising/runs/:id", func(_ context.Context, c *app.RequestContext) {
		if d.Store == nil {
			storeMissing(c)
			return
		}
		items, err := d.Store.QueryRunEntries(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, map[string]any{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		if len(items) == 0 {
			c.JSON(http.StatusNotFound, map[string]any{
				"ok":    false,
				"error": "run not found",
			})
			return
		}
		c.JSON(http.StatusOK, map[string]any{
			"ok":    true,
			"items": items,
		})
	})

	r.GET("/api/v1/rising/history", func(_ context.Context, c *app.RequestContext) {
		if d.Store == nil {
			storeMissing(c)
			return
		}
		code := c.Query("code")
		if code == "" {
			c.JSON(http.StatusBadRequest, map[string]any{
				"ok":    false,
				"error": "code is required",
			})
			return
		}
		limit, offset, ok := pageParams(c)
		if !ok {
			return
		}
		items, err := d.Store.QueryCodeHistory(code, limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, map[string]any{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, map[string]any{
			"ok":    true,
			"items": items,
		})
	})

	r.GET("/api/v1/alerts", func(_ context.Context, c *app.RequestContext) {
		if d.Store == nil {
			storeMissing(c)
			return
		}
		date := c.Query("date")
		status := c.Query("status")
		limit, offset, ok := pageParams(c)
		if !ok {
			return
		}
		if date == "" {
			date = chinaToday()
		}

		items, err := d.Store.QueryAlertsByDate(date, status, limit, offset)
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, map[string]any{
			"ok":    true,
			"items": items,
		})
	})

	r.POST("/api/v1/test/push", func(ctx context.Context, c *app.RequestContext) {
		if d.Pusher == nil {
			c.JSON(http.StatusInternalServerError, map[string]any{
				"ok":    false,
				"error": "dingtalk client not configured",
			})
			return
		}

		var req TestPushRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{
				"ok":    false,
				"error": "invalid json body",
			})
			return
		}

		resp, err := d.Pusher.SendMarkdown(ctx, req.Title, req.Markdown)
		var apiErr *dingtalk.APIError
		switch {
		case errors.As(err, &apiErr):
			c.JSON(http.StatusBadGateway, map[string]any{
				"ok":               false,
				"error":            "dingtalk returned error",
				"dingtalk_errcode": apiErr.Code,
				"dingtalk_errmsg":  apiErr.Msg,
			})
			return
		case err != nil:
			log.WithError(err).Warn("dingtalk send error")
			c.JSON(http.StatusBadGateway, map[string]any{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, map[string]any{
			"ok":               true,
			"dingtalk_errcode": resp.ErrCode,
			"dingtalk_errmsg":  resp.ErrMsg,
		})
	})
}

func storeMissing(c *app.RequestContext) {
	c.JSON(http.StatusInternalServerError, map[string]any{
		"ok":    false,
		"error": "store not configured",
	})
}

// pageParams reads limit and offset, answering 400 when either is invalid.
func pageParams(c *app.RequestContext) (int, int, bool) {
	limit, err := parseLimit(c.Query("limit"))
	if err == nil {
		var offset int
		if offset, err = parseOffset(c.Query("offset")); err == nil {
			return limit, offset, true
		}
	}
	c.JSON(http.StatusBadRequest, map[string]any{
		"ok":    false,
		"error": err.Error(),
	})
	return 0, 0, false
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 200, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	if v > 1000 {
		return 1000, nil
	}
	return v, nil
}

func parseOffset(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid offset")
	}
	return v, nil
}

func chinaToday() string {
	return time.Now().In(store.ChinaLocation()).Format("2006-01-02")
}
