package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/rs/zerolog/log"

	"stockbar/internal/config"
	"stockbar/internal/engine"
	"stockbar/internal/market"
	"stockbar/internal/push/dingtalk"
	"stockbar/internal/snapshot"
	"stockbar/internal/store"
)

// SnapshotMirror reads back the last snapshot copied to an external store.
type SnapshotMirror interface {
	Latest(ctx context.Context) (*snapshot.Snapshot, error)
}

type Deps struct {
	Engine   *engine.Engine
	Store    *store.Store
	Dingtalk *dingtalk.Client
	// Mirror is nil when redis is not configured.
	Mirror  SnapshotMirror
	Display config.DisplayConfig
}

type TestPushRequest struct {
	Title    string `json:"title"`
	Markdown string `json:"markdown"`
}

type SymbolRequest struct {
	Symbol string `json:"symbol"`
}

type ActiveRequest struct {
	Index int `json:"index"`
}

type RotateRequest struct {
	Dir int `json:"dir"`
}

// ConfigRequest changes only the fields that are present.
type ConfigRequest struct {
	Symbols     []string              `json:"symbols"`
	IntervalSec *int                  `json:"interval_sec"`
	Display     *config.DisplayConfig `json:"display"`
}

type displayState struct {
	mu  sync.RWMutex
	cfg config.DisplayConfig
}

func (d *displayState) get() config.DisplayConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

func (d *displayState) set(cfg config.DisplayConfig) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

func RegisterRoutes(h *server.Hertz, deps Deps) {
	eng, st, dt := deps.Engine, deps.Store, deps.Dingtalk
	display := &displayState{cfg: deps.Display}

	persist := func() {
		cfg := eng.Config()
		d := display.get()
		prefs := store.Preferences{
			Symbols:     market.SymbolStrings(cfg.Symbols),
			IntervalSec: int(cfg.Interval / time.Second),
			Display:     &d,
		}
		if err := st.SavePreferences(prefs); err != nil {
			log.Error().Err(err).Msg("save preferences")
		}
	}

	h.GET("/healthz", func(_ context.Context, c *app.RequestContext) {
		c.JSON(http.StatusOK, map[string]any{
			"ok":    true,
			"state": eng.State().String(),
		})
	})

	h.GET("/api/v1/snapshot", func(ctx context.Context, c *app.RequestContext) {
		if c.Query("source") == "redis" {
			writeMirrored(ctx, c, deps.Mirror)
			return
		}
		snap := eng.Snapshot()
		c.JSON(http.StatusOK, map[string]any{
			"ok":           true,
			"snapshot":     snap,
			"degraded":     snap.Degraded(),
			"active_index": eng.ActiveIndex(),
			"state":        eng.State().String(),
		})
	})

	h.GET("/api/v1/series/:symbol", func(_ context.Context, c *app.RequestContext) {
		sym, ok := symbolParam(c)
		if !ok {
			return
		}
		points := eng.Series(sym)
		if points == nil && !eng.Tracks(sym) {
			c.JSON(http.StatusNotFound, map[string]any{
				"ok":    false,
				"error": market.ErrNotFound.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, map[string]any{
			"ok":     true,
			"symbol": sym,
			"points": points,
		})
	})

	h.GET("/api/v1/symbols", func(_ context.Context, c *app.RequestContext) {
		c.JSON(http.StatusOK, map[string]any{
			"ok":           true,
			"symbols":      eng.Symbols(),
			"active_index": eng.ActiveIndex(),
		})
	})

	h.POST("/api/v1/symbols", func(_ context.Context, c *app.RequestContext) {
		var req SymbolRequest
		if err := c.BindJSON(&req); err != nil {
			badJSON(c)
			return
		}
		sym, err := market.ParseSymbol(req.Symbol)
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		if err := eng.AddSymbol(sym); err != nil {
			writeError(c, err)
			return
		}
		persist()
		c.JSON(http.StatusOK, map[string]any{
			"ok":      true,
			"symbols": eng.Symbols(),
		})
	})

	h.DELETE("/api/v1/symbols/:symbol", func(_ context.Context, c *app.RequestContext) {
		sym, ok := symbolParam(c)
		if !ok {
			return
		}
		if err := eng.RemoveSymbol(sym); err != nil {
			writeError(c, err)
			return
		}
		persist()
		c.JSON(http.StatusOK, map[string]any{
			"ok":      true,
			"symbols": eng.Symbols(),
		})
	})

	h.POST("/api/v1/active", func(_ context.Context, c *app.RequestContext) {
		var req ActiveRequest
		if err := c.BindJSON(&req); err != nil {
			badJSON(c)
			return
		}
		if err := eng.SetActive(req.Index); err != nil {
			writeError(c, err)
			return
		}
		writeActive(c, eng)
	})

	h.POST("/api/v1/rotate", func(_ context.Context, c *app.RequestContext) {
		var req RotateRequest
		if err := c.BindJSON(&req); err != nil {
			badJSON(c)
			return
		}
		if req.Dir == 0 {
			req.Dir = 1
		}
		eng.Rotate(req.Dir)
		writeActive(c, eng)
	})

	h.GET("/api/v1/threshold/:symbol", func(_ context.Context, c *app.RequestContext) {
		sym, ok := symbolParam(c)
		if !ok {
			return
		}
		board, limit := eng.Threshold(sym)
		resp := map[string]any{
			"ok":        true,
			"symbol":    sym,
			"board":     board,
			"limit_pct": limit,
		}
		if e, ok := eng.Snapshot().Entry(sym); ok && e.HasData && !e.Quote.PrevClose.IsZero() {
			q := e.Quote
			q.LimitPercent = limit
			resp["prev_close"] = q.PrevClose
			resp["limit_up"] = q.LimitUp()
			resp["limit_down"] = q.LimitDown()
		}
		c.JSON(http.StatusOK, resp)
	})

	h.GET("/api/v1/config", func(_ context.Context, c *app.RequestContext) {
		writeConfig(c, eng, display.get())
	})

	h.PUT("/api/v1/config", func(_ context.Context, c *app.RequestContext) {
		var req ConfigRequest
		if err := c.BindJSON(&req); err != nil {
			badJSON(c)
			return
		}
		cfg := eng.Config()
		if req.Symbols != nil {
			syms, err := market.ParseSymbols(req.Symbols)
			if err != nil {
				writeError(c, &engine.ConfigurationError{Field: "symbols", Reason: err.Error()})
				return
			}
			cfg.Symbols = syms
		}
		if req.IntervalSec != nil {
			cfg.Interval = time.Duration(*req.IntervalSec) * time.Second
		}
		if req.Symbols != nil || req.IntervalSec != nil {
			if err := eng.UpdateConfig(cfg); err != nil {
				writeError(c, err)
				return
			}
		}
		if req.Display != nil {
			display.set(*req.Display)
		}
		persist()
		writeConfig(c, eng, display.get())
	})

	h.GET("/api/v1/alerts", func(_ context.Context, c *app.RequestContext) {
		if st == nil {
			c.JSON(http.StatusInternalServerError, map[string]any{
				"ok":    false,
				"error": "store not configured",
			})
			return
		}
		limit, err := parseLimit(c.Query("limit"))
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		date := c.Query("date")
		if date == "" {
			date = chinaToday()
		}
		items, err := st.QueryAlertsByDate(date, limit)
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

	h.POST("/api/v1/test/push", func(ctx context.Context, c *app.RequestContext) {
		if !dt.Enabled() {
			c.JSON(http.StatusInternalServerError, map[string]any{
				"ok":    false,
				"error": "dingtalk client not configured",
			})
			return
		}
		var req TestPushRequest
		if err := c.BindJSON(&req); err != nil {
			badJSON(c)
			return
		}
		resp, err := dt.Send(ctx, dingtalk.Message{Title: req.Title, Text: req.Markdown})
		if err != nil {
			log.Warn().Err(err).Msg("dingtalk send error")
			c.JSON(http.StatusBadGateway, map[string]any{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		if resp.ErrCode != 0 {
			c.JSON(http.StatusBadGateway, map[string]any{
				"ok":               false,
				"error":            "dingtalk returned error",
				"dingtalk_errcode": resp.ErrCode,
				"dingtalk_errmsg":  resp.ErrMsg,
			})
			return
		}
		c.JSON(http.StatusOK, map[string]any{"ok": true})
	})
}

func symbolParam(c *app.RequestContext) (market.Symbol, bool) {
	sym, err := market.ParseSymbol(c.Param("symbol"))
	if err != nil {
		c.JSON(http.StatusBadRequest, map[string]any{
			"ok":    false,
			"error": err.Error(),
		})
		return market.Symbol{}, false
	}
	return sym, true
}

func badJSON(c *app.RequestContext) {
	c.JSON(http.StatusBadRequest, map[string]any{
		"ok":    false,
		"error": "invalid json body",
	})
}

// writeError maps engine and registry errors onto status codes.
func writeError(c *app.RequestContext, err error) {
	status := http.StatusInternalServerError
	resp := map[string]any{"ok": false, "error": err.Error()}
	var ce *engine.ConfigurationError
	switch {
	case errors.As(err, &ce):
		status = http.StatusBadRequest
		resp["field"] = ce.Field
	case errors.Is(err, market.ErrDuplicateSymbol):
		status = http.StatusConflict
	case errors.Is(err, market.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, market.ErrOutOfRange):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrNotStarted):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

// writeMirrored serves what other processes see through redis, which can
// lag the in-memory snapshot by one publish.
func writeMirrored(ctx context.Context, c *app.RequestContext, mirror SnapshotMirror) {
	if mirror == nil {
		c.JSON(http.StatusServiceUnavailable, map[string]any{
			"ok":    false,
			"error": "redis mirror not configured",
		})
		return
	}
	snap, err := mirror.Latest(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("read mirrored snapshot")
		c.JSON(http.StatusBadGateway, map[string]any{
			"ok":    false,
			"error": err.Error(),
		})
		return
	}
	if snap == nil {
		c.JSON(http.StatusNotFound, map[string]any{
			"ok":    false,
			"error": "no snapshot mirrored yet",
		})
		return
	}
	c.JSON(http.StatusOK, map[string]any{
		"ok":       true,
		"snapshot": snap,
		"degraded": snap.Degraded(),
		"source":   "redis",
	})
}

func writeActive(c *app.RequestContext, eng *engine.Engine) {
	active, _ := eng.Active()
	c.JSON(http.StatusOK, map[string]any{
		"ok":           true,
		"active":       active,
		"active_index": eng.ActiveIndex(),
	})
}

func writeConfig(c *app.RequestContext, eng *engine.Engine, display config.DisplayConfig) {
	cfg := eng.Config()
	c.JSON(http.StatusOK, map[string]any{
		"ok":           true,
		"symbols":      cfg.Symbols,
		"interval_sec": int(cfg.Interval / time.Second),
		"display":      display,
	})
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

func chinaToday() string {
	return time.Now().In(market.ChinaZone()).Format("2006-01-02")
}
