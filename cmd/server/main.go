package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"stockbar/internal/alert"
	"stockbar/internal/api"
	"stockbar/internal/config"
	"stockbar/internal/engine"
	"stockbar/internal/logger"
	"stockbar/internal/market"
	"stockbar/internal/push/dingtalk"
	"stockbar/internal/push/redispub"
	"stockbar/internal/store"
)

func main() {
	logger.Setup("info")
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("server exited with error")
	}
}

// run returns instead of exiting so deferred cleanup always happens.
func run() error {
	path := os.Getenv("STOCKBAR_CONFIG")
	if path == "" {
		path = "configs/app.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	logger.Setup(cfg.Log.Level)

	st, err := store.Open(cfg.Store.Sqlite.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("store close error")
		}
	}()

	applyPreferences(cfg, st)
	engCfg, err := cfg.Engine()
	if err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	fetcher := market.NewFetcher(cfg.Provider(), market.NewResolver(cfg.LimitTable()), cfg.FetcherConfig())
	eng := engine.New(fetcher, fetcher.Resolver())

	dt := dingtalk.NewClient(
		cfg.Push.Dingtalk.Webhook,
		cfg.Push.Dingtalk.Secret,
		time.Duration(cfg.Push.Dingtalk.TimeoutMs)*time.Millisecond,
	)

	var mirror api.SnapshotMirror
	if cfg.Redis.Addr != "" {
		rdb, err := redispub.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, mirror disabled")
		} else {
			defer rdb.Close()
			pub := redispub.New(rdb, cfg.Redis.Prefix, time.Duration(cfg.Redis.TTLSec)*time.Second)
			eng.AddListener(pub)
			g.Go(func() error { return pub.Run(ctx) })
			mirror = pub
		}
	}

	if cfg.Alert.Enabled {
		if !dt.Enabled() {
			log.Warn().Msg("alerts enabled without a dingtalk webhook")
		}
		alertSvc := alert.NewService(dt, st, alert.Config{
			RateLimit: alert.RateLimitConfig{
				PerMinute: cfg.Alert.RateLimit.PerMinute,
				Burst:     cfg.Alert.RateLimit.Burst,
			},
			QueueSize: cfg.Alert.QueueSize,
		})
		if err := alertSvc.Prime(); err != nil {
			log.Warn().Err(err).Msg("prime alert dedup")
		}
		eng.AddListener(alertSvc)
		g.Go(func() error { return alertSvc.Run(ctx) })
	}

	if err := eng.Start(ctx, engCfg); err != nil {
		stop()
		_ = g.Wait()
		return fmt.Errorf("start engine: %w", err)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	h := server.Default(server.WithHostPorts(addr), server.WithExitWaitTime(time.Second))
	api.RegisterRoutes(h, api.Deps{
		Engine:   eng,
		Store:    st,
		Dingtalk: dt,
		Mirror:   mirror,
		Display:  cfg.Display,
	})

	g.Go(func() error {
		log.Info().Str("addr", addr).Str("level", cfg.Log.Level).Msg("server starting")
		if err := h.Run(); err != nil && ctx.Err() == nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http shutdown")
		}
		return eng.Stop(shutdownCtx)
	})

	return g.Wait()
}

// applyPreferences lets settings saved through the API win over the file.
func applyPreferences(cfg *config.Config, st *store.Store) {
	prefs, err := st.LoadPreferences()
	if err != nil {
		log.Warn().Err(err).Msg("load preferences")
		return
	}
	if prefs == nil {
		return
	}
	next := *cfg
	if len(prefs.Symbols) > 0 {
		next.Market.Symbols = prefs.Symbols
	}
	if prefs.IntervalSec > 0 {
		next.Market.IntervalSec = prefs.IntervalSec
	}
	if prefs.Display != nil {
		next.Display = *prefs.Display
	}
	if _, err := next.Engine(); err != nil {
		log.Warn().Err(err).Msg("saved preferences rejected, using config file")
		return
	}
	*cfg = next
	log.Info().Strs("symbols", next.Market.Symbols).Int("interval_sec", next.Market.IntervalSec).Msg("preferences applied")
}
