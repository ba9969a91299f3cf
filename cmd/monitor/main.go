package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/joho/godotenv"

	"stock-rise-monitor/internal/alert"
	"stock-rise-monitor/internal/api"
	"stock-rise-monitor/internal/config"
	"stock-rise-monitor/internal/digestagent"
	"stock-rise-monitor/internal/engine"
	"stock-rise-monitor/internal/logger"
	"stock-rise-monitor/internal/market"
	"stock-rise-monitor/internal/persist"
	"stock-rise-monitor/internal/push/dingtalk"
	"stock-rise-monitor/internal/scheduler"
	"stock-rise-monitor/internal/store"
)

func main() {
	configPath := flag.String("config", "configs/monitor.yaml", "path to the YAML config")
	once := flag.Bool("once", false, "run a single cycle and exit")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	log := logger.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpClient := &http.Client{Timeout: time.Duration(cfg.Market.TimeoutMs) * time.Millisecond}
	catalog := market.NewStaticCatalog(cfg.Market.Symbols)
	var (
		primary market.QuoteSource
		remote  market.CatalogSource
	)
	switch strings.ToLower(cfg.Market.Provider) {
	case "ths":
		rc := market.NewRemoteClient(cfg.Market.BaseURL, cfg.Market.Token, httpClient)
		primary, remote = rc, rc
	case "sina":
		primary = market.NewSinaProvider(httpClient)
	case "eastmoney":
		primary = market.NewEastmoneyProvider(httpClient)
	case "synthetic":
	}
	universe := market.NewUniverse(remote, catalog)
	fetcher := market.NewFetcher(primary, market.NewSyntheticSource(nil), market.FetcherConfig{
		BatchSize:  cfg.Market.BatchSize,
		BatchPause: time.Duration(cfg.Market.BatchPauseMs) * time.Millisecond,
	})

	clock, _ := engine.ParseElapsedClock(cfg.Engine.ElapsedClock)

	var st *store.Store
	if cfg.Store.Sqlite.Enabled {
		st, err = store.Open(cfg.Store.Sqlite.Path)
		if err != nil {
			log.WithError(err).Fatal("open store failed")
		}
		defer func() {
			if err := st.Close(); err != nil {
				log.WithError(err).Error("store close error")
			}
		}()
	}

	var pusher alert.Pusher
	if cfg.Push.Dingtalk.Webhook != "" {
		pusher = dingtalk.NewClient(
			cfg.Push.Dingtalk.Webhook,
			cfg.Push.Dingtalk.Secret,
			time.Duration(cfg.Push.Dingtalk.TimeoutMs)*time.Millisecond,
		)
	}

	agent := digestagent.New(digestagent.Config{
		Enabled:    cfg.DigestAgent.Enabled,
		Model:      cfg.DigestAgent.Model,
		APIKey:     cfg.DigestAgent.APIKey,
		BaseURL:    cfg.DigestAgent.BaseURL,
		ByAzure:    cfg.DigestAgent.ByAzure,
		APIVersion: cfg.DigestAgent.APIVersion,
		TimeoutMs:  cfg.DigestAgent.TimeoutMs,
	})

	deps := scheduler.Deps{
		Universe:   universe,
		Fetcher:    fetcher,
		Calculator: engine.NewCalculator(clock),
		History:    engine.NewHistory(),
		Persister:  persist.NewFileStore(cfg.Scheduler.OutputDir),
		Output:     os.Stdout,
	}
	if st != nil {
		deps.Sink = st
	}
	if cfg.Alert.Enabled {
		deps.Notifier = alert.NewService(pusher, agent, st, alert.Config{
			MinRiseSpeed:  cfg.Alert.MinRiseSpeed,
			HighRiseSpeed: cfg.Alert.HighRiseSpeed,
			TopK:          cfg.Alert.TopK,
			DedupWindow:   time.Duration(cfg.Alert.Dedup.WindowSec) * time.Second,
			RateLimit: alert.RateLimitConfig{
				PerMinute: cfg.Alert.RateLimit.PerMinute,
				Burst:     cfg.Alert.RateLimit.Burst,
			},
		})
	}
	sched := scheduler.New(scheduler.Config{
		Interval:       time.Duration(cfg.Scheduler.IntervalSec) * time.Second,
		TopN:           cfg.Scheduler.TopN,
		Save:           cfg.Scheduler.Save,
		FailureBackoff: cfg.Scheduler.FailureBackoff,
	}, deps)

	if *once {
		if _, err := sched.RunCycle(ctx); err != nil {
			log.WithError(err).Error("cycle finished with errors")
			os.Exit(1)
		}
		return
	}

	if cfg.Server.Enabled {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		h := server.Default(server.WithHostPorts(addr))
		apiDeps := api.Deps{Monitor: sched, Store: st, Agent: agent, Pusher: pusher}
		api.RegisterRoutes(h.Engine, apiDeps)
		go func() {
			log.WithField("addr", addr).Info("http server starting")
			if err := h.Run(); err != nil {
				log.WithError(err).Error("http server stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Warn("http server shutdown error")
			}
		}()
	}

	log.WithFields(map[string]any{
		"provider": cfg.Market.Provider,
		"interval": cfg.Scheduler.IntervalSec,
		"top_n":    cfg.Scheduler.TopN,
	}).Info("starting rise-speed monitor")
	if err := sched.Run(ctx); err != nil {
		log.WithError(err).Error("monitor exited with error")
	}
}
