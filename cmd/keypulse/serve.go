package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"

	"github.com/xiaopang/keypulse/internal/api"
	"github.com/xiaopang/keypulse/internal/auth"
	"github.com/xiaopang/keypulse/internal/cache"
	"github.com/xiaopang/keypulse/internal/config"
	"github.com/xiaopang/keypulse/internal/core"
	"github.com/xiaopang/keypulse/internal/dashboard"
	"github.com/xiaopang/keypulse/internal/gateway"
	"github.com/xiaopang/keypulse/internal/logger"
	"github.com/xiaopang/keypulse/internal/metrics"
	"github.com/xiaopang/keypulse/internal/stats"
	"github.com/xiaopang/keypulse/internal/store"
	"github.com/xiaopang/keypulse/internal/tracker"
	"github.com/xiaopang/keypulse/internal/usage"
	"github.com/xiaopang/keypulse/internal/version"
)

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway and dashboard server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "配置文件路径")
	return cmd
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logs := logger.Configure(cfg.Logging.Level, cfg.Logging.BufferLines)
	log := logger.Named("main")
	log.Info("config loaded", "path", configPath, "version", version.Version)

	// 初始化存储
	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	// 密钥池：配置在前，数据库中管理接口添加的在后
	pool := core.NewKeyPool(db)
	pool.LoadFromConfig(cfg.Keys)
	if err := pool.Load(); err != nil {
		log.Warn("failed to load keys from db", "error", err)
	}
	if pool.Count() == 0 {
		log.Warn("no api keys configured, completions will fail until a key is added")
	}
	log.Info("key pool ready", "keys", pool.Count())

	// 遥测存储
	callStats := stats.NewStore(nil)
	responses := cache.New[openai.ChatCompletionResponse](cache.Options{
		TTL:           cfg.CacheTTL(),
		MaxEntries:    cfg.Cache.MaxEntries,
		ConsumeOnRead: cfg.Cache.RemoveAfterUse,
	})
	tasks := tracker.New(tracker.Options{
		Base:              cfg.Concurrency.Base,
		IncreaseOnFailure: cfg.Concurrency.IncreaseOnFailure,
		Max:               cfg.Concurrency.Max,
		FailureWindow:     time.Duration(cfg.Concurrency.FailureWindow) * time.Second,
	})

	limiter := core.NewRateLimiter(core.ClientLimits{
		PerMinute:       cfg.Limits.MaxRequestsPerMinute,
		PerDay:          cfg.Limits.MaxRequestsPerDayPerIP,
		DetectReconnect: cfg.Limits.ReconnectDetection,
	})
	defer limiter.Stop()

	upstream := gateway.NewOpenAIUpstream(cfg.Upstream.BaseURL, time.Duration(cfg.Upstream.Timeout)*time.Second)
	gw := gateway.New(gateway.Deps{
		Router:   core.NewRouter(pool, tasks),
		Limiter:  limiter,
		Cache:    responses,
		Stats:    callStats,
		Tracker:  tasks,
		Upstream: upstream,
	}, gateway.Options{
		MaxRetries:         cfg.Upstream.MaxRetries,
		RandomString:       cfg.Streaming.RandomString,
		RandomStringLength: cfg.Streaming.RandomStringLength,
	})

	// 后台清理
	maintainer := core.NewMaintainer(time.Duration(cfg.Maintenance.Interval)*time.Second, nil,
		core.Job{Name: "stats", Run: callStats.Prune},
		core.Job{Name: "cache", Run: responses.CleanExpired},
		core.Job{Name: "tasks", Run: func(now time.Time) int {
			tasks.PruneFailures(now)
			return tasks.CleanCompleted()
		}},
		core.Job{Name: "audit", Run: func(time.Time) int {
			n, err := db.CleanOldAudit(cfg.Maintenance.AuditRetentionDays)
			if err != nil {
				log.Warn("clean audit log failed", "error", err)
			}
			return int(n)
		}},
	)
	maintainer.Start()
	defer maintainer.Stop()

	// 版本检查
	checkURL := ""
	if cfg.Version.Enabled {
		checkURL = cfg.Version.CheckURL
	}
	checker := version.NewChecker(checkURL, time.Duration(cfg.Version.Interval)*time.Second)
	checker.Start()
	defer checker.Stop()

	verifier := auth.NewVerifier(cfg.Server.AdminPassword)
	if !verifier.Configured() {
		log.Warn("admin_password is empty, stats reset and key management are disabled")
	}

	builder := dashboard.NewBuilder(dashboard.Deps{
		Stats:    callStats,
		Cache:    responses,
		Tracker:  tasks,
		Keys:     pool,
		Models:   cfg.Upstream.Models,
		Logs:     logs,
		Version:  checker,
		History:  limiter,
		Verifier: verifier,
	}, dashboard.Settings{
		DailyLimit:             cfg.Limits.DailyPerKey,
		MaxRetries:             cfg.Upstream.MaxRetries,
		MaxRequestsPerMinute:   cfg.Limits.MaxRequestsPerMinute,
		MaxRequestsPerDayPerIP: cfg.Limits.MaxRequestsPerDayPerIP,
		ReconnectDetection:     cfg.Limits.ReconnectDetection,
		FakeStreaming:          cfg.Streaming.FakeStreaming,
		FakeStreamingInterval:  cfg.Streaming.FakeStreamingInterval,
		RandomString:           cfg.Streaming.RandomString,
		RandomStringLength:     cfg.Streaming.RandomStringLength,
		ConcurrentRequests:     cfg.Concurrency.Base,
		IncreaseOnFailure:      cfg.Concurrency.IncreaseOnFailure,
		MaxConcurrentRequests:  cfg.Concurrency.Max,
		LogLines:               cfg.Logging.BufferLines,
	})

	reg, recorder := metrics.NewRegistry(metrics.Sources{
		Stats:   callStats,
		Cache:   responses,
		Tracker: tasks,
		KeyUsage: func() []usage.KeyUsage {
			return usage.RankKeys(callStats, pool.Keys(), cfg.Limits.DailyPerKey)
		},
	})

	r := api.SetupRouter(api.Handlers{
		Proxy: api.NewProxyHandler(gw, api.ProxyOptions{
			Models:                cfg.Upstream.Models,
			FakeStreaming:         cfg.Streaming.FakeStreaming,
			FakeStreamingInterval: time.Duration(cfg.Streaming.FakeStreamingInterval * float64(time.Second)),
			Recorder:              recorder,
		}),
		Admin: api.NewAdminHandler(api.AdminOptions{
			Builder:      builder,
			Pool:         pool,
			Audit:        db,
			Buckets:      callStats,
			Concurrency:  tasks,
			Recorder:     recorder,
			OnKeyRemoved: upstream.Forget,
		}),
		Gatherer: reg,
		APIKey:   cfg.Server.APIKey,
		Verifier: verifier,
	})

	// 使用 http.Server 以支持 Graceful Shutdown
	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srvErr := make(chan error, 1)
	go func() {
		log.Info("keypulse starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	select {
	case err := <-srvErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		log.Info("shutdown signal received, draining connections")
	}

	// 给在途请求 15 秒的时间完成
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", "error", err)
	}

	// deferred 的 Stop / Close 会依次执行
	log.Info("server stopped gracefully")
	return nil
}
