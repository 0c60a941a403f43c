package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/tradecore/internal/domain"
	"github.com/betbot/tradecore/internal/events"
	"github.com/betbot/tradecore/internal/execution"
	"github.com/betbot/tradecore/internal/marketstate"
	"github.com/betbot/tradecore/internal/metrics"
	"github.com/betbot/tradecore/internal/pullclient"
	"github.com/betbot/tradecore/internal/risk"
	"github.com/betbot/tradecore/internal/session"
	"github.com/betbot/tradecore/internal/storage/intentarchive"
	"github.com/betbot/tradecore/pkg/config"
	"github.com/betbot/tradecore/pkg/logger"
	"github.com/betbot/tradecore/pkg/persistence"
	"github.com/betbot/tradecore/pkg/ratelimit"
	"github.com/betbot/tradecore/pkg/retry"
	"github.com/betbot/tradecore/pkg/sdk/api"
	"github.com/betbot/tradecore/pkg/sdk/websocket"
	"github.com/betbot/tradecore/pkg/shutdown"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（支持 .yaml, .yml, .json）")
	flag.Parse()

	if *configPath == "" {
		if _, err := os.Stat("yml/config.yaml"); err == nil {
			*configPath = "yml/config.yaml"
		}
	}
	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputFile: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	}); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}
	if *configPath != "" {
		logrus.Infof("使用配置文件: %s", *configPath)
	} else {
		logrus.Warn("未指定配置文件，使用环境变量和默认值")
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	stopper := shutdown.NewManager()

	if err := run(rootCtx, cfg, stopper); err != nil {
		logrus.Errorf("启动失败: %v", err)
		stopper.Shutdown(context.Background())
		os.Exit(1)
	}

	logrus.Info("✅ tradecore 已启动，按 Ctrl+C 停止")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logrus.Info("收到停止信号，正在关闭...")
	rootCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	stopper.Shutdown(shutdownCtx)
	logrus.Info("✅ tradecore 已停止")
}

// run 按依赖顺序组装组件；每启动一个组件就注册对应的关闭回调
func run(ctx context.Context, cfg *config.Config, stopper *shutdown.Manager) error {
	bus := events.NewBus()
	bus.Subscribe(events.LogSink(nil))
	bus.Subscribe(metrics.EventSink())

	ledger := newLedger(cfg)
	ledger.OnThreshold(func(ev ratelimit.ThresholdEvent) {
		bus.Publish(events.BudgetThresholdEvent{
			Class:       string(ev.Class),
			From:        ev.From.String(),
			To:          ev.To.String(),
			Utilization: ev.Utilization,
			Timestamp:   ev.At,
		})
	})

	breaker := risk.NewCircuitBreaker(risk.CircuitBreakerConfig{
		FailureThreshold: int64(cfg.Breaker.FailureThreshold),
		Cooldown:         cfg.Breaker.Cooldown,
	})
	breaker.OnStateChange(func(ch risk.StateChange) {
		bus.Publish(events.BreakerStateEvent{From: ch.From.String(), To: ch.To.String(), Reason: ch.Reason, Timestamp: ch.At})
	})

	policy := newPolicy(cfg)
	seq := &domain.Sequencer{}

	var signer *api.Signer
	if cfg.HasCredentials() {
		s, err := api.NewSigner(cfg.Exchange.APIKey, cfg.Exchange.APISecret)
		if err != nil {
			return err
		}
		signer = s
	} else {
		logrus.Warn("⚠️ 未配置 API 密钥，只订阅公共频道")
	}
	proxyURL := cfg.Exchange.Proxy.URL()
	pull := pullclient.New(
		api.NewClient(cfg.Exchange.RESTURL, signer, cfg.Exchange.RequestTimeout, proxyURL),
		ledger, breaker, policy, seq,
		pullclient.Options{
			BootstrapMaxWait:   cfg.Pull.BootstrapMaxWait,
			InstrumentCacheTTL: cfg.Pull.InstrumentCacheTTL,
			Overrides:          overrides(cfg),
		},
	)
	stopper.OnShutdown("pull_client", func(context.Context) error {
		pull.Close()
		return nil
	})

	db, err := persistence.Open(persistence.Backend(cfg.Storage.Backend), cfg.Storage.StateDir)
	if err != nil {
		return err
	}
	logrus.Infof("💾 持久化后端: %s (%s)", cfg.Storage.Backend, cfg.Storage.StateDir)
	stopper.OnShutdown("persistence", func(context.Context) error { return db.Close() })

	store := marketstate.New(pull, seq, marketstate.Options{
		BalanceTolerance: cfg.Staleness.Balance,
		MarketTolerance:  cfg.Staleness.Market,
		FallbackTimeout:  cfg.Staleness.FallbackTimeout,
		Persistence:      db.NewStore("state", "balances", "v1"),
		FlushInterval:    cfg.Storage.FlushInterval,

		BalanceMaxStreamAge: cfg.Staleness.BalanceStreamMaxAge,
	})
	if err := store.Restore(); err != nil {
		logrus.Warnf("恢复余额失败，从空状态启动: %v", err)
	}
	storeCtx, storeCancel := context.WithCancel(context.Background())
	storeDone := make(chan struct{})
	go func() {
		defer close(storeDone)
		store.Run(storeCtx)
	}()
	stopper.OnShutdown("state_store", func(ctx context.Context) error {
		storeCancel()
		select {
		case <-storeDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err := store.Bootstrap(ctx, cfg.Session.Symbols); err != nil {
		logrus.Warnf("⚠️ 启动预热未完全成功: %v", err)
	}

	tokens := session.NewTokenManager(pull, policy, cfg.Session.TokenRefreshMargin, cfg.Session.TokenSafetyMargin)
	wsCfg := websocket.DefaultConfig()
	wsCfg.ProxyURL = proxyURL
	wsCfg.HandshakeTimeout = cfg.Session.HandshakeTimeout
	sess := session.NewManager(session.Config{
		PublicURL:        cfg.Exchange.PublicWSURL,
		PrivateURL:       cfg.Exchange.PrivateWSURL,
		Symbols:          cfg.Session.Symbols,
		Channels:         channels(cfg),
		HeartbeatTimeout: cfg.Session.HeartbeatTimeout,
		PingInterval:     cfg.Session.PingInterval,
		SubscribeTimeout: cfg.Session.SubscribeTimeout,
		WS:               wsCfg,
	}, tokens, policy, seq, store, bus)
	if err := sess.Start(ctx); err != nil {
		bus.Publish(events.CriticalErrorEvent{Component: "session", Error: err.Error(), Timestamp: time.Now()})
		return err
	}
	stopper.OnShutdown("session", func(context.Context) error {
		sess.Stop()
		return nil
	})

	archive, err := intentarchive.Open(cfg.Storage.ArchivePath)
	if err != nil {
		return err
	}
	stopper.OnShutdown("intent_archive", func(context.Context) error { return archive.Close() })
	if n, err := archive.Prune(ctx, time.Now().Add(-cfg.Storage.ArchiveMaxAge)); err != nil {
		logrus.Warnf("清理过期归档失败: %v", err)
	} else if n > 0 {
		metrics.ArchivePruned.Add(n)
		logrus.Infof("🧹 清理过期归档 %d 条", n)
	}

	coord := execution.New(store, sess, pull, ledger, execution.Options{
		SafetyBuffer:   cfg.Execution.SafetyBuffer,
		MaxUtilization: cfg.Execution.MaxUtilization,
		AckTimeout:     cfg.Execution.AckTimeout,
		Retention:      cfg.Execution.IntentRetention,
		WarnSpacing:    cfg.Execution.WarnSpacing,
		Persistence:    db.NewStore("intents", "open", "v1"),
		Archive:        archive,
		Bus:            bus,
	})
	if err := coord.Restore(); err != nil {
		return err
	}
	if pull.HasCredentials() {
		metrics.ReconcileRuns.Add(1)
		if err := coord.Reconcile(ctx); err != nil {
			metrics.ReconcileErrors.Add(1)
			logrus.Warnf("⚠️ 意图对账未完成: %v", err)
		}
	}
	coordCtx, coordCancel := context.WithCancel(context.Background())
	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		coord.Run(coordCtx)
	}()
	stopper.OnShutdown("execution", func(ctx context.Context) error {
		coordCancel()
		select {
		case <-coordDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	if cfg.OpsAddr != "" {
		opsCtx, opsCancel := context.WithCancel(context.Background())
		if _, err := metrics.StartAsync(opsCtx, cfg.OpsAddr, metrics.Sources{
			Session: sess,
			Store:   store,
			Ledger:  ledger,
			Breaker: breaker,
			Orders:  coord,
			Archive: archive,
		}); err != nil {
			opsCancel()
			return err
		}
		stopper.OnShutdown("ops", func(context.Context) error {
			opsCancel()
			return nil
		})
	}
	return nil
}

func newLedger(cfg *config.Config) *ratelimit.Ledger {
	classes := make(map[ratelimit.OperationClass]ratelimit.ClassConfig, len(cfg.Budget.Classes))
	for name, b := range cfg.Budget.Classes {
		classes[ratelimit.OperationClass(name)] = ratelimit.ClassConfig{MaxCost: b.MaxCost, DecayRate: b.DecayRate}
	}
	logrus.Infof("预算等级: %s", cfg.Budget.Tier)
	return ratelimit.NewLedger(classes,
		ratelimit.WithSafetyMargin(cfg.Budget.SafetyMargin),
		ratelimit.WithWarnFraction(cfg.Budget.WarnFraction),
	)
}

func newPolicy(cfg *config.Config) *retry.Policy {
	rules := make(map[retry.Class]retry.Rule, len(cfg.Backoff))
	for name, r := range cfg.Backoff {
		rules[retry.Class(name)] = retry.Rule{
			Initial:    r.Initial,
			Max:        r.Max,
			Multiplier: r.Multiplier,
			Jitter:     r.Jitter,
			MaxRetries: r.MaxRetries,
		}
	}
	return retry.NewPolicy(rules, domain.Classify)
}

func channels(cfg *config.Config) []domain.Channel {
	out := make([]domain.Channel, 0, len(cfg.Session.Channels))
	for _, ch := range cfg.Session.Channels {
		p, ok := domain.ParsePriority(ch.Priority)
		if !ok {
			continue
		}
		group := domain.GroupPublic
		if ch.Private {
			if !cfg.HasCredentials() {
				continue
			}
			group = domain.GroupPrivate
		}
		out = append(out, domain.Channel{Name: strings.TrimSpace(ch.Name), Group: group, Priority: p})
	}
	return out
}

func overrides(cfg *config.Config) map[string]pullclient.InstrumentOverride {
	out := make(map[string]pullclient.InstrumentOverride, len(cfg.Execution.Instruments))
	for symbol, o := range cfg.Execution.Instruments {
		out[symbol] = pullclient.InstrumentOverride{MinNotional: o.MinNotional, MinAppliesToSells: o.MinAppliesToSells}
	}
	return out
}
