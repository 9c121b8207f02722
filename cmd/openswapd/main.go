package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/sync/errgroup"

	"OpenSwap-Chain/internal/api"
	"OpenSwap-Chain/internal/asset"
	"OpenSwap-Chain/internal/auth"
	"OpenSwap-Chain/internal/config"
	"OpenSwap-Chain/internal/observability/metrics"
	"OpenSwap-Chain/internal/swap"
	"OpenSwap-Chain/internal/web3/provider"
	"OpenSwap-Chain/pkg/logger"
)

// main 是 OpenSwap 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("openswapd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("OPENSWAP_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "openswap.json")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(loggerConfig(cfg.Logging)); err != nil {
		return err
	}
	defer logger.Sync()

	assets, err := asset.Load(cfg.Assets.Path)
	if err != nil {
		return err
	}

	repo, err := openRepository(ctx, cfg.Storage.SessionStore)
	if err != nil {
		return err
	}
	// repo 的关闭由 swap.Service.Close 负责。

	journal, closeJournal, err := openJournal(ctx, cfg, repo)
	if err != nil {
		_ = repo.Close()
		return err
	}
	defer closeJournal()

	key, err := loadCustodyKey(cfg.Web3.CustodyKeyEnv)
	if err != nil {
		_ = repo.Close()
		return err
	}
	chains, err := provider.NewRegistry(ctx, cfg.Web3, key, journal)
	if err != nil {
		_ = repo.Close()
		return err
	}
	defer chains.Close()

	custody, err := resolveCustody(chains, cfg.Swap.CustodyAddress)
	if err != nil {
		_ = repo.Close()
		return err
	}

	parser, err := newOrderParser(cfg.Intake)
	if err != nil {
		_ = repo.Close()
		return err
	}

	events := metrics.NewEventCounter()
	sink, err := newNotificationSink(ctx, cfg.Notify, events)
	if err != nil {
		_ = repo.Close()
		return err
	}
	defer sink.Close()

	queue, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		_ = repo.Close()
		return err
	}

	store := swap.NewSessionStore(repo, assets, custody,
		swap.WithTombstoneLimit(cfg.Storage.SessionStore.TombstoneLimit))
	coordinator := swap.NewApprovalCoordinator(store, swap.NewDepositVerifier(chains, assets), sink, cfg.Swap.AllowUnbalanced)
	engine := swap.NewExecutionEngine(store, chains, assets, sink, cfg.Execution.ConfirmTimeout())

	opts := []swap.ServiceOption{
		swap.WithOrderParser(parser),
		swap.WithNotificationSink(sink),
		swap.WithProducer(queue),
	}
	if cfg.Execution.AutoExecute {
		opts = append(opts, swap.WithAutoExecute(queue))
	}
	service := swap.NewService(store, coordinator, engine, opts...)
	defer func() {
		if err := service.Close(); err != nil {
			logger.L().Warn("关闭兑换服务失败", slog.Any("error", err))
		}
	}()

	if cfg.Execution.Recover() {
		requeued, err := service.Recover(ctx)
		if err != nil {
			return fmt.Errorf("恢复执行中的会话失败: %w", err)
		}
		if requeued > 0 {
			logger.L().Warn("已重新投递未完成的会话", slog.Int("count", requeued))
		}
	}

	authService, err := newAuthService(cfg.Auth)
	if err != nil {
		return err
	}

	serverOpts := []api.Option{
		api.WithAuth(authService),
		api.WithTimeouts(
			time.Duration(cfg.Server.ReadTimeoutSeconds)*time.Second,
			time.Duration(cfg.Server.WriteTimeoutSeconds)*time.Second,
		),
	}
	if cfg.Metrics.On() {
		serverOpts = append(serverOpts, api.WithMetrics(cfg.Metrics.Path, metrics.Handler(events, service.Stats)))
	}
	server := api.NewServer(cfg.Server.Address, service, serverOpts...)
	processor := swap.NewProcessor(engine, queue,
		swap.WithWorkerCount(cfg.Execution.Workers),
		swap.WithRetryPolicy(cfg.Execution.RetryAttempts, cfg.Execution.RetryBackoff()),
	)

	logger.L().Info("openswapd 启动",
		slog.String("custody", custody),
		slog.String("session_store", cfg.Storage.SessionStore.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("intake", cfg.Intake.Provider),
		slog.Any("chains", chains.Chains()),
		slog.Bool("auto_execute", cfg.Execution.AutoExecute),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Start(groupCtx)
	})
	group.Go(func() error {
		return processor.Start(groupCtx)
	})
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.L().Info("openswapd 已退出")
	return nil
}

func loggerConfig(cfg config.LoggingConfig) logger.Config {
	return logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		OutputPaths: cfg.OutputPaths,
		AddSource:   cfg.AddSource,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Audit.Enabled,
			Path:       cfg.Audit.Path,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
			Compress:   cfg.Audit.Compress,
		},
	}
}

func newAuthService(cfg config.AuthConfig) (*auth.Service, error) {
	if !cfg.Enabled {
		logger.L().Warn("API 认证未开启，任何调用方都可以操作会话")
		return auth.NewService(auth.Config{Mode: auth.ModeDisabled})
	}
	tokens := make([]auth.Token, 0, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		tokens = append(tokens, auth.Token{Name: t.Name, Value: t.Resolve(), Operator: t.Operator})
	}
	return auth.NewService(auth.Config{Mode: auth.ModeStatic, Tokens: tokens})
}

// loadCustodyKey 从环境变量读取十六进制私钥，未设置时以只读模式运行。
func loadCustodyKey(env string) (*ecdsa.PrivateKey, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(os.Getenv(env)), "0x")
	if raw == "" {
		logger.L().Warn("未配置托管私钥，账本只读，执行会失败", slog.String("env", env))
		return nil, nil
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("解析托管私钥失败: %w", err)
	}
	return key, nil
}

// resolveCustody 优先使用签名账户的地址；配置了 custody_address 时两者必须一致。
func resolveCustody(chains *provider.Registry, configured string) (string, error) {
	configured = strings.TrimSpace(configured)
	addr, err := chains.CustodyAddress()
	if err != nil {
		if configured == "" {
			return "", errors.New("既没有托管私钥也没有配置 custody_address")
		}
		return configured, nil
	}
	if configured != "" && !strings.EqualFold(configured, addr) {
		return "", fmt.Errorf("custody_address %s 与私钥地址 %s 不一致", configured, addr)
	}
	return addr, nil
}
