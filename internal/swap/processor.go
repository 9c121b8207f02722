package swap

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "OpenSwap-Chain/internal/errors"
	"OpenSwap-Chain/pkg/logger"
)

// Executor 定义了处理器所需的执行能力，*ExecutionEngine 实现了该接口。
type Executor interface {
	Execute(ctx context.Context, sessionID string) (*ExecutionResult, error)
}

const (
	defaultMaxAttempts  = 5
	defaultRetryBackoff = 500 * time.Millisecond
	maxRetryBackoff     = 30 * time.Second
)

// Processor 从执行队列消费会话 ID 并交给执行引擎。
type Processor struct {
	executor    Executor
	consumer    Consumer
	workerCount int
	logger      *slog.Logger

	maxAttempts int
	backoff     time.Duration

	mu       sync.Mutex
	attempts map[string]int
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRetryPolicy 设置可重试错误的最大尝试次数与首次退避时长，退避按次数翻倍。
func WithRetryPolicy(maxAttempts int, backoff time.Duration) ProcessorOption {
	return func(p *Processor) {
		if maxAttempts > 0 {
			p.maxAttempts = maxAttempts
		}
		if backoff >= 0 {
			p.backoff = backoff
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		consumer:    consumer,
		workerCount: 1,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultRetryBackoff,
		attempts:    make(map[string]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("processor")
	}
	return p
}

// Start 启动消费循环，直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置执行队列或执行引擎")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// handle 只把可重试的错误返回给队列；账本失败是终态，需要人工处理。
// 可重试的错误先按退避等待再交还队列，超过尝试上限后丢弃，留给启动恢复处理。
func (p *Processor) handle(ctx context.Context, sessionID string) error {
	result, err := p.executor.Execute(ctx, sessionID)
	if err == nil || !xerrors.RetryableError(err) {
		p.forget(sessionID)
	}
	switch {
	case err == nil:
		if result != nil {
			logger.Session(sessionID).Info("执行结束",
				slog.String("state", string(result.State)),
				slog.String("attempt_id", result.AttemptID),
			)
		}
		return nil
	case xerrors.HasCode(err, CodePreconditionFailed),
		xerrors.HasCode(err, CodeSessionStale),
		xerrors.HasCode(err, CodeSessionNotFound):
		p.logger.Debug("跳过会话", slog.String("session_id", sessionID), slog.String("reason", err.Error()))
		return nil
	case isLedgerFailure(err):
		logger.Session(sessionID).Error("执行失败，需人工对账",
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.String("error", err.Error()),
		)
		return nil
	case xerrors.RetryableError(err):
		attempt := p.attempt(sessionID)
		if attempt >= p.maxAttempts {
			p.forget(sessionID)
			p.logger.Error("重试次数耗尽，放弃排队",
				slog.Any("error", err),
				slog.String("session_id", sessionID),
				slog.Int("attempts", attempt),
				slog.Bool("alert", true),
			)
			return nil
		}
		delay := retryDelay(p.backoff, attempt)
		p.logger.Warn("执行会话出错，稍后重试",
			slog.Any("error", err),
			slog.String("session_id", sessionID),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
		)
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
		}
		return err
	default:
		p.logger.Error("执行会话出错",
			slog.Any("error", err),
			slog.String("session_id", sessionID),
			slog.Bool("retryable", false),
		)
		return err
	}
}

func (p *Processor) attempt(sessionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts[sessionID]++
	return p.attempts[sessionID]
}

func (p *Processor) forget(sessionID string) {
	p.mu.Lock()
	delete(p.attempts, sessionID)
	p.mu.Unlock()
}

// retryDelay 返回第 attempt 次失败后的等待时长，从 base 开始翻倍，上限 maxRetryBackoff。
func retryDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt && delay < maxRetryBackoff; i++ {
		delay *= 2
	}
	if delay > maxRetryBackoff {
		delay = maxRetryBackoff
	}
	return delay
}
