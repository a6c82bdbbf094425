// pkg/backoff/backoff.go
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/YaganovValera/market-feed/pkg/logger"
)

// Исходы Execute, метка outcome.
const (
	OutcomeSuccess   = "success"
	OutcomePermanent = "permanent"
	OutcomeExhausted = "exhausted"
	OutcomeCanceled  = "canceled"
)

// Метрики размечены операцией (kafka.publish, redis.set, ...),
// чтобы ретраи брокера и кэша было видно по отдельности.
var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feed", Subsystem: "retry", Name: "attempts_total",
		Help: "Calls of a retried operation, including the first one",
	}, []string{"op"})

	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feed", Subsystem: "retry", Name: "outcomes_total",
		Help: "Final result of a retried operation",
	}, []string{"op", "outcome"})

	delaySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "feed", Subsystem: "retry", Name: "delay_seconds",
		Help:    "Pause before the next attempt",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"op"})
)

// Config: параметры экспоненциальной задержки. Нули заменяются дефолтами,
// кроме MaxElapsedTime: 0 означает «без лимита».
type Config struct {
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	RandomizationFactor float64       `mapstructure:"randomization_factor"`
	Multiplier          float64       `mapstructure:"multiplier"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	MaxElapsedTime      time.Duration `mapstructure:"max_elapsed_time"`
	// PerAttemptTimeout ограничивает один вызов fn.
	PerAttemptTimeout time.Duration `mapstructure:"per_attempt_timeout"`
}

func (c *Config) applyDefaults() {
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.RandomizationFactor <= 0 {
		c.RandomizationFactor = 0.5
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
}

func (c Config) validate() error {
	if c.RandomizationFactor > 1 {
		return fmt.Errorf("backoff: randomization_factor must be in [0,1], got %v", c.RandomizationFactor)
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("backoff: multiplier must be >= 1, got %v", c.Multiplier)
	}
	return nil
}

func (c Config) policy(ctx context.Context) backoff.BackOffContext {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.InitialInterval
	bo.RandomizationFactor = c.RandomizationFactor
	bo.Multiplier = c.Multiplier
	bo.MaxInterval = c.MaxInterval
	bo.MaxElapsedTime = c.MaxElapsedTime
	return backoff.WithContext(bo, ctx)
}

// Func: повторяемая операция.
type Func func(ctx context.Context) error

// GiveUpError: операция так и не удалась.
type GiveUpError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *GiveUpError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *GiveUpError) Unwrap() error { return e.Err }

// Permanent помечает ошибку как неповторяемую. Execute вернёт её как есть.
func Permanent(err error) error { return backoff.Permanent(err) }

// Execute вызывает fn, пока она не вернёт nil, ошибку Permanent,
// пока не истечёт MaxElapsedTime или не отменится ctx.
// op идёт в метки метрик и в лог.
func Execute(ctx context.Context, op string, cfg Config, log *logger.Logger, fn Func) error {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}

	var (
		attempts  int
		permanent bool
	)
	call := func() error {
		attempts++
		attemptsTotal.WithLabelValues(op).Inc()

		actx, cancel := ctx, context.CancelFunc(func() {})
		if cfg.PerAttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, cfg.PerAttemptTimeout)
		}
		defer cancel()

		err := fn(actx)
		var perr *backoff.PermanentError
		if errors.As(err, &perr) {
			permanent = true
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		delaySeconds.WithLabelValues(op).Observe(delay.Seconds())
		log.Warn("retrying",
			zap.String("op", op),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(call, cfg.policy(ctx), notify)
	switch {
	case err == nil:
		outcomesTotal.WithLabelValues(op, OutcomeSuccess).Inc()
		return nil
	case permanent:
		// например redis ErrNotFound: это ответ, а не сбой
		outcomesTotal.WithLabelValues(op, OutcomePermanent).Inc()
		return err
	case ctx.Err() != nil:
		outcomesTotal.WithLabelValues(op, OutcomeCanceled).Inc()
		return &GiveUpError{Op: op, Attempts: attempts, Err: err}
	default:
		outcomesTotal.WithLabelValues(op, OutcomeExhausted).Inc()
		log.Error("retries exhausted",
			zap.String("op", op),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return &GiveUpError{Op: op, Attempts: attempts, Err: err}
	}
}
