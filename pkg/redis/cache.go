// pkg/redis/cache.go
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/market-feed/pkg/backoff"
	"github.com/YaganovValera/market-feed/pkg/logger"
)

var (
	redisMetrics = struct {
		GetErrors        prometheus.Counter
		SetErrors        prometheus.Counter
		OperationLatency prometheus.Histogram
	}{
		GetErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "feed", Subsystem: "redis", Name: "get_errors_total",
			Help: "Total number of errors on Redis GET",
		}),
		SetErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "feed", Subsystem: "redis", Name: "set_errors_total",
			Help: "Total number of errors on Redis SET",
		}),
		OperationLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "feed", Subsystem: "redis", Name: "operation_latency_seconds",
			Help:    "Latency of Redis operations",
			Buckets: prometheus.DefBuckets,
		}),
	}
	tracer = otel.Tracer("feed/redis")
)

const (
	opConnect = "redis.connect"
	opGet     = "redis.get"
	opSet     = "redis.set"
)

// ErrNotFound возвращается, если ключ отсутствует.
var ErrNotFound = errors.New("redis: key not found")

// Storage: key/value хранилище с TTL.
type Storage interface {
	// Get возвращает значение по ключу или ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set сохраняет значение с TTL из конфигурации.
	Set(ctx context.Context, key string, value []byte) error
	// Ping проверяет соединение, для readiness.
	Ping(ctx context.Context) error
	Close() error
}

// Config хранит параметры подключения к Redis.
type Config struct {
	URL     string         `mapstructure:"url"` // e.g. "redis://host:6379/0"
	TTL     time.Duration  `mapstructure:"ttl"` // default: 10m
	Backoff backoff.Config `mapstructure:"backoff"`
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 10 * time.Minute
	}
}

func (c *Config) validate() error {
	if c.URL == "" {
		return fmt.Errorf("redis: URL required")
	}
	return nil
}

type redisStorage struct {
	client     *goredis.Client
	ttl        time.Duration
	log        *logger.Logger
	backoffCfg backoff.Config
}

// New соединяется с Redis (с ретраями) и возвращает Storage.
func New(ctx context.Context, cfg Config, log *logger.Logger) (Storage, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("redis")

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse URL: %w", err)
	}
	client := goredis.NewClient(opts)

	op := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	ctxConn, span := tracer.Start(ctx, "Connect", trace.WithAttributes(attribute.String("addr", opts.Addr)))
	if err := backoff.Execute(ctxConn, opConnect, cfg.Backoff, log, op); err != nil {
		span.RecordError(err)
		span.End()
		_ = client.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	span.End()
	log.Info("redis: connected", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))

	return &redisStorage{
		client:     client,
		ttl:        cfg.TTL,
		log:        log,
		backoffCfg: cfg.Backoff,
	}, nil
}

func (r *redisStorage) Get(ctx context.Context, key string) ([]byte, error) {
	ctxOp, span := tracer.Start(ctx, "Get", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	start := time.Now()
	var data []byte
	op := func(ctx context.Context) error {
		val, err := r.client.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return backoff.Permanent(ErrNotFound)
		}
		if err != nil {
			return err
		}
		data = val
		return nil
	}
	if err := backoff.Execute(ctxOp, opGet, r.backoffCfg, r.log, op); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		redisMetrics.GetErrors.Inc()
		r.log.WithContext(ctx).Error("redis GET failed", zap.String("key", key), zap.Error(err))
		span.RecordError(err)
		return nil, err
	}
	redisMetrics.OperationLatency.Observe(time.Since(start).Seconds())
	return data, nil
}

func (r *redisStorage) Set(ctx context.Context, key string, value []byte) error {
	ctxOp, span := tracer.Start(ctx, "Set", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	start := time.Now()
	op := func(ctx context.Context) error {
		return r.client.Set(ctx, key, value, r.ttl).Err()
	}
	if err := backoff.Execute(ctxOp, opSet, r.backoffCfg, r.log, op); err != nil {
		redisMetrics.SetErrors.Inc()
		r.log.WithContext(ctx).Error("redis SET failed", zap.String("key", key), zap.Error(err))
		span.RecordError(err)
		return err
	}
	redisMetrics.OperationLatency.Observe(time.Since(start).Seconds())
	return nil
}

func (r *redisStorage) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisStorage) Close() error {
	return r.client.Close()
}
