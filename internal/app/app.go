// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/market-feed/internal/config"
	"github.com/YaganovValera/market-feed/internal/feed"
	"github.com/YaganovValera/market-feed/internal/httpserver"
	"github.com/YaganovValera/market-feed/internal/metrics"
	"github.com/YaganovValera/market-feed/internal/sink"
	"github.com/YaganovValera/market-feed/pkg/kafka"
	"github.com/YaganovValera/market-feed/pkg/logger"
	"github.com/YaganovValera/market-feed/pkg/polymarket"
	"github.com/YaganovValera/market-feed/pkg/redis"
	"github.com/YaganovValera/market-feed/pkg/telemetry"
)

// Run поднимает sink-и, HTTP-сервер и проводит одну сессию фида.
// Возвращает nil после Close от сервера или отмены ctx; переподключения нет.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	metrics.Register()

	// Трассировка
	if cfg.Telemetry.Enabled {
		shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry, log)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer shutdownSafe(ctx, "telemetry", func() error {
			return shutdownTracer(context.WithoutCancel(ctx))
		}, log)
	}

	// Потребители обновлений
	sinks, err := buildSinks(ctx, cfg, log)
	for _, c := range sinks.closers {
		defer shutdownSafe(ctx, c.name, c.fn, log)
	}
	if err != nil {
		return err
	}

	connect := func(ctx context.Context) (feed.Transport, error) {
		s, err := polymarket.Dial(ctx, cfg.WebSocket.Config, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	dispatcher := feed.New(feed.Config{
		AssetIDs:          cfg.Subscription.AssetIDs,
		Markets:           cfg.Subscription.Markets,
		Auth:              cfg.Subscription.Auth.Payload(),
		HeartbeatInterval: cfg.WebSocket.HeartbeatInterval,
		SinkBuffer:        cfg.WebSocket.SinkBuffer,
	}, connect, sinks.consumer, log)

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	// HTTP
	if cfg.HTTP.Enabled {
		srv, err := httpserver.New(cfg.HTTP, readiness(dispatcher, sinks.checks...), nil, log)
		if err != nil {
			return fmt.Errorf("httpserver init: %w", err)
		}
		g.Go(func() error { return srv.Start(runCtx) })
	}

	// Сессия фида; её завершение останавливает и HTTP
	g.Go(func() error {
		defer cancel()
		return dispatcher.Run(runCtx)
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			log.WithContext(ctx).Info("market-feed stopped by context")
			return nil
		}
		return err
	}
	log.WithContext(ctx).Info("market-feed session finished")
	return nil
}

// readiness: сессия в Streaming и все внешние sink-и отвечают.
func readiness(d *feed.Dispatcher, checks ...sinkCheck) httpserver.ReadyChecker {
	return func(ctx context.Context) error {
		if s := d.State(); s != feed.StateStreaming {
			return fmt.Errorf("feed session is %s", s)
		}
		ctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		for _, p := range checks {
			if err := p.target.Ping(ctx); err != nil {
				return fmt.Errorf("sink %s: %w", p.name, err)
			}
		}
		return nil
	}
}

const pingTimeout = 2 * time.Second

type closer struct {
	name string
	fn   func() error
}

type sinkCheck struct {
	name   string
	target sink.Pinger
}

type builtSinks struct {
	consumer sink.Consumer
	closers  []closer
	checks   []sinkCheck
}

// buildSinks собирает включённые sink-и. closers возвращаются даже при ошибке,
// чтобы уже созданные ресурсы были закрыты.
func buildSinks(ctx context.Context, cfg *config.Config, log *logger.Logger) (builtSinks, error) {
	var (
		out   builtSinks
		named []sink.Named
	)

	if cfg.Sinks.Log.Enabled {
		named = append(named, sink.Named{Name: "log", Consumer: sink.NewLog(log)})
	}

	if kc := cfg.Sinks.Kafka; kc.Enabled {
		prod, err := kafka.New(ctx, kc.Config, log)
		if err != nil {
			return out, fmt.Errorf("kafka producer init: %w", err)
		}
		k, err := sink.NewKafka(kc.KafkaConfig, prod, log)
		if err != nil {
			_ = prod.Close()
			return out, err
		}
		named = append(named, sink.Named{Name: "kafka", Consumer: k})
		out.closers = append(out.closers, closer{"kafka-producer", k.Close})
		out.checks = append(out.checks, sinkCheck{"kafka", k})
	}

	if rc := cfg.Sinks.Redis; rc.Enabled {
		store, err := redis.New(ctx, rc.Config, log)
		if err != nil {
			return out, fmt.Errorf("redis init: %w", err)
		}
		r := sink.NewRedis(rc.KeyPrefix, store)
		named = append(named, sink.Named{Name: "redis", Consumer: r})
		out.closers = append(out.closers, closer{"redis", r.Close})
		out.checks = append(out.checks, sinkCheck{"redis", r})
	}

	if len(named) == 0 {
		log.Warn("no sinks enabled: market updates will be dropped")
	}
	names := make([]string, 0, len(named))
	for _, s := range named {
		names = append(names, s.Name)
	}
	log.Info("sinks ready", zap.Strings("sinks", names))

	out.consumer = sink.NewMulti(named...)
	return out, nil
}

// shutdownSafe оборачивает вызов Close()/Shutdown() с логированием
func shutdownSafe(ctx context.Context, name string, fn func() error, log *logger.Logger) {
	log.WithContext(ctx).Info(fmt.Sprintf("%s: shutting down", name))
	if err := fn(); err != nil {
		log.WithContext(ctx).Error(fmt.Sprintf("%s shutdown error", name), zap.Error(err))
	} else {
		log.WithContext(ctx).Info(fmt.Sprintf("%s: shutdown complete", name))
	}
}
