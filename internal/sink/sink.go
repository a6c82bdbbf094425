// internal/sink/sink.go
package sink

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/YaganovValera/market-feed/internal/metrics"
	"github.com/YaganovValera/market-feed/pkg/logger"
	"github.com/YaganovValera/market-feed/pkg/polymarket"
)

// Consumer принимает декодированные обновления и уведомления о кадрах,
// которые не удалось разобрать.
type Consumer interface {
	// Consume получает одно обновление. Ошибка не прерывает сессию.
	Consume(ctx context.Context, u polymarket.MarketUpdate) error
	// DecodeFailed вызывается для текстового кадра, не являющегося MarketUpdate.
	DecodeFailed(ctx context.Context, raw string, err error)
}

// Pinger реализуют sink-и поверх внешних систем; используется в readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// -----------------------------------------------------------------------------
// Multi
// -----------------------------------------------------------------------------

// Named связывает Consumer с именем для метрик.
type Named struct {
	Name     string
	Consumer Consumer
}

// Multi рассылает каждое событие всем потребителям по порядку.
type Multi struct {
	sinks []Named
}

// NewMulti создаёт fan-out поверх sinks.
func NewMulti(sinks ...Named) *Multi {
	return &Multi{sinks: sinks}
}

// Consume вызывает все sink-и и объединяет их ошибки.
func (m *Multi) Consume(ctx context.Context, u polymarket.MarketUpdate) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Consumer.Consume(ctx, u); err != nil {
			metrics.SinkErrors.WithLabelValues(s.Name).Inc()
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// DecodeFailed рассылает уведомление всем sink-ам.
func (m *Multi) DecodeFailed(ctx context.Context, raw string, err error) {
	for _, s := range m.sinks {
		s.Consumer.DecodeFailed(ctx, raw, err)
	}
}

// -----------------------------------------------------------------------------
// Log
// -----------------------------------------------------------------------------

// Log пишет обновления в лог. Sink по умолчанию.
type Log struct {
	log *logger.Logger
}

// NewLog создаёт логирующий sink.
func NewLog(log *logger.Logger) *Log {
	return &Log{log: log.Named("sink.log")}
}

func (l *Log) Consume(ctx context.Context, u polymarket.MarketUpdate) error {
	l.log.WithContext(ctx).Info("market update",
		zap.String("market_id", u.MarketID),
		zap.Float64("price", u.Price),
		zap.String("outcome", u.Outcome),
		zap.Uint64("timestamp", u.Timestamp),
	)
	return nil
}

// DecodeFailed ничего не делает: диспетчер уже залогировал сырой текст.
func (l *Log) DecodeFailed(context.Context, string, error) {}
