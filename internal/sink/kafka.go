// internal/sink/kafka.go
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/market-feed/pkg/kafka"
	"github.com/YaganovValera/market-feed/pkg/logger"
	"github.com/YaganovValera/market-feed/pkg/polymarket"
)

// KafkaConfig: топики sink-а. DeadLetterTopic пуст → нераспознанные кадры не публикуются.
type KafkaConfig struct {
	Topic           string `mapstructure:"topic"`
	DeadLetterTopic string `mapstructure:"dead_letter_topic"`
}

// deadLetter: запись о кадре, который не удалось декодировать.
type deadLetter struct {
	Raw        string    `json:"raw"`
	Error      string    `json:"error"`
	ReceivedAt time.Time `json:"received_at"`
	SessionID  string    `json:"session_id,omitempty"`
}

// Kafka публикует каждое обновление как JSON с ключом market id.
type Kafka struct {
	cfg  KafkaConfig
	prod kafka.Producer
	log  *logger.Logger
	now  func() time.Time
}

// NewKafka создаёт sink поверх готового продьюсера.
func NewKafka(cfg KafkaConfig, prod kafka.Producer, log *logger.Logger) (*Kafka, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("sink kafka: topic required")
	}
	return &Kafka{
		cfg:  cfg,
		prod: prod,
		log:  log.Named("sink.kafka").With(zap.String("topic", cfg.Topic)),
		now:  time.Now,
	}, nil
}

func (k *Kafka) Consume(ctx context.Context, u polymarket.MarketUpdate) error {
	value, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("sink kafka: marshal: %w", err)
	}
	if err := k.prod.Publish(ctx, k.cfg.Topic, []byte(u.MarketID), value); err != nil {
		return fmt.Errorf("sink kafka: publish: %w", err)
	}
	return nil
}

// DecodeFailed отправляет сырой кадр в dead-letter топик, если он задан.
func (k *Kafka) DecodeFailed(ctx context.Context, raw string, decodeErr error) {
	if k.cfg.DeadLetterTopic == "" {
		return
	}
	rec := deadLetter{Raw: raw, ReceivedAt: k.now().UTC()}
	if decodeErr != nil {
		rec.Error = decodeErr.Error()
	}
	if sid, ok := logger.SessionIDFromContext(ctx); ok {
		rec.SessionID = sid
	}
	value, err := json.Marshal(rec)
	if err != nil {
		k.log.Error("dead letter marshal failed", zap.Error(err))
		return
	}
	if err := k.prod.Publish(ctx, k.cfg.DeadLetterTopic, nil, value); err != nil {
		k.log.WithContext(ctx).Warn("dead letter publish failed",
			zap.String("dead_letter_topic", k.cfg.DeadLetterTopic),
			zap.Error(err),
		)
	}
}

// Ping проверяет доступность брокеров.
func (k *Kafka) Ping(ctx context.Context) error { return k.prod.Ping(ctx) }

// Close закрывает продьюсер.
func (k *Kafka) Close() error { return k.prod.Close() }
