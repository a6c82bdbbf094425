// internal/sink/redis.go
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/YaganovValera/market-feed/pkg/polymarket"
	"github.com/YaganovValera/market-feed/pkg/redis"
)

// DefaultKeyPrefix: префикс ключей последней цены.
const DefaultKeyPrefix = "polymarket:last"

// errBadValue: под ключом лежит не MarketUpdate; такое значение перезаписывается.
var errBadValue = errors.New("sink redis: stored value is not a market update")

// Redis хранит последнее обновление по каждой паре market/outcome.
type Redis struct {
	prefix string
	store  redis.Storage
}

// NewRedis создаёт sink; пустой prefix заменяется DefaultKeyPrefix.
func NewRedis(prefix string, store redis.Storage) *Redis {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{prefix: prefix, store: store}
}

// Key возвращает ключ вида <prefix>:<market_id>:<outcome>.
func (r *Redis) Key(marketID, outcome string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, marketID, outcome)
}

// Consume сохраняет обновление, если оно не старше уже сохранённого:
// порядок доставки с сервера не гарантирован.
func (r *Redis) Consume(ctx context.Context, u polymarket.MarketUpdate) error {
	prev, err := r.Latest(ctx, u.MarketID, u.Outcome)
	switch {
	case err == nil && prev.Timestamp > u.Timestamp:
		return nil
	case err != nil && !errors.Is(err, redis.ErrNotFound) && !errors.Is(err, errBadValue):
		return fmt.Errorf("sink redis: get: %w", err)
	}

	value, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("sink redis: marshal: %w", err)
	}
	if err := r.store.Set(ctx, r.Key(u.MarketID, u.Outcome), value); err != nil {
		return fmt.Errorf("sink redis: set: %w", err)
	}
	return nil
}

// Latest читает сохранённое обновление; redis.ErrNotFound, если его нет.
func (r *Redis) Latest(ctx context.Context, marketID, outcome string) (polymarket.MarketUpdate, error) {
	data, err := r.store.Get(ctx, r.Key(marketID, outcome))
	if err != nil {
		return polymarket.MarketUpdate{}, err
	}
	var u polymarket.MarketUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return polymarket.MarketUpdate{}, fmt.Errorf("%w: %w", errBadValue, err)
	}
	return u, nil
}

func (r *Redis) DecodeFailed(context.Context, string, error) {}

// Ping проверяет соединение с Redis.
func (r *Redis) Ping(ctx context.Context) error { return r.store.Ping(ctx) }

// Close закрывает хранилище.
func (r *Redis) Close() error { return r.store.Close() }
