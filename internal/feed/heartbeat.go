// internal/feed/heartbeat.go
package feed

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/market-feed/pkg/logger"
)

// DefaultHeartbeatInterval is the application keepalive period.
const DefaultHeartbeatInterval = 50 * time.Second

// Ticker abstracts time.Ticker so tests can drive ticks by hand.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates a Ticker with the given period.
type TickerFactory func(d time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewRealTicker wraps time.NewTicker.
func NewRealTicker(d time.Duration) Ticker { return realTicker{t: time.NewTicker(d)} }

// Handoff передаёт запросы heartbeat от генератора единственному писателю.
// Ёмкость очереди: 1; закрытие сигнализирует генератору завершиться.
type Handoff struct {
	requests  chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// NewHandoff создаёт очередь ёмкостью 1.
func NewHandoff() *Handoff {
	return &Handoff{
		requests: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

// Requests: сторона потребителя.
func (h *Handoff) Requests() <-chan struct{} { return h.requests }

// Close вызывается потребителем при выходе из Streaming. Идемпотентен.
func (h *Handoff) Close() {
	h.closeOnce.Do(func() { close(h.closed) })
}

// offer блокируется, пока слот занят; false: потребитель ушёл.
func (h *Handoff) offer() bool {
	select {
	case <-h.closed:
		return false
	default:
	}
	select {
	case h.requests <- struct{}{}:
		return true
	case <-h.closed:
		return false
	}
}

// Heartbeat: генератор прикладных heartbeat-запросов по таймеру.
type Heartbeat struct {
	Interval  time.Duration
	NewTicker TickerFactory
	log       *logger.Logger
}

// NewHeartbeat создаёт генератор; нулевые параметры заменяются дефолтами.
func NewHeartbeat(interval time.Duration, newTicker TickerFactory, log *logger.Logger) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if newTicker == nil {
		newTicker = NewRealTicker
	}
	return &Heartbeat{Interval: interval, NewTicker: newTicker, log: log.Named("heartbeat")}
}

// Run выдаёт один запрос на каждый тик, пока h не закрыт.
// Сам ничего не пишет в сокет и не повторяет неудачные отправки.
func (hb *Heartbeat) Run(h *Handoff) {
	t := hb.NewTicker(hb.Interval)
	defer t.Stop()

	hb.log.Debug("heartbeat: started", zap.Duration("interval", hb.Interval))
	defer hb.log.Debug("heartbeat: stopped")

	for {
		select {
		case <-h.closed:
			return
		case <-t.C():
			if !h.offer() {
				return
			}
		}
	}
}
