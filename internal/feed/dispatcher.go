// internal/feed/dispatcher.go
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/YaganovValera/market-feed/internal/metrics"
	"github.com/YaganovValera/market-feed/internal/sink"
	"github.com/YaganovValera/market-feed/pkg/logger"
	"github.com/YaganovValera/market-feed/pkg/polymarket"
)

var tracer = otel.Tracer("feed/dispatcher")

// Transport: поверхность сокета, которой управляет Dispatcher.
// *polymarket.Session удовлетворяет этому интерфейсу.
type Transport interface {
	Send(ctx context.Context, f polymarket.Frame) error
	Frames() <-chan polymarket.Frame
	Err() error
	Close() error
}

// ConnectFunc устанавливает новую сессию.
type ConnectFunc func(ctx context.Context) (Transport, error)

// DefaultSinkBuffer: ёмкость очереди между циклом и sink-ами.
const DefaultSinkBuffer = 1024

// Config: параметры подписки, heartbeat и очереди sink-ов.
type Config struct {
	AssetIDs          []string
	Markets           []string
	Auth              polymarket.AuthPayload
	HeartbeatInterval time.Duration
	// SinkBuffer: сколько событий ждут медленный sink, прежде чем новые
	// начнут отбрасываться. 0 → DefaultSinkBuffer.
	SinkBuffer int
	// NewTicker подменяется в тестах; nil → time.NewTicker.
	NewTicker TickerFactory
}

// event: работа для sink-горутины. decodeErr != nil → кадр не разобран.
type event struct {
	update    polymarket.MarketUpdate
	raw       string
	decodeErr error
}

// Dispatcher проводит одну сессию через
// Connecting → Subscribing → Streaming → Closing → Closed.
// Он единственный писатель в Transport.
type Dispatcher struct {
	cfg      Config
	connect  ConnectFunc
	consumer sink.Consumer
	log      *logger.Logger
	state    atomic.Int32
}

// New создаёт Dispatcher.
func New(cfg Config, connect ConnectFunc, consumer sink.Consumer, log *logger.Logger) *Dispatcher {
	if cfg.SinkBuffer <= 0 {
		cfg.SinkBuffer = DefaultSinkBuffer
	}
	d := &Dispatcher{
		cfg:      cfg,
		connect:  connect,
		consumer: consumer,
		log:      log.Named("feed"),
	}
	d.state.Store(int32(StateClosed))
	return d
}

// State безопасно читается из любых горутин (readiness, метрики).
func (d *Dispatcher) State() State { return State(d.state.Load()) }

func (d *Dispatcher) setState(s State) {
	d.state.Store(int32(s))
	metrics.SessionState.Set(float64(s))
}

// Run выполняет одну сессию и возвращает управление после её завершения.
// Возвращает nil, если сервер прислал Close, ctx.Err() при отмене, иначе фатальную ошибку.
// Переподключения нет: решение о рестарте принимает вызывающий.
func (d *Dispatcher) Run(ctx context.Context) (err error) {
	ctx = logger.ContextWithSessionID(ctx, uuid.NewString())
	ctx, span := tracer.Start(ctx, "feed.session")
	defer span.End()
	if sc := span.SpanContext(); sc.HasTraceID() {
		ctx = logger.ContextWithTraceID(ctx, sc.TraceID().String())
	}
	defer func() {
		if err != nil && !errors.Is(err, context.Canceled) {
			span.RecordError(err)
		}
	}()

	log := d.log.WithContext(ctx)

	// 1) Connecting
	d.setState(StateConnecting)
	log.Info("feed: connecting")
	tr, err := d.connect(ctx)
	if err != nil {
		d.setState(StateClosed)
		log.Error("feed: connect failed", zap.Error(err))
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer d.release(tr, log)

	// 2) Subscribing
	d.setState(StateSubscribing)
	if err := d.subscribe(ctx, tr, log); err != nil {
		return err
	}

	// 3) Streaming
	d.setState(StateStreaming)

	// sink-и работают в своей горутине: их ретраи не задерживают heartbeat
	events := make(chan event, d.cfg.SinkBuffer)
	sinkDone := make(chan struct{})
	go func() {
		defer close(sinkDone)
		d.deliver(ctx, events)
	}()

	h := NewHandoff()
	hb := NewHeartbeat(d.cfg.HeartbeatInterval, d.cfg.NewTicker, log)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		hb.Run(h)
	}()

	err = d.stream(ctx, tr, h, events, log)

	h.Close()
	<-hbDone
	// уже принятые события доставляются до выхода из Run
	close(events)
	<-sinkDone
	return err
}

func (d *Dispatcher) subscribe(ctx context.Context, tr Transport, log *logger.Logger) error {
	ctx, span := tracer.Start(ctx, "feed.subscribe")
	defer span.End()
	span.SetAttributes(
		attribute.StringSlice("assets_ids", d.cfg.AssetIDs),
		attribute.StringSlice("markets", d.cfg.Markets),
	)

	if len(d.cfg.AssetIDs) == 0 {
		log.Warn("feed: subscribing with an empty asset id list")
	}

	frame, err := polymarket.NewMarketSubscription(d.cfg.AssetIDs, d.cfg.Markets, d.cfg.Auth).Encode()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	if err := tr.Send(ctx, frame); err != nil {
		metrics.SendErrors.Inc()
		span.RecordError(err)
		log.Error("feed: subscribe send failed", zap.Error(err))
		return fmt.Errorf("feed: subscribe: %w", err)
	}

	log.Info("feed: subscribed",
		zap.Int("assets", len(d.cfg.AssetIDs)),
		zap.Int("markets", len(d.cfg.Markets)),
		zap.Bool("auth", !d.cfg.Auth.IsZero()),
	)
	return nil
}

func (d *Dispatcher) stream(ctx context.Context, tr Transport, h *Handoff, events chan<- event, log *logger.Logger) error {
	frames := tr.Frames()
	for {
		select {
		case <-ctx.Done():
			log.Info("feed: shutdown requested")
			return ctx.Err()

		case f, ok := <-frames:
			if !ok {
				if err := tr.Err(); err != nil {
					log.Error("feed: receive failed", zap.Error(err))
					return fmt.Errorf("feed: receive: %w", err)
				}
				return fmt.Errorf("feed: receive: %w", polymarket.ErrSessionClosed)
			}
			if d.handleFrame(f, events, log) {
				return nil
			}

		case <-h.Requests():
			if err := tr.Send(ctx, polymarket.TextFrame(polymarket.HeartbeatPayload)); err != nil {
				metrics.SendErrors.Inc()
				log.Error("feed: heartbeat send failed", zap.Error(err))
				return fmt.Errorf("feed: heartbeat: %w", err)
			}
			metrics.HeartbeatsSent.Inc()
			log.Debug("feed: heartbeat sent")
		}
	}
}

// handleFrame возвращает true, если сессию нужно завершить.
func (d *Dispatcher) handleFrame(f polymarket.Frame, events chan<- event, log *logger.Logger) bool {
	metrics.FramesTotal.WithLabelValues(f.Kind.String()).Inc()

	switch f.Kind {
	case polymarket.FrameText:
		log.Debug("feed: text frame", zap.String("raw", f.Text))
		d.handleText(f.Text, events, log)
	case polymarket.FrameBinary:
		log.Debug("feed: binary frame", zap.Int("bytes", f.Len()))
	case polymarket.FramePing:
		log.Debug("feed: ping received")
	case polymarket.FramePong:
		log.Debug("feed: pong received", zap.ByteString("data", f.Data))
	case polymarket.FrameClose:
		if f.Close != nil {
			log.Info("feed: close frame received", zap.Int("code", f.Close.Code), zap.String("reason", f.Close.Text))
		} else {
			log.Info("feed: close frame received")
		}
		return true
	default:
		log.Debug("feed: unspecified frame", zap.Int("bytes", f.Len()))
	}
	return false
}

func (d *Dispatcher) handleText(text string, events chan<- event, log *logger.Logger) {
	u, err := polymarket.DecodeMarketUpdate(text)
	if err != nil {
		metrics.DecodeErrors.Inc()
		log.Warn("feed: failed to decode message", zap.String("raw", text), zap.Error(err))
		d.enqueue(event{raw: text, decodeErr: err}, events, log)
		return
	}
	metrics.UpdatesTotal.Inc()
	d.enqueue(event{update: u}, events, log)
}

// enqueue не блокирует цикл: при полной очереди событие отбрасывается.
func (d *Dispatcher) enqueue(ev event, events chan<- event, log *logger.Logger) {
	select {
	case events <- ev:
	default:
		metrics.SinkDropped.Inc()
		log.Warn("feed: sink queue full, event dropped",
			zap.Int("capacity", cap(events)),
			zap.String("market_id", ev.update.MarketID),
			zap.Bool("decode_failed", ev.decodeErr != nil),
		)
	}
}

// deliver передаёт события потребителю, пока events не закрыт.
func (d *Dispatcher) deliver(ctx context.Context, events <-chan event) {
	log := d.log.WithContext(ctx)
	for ev := range events {
		if ev.decodeErr != nil {
			d.consumer.DecodeFailed(ctx, ev.raw, ev.decodeErr)
			continue
		}
		if err := d.consumer.Consume(ctx, ev.update); err != nil {
			log.Error("feed: consumer failed",
				zap.String("market_id", ev.update.MarketID),
				zap.Error(err),
			)
		}
	}
}

func (d *Dispatcher) release(tr Transport, log *logger.Logger) {
	d.setState(StateClosing)
	if err := tr.Close(); err != nil {
		log.Debug("feed: transport close", zap.Error(err))
	}
	d.setState(StateClosed)
	log.Info("feed: session closed")
}
