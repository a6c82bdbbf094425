// internal/feed/dispatcher_test.go
package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/YaganovValera/market-feed/internal/metrics"
	"github.com/YaganovValera/market-feed/pkg/logger"
	"github.com/YaganovValera/market-feed/pkg/polymarket"
)

const validUpdate = `{"marketId":"A1","price":0.42,"outcome":"YES","timestamp":1700000000}`

type harness struct {
	tr       *fakeTransport
	ticker   *manualTicker
	consumer *recordingConsumer
	d        *Dispatcher
	done     chan error
}

func newHarness() *harness {
	return &harness{
		tr:       newFakeTransport(),
		ticker:   newManualTicker(),
		consumer: newRecordingConsumer(),
		done:     make(chan error, 1),
	}
}

// start запускает Run в отдельной горутине; фейки настраиваются до вызова.
func (h *harness) start(ctx context.Context, cfg Config) *harness {
	cfg.NewTicker = h.ticker.factory
	connect := func(context.Context) (Transport, error) { return h.tr, nil }
	h.d = New(cfg, connect, h.consumer, logger.Nop())
	go func() { h.done <- h.d.Run(ctx) }()
	return h
}

func startHarness(ctx context.Context, cfg Config) *harness {
	return newHarness().start(ctx, cfg)
}

func waitState(t *testing.T, d *Dispatcher, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for d.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("State() = %v; want %v", d.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) expectSent(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-h.tr.sent:
		if got != want {
			t.Fatalf("sent %q; want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %q", want)
	}
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not return")
		return nil
	}
}

func TestDispatcher_SubscribeDecodeAndClose(t *testing.T) {
	h := startHarness(context.Background(), Config{AssetIDs: []string{"A1", "A2"}})

	h.expectSent(t, `{"type":"market","assets_ids":["A1","A2"]}`)

	h.tr.frames <- polymarket.TextFrame(validUpdate)
	select {
	case u := <-h.consumer.got:
		if u.MarketID != "A1" || u.Price != 0.42 || u.Outcome != "YES" || u.Timestamp != 1700000000 {
			t.Errorf("unexpected update %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not receive update")
	}

	h.tr.frames <- polymarket.CloseFrame(1000, "bye")
	if err := h.wait(t); err != nil {
		t.Fatalf("Run() = %v; want nil on close frame", err)
	}

	if !h.tr.closed.Load() {
		t.Error("transport must be closed")
	}
	if h.d.State() != StateClosed {
		t.Errorf("State() = %v; want closed", h.d.State())
	}
	if !h.ticker.stopped.Load() {
		t.Error("heartbeat ticker must be stopped")
	}
	_, failures := h.consumer.snapshot()
	if len(failures) != 0 {
		t.Errorf("unexpected decode failures: %v", failures)
	}
}

func TestDispatcher_SurvivesBadFrame(t *testing.T) {
	h := startHarness(context.Background(), Config{AssetIDs: []string{"A1"}})
	h.expectSent(t, `{"type":"market","assets_ids":["A1"]}`)

	h.tr.frames <- polymarket.TextFrame("not-json")
	h.tr.frames <- polymarket.TextFrame(`{"marketId":"A1","price":0.5}`)
	h.tr.frames <- polymarket.BinaryFrame([]byte{1, 2})
	h.tr.frames <- polymarket.Frame{Kind: polymarket.FramePing}
	h.tr.frames <- polymarket.Frame{Kind: polymarket.FramePong}
	h.tr.frames <- polymarket.Frame{Kind: polymarket.FrameOther}
	h.tr.frames <- polymarket.TextFrame(validUpdate)

	select {
	case <-h.consumer.got:
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame after bad ones was not decoded")
	}

	h.tr.frames <- polymarket.Frame{Kind: polymarket.FrameClose}
	if err := h.wait(t); err != nil {
		t.Fatalf("Run() = %v", err)
	}

	updates, failures := h.consumer.snapshot()
	if len(updates) != 1 {
		t.Errorf("updates = %d; want 1", len(updates))
	}
	if len(failures) != 2 || failures[0] != "not-json" {
		t.Errorf("failures = %v; want [not-json, missing fields]", failures)
	}
}

func TestDispatcher_ConsumerErrorDoesNotStopSession(t *testing.T) {
	h := newHarness()
	h.consumer.consumeErr = errors.New("sink down")
	h.start(context.Background(), Config{AssetIDs: []string{"A1"}})
	h.expectSent(t, `{"type":"market","assets_ids":["A1"]}`)

	h.tr.frames <- polymarket.TextFrame(validUpdate)
	h.tr.frames <- polymarket.TextFrame(validUpdate)
	for i := 0; i < 2; i++ {
		select {
		case <-h.consumer.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("update %d not delivered", i)
		}
	}
	h.tr.frames <- polymarket.Frame{Kind: polymarket.FrameClose}
	if err := h.wait(t); err != nil {
		t.Fatalf("Run() = %v", err)
	}
}

func TestDispatcher_HeartbeatCadence(t *testing.T) {
	h := startHarness(context.Background(), Config{AssetIDs: []string{"A1"}, HeartbeatInterval: 50 * time.Second})
	h.expectSent(t, `{"type":"market","assets_ids":["A1"]}`)

	// входящие кадры идут параллельно с тиками
	go func() {
		for i := 0; i < 5; i++ {
			h.tr.frames <- polymarket.TextFrame(validUpdate)
		}
	}()

	const ticks = 3
	for i := 0; i < ticks; i++ {
		h.ticker.ch <- time.Now()
		h.expectSent(t, polymarket.HeartbeatPayload)
	}

	select {
	case extra := <-h.tr.sent:
		t.Fatalf("unexpected extra send %q", extra)
	case <-time.After(50 * time.Millisecond):
	}

	if got := time.Duration(h.ticker.interval.Load()); got != 50*time.Second {
		t.Errorf("ticker interval = %v; want 50s", got)
	}

	h.tr.frames <- polymarket.Frame{Kind: polymarket.FrameClose}
	if err := h.wait(t); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if h.tr.overlap.Load() {
		t.Error("concurrent Send calls detected")
	}
}

func TestDispatcher_HeartbeatSendFailureIsFatal(t *testing.T) {
	h := newHarness()
	sendErr := errors.New("broken pipe")
	h.tr.heartbeatErr = sendErr
	h.start(context.Background(), Config{AssetIDs: []string{"A1"}})
	h.expectSent(t, `{"type":"market","assets_ids":["A1"]}`)

	h.ticker.ch <- time.Now()
	err := h.wait(t)
	if !errors.Is(err, sendErr) {
		t.Fatalf("Run() = %v; want heartbeat send error", err)
	}
	if !h.tr.closed.Load() {
		t.Error("transport must be closed")
	}
	if !h.ticker.stopped.Load() {
		t.Error("heartbeat generator must stop")
	}
}

func TestDispatcher_ReceiveErrorIsFatal(t *testing.T) {
	h := startHarness(context.Background(), Config{AssetIDs: []string{"A1"}})
	h.expectSent(t, `{"type":"market","assets_ids":["A1"]}`)

	h.tr.fail(polymarket.ErrTransport)
	err := h.wait(t)
	if !errors.Is(err, polymarket.ErrTransport) {
		t.Fatalf("Run() = %v; want ErrTransport", err)
	}
	if h.d.State() != StateClosed {
		t.Errorf("State() = %v; want closed", h.d.State())
	}
}

func TestDispatcher_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := startHarness(ctx, Config{AssetIDs: []string{"A1"}})
	h.expectSent(t, `{"type":"market","assets_ids":["A1"]}`)

	cancel()
	err := h.wait(t)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v; want context.Canceled", err)
	}
	if !h.tr.closed.Load() {
		t.Error("transport must be closed on cancellation")
	}
}

func TestDispatcher_EmptyAssetIDsStillSubscribes(t *testing.T) {
	h := startHarness(context.Background(), Config{})
	h.expectSent(t, `{"type":"market"}`)

	waitState(t, h.d, StateStreaming)

	h.tr.frames <- polymarket.Frame{Kind: polymarket.FrameClose}
	if err := h.wait(t); err != nil {
		t.Fatalf("Run() = %v", err)
	}
}

func TestDispatcher_ConnectFailure(t *testing.T) {
	dialErr := errors.New("dns failure")
	consumer := newRecordingConsumer()
	d := New(Config{AssetIDs: []string{"A1"}}, func(context.Context) (Transport, error) {
		return nil, dialErr
	}, consumer, logger.Nop())

	err := d.Run(context.Background())
	if !errors.Is(err, dialErr) {
		t.Fatalf("Run() = %v; want dial error", err)
	}
	if d.State() != StateClosed {
		t.Errorf("State() = %v; want closed", d.State())
	}
}

func TestStateString(t *testing.T) {
	want := map[State]string{
		StateConnecting:  "connecting",
		StateSubscribing: "subscribing",
		StateStreaming:   "streaming",
		StateClosing:     "closing",
		StateClosed:      "closed",
		State(42):        "unknown",
	}
	for s, name := range want {
		if s.String() != name {
			t.Errorf("%d.String() = %q; want %q", s, s.String(), name)
		}
	}
}

func TestDispatcher_SubscribeFailureAbortsSession(t *testing.T) {
	h := newHarness()
	subErr := errors.New("write: connection reset")
	h.tr.subscribeErr = subErr
	h.start(context.Background(), Config{AssetIDs: []string{"A1"}})

	err := h.wait(t)
	if !errors.Is(err, subErr) {
		t.Fatalf("Run() = %v; want subscribe send error", err)
	}
	if h.ticker.created.Load() {
		t.Error("heartbeat must not start when subscription fails")
	}
	if !h.tr.closed.Load() {
		t.Error("transport must be closed")
	}
	if h.d.State() != StateClosed {
		t.Errorf("State() = %v; want closed", h.d.State())
	}
	select {
	case extra := <-h.tr.sent:
		t.Errorf("unexpected send %q after failed subscription", extra)
	default:
	}
}

func TestDispatcher_BlockedSinkDoesNotDelayHeartbeat(t *testing.T) {
	h := newHarness()
	h.consumer.release = make(chan struct{})
	h.start(context.Background(), Config{AssetIDs: []string{"A1"}})
	h.expectSent(t, `{"type":"market","assets_ids":["A1"]}`)

	h.tr.frames <- polymarket.TextFrame(validUpdate)
	select {
	case <-h.consumer.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer was not called")
	}

	// Consume всё ещё висит, но тик обязан дойти до сокета
	h.ticker.ch <- time.Now()
	h.expectSent(t, polymarket.HeartbeatPayload)

	close(h.consumer.release)
	h.tr.frames <- polymarket.Frame{Kind: polymarket.FrameClose}
	if err := h.wait(t); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if updates, _ := h.consumer.snapshot(); len(updates) != 1 {
		t.Errorf("updates = %d; want 1", len(updates))
	}
}

func TestDispatcher_FullSinkQueueDropsNewest(t *testing.T) {
	h := newHarness()
	h.consumer.release = make(chan struct{})
	h.start(context.Background(), Config{AssetIDs: []string{"A1"}, SinkBuffer: 1})
	h.expectSent(t, `{"type":"market","assets_ids":["A1"]}`)

	dropped := testutil.ToFloat64(metrics.SinkDropped)

	// первое обновление занимает sink, второе ждёт в очереди, третье лишнее
	h.tr.frames <- polymarket.TextFrame(validUpdate)
	<-h.consumer.entered
	h.tr.frames <- polymarket.TextFrame(`{"marketId":"A2","price":0.1,"outcome":"NO","timestamp":2}`)
	h.tr.frames <- polymarket.TextFrame(`{"marketId":"A3","price":0.2,"outcome":"NO","timestamp":3}`)

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(metrics.SinkDropped) < dropped+1 {
		if time.Now().After(deadline) {
			t.Fatal("overflowing update was not dropped")
		}
		time.Sleep(time.Millisecond)
	}

	close(h.consumer.release)
	h.tr.frames <- polymarket.Frame{Kind: polymarket.FrameClose}
	if err := h.wait(t); err != nil {
		t.Fatalf("Run() = %v", err)
	}

	updates, _ := h.consumer.snapshot()
	if len(updates) != 2 || updates[0].MarketID != "A1" || updates[1].MarketID != "A2" {
		t.Errorf("updates = %+v; want A1 then A2", updates)
	}
}

func TestDispatcher_LogsCarrySessionAndTrace(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	core, logs := observer.New(zap.InfoLevel)
	h := newHarness()
	cfg := Config{AssetIDs: []string{"A1"}, NewTicker: h.ticker.factory}
	h.d = New(cfg, func(context.Context) (Transport, error) { return h.tr, nil }, h.consumer, logger.FromZap(zap.New(core)))
	go func() { h.done <- h.d.Run(context.Background()) }()

	h.expectSent(t, `{"type":"market","assets_ids":["A1"]}`)
	h.tr.frames <- polymarket.Frame{Kind: polymarket.FrameClose}
	if err := h.wait(t); err != nil {
		t.Fatalf("Run() = %v", err)
	}

	entries := logs.FilterMessage("feed: connecting").All()
	if len(entries) != 1 {
		t.Fatalf("connecting log entries = %d; want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if tid, _ := fields["trace_id"].(string); len(tid) != 32 {
		t.Errorf("trace_id = %q; want 32 hex chars", tid)
	}
	if sid, _ := fields["session_id"].(string); sid == "" {
		t.Error("session_id missing")
	}
}
