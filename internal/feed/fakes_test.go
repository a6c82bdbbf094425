package feed

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/YaganovValera/market-feed/pkg/polymarket"
)

// fakeTransport записывает отправленные кадры и отслеживает параллельные Send.
type fakeTransport struct {
	frames chan polymarket.Frame
	sent   chan string

	inflight atomic.Int32
	overlap  atomic.Bool
	closed   atomic.Bool

	// heartbeatErr возвращается на отправку PING, subscribeErr на подписку.
	heartbeatErr error
	subscribeErr error

	mu  sync.Mutex
	err error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan polymarket.Frame, 16),
		sent:   make(chan string, 16),
	}
}

func (f *fakeTransport) Send(_ context.Context, fr polymarket.Frame) error {
	if f.inflight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inflight.Add(-1)
	time.Sleep(time.Millisecond)

	if f.heartbeatErr != nil && fr.Text == polymarket.HeartbeatPayload {
		return f.heartbeatErr
	}
	if f.subscribeErr != nil && strings.HasPrefix(fr.Text, `{"type":"market"`) {
		return f.subscribeErr
	}
	f.sent <- fr.Text
	return nil
}

func (f *fakeTransport) Frames() <-chan polymarket.Frame { return f.frames }

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// fail завершает поток кадров ошибкой чтения.
func (f *fakeTransport) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	close(f.frames)
}

func (f *fakeTransport) Close() error {
	f.closed.Store(true)
	return nil
}

// manualTicker тикает только по команде теста.
type manualTicker struct {
	ch       chan time.Time
	interval atomic.Int64
	created  atomic.Bool
	stopped  atomic.Bool
}

func newManualTicker() *manualTicker {
	return &manualTicker{ch: make(chan time.Time)}
}

func (m *manualTicker) factory(d time.Duration) Ticker {
	m.interval.Store(int64(d))
	m.created.Store(true)
	return m
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               { m.stopped.Store(true) }

// recordingConsumer собирает обновления и ошибки декодирования.
// Если release задан, Consume сообщает в entered и ждёт его закрытия.
type recordingConsumer struct {
	mu         sync.Mutex
	updates    []polymarket.MarketUpdate
	failures   []string
	got        chan polymarket.MarketUpdate
	consumeErr error

	entered chan struct{}
	release chan struct{}
}

func newRecordingConsumer() *recordingConsumer {
	return &recordingConsumer{
		got:     make(chan polymarket.MarketUpdate, 16),
		entered: make(chan struct{}, 16),
	}
}

func (r *recordingConsumer) Consume(_ context.Context, u polymarket.MarketUpdate) error {
	if r.release != nil {
		r.entered <- struct{}{}
		<-r.release
	}
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
	r.got <- u
	return r.consumeErr
}

func (r *recordingConsumer) DecodeFailed(_ context.Context, raw string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, raw)
}

func (r *recordingConsumer) snapshot() ([]polymarket.MarketUpdate, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]polymarket.MarketUpdate(nil), r.updates...), append([]string(nil), r.failures...)
}
