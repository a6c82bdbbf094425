// pkg/polymarket/session.go
package polymarket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/YaganovValera/market-feed/pkg/logger"
)

var tracer = otel.Tracer("feed/polymarket")

// Session владеет одним WebSocket-соединением.
//
// Чтение ведёт одна горутина: каждый входящий кадр классифицируется и
// отправляется в Frames(). Канал закрывается после Close-кадра, ошибки чтения
// (см. Err) или локального Close(). Send не потокобезопасен относительно
// других Send: писать должен ровно один владелец.
type Session struct {
	cfg  Config
	conn *websocket.Conn
	log  *logger.Logger

	frames    chan Frame
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// Dial устанавливает соединение и запускает горутину чтения.
// Ошибка рукопожатия (DNS, TLS, HTTP-отказ) возвращается как ErrTransport.
func Dial(ctx context.Context, cfg Config, log *logger.Logger) (*Session, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "polymarket.Dial")
	defer span.End()
	span.SetAttributes(attribute.String("ws.url", cfg.URL))

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		span.RecordError(err)
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: http %d: %w", ErrTransport, cfg.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, cfg.URL, err)
	}

	s := &Session{
		cfg:    cfg,
		conn:   conn,
		log:    log.Named("session"),
		frames: make(chan Frame, cfg.BufferSize),
		done:   make(chan struct{}),
	}

	// Транспортный уровень сам отвечает на ping; кадры только наблюдаются.
	conn.SetPingHandler(func(appData string) error {
		s.emit(Frame{Kind: FramePing, Data: []byte(appData)})
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(cfg.WriteTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(appData string) error {
		s.emit(Frame{Kind: FramePong, Data: []byte(appData)})
		return nil
	})

	go s.readLoop()

	s.log.WithContext(ctx).Info("ws: connected", zap.String("url", cfg.URL))
	return s, nil
}

// Frames возвращает канал входящих кадров.
func (s *Session) Frames() <-chan Frame { return s.frames }

// Err возвращает ошибку чтения, завершившую сессию (nil для Close-кадра или Close()).
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Send пишет один кадр с дедлайном записи.
func (s *Session) Send(ctx context.Context, f Frame) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	deadline := time.Now().Add(s.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var err error
	switch f.Kind {
	case FrameText:
		err = s.writeData(websocket.TextMessage, []byte(f.Text), deadline)
	case FrameBinary:
		err = s.writeData(websocket.BinaryMessage, f.Data, deadline)
	case FramePing:
		err = s.conn.WriteControl(websocket.PingMessage, f.Data, deadline)
	case FramePong:
		err = s.conn.WriteControl(websocket.PongMessage, f.Data, deadline)
	case FrameClose:
		code, text := websocket.CloseNormalClosure, ""
		if f.Close != nil {
			code, text = f.Close.Code, f.Close.Text
		}
		err = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	default:
		return fmt.Errorf("%w: cannot send %s frame", ErrTransport, f.Kind)
	}
	if err != nil {
		return fmt.Errorf("%w: send %s: %w", ErrTransport, f.Kind, err)
	}
	return nil
}

func (s *Session) writeData(mt int, data []byte, deadline time.Time) error {
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(mt, data)
}

// Close идемпотентен: best-effort Close-кадр, затем закрытие сокета.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = s.conn.Close()
		s.log.Debug("ws: closed")
	})
	return err
}

func (s *Session) readLoop() {
	defer close(s.frames)

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			// 1006 gorilla синтезирует сама при обрыве TCP, это не кадр от сервера.
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
				f := Frame{Kind: FrameClose}
				if ce.Code != websocket.CloseNoStatusReceived {
					f.Close = &CloseReason{Code: ce.Code, Text: ce.Text}
				}
				s.emit(f)
				return
			}
			select {
			case <-s.done:
				// локальный Close(): ошибка чтения ожидаема
			default:
				s.mu.Lock()
				s.err = fmt.Errorf("%w: read: %w", ErrTransport, err)
				s.mu.Unlock()
			}
			return
		}

		var f Frame
		switch mt {
		case websocket.TextMessage:
			f = Frame{Kind: FrameText, Text: string(data)}
		case websocket.BinaryMessage:
			f = Frame{Kind: FrameBinary, Data: data}
		default:
			f = Frame{Kind: FrameOther, Data: data}
		}
		if !s.emit(f) {
			return
		}
	}
}

func (s *Session) emit(f Frame) bool {
	select {
	case s.frames <- f:
		return true
	case <-s.done:
		return false
	}
}
