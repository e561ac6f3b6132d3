package source

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"MarketSentry/internal/domain/models"
	"MarketSentry/internal/domain/repository"
	"MarketSentry/pkg/logger"
)

// WebSocketSource subscribes to a push feed and buffers what it receives.
// Frames may hold one record or a {"data": [...]} envelope.
type WebSocketSource struct {
	base

	url          string
	pingInterval time.Duration
	buf          *Buffer

	writeMu    sync.Mutex
	conn       *websocket.Conn
	subscribed map[string]bool
	halt       func() // closes the ping loop's stop channel once
	done       sync.WaitGroup
}

var _ repository.SourceAdapter = (*WebSocketSource)(nil)

func NewWebSocketSource(cfg models.DataSourceConfig, l *logger.Logger) (*WebSocketSource, error) {
	raw := connString(cfg.Connection, "url", "")
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, fmt.Errorf("websocket source %s needs a ws:// or wss:// url", cfg.Name)
	}
	if token := connString(cfg.Connection, "token", ""); token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return &WebSocketSource{
		base:         newBase(cfg, l),
		url:          u.String(),
		pingInterval: connDuration(cfg.Connection, "ping_interval", 30*time.Second),
		buf:          NewBuffer(connInt(cfg.Connection, "buffer_size", 1000)),
	}, nil
}

func (s *WebSocketSource) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", s.cfg.Name, err)
	}

	stop := make(chan struct{})
	halt := sync.OnceFunc(func() { close(stop) })

	s.writeMu.Lock()
	s.conn = conn
	s.subscribed = make(map[string]bool)
	s.halt = halt
	s.writeMu.Unlock()

	if err := s.subscribe(s.cfg.ExpectedSymbols); err != nil {
		s.writeMu.Lock()
		s.conn = nil
		s.halt = nil
		s.writeMu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("connect %s: %w", s.cfg.Name, err)
	}

	s.connected.Store(true)
	s.done.Add(2)
	go s.readLoop(conn, halt)
	go s.pingLoop(conn, stop)
	s.l.Info("websocket source connected", logger.Int("symbols", len(s.cfg.ExpectedSymbols)))
	return nil
}

func (s *WebSocketSource) subscribe(symbols []string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	for _, sym := range symbols {
		if s.subscribed[sym] {
			continue
		}
		msg := map[string]string{"type": "subscribe", "symbol": sym}
		if err := s.conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("subscribe %s: %w", sym, err)
		}
		s.subscribed[sym] = true
	}
	return nil
}

// readLoop owns the connection's lifetime: when it ends the ping loop stops too.
func (s *WebSocketSource) readLoop(conn *websocket.Conn, halt func()) {
	defer s.done.Done()
	defer halt()
	defer s.connected.Store(false)
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			if s.IsConnected() {
				s.l.Warn("websocket read failed", logger.Error(err))
			}
			return
		}
		pts, err := decodeMessage(b, models.SourceWebSocket, s.cfg.Name)
		if err != nil {
			// Control frames such as pings arrive as non-record JSON.
			continue
		}
		for _, p := range pts {
			s.buf.Add(p)
		}
	}
}

func (s *WebSocketSource) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	defer s.done.Done()
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				s.l.Warn("websocket ping failed", logger.Error(err))
			}
		}
	}
}

func (s *WebSocketSource) Disconnect(context.Context) error {
	s.connected.Store(false)
	s.writeMu.Lock()
	conn := s.conn
	halt := s.halt
	s.conn = nil
	s.halt = nil
	s.writeMu.Unlock()
	if conn == nil {
		return nil
	}
	halt()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := conn.Close()
	s.done.Wait()
	return err
}

// TestConnection reports the read loop state; it never dials.
func (s *WebSocketSource) TestConnection(context.Context) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn != nil && s.IsConnected()
}

func (s *WebSocketSource) Heartbeat(ctx context.Context) bool {
	return s.beat(ctx, s.TestConnection)
}

func (s *WebSocketSource) SupportedSymbols() []string {
	return mergeSymbols(s.cfg.ExpectedSymbols, s.buf.Symbols())
}

func (s *WebSocketSource) LatestData(_ context.Context, symbols []string, limit int) ([]*models.MarketDataPoint, error) {
	if !s.IsConnected() {
		s.disconnected("latest")
		return []*models.MarketDataPoint{}, nil
	}
	return s.buf.Latest(symbols, limit), nil
}

// HistoricalData is served from the buffer.
func (s *WebSocketSource) HistoricalData(ctx context.Context, symbols []string, start, end time.Time, limit int) ([]*models.MarketDataPoint, error) {
	s.degraded()
	pts, err := s.LatestData(ctx, symbols, 0)
	if err != nil {
		return nil, err
	}
	return window(pts, start, end, limit), nil
}

func (s *WebSocketSource) Stream(ctx context.Context, symbols []string) (<-chan *models.MarketDataPoint, error) {
	if err := s.subscribe(symbols); err != nil {
		return nil, err
	}
	return s.poll(ctx, symbols, bufferedPoll, time.Now(), func(_ context.Context, syms []string, after time.Time) ([]*models.MarketDataPoint, error) {
		return s.buf.After(syms, after), nil
	})
}
