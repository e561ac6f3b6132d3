package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"MarketSentry/internal/domain/models"
	"MarketSentry/internal/domain/repository"
	pkgkafka "MarketSentry/pkg/kafka"
	"MarketSentry/pkg/logger"
)

const bufferedPoll = 250 * time.Millisecond

// KafkaSource consumes a topic of JSON market records into a per-symbol buffer.
type KafkaSource struct {
	base

	brokers []string
	topic   string
	buf     *Buffer

	consumerMu sync.Mutex
	consumer   *pkgkafka.Consumer
}

var _ repository.SourceAdapter = (*KafkaSource)(nil)

func NewKafkaSource(cfg models.DataSourceConfig, l *logger.Logger) (*KafkaSource, error) {
	brokers := connStrings(cfg.Connection, "brokers")
	topic := connString(cfg.Connection, "topic", "")
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("kafka source %s needs brokers and topic", cfg.Name)
	}
	return &KafkaSource{
		base:    newBase(cfg, l),
		brokers: brokers,
		topic:   topic,
		buf:     NewBuffer(connInt(cfg.Connection, "buffer_size", 1000)),
	}, nil
}

func (s *KafkaSource) Connect(ctx context.Context) error {
	if err := pkgkafka.Ping(ctx, s.brokers); err != nil {
		return fmt.Errorf("connect %s: %w", s.cfg.Name, err)
	}
	conn := s.cfg.Connection
	c, err := pkgkafka.NewConsumer(s.l,
		pkgkafka.WithConsumerBrokers(s.brokers),
		pkgkafka.WithConsumerGroupID(connString(conn, "group_id", "marketsentry-"+s.cfg.Name)),
		pkgkafka.WithConsumerWorkers(connInt(conn, "workers", 1), connInt(conn, "queue_size", 256)),
		pkgkafka.WithConsumerRetry(0),
		pkgkafka.WithConsumerDLQ(connString(conn, "dlq_topic", "")),
		pkgkafka.WithConsumerLatest(!connBool(conn, "from_beginning", false)),
	)
	if err != nil {
		return fmt.Errorf("connect %s: %w", s.cfg.Name, err)
	}
	c.RegisterHandler(&recordHandler{topic: s.topic, src: s})
	if err := c.Start(); err != nil {
		return fmt.Errorf("connect %s: %w", s.cfg.Name, err)
	}

	s.consumerMu.Lock()
	s.consumer = c
	s.consumerMu.Unlock()
	s.connected.Store(true)
	s.l.Info("kafka source connected", logger.String("topic", s.topic))
	return nil
}

func (s *KafkaSource) Disconnect(ctx context.Context) error {
	s.connected.Store(false)
	s.consumerMu.Lock()
	c := s.consumer
	s.consumer = nil
	s.consumerMu.Unlock()
	if c == nil {
		return nil
	}
	return c.Stop(ctx)
}

func (s *KafkaSource) TestConnection(ctx context.Context) bool {
	s.consumerMu.Lock()
	c := s.consumer
	s.consumerMu.Unlock()
	if c == nil || !c.Running() || !s.IsConnected() {
		return false
	}
	return pkgkafka.Ping(ctx, s.brokers) == nil
}

func (s *KafkaSource) Heartbeat(ctx context.Context) bool {
	return s.beat(ctx, s.TestConnection)
}

func (s *KafkaSource) SupportedSymbols() []string {
	return mergeSymbols(s.cfg.ExpectedSymbols, s.buf.Symbols())
}

func (s *KafkaSource) LatestData(_ context.Context, symbols []string, limit int) ([]*models.MarketDataPoint, error) {
	if !s.IsConnected() {
		s.disconnected("latest")
		return []*models.MarketDataPoint{}, nil
	}
	return s.buf.Latest(symbols, limit), nil
}

// HistoricalData is served from the buffer.
func (s *KafkaSource) HistoricalData(ctx context.Context, symbols []string, start, end time.Time, limit int) ([]*models.MarketDataPoint, error) {
	s.degraded()
	pts, err := s.LatestData(ctx, symbols, 0)
	if err != nil {
		return nil, err
	}
	return window(pts, start, end, limit), nil
}

func (s *KafkaSource) Stream(ctx context.Context, symbols []string) (<-chan *models.MarketDataPoint, error) {
	return s.poll(ctx, symbols, bufferedPoll, time.Now(), func(_ context.Context, syms []string, after time.Time) ([]*models.MarketDataPoint, error) {
		return s.buf.After(syms, after), nil
	})
}

// recordHandler decodes topic messages into the source buffer.
type recordHandler struct {
	topic string
	src   *KafkaSource
}

var _ pkgkafka.MessageHandler = (*recordHandler)(nil)

func (h *recordHandler) Topic() string { return h.topic }

func (h *recordHandler) Handle(_ context.Context, b []byte) error {
	pts, err := decodeMessage(b, models.SourceKafka, h.src.cfg.Name)
	if err != nil {
		return err
	}
	for _, p := range pts {
		h.src.buf.Add(p)
	}
	return nil
}

func mergeSymbols(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
