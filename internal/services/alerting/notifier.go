package alerting

import (
	"context"
	"errors"
	"time"

	"MarketSentry/internal/domain/models"
	"MarketSentry/internal/domain/repository"
	"MarketSentry/pkg/logger"
)

// LogNotifier writes every alert to the log.
type LogNotifier struct {
	l *logger.Logger
}

func NewLogNotifier(l *logger.Logger) *LogNotifier {
	if l == nil {
		l = logger.NewNop()
	}
	return &LogNotifier{l: l}
}

func (n *LogNotifier) Notify(_ context.Context, rule *models.AlertRule, a *models.Anomaly) error {
	n.l.Warn("alert",
		logger.String("rule", rule.Name),
		logger.String("anomaly_id", a.ID),
		logger.String("symbol", a.Symbol),
		logger.String("type", string(a.Type)),
		logger.String("severity", a.Severity.String()),
		logger.String("description", a.Description),
	)
	return nil
}

// Publisher is the slice of the Kafka producer the notifier needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value interface{}) error
}

// AlertMessage is the handoff record read by the delivery service.
type AlertMessage struct {
	Rule        string          `json:"rule"`
	Description string          `json:"rule_description,omitempty"`
	Targets     models.Targets  `json:"targets"`
	Anomaly     *models.Anomaly `json:"anomaly"`
	SentAt      time.Time       `json:"sent_at"`
}

// KafkaNotifier publishes alerts keyed by symbol so one symbol stays on one partition.
type KafkaNotifier struct {
	pub   Publisher
	topic string
}

func NewKafkaNotifier(pub Publisher, topic string) *KafkaNotifier {
	return &KafkaNotifier{pub: pub, topic: topic}
}

func (n *KafkaNotifier) Notify(ctx context.Context, rule *models.AlertRule, a *models.Anomaly) error {
	msg := AlertMessage{
		Rule:        rule.Name,
		Description: rule.Description,
		Targets:     rule.Targets(),
		Anomaly:     a,
		SentAt:      time.Now().UTC(),
	}
	return n.pub.Publish(ctx, n.topic, []byte(a.Symbol), msg)
}

// MultiNotifier fans out to every notifier and joins their errors.
type MultiNotifier []repository.Notifier

func (m MultiNotifier) Notify(ctx context.Context, rule *models.AlertRule, a *models.Anomaly) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, rule, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
