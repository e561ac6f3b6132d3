// Package alerting routes anomalies to notifiers through a set of rules.
package alerting

import (
	"context"
	"sync"
	"time"

	"MarketSentry/internal/domain/models"
	"MarketSentry/internal/domain/repository"
	"MarketSentry/internal/service/ratelimit"
	"MarketSentry/pkg/logger"
	"MarketSentry/pkg/util"
)

const rateSpan = time.Hour

// Dispatch is one (rule, anomaly) pair that passed every check.
type Dispatch struct {
	Rule    *models.AlertRule
	Anomaly *models.Anomaly
}

// Engine evaluates anomalies against the loaded rules. Rules are replaced
// as a whole; per-rule limiter state survives a reload when the rule name does.
type Engine struct {
	mu       sync.RWMutex
	rules    []*models.AlertRule
	limiter  *ratelimit.Limiter
	notifier repository.Notifier
	metrics  repository.Metrics
	l        *logger.Logger
	now      func() time.Time
}

type Option func(*Engine)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithMetrics(m repository.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func NewEngine(rules []*models.AlertRule, n repository.Notifier, l *logger.Logger, opts ...Option) *Engine {
	if l == nil {
		l = logger.NewNop()
	}
	e := &Engine{
		rules:    rules,
		limiter:  ratelimit.New(),
		notifier: n,
		l:        l,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rules returns the current rule set. Callers must not modify it.
func (e *Engine) Rules() []*models.AlertRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules
}

// ReplaceRules swaps the rule set atomically.
func (e *Engine) ReplaceRules(rules []*models.AlertRule) {
	names := make([]string, 0, len(rules))
	for _, r := range rules {
		names = append(names, r.Name)
	}
	e.mu.Lock()
	e.rules = rules
	e.limiter.Retain(names)
	e.mu.Unlock()
	e.l.Info("alert rules replaced", logger.Int("rules", len(rules)))
}

// Evaluate checks every anomaly against every rule, records the passing
// pairs in the limiter and notifies them. The notifier runs without the lock.
func (e *Engine) Evaluate(ctx context.Context, anomalies []*models.Anomaly) []Dispatch {
	now := e.now()

	var out []Dispatch
	e.mu.RLock()
	for _, a := range anomalies {
		for _, r := range e.rules {
			if !Matches(r, a, now) {
				continue
			}
			d := e.limiter.Allow(r.Name, now, r.MaxAlertsPerHour, rateSpan, r.Cooldown)
			e.record(r.Name, d)
			if d != ratelimit.Allowed {
				e.l.Debug("alert suppressed",
					logger.String("rule", r.Name),
					logger.String("anomaly_id", a.ID),
					logger.String("reason", d.String()),
				)
				continue
			}
			out = append(out, Dispatch{Rule: r, Anomaly: a})
		}
	}
	e.mu.RUnlock()

	for _, d := range out {
		if e.notifier == nil {
			continue
		}
		if err := e.notifier.Notify(ctx, d.Rule, d.Anomaly); err != nil {
			e.l.Error("alert notify failed",
				logger.String("rule", d.Rule.Name),
				logger.String("anomaly_id", d.Anomaly.ID),
				logger.Error(err),
			)
		}
	}
	return out
}

func (e *Engine) record(rule string, d ratelimit.Decision) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordAlert(rule, d == ratelimit.Allowed, d.String())
}

// Matches runs the stateless checks: enabled, allow-lists, severity and
// active hours in the rule's timezone.
func Matches(r *models.AlertRule, a *models.Anomaly, now time.Time) bool {
	if r == nil || a == nil || !r.Enabled {
		return false
	}
	if len(r.Symbols) > 0 && !util.Contains(r.Symbols, a.Symbol) {
		return false
	}
	if len(r.Sources) > 0 && !util.Contains(r.Sources, a.DataSource) && !util.Contains(r.Sources, a.SourceName) {
		return false
	}
	if len(r.AnomalyTypes) > 0 && !hasType(r.AnomalyTypes, a.Type) {
		return false
	}
	if a.Severity < r.MinSeverity {
		return false
	}
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	return util.InWindow(util.MinuteOfDay(now.In(loc)), r.ActiveStart, r.ActiveEnd)
}

func hasType(types []models.AnomalyType, t models.AnomalyType) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}
