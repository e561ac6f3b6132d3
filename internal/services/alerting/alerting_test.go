package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"MarketSentry/internal/domain/models"
	"MarketSentry/pkg/config"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []Dispatch
	err   error
}

func (n *recordingNotifier) Notify(_ context.Context, r *models.AlertRule, a *models.Anomaly) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, Dispatch{Rule: r, Anomaly: a})
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time         { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func rule(name string) *models.AlertRule {
	return &models.AlertRule{
		Name:             name,
		MinSeverity:      models.SeverityMedium,
		ActiveStart:      0,
		ActiveEnd:        0,
		Location:         time.UTC,
		MaxAlertsPerHour: 10,
		Enabled:          true,
	}
}

func anomaly(id, symbol string, sev models.Severity) *models.Anomaly {
	return &models.Anomaly{
		ID:         id,
		Symbol:     symbol,
		Type:       models.AnomalyPriceMovement,
		Severity:   sev,
		DataSource: "redis",
		SourceName: "cache",
	}
}

func TestMatches(t *testing.T) {
	now := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	a := anomaly("1", "AAPL", models.SeverityHigh)

	tests := []struct {
		name string
		edit func(r *models.AlertRule)
		want bool
	}{
		{"defaults", func(r *models.AlertRule) {}, true},
		{"disabled", func(r *models.AlertRule) { r.Enabled = false }, false},
		{"symbol listed", func(r *models.AlertRule) { r.Symbols = []string{"AAPL"} }, true},
		{"symbol not listed", func(r *models.AlertRule) { r.Symbols = []string{"MSFT"} }, false},
		{"source by kind", func(r *models.AlertRule) { r.Sources = []string{"redis"} }, true},
		{"source by name", func(r *models.AlertRule) { r.Sources = []string{"cache"} }, true},
		{"source not listed", func(r *models.AlertRule) { r.Sources = []string{"postgres"} }, false},
		{"type listed", func(r *models.AlertRule) { r.AnomalyTypes = []models.AnomalyType{models.AnomalyPriceMovement} }, true},
		{"type not listed", func(r *models.AlertRule) { r.AnomalyTypes = []models.AnomalyType{models.AnomalyMissingData} }, false},
		{"severity equal", func(r *models.AlertRule) { r.MinSeverity = models.SeverityHigh }, true},
		{"severity below", func(r *models.AlertRule) { r.MinSeverity = models.SeverityCritical }, false},
		{"inside hours", func(r *models.AlertRule) { r.ActiveStart, r.ActiveEnd = 9*60, 17*60 }, true},
		{"outside hours", func(r *models.AlertRule) { r.ActiveStart, r.ActiveEnd = 13*60, 17*60 }, false},
		{"end exclusive", func(r *models.AlertRule) { r.ActiveStart, r.ActiveEnd = 9*60, 12*60 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rule("r")
			tt.edit(r)
			if got := Matches(r, a, now); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchesWrapsMidnightInRuleTimezone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	r := rule("night")
	r.Location = ny
	r.ActiveStart, r.ActiveEnd = 22*60, 6*60
	a := anomaly("1", "AAPL", models.SeverityHigh)

	// 04:00 UTC in March is 23:00 in New York.
	if !Matches(r, a, time.Date(2024, 3, 5, 4, 0, 0, 0, time.UTC)) {
		t.Errorf("23:00 local should be inside 22:00-06:00")
	}
	if !Matches(r, a, time.Date(2024, 3, 5, 10, 30, 0, 0, time.UTC)) {
		t.Errorf("05:30 local should be inside 22:00-06:00")
	}
	if Matches(r, a, time.Date(2024, 3, 5, 17, 0, 0, 0, time.UTC)) {
		t.Errorf("12:00 local should be outside 22:00-06:00")
	}
}

func TestHourlyCapDispatchesOnce(t *testing.T) {
	c := &clock{t: time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)}
	n := &recordingNotifier{}
	r := rule("capped")
	r.MaxAlertsPerHour = 1
	e := NewEngine([]*models.AlertRule{r}, n, nil, WithClock(c.now))

	e.Evaluate(context.Background(), []*models.Anomaly{anomaly("1", "AAPL", models.SeverityHigh)})
	c.advance(10 * time.Minute)
	e.Evaluate(context.Background(), []*models.Anomaly{anomaly("2", "AAPL", models.SeverityHigh)})

	if n.count() != 1 {
		t.Fatalf("dispatched %d, want 1", n.count())
	}
	c.advance(time.Hour)
	e.Evaluate(context.Background(), []*models.Anomaly{anomaly("3", "AAPL", models.SeverityHigh)})
	if n.count() != 2 {
		t.Fatalf("after an hour dispatched %d, want 2", n.count())
	}
}

func TestCooldownSuppresses(t *testing.T) {
	c := &clock{t: time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)}
	n := &recordingNotifier{}
	r := rule("cool")
	r.Cooldown = 15 * time.Minute
	e := NewEngine([]*models.AlertRule{r}, n, nil, WithClock(c.now))

	e.Evaluate(context.Background(), []*models.Anomaly{anomaly("1", "AAPL", models.SeverityHigh)})
	c.advance(5 * time.Minute)
	got := e.Evaluate(context.Background(), []*models.Anomaly{anomaly("2", "AAPL", models.SeverityHigh)})
	if len(got) != 0 {
		t.Fatalf("inside cooldown dispatched %d", len(got))
	}
	c.advance(11 * time.Minute)
	got = e.Evaluate(context.Background(), []*models.Anomaly{anomaly("3", "AAPL", models.SeverityHigh)})
	if len(got) != 1 {
		t.Fatalf("after cooldown dispatched %d, want 1", len(got))
	}
}

func TestFailedCheckLeavesStateUnchanged(t *testing.T) {
	c := &clock{t: time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)}
	n := &recordingNotifier{}
	r := rule("strict")
	r.MaxAlertsPerHour = 1
	e := NewEngine([]*models.AlertRule{r}, n, nil, WithClock(c.now))

	// Below min severity: must not consume the single hourly slot.
	e.Evaluate(context.Background(), []*models.Anomaly{anomaly("1", "AAPL", models.SeverityLow)})
	e.Evaluate(context.Background(), []*models.Anomaly{anomaly("2", "AAPL", models.SeverityHigh)})
	if n.count() != 1 || n.calls[0].Anomaly.ID != "2" {
		t.Fatalf("calls = %+v", n.calls)
	}
}

func TestNotifyErrorDoesNotStopEvaluation(t *testing.T) {
	n := &recordingNotifier{err: errors.New("down")}
	e := NewEngine([]*models.AlertRule{rule("a"), rule("b")}, n, nil)
	got := e.Evaluate(context.Background(), []*models.Anomaly{anomaly("1", "AAPL", models.SeverityHigh)})
	if len(got) != 2 || n.count() != 2 {
		t.Fatalf("dispatches = %d, notifies = %d, want 2 and 2", len(got), n.count())
	}
}

func TestReplaceRulesKeepsSurvivingState(t *testing.T) {
	c := &clock{t: time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)}
	n := &recordingNotifier{}
	keep := rule("keep")
	keep.MaxAlertsPerHour = 1
	drop := rule("drop")
	drop.MaxAlertsPerHour = 1
	e := NewEngine([]*models.AlertRule{keep, drop}, n, nil, WithClock(c.now))
	e.Evaluate(context.Background(), []*models.Anomaly{anomaly("1", "AAPL", models.SeverityHigh)})

	keep2 := rule("keep")
	keep2.MaxAlertsPerHour = 1
	drop2 := rule("drop")
	drop2.MaxAlertsPerHour = 1
	e.ReplaceRules([]*models.AlertRule{keep2})
	e.ReplaceRules([]*models.AlertRule{keep2, drop2})

	got := e.Evaluate(context.Background(), []*models.Anomaly{anomaly("2", "AAPL", models.SeverityHigh)})
	if len(got) != 1 || got[0].Rule.Name != "drop" {
		t.Fatalf("got %+v, want only the re-added rule to fire", got)
	}
}

func TestBuildRulesSkipsBadEntries(t *testing.T) {
	c, err := config.Parse([]byte(`
alert_rules:
  - name: ok
    anomaly_types: [price_movement, price_zscore]
    active_hours_start: "22:00"
    active_hours_end: "06:00"
  - name: bad-zone
    timezone: Nowhere/Land
  - name: bad-severity
    min_severity: urgent
  - name: bad-type
    anomaly_types: [solar_flare]
  - name: ok
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rules := BuildRules(c.AlertRules, nil)
	if len(rules) != 1 {
		t.Fatalf("rules = %d, want 1", len(rules))
	}
	r := rules[0]
	if r.MinSeverity != models.SeverityMedium || r.MaxAlertsPerHour != 10 || r.Cooldown != 15*time.Minute {
		t.Errorf("defaults not applied: %+v", r)
	}
	if r.ActiveStart != 22*60 || r.ActiveEnd != 6*60 {
		t.Errorf("hours = %d-%d", r.ActiveStart, r.ActiveEnd)
	}
	if r.Location.String() != "US/Eastern" {
		t.Errorf("location = %s", r.Location)
	}
	if len(r.AnomalyTypes) != 2 || r.AnomalyTypes[1] != models.ZScoreType("price") {
		t.Errorf("types = %v", r.AnomalyTypes)
	}
}

type fakePublisher struct {
	topic string
	key   []byte
	value interface{}
}

func (p *fakePublisher) Publish(_ context.Context, topic string, key []byte, value interface{}) error {
	p.topic, p.key, p.value = topic, key, value
	return nil
}

func TestKafkaNotifierPayload(t *testing.T) {
	pub := &fakePublisher{}
	r := rule("ops")
	r.Emails = []string{"ops@example.com"}
	a := anomaly("42", "MSFT", models.SeverityCritical)

	if err := NewKafkaNotifier(pub, "alerts").Notify(context.Background(), r, a); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if pub.topic != "alerts" || string(pub.key) != "MSFT" {
		t.Fatalf("topic=%s key=%s", pub.topic, pub.key)
	}
	b, err := json.Marshal(pub.value)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got struct {
		Rule    string `json:"rule"`
		Targets struct {
			Emails []string `json:"emails"`
		} `json:"targets"`
		Anomaly struct {
			ID       string `json:"id"`
			Severity string `json:"severity"`
		} `json:"anomaly"`
	}
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Rule != "ops" || got.Anomaly.ID != "42" || got.Anomaly.Severity != "critical" || len(got.Targets.Emails) != 1 {
		t.Errorf("payload = %s", b)
	}
}

func TestMultiNotifierJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{}
	bad := &recordingNotifier{err: errors.New("boom")}
	err := MultiNotifier{bad, ok}.Notify(context.Background(), rule("r"), anomaly("1", "AAPL", models.SeverityHigh))
	if err == nil {
		t.Fatalf("expected error")
	}
	if ok.count() != 1 {
		t.Errorf("healthy notifier skipped")
	}
}
