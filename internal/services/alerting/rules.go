package alerting

import (
	"fmt"
	"time"

	"MarketSentry/internal/domain/models"
	"MarketSentry/pkg/config"
	"MarketSentry/pkg/logger"
	"MarketSentry/pkg/util"
)

// BuildRules converts raw entries into rules. A bad entry is logged and
// skipped; the rest still load. Duplicate names keep the first entry.
func BuildRules(entries []config.AlertRuleEntry, l *logger.Logger) []*models.AlertRule {
	if l == nil {
		l = logger.NewNop()
	}
	seen := make(map[string]bool, len(entries))
	rules := make([]*models.AlertRule, 0, len(entries))
	for i := range entries {
		r, err := BuildRule(entries[i])
		if err != nil {
			l.Warn("skipping alert rule", logger.String("rule", entries[i].Name), logger.Error(err))
			continue
		}
		if seen[r.Name] {
			l.Warn("duplicate alert rule name", logger.String("rule", r.Name))
			continue
		}
		seen[r.Name] = true
		rules = append(rules, r)
	}
	return rules
}

func BuildRule(e config.AlertRuleEntry) (*models.AlertRule, error) {
	if err := config.CheckEntry(e); err != nil {
		return nil, err
	}
	sev, err := models.ParseSeverity(e.MinSeverity)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	start, err := util.ParseClock(e.ActiveHoursStart)
	if err != nil {
		return nil, err
	}
	end, err := util.ParseClock(e.ActiveHoursEnd)
	if err != nil {
		return nil, err
	}
	types := make([]models.AnomalyType, 0, len(e.AnomalyTypes))
	for _, s := range e.AnomalyTypes {
		t, err := models.ParseAnomalyType(s)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}

	return &models.AlertRule{
		Name:             e.Name,
		Description:      e.Description,
		Symbols:          e.Symbols,
		Sources:          e.Sources,
		AnomalyTypes:     types,
		MinSeverity:      sev,
		Emails:           e.Emails,
		SMS:              e.SMS,
		Webhooks:         e.Webhooks,
		ActiveStart:      start,
		ActiveEnd:        end,
		Location:         loc,
		MaxAlertsPerHour: e.MaxAlertsPerHour,
		Cooldown:         time.Duration(e.CooldownMinutes) * time.Minute,
		Enabled:          e.Enabled,
	}, nil
}
