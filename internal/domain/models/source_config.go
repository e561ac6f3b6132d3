package models

import "time"

// MarketSession is the trading window of a source, in minutes after
// midnight of Location.
type MarketSession struct {
	OpenMinute  int
	CloseMinute int
	Location    *time.Location
}

// Open reports whether t falls inside the session on a weekday.
func (s MarketSession) Open(t time.Time) bool {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	m := local.Hour()*60 + local.Minute()
	if s.OpenMinute <= s.CloseMinute {
		return m >= s.OpenMinute && m < s.CloseMinute
	}
	return m >= s.OpenMinute || m < s.CloseMinute
}

// DetectorFlags switches the rule-based detectors per source.
type DetectorFlags struct {
	MissingData   bool
	PriceMovement bool
	StaleData     bool
	VolumeSpike   bool
	DataQuality   bool
}

// ThresholdOverrides replace engine defaults for one source; nil means default.
type ThresholdOverrides struct {
	MissingDataMinutes   *float64
	PriceMovementPercent *float64
	StaleDataMinutes     *float64
}

// DataSourceConfig is owned by exactly one adapter.
type DataSourceConfig struct {
	Name                   string
	Type                   SourceType
	Enabled                bool
	Connection             map[string]interface{}
	ExpectedSymbols        []string
	UpdateFrequencyMinutes int
	Session                MarketSession
	Detectors              DetectorFlags
	Overrides              ThresholdOverrides
}
