package config

import "time"

var ist = time.FixedZone("IST", 5*3600+1800)

// Loc resolves the configured zone. Asia/Kolkata falls back to a fixed
// +05:30 zone when the host has no tz database.
func (t TimingConfig) Loc() *time.Location {
	loc, err := time.LoadLocation(t.Location)
	if err != nil {
		return ist
	}
	return loc
}

// At returns the wall-clock instant hhmm on the same day as now.
func (t TimingConfig) At(now time.Time, hhmm string) time.Time {
	loc := t.Loc()
	local := now.In(loc)
	m := minutesOf(hhmm)
	return time.Date(local.Year(), local.Month(), local.Day(), m/60, m%60, 0, 0, loc)
}

// Day returns the trading date of now as YYYY-MM-DD.
func (t TimingConfig) Day(now time.Time) string {
	return now.In(t.Loc()).Format("2006-01-02")
}

// MarketOpenAt reports whether now is within market hours.
func (t TimingConfig) MarketOpenAt(now time.Time) bool {
	if wd := now.In(t.Loc()).Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !now.Before(t.At(now, t.MarketOpen)) && now.Before(t.At(now, t.MarketClose))
}

// InTradingWindow reports whether new entries may be taken at now,
// ignoring the lunch window.
func (t TimingConfig) InTradingWindow(now time.Time) bool {
	return t.MarketOpenAt(now) &&
		!now.Before(t.At(now, t.TradingStart)) &&
		now.Before(t.At(now, t.EODSquareOff))
}

// InLunch reports whether now falls in the lunch-avoidance window.
func (t TimingConfig) InLunch(now time.Time) bool {
	return !now.Before(t.At(now, t.LunchAvoidStart)) && now.Before(t.At(now, t.LunchAvoidEnd))
}
