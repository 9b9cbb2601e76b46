// Package market knows the NSE/BSE session calendar: the pre-open window,
// the regular session, and the post-close window, all in Indian Standard
// Time. Weekends are closed; exchange holidays are not modelled, so a
// holiday reports as a regular weekday would.
package market

import (
	"time"

	"groww-trader/pkg/types"
)

// Session labels returned in MarketStatus.Session.
const (
	SessionOpen      = "open"
	SessionPreOpen   = "pre_open"
	SessionPostClose = "post_close"
	SessionClosed    = "closed"
)

// Session boundaries, minutes since midnight IST.
const (
	preOpenStart = 9 * 60     // 09:00
	regularStart = 9*60 + 15  // 09:15
	regularEnd   = 15*60 + 30 // 15:30
	postCloseEnd = 16 * 60    // 16:00
)

// ist is Asia/Kolkata, with a fixed-offset fallback when the zone database
// is unavailable.
var ist = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}()

// IsTradingTime reports whether t falls inside the regular session on a
// weekday.
func IsTradingTime(t time.Time) bool {
	return Status(t).IsOpen
}

// Status classifies t into a session and computes the next regular-session
// open and, while any session is in progress, the next close.
func Status(t time.Time) types.MarketStatus {
	local := t.In(ist)
	status := types.MarketStatus{AsOf: t, Session: SessionClosed}

	if weekday(local) {
		minutes := local.Hour()*60 + local.Minute()
		switch {
		case minutes >= preOpenStart && minutes < regularStart:
			status.Session = SessionPreOpen
			status.NextClose = at(local, regularEnd)
		case minutes >= regularStart && minutes < regularEnd:
			status.Session = SessionOpen
			status.IsOpen = true
			status.NextClose = at(local, regularEnd)
		case minutes >= regularEnd && minutes < postCloseEnd:
			status.Session = SessionPostClose
			status.NextClose = at(local, postCloseEnd)
		}
	}

	status.NextOpen = nextOpen(local)
	return status
}

func weekday(t time.Time) bool {
	d := t.Weekday()
	return d != time.Saturday && d != time.Sunday
}

// at returns the same date as t with the clock set to the given minutes
// since midnight.
func at(t time.Time, minutes int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), minutes/60, minutes%60, 0, 0, ist)
}

// nextOpen finds the next regular-session open at or after t.
func nextOpen(t time.Time) time.Time {
	day := t
	for {
		if weekday(day) {
			open := at(day, regularStart)
			if open.After(t) {
				return open
			}
		}
		day = at(day.AddDate(0, 0, 1), 0)
	}
}
