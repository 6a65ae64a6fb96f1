// ABOUTME: Auto-reset policy evaluation against a session's last activity.
// ABOUTME: The daily boundary is computed from a cron schedule for the configured hour.

package session

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// dailyBoundary returns the most recent occurrence of hour at or before now, in now's location.
func dailyBoundary(hour int, now time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(fmt.Sprintf("0 %d * * *", hour))
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing daily reset hour %d: %w", hour, err)
	}
	// Next is strictly after its argument, so exactly one occurrence falls in (now-24h, now].
	return sched.Next(now.Add(-24 * time.Hour)), nil
}

// ResetDue reports whether a session last active at last should reset before a run starting at now.
func ResetDue(p ResetPolicy, last, now time.Time) bool {
	if last.IsZero() {
		return false
	}
	switch p.Mode {
	case ResetIdle:
		if p.IdleMinutes <= 0 {
			return false
		}
		return now.Sub(last) > time.Duration(p.IdleMinutes)*time.Minute
	case ResetDaily:
		boundary, err := dailyBoundary(p.AtHour, now)
		if err != nil {
			return false
		}
		return last.Before(boundary)
	default:
		return false
	}
}
