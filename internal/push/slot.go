package push

import (
	"fmt"
	"time"
)

// SlotPeriod is the coarse time-of-day bucket of a schedule slot.
type SlotPeriod string

const (
	SlotMorning SlotPeriod = "morning"
	SlotEvening SlotPeriod = "evening"
)

// SlotKey returns the schedule slot key for the given local time, e.g.
// "2026-08-31:morning". The boundary between morning and evening is local
// noon. The key doubles as the dedup reference for recurring sends, so a
// trigger that fires twice in the same slot sends at most once.
func SlotKey(now time.Time) string {
	period := SlotMorning
	if now.Hour() >= 12 {
		period = SlotEvening
	}
	return fmt.Sprintf("%s:%s", now.Format("2006-01-02"), period)
}
