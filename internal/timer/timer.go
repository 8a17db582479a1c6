// internal/timer/timer.go
package timer

import (
	"fmt"
	"time"

	"github.com/jason-s-yu/escaperoom/internal/clock"
	"github.com/jason-s-yu/escaperoom/internal/models"
)

// Remaining derives the whole seconds left on t at now. A running timer is computed
// from its anchor so stale remainingTime values are never trusted.
func Remaining(t models.Timer, now time.Time) int {
	if !t.IsRunning {
		if t.RemainingTime < 0 {
			return 0
		}
		return t.RemainingTime
	}
	elapsed := (clock.Millis(now) - t.StartTime) / 1000
	if elapsed < 0 {
		elapsed = 0
	}
	left := int64(t.Duration) - elapsed
	if left < 0 {
		return 0
	}
	return int(left)
}

// Format renders seconds as zero padded MM:SS. Minutes keep counting past 99.
func Format(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// Expired reports whether a started timer has run out.
func Expired(t models.Timer, now time.Time) bool {
	return t.HasStarted && Remaining(t, now) == 0
}

// NotStarted returns the initial timer written at lobby creation.
func NotStarted(durationSeconds int) models.Timer {
	return models.Timer{
		Duration:      durationSeconds,
		RemainingTime: durationSeconds,
	}
}
