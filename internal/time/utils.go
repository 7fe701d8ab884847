package timeutils

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ParseBudget parses a campaign time budget. It accepts a bare number of
// minutes ("20"), a single unit suffix ("30s", "20m", "1h") and any Go
// duration ("1h30m"). The result must be positive.
func ParseBudget(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("time budget is empty")
	}

	var d time.Duration
	if minutes, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(minutes) || math.IsInf(minutes, 0) {
			return 0, fmt.Errorf("invalid time budget: %s", s)
		}
		d = time.Duration(minutes * float64(time.Minute))
	} else {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid time budget %q (use e.g. 30s, 20m, 1h or a number of minutes)", s)
		}
		d = parsed
	}

	if d <= 0 {
		return 0, fmt.Errorf("time budget must be positive, got %s", s)
	}
	return d, nil
}

// FormatBudget renders a budget the way ParseBudget reads it, preferring
// whole hours or minutes.
func FormatBudget(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	case d%time.Second == 0:
		return fmt.Sprintf("%ds", d/time.Second)
	default:
		return d.String()
	}
}

// EstimateSweep returns the worst-case wall time of running n campaigns with
// the given budget, teardown grace and pause between campaigns.
func EstimateSweep(n int, budget, grace, pause time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n)*(budget+grace) + time.Duration(n-1)*pause
}
