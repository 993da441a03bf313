package api

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// parseTimeLimit accepts spec.md §6's four wire shapes for time_limit and
// returns whole minutes: plain digits ("90"), "H:M", "H:M:S", or
// "D-H:M:S". An empty string means unlimited (returns 0, true).
func parseTimeLimit(raw string) (minutes int, unlimited bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, true, nil
	}

	var days int
	rest := raw
	if idx := strings.Index(raw, "-"); idx >= 0 {
		days, err = strconv.Atoi(raw[:idx])
		if err != nil {
			return 0, false, fmt.Errorf("invalid day component in time_limit %q: %w", raw, err)
		}
		rest = raw[idx+1:]
	}

	parts := strings.Split(rest, ":")
	var hours, mins, secs int
	switch len(parts) {
	case 1:
		mins, err = strconv.Atoi(parts[0])
	case 2:
		hours, err = strconv.Atoi(parts[0])
		if err == nil {
			mins, err = strconv.Atoi(parts[1])
		}
	case 3:
		hours, err = strconv.Atoi(parts[0])
		if err == nil {
			mins, err = strconv.Atoi(parts[1])
		}
		if err == nil {
			secs, err = strconv.Atoi(parts[2])
		}
	default:
		return 0, false, fmt.Errorf("invalid time_limit format %q", raw)
	}
	if err != nil {
		return 0, false, fmt.Errorf("invalid time_limit %q: %w", raw, err)
	}

	total := days*24*60 + hours*60 + mins
	if secs > 0 {
		total++ // round any partial-minute remainder up, never truncate a requested limit away
	}
	return total, false, nil
}

// formatLimitTime renders a job's configured time limit back in spec.md
// §6's query-response shape: "UNLIMITED", "H:MM:SS", or "D-HH:MM:SS".
func formatLimitTime(minutes int) string {
	if minutes <= 0 {
		return "UNLIMITED"
	}
	d := minutes / (24 * 60)
	rem := minutes % (24 * 60)
	h := rem / 60
	m := rem % 60
	if d > 0 {
		return fmt.Sprintf("%d-%02d:%02d:00", d, h, m)
	}
	return fmt.Sprintf("%d:%02d:00", h, m)
}

// formatElapsed renders the duration between start and the reference time
// (now for running jobs, end_time for terminal ones) as "D-HH:MM:SS".
func formatElapsed(start time.Time, reference time.Time) string {
	if start.IsZero() {
		return "0-00:00:00"
	}
	elapsed := reference.Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	total := int(elapsed.Seconds())
	d := total / 86400
	rem := total % 86400
	h := rem / 3600
	rem %= 3600
	m := rem / 60
	s := rem % 60
	return fmt.Sprintf("%d-%02d:%02d:%02d", d, h, m, s)
}
