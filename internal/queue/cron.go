package queue

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const maxCatchUpFires = 1000

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron validates a five-field expression (or @descriptor) in the given
// IANA timezone.
func ParseCron(expr, timezone string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("cron expression is required")
	}
	if strings.HasPrefix(expr, "CRON_TZ=") || strings.HasPrefix(expr, "TZ=") {
		return nil, fmt.Errorf("cron expression %q must not embed a timezone", expr)
	}
	loc, err := LoadLocation(timezone)
	if err != nil {
		return nil, err
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	if spec, ok := sched.(*cron.SpecSchedule); ok {
		spec.Location = loc
	}
	return sched, nil
}

func LoadLocation(timezone string) (*time.Location, error) {
	tz := strings.TrimSpace(timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return loc, nil
}

// DueFire returns the latest fire time of s that is <= now and after its
// previous fire. Missed ticks collapse into one fire.
func DueFire(s Schedule, now time.Time) (time.Time, bool, error) {
	sched, err := ParseCron(s.Cron, s.Timezone)
	if err != nil {
		return time.Time{}, false, err
	}
	anchor := s.CreatedAt
	if s.LastFiredAt != nil {
		anchor = *s.LastFiredAt
	}
	if anchor.IsZero() {
		anchor = now.Add(-time.Minute)
	}

	next := sched.Next(anchor)
	if next.IsZero() || next.After(now) {
		return time.Time{}, false, nil
	}
	for i := 0; i < maxCatchUpFires; i++ {
		following := sched.Next(next)
		if following.IsZero() || following.After(now) {
			break
		}
		next = following
	}
	return next, true, nil
}

// FireKey is the singleton key of the job fired for s at t.
func FireKey(s Schedule, t time.Time) string {
	return "cron:" + s.Key() + ":" + strconv.FormatInt(t.Unix(), 10)
}
