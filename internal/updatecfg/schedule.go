package updatecfg

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule describes when scheduled update jobs for a directive run.
// Either Interval or Cronjob must be set, Cronjob takes precedence.
type Schedule struct {
	Interval string `yaml:"interval,omitempty"`
	Day      string `yaml:"day,omitempty"`
	Time     string `yaml:"time,omitempty"`
	Timezone string `yaml:"timezone,omitempty"`
	Cronjob  string `yaml:"cronjob,omitempty"`
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

var weekdays = map[string]int{
	"sunday":    0,
	"monday":    1,
	"tuesday":   2,
	"wednesday": 3,
	"thursday":  4,
	"friday":    5,
	"saturday":  6,
}

func (s *Schedule) validate() error {
	if s.Interval == "" && s.Cronjob == "" {
		return fmt.Errorf("interval and cronjob are both empty")
	}

	switch s.Interval {
	case "", "daily", "weekly", "monthly":
	default:
		return fmt.Errorf("unsupported interval: %q", s.Interval)
	}

	if s.Day != "" {
		if _, exist := weekdays[s.Day]; !exist {
			return fmt.Errorf("unsupported day: %q", s.Day)
		}
	}

	expr, err := s.cronExpression()
	if err != nil {
		return err
	}

	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	if _, err := s.location(); err != nil {
		return err
	}

	return nil
}

func (s *Schedule) location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}

	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
	}

	return loc, nil
}

// cronExpression derives a 5-field cron expression from the schedule.
func (s *Schedule) cronExpression() (string, error) {
	if s.Cronjob != "" {
		return s.Cronjob, nil
	}

	hour, minute := 5, 0
	if s.Time != "" {
		if _, err := fmt.Sscanf(s.Time, "%02d:%02d", &hour, &minute); err != nil {
			return "", fmt.Errorf("invalid time %q, expecting HH:MM: %w", s.Time, err)
		}
	}

	switch s.Interval {
	case "daily":
		return fmt.Sprintf("%d %d * * *", minute, hour), nil

	case "weekly":
		day := weekdays["monday"]
		if s.Day != "" {
			day = weekdays[s.Day]
		}

		return fmt.Sprintf("%d %d * * %d", minute, hour, day), nil

	case "monthly":
		return fmt.Sprintf("%d %d 1 * *", minute, hour), nil

	default:
		return "", fmt.Errorf("unsupported interval: %q", s.Interval)
	}
}

// NextRun returns the next point in time after now at which a scheduled
// update job must run, evaluated in the schedule's timezone.
func (s *Schedule) NextRun(now time.Time) (time.Time, error) {
	expr, err := s.cronExpression()
	if err != nil {
		return time.Time{}, err
	}

	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	loc, err := s.location()
	if err != nil {
		return time.Time{}, err
	}

	return schedule.Next(now.In(loc)), nil
}
