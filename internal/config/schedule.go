package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/robfig/cron/v3"
)

// ParseSchedule parses a job schedule with the same grammar the job
// runner uses: five cron fields, or a descriptor such as "@hourly" or
// "@every 30s". Five-field expressions are cross-checked with gronx.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, err
	}
	if len(strings.Fields(expr)) == 5 && !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid cron expression")
	}
	return sched, nil
}

// longestGap returns the longest interval between consecutive firings
// of sched during the week that follows from.
func longestGap(sched cron.Schedule, from time.Time) time.Duration {
	var longest time.Duration
	prev := sched.Next(from)
	if prev.IsZero() {
		return 0
	}
	end := prev.Add(7 * 24 * time.Hour)
	for i := 0; i < 7*24*60 && prev.Before(end); i++ {
		next := sched.Next(prev)
		if next.IsZero() {
			break
		}
		longest = max(longest, next.Sub(prev))
		prev = next
	}
	return longest
}
