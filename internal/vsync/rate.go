package vsync

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// descriptorParser only needs descriptors; "@every" yields a constant delay.
var descriptorParser = cron.NewParser(cron.Descriptor)

// ParseRate converts a textual rate into Hz.
//
// Supported formats:
//   - Frequency: "60", "2.5", "60hz", "0.5 Hz"
//   - Interval duration: "500ms", "interval:2s"
//   - Cron descriptor: "@every 5s" (cron semantics: whole seconds, minimum 1s)
//
// Calendar descriptors such as "@hourly" have no single frequency and are rejected.
func ParseRate(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, invalidf("rate is empty")
	}
	lower := strings.ToLower(s)

	switch {
	case strings.HasPrefix(lower, "@"):
		sched, err := descriptorParser.Parse(s)
		if err != nil {
			return 0, invalidf("rate %q: %v", raw, err)
		}
		every, ok := sched.(cron.ConstantDelaySchedule)
		if !ok {
			return 0, invalidf("rate %q has no fixed frequency", raw)
		}
		return hzOf(raw, every.Delay)
	case strings.HasPrefix(lower, "interval:"):
		d, err := time.ParseDuration(strings.TrimSpace(s[len("interval:"):]))
		if err != nil {
			return 0, invalidf("rate %q: %v", raw, err)
		}
		return hzOf(raw, d)
	case strings.HasSuffix(lower, "hz"):
		return hzValue(raw, strings.TrimSpace(lower[:len(lower)-2]))
	}

	if _, err := strconv.ParseFloat(lower, 64); err == nil {
		return hzValue(raw, lower)
	}
	d, err := time.ParseDuration(lower)
	if err != nil {
		return 0, invalidf("rate %q: not a frequency, duration or @every descriptor", raw)
	}
	return hzOf(raw, d)
}

func hzValue(raw, num string) (float64, error) {
	hz, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, invalidf("rate %q: %v", raw, err)
	}
	if _, err := periodOf(hz); err != nil {
		return 0, fmt.Errorf("rate %q: %w", raw, err)
	}
	return hz, nil
}

func hzOf(raw string, d time.Duration) (float64, error) {
	if d <= 0 {
		return 0, invalidf("rate %q: interval must be > 0", raw)
	}
	return float64(time.Second) / float64(d), nil
}
