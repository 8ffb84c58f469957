// Package schedule turns the operator's reaper schedule string into a
// robfig/cron schedule.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "@hourly", "@every 5m"
//   - duration: "5m", "1h30m"
//   - HH:MM interval: "00:05" (five minutes), "01:30"
//
// "cron:" forces cron parsing; "interval:" and "every:" force an interval.
package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

func (k Kind) String() string {
	if k == KindInterval {
		return "interval"
	}
	return "cron"
}

// Spec is a parsed schedule string.
type Spec struct {
	Kind  Kind
	Expr  string
	Every time.Duration
	Raw   string
}

var (
	reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

	parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// Parse validates raw and classifies it.
func Parse(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, errors.New("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(raw, strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseEvery(raw, s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseEvery(raw, s[len("every:"):])
	case strings.ContainsAny(s, " \t\r\n") || strings.HasPrefix(s, "@"):
		return parseCron(raw, s)
	}

	spec, err := parseEvery(raw, s)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '00:05', or a duration like '5m')", raw)
	}
	return spec, nil
}

// Schedule returns the cron schedule for s. Intervals become ConstantDelay.
func (s Spec) Schedule() cron.Schedule {
	if s.Kind == KindInterval {
		return cron.Every(s.Every)
	}
	sched, err := parser.Parse(s.Expr)
	if err != nil {
		// Parse already accepted Expr.
		panic(err)
	}
	return sched
}

func (s Spec) String() string {
	if s.Kind == KindInterval {
		return "every " + s.Every.String()
	}
	return s.Expr
}

func parseCron(raw, expr string) (Spec, error) {
	if expr == "" {
		return Spec{}, errors.New("cron expression required")
	}
	if _, err := parser.Parse(expr); err != nil {
		return Spec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Spec{Kind: KindCron, Expr: expr, Raw: raw}, nil
}

func parseEvery(raw, v string) (Spec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Spec{}, errors.New("interval required")
	}
	var (
		d   time.Duration
		err error
	)
	if reHHMM.MatchString(v) {
		d, err = hhmm(v)
	} else {
		d, err = time.ParseDuration(v)
	}
	if err != nil {
		return Spec{}, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d < time.Second {
		return Spec{}, fmt.Errorf("interval %s is below one second", d)
	}
	return Spec{Kind: KindInterval, Every: d, Raw: raw}, nil
}

func hhmm(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("minutes out of range in %q", v)
	}
	return time.Duration(h)*time.Hour + time.Duration(mm)*time.Minute, nil
}
