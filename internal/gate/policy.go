// Package gate decides when a gated delivery policy releases its queued drops and names
// each release occurrence so it can fire at most once.
package gate

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind enumerates delivery policies.
type Kind string

const (
	KindInstant Kind = "instant"
	KindDaily   Kind = "daily"
	KindWeekly  Kind = "weekly"
	KindCustom  Kind = "custom"
)

const (
	DefaultHour    = 8
	DefaultWeekday = time.Sunday

	customDateLayout        = "2006-01-02"
	customTimeLayout        = "15:04"
	customTimeSecondsLayout = "15:04:05"
)

var (
	// ErrInvalidPolicy indicates a policy string that cannot be parsed.
	ErrInvalidPolicy = errors.New("gate: invalid policy")
)

// Policy is the per-user delivery policy. Custom keeps its raw date and time so a
// misconfigured gate can be stored and reported rather than rejected.
type Policy struct {
	Kind       Kind
	Hour       int
	Weekday    time.Weekday
	CustomDate string
	CustomTime string
}

func Instant() Policy {
	return Policy{Kind: KindInstant}
}

func Daily(hour int) Policy {
	return Policy{Kind: KindDaily, Hour: hour}
}

func Weekly(weekday time.Weekday, hour int) Policy {
	return Policy{Kind: KindWeekly, Weekday: weekday, Hour: hour}
}

func Custom(date, clock string) Policy {
	return Policy{Kind: KindCustom, CustomDate: strings.TrimSpace(date), CustomTime: strings.TrimSpace(clock)}
}

// Gated reports whether drops accumulate as queued under this policy.
func (p Policy) Gated() bool {
	return p.Kind != KindInstant
}

// String renders the persisted form accepted by ParsePolicy.
func (p Policy) String() string {
	switch p.Kind {
	case KindDaily:
		return fmt.Sprintf("daily:%02d", p.Hour)
	case KindWeekly:
		return fmt.Sprintf("weekly:%s:%02d", strings.ToLower(p.Weekday.String()), p.Hour)
	case KindCustom:
		return fmt.Sprintf("custom:%sT%s", p.CustomDate, p.CustomTime)
	default:
		return string(KindInstant)
	}
}

// ParsePolicy accepts instant, daily, daily:HH, weekly, weekly:<weekday>:HH and
// custom:YYYY-MM-DDTHH:MM[:SS]. An empty string is instant. A custom policy with a malformed
// date or time parses successfully; its gate simply never opens.
func ParsePolicy(raw string) (Policy, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" || value == string(KindInstant) {
		return Instant(), nil
	}
	kind, rest, _ := strings.Cut(value, ":")
	switch Kind(kind) {
	case KindDaily:
		hour := DefaultHour
		if rest != "" {
			parsed, err := parseHour(rest)
			if err != nil {
				return Policy{}, err
			}
			hour = parsed
		}
		return Daily(hour), nil
	case KindWeekly:
		weekday, hour := DefaultWeekday, DefaultHour
		if rest != "" {
			dayPart, hourPart, hasHour := strings.Cut(rest, ":")
			parsedDay, err := parseWeekday(dayPart)
			if err != nil {
				return Policy{}, err
			}
			weekday = parsedDay
			if hasHour {
				parsedHour, err := parseHour(hourPart)
				if err != nil {
					return Policy{}, err
				}
				hour = parsedHour
			}
		}
		return Weekly(weekday, hour), nil
	case KindCustom:
		date, clock, _ := strings.Cut(rest, "t")
		return Custom(date, clock), nil
	default:
		return Policy{}, fmt.Errorf("%w: %q", ErrInvalidPolicy, raw)
	}
}

func parseHour(raw string) (int, error) {
	hour, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("%w: hour %q", ErrInvalidPolicy, raw)
	}
	return hour, nil
}

func parseWeekday(raw string) (time.Weekday, error) {
	name := strings.TrimSpace(raw)
	for day := time.Sunday; day <= time.Saturday; day++ {
		full := strings.ToLower(day.String())
		if name == full || name == full[:3] {
			return day, nil
		}
	}
	return 0, fmt.Errorf("%w: weekday %q", ErrInvalidPolicy, raw)
}
