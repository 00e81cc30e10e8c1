package gate

import (
	"fmt"
	"time"
)

// Occurrence names one concrete release of a gate.
type Occurrence struct {
	ID        string
	ReleaseAt time.Time
}

// Evaluate reports the occurrence governing now and whether its release point has been
// reached. Release points are computed in now's location. Instant policies and custom
// policies with an unusable date or time never open.
func Evaluate(policy Policy, now time.Time) (Occurrence, bool) {
	switch policy.Kind {
	case KindDaily:
		release := atHour(now, policy.Hour)
		return Occurrence{ID: occurrenceID(KindDaily, release), ReleaseAt: release}, !now.Before(release)
	case KindWeekly:
		release := atHour(now, policy.Hour)
		back := (int(now.Weekday()) - int(policy.Weekday) + 7) % 7
		release = release.AddDate(0, 0, -back)
		if release.After(now) {
			release = release.AddDate(0, 0, -7)
		}
		return Occurrence{ID: occurrenceID(KindWeekly, release), ReleaseAt: release}, true
	case KindCustom:
		release, ok := customRelease(policy, now.Location())
		if !ok {
			return Occurrence{}, false
		}
		id := fmt.Sprintf("%s-%s", KindCustom, release.Format(customOccurrenceLayout))
		return Occurrence{ID: id, ReleaseAt: release}, !now.Before(release)
	default:
		return Occurrence{}, false
	}
}

// NextRelease reports the first release point strictly after now. A custom policy has
// none once its single release has passed.
func NextRelease(policy Policy, now time.Time) (time.Time, bool) {
	occurrence, open := Evaluate(policy, now)
	switch policy.Kind {
	case KindDaily:
		if open {
			return occurrence.ReleaseAt.AddDate(0, 0, 1), true
		}
		return occurrence.ReleaseAt, true
	case KindWeekly:
		return occurrence.ReleaseAt.AddDate(0, 0, 7), true
	case KindCustom:
		if occurrence.ReleaseAt.IsZero() || open {
			return time.Time{}, false
		}
		return occurrence.ReleaseAt, true
	default:
		return time.Time{}, false
	}
}

// Configured reports whether a custom policy carries a usable date and time. Other kinds
// are always configured.
func Configured(policy Policy) bool {
	if policy.Kind != KindCustom {
		return true
	}
	_, ok := customRelease(policy, time.Local)
	return ok
}

func atHour(now time.Time, hour int) time.Time {
	year, month, day := now.Date()
	return time.Date(year, month, day, hour, 0, 0, 0, now.Location())
}

func occurrenceID(kind Kind, release time.Time) string {
	year, month, day := release.Date()
	return fmt.Sprintf("%s-%d-%d-%d", kind, year, int(month), day)
}

const customOccurrenceLayout = "2006-01-02T15:04:05"

func customRelease(policy Policy, location *time.Location) (time.Time, bool) {
	if policy.CustomDate == "" || policy.CustomTime == "" {
		return time.Time{}, false
	}
	for _, clockLayout := range []string{customTimeLayout, customTimeSecondsLayout} {
		release, err := time.ParseInLocation(customDateLayout+"T"+clockLayout, policy.CustomDate+"T"+policy.CustomTime, location)
		if err == nil {
			return release, true
		}
	}
	return time.Time{}, false
}
