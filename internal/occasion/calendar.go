// Package occasion holds the pure scheduling arithmetic for recurring
// occasions: timezone-aware send-time computation, the annual occurrence
// check, and the idempotency key derivation. Nothing here touches the
// database or the broker, so every function is trivially testable with an
// explicit reference time.
package occasion

import (
	"fmt"
	"time"

	"occasion/internal/types"
)

// SendHour is the local hour at which occasion messages are delivered.
const SendHour = 9

// keyDateLayout is the date component format of the idempotency key.
const keyDateLayout = "2006-01-02"

// LoadZone resolves an IANA zone name. An unrecognized name is a data error
// (validation_invalid_timezone): callers skip the affected user and log,
// they never abort the batch.
func LoadZone(name string) (*time.Location, error) {
	if name == "" {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidTimezone,
			"timezone name is empty", nil)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidTimezone,
			fmt.Sprintf("unknown IANA timezone %q", name), err)
	}
	return loc, nil
}

// LocalDate returns the calendar date (midnight, in loc) that the instant
// now falls on in the given zone. The daily precalculation job uses this
// instead of a naive UTC date comparison so that users whose local date has
// already rolled over are neither missed nor double-counted.
func LocalDate(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// ObservedMonthDay maps an occasion's anniversary month/day into the target
// year. Feb 29 occasions are observed on Feb 28 in non-leap years; every
// other date passes through unchanged.
func ObservedMonthDay(occasion time.Time, year int) (time.Month, int) {
	month, day := occasion.Month(), occasion.Day()
	if month == time.February && day == 29 && !isLeapYear(year) {
		return time.February, 28
	}
	return month, day
}

// OccursOn reports whether the occasion's annual recurrence falls on the
// given local calendar date. The occasion's own year is ignored; only its
// observed month/day in localDate's year matters. Occasions dated in the
// future (e.g. an anniversary recorded for next month) do not recur until
// their first anniversary has passed.
func OccursOn(occasion time.Time, localDate time.Time) bool {
	if occasion.IsZero() {
		return false
	}
	if occasion.Year() > localDate.Year() {
		return false
	}
	if occasion.Year() == localDate.Year() {
		// First occurrence is the original date itself.
		return occasion.Month() == localDate.Month() && occasion.Day() == localDate.Day()
	}
	month, day := ObservedMonthDay(occasion, localDate.Year())
	return month == localDate.Month() && day == localDate.Day()
}

// SendTimeUTC computes the UTC instant of the target local hour on the given
// calendar date in the given zone.
//
// DST transitions are resolved to the first valid instant at or after the
// target wall-clock time: when the hour is skipped by a spring-forward
// transition, time.Date normalizes into the instant just past the gap; when
// the hour is repeated by a fall-back transition, the earlier of the two
// instants is chosen.
func SendTimeUTC(year int, month time.Month, day int, zone string, hour int) (time.Time, error) {
	loc, err := LoadZone(zone)
	if err != nil {
		return time.Time{}, err
	}

	local := time.Date(year, month, day, hour, 0, 0, 0, loc)

	// A spring-forward gap can normalize the instant to before the target
	// wall-clock hour in zones whose transition lands exactly on it. Walk
	// forward to the first valid instant at or after the target.
	if local.Hour() < hour && local.Day() == day {
		local = local.Add(time.Duration(hour-local.Hour()) * time.Hour)
	}

	return local.UTC(), nil
}

// IdempotencyKey derives the stable duplicate-prevention key for one occasion
// occurrence: "{userID}:{occasionType}:{YYYY-MM-DD}". At most one scheduled
// message may exist per key at any time; the store's uniqueness constraint
// enforces this.
func IdempotencyKey(userID string, occasionType types.OccasionType, occasionDate time.Time) string {
	return fmt.Sprintf("%s:%s:%s", userID, occasionType, occasionDate.Format(keyDateLayout))
}

func isLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}
