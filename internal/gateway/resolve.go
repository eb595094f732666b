package gateway

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // IANA names must resolve on hosts without zoneinfo
)

var (
	ErrInvalidDateTime = errors.New("invalid local date-time")
	ErrInvalidTimeZone = errors.New("invalid time zone")
)

var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
}

// ResolveFireAt interprets localDateTime as wall-clock time in timeZone and
// returns the absolute instant. timeZone is an IANA name, "Z", or a fixed
// offset such as "+03:00" or "-0530".
func ResolveFireAt(localDateTime, timeZone string) (time.Time, error) {
	loc, err := resolveLocation(timeZone)
	if err != nil {
		return time.Time{}, err
	}

	s := strings.TrimSpace(localDateTime)
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDateTime, localDateTime)
}

func resolveLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidTimeZone)
	}
	if tz == "Z" || tz == "z" {
		return time.UTC, nil
	}
	if tz[0] == '+' || tz[0] == '-' {
		return parseOffset(tz)
	}
	// Local is rejected: the server's zone is not a caller timezone.
	if tz == "Local" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimeZone, tz)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimeZone, tz)
	}
	return loc, nil
}

// parseOffset accepts +HH, +HH:MM and +HHMM.
func parseOffset(tz string) (*time.Location, error) {
	sign := 1
	if tz[0] == '-' {
		sign = -1
	}
	rest := tz[1:]

	var hh, mm string
	switch {
	case len(rest) == 2:
		hh, mm = rest, "00"
	case len(rest) == 4:
		hh, mm = rest[:2], rest[2:]
	case len(rest) == 5 && rest[2] == ':':
		hh, mm = rest[:2], rest[3:]
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimeZone, tz)
	}
	// Atoi accepts a sign; offsets are digits only.
	if !isDigits(hh) || !isDigits(mm) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimeZone, tz)
	}

	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 18 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimeZone, tz)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimeZone, tz)
	}

	return time.FixedZone(tz, sign*(h*3600+m*60)), nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
