// Package timeparse parses the interval strings used by nip47-create and
// nip47-budget ("5s", "4w", "1d") into seconds (§4.3).
package timeparse

import (
	"fmt"
	"strconv"
	"strings"
)

var unitSeconds = map[string]uint64{
	"s": 1, "sec": 1, "secs": 1, "second": 1, "seconds": 1,
	"m": 60, "min": 60, "mins": 60, "minute": 60, "minutes": 60,
	"h": 3600, "hour": 3600, "hours": 3600,
	"d": 86400, "day": 86400, "days": 86400,
	"w": 604800, "week": 604800, "weeks": 604800,
}

// ParseSeconds parses "<uint><unit>" into a count of seconds. The unit
// suffix is mandatory; overflow of the uint64 multiplication is an error.
func ParseSeconds(s string) (uint64, error) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("timeparse: %q has no leading digits", s)
	}
	if i == len(s) {
		return 0, fmt.Errorf("timeparse: %q is missing a unit suffix", s)
	}

	n, err := strconv.ParseUint(s[:i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("timeparse: %q: %w", s, err)
	}

	unit := strings.ToLower(s[i:])
	mult, ok := unitSeconds[unit]
	if !ok {
		return 0, fmt.Errorf("timeparse: %q has unknown unit %q", s, unit)
	}

	result := n * mult
	if mult != 0 && result/mult != n {
		return 0, fmt.Errorf("timeparse: %q overflows seconds", s)
	}
	return result, nil
}
