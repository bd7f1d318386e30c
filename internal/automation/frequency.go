package automation

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Frequency is the closed set of schedule periods.
type Frequency string

const (
	Every15m Frequency = "15m"
	Every1h  Frequency = "1h"
	Every4h  Frequency = "4h"
	Every1d  Frequency = "1d"
	Every1w  Frequency = "1w"
)

var frequencyTable = map[Frequency]time.Duration{
	Every15m: 15 * time.Minute,
	Every1h:  time.Hour,
	Every4h:  4 * time.Hour,
	Every1d:  24 * time.Hour,
	Every1w:  7 * 24 * time.Hour,
}

// FrequencyNames lists the accepted values, shortest period first.
func FrequencyNames() []string {
	return []string{string(Every15m), string(Every1h), string(Every4h), string(Every1d), string(Every1w)}
}

func (f Frequency) Valid() bool {
	_, ok := frequencyTable[f]
	return ok
}

// Interval returns the period, or 0 for an unknown frequency.
func (f Frequency) Interval() time.Duration {
	return frequencyTable[f]
}

// Next returns from + one interval.
func (f Frequency) Next(from time.Time) time.Time {
	return from.Add(f.Interval())
}

func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(strings.ToLower(strings.TrimSpace(s)))
	if !f.Valid() {
		return "", errors.Wrapf(ErrInvalidSchedule, "frequency %q must be one of %s", s, strings.Join(FrequencyNames(), ", "))
	}
	return f, nil
}
