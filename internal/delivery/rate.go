package delivery

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidRate is returned for rate options that are not a number or
// one of the immediate keywords.
var ErrInvalidRate = errors.New("invalid rate")

// Rate is a transmission rate in lines per tick, one tick being one
// second. The zero Rate sends everything in a single tick.
type Rate float64

// Immediate disables pacing.
const Immediate Rate = 0

// ParseRate parses a rate option. "immediate", "S" and "0" disable pacing.
// Negative values count by their magnitude and values below one are
// inverted, so "0.5" means two lines per second.
func ParseRate(s string) (Rate, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "immediate", "s", "0":
		return Immediate, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w %q: want lines per second or \"immediate\"", ErrInvalidRate, s)
	}
	v = math.Abs(v)
	if v == 0 {
		return Immediate, nil
	}
	if v < 1 {
		v = 1 / v
	}
	return Rate(v), nil
}

// LinesPerTick returns the chunk size for one tick, 0 meaning unpaced.
// Fractional rates round up.
func (r Rate) LinesPerTick() int {
	if r <= 0 {
		return 0
	}
	return int(math.Ceil(float64(r)))
}

// String implements pflag.Value.
func (r *Rate) String() string {
	if *r == Immediate {
		return "immediate"
	}
	return strconv.FormatFloat(float64(*r), 'f', -1, 64)
}

// Set implements pflag.Value.
func (r *Rate) Set(s string) error {
	v, err := ParseRate(s)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Type implements pflag.Value.
func (r *Rate) Type() string { return "rate" }
