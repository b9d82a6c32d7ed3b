package event

import (
	"cmp"
	"strings"
)

// Clock is the logical clock of an event: client time, ties broken by opId.
// The order is total because opIds are globally unique.
type Clock struct {
	T   int64
	Tie string
}

// Compare returns -1, 0 or +1 comparing c with o lexicographically.
func (c Clock) Compare(o Clock) int {
	if r := cmp.Compare(c.T, o.T); r != 0 {
		return r
	}
	return strings.Compare(c.Tie, o.Tie)
}

// After reports whether c is strictly greater than o.
func (c Clock) After(o Clock) bool { return c.Compare(o) > 0 }

// IsZero reports whether c was never set.
func (c Clock) IsZero() bool { return c.T == 0 && c.Tie == "" }
