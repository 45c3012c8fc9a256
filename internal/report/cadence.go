package report

import "fmt"

// Cadence identifies a recurring report schedule.
type Cadence string

const (
	CadenceDaily  Cadence = "daily"
	CadenceWeekly Cadence = "weekly"
)

// Cadences lists every known cadence, in evaluation order.
func Cadences() []Cadence {
	return []Cadence{CadenceDaily, CadenceWeekly}
}

// ParseCadence validates a cadence name from config or an HTTP route.
func ParseCadence(s string) (Cadence, error) {
	switch Cadence(s) {
	case CadenceDaily:
		return CadenceDaily, nil
	case CadenceWeekly:
		return CadenceWeekly, nil
	default:
		return "", fmt.Errorf("unknown cadence %q", s)
	}
}

func (c Cadence) String() string { return string(c) }
