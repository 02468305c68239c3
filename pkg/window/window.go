// Package window implements fixed (tumbling) windows. Fixed windows are
// defined by a static window size, e.g. minutely windows or hourly windows.
// They are aligned, i.e. every window applies across all the data for the
// corresponding period of time.
package window

import (
	"fmt"
	"time"
)

// IntervalWindow is a half-open time interval [Start, End).
type IntervalWindow struct {
	Start time.Time
	End   time.Time
}

func (iw IntervalWindow) String() string {
	return fmt.Sprintf("[%s,%s)", iw.Start.Format(time.RFC3339), iw.End.Format(time.RFC3339))
}

// Contains reports whether t falls within the window.
func (iw IntervalWindow) Contains(t time.Time) bool {
	return !t.Before(iw.Start) && t.Before(iw.End)
}

// ExpiredAt reports whether the window's end plus the grace period is
// behind the given horizon, i.e. the window is eligible for eviction.
func (iw IntervalWindow) ExpiredAt(horizon time.Time, grace time.Duration) bool {
	return horizon.After(iw.End.Add(grace))
}

// Fixed assigns event times to aligned tumbling windows of a static length.
type Fixed struct {
	// Length is the temporal length of the window.
	Length time.Duration
}

// NewFixed returns a Fixed windower.
func NewFixed(length time.Duration) (Fixed, error) {
	if length <= 0 {
		return Fixed{}, fmt.Errorf("invalid window length %v", length)
	}
	return Fixed{Length: length}, nil
}

// AssignWindow assigns a window for the given eventTime.
// Assignment follows a left inclusive and right exclusive principle. Since
// we use truncate here, it is guaranteed that any element on the boundary
// will automatically fall into the window to the right of the boundary.
func (f Fixed) AssignWindow(eventTime time.Time) IntervalWindow {
	start := eventTime.Truncate(f.Length)
	return IntervalWindow{Start: start, End: start.Add(f.Length)}
}
