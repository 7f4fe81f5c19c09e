package download

import (
	"cmp"
	"fmt"
	"strings"
	"time"
)

// Priority tiers. Lower values are more urgent.
const (
	PriorityHigh   = 0
	PriorityNormal = 1
	PriorityLow    = 2
)

// ParseTier maps "high", "normal" or "low" to a priority tier. An empty
// value is normal.
func ParseTier(name string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority tier %q", name)
}

// Priority is the ordering key of a download task. Optional fields carry an
// explicit presence flag instead of relying on zero values.
type Priority struct {
	Tier            int
	PatientName     string
	StudyDate       time.Time
	HasStudyDate    bool
	StudyUID        string
	SeriesNumber    int
	HasSeriesNumber bool
	SubseriesUID    string
}

// WithStudyDate returns a copy of p carrying the given study date.
func (p Priority) WithStudyDate(date time.Time) Priority {
	p.StudyDate = date
	p.HasStudyDate = true
	return p
}

// WithSeriesNumber returns a copy of p carrying the given series number.
func (p Priority) WithSeriesNumber(n int) Priority {
	p.SeriesNumber = n
	p.HasSeriesNumber = true
	return p
}

func (p Priority) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "tier=%d patient=%q", p.Tier, p.PatientName)
	if p.HasStudyDate {
		fmt.Fprintf(&b, " date=%s", p.StudyDate.Format("2006-01-02T15:04:05"))
	}
	fmt.Fprintf(&b, " study=%s", p.StudyUID)
	if p.HasSeriesNumber {
		fmt.Fprintf(&b, " series_number=%d", p.SeriesNumber)
	}
	fmt.Fprintf(&b, " subseries=%s", p.SubseriesUID)
	return b.String()
}

// Compare orders two priorities. The first non-zero rule wins:
//
//  1. tier ascending
//  2. patient name ascending
//  3. study date descending, only when both dates are present
//  4. study UID ascending
//  5. series number ascending, a missing number after a present one
//  6. sub-series UID ascending
//
// Comparing a priority without a sub-series UID is an error.
func Compare(a, b Priority) (int, error) {
	if c := cmp.Compare(a.Tier, b.Tier); c != 0 {
		return c, nil
	}
	if c := strings.Compare(a.PatientName, b.PatientName); c != 0 {
		return c, nil
	}
	if a.HasStudyDate && b.HasStudyDate {
		if c := b.StudyDate.Compare(a.StudyDate); c != 0 {
			return c, nil
		}
	}
	if c := strings.Compare(a.StudyUID, b.StudyUID); c != 0 {
		return c, nil
	}
	switch {
	case a.HasSeriesNumber && b.HasSeriesNumber:
		if c := cmp.Compare(a.SeriesNumber, b.SeriesNumber); c != 0 {
			return c, nil
		}
	case a.HasSeriesNumber:
		return -1, nil
	case b.HasSeriesNumber:
		return 1, nil
	}
	if a.SubseriesUID == "" || b.SubseriesUID == "" {
		return 0, fmt.Errorf("cannot order tasks without a sub-series identifier (%q, %q)", a.SubseriesUID, b.SubseriesUID)
	}
	return strings.Compare(a.SubseriesUID, b.SubseriesUID), nil
}

// mustCompare is Compare for values already validated on admission.
func mustCompare(a, b Priority) int {
	c, err := Compare(a, b)
	if err != nil {
		panic(err)
	}
	return c
}
