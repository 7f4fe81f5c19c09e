package resolver

import (
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/caio-sobreiro/dicomfetch/dicom"
	dferrors "github.com/caio-sobreiro/dicomfetch/errors"
	"github.com/caio-sobreiro/dicomfetch/types"
)

// RawFilters are the unparsed result filter settings. Empty means unset.
type RawFilters struct {
	LowerDateTime string
	UpperDateTime string
	MostRecent    string
	Modalities    string // comma separated
	Keywords      string // comma separated
}

// Filters restrict the studies returned by a patient lookup. Every filter
// is optional; the zero value keeps everything.
type Filters struct {
	Lower      time.Time
	HasLower   bool
	Upper      time.Time
	HasUpper   bool
	MostRecent int
	Modalities []string
	Keywords   []string // accent-stripped, upper-cased
}

var filterDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
	"20060102150405",
	"20060102",
}

// ParseFilters parses raw. A value that cannot be parsed is logged as a
// *errors.FilterParseError and that filter stays unset.
func ParseFilters(raw RawFilters, logger *slog.Logger) Filters {
	if logger == nil {
		logger = slog.Default()
	}
	var f Filters

	if v := strings.TrimSpace(raw.LowerDateTime); v != "" {
		if t, err := parseFilterTime(v); err != nil {
			logFilterError(logger, dferrors.NewFilterParseError("lower-datetime", v, err))
		} else {
			f.Lower, f.HasLower = t, true
		}
	}
	if v := strings.TrimSpace(raw.UpperDateTime); v != "" {
		if t, err := parseFilterTime(v); err != nil {
			logFilterError(logger, dferrors.NewFilterParseError("upper-datetime", v, err))
		} else {
			f.Upper, f.HasUpper = t, true
		}
	}
	if v := strings.TrimSpace(raw.MostRecent); v != "" {
		if n, err := strconv.Atoi(v); err != nil {
			logFilterError(logger, dferrors.NewFilterParseError("most-recent", v, err))
		} else if n > 0 {
			f.MostRecent = n
		}
	}
	f.Modalities = splitList(raw.Modalities, strings.TrimSpace)
	f.Keywords = splitList(raw.Keywords, normalizeText)
	return f
}

func logFilterError(logger *slog.Logger, err *dferrors.FilterParseError) {
	logger.Error("Ignoring result filter",
		"filter", err.Filter,
		"value", err.Value,
		"error", err)
}

func parseFilterTime(value string) (time.Time, error) {
	var firstErr error
	for _, layout := range filterDateLayouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

func splitList(value string, normalize func(string) string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = normalize(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// normalizeText strips accents and upper-cases s.
func normalizeText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	// transform chains carry state and cannot be shared across goroutines
	stripMarks := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if out, _, err := transform.String(stripMarks, s); err == nil {
		s = out
	}
	return strings.ToUpper(s)
}

// Active reports whether any filter is set.
func (f Filters) Active() bool {
	return f.HasLower || f.HasUpper || f.MostRecent > 0 || len(f.Modalities) > 0 || len(f.Keywords) > 0
}

// Apply filters and sorts study records. The date, modality and keyword
// filters run first, then the survivors are sorted most recent first and
// the most-recent limit is applied. Studies without a date are never
// dropped by the date bounds.
func (f Filters) Apply(studies []*dicom.Dataset) []*dicom.Dataset {
	kept := make([]*dicom.Dataset, 0, len(studies))
	for _, study := range studies {
		if f.keep(study) {
			kept = append(kept, study)
		}
	}
	SortStudies(kept)
	if f.MostRecent > 0 && len(kept) > f.MostRecent {
		kept = kept[:f.MostRecent]
	}
	return kept
}

func (f Filters) keep(study *dicom.Dataset) bool {
	if f.HasLower || f.HasUpper {
		if dt, ok := studyDateTime(study); ok {
			if f.HasLower && dt.After(f.Lower) {
				return false
			}
			if f.HasUpper && dt.Before(f.Upper) {
				return false
			}
		}
	}

	if len(f.Modalities) > 0 {
		modalities := study.GetString(types.TagModalitiesInStudy)
		if modalities != "" && !slices.ContainsFunc(f.Modalities, func(m string) bool {
			return strings.Contains(modalities, m)
		}) {
			return false
		}
	}

	if len(f.Keywords) > 0 {
		description := normalizeText(study.GetString(types.TagStudyDescription))
		if !slices.ContainsFunc(f.Keywords, func(k string) bool {
			return strings.Contains(description, k)
		}) {
			return false
		}
	}
	return true
}

func studyDateTime(study *dicom.Dataset) (time.Time, bool) {
	return study.GetDateTime(types.TagStudyDate, types.TagStudyTime)
}

// SortStudies orders studies by date and time, most recent first. Ties and
// undated studies are ordered by study instance UID; undated studies come
// last.
func SortStudies(studies []*dicom.Dataset) {
	slices.SortStableFunc(studies, compareStudies)
}

func compareStudies(a, b *dicom.Dataset) int {
	da, okA := studyDateTime(a)
	db, okB := studyDateTime(b)
	switch {
	case okA && okB:
		if c := db.Compare(da); c != 0 {
			return c
		}
	case okA:
		return -1
	case okB:
		return 1
	}
	return strings.Compare(a.GetString(types.TagStudyInstanceUID), b.GetString(types.TagStudyInstanceUID))
}
