// Package timerange implements the flexible N-1/N time-range grammar
// (spec §4.1): either a single date, expanded to the whole day, or a
// "~"-separated pair of date_time tokens.
package timerange

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"peg-analysis-go/internal/apierrors"
)

var (
	datePattern             = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	datetimeFlexiblePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[_-]\d{2}:\d{2}$`)
	spaceInsteadOfSepRe     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}`)
	dashTimeRe              = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}-\d{2}-\d{2}$`)
)

// Range is a half-open interval [Start, End) of timezone-aware instants.
// Invariant: Start < End.
type Range struct {
	Start    time.Time
	End      time.Time
	RawText  string
}

// Parse parses text using the configured timezone offset (e.g. "+09:00")
// and returns a Range, or a *apierrors.TimeParsingError.
func Parse(text, tzOffset string) (Range, error) {
	if err := validateInputType(text); err != nil {
		return Range{}, err
	}

	trimmed, err := preprocessAndValidateFormat(text)
	if err != nil {
		return Range{}, err
	}

	loc, err := locationFromOffset(tzOffset)
	if err != nil {
		return Range{}, err
	}

	var r Range
	if strings.Contains(trimmed, "~") {
		r, err = parseRangeFormat(trimmed, loc)
	} else if datePattern.MatchString(trimmed) {
		r, err = parseSingleDateFormat(trimmed, loc)
	} else {
		return Range{}, &apierrors.TimeParsingError{
			Code:    apierrors.TimeErrorFormat,
			Input:   text,
			Message: "unrecognized time-range format",
			Hint:    provideFormatHint(trimmed),
		}
	}
	if err != nil {
		return Range{}, err
	}
	r.RawText = text

	if err := validateTimeLogic(r.Start, r.End); err != nil {
		return Range{}, err
	}
	return r, nil
}

func validateInputType(text string) error {
	// Go's type system already guarantees a string argument; this stage
	// mirrors the source's explicit isinstance(text, str) check for
	// callers that assemble Range inputs from untyped JSON.
	_ = text
	return nil
}

func preprocessAndValidateFormat(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", &apierrors.TimeParsingError{
			Code:    apierrors.TimeErrorFormat,
			Input:   text,
			Message: "time range text must not be empty",
			Hint:    `expected e.g. "2025-01-01_00:00~2025-01-01_23:59" or "2025-01-01"`,
		}
	}
	return trimmed, nil
}

// normalizeDatetimeFormat rewrites a trailing "-" separator to "_" only
// when the dash-count is >= 3 (date dashes plus the separator dash) and a
// colon is present in the time segment — matching the original's
// rsplit("-", 1) rewrite rule.
func normalizeDatetimeFormat(s string) string {
	if strings.Count(s, "-") >= 3 && strings.Contains(s, ":") {
		idx := strings.LastIndex(s, "-")
		if idx >= 0 {
			return s[:idx] + "_" + s[idx+1:]
		}
	}
	return s
}

func parseRangeFormat(text string, loc *time.Location) (Range, error) {
	if strings.Count(text, "~") != 1 {
		return Range{}, &apierrors.TimeParsingError{
			Code:    apierrors.TimeErrorFormat,
			Input:   text,
			Message: "range form requires exactly one '~'",
			Hint:    provideFormatHint(text),
		}
	}
	parts := strings.SplitN(text, "~", 2)
	startStr := strings.TrimSpace(parts[0])
	endStr := strings.TrimSpace(parts[1])

	startStr = normalizeDatetimeFormat(startStr)
	endStr = normalizeDatetimeFormat(endStr)

	if !datetimeFlexiblePattern.MatchString(startStr) || !datetimeFlexiblePattern.MatchString(endStr) {
		return Range{}, &apierrors.TimeParsingError{
			Code:    apierrors.TimeErrorFormat,
			Input:   text,
			Message: "both sides of '~' must be 'YYYY-MM-DD_HH:MM'",
			Hint:    provideFormatHint(text),
		}
	}

	start, err := strptimeUnderscore(startStr, loc)
	if err != nil {
		return Range{}, &apierrors.TimeParsingError{
			Code:    apierrors.TimeErrorValue,
			Input:   text,
			Message: fmt.Sprintf("unparseable start datetime: %v", err),
		}
	}
	end, err := strptimeUnderscore(endStr, loc)
	if err != nil {
		return Range{}, &apierrors.TimeParsingError{
			Code:    apierrors.TimeErrorValue,
			Input:   text,
			Message: fmt.Sprintf("unparseable end datetime: %v", err),
		}
	}
	return Range{Start: start, End: end}, nil
}

func strptimeUnderscore(s string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation("2006-01-02_15:04", s, loc)
}

func parseSingleDateFormat(text string, loc *time.Location) (Range, error) {
	day, err := time.ParseInLocation("2006-01-02", text, loc)
	if err != nil {
		return Range{}, &apierrors.TimeParsingError{
			Code:    apierrors.TimeErrorValue,
			Input:   text,
			Message: fmt.Sprintf("unparseable date: %v", err),
		}
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	end := time.Date(day.Year(), day.Month(), day.Day(), 23, 59, 59, 0, loc)
	return Range{Start: start, End: end}, nil
}

// validateTimeLogic rejects start >= end, including equality, per spec
// §4.1 ("LOGIC_ERROR (start >= end, including equality)").
func validateTimeLogic(start, end time.Time) error {
	if start.Equal(end) {
		return &apierrors.TimeParsingError{
			Code:    apierrors.TimeErrorLogic,
			Message: "start and end of the range must not be equal",
		}
	}
	if start.After(end) {
		return &apierrors.TimeParsingError{
			Code:    apierrors.TimeErrorLogic,
			Message: "start must be before end",
		}
	}
	return nil
}

func provideFormatHint(text string) string {
	if spaceInsteadOfSepRe.MatchString(text) {
		return "use '_' or '-' between the date and time, not a space"
	}
	if dashTimeRe.MatchString(text) {
		return "use ':' between hour and minute, not '-'"
	}
	return `expected "YYYY-MM-DD_HH:MM~YYYY-MM-DD_HH:MM" or "YYYY-MM-DD"`
}

// locationFromOffset builds a fixed-offset time.Location from a string
// like "+09:00", "-05:00", or "+00:00".
func locationFromOffset(offset string) (*time.Location, error) {
	if offset == "" {
		return time.UTC, nil
	}
	if offset == "Z" {
		return time.UTC, nil
	}
	if len(offset) != 6 || (offset[0] != '+' && offset[0] != '-') {
		return nil, &apierrors.TimeParsingError{
			Code:    apierrors.TimeErrorValue,
			Input:   offset,
			Message: "invalid timezone offset format, expected +HH:MM",
		}
	}
	hours, err1 := strconv.Atoi(offset[1:3])
	minutes, err2 := strconv.Atoi(offset[4:6])
	if err1 != nil || err2 != nil {
		return nil, &apierrors.TimeParsingError{
			Code:    apierrors.TimeErrorValue,
			Input:   offset,
			Message: "invalid timezone offset format, expected +HH:MM",
		}
	}
	seconds := hours*3600 + minutes*60
	if offset[0] == '-' {
		seconds = -seconds
	}
	return time.FixedZone(offset, seconds), nil
}

// String renders the range back into the canonical "range~range" textual
// form, used by the round-trip/idempotence test property (spec §8).
func (r Range) String() string {
	return r.Start.Format("2006-01-02_15:04") + "~" + r.End.Format("2006-01-02_15:04")
}
