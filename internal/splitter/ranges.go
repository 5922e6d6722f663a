package splitter

import (
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/Lllllllleong/pdfsplitter/internal/models"
)

// ParseRanges turns text such as "1-3, 5, 7-" into sorted, merged page ranges.
// Open starts default to 1 and open ends to totalPages. Ranges starting beyond
// totalPages are dropped and ends beyond it are clamped.
func ParseRanges(text string, totalPages int) ([]models.PageRange, error) {
	normalized := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, text)
	if normalized == "" {
		return nil, RangeParseError("page ranges cannot be empty")
	}

	var parsed []models.PageRange
	segments := 0
	for _, part := range strings.Split(normalized, ",") {
		if part == "" {
			continue
		}
		segments++
		r, keep, err := parseSegment(part, totalPages)
		if err != nil {
			return nil, err
		}
		if keep {
			parsed = append(parsed, r)
		}
	}
	if segments == 0 {
		return nil, RangeParseError("no valid ranges found")
	}
	return mergeRanges(parsed), nil
}

func parseSegment(part string, totalPages int) (models.PageRange, bool, error) {
	if part == "-" {
		return models.PageRange{}, false, RangeParseError("'-' is not a valid range by itself")
	}
	startStr, endStr, isRange := strings.Cut(part, "-")
	if !isRange {
		page, err := parsePageNumber(part, "page number")
		if err != nil {
			return models.PageRange{}, false, err
		}
		if page > totalPages {
			return models.PageRange{}, false, nil
		}
		return models.PageRange{Start: page, End: page}, true, nil
	}

	start, end := 1, totalPages
	var err error
	if startStr != "" {
		if start, err = parsePageNumber(startStr, "range start"); err != nil {
			return models.PageRange{}, false, err
		}
	}
	if endStr != "" {
		if end, err = parsePageNumber(endStr, "range end"); err != nil {
			return models.PageRange{}, false, err
		}
	}
	if endStr == "" && start > totalPages {
		// open-ended range past the end of a shorter document
		return models.PageRange{}, false, nil
	}
	if start > end {
		return models.PageRange{}, false, RangeParseError("range start %d is greater than end %d", start, end)
	}
	if start > totalPages {
		return models.PageRange{}, false, nil
	}
	return models.PageRange{Start: start, End: min(end, totalPages)}, true, nil
}

func parsePageNumber(text, label string) (int, error) {
	for _, r := range text {
		if r < '0' || r > '9' {
			return 0, RangeParseError("invalid %s: '%s'", label, text)
		}
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		return 0, RangeParseError("invalid %s: '%s'", label, text)
	}
	if n < 1 {
		return 0, RangeParseError("page numbers must be >= 1")
	}
	return n, nil
}

func mergeRanges(ranges []models.PageRange) []models.PageRange {
	slices.SortFunc(ranges, func(a, b models.PageRange) int {
		if a.Start != b.Start {
			return a.Start - b.Start
		}
		return a.End - b.End
	})
	merged := make([]models.PageRange, 0, len(ranges))
	for _, r := range ranges {
		if n := len(merged); n > 0 && r.Start <= merged[n-1].End+1 {
			merged[n-1].End = max(merged[n-1].End, r.End)
			continue
		}
		merged = append(merged, r)
	}
	return merged
}
