package splitter

import (
	"fmt"

	"github.com/Lllllllleong/pdfsplitter/internal/models"
)

// PlanOutputs computes the ordered outputs for a strategy over a document of totalPages.
// An empty plan is a valid result (for example EVEN_TOGETHER on a one-page document).
func PlanOutputs(strategy models.SplitStrategy, params models.SplitJobParams, totalPages int) ([]models.OutputSpec, error) {
	if totalPages <= 0 {
		return nil, ValidationError("document has no pages")
	}

	switch strategy {
	case models.StrategyRanges:
		if params.RangesText == "" {
			return nil, ValidationError("ranges strategy requires page ranges")
		}
		ranges, err := ParseRanges(params.RangesText, totalPages)
		if err != nil {
			return nil, err
		}
		return specsForRanges(ranges), nil

	case models.StrategyEachPage:
		specs := make([]models.OutputSpec, 0, totalPages)
		for page := 1; page <= totalPages; page++ {
			specs = append(specs, models.OutputSpec{Pages: []int{page - 1}, Label: fmt.Sprintf("p%d", page)})
		}
		return specs, nil

	case models.StrategyEveryNPages:
		if params.PagesPerFile < 1 {
			return nil, ValidationError("every-N-pages strategy requires pages per file >= 1")
		}
		var ranges []models.PageRange
		for start := 1; start <= totalPages; {
			end := start + min(params.PagesPerFile, totalPages-start+1) - 1
			ranges = append(ranges, models.PageRange{Start: start, End: end})
			start = end + 1
		}
		return specsForRanges(ranges), nil

	case models.StrategyOddTogether:
		return parityPlan(totalPages, 1, "odd_pages"), nil

	case models.StrategyEvenTogether:
		return parityPlan(totalPages, 0, "even_pages"), nil
	}
	return nil, ValidationError("unknown split strategy %s", strategy)
}

// RangeLabel is "p5" for a single page and "1-3" otherwise.
func RangeLabel(r models.PageRange) string {
	if r.Start == r.End {
		return fmt.Sprintf("p%d", r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

func specsForRanges(ranges []models.PageRange) []models.OutputSpec {
	specs := make([]models.OutputSpec, 0, len(ranges))
	for _, r := range ranges {
		pages := make([]int, 0, r.Len())
		for page := r.Start; page <= r.End; page++ {
			pages = append(pages, page-1)
		}
		specs = append(specs, models.OutputSpec{Pages: pages, Label: RangeLabel(r)})
	}
	return specs
}

// parityPlan selects 1-based pages with page%2 == remainder into a single output.
func parityPlan(totalPages, remainder int, label string) []models.OutputSpec {
	var pages []int
	for page := 1; page <= totalPages; page++ {
		if page%2 == remainder {
			pages = append(pages, page-1)
		}
	}
	if len(pages) == 0 {
		return nil
	}
	return []models.OutputSpec{{Pages: pages, Label: label}}
}
