package models

// PageRange is an inclusive, 1-based page interval.
type PageRange struct {
	Start int
	End   int
}

// Len is the number of pages in the range.
func (r PageRange) Len() int { return r.End - r.Start + 1 }

// OutputSpec describes one planned output file.
type OutputSpec struct {
	// Pages are zero-based source page indices in output order.
	Pages []int
	Label string
}

// SplitJobResult is what a finished split returns to its caller.
type SplitJobResult struct {
	OutputFiles []string `json:"output_files"`
	TotalPages  int      `json:"total_pages"`
	DurationMs  int64    `json:"duration_ms"`
}
