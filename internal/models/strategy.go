package models

import "fmt"

// SplitStrategy selects how a document's pages are partitioned into outputs.
type SplitStrategy int

const (
	StrategyRanges SplitStrategy = iota + 1
	StrategyEachPage
	StrategyEveryNPages
	StrategyOddTogether
	StrategyEvenTogether
)

// Strategies lists every strategy in display order.
var Strategies = []SplitStrategy{
	StrategyRanges,
	StrategyEachPage,
	StrategyEveryNPages,
	StrategyOddTogether,
	StrategyEvenTogether,
}

// String returns the persisted name of the strategy.
func (s SplitStrategy) String() string {
	switch s {
	case StrategyRanges:
		return "ranges"
	case StrategyEachPage:
		return "each_page"
	case StrategyEveryNPages:
		return "every_n_pages"
	case StrategyOddTogether:
		return "odd_together"
	case StrategyEvenTogether:
		return "even_together"
	}
	return fmt.Sprintf("SplitStrategy(%d)", int(s))
}

// ParseStrategy is the inverse of String.
func ParseStrategy(name string) (SplitStrategy, error) {
	for _, s := range Strategies {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown split strategy %q", name)
}

func (s SplitStrategy) MarshalText() ([]byte, error) {
	if _, err := ParseStrategy(s.String()); err != nil {
		return nil, err
	}
	return []byte(s.String()), nil
}

func (s *SplitStrategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
