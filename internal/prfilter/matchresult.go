package prfilter

import "fmt"

// MatchResult represents the result of matching a pull request against a
// Filter.
type MatchResult uint8

const (
	MatchResultUndefined MatchResult = iota
	TitleMismatch
	QueryMismatch
	Match
)

var matchResultString = [...]string{
	MatchResultUndefined: "undefined",
	TitleMismatch:        "title mismatch",
	QueryMismatch:        "filter query mismatch",
	Match:                "filter matches",
}

func (m MatchResult) String() string {
	// it can not be <0 because it's type is uint8
	if int(m) > len(matchResultString)-1 {
		return fmt.Sprintf("unsupported MatchResult value: %d", m)
	}

	return matchResultString[m]
}
