// Package prfilter decides which pull requests are processed by automerge.
package prfilter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/go-github/v82/github"
	"github.com/itchyny/gojq"
)

// Filter matches pull requests by their title and an optional jq query that
// is evaluated on the JSON representation of the pull request as returned by
// the GitHub REST API.
type Filter struct {
	titleRegexes []*regexp.Regexp
	query        *gojq.Query
}

// New creates a Filter. A pull request matches when its title matches at
// least one of titleRegexes and, if jqQuery is not empty, the query
// evaluates to true.
func New(titleRegexes []string, jqQuery string) (*Filter, error) {
	if len(titleRegexes) == 0 {
		return nil, errors.New("at least one title regular expression is required")
	}

	result := Filter{titleRegexes: make([]*regexp.Regexp, 0, len(titleRegexes))}

	for _, expr := range titleRegexes {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compiling title regex %q failed: %w", expr, err)
		}

		result.titleRegexes = append(result.titleRegexes, re)
	}

	if jqQuery != "" {
		query, err := gojq.Parse(jqQuery)
		if err != nil {
			return nil, fmt.Errorf("parsing jq query failed: %w", err)
		}

		result.query = query
	}

	return &result, nil
}

// Match evaluates the filter for pr.
func (f *Filter) Match(ctx context.Context, pr *github.PullRequest) (MatchResult, error) {
	if !f.titleMatches(pr.GetTitle()) {
		return TitleMismatch, nil
	}

	if f.query == nil {
		return Match, nil
	}

	return f.queryMatches(ctx, pr)
}

func (f *Filter) titleMatches(title string) bool {
	for _, re := range f.titleRegexes {
		if re.MatchString(title) {
			return true
		}
	}

	return false
}

func (f *Filter) queryMatches(ctx context.Context, pr *github.PullRequest) (MatchResult, error) {
	var prUn any

	prJSON, err := json.Marshal(pr)
	if err != nil {
		return MatchResultUndefined, fmt.Errorf("marshaling pull request to json failed: %w", err)
	}

	if err := json.Unmarshal(prJSON, &prUn); err != nil {
		return MatchResultUndefined, fmt.Errorf("unmarshaling json failed: %w", err)
	}

	result, errs := goJQIterToSlice(f.query.RunWithContext(ctx, prUn))
	if len(errs) != 0 {
		return MatchResultUndefined, fmt.Errorf("json query returned errors, query: %q, errors: %s", f.query.String(), errString(errs))
	}

	if len(result) == 0 {
		return MatchResultUndefined, fmt.Errorf("json query returned 0 results, expected 1, query: %q", f.query.String())
	}

	if len(result) > 1 {
		return MatchResultUndefined, fmt.Errorf("json query returned multiple results, expected 1, query: %q, result: '%+v'", f.query.String(), result)
	}

	val, ok := result[0].(bool)
	if !ok {
		return MatchResultUndefined, fmt.Errorf(
			"json query returned non-bool result: %+v (%T), query: %q",
			result[0], result[0], f.query.String(),
		)
	}

	if val {
		return Match, nil
	}

	return QueryMismatch, nil
}

func goJQIterToSlice(iter gojq.Iter) ([]any, []error) {
	var result []any
	var errs []error

	for {
		res, ok := iter.Next()
		if !ok {
			return result, errs
		}

		if err, isErr := res.(error); isErr {
			errs = append(errs, err)
			continue
		}

		result = append(result, res)
	}
}

func errString(errs []error) string {
	var result strings.Builder

	for i, err := range errs {
		if i > 0 {
			result.WriteString("; ")
		}

		fmt.Fprintf(&result, "error %d: %s", i, err)
	}

	return result.String()
}
