// SPDX-License-Identifier: Apache-2.0

// Package matching classifies captured session text against step expectations.
package matching

import (
	"sort"
	"strings"

	"github.com/adiadia/ussd-runner/internal/domain"
)

// Matches reports whether every non-blank keyword occurs in text,
// ignoring case. Empty text never matches; no keywords always matches.
func Matches(keywords []string, text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}

	haystack := strings.ToLower(text)
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if !strings.Contains(haystack, strings.ToLower(kw)) {
			return false
		}
	}
	return true
}

// Detect returns the order of the step that text most specifically matches.
// Candidates with more keywords are tried first; equal counts keep step order.
func Detect(text string, steps []domain.StepDefinition) (int, bool) {
	if strings.TrimSpace(text) == "" {
		return 0, false
	}

	candidates := make([]domain.StepDefinition, 0, len(steps))
	for _, st := range steps {
		if st.Order <= 0 || st.ExpectedKeywords == nil {
			continue
		}
		candidates = append(candidates, st)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Order < candidates[j].Order
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		return keywordCount(candidates[i].ExpectedKeywords) > keywordCount(candidates[j].ExpectedKeywords)
	})

	for _, st := range candidates {
		if Matches(st.ExpectedKeywords, text) {
			return st.Order, true
		}
	}
	return 0, false
}

func keywordCount(keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.TrimSpace(kw) != "" {
			n++
		}
	}
	return n
}
