// Package similarity scores how alike two strings are.
//
// Three independent measures are computed and the best one wins:
// normalized Levenshtein distance, longest common subsequence and
// token-set overlap.
package similarity

import (
	"fmt"
	"strings"
	"unicode"
)

// DefaultThreshold is applied when a caller does not configure one
const DefaultThreshold = 0.95

// lcsCellLimit bounds the longest common subsequence table size
const lcsCellLimit = 250000

// Result holds every score along with the decision
type Result struct {
	Similarity  float64
	Levenshtein float64
	LCS         float64
	Tokens      float64
	Threshold   float64
	Matches     bool
}

// Compare scores expected against actual and applies threshold.
// A non-positive threshold falls back to DefaultThreshold.
func Compare(expected, actual string, threshold float64) Result {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	r := Result{
		Levenshtein: Levenshtein(expected, actual),
		LCS:         LCS(expected, actual),
		Tokens:      TokenSet(expected, actual),
		Threshold:   threshold,
	}
	r.Similarity = max(r.Levenshtein, r.LCS, r.Tokens)
	r.Matches = r.Similarity >= threshold
	return r
}

// Message describes the result for test output
func (r Result) Message() string {
	scores := fmt.Sprintf("levenshtein %s, lcs %s, tokens %s",
		percent(r.Levenshtein), percent(r.LCS), percent(r.Tokens))
	if r.Matches {
		return fmt.Sprintf("Fuzzy matched (%s similar; %s)", percent(r.Similarity), scores)
	}
	return fmt.Sprintf("Fuzzy match failed (%s similar, threshold: %s; %s)",
		percent(r.Similarity), percent(r.Threshold), scores)
}

func percent(v float64) string {
	return fmt.Sprintf("%.1f%%", v*100)
}

// Levenshtein returns 1 - distance/maxLen over the trimmed inputs.
func Levenshtein(a, b string) float64 {
	s1 := []rune(strings.TrimSpace(a))
	s2 := []rune(strings.TrimSpace(b))
	if string(s1) == string(s2) {
		return 1
	}
	if len(s1) == 0 || len(s2) == 0 {
		return 0
	}

	prev := make([]int, len(s2)+1)
	curr := make([]int, len(s2)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(s1); i++ {
		curr[0] = i
		for j := 1; j <= len(s2); j++ {
			cost := 1
			if s1[i-1] == s2[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}

	maxLen := max(len(s1), len(s2))
	return float64(maxLen-prev[len(s2)]) / float64(maxLen)
}

// LCS returns the longest common subsequence length normalized by the
// shorter input. Inputs whose table would exceed lcsCellLimit score 0
// unless they are identical.
func LCS(a, b string) float64 {
	s1 := []rune(strings.TrimSpace(a))
	s2 := []rune(strings.TrimSpace(b))
	if string(s1) == string(s2) {
		return 1
	}
	if len(s1) == 0 || len(s2) == 0 {
		return 0
	}
	if len(s1)*len(s2) > lcsCellLimit {
		return 0
	}

	prev := make([]int, len(s2)+1)
	curr := make([]int, len(s2)+1)
	for i := 1; i <= len(s1); i++ {
		for j := 1; j <= len(s2); j++ {
			if s1[i-1] == s2[j-1] {
				curr[j] = prev[j-1] + 1
			} else {
				curr[j] = max(prev[j], curr[j-1])
			}
		}
		prev, curr = curr, prev
		clear(curr)
	}

	return float64(prev[len(s2)]) / float64(min(len(s1), len(s2)))
}

// TokenSet returns the multiset intersection of word tokens divided by
// the smaller token count.
func TokenSet(a, b string) float64 {
	t1 := Tokenize(a)
	t2 := Tokenize(b)
	if len(t1) == 0 || len(t2) == 0 {
		return 0
	}

	counts := make(map[string]int, len(t2))
	for _, tok := range t2 {
		counts[tok]++
	}
	shared := 0
	for _, tok := range t1 {
		if counts[tok] > 0 {
			counts[tok]--
			shared++
		}
	}

	return float64(shared) / float64(min(len(t1), len(t2)))
}

// Tokenize lowercases s and splits it on runs of anything that is not a
// letter or a number.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
