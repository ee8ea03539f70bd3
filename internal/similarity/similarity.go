// Package similarity scores how alike two free-text descriptions are at the
// character level.
//
// The combined score blends Jaro-Winkler, normalized Levenshtein and a containment
// bonus: 0.6*jaroWinkler + 0.3*(1-normalizedEdit) + 0.1*containment. All functions
// are pure and case-insensitive.
package similarity

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// Algorithm selects which measure a Scorer reports
type Algorithm string

const (
	AlgorithmCombined    Algorithm = "combined"
	AlgorithmLevenshtein Algorithm = "levenshtein"
	AlgorithmJaroWinkler Algorithm = "jaro_winkler"
)

// ParseAlgorithm validates an algorithm name
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(s))) {
	case AlgorithmCombined, "":
		return AlgorithmCombined, nil
	case AlgorithmLevenshtein:
		return AlgorithmLevenshtein, nil
	case AlgorithmJaroWinkler:
		return AlgorithmJaroWinkler, nil
	}
	return "", fmt.Errorf("unknown text similarity algorithm %q", s)
}

const (
	jaroWeight        = 0.6
	editWeight        = 0.3
	containmentWeight = 0.1

	winklerPrefixScale = 0.1
	winklerMaxPrefix   = 4
)

// Scorer computes text similarity with a fixed algorithm and normalization policy.
type Scorer struct {
	Algorithm Algorithm
	Normalize bool
}

// NewScorer creates a Scorer, defaulting to the combined measure
func NewScorer(algorithm Algorithm, normalize bool) *Scorer {
	if algorithm == "" {
		algorithm = AlgorithmCombined
	}
	return &Scorer{Algorithm: algorithm, Normalize: normalize}
}

// Score returns the similarity of a and b in [0,1].
func (s *Scorer) Score(a, b string) float64 {
	a, b = s.prepare(a), s.prepare(b)

	if a == "" && b == "" {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}

	// canonical order keeps the greedy Jaro matching symmetric
	if b < a {
		a, b = b, a
	}

	ra, rb := []rune(a), []rune(b)
	switch s.Algorithm {
	case AlgorithmLevenshtein:
		return 1 - normalizedLevenshtein(ra, rb)
	case AlgorithmJaroWinkler:
		return jaroWinkler(ra, rb)
	default:
		return combined(a, b, ra, rb)
	}
}

func (s *Scorer) prepare(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	if s.Normalize {
		text = Normalize(text)
	}
	return text
}

var defaultScorer = NewScorer(AlgorithmCombined, false)

// Similarity returns the combined similarity of a and b in [0,1].
func Similarity(a, b string) float64 {
	return defaultScorer.Score(a, b)
}

// Normalize lowercases text, drops punctuation and collapses whitespace.
func Normalize(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))
	space := false
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			space = false
			sb.WriteRune(r)
		default:
			space = true
		}
	}
	return sb.String()
}

func combined(a, b string, ra, rb []rune) float64 {
	containment := 0.0
	if strings.Contains(a, b) || strings.Contains(b, a) {
		containment = 1
	}
	score := jaroWeight*jaroWinkler(ra, rb) +
		editWeight*(1-normalizedLevenshtein(ra, rb)) +
		containmentWeight*containment
	return clamp01(score)
}

// LevenshteinDistance returns the case-insensitive edit distance of a and b.
func LevenshteinDistance(a, b string) int {
	return editDistance([]rune(strings.ToLower(a)), []rune(strings.ToLower(b)))
}

// unitCosts prices insertion, deletion and substitution at one edit each.
var unitCosts = levenshtein.Options{
	InsCost: 1,
	DelCost: 1,
	SubCost: 1,
	Matches: levenshtein.IdenticalRunes,
}

func editDistance(a, b []rune) int {
	return levenshtein.DistanceForStrings(a, b, unitCosts)
}

// normalizedLevenshtein is the edit distance divided by the longer length.
func normalizedLevenshtein(a, b []rune) float64 {
	longest := max(len(a), len(b))
	if longest == 0 {
		return 0
	}
	return float64(editDistance(a, b)) / float64(longest)
}

// JaroWinkler returns the case-insensitive Jaro-Winkler similarity of a and b.
func JaroWinkler(a, b string) float64 {
	return jaroWinkler([]rune(strings.ToLower(a)), []rune(strings.ToLower(b)))
}

func jaroWinkler(a, b []rune) float64 {
	j := jaro(a, b)

	prefix := 0
	for prefix < len(a) && prefix < len(b) && prefix < winklerMaxPrefix && a[prefix] == b[prefix] {
		prefix++
	}

	return clamp01(j + float64(prefix)*winklerPrefixScale*(1-j))
}

func jaro(s1, s2 []rune) float64 {
	len1, len2 := len(s1), len(s2)
	if len1 == 0 && len2 == 0 {
		return 1
	}
	if len1 == 0 || len2 == 0 {
		return 0
	}

	matchWindow := max(len1, len2)/2 - 1
	if matchWindow < 0 {
		matchWindow = 0
	}

	s1Matches := make([]bool, len1)
	s2Matches := make([]bool, len2)

	matches := 0
	for i := 0; i < len1; i++ {
		start := max(0, i-matchWindow)
		end := min(i+matchWindow+1, len2)

		for j := start; j < end; j++ {
			if s2Matches[j] || s1[i] != s2[j] {
				continue
			}
			s1Matches[i] = true
			s2Matches[j] = true
			matches++
			break
		}
	}

	if matches == 0 {
		return 0
	}

	transpositions := 0
	k := 0
	for i := 0; i < len1; i++ {
		if !s1Matches[i] {
			continue
		}
		for !s2Matches[k] {
			k++
		}
		if s1[i] != s2[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	return (m/float64(len1) + m/float64(len2) + (m-float64(transpositions)/2)/m) / 3
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
