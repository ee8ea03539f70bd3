package similarity

import (
	"math"
	"testing"
)

func TestSimilarity_Identity(t *testing.T) {
	inputs := []string{"a", "Virement SARL ABC", "Facture 2024-03", "éàü", "x y z"}
	for _, in := range inputs {
		if got := Similarity(in, in); math.Abs(got-1) > 1e-9 {
			t.Errorf("Similarity(%q, %q) = %v, want 1", in, in, got)
		}
	}
}

func TestSimilarity_Empty(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"", "", 1},
		{"", "abc", 0},
		{"abc", "", 0},
		{"   ", "", 1},
	}
	for _, tt := range tests {
		if got := Similarity(tt.a, tt.b); got != tt.want {
			t.Errorf("Similarity(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSimilarity_Symmetry(t *testing.T) {
	pairs := [][2]string{
		{"Virement SARL ABC", "VIR SARL ABC"},
		{"martha", "marhta"},
		{"dixon", "dicksonx"},
		{"PRLV SEPA EDF", "EDF facture"},
		{"abc", "cba"},
		{"short", "a much longer description"},
	}
	for _, p := range pairs {
		ab, ba := Similarity(p[0], p[1]), Similarity(p[1], p[0])
		if ab != ba {
			t.Errorf("Similarity not symmetric for %q/%q: %v vs %v", p[0], p[1], ab, ba)
		}
		if ab < 0 || ab > 1 {
			t.Errorf("Similarity(%q, %q) = %v out of range", p[0], p[1], ab)
		}
	}
}

func TestSimilarity_CaseInsensitive(t *testing.T) {
	if got := Similarity("SARL ABC", "sarl abc"); got != 1 {
		t.Errorf("expected case-insensitive identity, got %v", got)
	}
}

func TestSimilarity_AbbreviatedTransferAboveThreshold(t *testing.T) {
	got := Similarity("Virement SARL ABC", "VIR SARL ABC")
	if got <= 0.70 {
		t.Errorf("Similarity = %v, want > 0.70", got)
	}
}

func TestSimilarity_Containment(t *testing.T) {
	withContainment := Similarity("sarl abc", "paiement sarl abc")
	if withContainment < containmentWeight {
		t.Errorf("expected containment bonus to apply, got %v", withContainment)
	}
	unrelated := Similarity("sarl abc", "edf energie")
	if unrelated >= withContainment {
		t.Errorf("expected unrelated text (%v) to score below contained text (%v)", unrelated, withContainment)
	}
}

func TestLevenshteinDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"kitten", "sitting", 3},
		{"", "abc", 3},
		{"abc", "abc", 0},
		{"ABC", "abc", 0},
		{"flaw", "lawn", 2},
		{"café", "cafe", 1},
		// a substitution is one edit, not a deletion plus an insertion
		{"abc", "abd", 1},
		{"rent", "bent", 1},
	}
	for _, tt := range tests {
		if got := LevenshteinDistance(tt.a, tt.b); got != tt.want {
			t.Errorf("LevenshteinDistance(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestJaroWinkler(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"martha", "marhta", 0.9611},
		{"dwayne", "duane", 0.84},
		{"abc", "xyz", 0},
	}
	for _, tt := range tests {
		if got := JaroWinkler(tt.a, tt.b); math.Abs(got-tt.want) > 0.001 {
			t.Errorf("JaroWinkler(%q, %q) = %.4f, want %.4f", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestScorer_Algorithms(t *testing.T) {
	a, b := "kitten", "sitting"

	lev := NewScorer(AlgorithmLevenshtein, false).Score(a, b)
	if want := 1 - 3.0/7.0; math.Abs(lev-want) > 1e-9 {
		t.Errorf("levenshtein score = %v, want %v", lev, want)
	}

	jw := NewScorer(AlgorithmJaroWinkler, false).Score(a, b)
	if jw <= 0 || jw >= 1 {
		t.Errorf("jaro-winkler score = %v, want in (0,1)", jw)
	}

	comb := NewScorer("", false).Score(a, b)
	if comb != Similarity(a, b) {
		t.Errorf("default scorer should match Similarity: %v vs %v", comb, Similarity(a, b))
	}
}

func TestScorer_Normalize(t *testing.T) {
	s := NewScorer(AlgorithmCombined, true)
	if got := s.Score("SARL-ABC,  Paris", "sarl abc paris"); got != 1 {
		t.Errorf("expected normalized texts to be identical, got %v", got)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  VIR. SEPA / SARL-ABC  ", "vir sepa sarl abc"},
		{"Facture#42", "facture 42"},
		{"---", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseAlgorithm(t *testing.T) {
	for _, in := range []string{"combined", "LEVENSHTEIN", "jaro_winkler", ""} {
		if _, err := ParseAlgorithm(in); err != nil {
			t.Errorf("ParseAlgorithm(%q) error = %v", in, err)
		}
	}
	if _, err := ParseAlgorithm("soundex"); err == nil {
		t.Error("expected error for unknown algorithm")
	}
}
