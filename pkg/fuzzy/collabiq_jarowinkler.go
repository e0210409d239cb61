// Package fuzzy implements the Jaro-Winkler similarity used by the company
// and person matchers. All scoring is rune-based so Korean names compare by
// syllable, not by UTF-8 byte.
package fuzzy

import "strings"

const (
	winklerPrefixScale = 0.1
	winklerMaxPrefix   = 4
)

// Normalize trims and collapses internal whitespace. No case folding and no
// Unicode normalization: Korean strings must compare byte-for-byte as the
// workspace stores them.
func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// JaroWinkler returns the similarity of two strings in [0, 1].
// 1.0 means equal, 0.0 means nothing in common.
func JaroWinkler(s1, s2 string) float64 {
	j := jaro([]rune(s1), []rune(s2))
	if j == 0 {
		return 0
	}

	prefix := commonPrefixLen([]rune(s1), []rune(s2))
	if prefix > winklerMaxPrefix {
		prefix = winklerMaxPrefix
	}
	return j + float64(prefix)*winklerPrefixScale*(1-j)
}

func jaro(r1, r2 []rune) float64 {
	n1, n2 := len(r1), len(r2)
	if n1 == 0 && n2 == 0 {
		return 1
	}
	if n1 == 0 || n2 == 0 {
		return 0
	}

	window := max(n1, n2)/2 - 1
	if window < 0 {
		window = 0
	}

	matched1 := make([]bool, n1)
	matched2 := make([]bool, n2)

	matches := 0
	for i := 0; i < n1; i++ {
		lo := i - window
		if lo < 0 {
			lo = 0
		}
		hi := i + window + 1
		if hi > n2 {
			hi = n2
		}
		for j := lo; j < hi; j++ {
			if matched2[j] || r1[i] != r2[j] {
				continue
			}
			matched1[i] = true
			matched2[j] = true
			matches++
			break
		}
	}

	if matches == 0 {
		return 0
	}

	// 전위(transposition) 계산: 매칭된 문자 순서 비교
	transpositions := 0
	k := 0
	for i := 0; i < n1; i++ {
		if !matched1[i] {
			continue
		}
		for !matched2[k] {
			k++
		}
		if r1[i] != r2[k] {
			transpositions++
		}
		k++
	}
	t := float64(transpositions) / 2

	m := float64(matches)
	return (m/float64(n1) + m/float64(n2) + (m-t)/m) / 3
}

func commonPrefixLen(r1, r2 []rune) int {
	n := min(len(r1), len(r2))
	for i := 0; i < n; i++ {
		if r1[i] != r2[i] {
			return i
		}
	}
	return n
}
