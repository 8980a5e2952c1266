package distill

// SequenceRatio reports the similarity of two strings in [0, 1]. It is the
// matcher behind fuzzy locator lookup and is exported for other fuzzy
// lookups, like site-name search.
func SequenceRatio(a, b string) float64 {
	return sequenceRatio(a, b)
}

// sequenceRatio computes the Ratcliff/Obershelp similarity of two strings:
// twice the number of matching characters over the total length. Matching
// characters are found by locating the longest common substring, then
// recursing on the pieces to its left and right.
func sequenceRatio(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	matches := matchingChars([]rune(a), []rune(b))
	return 2.0 * float64(matches) / float64(len([]rune(a))+len([]rune(b)))
}

func matchingChars(a, b []rune) int {
	aStart, bStart, size := longestCommonSubstring(a, b)
	if size == 0 {
		return 0
	}
	total := size
	total += matchingChars(a[:aStart], b[:bStart])
	total += matchingChars(a[aStart+size:], b[bStart+size:])
	return total
}

func longestCommonSubstring(a, b []rune) (aStart, bStart, size int) {
	// One-row DP over b.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
				if curr[j] > size {
					size = curr[j]
					aStart = i - size
					bStart = j - size
				}
			} else {
				curr[j] = 0
			}
		}
		prev, curr = curr, prev
	}
	return aStart, bStart, size
}
