package worker

// similarity scores how alike two label strings are, in [0, 1], using a
// Ratcliff/Obershelp-style longest-common-substring recursion. This
// stands in for the source's difflib.SequenceMatcher.ratio(): no example
// in the pack imports a string-similarity library, so this one routine is
// implemented directly on the standard library (see DESIGN.md).
func similarity(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	matches := matchingCharacters(a, b)
	return 2 * float64(matches) / float64(len(a)+len(b))
}

// matchingCharacters sums the lengths of successive longest common
// substrings between a and b, recursing into the left and right remainder
// on each side of a match — the core of the Ratcliff/Obershelp algorithm.
func matchingCharacters(a, b string) int {
	ai, bi, length := longestCommonSubstring(a, b)
	if length == 0 {
		return 0
	}
	return length +
		matchingCharacters(a[:ai], b[:bi]) +
		matchingCharacters(a[ai+length:], b[bi+length:])
}

func longestCommonSubstring(a, b string) (aIdx, bIdx, length int) {
	for i := 0; i < len(a); i++ {
		for j := 0; j < len(b); j++ {
			k := 0
			for i+k < len(a) && j+k < len(b) && a[i+k] == b[j+k] {
				k++
			}
			if k > length {
				aIdx, bIdx, length = i, j, k
			}
		}
	}
	return
}

// mostSimilarLabel returns the label in candidates most similar to target.
// Ties resolve to the first candidate encountered, matching the source's
// stable max() over a dict's insertion-ordered keys.
func mostSimilarLabel(target string, candidates []string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	best := candidates[0]
	bestScore := similarity(target, best)
	for _, c := range candidates[1:] {
		if score := similarity(target, c); score > bestScore {
			best, bestScore = c, score
		}
	}
	return best, true
}
