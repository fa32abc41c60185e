// Package tokens provides the fixed tokenization function used for
// context budgeting. Counts are estimates, not the completion API's
// exact BPE output, but they only need to be consistent: a turn's cost
// is computed once at write time with [Count] and the budgeter compares
// those same numbers against the ceiling.
package tokens

// Count estimates the token cost of s. ASCII text costs one token per
// four bytes (the usual English BPE density); every other rune costs a
// full token, which matches how CJK text is billed closely enough for
// budgeting.
func Count(s string) int {
	ascii := 0
	count := 0
	for _, r := range s {
		if r < 128 {
			ascii++
		} else {
			count++
		}
	}
	return count + (ascii+3)/4
}
