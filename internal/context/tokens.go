package context

import "unicode/utf8"

// EstimateTokens approximates the token count of text as characters/4,
// rounded up. It is the unit every section size and budget is measured in.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// charsForTokens is the largest character count that still estimates to at most tokens.
func charsForTokens(tokens int) int {
	if tokens <= 0 {
		return 0
	}
	return tokens * 4
}
