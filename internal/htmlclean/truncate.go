package htmlclean

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// CharsPerToken is the fixed ratio used to estimate token counts.
const CharsPerToken = 3.5

// TruncationMarker is appended whenever content is cut.
const TruncationMarker = "\n[content truncated]"

var closeTag = regexp.MustCompile(`</[A-Za-z][A-Za-z0-9:-]*\s*>`)

// EstimateTokens approximates the token count of s.
func EstimateTokens(s string) int {
	return int(float64(len(s)) / CharsPerToken)
}

// MaxChars is the character allowance for a token budget.
func MaxChars(budget int) int {
	return int(float64(budget) * CharsPerToken)
}

// Truncate caps content to budget tokens. Content within budget is returned
// unchanged. Otherwise the cut is placed after the last complete closing tag
// inside the allowance, or failing that after the last sentence terminator,
// or failing that at the allowance itself, and TruncationMarker is appended.
// The second result reports whether content was cut.
func Truncate(content string, budget int) (string, bool) {
	if budget <= 0 {
		return content, false
	}

	limit := MaxChars(budget)
	if len(content) <= limit {
		return content, false
	}

	window := content[:runeFloor(content, limit)]

	cut := lastCloseTagEnd(window)
	if cut <= 0 {
		cut = lastSentenceEnd(window)
	}
	if cut <= 0 {
		cut = len(window)
	}

	return content[:cut] + TruncationMarker, true
}

func lastCloseTagEnd(window string) int {
	matches := closeTag.FindAllStringIndex(window, -1)
	if len(matches) == 0 {
		return -1
	}
	return matches[len(matches)-1][1]
}

// lastSentenceEnd returns the offset just past the last '.', '!' or '?'
// that is followed by whitespace or ends the window.
func lastSentenceEnd(window string) int {
	for i := len(window) - 1; i >= 0; i-- {
		switch window[i] {
		case '.', '!', '?':
			if i == len(window)-1 || strings.ContainsRune(" \t\r\n", rune(window[i+1])) {
				return i + 1
			}
		}
	}
	return -1
}

// runeFloor moves n back to the nearest rune boundary of s.
func runeFloor(s string, n int) int {
	if n >= len(s) {
		return len(s)
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}
