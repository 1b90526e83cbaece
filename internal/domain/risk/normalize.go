package risk

import "strings"

// Normalize strips everything but ASCII digits from an activity code, keeping
// digit order. "01.11-3/01" and "0111301" normalize to the same value. An
// empty result means "no code".
func Normalize(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for i := 0; i < len(code); i++ {
		if c := code[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Format renders a normalized 7-digit code as NNNN-N/NN. Other lengths are
// returned unchanged.
func Format(code string) string {
	if len(code) != 7 {
		return code
	}
	return code[:4] + "-" + code[4:5] + "/" + code[5:]
}

// hasLetter reports whether s contains anything that is not a digit,
// whitespace or common code punctuation.
func hasLetter(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case strings.ContainsRune(" \t.-/", r):
		default:
			return true
		}
	}
	return false
}
