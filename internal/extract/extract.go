// Package extract pulls balanced {...} and [...] regions out of free text
// such as model responses, where structured data is embedded in prose or
// markdown fences.
package extract

import "strings"

// Delims is an opening/closing delimiter pair.
type Delims struct {
	Open  byte
	Close byte
}

var (
	Object = Delims{Open: '{', Close: '}'}
	Array  = Delims{Open: '[', Close: ']'}
)

// Balanced scans from start, skipping whitespace only, to an opening
// delimiter and returns the text up to its matching close. Delimiters
// inside double-quoted strings are ignored and a backslash inside a string
// escapes the following byte. The second return value is the offset of the
// opening delimiter. ok is false when the first non-space byte is not an
// opening delimiter or the region is never closed.
func Balanced(text string, start int, d Delims) (region string, at int, ok bool) {
	if start < 0 {
		start = 0
	}
	at = -1
	for i := start; i < len(text); i++ {
		if isSpace(text[i]) {
			continue
		}
		if text[i] == d.Open {
			at = i
		}
		break
	}
	if at == -1 {
		return "", -1, false
	}
	end := closing(text, at, d)
	if end == -1 {
		return "", at, false
	}
	return text[at : end+1], at, true
}

// First returns the first balanced region anywhere in text.
func First(text string, d Delims) (string, bool) {
	start := strings.IndexByte(text, d.Open)
	if start == -1 {
		return "", false
	}
	region, _, ok := Balanced(text, start, d)
	return region, ok
}

// EnclosingOpen walks backwards from pos over whitespace and reports the
// offset of an opening delimiter found there, or -1 if anything else
// intervenes.
func EnclosingOpen(text string, pos int, d Delims) int {
	if pos > len(text) {
		pos = len(text)
	}
	for i := pos - 1; i >= 0; i-- {
		ch := text[i]
		if isSpace(ch) {
			continue
		}
		if ch == d.Open {
			return i
		}
		return -1
	}
	return -1
}

func closing(text string, open int, d Delims) int {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(text); i++ {
		ch := text[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch ch {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case d.Open:
			depth++
		case d.Close:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r'
}
