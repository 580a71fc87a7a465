// Package textnorm normalizes transcript text and splits it into words.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/width"
)

var cjkPunct = strings.NewReplacer(
	"。", ".",
	"、", ",",
	"「", "\"",
	"」", "\"",
	"『", "\"",
	"』", "\"",
	"【", "[",
	"】", "]",
	"〜", "~",
)

// NormalizePunct folds full-width forms to their ASCII equivalents and maps
// common CJK punctuation to ASCII.
func NormalizePunct(s string) string {
	if s == "" {
		return s
	}
	return width.Fold.String(cjkPunct.Replace(s))
}

// SplitWords splits text for lang. CJK languages split per character while
// keeping ASCII runs together; everything else splits on whitespace.
func SplitWords(text, lang string) []string {
	normalized := NormalizePunct(text)
	switch strings.ToLower(lang) {
	case "zh", "zhs", "zht", "ja", "ko":
		return splitCJK(normalized)
	default:
		return strings.Fields(normalized)
	}
}

func isASCIIWord(r rune) bool {
	return r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'')
}

func splitCJK(text string) []string {
	var out []string
	var run strings.Builder
	flush := func() {
		if run.Len() > 0 {
			out = append(out, strings.Trim(run.String(), "'"))
			run.Reset()
		}
	}

	for _, r := range text {
		switch {
		case isASCIIWord(r):
			run.WriteRune(r)
		case unicode.IsSpace(r):
			flush()
		default:
			flush()
			out = append(out, string(r))
		}
	}
	flush()

	return out
}
