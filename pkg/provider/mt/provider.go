// Package mt defines the Translator interface for machine translation
// backends, plus the sentence-splitting helpers shared by providers and the
// delivery pipeline.
//
// A translator wraps a translation service (an NLLB serving endpoint, an LLM
// behind a chat-completion API) behind a single call. Implementations must be
// safe for concurrent use and must return the input unchanged when source and
// target language match.
package mt

import (
	"context"
	"strings"
	"unicode"
)

// Translator is the abstraction over any machine translation backend.
//
// sourceLang and targetLang are primary language subtags ("en", "pt"). When
// they are equal, implementations return text unchanged without a network
// call. Inputs longer than the model's working window are split into
// sentence-sized pieces (SplitSentences) and translated piecewise.
type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
}

// sentenceEnders are the characters that close a sentence on either side of
// the relay: transcript aggregation flushes on them, and providers split
// oversized input at them.
const sentenceEnders = ".!?…"

// HasSentenceEnd reports whether s contains a sentence-ending character.
func HasSentenceEnd(s string) bool {
	return strings.ContainsAny(s, sentenceEnders)
}

// findSentenceBoundary returns the byte index of the last byte of the first
// sentence-ending rune that is either at the end of s or immediately followed
// by whitespace, so s[:idx+1] always ends with the complete ender. Returns -1
// if no boundary is found.
//
// Requiring trailing whitespace keeps abbreviations like "Dr." and decimal
// numbers like "3.14" intact when they are followed by more text.
func findSentenceBoundary(s string) int {
	for i, r := range s {
		if !strings.ContainsRune(sentenceEnders, r) {
			continue
		}
		next := i + len(string(r))
		if next >= len(s) || unicode.IsSpace(rune(s[next])) {
			return next - 1
		}
	}
	return -1
}

// SplitSentences splits text into pieces of at most maxLen bytes, preferring
// sentence boundaries, then falling back to the last space before the limit,
// then to a hard cut for unbroken runs. Empty pieces are dropped; the
// concatenation of the trimmed pieces preserves all non-whitespace content in
// order. maxLen <= 0 returns the whole trimmed text as a single piece.
func SplitSentences(text string, maxLen int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if maxLen <= 0 || len(text) <= maxLen {
		return []string{text}
	}

	var pieces []string
	remaining := text
	for len(remaining) > maxLen {
		window := remaining[:maxLen]

		cut := -1
		// Prefer the last sentence boundary inside the window.
		for off := 0; ; {
			idx := findSentenceBoundary(window[off:])
			if idx < 0 {
				break
			}
			cut = off + idx
			off = cut + 1
		}
		if cut < 0 {
			// Fall back to the last space inside the window.
			if sp := strings.LastIndexFunc(window, unicode.IsSpace); sp > 0 {
				cut = sp
			} else {
				// Unbroken run: hard cut, stepping back to a rune boundary so
				// remaining[:cut+1] stays valid UTF-8.
				cut = maxLen - 1
				for cut > 0 && !isRuneStart(remaining[cut+1]) {
					cut--
				}
				if cut == 0 {
					cut = maxLen - 1
				}
			}
		}

		piece := strings.TrimSpace(remaining[:cut+1])
		if piece != "" {
			pieces = append(pieces, piece)
		}
		remaining = strings.TrimSpace(remaining[cut+1:])
	}
	if remaining != "" {
		pieces = append(pieces, remaining)
	}
	return pieces
}

// isRuneStart reports whether b can begin a UTF-8 encoded rune.
func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
