package relay

import (
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"
)

// wordRx extracts word tokens for the repetition predicates.
var wordRx = regexp.MustCompile(`[\p{L}\p{N}']+`)

// Repetition predicate thresholds. A recognizer fed noise tends to loop:
// one token dominating a long transcript, a long transcript with few
// distinct tokens, or one bigram cycling.
const (
	repTokenMinChars  = 30
	repTokenShare     = 0.30
	repUniqueMinChars = 40
	repUniqueShare    = 0.45
	repBigramMinChars = 24
	repBigramShare    = 0.40
)

// looksRepetitive flags transcripts with the hallmark repetition of a
// hallucinating recognizer. Legitimate short phrases never trip it: every
// predicate additionally requires an actual repeat, not just a dominant
// share over a couple of tokens.
func looksRepetitive(text string) bool {
	n := runeLen(text)
	if n < repBigramMinChars {
		return false
	}
	tokens := wordRx.FindAllString(strings.ToLower(text), -1)
	if len(tokens) < 2 {
		return false
	}

	counts := make(map[string]int, len(tokens))
	top := 0
	for _, tok := range tokens {
		counts[tok]++
		if counts[tok] > top {
			top = counts[tok]
		}
	}

	if n >= repTokenMinChars && top >= 3 && float64(top) >= repTokenShare*float64(len(tokens)) {
		return true
	}
	if n >= repUniqueMinChars && float64(len(counts)) <= repUniqueShare*float64(len(tokens)) {
		return true
	}

	bigrams := make(map[string]int, len(tokens))
	topBigram := 0
	for i := 0; i+1 < len(tokens); i++ {
		b := tokens[i] + " " + tokens[i+1]
		bigrams[b]++
		if bigrams[b] > topBigram {
			topBigram = bigrams[b]
		}
	}
	total := len(tokens) - 1
	return total > 0 && topBigram >= 2 && float64(topBigram) >= repBigramShare*float64(total)
}

// nearDuplicateMinRunes is the length from which small edit distances count
// as duplicates; short transcripts must match exactly.
const nearDuplicateMinRunes = 12

// nearDuplicate reports whether two transcripts are the same utterance
// decoded twice: case-insensitively identical, or within an edit distance of
// two for longer strings.
func nearDuplicate(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la == lb {
		return true
	}
	if runeLen(la) < nearDuplicateMinRunes || runeLen(lb) < nearDuplicateMinRunes {
		return false
	}
	return matchr.OSA(la, lb) <= 2
}
