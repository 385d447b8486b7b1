package calendar

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	// fuzzyThreshold is the minimum Jaro-Winkler score for a title match
	// when the phonetic codes disagree.
	fuzzyThreshold = 0.85

	// phoneticFuzzyThreshold is the lower bar applied when the spoken and
	// stored titles share a Double Metaphone code.
	phoneticFuzzyThreshold = 0.70
)

// BestMatch ranks events by similarity between the spoken title and each
// stored title and returns the best one above threshold. Matching combines
// Jaro-Winkler scoring with Double Metaphone codes so "sync with deb"
// still finds "Sync with Deb" and "dentist" finds "Dentist appointment".
func BestMatch(spoken string, events []Event) (Event, bool) {
	spoken = normalize(spoken)
	if spoken == "" {
		return Event{}, false
	}
	spokenCodes := metaphoneCodes(spoken)

	var (
		best      Event
		bestScore float64
	)
	for _, ev := range events {
		title := normalize(ev.Title)
		if title == "" {
			continue
		}

		score := titleScore(spoken, title)

		threshold := fuzzyThreshold
		if sharesCode(spokenCodes, metaphoneCodes(title)) {
			threshold = phoneticFuzzyThreshold
		}
		if score >= threshold && score > bestScore {
			best = ev
			bestScore = score
		}
	}
	return best, bestScore > 0
}

// titleScore is the best Jaro-Winkler score across the full strings and
// every token pair, so one confidently heard word can carry a multi-word
// title.
func titleScore(a, b string) float64 {
	score := matchr.JaroWinkler(a, b, false)
	for _, at := range strings.Fields(a) {
		for _, bt := range strings.Fields(b) {
			if s := matchr.JaroWinkler(at, bt, false); s > score {
				score = s
			}
		}
	}
	return score
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// metaphoneCodes returns the set of Double Metaphone codes over all tokens.
func metaphoneCodes(s string) map[string]struct{} {
	codes := make(map[string]struct{})
	for _, tok := range strings.Fields(s) {
		p, sec := matchr.DoubleMetaphone(tok)
		if p != "" {
			codes[p] = struct{}{}
		}
		if sec != "" {
			codes[sec] = struct{}{}
		}
	}
	return codes
}

func sharesCode(a, b map[string]struct{}) bool {
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}
