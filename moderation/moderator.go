package moderation

import (
	"log/slog"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
)

// leet maps look-alike characters back to the letter they stand for.
var leet = map[rune]rune{
	'4': 'a', '@': 'a',
	'3': 'e', '€': 'e',
	'1': 'i', '!': 'i', '|': 'i',
	'0': 'o',
	'5': 's', '$': 's',
}

// Moderator masks censored words in room names and descriptions.
// Matching ignores case, punctuation, spacing and common leet substitutions.
type Moderator struct {
	automaton *goahocorasick.Machine
	mask      rune
}

// folded is a text reduced to the letters that matter for matching.
// positions[i] is the index in the source runes of letters[i].
type folded struct {
	letters   []rune
	positions []int
}

func fold(text string) folded {
	source := []rune(text)
	f := folded{letters: make([]rune, 0, len(source)), positions: make([]int, 0, len(source))}
	for i, r := range source {
		if l, ok := leet[r]; ok {
			r = l
		}
		if unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r) {
			continue
		}
		f.letters = append(f.letters, unicode.ToLower(r))
		f.positions = append(f.positions, i)
	}
	return f
}

// NewModerator builds the automaton over the folded words.
// Words without any letter left are skipped. With no word at all, Censor is a no-op.
func NewModerator(words []string, mask rune, log *slog.Logger) (*Moderator, error) {
	var patterns [][]rune
	for _, word := range words {
		if letters := fold(word).letters; len(letters) > 0 {
			patterns = append(patterns, letters)
			continue
		}
		log.Debug("Skipping censored word without letters", "word", word)
	}

	m := &Moderator{mask: mask}
	if len(patterns) == 0 {
		return m, nil
	}
	m.automaton = new(goahocorasick.Machine)
	if err := m.automaton.Build(patterns); err != nil {
		return nil, err
	}
	log.Info("Moderation enabled", "words", len(patterns))
	return m, nil
}

// Censor masks every matched span of text, separators inside the span included,
// and returns the words found.
func (m *Moderator) Censor(text string) (string, []string) {
	if m == nil || m.automaton == nil {
		return text, nil
	}
	f := fold(text)
	if len(f.letters) == 0 {
		return text, nil
	}
	hits := m.automaton.MultiPatternSearch(f.letters, false)
	if len(hits) == 0 {
		return text, nil
	}

	out := []rune(text)
	words := make([]string, 0, len(hits))
	for _, hit := range hits {
		last := hit.Pos + len(hit.Word) - 1
		if hit.Pos < 0 || last >= len(f.positions) {
			continue
		}
		for i := f.positions[hit.Pos]; i <= f.positions[last]; i++ {
			out[i] = m.mask
		}
		words = append(words, string(hit.Word))
	}
	return string(out), words
}
