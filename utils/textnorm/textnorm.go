package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stripDiacritics decomposes, drops combining marks, recomposes.
var stripDiacritics = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// French filler words that appear inconsistently in column headers
// ("Texte de la question" vs "Texte question").
var headerStopwords = map[string]bool{
	"de": true, "du": true, "des": true,
	"la": true, "le": true, "les": true,
	"l": true, "d": true,
}

// Fold lowercases the string and removes diacritics (é -> e, ï -> i).
func Fold(s string) string {
	folded, _, err := transform.String(stripDiacritics, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(folded)
}

// CanonicalizeHeader maps a spreadsheet column header to its canonical form:
// diacritic-free, lowercase, punctuation/underscores collapsed to single spaces,
// French filler words removed. "Texte de la Question", "texte_question" and
// "Texte Question" all canonicalize to "texte question".
func CanonicalizeHeader(s string) string {
	folded := Fold(s)

	var b strings.Builder
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}

	words := strings.Fields(b.String())
	kept := words[:0]
	for _, w := range words {
		if headerStopwords[w] {
			continue
		}
		kept = append(kept, w)
	}

	return strings.Join(kept, " ")
}

// CanonicalizeSheet maps a sheet name to its canonical form: diacritic-free,
// lowercase, all whitespace/punctuation removed. " Cas QCM " -> "casqcm".
func CanonicalizeSheet(s string) string {
	folded := Fold(s)

	var b strings.Builder
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
