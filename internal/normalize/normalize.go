// Package normalize canonicalizes free-text composer, raga, tala and title strings
// before they are compared.
//
// Every kind first folds diacritics (NFKD, combining marks removed), lowercases
// and collapses whitespace; the kind then applies its own rules.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Kind selects the rule set applied by Normalize.
type Kind string

const (
	KindComposer Kind = "composer"
	KindRaga     Kind = "raga"
	KindTala     Kind = "tala"
	KindTitle    Kind = "title"
	KindDeity    Kind = "deity"
)

var (
	// Anything that is not a letter, digit or space.
	punctuation = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)

	// Long vowels and their doubled transliterations.
	vowelLength = strings.NewReplacer("aa", "a", "ee", "i", "ii", "i", "oo", "u", "uu", "u")

	// Aspirated consonants transliterated with a trailing h.
	aspiration = strings.NewReplacer("th", "t", "dh", "d", "bh", "b", "kh", "k", "gh", "g")
)

// honorifics are dropped wherever they appear as whole words in composer names.
//
//nolint:gochecknoglobals // Static lookup table
var honorifics = map[string]bool{
	"sri": true, "shri": true, "sree": true, "shree": true, "srimad": true,
	"saint": true, "sant": true, "swami": true, "swamigal": true,
	"avargal": true, "garu": true, "gaaru": true,
}

// titleHonorifics are stripped only from the start of a title.
//
//nolint:gochecknoglobals // Static lookup table
var titleHonorifics = []string{"sri ", "shri ", "sree ", "shree "}

// composerAliases maps folded spellings to the canonical composer name.
//
//nolint:gochecknoglobals // Static lookup table
var composerAliases = map[string]string{
	"thyagaraja":            "tyagaraja",
	"thyagarajar":           "tyagaraja",
	"tyagayya":              "tyagaraja",
	"thyagayya":             "tyagaraja",
	"muthuswami dikshitar":  "muttusvami diksitar",
	"muthuswamy dikshitar":  "muttusvami diksitar",
	"muthuswami dikshithar": "muttusvami diksitar",
	"dikshitar":             "muttusvami diksitar",
	"syama sastri":          "syama sastri",
	"shyama sastri":         "syama sastri",
	"shyama shastri":        "syama sastri",
	"syama shastri":         "syama sastri",
	"purandaradasa":         "purandara dasa",
	"purandaradasar":        "purandara dasa",
	"swathi thirunal":       "svati tirunal",
	"swati tirunal":         "svati tirunal",
	"papanasam sivan":       "papanasam sivan",
	"annamacharya":          "annamacarya",
	"annamayya":             "annamacarya",
}

// talaAliases maps folded tala names (suffix already removed) to a canonical name.
//
//nolint:gochecknoglobals // Static lookup table
var talaAliases = map[string]string{
	"aadi":          "adi",
	"adi":           "adi",
	"rupakam":       "rupaka",
	"roopakam":      "rupaka",
	"roopaka":       "rupaka",
	"rupaka":        "rupaka",
	"chapu":         "capu",
	"misra chapu":   "misra capu",
	"mishra chapu":  "misra capu",
	"khanda chapu":  "khanda capu",
	"kanda chapu":   "khanda capu",
	"jhampa":        "jhampa",
	"jampa":         "jhampa",
	"triputa":       "triputa",
	"tisra triputa": "tisra triputa",
	"ata":           "ata",
	"atta":          "ata",
	"eka":           "eka",
}

// talaSuffixes are trailing words or endings that do not change which tala is meant.
//
//nolint:gochecknoglobals // Static lookup table
var talaSuffixes = []string{" talam", " thalam", " tala", " thala", "talam", "tala"}

// Normalize applies the rules for kind to text. Unknown kinds get the base folding only.
func Normalize(text string, kind Kind) string {
	s := fold(text)
	switch kind {
	case KindComposer:
		return composer(s)
	case KindRaga:
		return raga(s)
	case KindTala:
		return tala(s)
	case KindTitle:
		return title(s)
	default:
		return s
	}
}

// Title is shorthand for Normalize(text, KindTitle).
func Title(text string) string { return Normalize(text, KindTitle) }

// Compress removes all whitespace, so "endaro mahanubhavulu" and "endaromahanubhavulu" compare equal.
func Compress(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// CompressedTitle normalizes text as a title and removes its spaces.
func CompressedTitle(text string) string {
	return Compress(Title(text))
}

func fold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.Map(func(r rune) rune {
		if r == 0 {
			return -1
		}
		return r
	}, folded)
	return collapse(strings.ToLower(folded))
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func stripPunctuation(s string) string {
	return collapse(punctuation.ReplaceAllString(s, " "))
}

func composer(s string) string {
	s = stripPunctuation(s)

	words := strings.Fields(s)
	kept := words[:0]
	for _, w := range words {
		if !honorifics[w] {
			kept = append(kept, w)
		}
	}
	s = strings.Join(kept, " ")

	if alias, ok := composerAliases[s]; ok {
		return alias
	}
	if alias, ok := composerAliases[Compress(s)]; ok {
		return alias
	}
	return s
}

func raga(s string) string {
	s = Compress(stripPunctuation(s))
	s = aspiration.Replace(s)
	return vowelLength.Replace(s)
}

func tala(s string) string {
	s = stripPunctuation(s)
	for _, suffix := range talaSuffixes {
		if trimmed, ok := strings.CutSuffix(s, suffix); ok && trimmed != "" {
			s = strings.TrimSpace(trimmed)
			break
		}
	}
	if alias, ok := talaAliases[s]; ok {
		return alias
	}
	return s
}

func title(s string) string {
	s = stripPunctuation(s)
	for _, prefix := range titleHonorifics {
		if rest, ok := strings.CutPrefix(s, prefix); ok && rest != "" {
			return rest
		}
	}
	return s
}
