package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// CleanIdentifier folds value and keeps only ASCII letters, digits, '_' and
// '-'. Returns fallback when nothing survives.
func CleanIdentifier(value, fallback string) string {
	var b strings.Builder
	for _, r := range Fold(strings.TrimSpace(value)) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return fallback
	}
	return b.String()
}

// PersonWords returns the words of a DICOM person name in given-then-family
// order. "SILVA^JOAO CARLOS" yields [JOAO CARLOS SILVA].
func PersonWords(pn string) []string {
	components := strings.Split(strings.TrimSpace(pn), "^")
	var ordered []string
	if len(components) > 1 {
		ordered = append(ordered, components[1])
		ordered = append(ordered, components[2:]...)
		ordered = append(ordered, components[0])
	} else {
		ordered = components
	}
	var words []string
	for _, part := range ordered {
		for _, w := range strings.FieldsFunc(Fold(part), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}) {
			words = append(words, w)
		}
	}
	return words
}

// FirstNameInitials renders a person name as the first given name in title
// case followed by the upper-cased initials of the remaining words:
// "SILVA^JOAO CARLOS" becomes "JoaoCS".
func FirstNameInitials(pn string) string {
	words := PersonWords(pn)
	if len(words) == 0 {
		return ""
	}
	title := cases.Title(language.Und)
	var b strings.Builder
	b.WriteString(title.String(strings.ToLower(words[0])))
	for _, w := range words[1:] {
		if isParticle(w) {
			continue
		}
		r := []rune(w)
		b.WriteRune(unicode.ToUpper(r[0]))
	}
	return CleanIdentifier(b.String(), "")
}

// isParticle reports name connectors that carry no initial.
func isParticle(w string) bool {
	switch strings.ToLower(w) {
	case "de", "da", "do", "das", "dos", "e", "del", "la":
		return true
	}
	return false
}

// SanitizeToken converts a string to a lowercase filesystem-safe token.
// Letters are lowercased, digits and hyphens/underscores are kept, everything
// else becomes an underscore. Returns "unknown" for empty input.
func SanitizeToken(value string) string {
	value = strings.TrimSpace(Fold(value))
	if value == "" {
		return "unknown"
	}
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_-")
	if out == "" {
		return "unknown"
	}
	return out
}
