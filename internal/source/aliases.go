package source

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Aliases maps a series slug to the title used for metadata searches. It is consulted
// before generic normalization so catalog-specific quirks stay in configuration.
type Aliases map[string]string

var (
	trailingYear   = regexp.MustCompile(`\s*\(\d{4}\)\s*$`)
	trailingSeason = regexp.MustCompile(`(?i)\s*[-:]?\s*(temporada|season|saison)\s+\d+\s*$`)
	onlineSuffix   = regexp.MustCompile(`(?i)\s*(online|sub español|latino|castellano)\s*$`)
)

// SearchTitle returns the title to search for: the alias when one exists, else the
// normalized title, else a title derived from the slug.
func (a Aliases) SearchTitle(slug, title string) string {
	if alias, ok := a[strings.ToLower(strings.TrimSpace(slug))]; ok && alias != "" {
		return alias
	}
	if t := NormalizeTitle(title); t != "" {
		return t
	}
	return TitleFromSlug(slug)
}

// NormalizeTitle strips year, season and language decorations from a page title.
func NormalizeTitle(title string) string {
	t := strings.Join(strings.Fields(title), " ")
	for {
		before := t
		t = trailingYear.ReplaceAllString(t, "")
		t = trailingSeason.ReplaceAllString(t, "")
		t = onlineSuffix.ReplaceAllString(t, "")
		t = strings.TrimSpace(t)
		if t == before {
			return t
		}
	}
}

// TitleFromSlug turns "la-casa-de-papel" into "La Casa De Papel".
func TitleFromSlug(slug string) string {
	words := strings.FieldsFunc(slug, func(r rune) bool { return r == '-' || r == '_' })
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}
