package model

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxSlugLength bounds group slugs.
const MaxSlugLength = 20

// fallbackSlug is used when a name has no usable characters.
const fallbackSlug = "group"

// NewID returns a random identifier for queues, groups, commands and sessions.
func NewID() string {
	return uuid.NewString()
}

// ShortID returns the first eight characters of id for display.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// Slugify derives a lowercase, hyphenated slug of at most MaxSlugLength
// characters from name. Diacritics are stripped; runs of anything else that
// is not a letter or digit collapse to a single hyphen.
func Slugify(name string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	hyphen := false
	for _, r := range strings.ToLower(folded) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			hyphen = false
			continue
		}
		if !hyphen && b.Len() > 0 {
			b.WriteByte('-')
			hyphen = true
		}
	}

	slug := truncateSlug(b.String(), MaxSlugLength)
	if slug == "" {
		return fallbackSlug
	}
	return slug
}

// UniqueSlug returns base, or base with a "-N" suffix (N ≥ 2), such that
// taken reports false. The result stays within MaxSlugLength.
func UniqueSlug(base string, taken func(string) bool) string {
	if !taken(base) {
		return base
	}
	for n := 2; ; n++ {
		suffix := "-" + strconv.Itoa(n)
		candidate := truncateSlug(base, MaxSlugLength-len(suffix)) + suffix
		if !taken(candidate) {
			return candidate
		}
	}
}

func truncateSlug(s string, max int) string {
	if len(s) > max {
		s = s[:max]
	}
	return strings.Trim(s, "-")
}
