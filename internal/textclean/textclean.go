// Package textclean normalizes free-form upstream descriptions into plain,
// bounded text and flags scraped boilerplate.
package textclean

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DefaultLimit is the maximum description length, in runes, kept in the store.
const DefaultLimit = 2000

// blockTags separate words when stripped.
var blockTags = map[atom.Atom]bool{
	atom.Br: true, atom.P: true, atom.Div: true, atom.Li: true, atom.Ul: true,
	atom.Ol: true, atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true,
	atom.H5: true, atom.H6: true, atom.Tr: true, atom.Td: true, atom.Th: true,
	atom.Table: true, atom.Blockquote: true, atom.Section: true, atom.Article: true,
	atom.Hr: true, atom.Pre: true,
}

// StripMarkup removes HTML tags and unescapes entities. Content of script and
// style elements is dropped.
func StripMarkup(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}

	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken, html.SelfClosingTagToken, html.EndTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if a == atom.Script || a == atom.Style {
				if tt == html.StartTagToken {
					skip++
				} else if tt == html.EndTagToken && skip > 0 {
					skip--
				}
				continue
			}
			if blockTags[a] {
				b.WriteByte(' ')
			}
		}
	}
}

// CollapseSpace trims s and replaces every run of whitespace with one space.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate cuts s to at most limit runes, never splitting a rune. A limit of
// zero or less disables truncation.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return strings.TrimRight(s[:i], " ")
		}
		n++
	}
	return s
}

// Sanitize strips markup, unescapes entities, collapses whitespace and
// truncates to limit runes.
func Sanitize(s string, limit int) string {
	return Truncate(CollapseSpace(StripMarkup(s)), limit)
}

var badSubstrings = []string{
	"@property",
	"--tw-",
	"exchange plus",
	"cex.io",
	"airdrop",
	"margin trading",
}

var badPatterns = []*regexp.Regexp{
	regexp.MustCompile(`DocsLearn`),
	regexp.MustCompile(`GithubImplement`),
	regexp.MustCompile(`TelegramChat`),
	regexp.MustCompile(`DiscordHelp`),
	regexp.MustCompile(`\+\d{2,}`),
	regexp.MustCompile(`[a-z][A-Z][a-z]`),
	regexp.MustCompile(`\w{21,}`),
}

// IsGarbage reports whether s looks like scraped page chrome rather than a
// description: it contains a known stop phrase, or matches at least two
// glued-text patterns.
func IsGarbage(s string) bool {
	t := strings.TrimSpace(s)
	if t == "" {
		return false
	}
	lower := strings.ToLower(t)
	for _, sub := range badSubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	hits := 0
	for _, re := range badPatterns {
		if re.MatchString(t) {
			hits++
			if hits >= 2 {
				return true
			}
		}
	}
	return false
}
