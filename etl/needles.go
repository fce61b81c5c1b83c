// Package etl drives extraction from upstream document databases into the
// relational sink: view selection, snapshotting, value classification and
// the plan runner.
package etl

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// DefaultSynonyms maps canonical view names to the regex patterns their
// upstream view names are known to match. Plans can pin a view with a
// regex_override instead, and config may extend this table.
func DefaultSynonyms() map[string][]string {
	return map[string][]string{
		"Person By Surname": {
			`\b(persons?|people|employees?)\b.*\b(surname|last\s*name|alphabetic(?:ally)?)\b`,
			`\b(employ[ée]s?)\b.*\b(alphab[ée]tiqu(?:e|ement))\b`,
			`^\s*\d+\.\s*employees?,?\s*alphabetically\s*$`,
			`^\s*employ[ée]s?,?\s*tri[ée]s?\s*alphab[ée]tiquement\s*$`,
			`\bemployees?,?\s*alphabetically\b`,
			`\bemploy[ée]s?\s*tri[ée]s?\s*alphab[éè]tiquement\b`,
		},
		"Person By Organization": {
			`\b(persons?|people|employees?)\b.*\b(by|par)\b.*\b(org(?:ani[sz]ation)?|branch|directorate|direction|r[ée]gion)\b`,
			`\bby\s+org\s+structure\b`,
			`^\s*\d+\.\s*employees?\s+by\s+region,\s*by\s*branch\s*$`,
			`^\s*employ[ée]s?\s+par\s+r[ée]gion,\s*par\s*direction\s*g[éè]n[ée]rale\s*$`,
			`\benglish.*by\s+org\s+structure\b`,
			`\bfrench.*par\s+structure\s+org\b`,
			`\b(hpcb|isc).*(by|par).*(org\s*structure|structure\s+org)`,
		},
		"Organizational Structure": {
			`\borganization(?:al)?\s+structure\b`,
			`\borganization\s+structure\s+unsorted\b`,
		},
		"All Employees HC Export": {
			`\ball\s+employees?\b.*\bHC\b.*\bexport\b`,
			`^\s*all\s+hc\s+employees?\s+export\s*$`,
		},
		"All Employees PHAC Export": {
			`\ball\s+employees?\b.*\bPHAC\b.*\bexport\b`,
			`^\s*all\s+phac\s+employees?\s+export\s*$`,
		},
		"GEDS Update M365": {
			`\bgeds\b.*update.*m365\b`,
			`^\s*geds\\?update\s+m365\s*$`,
			`\bm365\s+geds\s+update\b`,
		},
	}
}

const punctuation = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// Normalize lowercases under NFKC, blanks punctuation and collapses
// whitespace, giving the form view names are matched in.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ToLower(norm.NFKC.String(s))
	s = strings.Map(func(r rune) rune {
		if strings.ContainsRune(punctuation, r) {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

var leafSplit = regexp.MustCompile(`[\\/]+`)

// LeafName returns the last path component of a view name such as
// "HR\People\By Surname".
func LeafName(name string) string {
	parts := leafSplit.Split(strings.TrimSpace(name), -1)
	if len(parts) == 0 {
		return ""
	}
	return strings.TrimSpace(parts[len(parts)-1])
}

var (
	altGroup  = regexp.MustCompile(`\(([^()]*\|[^()]*)\)`)
	charClass = regexp.MustCompile(`\[([^\]]+)\]`)
	quant     = regexp.MustCompile(`\{[^}]*\}`)
	regexMeta = regexp.MustCompile(`[()^$?+*|]`)
	plainExtd = regexp.MustCompile(`[^0-9a-zà-ÿ/\\\- ]+`)
)

func chooseFirstAlternative(s string) string {
	return altGroup.ReplaceAllStringFunc(s, func(m string) string {
		inside := m[1 : len(m)-1]
		return strings.SplitN(inside, "|", 2)[0]
	})
}

func simplifyCharClass(s string) string {
	return charClass.ReplaceAllStringFunc(s, func(m string) string {
		inside := m[1 : len(m)-1]
		for _, r := range inside {
			if unicode.IsLetter(r) {
				return string(r)
			}
		}
		if inside == "" {
			return ""
		}
		r, _ := utf8.DecodeRuneInString(inside)
		return string(r)
	})
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NeedlesFromPattern degrades a synonym regex into literal substrings that
// can be tested with a plain contains check: whitespace classes and anchors
// become spaces, escaped metas are unescaped, wildcards split the pattern,
// character classes collapse to one letter and alternations keep their
// first branch.
func NeedlesFromPattern(pattern string) []string {
	s := pattern
	for _, tok := range []string{`\b`, `\s*`, `\s+`, `\s`, `\t`, `\n`, `\r`} {
		s = strings.ReplaceAll(s, tok, " ")
	}
	s = strings.ReplaceAll(s, "^", " ")
	s = strings.ReplaceAll(s, "$", " ")
	s = strings.ReplaceAll(s, `\.`, ".")
	s = strings.ReplaceAll(s, `\/`, "/")
	s = strings.ReplaceAll(s, `\\`, `\`)
	s = strings.ReplaceAll(s, `\(`, "(")
	s = strings.ReplaceAll(s, `\)`, ")")
	s = strings.ReplaceAll(s, `\?`, "?")
	s = strings.ReplaceAll(s, `\+`, "+")
	s = strings.ReplaceAll(s, `\*`, "*")
	s = strings.ReplaceAll(s, ".*", " ")
	s = strings.ReplaceAll(s, ".+", " ")
	s = quant.ReplaceAllString(s, " ")
	s = strings.ReplaceAll(s, "(?:", "(")
	s = simplifyCharClass(s)
	s = chooseFirstAlternative(s)
	s = regexMeta.ReplaceAllString(s, " ")
	s = strings.ReplaceAll(s, `\`, " ")
	s = strings.ToLower(strings.TrimSpace(collapseSpaces(s)))

	var needles []string
	if s != "" && strings.ContainsFunc(s, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	}) {
		needles = append(needles, s)
	}
	s2 := collapseSpaces(plainExtd.ReplaceAllString(s, ""))
	if s2 != "" && s2 != s {
		needles = append(needles, s2)
	}

	seen := make(map[string]bool, len(needles))
	out := needles[:0]
	for _, n := range needles {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// BuildContainsMap turns the synonym table into per-canon needle lists,
// keyed by lowercased canonical name: the name itself first, then the
// degraded patterns, with blanks, duplicates and needles shorter than
// three characters dropped.
func BuildContainsMap(synonyms map[string][]string) map[string][]string {
	out := make(map[string][]string, len(synonyms))
	for canon, patterns := range synonyms {
		needles := []string{strings.ToLower(canon)}
		for _, pat := range patterns {
			needles = append(needles, NeedlesFromPattern(pat)...)
		}
		cleaned := make([]string, 0, len(needles))
		seen := make(map[string]bool, len(needles))
		for _, n := range needles {
			n = strings.TrimSpace(collapseSpaces(n))
			if n == "" || seen[n] || len(n) < 3 {
				continue
			}
			cleaned = append(cleaned, n)
			seen[n] = true
		}
		out[strings.ToLower(canon)] = cleaned
	}
	return out
}
