// Package relay implements the signal pipeline: sanitize incoming text,
// parse trade fields out of it, classify the result, render the canonical
// outbound form, and drive delivery and the approval workflow.
package relay

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	trailingSpaceRe = regexp.MustCompile(`\s+\n`)
	spaceRunRe      = regexp.MustCompile(`[ \t]{2,}`)
	blankLinesRe    = regexp.MustCompile(`\n{3,}`)
)

// Sanitizer strips banned phrases and normalizes whitespace. Pure; an empty
// Clean result means the message was nothing but noise.
type Sanitizer struct {
	banned []*regexp.Regexp
}

func NewSanitizer(rs *Ruleset) (*Sanitizer, error) {
	banned := make([]*regexp.Regexp, 0, len(rs.Banned))
	for _, p := range rs.Banned {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("banned pattern %q: %w", p, err)
		}
		banned = append(banned, re)
	}
	return &Sanitizer{banned: banned}, nil
}

// Clean applies the banned patterns in table order, then collapses
// whitespace. Idempotent: cleaning cleaned text changes nothing.
func (s *Sanitizer) Clean(text string) string {
	cleaned := text
	for _, re := range s.banned {
		cleaned = re.ReplaceAllString(cleaned, "")
	}
	cleaned = trailingSpaceRe.ReplaceAllString(cleaned, "\n")
	cleaned = spaceRunRe.ReplaceAllString(cleaned, " ")
	cleaned = blankLinesRe.ReplaceAllString(cleaned, "\n\n")
	return strings.TrimSpace(cleaned)
}
