// Package suggest turns the free text of a bot mention into the structured
// fields of a contribution suggestion.
package suggest

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/you/mention-tracker/internal/core"
)

const (
	DefaultType  = "other"
	DefaultLevel = 1
	MaxLevel     = 3

	maxTitleRunes = 120
)

// Types lists the contribution types the backend accepts.
var Types = []string{"development", "content", "design", "translation", "support", "community", "bug", "other"}

var (
	discordMentionRe = regexp.MustCompile(`<@!?&?\d+>`)
	hashtagRe        = regexp.MustCompile(`#([A-Za-z]+)`)
	levelRe          = regexp.MustCompile(`(?i)\b(?:level\s*|l)([0-9]+)\b`)
	spaceRe          = regexp.MustCompile(`[ \t]+`)
)

type Parser struct {
	// BotNames are stripped from the text as @name references.
	BotNames []string
	// Names, when set, adds names read at parse time, for bots whose
	// username is only known after connecting.
	Names func() []string
}

func New(botNames ...string) *Parser {
	return &Parser{BotNames: botNames}
}

// Parse reads the contribution type from the first recognised hashtag, the
// level from "level N" or "lN" (clamped to 1..3), and uses the first
// remaining line as the title. A bare mention keeps the defaults and falls
// back to the replied-to message preview for title and comment.
func (p *Parser) Parse(data core.MentionData) (core.Parsed, error) {
	text := discordMentionRe.ReplaceAllString(data.Text, " ")
	names := p.BotNames
	if p.Names != nil {
		names = append(append([]string(nil), names...), p.Names()...)
	}
	for _, name := range names {
		name = strings.TrimPrefix(strings.TrimSpace(name), "@")
		if name == "" {
			continue
		}
		re := regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(name) + `\b`)
		text = re.ReplaceAllString(text, " ")
	}

	parsed := core.Parsed{Type: DefaultType, Level: DefaultLevel}

	typeSet := false
	text = hashtagRe.ReplaceAllStringFunc(text, func(tag string) string {
		kw := strings.ToLower(tag[1:])
		if !isType(kw) {
			return tag
		}
		if !typeSet {
			parsed.Type = kw
			typeSet = true
		}
		return " "
	})

	if m := levelRe.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			parsed.Level = clampLevel(n)
		}
		text = strings.Replace(text, m[0], " ", 1)
	}

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(spaceRe.ReplaceAllString(line, " "))
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		fallback := strings.TrimSpace(data.RepliedPreview)
		parsed.Title = core.Preview(fallback, maxTitleRunes)
		parsed.Comment = fallback
		return parsed, nil
	}

	parsed.Title = core.Preview(lines[0], maxTitleRunes)
	parsed.Comment = strings.Join(lines, "\n")
	return parsed, nil
}

func isType(kw string) bool {
	for _, t := range Types {
		if t == kw {
			return true
		}
	}
	return false
}

func clampLevel(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxLevel {
		return MaxLevel
	}
	return n
}
