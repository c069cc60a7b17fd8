package transform

import (
	"regexp"

	tele "gopkg.in/telebot.v4"
)

var (
	htmlTag = regexp.MustCompile(`(?i)</?(b|strong|i|em|u|ins|s|strike|del|code|pre|a|blockquote|tg-spoiler|span)(\s[^<>]*)?>`)

	mdEmphasis = regexp.MustCompile("(\\*[^*\\n]+\\*|(^|\\s)_[^_\\n]+_($|\\s)|```|`[^`\\n]+`|\\[[^\\]\\n]+\\]\\([^)\\s]+\\))")
)

// MarkupGuard leaves text that already carries markup alone and suggests the
// matching mode. HTML wins over Markdown when both appear.
type MarkupGuard struct{}

func (MarkupGuard) Detect(text string) (tele.ParseMode, bool) {
	if htmlTag.MatchString(text) {
		return tele.ModeHTML, true
	}
	if mdEmphasis.MatchString(text) {
		return tele.ModeMarkdown, true
	}
	return tele.ModeDefault, false
}

func (g MarkupGuard) Transform(text string) (string, tele.ParseMode) {
	mode, _ := g.Detect(text)
	return text, mode
}
