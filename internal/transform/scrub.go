package transform

import (
	"regexp"
	"strings"

	tele "gopkg.in/telebot.v4"
)

var (
	// itemized news lines: "- ", "• ", "* ", "▪ ", "1. "
	newsItemPrefix = regexp.MustCompile(`^\s*(?:[-•*▪]|\d{1,3}\.)\s+`)

	timestampPatterns = []*regexp.Regexp{
		// 2024-05-01 14:30[:05], 2024/05/01T14:30
		regexp.MustCompile(`\d{4}[-/]\d{1,2}[-/]\d{1,2}(?:[ T]\d{1,2}:\d{2}(?::\d{2})?)?(?:\s?(?:UTC|GMT))?`),
		// Arabic-Indic digits: ٢٠٢٤-٠٥-٠١ ١٤:٣٠ and ١٤:٣٠
		regexp.MustCompile(`[٠-٩]{4}[-/][٠-٩]{1,2}[-/][٠-٩]{1,2}(?:\s[٠-٩]{1,2}:[٠-٩]{2})?`),
		regexp.MustCompile(`[٠-٩]{1,2}:[٠-٩]{2}(?::[٠-٩]{2})?`),
		// 14:30[:05] [AM|PM] [UTC]
		regexp.MustCompile(`\b\d{1,2}:\d{2}(?::\d{2})?(?:\s?(?:[AaPp][Mm]))?(?:\s?(?:UTC|GMT))?\b`),
	}

	emptyBrackets = regexp.MustCompile(`\(\s*\)|\[\s*\]`)
	multiSpace    = regexp.MustCompile(`[ \t]{2,}`)
)

// TimestampScrubber removes embedded timestamps, but only from lines that look
// like itemized news entries. Every other line is left byte-for-byte intact.
type TimestampScrubber struct{}

func (TimestampScrubber) Transform(text string) (string, tele.ParseMode) {
	lines := strings.Split(text, "\n")
	changed := false
	for i, line := range lines {
		loc := newsItemPrefix.FindStringIndex(line)
		if loc == nil {
			continue
		}
		prefix, body := line[:loc[1]], line[loc[1]:]
		cleaned := body
		for _, re := range timestampPatterns {
			cleaned = re.ReplaceAllString(cleaned, "")
		}
		if cleaned == body {
			continue
		}
		cleaned = emptyBrackets.ReplaceAllString(cleaned, "")
		cleaned = multiSpace.ReplaceAllString(cleaned, " ")
		cleaned = strings.TrimSpace(cleaned)
		cleaned = strings.TrimLeft(cleaned, "-–|: ")
		cleaned = strings.TrimRight(cleaned, "-–|: ")
		lines[i] = prefix + strings.TrimSpace(cleaned)
		changed = true
	}
	if !changed {
		return text, tele.ModeDefault
	}
	return strings.Join(lines, "\n"), tele.ModeDefault
}
