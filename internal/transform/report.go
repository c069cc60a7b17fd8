package transform

import (
	"regexp"
	"strings"

	"hookrelay/pkg/tgui"

	tele "gopkg.in/telebot.v4"
)

// DefaultReportKeywords switch ReportFormatter on for gold-market reports.
var DefaultReportKeywords = []string{"gold", "xau", "xauusd", "bullion", "troy ounce", "emas", "ذهب"}

var keyValueLine = regexp.MustCompile(`^\s*([^:\n/]{1,40}?)\s*:\s+(\S.*)$`)

// ReportFormatter renders keyword-matched reports as Telegram HTML: the first
// line becomes a bold title and "key: value" lines get bold keys. All text is
// escaped.
type ReportFormatter struct {
	keywords []string
}

func NewReportFormatter(keywords []string) ReportFormatter {
	kw := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			kw = append(kw, k)
		}
	}
	if len(kw) == 0 {
		kw = DefaultReportKeywords
	}
	return ReportFormatter{keywords: kw}
}

func (f ReportFormatter) Matches(text string) bool {
	lower := strings.ToLower(text)
	for _, k := range f.keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func (f ReportFormatter) Transform(text string) (string, tele.ParseMode) {
	if strings.TrimSpace(text) == "" || !f.Matches(text) {
		return text, tele.ModeDefault
	}

	lines := strings.Split(strings.TrimSpace(text), "\n")
	out := make([]tgui.H, 0, len(lines))
	titled := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			out = append(out, "")
		case !titled:
			out = append(out, tgui.B(trimmed))
			titled = true
		default:
			if m := keyValueLine.FindStringSubmatch(line); m != nil {
				out = append(out, tgui.JoinH(": ", tgui.B(strings.TrimSpace(m[1])), tgui.Esc(strings.TrimSpace(m[2]))))
				continue
			}
			out = append(out, tgui.Esc(trimmed))
		}
	}
	return tgui.Lines(out...).String(), tele.ModeHTML
}
