// Package transform holds optional cosmetic rewrites applied to extracted text
// before delivery. A transform may also suggest a parse mode.
package transform

import (
	"fmt"

	logx "hookrelay/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

// Transform rewrites text and may suggest a parse mode. Implementations must
// return the input unchanged when they have nothing to do.
type Transform interface {
	Transform(text string) (string, tele.ParseMode)
}

// Guard is a Transform that can end a Chain early: when Detect reports true,
// the text is passed through as-is with the returned mode.
type Guard interface {
	Transform
	Detect(text string) (tele.ParseMode, bool)
}

// Func adapts a plain function.
type Func func(text string) (string, tele.ParseMode)

func (f Func) Transform(text string) (string, tele.ParseMode) { return f(text) }

// Nop is the default transform.
type Nop struct{}

func (Nop) Transform(text string) (string, tele.ParseMode) { return text, tele.ModeDefault }

// Chain applies transforms in order. The last non-empty hint wins.
type Chain []Transform

func (c Chain) Transform(text string) (string, tele.ParseMode) {
	hint := tele.ModeDefault
	for _, t := range c {
		if t == nil {
			continue
		}
		if g, ok := t.(Guard); ok {
			if mode, stop := g.Detect(text); stop {
				if mode != tele.ModeDefault {
					hint = mode
				}
				return text, hint
			}
			continue
		}
		out, h := t.Transform(text)
		text = out
		if h != tele.ModeDefault {
			hint = h
		}
	}
	return text, hint
}

// Apply runs t and never fails: a panic inside t is logged and the original
// text comes back with no hint.
func Apply(t Transform, text string, log logx.Logger) (out string, hint tele.ParseMode) {
	if t == nil {
		return text, tele.ModeDefault
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn("text transform panicked; using original text", logx.String("panic", fmt.Sprint(r)))
			out, hint = text, tele.ModeDefault
		}
	}()
	return t.Transform(text)
}

// Options configures AutoFormat.
type Options struct {
	ReportKeywords []string
}

// AutoFormat is the chain used when relay.auto_format is on:
// MarkupGuard, then TimestampScrubber, then ReportFormatter.
func AutoFormat(opts Options) Transform {
	return Chain{
		MarkupGuard{},
		TimestampScrubber{},
		NewReportFormatter(opts.ReportKeywords),
	}
}
