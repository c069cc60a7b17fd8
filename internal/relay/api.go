package relay

import (
	"context"
	"errors"
	"strings"

	"hookrelay/internal/telegram"

	tele "gopkg.in/telebot.v4"
)

// BotAPI is the slice of the Bot API the relay needs. *telegram.Client implements it.
type BotAPI interface {
	Ready() bool
	SendMessage(ctx context.Context, p telegram.SendParams) (*telegram.Response, error)
	GetChat(ctx context.Context, ref string) (*telegram.Response, error)
	GetMe(ctx context.Context) (*telegram.Response, error)
}

// NormalizeMode returns mode if it is a recognized Bot API parse mode
// (exact match), otherwise "" (plain text).
func NormalizeMode(mode string) tele.ParseMode {
	switch m := strings.TrimSpace(mode); m {
	case tele.ModeMarkdown, tele.ModeMarkdownV2, tele.ModeHTML:
		return m
	default:
		return tele.ModeDefault
	}
}

// upstreamError classifies a transport-level error from the Bot API client.
func upstreamError(stage string, err error) *Error {
	switch {
	case errors.Is(err, telegram.ErrNoToken):
		return newError(KindServiceNotReady, "Service not ready: BOT_TOKEN missing", nil, err)
	case telegram.IsNetworkError(err):
		return newError(KindUpstreamNetworkError, "Telegram request error: "+err.Error(),
			map[string]any{"stage": stage, "error": err.Error()}, err)
	default:
		return newError(KindInternal, err.Error(), nil, err)
	}
}
