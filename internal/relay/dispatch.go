package relay

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"hookrelay/internal/telegram"
	logx "hookrelay/pkg/logx"
	"hookrelay/pkg/tgui"

	tele "gopkg.in/telebot.v4"
)

const (
	// MaxChunkRunes is the per-message size used for splitting. It stays
	// below the Bot API's 4096 limit.
	MaxChunkRunes = 4000

	emptyMessage = "(empty message)"
)

// formattingHints mark an API rejection as caused by the parse mode.
var formattingHints = []string{"parse", "entities", "markdown", "html"}

// Delivery describes a successful single-target send.
type Delivery struct {
	ChatID    string
	ParseMode tele.ParseMode
	Chunks    int
	// Fallbacks counts chunks that went out as plain text after a formatting rejection.
	Fallbacks int
}

// Outcome is one fan-out target's result. It marshals to "ok" or to an error object.
type Outcome struct {
	OK     bool
	Chunks int
	Err    *Error
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	if o.OK {
		return json.Marshal("ok")
	}
	if o.Err == nil {
		return json.Marshal(map[string]any{"error": KindInternal})
	}
	return json.Marshal(map[string]any{
		"error":       o.Err.Kind,
		"status_code": o.Err.Kind.HTTPStatus(),
		"detail":      o.Err.Public(),
	})
}

// Dispatcher chunks text and delivers it, retrying once without formatting
// when the Bot API rejects the markup.
type Dispatcher struct {
	api      BotAPI
	resolver *Resolver
	log      logx.Logger

	mu          sync.RWMutex
	defaultMode string
}

func NewDispatcher(api BotAPI, resolver *Resolver, defaultMode string, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{api: api, resolver: resolver, log: log, defaultMode: defaultMode}
}

// SetDefaultMode changes the mode used when a request names none.
func (d *Dispatcher) SetDefaultMode(mode string) {
	d.mu.Lock()
	d.defaultMode = mode
	d.mu.Unlock()
}

// EffectiveMode picks the explicit mode when recognized, else the configured
// default when recognized, else plain text.
func (d *Dispatcher) EffectiveMode(explicit string) tele.ParseMode {
	if m := NormalizeMode(explicit); m != tele.ModeDefault {
		return m
	}
	d.mu.RLock()
	def := d.defaultMode
	d.mu.RUnlock()
	return NormalizeMode(def)
}

// Deliver sends text to one chat reference. Chunks go out in order; the first
// failing chunk aborts the rest.
func (d *Dispatcher) Deliver(ctx context.Context, text, ref, mode string) (Delivery, error) {
	chatID, err := d.resolver.Resolve(ctx, ref)
	if err != nil {
		return Delivery{}, err
	}
	return d.deliverTo(ctx, chatID, text, d.EffectiveMode(mode))
}

func (d *Dispatcher) deliverTo(ctx context.Context, chatID, text string, mode tele.ParseMode) (Delivery, error) {
	if text == "" {
		text = emptyMessage
	}
	chunks := ChunkText(text, MaxChunkRunes)
	out := Delivery{ChatID: chatID, ParseMode: mode}
	for i, chunk := range chunks {
		fellBack, err := d.sendChunk(ctx, chatID, chunk, mode)
		if fellBack {
			out.Fallbacks++
		}
		if err != nil {
			d.log.Warn("chunk delivery failed",
				logx.String("chat_id", chatID),
				logx.Int("chunk", i+1),
				logx.Int("chunks", len(chunks)),
				logx.String("kind", string(err.Kind)),
			)
			return out, err
		}
		out.Chunks++
	}
	return out, nil
}

// attempt is the per-chunk delivery state:
//
//	withMode -> ok | formatting rejection -> plain -> ok | failed
//	withMode -> other rejection -> failed
type attempt int

const (
	attemptWithMode attempt = iota
	attemptPlain
	attemptDone
)

// sendChunk delivers one chunk. fellBack is true when the plain-text attempt ran.
func (d *Dispatcher) sendChunk(ctx context.Context, chatID, chunk string, mode tele.ParseMode) (fellBack bool, _ *Error) {
	state := attemptWithMode
	var first *telegram.Response
	for state != attemptDone {
		switch state {
		case attemptWithMode:
			resp, err := d.api.SendMessage(ctx, telegram.SendParams{ChatID: chatID, Text: chunk, ParseMode: mode})
			if err != nil {
				return false, upstreamError("telegram_send", err)
			}
			if resp.OK {
				state = attemptDone
				continue
			}
			if mode == tele.ModeDefault || !isFormattingFailure(resp) {
				return false, newError(KindUpstreamAPIError, "Telegram rejected the message: "+describe(resp),
					map[string]any{"stage": "telegram_error", "response": resp.Summary()}, nil)
			}
			first = resp
			state = attemptPlain
			d.log.Info("formatting rejected; retrying without parse_mode",
				logx.String("chat_id", chatID), logx.String("parse_mode", mode))

		case attemptPlain:
			fellBack = true
			resp, err := d.api.SendMessage(ctx, telegram.SendParams{ChatID: chatID, Text: chunk})
			if err != nil {
				return true, upstreamError("telegram_fallback", err)
			}
			if !resp.OK {
				return true, newError(KindUpstreamFormattingFail, "Telegram rejected the message with and without formatting",
					map[string]any{"stage": "telegram_fallback_failed", "first": first.Summary(), "second": resp.Summary()}, nil)
			}
			state = attemptDone
		}
	}
	return fellBack, nil
}

// DeliverToMany sends text to every reference in order. Failures stay per
// target; a reference that cannot be resolved is keyed by the reference itself.
func (d *Dispatcher) DeliverToMany(ctx context.Context, text string, refs []string, mode string) map[string]Outcome {
	eff := d.EffectiveMode(mode)
	out := make(map[string]Outcome, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		chatID, err := d.resolver.Resolve(ctx, ref)
		if err != nil {
			out[ref] = Outcome{Err: AsError(err)}
			continue
		}
		if _, dup := out[chatID]; dup {
			continue
		}
		del, derr := d.deliverTo(ctx, chatID, text, eff)
		if derr != nil {
			out[chatID] = Outcome{Chunks: del.Chunks, Err: AsError(derr)}
			continue
		}
		out[chatID] = Outcome{OK: true, Chunks: del.Chunks}
	}
	return out
}

// ChunkText splits s into pieces of at most limit runes. Boundaries are
// positional, so a chunk may cut through a markup entity.
func ChunkText(s string, limit int) []string {
	if limit <= 0 {
		limit = MaxChunkRunes
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	for start := 0; start < len(rs); start += limit {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		out = append(out, string(rs[start:end]))
	}
	return out
}

func isFormattingFailure(r *telegram.Response) bool {
	hay := strings.ToLower(r.Description + " " + r.Raw)
	for _, k := range formattingHints {
		if strings.Contains(hay, k) {
			return true
		}
	}
	return false
}

func describe(r *telegram.Response) string {
	if r.Description != "" {
		return r.Description
	}
	if r.Raw != "" {
		return tgui.TruncRunes(r.Raw, 200)
	}
	return "unknown error"
}
