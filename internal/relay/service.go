// Package relay turns inbound payloads into Telegram deliveries: text
// extraction, chat resolution, chunked sending with a formatting fallback,
// and broadcast fan-out.
package relay

import (
	"context"
	"encoding/json"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"hookrelay/internal/eventbus"
	"hookrelay/internal/storage"
	"hookrelay/internal/transform"
	logx "hookrelay/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

// Event types published on the bus.
const (
	EventSent      = "relay.sent"
	EventBroadcast = "relay.broadcast"
	EventFailed    = "relay.failed"
)

const (
	StatusSent      = "sent"
	StatusBroadcast = "broadcast"
)

// Options is the hot-reloadable pipeline configuration.
type Options struct {
	// DefaultChatIDs: the first entry is the single-delivery default; the
	// first two are the broadcast fallback when the registry is empty.
	DefaultChatIDs []string
	Strict         bool
	ParseMode      string
	Broadcast      bool
	AutoFormat     bool
	ExtractKeys    []string
	CacheTTL       time.Duration
	ReportKeywords []string
}

func (o Options) defaultRef() string {
	for _, id := range o.DefaultChatIDs {
		if s := strings.TrimSpace(id); s != "" {
			return s
		}
	}
	return ""
}

func (o Options) broadcastDefaults() []string {
	out := make([]string, 0, 2)
	for _, id := range o.DefaultChatIDs {
		if s := strings.TrimSpace(id); s != "" {
			out = append(out, s)
			if len(out) == 2 {
				break
			}
		}
	}
	return out
}

// ChatSource supplies broadcast targets. *registry.Registry implements it.
type ChatSource interface {
	ListIDs() []string
	Len() int
}

// AuditSink records one line per request. storage.Store implements it.
type AuditSink interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Deps struct {
	API   BotAPI
	Chats ChatSource   // optional
	Audit AuditSink    // optional
	Bus   eventbus.Bus // optional
	Log   logx.Logger
}

// Result is the success body of a relay request.
type Result struct {
	OK        bool               `json:"ok"`
	Status    string             `json:"status"`
	Length    int                `json:"length"`
	RID       string             `json:"rid"`
	Results   map[string]Outcome `json:"results,omitempty"`
	Delivered *int               `json:"delivered,omitempty"`
	Failed    *int               `json:"failed,omitempty"`

	chunks int
	chatID string
}

// DeliveryEvent is the payload of relay.* bus events.
type DeliveryEvent struct {
	RID       string `json:"rid"`
	Status    string `json:"status"`
	ChatID    string `json:"chat_id,omitempty"`
	Length    int    `json:"length"`
	Chunks    int    `json:"chunks,omitempty"`
	Targets   int    `json:"targets,omitempty"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
	ErrorKind string `json:"error_kind,omitempty"`
	TookMS    int64  `json:"took_ms"`
}

// CorrelationID ties the event to the HTTP request that produced it.
func (e DeliveryEvent) CorrelationID() string { return e.RID }

type Service struct {
	api   BotAPI
	chats ChatSource
	audit AuditSink
	bus   eventbus.Bus
	log   logx.Logger

	resolver   *Resolver
	dispatcher *Dispatcher

	mu        sync.RWMutex
	opts      Options
	transform transform.Transform
}

func NewService(deps Deps, opts Options) *Service {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	res := NewResolver(deps.API, resolverConfig(opts), log.With(logx.String("comp", "relay.resolver")))
	s := &Service{
		api:        deps.API,
		chats:      deps.Chats,
		audit:      deps.Audit,
		bus:        deps.Bus,
		log:        log,
		resolver:   res,
		dispatcher: NewDispatcher(deps.API, res, opts.ParseMode, log.With(logx.String("comp", "relay.dispatch"))),
	}
	s.Apply(opts)
	return s
}

func resolverConfig(o Options) ResolverConfig {
	return ResolverConfig{DefaultRef: o.defaultRef(), Strict: o.Strict, CacheTTL: o.CacheTTL}
}

// Apply swaps pipeline options at runtime.
func (s *Service) Apply(opts Options) {
	var tr transform.Transform = transform.Nop{}
	if opts.AutoFormat {
		tr = transform.AutoFormat(transform.Options{ReportKeywords: opts.ReportKeywords})
	}
	s.mu.Lock()
	s.opts = opts
	s.transform = tr
	s.mu.Unlock()
	s.resolver.SetConfig(resolverConfig(opts))
	s.dispatcher.SetDefaultMode(opts.ParseMode)
}

func (s *Service) Options() Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts
}

func (s *Service) Resolver() *Resolver     { return s.resolver }
func (s *Service) Dispatcher() *Dispatcher { return s.dispatcher }

func (s *Service) Ready() bool { return s.api != nil && s.api.Ready() }

// Relay runs one inbound document through the pipeline. Every call, successful
// or not, publishes one delivery event and appends one audit entry.
func (s *Service) Relay(ctx context.Context, rid string, doc map[string]any) (Result, error) {
	start := time.Now()
	res, err := s.relay(ctx, rid, doc)
	res.RID = rid
	s.record(ctx, res, err, time.Since(start))
	return res, err
}

func (s *Service) relay(ctx context.Context, rid string, doc map[string]any) (Result, error) {
	if !s.Ready() {
		return Result{}, newError(KindServiceNotReady, "Service not ready: BOT_TOKEN missing", nil, nil)
	}

	s.mu.RLock()
	opts, tr := s.opts, s.transform
	s.mu.RUnlock()

	log := s.log.With(logx.String("rid", rid))

	text := Extract(doc, opts.ExtractKeys...)
	ref := chatRef(doc["chat_id"])
	mode, _ := doc["parse_mode"].(string)
	mode = strings.TrimSpace(mode)

	text, hint := transform.Apply(tr, text, log)
	if mode == "" && hint != tele.ModeDefault {
		mode = hint
	}
	length := utf8.RuneCountInString(text)

	log.Debug("relay request",
		logx.Bool("explicit_chat", ref != ""),
		logx.String("parse_mode", mode),
		logx.Int("length", length),
	)

	if ref == "" && opts.Broadcast {
		targets := s.broadcastTargets(opts)
		if len(targets) == 0 {
			return Result{Status: StatusBroadcast, Length: length}, newError(KindChatIDMissing,
				"Missing chat_id: broadcast is on but the registry is empty and no default chat is configured.", nil, nil)
		}
		results := s.dispatcher.DeliverToMany(ctx, text, targets, mode)
		delivered, failed := 0, 0
		for _, o := range results {
			if o.OK {
				delivered++
			} else {
				failed++
			}
		}
		log.Info("broadcast done", logx.Int("targets", len(targets)), logx.Int("delivered", delivered), logx.Int("failed", failed))
		return Result{
			OK:        true,
			Status:    StatusBroadcast,
			Length:    length,
			Results:   results,
			Delivered: &delivered,
			Failed:    &failed,
		}, nil
	}

	del, err := s.dispatcher.Deliver(ctx, text, ref, mode)
	if err != nil {
		return Result{Status: StatusSent, Length: length, chatID: del.ChatID, chunks: del.Chunks}, err
	}
	log.Info("message sent", logx.String("chat_id", del.ChatID), logx.Int("chunks", del.Chunks), logx.Int("fallbacks", del.Fallbacks))
	return Result{OK: true, Status: StatusSent, Length: length, chatID: del.ChatID, chunks: del.Chunks}, nil
}

func (s *Service) broadcastTargets(opts Options) []string {
	if s.chats != nil {
		if ids := s.chats.ListIDs(); len(ids) > 0 {
			return ids
		}
	}
	return opts.broadcastDefaults()
}

func (s *Service) record(ctx context.Context, res Result, err error, took time.Duration) {
	ev := DeliveryEvent{
		RID:    res.RID,
		Status: res.Status,
		ChatID: res.chatID,
		Length: res.Length,
		Chunks: res.chunks,
		TookMS: took.Milliseconds(),
	}
	typ := EventSent
	switch {
	case err != nil:
		typ = EventFailed
		ev.ErrorKind = string(KindOf(err))
		ev.Failed = 1
		if ev.Status == "" {
			ev.Status = StatusSent
		}
	case res.Status == StatusBroadcast:
		typ = EventBroadcast
		ev.Targets = len(res.Results)
		if res.Delivered != nil {
			ev.Delivered = *res.Delivered
		}
		if res.Failed != nil {
			ev.Failed = *res.Failed
		}
	default:
		ev.Delivered = 1
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
	}
	if s.audit != nil {
		entry := storage.AuditEntry{
			At:        time.Now(),
			RID:       ev.RID,
			Status:    ev.Status,
			ChatID:    ev.ChatID,
			Chunks:    ev.Chunks,
			Delivered: ev.Delivered,
			Failed:    ev.Failed,
			OK:        err == nil,
			ErrorKind: ev.ErrorKind,
			TookMS:    ev.TookMS,
		}
		if typ == EventFailed {
			entry.Status = "failed"
		}
		// The request context may already be done; the audit line still matters.
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		if aerr := s.audit.AppendAudit(actx, entry); aerr != nil {
			s.log.Warn("audit append failed", logx.String("rid", ev.RID), logx.Err(aerr))
		}
		cancel()
	}
}

// chatRef stringifies a payload chat_id. Strings and JSON numbers are accepted;
// anything else counts as absent.
func chatRef(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return strings.TrimSpace(x.String())
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	default:
		return ""
	}
}

// Health reports readiness and configuration; with probe it also calls getMe
// and resolves a @handle default chat. It never returns an error.
func (s *Service) Health(ctx context.Context, probe bool) map[string]any {
	opts := s.Options()
	def := opts.defaultRef()
	ready := s.Ready()

	info := map[string]any{
		"ok":               ready,
		"go":               runtime.Version(),
		"has_default_chat": def != "",
		"default_chat_id":  nil,
		"strict_chat_id":   opts.Strict,
		"broadcast":        opts.Broadcast,
		"registry_size":    0,
	}
	if def != "" {
		info["default_chat_id"] = def
	}
	if s.chats != nil {
		info["registry_size"] = s.chats.Len()
	}
	if !ready || !probe {
		return info
	}

	p := s.Probe(ctx)
	if p.GetMeErr != nil {
		info["getMe_error"] = p.GetMeErr.Public()
	} else {
		info["getMe_ok"] = p.GetMeOK
		if p.BotUsername != "" {
			info["bot_username"] = p.BotUsername
		} else {
			info["bot_username"] = nil
		}
	}
	if p.ResolveAttempted {
		if p.ResolveErr != nil {
			info["resolve_error"] = p.ResolveErr.Public()
		} else {
			info["resolved_default_chat_id"] = p.ResolvedDefault
		}
	}
	return info
}

// ProbeResult is the outcome of an upstream health probe.
type ProbeResult struct {
	GetMeOK     bool
	BotUsername string
	GetMeErr    *Error

	ResolveAttempted bool
	ResolvedDefault  string
	ResolveErr       *Error
}

// Probe checks the bot credential with getMe and, when the default chat is a
// @handle, that it still resolves. Nothing is sent.
func (s *Service) Probe(ctx context.Context) ProbeResult {
	var out ProbeResult
	resp, err := s.api.GetMe(ctx)
	if err != nil {
		out.GetMeErr = upstreamError("telegram_get_me", err)
	} else {
		out.GetMeOK = resp.OK
		if u, uerr := resp.User(); uerr == nil {
			out.BotUsername = u.Username
		}
	}

	def := s.Options().defaultRef()
	if strings.HasPrefix(def, "@") {
		out.ResolveAttempted = true
		id, rerr := s.resolver.Resolve(ctx, def)
		if rerr != nil {
			out.ResolveErr = AsError(rerr)
		} else {
			out.ResolvedDefault = id
		}
	}
	return out
}
