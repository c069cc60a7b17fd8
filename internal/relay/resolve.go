package relay

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "hookrelay/pkg/logx"
)

var numericChatID = regexp.MustCompile(`^-?\d+$`)

// IsNumericChatID reports whether s is a signed decimal chat id.
func IsNumericChatID(s string) bool { return numericChatID.MatchString(s) }

const invalidRefHelp = "chat_id must be a numeric ID (e.g. 123456789 for a private chat, " +
	"-100xxxxxxxxxxxx for channels). For a public channel or group, prefix it with '@' " +
	"and it will be resolved via getChat."

// ResolverConfig is hot-swappable resolver state.
type ResolverConfig struct {
	// DefaultRef is used when a request carries no chat reference.
	DefaultRef string
	// Strict rejects anything that is not already numeric, before any lookup.
	Strict bool
	// CacheTTL bounds how long a resolved @handle is reused. 0 disables caching.
	CacheTTL time.Duration
}

type cachedChat struct {
	id      string
	expires time.Time
}

// Resolver turns a chat reference into a numeric chat id.
type Resolver struct {
	api BotAPI
	log logx.Logger
	now func() time.Time

	mu    sync.RWMutex
	cfg   ResolverConfig
	cache map[string]cachedChat
}

func NewResolver(api BotAPI, cfg ResolverConfig, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{api: api, log: log, now: time.Now, cfg: cfg, cache: map[string]cachedChat{}}
}

// SetConfig swaps the resolver settings and empties the handle cache.
func (r *Resolver) SetConfig(cfg ResolverConfig) {
	r.mu.Lock()
	r.cfg = cfg
	r.cache = map[string]cachedChat{}
	r.mu.Unlock()
}

func (r *Resolver) Config() ResolverConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Resolve returns a numeric chat id for ref (or the default reference when ref is blank).
//
// Numeric ids never touch the network. In strict mode everything else is
// rejected before any lookup. @handles are resolved with getChat.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	cfg := r.Config()

	ref = strings.TrimSpace(ref)
	if ref == "" {
		ref = strings.TrimSpace(cfg.DefaultRef)
	}
	if ref == "" {
		return "", newError(KindChatIDMissing,
			"Missing chat_id (no default chat configured and no chat_id in payload).", nil, nil)
	}

	if IsNumericChatID(ref) {
		return ref, nil
	}

	if cfg.Strict {
		r.log.Debug("non-numeric chat reference rejected (strict)", logx.String("ref", ref))
		return "", newError(KindStrictModeViolation, "chat_id must be numeric in strict mode",
			map[string]any{"error": "strict_chat_id", "ref": ref}, nil)
	}

	if !strings.HasPrefix(ref, "@") || len(ref) < 2 {
		return "", newError(KindInvalidChatReference, invalidRefHelp, nil, nil)
	}

	if id, ok := r.cached(ref); ok {
		return id, nil
	}

	resp, err := r.api.GetChat(ctx, ref)
	if err != nil {
		return "", upstreamError("telegram_get_chat", err)
	}
	if chat, cerr := resp.Chat(); cerr == nil {
		id := strconv.FormatInt(chat.ID, 10)
		r.store(ref, id, cfg.CacheTTL)
		r.log.Debug("chat handle resolved", logx.String("ref", ref), logx.String("chat_id", id))
		return id, nil
	}

	r.log.Warn("could not resolve chat handle", logx.String("ref", ref), logx.String("description", resp.Description))
	return "", newError(KindUnresolvableHandle, "could not resolve "+ref+" via getChat",
		map[string]any{"error": "cannot_resolve_chat", "ref": ref, "telegram": resp.Summary()}, nil)
}

func (r *Resolver) cached(ref string) (string, bool) {
	key := strings.ToLower(ref)
	r.mu.RLock()
	c, ok := r.cache[key]
	r.mu.RUnlock()
	if !ok || !r.now().Before(c.expires) {
		return "", false
	}
	return c.id, true
}

func (r *Resolver) store(ref, id string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	r.mu.Lock()
	r.cache[strings.ToLower(ref)] = cachedChat{id: id, expires: r.now().Add(ttl)}
	r.mu.Unlock()
}
