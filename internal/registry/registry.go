// Package registry keeps the set of chats the bot has seen, for broadcast targeting.
package registry

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"hookrelay/internal/storage"
	logx "hookrelay/pkg/logx"
)

var (
	ErrInvalidChatID   = errors.New("chat_id must be a signed decimal integer")
	ErrInvalidChatType = errors.New("type must be one of private, group, supergroup, channel")
)

var numericID = regexp.MustCompile(`^-?\d+$`)

// Meta is the optional metadata refreshed on every sighting. Empty fields never
// overwrite stored values.
type Meta struct {
	Type     string
	Title    string
	Username string
}

// Registry is an ordered chat_id -> ChatRecord map persisted through a storage.Store.
//
// One mutex guards both the map and the write-back, so concurrent upserts
// serialize and every persisted document is a consistent snapshot.
type Registry struct {
	log   logx.Logger
	store storage.Store // nil: memory only
	now   func() time.Time

	mu    sync.Mutex
	order []string
	chats map[string]storage.ChatRecord
}

func New(store storage.Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		log:   log,
		store: store,
		now:   time.Now,
		chats: map[string]storage.ChatRecord{},
	}
}

// Load replaces the in-memory state with the store's contents. Errors are
// logged and leave an empty registry. It returns the number of records loaded.
func (r *Registry) Load(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.order = r.order[:0]
	r.chats = map[string]storage.ChatRecord{}
	if r.store == nil {
		return 0
	}
	recs, err := r.store.LoadChats(ctx)
	if err != nil {
		r.log.Warn("chat registry load failed; starting empty", logx.Err(err))
		return 0
	}
	for _, rec := range recs {
		id := strings.TrimSpace(rec.ChatID)
		if id == "" {
			continue
		}
		rec.ChatID = id
		if _, dup := r.chats[id]; !dup {
			r.order = append(r.order, id)
		}
		r.chats[id] = rec
	}
	r.log.Info("chat registry loaded", logx.Int("count", len(r.order)))
	return len(r.order)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// ListIDs returns chat ids in insertion order.
func (r *Registry) ListIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// ListAll returns a copy of every record keyed by chat id.
func (r *Registry) ListAll() map[string]storage.ChatRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]storage.ChatRecord, len(r.chats))
	for k, v := range r.chats {
		out[k] = v
	}
	return out
}

func (r *Registry) Get(chatID string) (storage.ChatRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.chats[strings.TrimSpace(chatID)]
	return rec, ok
}

// Upsert inserts or refreshes a chat. first_seen is kept, last_seen never moves
// backwards, and non-empty metadata replaces stored metadata. The change is
// written through before Upsert returns; a failed write is logged and the
// in-memory update stands.
func (r *Registry) Upsert(ctx context.Context, chatID string, meta Meta) (storage.ChatRecord, error) {
	id := strings.TrimSpace(chatID)
	if !numericID.MatchString(id) {
		return storage.ChatRecord{}, ErrInvalidChatID
	}
	kind := strings.ToLower(strings.TrimSpace(meta.Type))
	if kind != "" && !IsChatType(kind) {
		return storage.ChatRecord{}, ErrInvalidChatType
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	rec, ok := r.chats[id]
	if !ok {
		rec = storage.ChatRecord{ChatID: id, Type: InferType(id), FirstSeen: now}
		r.order = append(r.order, id)
	}
	if kind != "" {
		rec.Type = kind
	}
	if t := strings.TrimSpace(meta.Title); t != "" {
		rec.Title = t
	}
	if u := strings.TrimPrefix(strings.TrimSpace(meta.Username), "@"); u != "" {
		rec.Username = u
	}
	if now.After(rec.LastSeen) {
		rec.LastSeen = now
	}
	if rec.FirstSeen.After(rec.LastSeen) {
		rec.FirstSeen = rec.LastSeen
	}
	r.chats[id] = rec

	r.persistLocked(ctx)
	return rec, nil
}

// Remove deletes a chat. It reports whether the chat existed.
func (r *Registry) Remove(ctx context.Context, chatID string) bool {
	id := strings.TrimSpace(chatID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.chats[id]; !ok {
		return false
	}
	delete(r.chats, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.persistLocked(ctx)
	return true
}

func (r *Registry) persistLocked(ctx context.Context) {
	if r.store == nil {
		return
	}
	recs := make([]storage.ChatRecord, 0, len(r.order))
	for _, id := range r.order {
		recs = append(recs, r.chats[id])
	}
	if err := r.store.SaveChats(ctx, recs); err != nil {
		r.log.Warn("chat registry save failed", logx.Err(err), logx.Int("count", len(recs)))
	}
}

// IsChatType reports whether t is one of the stored chat kinds.
func IsChatType(t string) bool {
	switch t {
	case "private", "group", "supergroup", "channel":
		return true
	}
	return false
}

// IsNumericID reports whether s is a signed decimal chat id.
func IsNumericID(s string) bool { return numericID.MatchString(strings.TrimSpace(s)) }

// InferType guesses the chat type from the id's shape (Bot API conventions):
// positive ids are users, -100... are supergroups/channels, other negatives are groups.
func InferType(id string) string {
	switch {
	case strings.HasPrefix(id, "-100"):
		return "supergroup"
	case strings.HasPrefix(id, "-"):
		return "group"
	default:
		return "private"
	}
}
