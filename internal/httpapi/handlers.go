package httpapi

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"hookrelay/internal/registry"
	logx "hookrelay/pkg/logx"
	"hookrelay/pkg/tgui"

	"github.com/gin-gonic/gin"
	tele "gopkg.in/telebot.v4"
)

const maxBody = 8 << 20

// decodeDocument turns any request body into a document: JSON objects pass
// through, other JSON values become {raw: v}, anything else {raw: text}.
func decodeDocument(body []byte) map[string]any {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err == nil {
		if _, err := dec.Token(); errors.Is(err, io.EOF) {
			if m, ok := v.(map[string]any); ok {
				return m
			}
			return map[string]any{"raw": v}
		}
	}
	return map[string]any{"raw": strings.ToValidUTF8(string(body), "\uFFFD")}
}

func (s *Server) handleRelay(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBody))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"ok":          false,
			"error":       "PayloadTooLarge",
			"status_code": http.StatusRequestEntityTooLarge,
			"detail":      "request body exceeds 8 MiB",
			"rid":         rid(c),
		})
		return
	}
	doc := decodeDocument(body)
	s.log.Debug("payload", logx.String("rid", rid(c)), logx.String("body", tgui.TruncRunes(string(body), 1200)))

	res, err := s.relay.Relay(c.Request.Context(), rid(c), doc)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleHealth(c *gin.Context) {
	probe := false
	switch strings.ToLower(c.Query("probe")) {
	case "1", "true", "yes":
		probe = true
	}
	c.JSON(http.StatusOK, s.relay.Health(c.Request.Context(), probe))
}

func (s *Server) secretOK(c *gin.Context) bool {
	want := s.config().WebhookSecret
	if want == "" {
		return true
	}
	got := c.Query("secret")
	if got == "" {
		got = c.GetHeader("X-Telegram-Bot-Api-Secret-Token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) handleWebhook(c *gin.Context) {
	if !s.secretOK(c) {
		s.log.Warn("webhook secret mismatch", logx.String("rid", rid(c)), logx.String("remote", c.ClientIP()))
		c.JSON(http.StatusForbidden, gin.H{"ok": false, "error": "forbidden"})
		return
	}

	var upd tele.Update
	if err := json.NewDecoder(http.MaxBytesReader(c.Writer, c.Request.Body, maxBody)).Decode(&upd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid update"})
		return
	}

	chat := updateChat(&upd)
	if chat == nil || chat.ID == 0 {
		c.JSON(http.StatusOK, gin.H{"ok": true, "stored": false})
		return
	}
	id := strconv.FormatInt(chat.ID, 10)
	rec, err := s.chats.Upsert(detached(c), id, chatMeta(chat))
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"ok": true, "stored": false})
		return
	}
	s.log.Info("chat seen", logx.String("rid", rid(c)), logx.String("chat_id", rec.ChatID), logx.String("type", rec.Type))
	c.JSON(http.StatusOK, gin.H{"ok": true, "stored": true, "chat_id": rec.ChatID})
}

// updateChat picks the chat an update refers to.
func updateChat(u *tele.Update) *tele.Chat {
	for _, m := range []*tele.Message{u.Message, u.EditedMessage, u.ChannelPost, u.EditedChannelPost} {
		if m != nil && m.Chat != nil {
			return m.Chat
		}
	}
	for _, m := range []*tele.ChatMemberUpdate{u.MyChatMember, u.ChatMember} {
		if m != nil && m.Chat != nil {
			return m.Chat
		}
	}
	return nil
}

func chatMeta(chat *tele.Chat) registry.Meta {
	title := chat.Title
	if title == "" {
		title = strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	}
	return registry.Meta{Type: chatKind(chat.Type), Title: title, Username: chat.Username}
}

// chatKind folds telebot's chat types onto the stored kinds. Anything else is
// left empty so the registry infers it from the id.
func chatKind(t tele.ChatType) string {
	switch t {
	case tele.ChatChannelPrivate:
		return "channel"
	case tele.ChatPrivate, tele.ChatGroup, tele.ChatSuperGroup, tele.ChatChannel:
		return string(t)
	}
	return ""
}

func (s *Server) handleListChats(c *gin.Context) {
	all := s.chats.ListAll()
	c.JSON(http.StatusOK, gin.H{"ok": true, "count": len(all), "chats": all})
}

type chatBody struct {
	ChatID   json.RawMessage `json:"chat_id"`
	Type     string          `json:"type"`
	Title    string          `json:"title"`
	Username string          `json:"username"`
}

func (s *Server) handleUpsertChat(c *gin.Context) {
	var b chatBody
	if err := c.ShouldBindJSON(&b); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid body", "detail": err.Error()})
		return
	}
	id := rawChatID(b.ChatID)
	rec, err := s.chats.Upsert(detached(c), id, registry.Meta{Type: b.Type, Title: b.Title, Username: b.Username})
	if errors.Is(err, registry.ErrInvalidChatID) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "chat_id must be numeric", "chat_id": id})
		return
	}
	if errors.Is(err, registry.ErrInvalidChatType) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error(), "type": b.Type})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "chat_id": rec.ChatID})
}

// rawChatID accepts a JSON string or number.
func rawChatID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func (s *Server) handleRemoveChat(c *gin.Context) {
	removed := s.chats.Remove(detached(c), c.Param("chat_id"))
	c.JSON(http.StatusOK, gin.H{"ok": true, "removed": removed})
}

// detached keeps registry writes alive when the caller hangs up.
func detached(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}
