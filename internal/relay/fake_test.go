package relay

import (
	"context"
	"encoding/json"
	"sync"

	"hookrelay/internal/telegram"
)

type sentMessage struct {
	ChatID    string
	Text      string
	ParseMode string
}

// fakeAPI records calls. sendFn decides each sendMessage answer; chats maps
// @handles to getChat results.
type fakeAPI struct {
	mu      sync.Mutex
	ready   bool
	sent    []sentMessage
	lookups []string
	chats   map[string]int64
	sendFn  func(n int, p telegram.SendParams) (*telegram.Response, error)
	meErr   error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{ready: true, chats: map[string]int64{}}
}

func (f *fakeAPI) Ready() bool { return f.ready }

func (f *fakeAPI) SendMessage(_ context.Context, p telegram.SendParams) (*telegram.Response, error) {
	f.mu.Lock()
	n := len(f.sent)
	f.sent = append(f.sent, sentMessage{ChatID: p.ChatID, Text: p.Text, ParseMode: p.ParseMode})
	fn := f.sendFn
	f.mu.Unlock()
	if fn != nil {
		return fn(n, p)
	}
	return &telegram.Response{OK: true, Result: json.RawMessage(`{"message_id":1}`)}, nil
}

func (f *fakeAPI) GetChat(_ context.Context, ref string) (*telegram.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups = append(f.lookups, ref)
	id, ok := f.chats[ref]
	if !ok {
		return &telegram.Response{OK: false, ErrorCode: 400, Description: "Bad Request: chat not found"}, nil
	}
	b, _ := json.Marshal(map[string]any{"id": id, "type": "channel", "title": "t"})
	return &telegram.Response{OK: true, Result: b}, nil
}

func (f *fakeAPI) GetMe(context.Context) (*telegram.Response, error) {
	if f.meErr != nil {
		return nil, f.meErr
	}
	return &telegram.Response{OK: true, Result: json.RawMessage(`{"id":42,"is_bot":true,"first_name":"relay","username":"relay_bot"}`)}, nil
}

func (f *fakeAPI) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeAPI) Lookups() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lookups...)
}

func apiError(desc string) *telegram.Response {
	return &telegram.Response{OK: false, ErrorCode: 400, Description: desc, HTTPStatus: 400}
}
