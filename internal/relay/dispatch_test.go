package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"hookrelay/internal/telegram"
	logx "hookrelay/pkg/logx"
)

func newTestDispatcher(api *fakeAPI, cfg ResolverConfig, mode string) *Dispatcher {
	res := NewResolver(api, cfg, logx.Nop())
	return NewDispatcher(api, res, mode, logx.Nop())
}

func TestResolveNumericSkipsLookup(t *testing.T) {
	api := newFakeAPI()
	res := NewResolver(api, ResolverConfig{}, logx.Nop())
	id, err := res.Resolve(context.Background(), "-100123")
	if err != nil || id != "-100123" {
		t.Fatalf("Resolve = %q, %v", id, err)
	}
	if n := len(api.Lookups()); n != 0 {
		t.Fatalf("lookups = %d", n)
	}
}

func TestResolveErrors(t *testing.T) {
	api := newFakeAPI()
	ctx := context.Background()

	strict := NewResolver(api, ResolverConfig{Strict: true}, logx.Nop())
	if _, err := strict.Resolve(ctx, "@chan"); !IsKind(err, KindStrictModeViolation) {
		t.Fatalf("strict err = %v", err)
	}
	if n := len(api.Lookups()); n != 0 {
		t.Fatalf("strict mode looked up %d times", n)
	}

	loose := NewResolver(api, ResolverConfig{}, logx.Nop())
	if _, err := loose.Resolve(ctx, ""); !IsKind(err, KindChatIDMissing) {
		t.Fatalf("missing err = %v", err)
	}
	if _, err := loose.Resolve(ctx, "mychannel"); !IsKind(err, KindInvalidChatReference) {
		t.Fatalf("bare name err = %v", err)
	}
	if _, err := loose.Resolve(ctx, "@"); !IsKind(err, KindInvalidChatReference) {
		t.Fatalf("bare @ err = %v", err)
	}

	_, err := loose.Resolve(ctx, "@ghost")
	if !IsKind(err, KindUnresolvableHandle) {
		t.Fatalf("unknown handle err = %v", err)
	}
	detail, _ := AsError(err).Detail.(map[string]any)
	if detail["error"] != "cannot_resolve_chat" || detail["ref"] != "@ghost" {
		t.Fatalf("detail = %#v", detail)
	}
	if KindUnresolvableHandle.HTTPStatus() != 400 {
		t.Fatal("unresolvable handle should map to 400")
	}
}

func TestResolveCacheHonorsTTL(t *testing.T) {
	api := newFakeAPI()
	api.chats["@chan"] = -100777
	res := NewResolver(api, ResolverConfig{CacheTTL: time.Minute}, logx.Nop())
	now := time.Unix(1_700_000_000, 0)
	res.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		id, err := res.Resolve(ctx, "@chan")
		if err != nil || id != "-100777" {
			t.Fatalf("Resolve #%d = %q, %v", i, id, err)
		}
	}
	if _, err := res.Resolve(ctx, "@CHAN"); err != nil {
		t.Fatal(err)
	}
	if n := len(api.Lookups()); n != 1 {
		t.Fatalf("lookups = %d, want 1", n)
	}

	now = now.Add(2 * time.Minute)
	if _, err := res.Resolve(ctx, "@chan"); err != nil {
		t.Fatal(err)
	}
	if n := len(api.Lookups()); n != 2 {
		t.Fatalf("lookups after expiry = %d, want 2", n)
	}

	res.SetConfig(ResolverConfig{})
	_, _ = res.Resolve(ctx, "@chan")
	_, _ = res.Resolve(ctx, "@chan")
	if n := len(api.Lookups()); n != 4 {
		t.Fatalf("ttl 0 should not cache: lookups = %d", n)
	}
}

func TestChunkText(t *testing.T) {
	long := strings.Repeat("x", 5000)
	chunks := ChunkText(long, MaxChunkRunes)
	if len(chunks) != 2 || len(chunks[0]) != 4000 || len(chunks[1]) != 1000 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	if got := ChunkText("", 10); len(got) != 1 || got[0] != "" {
		t.Fatalf("empty = %#v", got)
	}
	runes := ChunkText("ééé", 2)
	if len(runes) != 2 || runes[0] != "éé" || runes[1] != "é" {
		t.Fatalf("rune split = %#v", runes)
	}
}

func TestDeliverSplitsInOrder(t *testing.T) {
	api := newFakeAPI()
	d := newTestDispatcher(api, ResolverConfig{}, "")
	text := strings.Repeat("a", 4000) + strings.Repeat("b", 1000)

	del, err := d.Deliver(context.Background(), text, "555", "")
	if err != nil {
		t.Fatal(err)
	}
	sent := api.Sent()
	if del.Chunks != 2 || len(sent) != 2 {
		t.Fatalf("chunks = %d sent = %d", del.Chunks, len(sent))
	}
	if sent[0].Text != strings.Repeat("a", 4000) || sent[1].Text != strings.Repeat("b", 1000) {
		t.Fatal("chunks out of order")
	}
}

func TestDeliverEmptyText(t *testing.T) {
	api := newFakeAPI()
	d := newTestDispatcher(api, ResolverConfig{}, "")
	if _, err := d.Deliver(context.Background(), "", "1", ""); err != nil {
		t.Fatal(err)
	}
	if s := api.Sent(); len(s) != 1 || s[0].Text != emptyMessage {
		t.Fatalf("sent = %#v", s)
	}
}

func TestEffectiveMode(t *testing.T) {
	d := newTestDispatcher(newFakeAPI(), ResolverConfig{}, "HTML")
	if m := d.EffectiveMode("MarkdownV2"); m != "MarkdownV2" {
		t.Fatalf("explicit = %q", m)
	}
	if m := d.EffectiveMode("html"); m != "HTML" {
		t.Fatalf("unrecognized explicit should fall to default, got %q", m)
	}
	d.SetDefaultMode("bogus")
	if m := d.EffectiveMode(""); m != "" {
		t.Fatalf("bad default = %q", m)
	}
}

func TestFormattingRejectionRetriesPlain(t *testing.T) {
	api := newFakeAPI()
	api.sendFn = func(n int, p telegram.SendParams) (*telegram.Response, error) {
		if p.ParseMode != "" {
			return apiError("Bad Request: can't parse entities: unexpected end tag"), nil
		}
		return &telegram.Response{OK: true}, nil
	}
	d := newTestDispatcher(api, ResolverConfig{}, "")

	del, err := d.Deliver(context.Background(), "<b>oops", "1", "HTML")
	if err != nil {
		t.Fatal(err)
	}
	sent := api.Sent()
	if len(sent) != 2 || sent[0].ParseMode != "HTML" || sent[1].ParseMode != "" {
		t.Fatalf("sent = %#v", sent)
	}
	if del.Fallbacks != 1 {
		t.Fatalf("fallbacks = %d", del.Fallbacks)
	}
}

func TestFormattingRejectionTwiceIsFormattingError(t *testing.T) {
	api := newFakeAPI()
	api.sendFn = func(int, telegram.SendParams) (*telegram.Response, error) {
		return apiError("Bad Request: can't parse entities"), nil
	}
	d := newTestDispatcher(api, ResolverConfig{}, "")

	_, err := d.Deliver(context.Background(), "x", "1", "Markdown")
	if !IsKind(err, KindUpstreamFormattingFail) {
		t.Fatalf("err = %v", err)
	}
	detail, _ := AsError(err).Detail.(map[string]any)
	if detail["stage"] != "telegram_fallback_failed" || detail["first"] == nil || detail["second"] == nil {
		t.Fatalf("detail = %#v", detail)
	}
	if KindUpstreamFormattingFail.HTTPStatus() != 502 {
		t.Fatal("formatting failure should map to 502")
	}
}

func TestNonFormattingRejectionIsNotRetried(t *testing.T) {
	api := newFakeAPI()
	api.sendFn = func(int, telegram.SendParams) (*telegram.Response, error) {
		return apiError("Forbidden: bot was blocked by the user"), nil
	}
	d := newTestDispatcher(api, ResolverConfig{}, "")

	_, err := d.Deliver(context.Background(), "x", "1", "HTML")
	if !IsKind(err, KindUpstreamAPIError) {
		t.Fatalf("err = %v", err)
	}
	if n := len(api.Sent()); n != 1 {
		t.Fatalf("sends = %d", n)
	}
}

func TestPlainRejectionMentioningParseIsNotRetried(t *testing.T) {
	api := newFakeAPI()
	api.sendFn = func(int, telegram.SendParams) (*telegram.Response, error) {
		return apiError("Bad Request: can't parse entities"), nil
	}
	d := newTestDispatcher(api, ResolverConfig{}, "")
	if _, err := d.Deliver(context.Background(), "x", "1", ""); !IsKind(err, KindUpstreamAPIError) {
		t.Fatalf("err = %v", err)
	}
	if n := len(api.Sent()); n != 1 {
		t.Fatalf("sends = %d", n)
	}
}

func TestNetworkErrorIsNotRetried(t *testing.T) {
	api := newFakeAPI()
	api.sendFn = func(int, telegram.SendParams) (*telegram.Response, error) {
		return nil, &telegram.NetworkError{Method: "sendMessage", Err: errors.New("connection refused")}
	}
	d := newTestDispatcher(api, ResolverConfig{}, "")

	_, err := d.Deliver(context.Background(), strings.Repeat("z", 4500), "1", "HTML")
	if !IsKind(err, KindUpstreamNetworkError) {
		t.Fatalf("err = %v", err)
	}
	if n := len(api.Sent()); n != 1 {
		t.Fatalf("sends = %d", n)
	}
	detail, _ := AsError(err).Detail.(map[string]any)
	if detail["stage"] != "telegram_send" {
		t.Fatalf("detail = %#v", detail)
	}
}

func TestDeliverToManyKeepsFailuresPerTarget(t *testing.T) {
	api := newFakeAPI()
	api.chats["@news"] = -1009
	api.sendFn = func(_ int, p telegram.SendParams) (*telegram.Response, error) {
		if p.ChatID == "2" {
			return apiError("Forbidden: bot is not a member"), nil
		}
		return &telegram.Response{OK: true}, nil
	}
	d := newTestDispatcher(api, ResolverConfig{}, "")

	out := d.DeliverToMany(context.Background(), "hi", []string{"1", "2", "@ghost", "@news", "-1009", "  "}, "")
	if len(out) != 4 {
		t.Fatalf("results = %#v", out)
	}
	if !out["1"].OK || !out["-1009"].OK {
		t.Fatalf("expected 1 and -1009 ok: %#v", out)
	}
	if out["2"].OK || out["2"].Err.Kind != KindUpstreamAPIError {
		t.Fatalf("2 = %#v", out["2"])
	}
	if out["@ghost"].Err == nil || out["@ghost"].Err.Kind != KindUnresolvableHandle {
		t.Fatalf("@ghost = %#v", out["@ghost"])
	}
	// -1009 is reached once even though two references point at it
	n := 0
	for _, s := range api.Sent() {
		if s.ChatID == "-1009" {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("duplicate target sent %d times", n)
	}

	b, err := json.Marshal(out["1"])
	if err != nil || string(b) != `"ok"` {
		t.Fatalf("ok outcome json = %s, %v", b, err)
	}
	b, _ = json.Marshal(out["2"])
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if m["error"] != "UpstreamApiError" || m["status_code"] != 502.0 {
		t.Fatalf("error outcome json = %s", b)
	}
}
