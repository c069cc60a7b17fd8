// Package telegram is a small Bot API client for the three calls the relay makes:
// sendMessage, getChat and getMe.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"
)

const (
	DefaultAPIURL  = "https://api.telegram.org"
	DefaultTimeout = 15 * time.Second

	// maxBody caps how much of a response body is read.
	maxBody = 1 << 20
)

type Config struct {
	Token   string
	APIURL  string
	Timeout time.Duration

	// HTTPClient overrides the default client (Timeout is then ignored).
	HTTPClient *http.Client
}

// Client issues Bot API calls. It is safe for concurrent use and can be
// reconfigured in place on config reload.
type Client struct {
	mu    sync.RWMutex
	token string
	base  string
	http  *http.Client
}

func New(cfg Config) *Client {
	c := &Client{}
	c.Apply(cfg)
	return c
}

// Apply swaps credentials, base URL and timeout. In-flight calls finish with
// the previous settings.
func (c *Client) Apply(cfg Config) {
	base := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if base == "" {
		base = DefaultAPIURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	c.mu.Lock()
	c.token = strings.TrimSpace(cfg.Token)
	c.base = base
	c.http = hc
	c.mu.Unlock()
}

func (c *Client) snapshot() (token, base string, hc *http.Client) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token, c.base, c.http
}

// Ready reports whether a bot token is configured.
func (c *Client) Ready() bool {
	if c == nil {
		return false
	}
	token, _, _ := c.snapshot()
	return token != ""
}

// Response is the Bot API envelope plus transport facts. Raw is only set when
// the body was not JSON.
type Response struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	HTTPStatus  int             `json:"http_status,omitempty"`
	Raw         string          `json:"raw,omitempty"`
}

// NetworkError is a transport-level failure: DNS, connect, TLS, timeout.
type NetworkError struct {
	Method string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("telegram %s: request error: %v", e.Method, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err is (or wraps) a *NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

var ErrNoToken = errors.New("telegram: bot token not configured")

type SendParams struct {
	ChatID    string
	Text      string
	ParseMode tele.ParseMode
}

// SendMessage posts one message. Link previews are always disabled.
// A non-ok Bot API answer is returned as a Response with a nil error.
func (c *Client) SendMessage(ctx context.Context, p SendParams) (*Response, error) {
	payload := map[string]any{
		"chat_id":                  p.ChatID,
		"text":                     p.Text,
		"disable_web_page_preview": true,
	}
	if p.ParseMode != tele.ModeDefault {
		payload["parse_mode"] = p.ParseMode
	}
	return c.call(ctx, "sendMessage", payload)
}

// GetChat looks up a chat by id or @handle.
func (c *Client) GetChat(ctx context.Context, ref string) (*Response, error) {
	return c.call(ctx, "getChat", map[string]any{"chat_id": ref})
}

func (c *Client) GetMe(ctx context.Context) (*Response, error) {
	return c.call(ctx, "getMe", map[string]any{})
}

// SendText sends plain text and folds a non-ok answer into an error.
// It backs the logging ops-chat sink.
func (c *Client) SendText(ctx context.Context, chatID, text string) error {
	resp, err := c.SendMessage(ctx, SendParams{ChatID: chatID, Text: text})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("telegram sendMessage: %d %s", resp.ErrorCode, resp.Description)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, payload any) (*Response, error) {
	token, base, hc := c.snapshot()
	if token == "" {
		return nil, ErrNoToken
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	url := base + "/bot" + token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, &NetworkError{Method: method, Err: redact(err, token)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, &NetworkError{Method: method, Err: redact(err, token)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, &NetworkError{Method: method, Err: redact(err, token)}
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return &Response{OK: false, HTTPStatus: resp.StatusCode, Raw: string(body)}, nil
	}
	out.HTTPStatus = resp.StatusCode
	return &out, nil
}

// redact strips the token from url.Error messages.
func redact(err error, token string) error {
	if err == nil || token == "" {
		return err
	}
	msg := err.Error()
	if !strings.Contains(msg, token) {
		return err
	}
	return redactedError{msg: strings.ReplaceAll(msg, token, "<token>"), err: err}
}

type redactedError struct {
	msg string
	err error
}

func (e redactedError) Error() string { return e.msg }
func (e redactedError) Unwrap() error { return e.err }

// Chat decodes a getChat result.
func (r *Response) Chat() (*tele.Chat, error) {
	if r == nil || !r.OK || len(r.Result) == 0 {
		return nil, errors.New("telegram: no chat in response")
	}
	var chat tele.Chat
	if err := json.Unmarshal(r.Result, &chat); err != nil {
		return nil, err
	}
	if chat.ID == 0 {
		return nil, errors.New("telegram: chat id missing")
	}
	return &chat, nil
}

// User decodes a getMe result.
func (r *Response) User() (*tele.User, error) {
	if r == nil || !r.OK || len(r.Result) == 0 {
		return nil, errors.New("telegram: no user in response")
	}
	var u tele.User
	if err := json.Unmarshal(r.Result, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Summary is a compact map used in error details and logs.
func (r *Response) Summary() map[string]any {
	if r == nil {
		return nil
	}
	m := map[string]any{"ok": r.OK}
	if r.ErrorCode != 0 {
		m["error_code"] = r.ErrorCode
	}
	if r.Description != "" {
		m["description"] = r.Description
	}
	if r.HTTPStatus != 0 {
		m["http_status"] = r.HTTPStatus
	}
	if r.Raw != "" {
		m["raw"] = r.Raw
	}
	if len(r.Result) > 0 {
		m["result"] = r.Result
	}
	return m
}
