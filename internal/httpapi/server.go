// Package httpapi is the inbound HTTP surface: the relay endpoint, health,
// the Telegram webhook and chat registry administration.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"hookrelay/internal/registry"
	"hookrelay/internal/relay"
	"hookrelay/internal/storage"
	logx "hookrelay/pkg/logx"

	"github.com/gin-gonic/gin"
)

type Config struct {
	Addr          string
	WebhookSecret string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// Relayer is the pipeline behind POST / and GET /health. *relay.Service implements it.
type Relayer interface {
	Relay(ctx context.Context, rid string, doc map[string]any) (relay.Result, error)
	Health(ctx context.Context, probe bool) map[string]any
}

// ChatStore is the registry behind /webhook and /chats. *registry.Registry implements it.
type ChatStore interface {
	ListAll() map[string]storage.ChatRecord
	Upsert(ctx context.Context, chatID string, meta registry.Meta) (storage.ChatRecord, error)
	Remove(ctx context.Context, chatID string) bool
}

var errRebind = errors.New("httpapi: listener rebind")

type Server struct {
	relay  Relayer
	chats  ChatStore
	log    logx.Logger
	engine *gin.Engine

	mu     sync.Mutex
	cfg    Config
	srv    *http.Server
	rebind bool
	bound  chan string
}

func New(cfg Config, relayer Relayer, chats ChatStore, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{relay: relayer, chats: chats, log: log, cfg: cfg, bound: make(chan string, 1)}
	s.engine = s.routes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the runtime config. The webhook secret takes effect on the next
// request; an address or timeout change re-binds the listener.
func (s *Server) Apply(cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	srv := s.srv
	restart := srv != nil && (prev.Addr != cfg.Addr || prev.ReadTimeout != cfg.ReadTimeout || prev.WriteTimeout != cfg.WriteTimeout)
	if restart {
		s.rebind = true
	}
	s.mu.Unlock()

	if restart {
		s.log.Info("http listener rebinding", logx.String("from", prev.Addr), logx.String("to", cfg.Addr))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = srv.Shutdown(ctx)
		cancel()
	}
}

// Bound receives the listen address each time the server binds.
func (s *Server) Bound() <-chan string { return s.bound }

// Serve listens until ctx is done, re-binding when Apply changes the address.
func (s *Server) Serve(ctx context.Context) error {
	for {
		err := s.serveOnce(ctx)
		if errors.Is(err, errRebind) && ctx.Err() == nil {
			continue
		}
		return err
	}
}

func (s *Server) serveOnce(ctx context.Context) error {
	cur := s.config()
	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = ":8080"
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("http listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}

	srv := &http.Server{
		Handler:           s.engine,
		ReadTimeout:       cur.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cur.WriteTimeout,
	}
	s.mu.Lock()
	s.srv = srv
	s.rebind = false
	s.mu.Unlock()

	drained := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(drained)
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	})
	defer stop()

	listenAddr := ln.Addr().String()
	s.log.Info("http listening", logx.String("addr", listenAddr), logx.Bool("webhook_secret_set", cur.WebhookSecret != ""))
	select {
	case s.bound <- listenAddr:
	default:
	}

	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
	}
	rebind := s.rebind
	s.mu.Unlock()

	switch {
	case ctx.Err() != nil:
		// Serve returns as soon as Shutdown starts; wait for in-flight requests.
		if !stop() {
			<-drained
		}
		return ctx.Err()
	case rebind:
		return errRebind
	case err == nil || errors.Is(err, http.ErrServerClosed):
		return errors.New("http server exited unexpectedly")
	default:
		return err
	}
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(s.requestID(), s.accessLog(), gin.CustomRecovery(s.recovered))

	r.POST("/", s.handleRelay)
	r.GET("/health", s.handleHealth)
	r.POST("/webhook", s.handleWebhook)

	chats := r.Group("/chats")
	{
		chats.GET("", s.handleListChats)
		chats.POST("", s.handleUpsertChat)
		chats.DELETE("/:chat_id", s.handleRemoveChat)
	}
	return r
}
