// Package pprof serves net/http/pprof and runtime task stats on a separate,
// normally loopback-only, debug listener.
package pprof

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	logx "hookrelay/pkg/logx"

	"github.com/gin-gonic/gin"
)

const defaultAddr = "127.0.0.1:6060"

// Config controls the debug listener.
//
// A non-loopback Addr requires Token unless AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
}

// ErrInsecureBind is returned when a public address is configured without a token.
var ErrInsecureBind = errors.New("pprof: non-loopback addr requires token or allow_insecure")

// Validate checks the bind policy without listening.
func Validate(cfg Config) error {
	if !cfg.Enabled {
		return nil
	}
	addr := addrOrDefault(cfg.Addr)
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return err
	}
	if !cfg.AllowInsecure && strings.TrimSpace(cfg.Token) == "" && !isLoopbackAddr(addr) {
		return ErrInsecureBind
	}
	return nil
}

// StatsFunc returns a JSON-encodable runtime snapshot for /debug/stats.
type StatsFunc func() any

type Service struct {
	cfg   Config
	stats StatsFunc
	log   logx.Logger
}

func New(cfg Config, stats StatsFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, stats: stats, log: log}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Handler exposes the routes without a listener (tests).
func (s *Service) Handler() http.Handler { return s.routes() }

func (s *Service) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.auth())

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/debug/stats", func(c *gin.Context) {
		if s.stats == nil {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
		c.JSON(http.StatusOK, s.stats())
	})

	dbg := r.Group("/debug/pprof")
	dbg.GET("/", gin.WrapF(hpprof.Index))
	dbg.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
	dbg.GET("/profile", gin.WrapF(hpprof.Profile))
	dbg.POST("/symbol", gin.WrapF(hpprof.Symbol))
	dbg.GET("/symbol", gin.WrapF(hpprof.Symbol))
	dbg.GET("/trace", gin.WrapF(hpprof.Trace))
	dbg.GET("/:profile", func(c *gin.Context) {
		hpprof.Handler(c.Param("profile")).ServeHTTP(c.Writer, c.Request)
	})
	return r
}

// auth accepts "Authorization: Bearer <token>" or ?token=.
func (s *Service) auth() gin.HandlerFunc {
	tok := strings.TrimSpace(s.cfg.Token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}

// Run listens until ctx is done. A disabled service blocks without listening.
func (s *Service) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		<-ctx.Done()
		return nil
	}
	if err := Validate(s.cfg); err != nil {
		s.log.Error("pprof refused to start", logx.String("addr", s.cfg.Addr), logx.Err(err))
		return err
	}
	addr := addrOrDefault(s.cfg.Addr)
	if s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("pprof running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	s.log.Info("pprof started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("pprof server exited unexpectedly")
	}
	return err
}

func addrOrDefault(addr string) string {
	if a := strings.TrimSpace(addr); a != "" {
		return a
	}
	return defaultAddr
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
