package httpapi

import (
	"net/http"
	"time"

	"hookrelay/internal/relay"
	logx "hookrelay/pkg/logx"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const ridKey = "rid"

// newRID is a short request id for log correlation.
func newRID() string { return uuid.NewString()[:8] }

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ridKey, newRID())
		c.Next()
	}
}

func rid(c *gin.Context) string { return c.GetString(ridKey) }

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []logx.Field{
			logx.String("rid", rid(c)),
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		}
		if c.Request.URL.Path == "/health" {
			s.log.Debug("request", fields...)
			return
		}
		s.log.Info("request", fields...)
	}
}

// recovered turns a handler panic into a 500 Internal error body.
func (s *Server) recovered(c *gin.Context, p any) {
	s.log.Error("handler panicked", logx.String("rid", rid(c)), logx.Any("panic", p))
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"ok":          false,
		"error":       relay.KindInternal,
		"status_code": http.StatusInternalServerError,
		"detail":      "internal error",
		"rid":         rid(c),
	})
}

func writeError(c *gin.Context, err error) {
	e := relay.AsError(err)
	code := e.Kind.HTTPStatus()
	c.JSON(code, gin.H{
		"ok":          false,
		"error":       e.Kind,
		"status_code": code,
		"detail":      e.Public(),
		"rid":         rid(c),
	})
}
