package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	headerRequestID = "X-Request-ID"
	ctxKeyRequestID = "request_id"
)

// requestID tags each request with a UUID. A well-formed incoming
// X-Request-ID is kept so ids can be correlated across hops.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.New().String()
		}
		c.Set(ctxKeyRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

func requestLogger(logger log.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		entry := logger.WithFields(log.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     status,
			"latency":    time.Since(start),
			"remote":     c.ClientIP(),
			"request_id": c.GetString(ctxKeyRequestID),
		})
		if status >= http.StatusInternalServerError {
			entry.Error("request failed")
			return
		}
		entry.Debug("request served")
	}
}

func recoverWithLogger(logger log.FieldLogger) gin.RecoveryFunc {
	return func(c *gin.Context, recovered interface{}) {
		logger.WithFields(log.Fields{
			"panic":      recovered,
			"path":       c.Request.URL.Path,
			"request_id": c.GetString(ctxKeyRequestID),
		}).Error("handler panicked")
		c.AbortWithStatus(http.StatusInternalServerError)
	}
}

// entry returns a logger carrying the request id of c.
func (s *Server) entry(c *gin.Context) *log.Entry {
	return s.log.WithField("request_id", c.GetString(ctxKeyRequestID))
}
