// Package httpapi exposes the signaling exchange over HTTP and serves the
// browser client's files.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	server "zerodependency.co.uk/haia/snippets/rendezvous/server"
	"zerodependency.co.uk/haia/snippets/rendezvous/server/internal/config"
	"zerodependency.co.uk/haia/snippets/rendezvous/server/internal/exchange"
)

const defaultClientEntry = "/client/index.html"

type Server struct {
	log      log.FieldLogger
	cfg      config.Config
	exchange *exchange.Exchange

	engine *gin.Engine
	srv    *http.Server
}

// New wires the routes. The gin mode is process-wide and is expected to be set
// by the caller beforehand.
func New(cfg config.Config, ex *exchange.Exchange, logger log.FieldLogger) *Server {
	s := &Server{
		log:      logger,
		cfg:      cfg,
		exchange: ex,
		engine:   gin.New(),
	}

	s.engine.Use(
		gin.CustomRecovery(recoverWithLogger(logger)),
		requestID(),
		requestLogger(logger),
		corsMiddleware(cfg.AllowedOrigins),
	)
	s.registerRoutes()

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Serve(l net.Listener) error {
	s.log.WithFields(log.Fields{
		"addr": l.Addr().String(),
	}).Info("http server serving")
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	e := s.engine

	e.POST(server.PathLogin, s.httpLogin)
	e.POST(server.PathLogout, s.httpLogout)
	e.GET(server.PathOffers, s.httpGetOffers)
	e.GET(server.PathAnswer, s.httpGetAnswer)
	e.POST(server.PathPostOffer, s.httpPostOffer)
	e.POST(server.PathPostAnswer, s.httpPostAnswer)
	e.POST(server.PathPostCandidate, s.httpPostCandidate)
	e.POST(server.PathDrainCandidate, s.httpDrainCandidates)

	e.GET(server.PathClientAsset, s.httpClientAsset)
	e.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusFound, defaultClientEntry)
	})

	e.GET(server.PathHealth, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ok":    true,
			"stats": s.exchange.Stats(),
		})
	})
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	if len(origins) == 0 {
		return cors.Default()
	}
	cfg := cors.DefaultConfig()
	cfg.AllowOrigins = origins
	cfg.ExposeHeaders = []string{headerRequestID}
	return cors.New(cfg)
}
