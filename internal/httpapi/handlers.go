package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	server "zerodependency.co.uk/haia/snippets/rendezvous/server"
	"zerodependency.co.uk/haia/snippets/rendezvous/server/internal/exchange"
)

func (s *Server) httpLogin(c *gin.Context) {
	id := s.exchange.Register()

	s.entry(c).WithFields(log.Fields{
		"remote": c.ClientIP(),
		"id":     id,
	}).Info("logged in user")

	c.String(http.StatusOK, "%d", id)
}

func (s *Server) httpLogout(c *gin.Context) {
	id, ok := s.clientParam(c, "id")
	if !ok {
		return
	}

	s.exchange.Deregister(id)

	s.entry(c).WithFields(log.Fields{
		"id": id,
	}).Info("user logged out")

	c.Status(http.StatusOK)
}

func (s *Server) httpGetOffers(c *gin.Context) {
	c.JSON(http.StatusOK, s.exchange.Offers())
}

func (s *Server) httpGetAnswer(c *gin.Context) {
	id, ok := s.clientParam(c, "id")
	if !ok {
		return
	}

	answer, ok := s.exchange.Answer(id)
	if !ok {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, answer)
}

func (s *Server) httpPostOffer(c *gin.Context) {
	id, ok := s.clientParam(c, "id")
	if !ok {
		return
	}
	payload, ok := s.readPayload(c)
	if !ok {
		return
	}

	if err := s.exchange.PostOffer(id, payload); err != nil {
		s.abortExchangeError(c, err, log.Fields{"id": id})
		return
	}

	s.entry(c).WithFields(log.Fields{
		"id": id,
	}).Info("user posted offer")

	c.Status(http.StatusOK)
}

func (s *Server) httpPostAnswer(c *gin.Context) {
	from, ok := s.clientParam(c, "from")
	if !ok {
		return
	}
	to, ok := s.clientParam(c, "to")
	if !ok {
		return
	}
	payload, ok := s.readPayload(c)
	if !ok {
		return
	}

	if err := s.exchange.PostAnswer(from, to, payload); err != nil {
		s.abortExchangeError(c, err, log.Fields{"from": from, "to": to})
		return
	}

	s.entry(c).WithFields(log.Fields{
		"from": from,
		"to":   to,
	}).Info("user posted answer")

	c.Status(http.StatusOK)
}

func (s *Server) httpPostCandidate(c *gin.Context) {
	id, ok := s.clientParam(c, "id")
	if !ok {
		return
	}
	payload, ok := s.readPayload(c)
	if !ok {
		return
	}

	if err := s.exchange.PostCandidate(id, payload); err != nil {
		s.abortExchangeError(c, err, log.Fields{"id": id})
		return
	}

	s.entry(c).WithFields(log.Fields{
		"id": id,
	}).Debug("user posted candidate")

	c.Status(http.StatusOK)
}

func (s *Server) httpDrainCandidates(c *gin.Context) {
	id, ok := s.clientParam(c, "id")
	if !ok {
		return
	}

	ices := s.exchange.DrainCandidates(id)
	if len(ices) > 0 {
		s.entry(c).WithFields(log.Fields{
			"id":    id,
			"count": len(ices),
		}).Info("candidates consumed")
	}

	c.JSON(http.StatusOK, server.CandidateBatch{ICEs: ices})
}

func (s *Server) httpClientAsset(c *gin.Context) {
	name := c.Param("filename")
	if name == "" || name == "." || name == ".." || name != filepath.Base(name) {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}

	f, err := os.Open(filepath.Join(s.cfg.ClientDir, name))
	if err != nil {
		s.entry(c).WithFields(log.Fields{
			"file": name,
		}).Debug("client asset not found")
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}

	// ServeContent rather than c.File: ServeFile redirects */index.html.
	http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), f)
}

func (s *Server) clientParam(c *gin.Context, name string) (server.ClientID, bool) {
	raw := c.Param(name)
	id, err := server.ParseClientID(raw)
	if err != nil {
		s.entry(c).WithFields(log.Fields{
			name:    raw,
			"error": err,
		}).Warn("invalid client id")
		c.AbortWithStatus(http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// readPayload returns the request body. The body must be JSON but its content
// is not interpreted.
func (s *Server) readPayload(c *gin.Context) (json.RawMessage, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes)

	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.entry(c).WithFields(log.Fields{
				"limit": tooLarge.Limit,
			}).Warn("request body too large")
			c.AbortWithStatus(http.StatusRequestEntityTooLarge)
			return nil, false
		}
		s.entry(c).WithFields(log.Fields{
			"error": err,
		}).Error("unable to read request body")
		c.AbortWithStatus(http.StatusBadRequest)
		return nil, false
	}

	if !json.Valid(body) {
		s.entry(c).Warn("error parsing JSON")
		c.AbortWithStatus(http.StatusBadRequest)
		return nil, false
	}
	return json.RawMessage(body), true
}

func (s *Server) abortExchangeError(c *gin.Context, err error, fields log.Fields) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, exchange.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, exchange.ErrUnknownClient):
		status = http.StatusForbidden
	}

	s.entry(c).WithFields(fields).WithFields(log.Fields{
		"error": err,
	}).Warn("exchange rejected request")
	c.AbortWithStatus(status)
}
