package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"zerodependency.co.uk/haia/snippets/rendezvous/server/internal/config"
	"zerodependency.co.uk/haia/snippets/rendezvous/server/internal/discovery"
	"zerodependency.co.uk/haia/snippets/rendezvous/server/internal/exchange"
	"zerodependency.co.uk/haia/snippets/rendezvous/server/internal/httpapi"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := config.NewLogger(cfg)
	gin.SetMode(cfg.GinMode)

	var opts []exchange.Option
	if cfg.StrictRegistration {
		opts = append(opts, exchange.WithStrictRegistration())
	}
	ex := exchange.New(opts...)

	logger.WithFields(log.Fields{
		"listen_addr":     cfg.ListenAddr(),
		"client_dir":      cfg.ClientDir,
		"strict":          cfg.StrictRegistration,
		"allowed_origins": cfg.AllowedOrigins,
		"mdns":            cfg.AnnounceMDNS,
	}).Info("starting rendezvous server")

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		logger.WithFields(log.Fields{
			"error": err,
		}).Fatal("unable to listen")
	}

	srv := httpapi.New(cfg, ex, logger)

	if cfg.AnnounceMDNS {
		hostname, _ := os.Hostname()
		announcer, err := discovery.Announce("rendezvous-"+hostname, cfg.Port, nil, logger)
		if err != nil {
			logger.WithFields(log.Fields{
				"error": err,
			}).Warn("unable to announce over mDNS")
		} else {
			defer announcer.Shutdown()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(log.Fields{
				"error": err,
			}).Error("http server failed")
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(log.Fields{
			"error": err,
		}).Error("graceful shutdown failed")
	}

	stats := ex.Stats()
	logger.WithFields(log.Fields{
		"issued":     stats.Issued,
		"registered": stats.Registered,
	}).Info("stopped")
}
