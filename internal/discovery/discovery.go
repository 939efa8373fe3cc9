// Package discovery announces a rendezvous server on the local network over
// mDNS/DNS-SD and lets peers find one without being told the host.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/grandcat/zeroconf"
	log "github.com/sirupsen/logrus"
)

const (
	Service = "_rendezvous._tcp"
	Domain  = "local."
)

// ErrNotFound is returned by Browse when no server answered before ctx ended.
var ErrNotFound = errors.New("discovery: no rendezvous server found")

// MDNSServer is a live registration.
type MDNSServer interface {
	Shutdown()
}

// RegisterFunc registers a DNS-SD service. It has the signature of
// zeroconf.Register so tests can substitute it.
type RegisterFunc func(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)

func zeroconfRegister(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

type Announcer struct {
	log    log.FieldLogger
	server MDNSServer
}

// Announce publishes instance on port until Shutdown is called. A nil register
// uses zeroconf.
func Announce(instance string, port int, register RegisterFunc, logger log.FieldLogger) (*Announcer, error) {
	if register == nil {
		register = zeroconfRegister
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("discovery: invalid port %d", port)
	}

	srv, err := register(instance, Service, Domain, port, []string{"path=/login"}, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register %s: %w", Service, err)
	}

	logger.WithFields(log.Fields{
		"instance": instance,
		"service":  Service,
		"port":     port,
	}).Info("announcing over mDNS")

	return &Announcer{log: logger, server: srv}, nil
}

func (a *Announcer) Shutdown() {
	a.server.Shutdown()
	a.log.Info("mDNS announcement withdrawn")
}

// Browse returns the base URL of the first rendezvous server found.
func Browse(ctx context.Context) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("discovery: resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return "", fmt.Errorf("discovery: browse: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return "", ErrNotFound
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if u, ok := entryURL(entry); ok {
				return u, nil
			}
		}
	}
}

// entryURL prefers an IPv4 address and falls back to IPv6.
func entryURL(entry *zeroconf.ServiceEntry) (string, bool) {
	if entry == nil || entry.Port <= 0 {
		return "", false
	}

	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return "", false
	}
	return "http://" + net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)), true
}
