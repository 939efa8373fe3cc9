package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pterm/pterm"
	log "github.com/sirupsen/logrus"

	"zerodependency.co.uk/haia/snippets/rendezvous/server/internal/discovery"
	"zerodependency.co.uk/haia/snippets/rendezvous/server/internal/peer"
	"zerodependency.co.uk/haia/snippets/rendezvous/server/signalclient"
)

func main() {
	var (
		serverURL = flag.String("server", "", "Rendezvous server base URL; discovered over mDNS when empty")
		stun      = flag.String("stun", "stun:stun.l.google.com:19302", "Comma-separated ICE server URLs")
		interval  = flag.Duration("interval", peer.DefaultPollInterval, "Signaling poll interval")
		browse    = flag.Duration("browse-timeout", 5*time.Second, "How long to look for a server over mDNS")
		logLevel  = flag.String("log-level", "warn", "trace|debug|info|warn|error")
	)
	flag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := log.New()
	logger.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	base := *serverURL
	if base == "" {
		spinner, _ := pterm.DefaultSpinner.Start("Looking for a rendezvous server")
		browseCtx, cancel := context.WithTimeout(ctx, *browse)
		base, err = discovery.Browse(browseCtx)
		cancel()
		if err != nil {
			spinner.Fail(err.Error())
			os.Exit(1)
		}
		spinner.Success("Found " + base)
	}

	if err := run(ctx, base, splitList(*stun), *interval, logger); err != nil && !errors.Is(err, context.Canceled) {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func run(ctx context.Context, base string, ice []string, interval time.Duration, logger *log.Logger) error {
	api, err := peer.NewAPI(logger)
	if err != nil {
		return err
	}

	client := signalclient.New(base)
	session, err := peer.New(api, client, peer.Config{
		ICEServers:   ice,
		PollInterval: interval,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := session.Close(closeCtx); err != nil {
			logger.WithFields(log.Fields{
				"error": err,
			}).Warn("unable to close session cleanly")
		}
	}()

	session.OnOpen(func() {
		pterm.Success.Println("Data channel open, type a message and press enter")
	})
	session.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			pterm.Println(pterm.Cyan("Peer: ") + string(msg.Data))
			return
		}
		pterm.Println(pterm.Cyan("Peer (binary): ") + fmt.Sprintf("%x", msg.Data))
	})

	role, err := session.Start(ctx)
	if err != nil {
		return err
	}
	pterm.Info.Printfln("Logged in as %d (%s)", session.LocalID(), role)

	go readInput(ctx, session)

	err = session.Run(ctx)
	select {
	case <-session.Done():
		pterm.Warning.Println("Connection ended")
	default:
	}
	return err
}

func readInput(ctx context.Context, session *peer.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := session.Send(line); err != nil {
			pterm.Warning.Println(err)
			continue
		}
		pterm.Println(pterm.Green("You: ") + line)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
