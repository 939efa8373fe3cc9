// Package peer runs one side of a WebRTC data channel session, using a
// rendezvous server to exchange the offer, answer and ICE candidates.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	log "github.com/sirupsen/logrus"

	server "zerodependency.co.uk/haia/snippets/rendezvous/server"
	"zerodependency.co.uk/haia/snippets/rendezvous/server/signalclient"
)

const (
	DefaultLabel        = "testChannel"
	DefaultPollInterval = time.Second

	postTimeout = 5 * time.Second
)

// ErrNotConnected is returned by Send before the data channel opens.
var ErrNotConnected = errors.New("peer: data channel not open")

type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleAnswerer {
		return "answerer"
	}
	return "offerer"
}

type Config struct {
	ICEServers   []string
	PollInterval time.Duration
	Label        string
}

// NewAPI builds a pion API with the default codecs and interceptors, logging
// through logger.
func NewAPI(logger log.FieldLogger) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}

	se := webrtc.SettingEngine{
		LoggerFactory: LoggerFactory{Logger: logger},
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(se),
	), nil
}

type Session struct {
	log    log.FieldLogger
	client *signalclient.Client
	pc     *webrtc.PeerConnection
	cfg    Config

	localID server.ClientID

	mu        sync.Mutex
	remoteID  server.ClientID
	dc        *webrtc.DataChannel
	onOpen    func()
	onMessage func(webrtc.DataChannelMessage)

	done     chan struct{}
	doneOnce sync.Once
}

func New(api *webrtc.API, client *signalclient.Client, cfg Config, logger log.FieldLogger) (*Session, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Label == "" {
		cfg.Label = DefaultLabel
	}

	var ice []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		ice = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: ice,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	s := &Session{
		log:    logger,
		client: client,
		pc:     pc,
		cfg:    cfg,
		done:   make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.WithFields(log.Fields{
			"state": state,
		}).Info("OnConnectionStateChange")

		switch state {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateClosed:
			s.doneOnce.Do(func() { close(s.done) })
		}
	})

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		s.postCandidate(candidate.ToJSON())
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		s.log.WithFields(log.Fields{
			"label": dc.Label(),
		}).Info("OnDataChannel")
		s.setupDataChannel(dc)
	})

	return s, nil
}

// OnOpen registers fn to run when the data channel opens. Call before Start.
func (s *Session) OnOpen(fn func()) {
	s.mu.Lock()
	s.onOpen = fn
	s.mu.Unlock()
}

// OnMessage registers fn for data channel messages. Call before Start.
func (s *Session) OnMessage(fn func(webrtc.DataChannelMessage)) {
	s.mu.Lock()
	s.onMessage = fn
	s.mu.Unlock()
}

func (s *Session) LocalID() server.ClientID {
	return s.localID
}

func (s *Session) RemoteID() server.ClientID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

// Done is closed once the peer connection fails, disconnects or closes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start logs in and either answers the lowest-numbered pending offer or, when
// there is none, posts an offer of its own.
func (s *Session) Start(ctx context.Context) (Role, error) {
	id, err := s.client.Login(ctx)
	if err != nil {
		return 0, fmt.Errorf("login: %w", err)
	}
	s.localID = id
	s.log = s.log.WithField("local_id", id)
	s.log.Info("logged in")

	offers, err := s.client.Offers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list offers: %w", err)
	}

	if remote, offer, ok := pickOffer(offers); ok {
		return RoleAnswerer, s.answer(ctx, remote, offer)
	}
	return RoleOfferer, s.offer(ctx)
}

func (s *Session) offer(ctx context.Context) error {
	dc, err := s.pc.CreateDataChannel(s.cfg.Label, nil)
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	s.setupDataChannel(dc)

	desc, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	s.log.Info("posting offer")
	return s.client.PostOffer(ctx, s.localID, desc)
}

func (s *Session) answer(ctx context.Context, remote server.ClientID, offer webrtc.SessionDescription) error {
	s.log.WithFields(log.Fields{
		"remote_id": remote,
	}).Info("connecting to offer")

	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	desc, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	if err := s.client.PostAnswer(ctx, s.localID, remote, desc); err != nil {
		return fmt.Errorf("post answer to %d: %w", remote, err)
	}
	s.setRemote(remote)
	return nil
}

// Run polls the rendezvous server until ctx ends or the connection is done.
func (s *Session) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.poll(ctx); err != nil && ctx.Err() == nil {
			s.log.WithFields(log.Fields{
				"error": err,
			}).Warn("poll failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Session) poll(ctx context.Context) error {
	remote := s.RemoteID()
	if remote == 0 {
		a, ok, err := s.client.Answer(ctx, s.localID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := s.pc.SetRemoteDescription(a.Description); err != nil {
			return fmt.Errorf("set remote description: %w", err)
		}
		s.log.WithFields(log.Fields{
			"remote_id": a.From,
		}).Info("received answer")
		s.setRemote(a.From)
		remote = a.From
	}

	candidates, err := s.client.ConsumeCandidates(ctx, remote)
	if err != nil {
		return err
	}
	for _, c := range candidates {
		s.log.Debug("adding remote ICE candidate")
		if err := s.pc.AddICECandidate(c); err != nil {
			s.log.WithFields(log.Fields{
				"error": err,
			}).Error("unable to add ICE candidate")
		}
	}
	return nil
}

// Send writes text to the open data channel.
func (s *Session) Send(text string) error {
	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotConnected
	}
	return dc.SendText(text)
}

// Close tears down the peer connection and logs out.
func (s *Session) Close(ctx context.Context) error {
	err := s.pc.Close()
	if s.localID != 0 {
		if lerr := s.client.Logout(ctx, s.localID); lerr != nil && err == nil {
			err = lerr
		}
	}
	return err
}

func (s *Session) setRemote(id server.ClientID) {
	s.mu.Lock()
	s.remoteID = id
	s.mu.Unlock()
}

func (s *Session) setupDataChannel(dc *webrtc.DataChannel) {
	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()

	dc.OnOpen(func() {
		s.log.Info("data channel opened")
		s.mu.Lock()
		fn := s.onOpen
		s.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	dc.OnClose(func() {
		s.log.Info("data channel closed")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.mu.Lock()
		fn := s.onMessage
		s.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
	})
}

func (s *Session) postCandidate(c webrtc.ICECandidateInit) {
	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()

	if err := s.client.PostCandidate(ctx, s.localID, c); err != nil {
		s.log.WithFields(log.Fields{
			"error": err,
		}).Error("unable to post ICE candidate")
		return
	}
	s.log.Debug("posted ICE candidate")
}

// pickOffer chooses the lowest client id so concurrent answerers agree.
func pickOffer(offers map[server.ClientID]webrtc.SessionDescription) (server.ClientID, webrtc.SessionDescription, bool) {
	if len(offers) == 0 {
		return 0, webrtc.SessionDescription{}, false
	}
	ids := make([]server.ClientID, 0, len(offers))
	for id := range offers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids[0], offers[ids[0]], true
}
