// Package signalclient talks to a rendezvous server on behalf of a WebRTC peer.
package signalclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pion/webrtc/v3"

	server "zerodependency.co.uk/haia/snippets/rendezvous/server"
)

// ErrOfferGone is returned by PostAnswer when the offer was never posted or
// has already been answered.
var ErrOfferGone = errors.New("signalclient: offer no longer pending")

// StatusError is returned for any unexpected HTTP status.
type StatusError struct {
	Method string
	Path   string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("signalclient: %s %s: unexpected status %d", e.Method, e.Path, e.Code)
}

// Answer is an answer addressed to the local client.
type Answer struct {
	From        server.ClientID
	Description webrtc.SessionDescription
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.http = h
	}
}

type Client struct {
	base string
	http *http.Client
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Login(ctx context.Context) (server.ClientID, error) {
	body, err := c.do(ctx, http.MethodPost, "/login", nil)
	if err != nil {
		return 0, err
	}
	id, err := server.ParseClientID(strings.TrimSpace(string(body)))
	if err != nil {
		return 0, fmt.Errorf("signalclient: login returned %q: %w", body, err)
	}
	return id, nil
}

func (c *Client) Logout(ctx context.Context, id server.ClientID) error {
	_, err := c.do(ctx, http.MethodPost, "/logout/"+id.String(), nil)
	return err
}

// Offers lists every offer currently waiting for an answer.
func (c *Client) Offers(ctx context.Context) (map[server.ClientID]webrtc.SessionDescription, error) {
	body, err := c.do(ctx, http.MethodGet, "/offers", nil)
	if err != nil {
		return nil, err
	}
	offers := make(map[server.ClientID]webrtc.SessionDescription)
	if err := json.Unmarshal(body, &offers); err != nil {
		return nil, fmt.Errorf("signalclient: decode offers: %w", err)
	}
	return offers, nil
}

// Answer reports the answer addressed to id, if one has been posted.
func (c *Client) Answer(ctx context.Context, id server.ClientID) (Answer, bool, error) {
	body, err := c.do(ctx, http.MethodGet, "/answer/"+id.String(), nil)
	if err != nil {
		return Answer{}, false, err
	}

	var resp struct {
		ID     *server.ClientID `json:"id"`
		Answer json.RawMessage  `json:"answer"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Answer{}, false, fmt.Errorf("signalclient: decode answer: %w", err)
	}
	if resp.ID == nil {
		return Answer{}, false, nil
	}

	a := Answer{From: *resp.ID}
	if err := json.Unmarshal(resp.Answer, &a.Description); err != nil {
		return Answer{}, false, fmt.Errorf("signalclient: decode answer description: %w", err)
	}
	return a, true, nil
}

// WaitAnswer polls Answer every interval until an answer arrives or ctx ends.
func (c *Client) WaitAnswer(ctx context.Context, id server.ClientID, interval time.Duration) (Answer, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		a, ok, err := c.Answer(ctx, id)
		if err != nil {
			return Answer{}, err
		}
		if ok {
			return a, nil
		}

		select {
		case <-ctx.Done():
			return Answer{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) PostOffer(ctx context.Context, id server.ClientID, offer webrtc.SessionDescription) error {
	_, err := c.do(ctx, http.MethodPost, "/post_offer/"+id.String(), offer)
	return err
}

func (c *Client) PostAnswer(ctx context.Context, from, to server.ClientID, answer webrtc.SessionDescription) error {
	_, err := c.do(ctx, http.MethodPost, "/post_answer/"+from.String()+"/"+to.String(), answer)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return ErrOfferGone
	}
	return err
}

func (c *Client) PostCandidate(ctx context.Context, id server.ClientID, candidate webrtc.ICECandidateInit) error {
	_, err := c.do(ctx, http.MethodPost, "/post_ice/"+id.String(), candidate)
	return err
}

// ConsumeCandidates drains the candidates id has posted so far.
func (c *Client) ConsumeCandidates(ctx context.Context, id server.ClientID) ([]webrtc.ICECandidateInit, error) {
	body, err := c.do(ctx, http.MethodPost, "/consume_ices/"+id.String(), nil)
	if err != nil {
		return nil, err
	}

	var batch server.CandidateBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, fmt.Errorf("signalclient: decode candidates: %w", err)
	}

	out := make([]webrtc.ICECandidateInit, 0, len(batch.ICEs))
	for i, raw := range batch.ICEs {
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(raw, &candidate); err != nil {
			return nil, fmt.Errorf("signalclient: decode candidate %d: %w", i, err)
		}
		out = append(out, candidate)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("signalclient: encode %s: %w", path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signalclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("signalclient: read %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode}
	}
	return data, nil
}
