// Package exchange holds the pending offers, answers and connectivity candidates
// that two peers trade before they can connect directly.
//
// Every operation takes a single lock, so each call observes and leaves the
// exchange in a consistent state. Nothing blocks waiting for another client:
// absent records read as empty and clients are expected to poll.
package exchange

import (
	"encoding/json"
	"errors"
	"sync"

	server "zerodependency.co.uk/haia/snippets/rendezvous/server"
)

var (
	// ErrNotFound is returned by PostAnswer when the target has no pending offer.
	ErrNotFound = errors.New("exchange: no pending offer for target")

	// ErrUnknownClient is returned for writes naming an id that is not
	// registered, when strict registration is enabled.
	ErrUnknownClient = errors.New("exchange: client is not registered")
)

type Option func(*Exchange)

// WithStrictRegistration rejects writes for ids that were never issued or have
// logged out. Without it, writes create records for any id.
func WithStrictRegistration() Option {
	return func(e *Exchange) {
		e.strict = true
	}
}

// Stats is a point-in-time count of the records held by an Exchange.
type Stats struct {
	Issued     uint64 `json:"issued"`
	Registered int    `json:"registered"`
	Offers     int    `json:"offers"`
	Answers    int    `json:"answers"`
	Candidates int    `json:"candidates"`
}

type Exchange struct {
	mu sync.Mutex

	strict     bool
	next       server.ClientID
	registered map[server.ClientID]struct{}
	offers     map[server.ClientID]json.RawMessage
	answers    map[server.ClientID]server.Answer
	candidates map[server.ClientID][]json.RawMessage
}

func New(opts ...Option) *Exchange {
	e := &Exchange{
		next:       1,
		registered: make(map[server.ClientID]struct{}),
		offers:     make(map[server.ClientID]json.RawMessage),
		answers:    make(map[server.ClientID]server.Answer),
		candidates: make(map[server.ClientID][]json.RawMessage),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register issues the next client id. Ids are never reused.
func (e *Exchange) Register() server.ClientID {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.next
	e.next++
	e.registered[id] = struct{}{}
	return id
}

// Deregister drops the offer and candidate queue owned by id and the answer
// addressed to id. Answers that id sent to other clients are kept.
func (e *Exchange) Deregister(id server.ClientID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.registered, id)
	delete(e.offers, id)
	delete(e.answers, id)
	delete(e.candidates, id)
}

// Offers returns a snapshot of every pending offer.
func (e *Exchange) Offers() server.Offers {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(server.Offers, len(e.offers))
	for id, offer := range e.offers {
		out[id] = offer
	}
	return out
}

// Answer returns the answer addressed to target. The record stays in place
// until a newer answer replaces it or target deregisters.
func (e *Exchange) Answer(target server.ClientID) (server.Answer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.answers[target]
	return a, ok
}

// PostOffer stores payload as id's offer, replacing any earlier one.
func (e *Exchange) PostOffer(id server.ClientID, payload json.RawMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkRegistered(id); err != nil {
		return err
	}
	e.offers[id] = clone(payload)
	return nil
}

// PostAnswer consumes to's offer and records payload as the answer from from.
func (e *Exchange) PostAnswer(from, to server.ClientID, payload json.RawMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkRegistered(from); err != nil {
		return err
	}
	if err := e.checkRegistered(to); err != nil {
		return err
	}
	if _, ok := e.offers[to]; !ok {
		return ErrNotFound
	}
	delete(e.offers, to)
	e.answers[to] = server.Answer{ID: from, Answer: clone(payload)}
	return nil
}

// PostCandidate appends payload to id's candidate queue.
func (e *Exchange) PostCandidate(id server.ClientID, payload json.RawMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkRegistered(id); err != nil {
		return err
	}
	e.candidates[id] = append(e.candidates[id], clone(payload))
	return nil
}

// DrainCandidates returns id's queued candidates in post order and empties the
// queue. The result is never nil.
func (e *Exchange) DrainCandidates(id server.ClientID) []json.RawMessage {
	e.mu.Lock()
	defer e.mu.Unlock()

	queued := e.candidates[id]
	if len(queued) == 0 {
		return []json.RawMessage{}
	}
	e.candidates[id] = nil
	return queued
}

func (e *Exchange) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{
		Issued:     uint64(e.next - 1),
		Registered: len(e.registered),
		Offers:     len(e.offers),
		Answers:    len(e.answers),
	}
	for _, q := range e.candidates {
		s.Candidates += len(q)
	}
	return s
}

// checkRegistered must be called with mu held.
func (e *Exchange) checkRegistered(id server.ClientID) error {
	if !e.strict {
		return nil
	}
	if _, ok := e.registered[id]; !ok {
		return ErrUnknownClient
	}
	return nil
}

func clone(p json.RawMessage) json.RawMessage {
	if p == nil {
		return nil
	}
	return append(json.RawMessage(nil), p...)
}
