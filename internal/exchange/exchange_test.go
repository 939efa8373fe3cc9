package exchange

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	server "zerodependency.co.uk/haia/snippets/rendezvous/server"
)

func raw(s string) json.RawMessage {
	return json.RawMessage(s)
}

func TestRegisterIssuesIncreasingIDs(t *testing.T) {
	e := New()

	var prev server.ClientID
	for i := 0; i < 100; i++ {
		id := e.Register()
		if id <= prev {
			t.Fatalf("register #%d returned %d, previous %d", i, id, prev)
		}
		prev = id
	}
	if prev != 100 {
		t.Fatalf("last id=%d, want 100", prev)
	}
}

func TestRegisterNeverReusesAfterDeregister(t *testing.T) {
	e := New()

	a := e.Register()
	e.Deregister(a)
	b := e.Register()
	if b == a {
		t.Fatalf("id %d reused after deregister", a)
	}
}

func TestRegisterConcurrentUnique(t *testing.T) {
	e := New()

	const n = 64
	ids := make(chan server.ClientID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- e.Register()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[server.ClientID]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d ids, want %d", len(seen), n)
	}
}

func TestAnswerLifecycle(t *testing.T) {
	e := New()
	target := e.Register()

	if _, ok := e.Answer(target); ok {
		t.Fatalf("answer present before any post")
	}

	if err := e.PostOffer(target, raw(`{"sdp":"A"}`)); err != nil {
		t.Fatalf("post offer: %v", err)
	}
	if err := e.PostAnswer(7, target, raw(`{"sdp":"B"}`)); err != nil {
		t.Fatalf("post answer: %v", err)
	}
	got, ok := e.Answer(target)
	if !ok || got.ID != 7 || string(got.Answer) != `{"sdp":"B"}` {
		t.Fatalf("answer=%+v ok=%v", got, ok)
	}

	// Answers are not consumed by reading.
	if _, ok := e.Answer(target); !ok {
		t.Fatalf("answer vanished after read")
	}

	if err := e.PostOffer(target, raw(`{"sdp":"A2"}`)); err != nil {
		t.Fatalf("post offer: %v", err)
	}
	if err := e.PostAnswer(9, target, raw(`{"sdp":"C"}`)); err != nil {
		t.Fatalf("post answer: %v", err)
	}
	got, _ = e.Answer(target)
	if got.ID != 9 || string(got.Answer) != `{"sdp":"C"}` {
		t.Fatalf("answer=%+v, want overwrite from 9", got)
	}
}

func TestPostAnswerWithoutOffer(t *testing.T) {
	e := New()
	target := e.Register()

	if err := e.PostAnswer(2, target, raw(`{}`)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}

	if err := e.PostOffer(target, raw(`{}`)); err != nil {
		t.Fatalf("post offer: %v", err)
	}
	if err := e.PostAnswer(2, target, raw(`{}`)); err != nil {
		t.Fatalf("post answer: %v", err)
	}
	if err := e.PostAnswer(3, target, raw(`{}`)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second answer err=%v, want ErrNotFound", err)
	}
	got, _ := e.Answer(target)
	if got.ID != 2 {
		t.Fatalf("failed answer replaced record: %+v", got)
	}
}

func TestPostAnswerConsumesOffer(t *testing.T) {
	e := New()
	a, b := e.Register(), e.Register()

	_ = e.PostOffer(a, raw(`{"sdp":"A"}`))
	_ = e.PostOffer(b, raw(`{"sdp":"B"}`))
	if err := e.PostAnswer(b, a, raw(`{}`)); err != nil {
		t.Fatalf("post answer: %v", err)
	}

	offers := e.Offers()
	if _, ok := offers[a]; ok {
		t.Fatalf("offer %d still listed after answer", a)
	}
	if string(offers[b]) != `{"sdp":"B"}` {
		t.Fatalf("offers=%v", offers)
	}
}

func TestOffersSnapshotIsDetached(t *testing.T) {
	e := New()
	id := e.Register()
	_ = e.PostOffer(id, raw(`{"sdp":"A"}`))

	snap := e.Offers()
	_ = e.PostOffer(id, raw(`{"sdp":"A2"}`))
	delete(snap, id)

	if got := e.Offers()[id]; string(got) != `{"sdp":"A2"}` {
		t.Fatalf("offer=%s", got)
	}
}

func TestPayloadCopiedOnWrite(t *testing.T) {
	e := New()
	id := e.Register()

	buf := []byte(`{"sdp":"A"}`)
	_ = e.PostOffer(id, buf)
	buf[8] = 'Z'

	if got := e.Offers()[id]; string(got) != `{"sdp":"A"}` {
		t.Fatalf("stored offer mutated through caller buffer: %s", got)
	}
}

func TestDrainCandidates(t *testing.T) {
	e := New()
	id := e.Register()

	if got := e.DrainCandidates(id); got == nil || len(got) != 0 {
		t.Fatalf("drain of empty queue=%v, want empty non-nil", got)
	}

	_ = e.PostCandidate(id, raw(`"a"`))
	_ = e.PostCandidate(id, raw(`"b"`))

	got := e.DrainCandidates(id)
	if len(got) != 2 || string(got[0]) != `"a"` || string(got[1]) != `"b"` {
		t.Fatalf("drain=%s, want [a b]", got)
	}
	if again := e.DrainCandidates(id); len(again) != 0 {
		t.Fatalf("second drain=%s, want empty", again)
	}

	_ = e.PostCandidate(id, raw(`"c"`))
	if got := e.DrainCandidates(id); len(got) != 1 || string(got[0]) != `"c"` {
		t.Fatalf("drain after refill=%s", got)
	}
}

func TestDrainCandidatesConcurrentNoLoss(t *testing.T) {
	e := New()
	id := e.Register()

	const posters, perPoster = 8, 200
	var wg sync.WaitGroup
	for p := 0; p < posters; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPoster; i++ {
				_ = e.PostCandidate(id, raw(`{}`))
			}
		}()
	}

	posted := make(chan struct{})
	go func() {
		wg.Wait()
		close(posted)
	}()

	total := 0
	for draining := true; draining; {
		select {
		case <-posted:
			draining = false
		default:
		}
		total += len(e.DrainCandidates(id))
	}

	if total != posters*perPoster {
		t.Fatalf("drained %d candidates, want %d", total, posters*perPoster)
	}
}

func TestDeregister(t *testing.T) {
	e := New()
	a, b := e.Register(), e.Register()

	_ = e.PostOffer(a, raw(`{}`))
	_ = e.PostCandidate(a, raw(`{}`))
	_ = e.PostOffer(b, raw(`{}`))
	_ = e.PostAnswer(a, b, raw(`{"from":"a"}`))
	_ = e.PostOffer(a, raw(`{}`))
	_ = e.PostAnswer(b, a, raw(`{"from":"b"}`))
	_ = e.PostOffer(a, raw(`{}`))

	e.Deregister(a)

	if _, ok := e.Offers()[a]; ok {
		t.Fatalf("offer for %d survived deregister", a)
	}
	if _, ok := e.Answer(a); ok {
		t.Fatalf("answer addressed to %d survived deregister", a)
	}
	if got := e.DrainCandidates(a); len(got) != 0 {
		t.Fatalf("candidates for %d survived deregister: %s", a, got)
	}

	// The answer a sent to b still names a as the answerer.
	got, ok := e.Answer(b)
	if !ok || got.ID != a {
		t.Fatalf("answer to %d=%+v ok=%v, want kept from %d", b, got, ok, a)
	}

	e.Deregister(a)
	e.Deregister(12345)
}

func TestScenario(t *testing.T) {
	e := New()

	one, two := e.Register(), e.Register()
	if one != 1 || two != 2 {
		t.Fatalf("ids=%d,%d want 1,2", one, two)
	}

	_ = e.PostOffer(one, raw(`{"sdp":"A"}`))
	if offers := e.Offers(); len(offers) != 1 || string(offers[one]) != `{"sdp":"A"}` {
		t.Fatalf("offers=%v", offers)
	}

	if err := e.PostAnswer(two, one, raw(`{"sdp":"B"}`)); err != nil {
		t.Fatalf("post answer: %v", err)
	}
	if offers := e.Offers(); len(offers) != 0 {
		t.Fatalf("offers=%v, want empty", offers)
	}
	if a, ok := e.Answer(one); !ok || a.ID != two || string(a.Answer) != `{"sdp":"B"}` {
		t.Fatalf("answer=%+v", a)
	}

	_ = e.PostCandidate(one, raw(`{"c":"x"}`))
	if got := e.DrainCandidates(one); len(got) != 1 || string(got[0]) != `{"c":"x"}` {
		t.Fatalf("drain=%s", got)
	}

	e.Deregister(one)
	if _, ok := e.Answer(one); ok {
		t.Fatalf("answer addressed to deregistered target still readable")
	}
}

func TestLenientAcceptsUnregistered(t *testing.T) {
	e := New()

	if err := e.PostOffer(42, raw(`{}`)); err != nil {
		t.Fatalf("post offer: %v", err)
	}
	if err := e.PostCandidate(42, raw(`{}`)); err != nil {
		t.Fatalf("post candidate: %v", err)
	}
	if err := e.PostAnswer(43, 42, raw(`{}`)); err != nil {
		t.Fatalf("post answer: %v", err)
	}
}

func TestStrictRejectsUnregistered(t *testing.T) {
	e := New(WithStrictRegistration())
	id := e.Register()

	if err := e.PostOffer(42, raw(`{}`)); !errors.Is(err, ErrUnknownClient) {
		t.Fatalf("post offer err=%v", err)
	}
	if err := e.PostCandidate(42, raw(`{}`)); !errors.Is(err, ErrUnknownClient) {
		t.Fatalf("post candidate err=%v", err)
	}

	if err := e.PostOffer(id, raw(`{}`)); err != nil {
		t.Fatalf("post offer: %v", err)
	}
	if err := e.PostAnswer(42, id, raw(`{}`)); !errors.Is(err, ErrUnknownClient) {
		t.Fatalf("post answer from unknown err=%v", err)
	}
	if _, ok := e.Offers()[id]; !ok {
		t.Fatalf("rejected answer consumed the offer")
	}

	e.Deregister(id)
	if err := e.PostOffer(id, raw(`{}`)); !errors.Is(err, ErrUnknownClient) {
		t.Fatalf("post offer after deregister err=%v", err)
	}

	// Reads stay total.
	if got := e.DrainCandidates(42); len(got) != 0 {
		t.Fatalf("drain=%s", got)
	}
}

func TestStats(t *testing.T) {
	e := New()
	a, b := e.Register(), e.Register()
	e.Register()
	e.Deregister(3)

	_ = e.PostOffer(a, raw(`{}`))
	_ = e.PostOffer(b, raw(`{}`))
	_ = e.PostAnswer(b, a, raw(`{}`))
	_ = e.PostCandidate(a, raw(`{}`))
	_ = e.PostCandidate(a, raw(`{}`))
	_ = e.PostCandidate(b, raw(`{}`))

	got := e.Stats()
	want := Stats{Issued: 3, Registered: 2, Offers: 1, Answers: 1, Candidates: 3}
	if got != want {
		t.Fatalf("stats=%+v, want %+v", got, want)
	}
}
