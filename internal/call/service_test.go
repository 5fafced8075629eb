package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type allowAllConns struct{}

func (allowAllConns) Connected(ctx context.Context, a, b string) (bool, error) { return true, nil }

type denyAllConns struct{}

func (denyAllConns) Connected(ctx context.Context, a, b string) (bool, error) { return false, nil }

type fakeSlots struct {
	mu   sync.Mutex
	held map[string]int
	full bool
}

func newFakeSlots() *fakeSlots { return &fakeSlots{held: make(map[string]int)} }

func (f *fakeSlots) Acquire(ctx context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full || f.held[userID] >= 1 {
		return false, nil
	}
	f.held[userID]++
	return true, nil
}

func (f *fakeSlots) Release(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[userID] > 0 {
		f.held[userID]--
	}
	return nil
}

func offer(sdp string) Signal {
	payload, _ := json.Marshal(map[string]string{"type": "offer", "sdp": sdp})
	return Signal{Kind: SignalOffer, Payload: payload}
}

func answer(sdp string) Signal {
	payload, _ := json.Marshal(map[string]string{"type": "answer", "sdp": sdp})
	return Signal{Kind: SignalAnswer, Payload: payload}
}

func candidate(c string) Signal {
	payload, _ := json.Marshal(map[string]string{"candidate": c})
	return Signal{Kind: SignalICECandidate, Payload: payload}
}

func newTestService(t *testing.T) (*Service, *MemoryRepo) {
	t.Helper()
	repo := NewMemoryRepo()
	svc := NewService(repo, allowAllConns{}, Config{})
	return svc, repo
}

const (
	patient = "patient-1"
	doctor  = "doctor-1"
)

func TestInitiate_Idempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Initiate(ctx, patient, doctor, "s1")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if first.Status != StatusCalling {
		t.Fatalf("expected calling, got %s", first.Status)
	}

	second, err := svc.Initiate(ctx, patient, doctor, "s1")
	if err != nil {
		t.Fatalf("retry initiate: %v", err)
	}
	if second != first {
		t.Fatalf("retry must return the session unchanged: %+v vs %+v", second, first)
	}
}

func TestInitiate_RejectsUnconnectedPair(t *testing.T) {
	svc := NewService(NewMemoryRepo(), denyAllConns{}, Config{})
	_, err := svc.Initiate(context.Background(), patient, doctor, "s1")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestInitiate_SessionIDCollisionAcrossPairs(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Initiate(ctx, patient, doctor, "s1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	_, err := svc.Initiate(ctx, "patient-2", doctor, "s1")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized on foreign session id, got %v", err)
	}
}

func TestInitiate_RejectsInvalidArgs(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, c := range []struct{ caller, callee, id string }{
		{"", doctor, "s1"},
		{patient, "", "s1"},
		{patient, doctor, ""},
		{patient, patient, "s1"},
	} {
		if _, err := svc.Initiate(ctx, c.caller, c.callee, c.id); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%+v: expected ErrInvalidArgument, got %v", c, err)
		}
	}
}

func TestInitiate_BusyCallerEndsFreshSession(t *testing.T) {
	repo := NewMemoryRepo()
	slots := newFakeSlots()
	svc := NewService(repo, allowAllConns{}, Config{}).WithSlots(slots)
	ctx := context.Background()

	if _, err := svc.Initiate(ctx, patient, doctor, "s1"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	_, err := svc.Initiate(ctx, patient, "doctor-2", "s2")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	// The second session must not be left dangling in calling.
	s2, err := repo.GetSession(ctx, "s2")
	if err != nil {
		t.Fatalf("get s2: %v", err)
	}
	if s2.Status != StatusEnded {
		t.Fatalf("expected busy session ended, got %s", s2.Status)
	}
	// Ending the first call frees the slot for a new attempt.
	if _, err := svc.End(ctx, "s1", patient); err != nil {
		t.Fatalf("end s1: %v", err)
	}
	if _, err := svc.Initiate(ctx, patient, "doctor-2", "s3"); err != nil {
		t.Fatalf("expected slot released, got %v", err)
	}
}

// Scenario: caller initiates, polls calling; doctor accepts; caller's next
// poll observes active.
func TestAcceptFlow(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Initiate(ctx, patient, doctor, "s1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	res, err := svc.Poll(ctx, "s1", patient)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Session.Status != StatusCalling || len(res.Signals) != 0 {
		t.Fatalf("expected calling with no signals, got %s %d", res.Session.Status, len(res.Signals))
	}

	if _, err := svc.Accept(ctx, "s1", doctor); err != nil {
		t.Fatalf("accept: %v", err)
	}

	res, err = svc.Poll(ctx, "s1", patient)
	if err != nil {
		t.Fatalf("poll after accept: %v", err)
	}
	if res.Session.Status != StatusActive {
		t.Fatalf("expected active, got %s", res.Session.Status)
	}
}

func TestAccept_OnlyCallee(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Initiate(ctx, patient, doctor, "s1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := svc.Accept(ctx, "s1", patient); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("caller accepting own call: expected ErrUnauthorized, got %v", err)
	}
	if _, err := svc.Accept(ctx, "s1", "stranger"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger accepting: expected ErrUnauthorized, got %v", err)
	}
}

// Scenario: offer delivered exactly once; a second poll returns nothing.
func TestSignal_ExactlyOnceDelivery(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Initiate(ctx, patient, doctor, "s1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := svc.Accept(ctx, "s1", doctor); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := svc.SendSignal(ctx, "s1", patient, offer("o1")); err != nil {
		t.Fatalf("send offer: %v", err)
	}

	res, err := svc.Poll(ctx, "s1", doctor)
	if err != nil {
		t.Fatalf("doctor poll: %v", err)
	}
	if len(res.Signals) != 1 || res.Signals[0].Kind != SignalOffer {
		t.Fatalf("expected exactly the offer, got %+v", res.Signals)
	}

	res, err = svc.Poll(ctx, "s1", doctor)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if len(res.Signals) != 0 {
		t.Fatalf("consumed envelope returned again: %+v", res.Signals)
	}
}

func TestSignal_NotDeliveredToSender(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Initiate(ctx, patient, doctor, "s1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := svc.SendSignal(ctx, "s1", patient, offer("o1")); err != nil {
		t.Fatalf("send offer: %v", err)
	}
	res, err := svc.Poll(ctx, "s1", patient)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(res.Signals) != 0 {
		t.Fatalf("sender must not receive own signal, got %+v", res.Signals)
	}
}

// Scenario: two ICE candidates sent before the first poll arrive in one
// batch, in order.
func TestSignal_CandidateBatchInOrder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Initiate(ctx, patient, doctor, "s1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := svc.Accept(ctx, "s1", doctor); err != nil {
		t.Fatalf("accept: %v", err)
	}
	for _, c := range []string{"c1", "c2"} {
		if _, err := svc.SendSignal(ctx, "s1", patient, candidate(c)); err != nil {
			t.Fatalf("send %s: %v", c, err)
		}
	}

	res, err := svc.Poll(ctx, "s1", doctor)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(res.Signals) != 2 {
		t.Fatalf("expected both candidates in one poll, got %d", len(res.Signals))
	}
	var first, second map[string]string
	if err := json.Unmarshal(res.Signals[0].Payload, &first); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if err := json.Unmarshal(res.Signals[1].Payload, &second); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if first["candidate"] != "c1" || second["candidate"] != "c2" {
		t.Fatalf("candidates out of order: %v %v", first, second)
	}
}

func TestSignal_DuplicatePendingOfferRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Initiate(ctx, patient, doctor, "s1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := svc.SendSignal(ctx, "s1", patient, offer("o1")); err != nil {
		t.Fatalf("first offer: %v", err)
	}
	if _, err := svc.SendSignal(ctx, "s1", patient, offer("o2")); !errors.Is(err, ErrBadSignal) {
		t.Fatalf("expected ErrBadSignal for second pending offer, got %v", err)
	}
	// Once consumed, a fresh offer is allowed again.
	if _, err := svc.Poll(ctx, "s1", doctor); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if _, err := svc.SendSignal(ctx, "s1", patient, offer("o3")); err != nil {
		t.Fatalf("offer after consume: %v", err)
	}
}

func TestSignal_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Initiate(ctx, patient, doctor, "s1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	cases := []Signal{
		{Kind: "bogus", Payload: json.RawMessage(`{}`)},
		{Kind: SignalOffer},
		{Kind: SignalOffer, Payload: json.RawMessage(`{not json`)},
	}
	for _, sig := range cases {
		if _, err := svc.SendSignal(ctx, "s1", patient, sig); !errors.Is(err, ErrBadSignal) {
			t.Fatalf("%+v: expected ErrBadSignal, got %v", sig, err)
		}
	}

	small := NewService(NewMemoryRepo(), allowAllConns{}, Config{MaxSignalBytes: 8})
	if _, err := small.Initiate(ctx, patient, doctor, "s2"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := small.SendSignal(ctx, "s2", patient, offer("way-too-long-for-the-cap")); !errors.Is(err, ErrBadSignal) {
		t.Fatalf("expected ErrBadSignal for oversize payload, got %v", err)
	}
}

// Scenario: reject settles the session; caller observes rejected; further
// signals fail with ErrSessionEnded.
func TestRejectFlow(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Initiate(ctx, patient, doctor, "s1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := svc.Reject(ctx, "s1", doctor); err != nil {
		t.Fatalf("reject: %v", err)
	}

	res, err := svc.Poll(ctx, "s1", patient)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Session.Status != StatusRejected {
		t.Fatalf("expected rejected, got %s", res.Session.Status)
	}

	for _, sender := range []string{patient, doctor} {
		if _, err := svc.SendSignal(ctx, "s1", sender, candidate("c1")); !errors.Is(err, ErrSessionEnded) {
			t.Fatalf("signal from %s on rejected session: expected ErrSessionEnded, got %v", sender, err)
		}
	}
}

// Glare: accept and reject race; exactly one wins, the loser observes an
// invalid transition against the settled status.
func TestAcceptRejectGlare(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Initiate(ctx, patient, doctor, "s1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); _, errs[0] = svc.Accept(ctx, "s1", doctor) }()
	go func() { defer wg.Done(); _, errs[1] = svc.Reject(ctx, "s1", doctor) }()
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrInvalidTransition):
			losses++
		default:
			t.Fatalf("unexpected glare error: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("expected one winner and one loser, got %d/%d", wins, losses)
	}

	sess, err := svc.Poll(ctx, "s1", patient)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if sess.Session.Status != StatusActive && sess.Session.Status != StatusRejected {
		t.Fatalf("settled status must be active or rejected, got %s", sess.Session.Status)
	}
}

func TestEnd_Idempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Initiate(ctx, patient, doctor, "s1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := svc.Accept(ctx, "s1", doctor); err != nil {
		t.Fatalf("accept: %v", err)
	}

	s, err := svc.End(ctx, "s1", patient)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if s.Status != StatusEnded {
		t.Fatalf("expected ended, got %s", s.Status)
	}

	s, err = svc.End(ctx, "s1", doctor)
	if err != nil {
		t.Fatalf("second end must not error: %v", err)
	}
	if s.Status != StatusEnded {
		t.Fatalf("expected ended after second end, got %s", s.Status)
	}
}

func TestEnd_FromCalling(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Initiate(ctx, patient, doctor, "s1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	s, err := svc.End(ctx, "s1", patient)
	if err != nil {
		t.Fatalf("hangup before answer: %v", err)
	}
	if s.Status != StatusEnded {
		t.Fatalf("expected ended, got %s", s.Status)
	}
}

func TestPoll_StrangerUnauthorized(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Initiate(ctx, patient, doctor, "s1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := svc.Poll(ctx, "s1", "stranger"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := svc.Poll(ctx, "missing", patient); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// Scenario: a session stuck in calling past the timeout is swept to ended.
func TestSweepStale(t *testing.T) {
	repo := NewMemoryRepo()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	repo.SetClock(clock)

	svc := NewService(repo, allowAllConns{}, Config{StaleAfter: 60 * time.Second})
	svc.clock = clock

	ctx := context.Background()
	if _, err := svc.Initiate(ctx, patient, doctor, "stale"); err != nil {
		t.Fatalf("initiate stale: %v", err)
	}
	if _, err := svc.Initiate(ctx, "patient-2", doctor, "fresh"); err != nil {
		t.Fatalf("initiate fresh: %v", err)
	}
	if _, err := svc.Initiate(ctx, "patient-3", doctor, "answered"); err != nil {
		t.Fatalf("initiate answered: %v", err)
	}
	if _, err := svc.Accept(ctx, "answered", doctor); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Age only the first session past the timeout.
	now = now.Add(90 * time.Second)
	if _, err := svc.Initiate(ctx, "patient-4", doctor, "late"); err != nil {
		t.Fatalf("initiate late: %v", err)
	}

	// "answered" also aged, but active sessions are never swept.
	n, err := svc.SweepStale(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 { // "stale" and "fresh" both crossed the cutoff
		t.Fatalf("expected 2 swept, got %d", n)
	}

	for id, want := range map[string]Status{
		"stale":    StatusEnded,
		"fresh":    StatusEnded,
		"answered": StatusActive,
		"late":     StatusCalling,
	} {
		s, err := repo.GetSession(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if s.Status != want {
			t.Fatalf("%s: expected %s, got %s", id, want, s.Status)
		}
	}

	// A later poll on a swept session reports ended, not not-found.
	res, err := svc.Poll(ctx, "stale", patient)
	if err != nil {
		t.Fatalf("poll swept: %v", err)
	}
	if res.Session.Status != StatusEnded {
		t.Fatalf("expected ended, got %s", res.Session.Status)
	}
}

func TestSweepReleasesCallerSlot(t *testing.T) {
	repo := NewMemoryRepo()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	repo.SetClock(clock)

	slots := newFakeSlots()
	svc := NewService(repo, allowAllConns{}, Config{StaleAfter: 60 * time.Second}).WithSlots(slots)
	svc.clock = clock

	ctx := context.Background()
	if _, err := svc.Initiate(ctx, patient, doctor, "s1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := svc.SweepStale(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if slots.held[patient] != 0 {
		t.Fatalf("expected caller slot released by sweep, still held %d", slots.held[patient])
	}
}

// Full handshake: offer out, answer back, candidates both ways, teardown.
func TestOfferAnswerRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Initiate(ctx, patient, doctor, "s1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := svc.Accept(ctx, "s1", doctor); err != nil {
		t.Fatalf("accept: %v", err)
	}

	if _, err := svc.SendSignal(ctx, "s1", patient, offer("o1")); err != nil {
		t.Fatalf("offer: %v", err)
	}
	res, err := svc.Poll(ctx, "s1", doctor)
	if err != nil || len(res.Signals) != 1 || res.Signals[0].Kind != SignalOffer {
		t.Fatalf("doctor should see the offer: %v %+v", err, res.Signals)
	}

	if _, err := svc.SendSignal(ctx, "s1", doctor, answer("a1")); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if _, err := svc.SendSignal(ctx, "s1", doctor, candidate("dc1")); err != nil {
		t.Fatalf("doctor candidate: %v", err)
	}

	res, err = svc.Poll(ctx, "s1", patient)
	if err != nil {
		t.Fatalf("caller poll: %v", err)
	}
	if len(res.Signals) != 2 || res.Signals[0].Kind != SignalAnswer || res.Signals[1].Kind != SignalICECandidate {
		t.Fatalf("caller should see answer then candidate, got %+v", res.Signals)
	}

	if _, err := svc.End(ctx, "s1", doctor); err != nil {
		t.Fatalf("end: %v", err)
	}
	res, err = svc.Poll(ctx, "s1", patient)
	if err != nil {
		t.Fatalf("poll after end: %v", err)
	}
	if res.Session.Status != StatusEnded {
		t.Fatalf("expected ended, got %s", res.Session.Status)
	}
}
