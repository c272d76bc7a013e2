package sequencer

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"go-conductor/dispatch"
	"go-conductor/protocol"
)

// fakeClock advances by tick on every Now call to simulate time spent
// planning, and by d on every Sleep.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tick    time.Duration
	slept   []time.Duration
	onSleep func(n int)
}

func newFakeClock(tick time.Duration) *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0), tick: tick}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.tick)
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	n := len(c.slept)
	hook := c.onSleep
	c.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return ctx.Err()
}

type fakeSender struct {
	sent   []protocol.Command
	failAt int // 1-based send that fails; 0 never
	tries  int
	closed int
}

func (s *fakeSender) Send(cmd protocol.Command) error {
	s.tries++
	if s.failAt > 0 && s.tries >= s.failAt {
		return &dispatch.ConnectionError{Op: "write", Addr: "fake", Err: io.ErrClosedPipe}
	}
	s.sent = append(s.sent, cmd)
	return nil
}

func (s *fakeSender) Close() error {
	s.closed++
	return nil
}

type recordingPacer struct {
	delays []time.Duration
}

func (p *recordingPacer) Pace(ctx context.Context, d time.Duration) error {
	p.delays = append(p.delays, d)
	return ctx.Err()
}

func setupTestSession(t *testing.T, sender *fakeSender, clock *fakeClock) *Session {
	t.Helper()
	dial := func(context.Context) (Sender, error) { return sender, nil }
	s := NewSession(dial, NewLibrary(DefaultWarmupDivisor), DefaultSettings())
	s.SetClock(clock)
	s.SetPacer(dispatch.NopPacer{})
	return s
}

func TestSession_Start(t *testing.T) {
	sender := &fakeSender{}
	clock := newFakeClock(0)
	s := setupTestSession(t, sender, clock)

	if s.State() != Disconnected {
		t.Fatalf("expected Disconnected, got %s", s.State())
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if s.State() != Running {
		t.Errorf("expected Running, got %s", s.State())
	}
	if len(sender.sent) != 1 || sender.sent[0].Kind != protocol.SetTime {
		t.Fatalf("expected exactly one SET_TIME, got %+v", sender.sent)
	}
	if !sender.sent[0].Target.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("SET_TIME carries %v", sender.sent[0].Target)
	}
	if len(clock.slept) != 1 || clock.slept[0] != DefaultSettle {
		t.Errorf("expected settle delay, got %v", clock.slept)
	}

	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("double start: expected ErrAlreadyStarted, got %v", err)
	}
}

func TestSession_StartDialFailure(t *testing.T) {
	dialErr := &dispatch.ConnectionError{Op: "dial", Addr: "10.0.0.1:5000", Err: errors.New("connection refused")}
	s := NewSession(func(context.Context) (Sender, error) { return nil, dialErr },
		NewLibrary(4), DefaultSettings())

	err := s.Start(context.Background())
	var connErr *dispatch.ConnectionError
	if !errors.As(err, &connErr) || connErr.Op != "dial" {
		t.Fatalf("expected dial ConnectionError, got %v", err)
	}
	if s.State() != Disconnected {
		t.Errorf("expected Disconnected after failed dial, got %s", s.State())
	}
	if err := s.Stop(); err != nil {
		t.Errorf("stop without channel: %v", err)
	}
}

func TestSession_RunOncePrimary(t *testing.T) {
	sender := &fakeSender{}
	// Every clock read costs 3ms; spacing must not drift
	clock := newFakeClock(3 * time.Millisecond)
	s := setupTestSession(t, sender, clock)
	pacer := &recordingPacer{}
	s.SetPacer(pacer)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.RunOnce(context.Background(), PatternPrimary); err != nil {
		t.Fatalf("run once: %v", err)
	}

	plays := sender.sent[1:]
	if len(plays) != 8 {
		t.Fatalf("expected 8 PLAY commands, got %d", len(plays))
	}
	first := plays[0].Target
	for i, c := range plays {
		if want := first.Add(time.Duration(i) * 250 * time.Millisecond); !c.Target.Equal(want) {
			t.Errorf("PLAY %d at %v, want %v", i, c.Target, want)
		}
	}
	if d := plays[7].Target.Sub(plays[0].Target); d != 1750*time.Millisecond {
		t.Errorf("batch spans %s, want 1.75s", d)
	}

	if len(pacer.delays) != 7 {
		t.Errorf("expected 7 pacing waits, got %d", len(pacer.delays))
	}
	for _, d := range pacer.delays {
		if d != 5*time.Millisecond {
			t.Errorf("pacing %s, want 5ms", d)
		}
	}

	st := s.Stats()
	if st.Sent != 9 || st.Sequences != 1 || st.Sequence != PatternPrimary || len(st.Batch) != 8 || st.BatchSent != 8 {
		t.Errorf("unexpected stats: %+v", st)
	}
	if st.Late != 0 {
		t.Errorf("expected no late commands, got %d", st.Late)
	}
}

func TestSession_RunOnceInvalidPatternBeforeIO(t *testing.T) {
	dialed := false
	s := NewSession(func(context.Context) (Sender, error) {
		dialed = true
		return &fakeSender{}, nil
	}, NewLibrary(4), DefaultSettings())

	err := s.RunOnce(context.Background(), "nope")
	if !errors.Is(err, ErrInvalidPattern) {
		t.Fatalf("expected ErrInvalidPattern, got %v", err)
	}
	if dialed {
		t.Error("invalid pattern must not touch the network")
	}

	sender := &fakeSender{}
	s = setupTestSession(t, sender, newFakeClock(0))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.RunOnce(context.Background(), "nope"); !errors.Is(err, ErrInvalidPattern) {
		t.Fatalf("expected ErrInvalidPattern, got %v", err)
	}
	if len(sender.sent) != 1 {
		t.Errorf("expected only SET_TIME, got %d commands", len(sender.sent))
	}
}

func TestSession_RunOnceNotRunning(t *testing.T) {
	s := setupTestSession(t, &fakeSender{}, newFakeClock(0))
	if err := s.RunOnce(context.Background(), PatternPrimary); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}

func TestSession_SendFailureIsFatal(t *testing.T) {
	// SET_TIME is send 1, so the fourth PLAY is send 5
	sender := &fakeSender{failAt: 5}
	s := setupTestSession(t, sender, newFakeClock(0))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	err := s.RunOnce(context.Background(), PatternPrimary)
	var connErr *dispatch.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}

	if sender.tries != 5 {
		t.Errorf("expected 5 send attempts, got %d", sender.tries)
	}
	st := s.Stats()
	if st.Sent != 4 {
		t.Errorf("expected 4 completed sends, got %d", st.Sent)
	}
	if st.State != Stopped || !errors.Is(st.Err, io.ErrClosedPipe) {
		t.Errorf("unexpected final stats: %+v", st)
	}
	if sender.closed != 1 {
		t.Errorf("expected channel closed once, got %d", sender.closed)
	}

	if err := s.RunOnce(context.Background(), PatternPrimary); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning after failure, got %v", err)
	}
	if sender.tries != 5 {
		t.Errorf("no sends may follow a failure, got %d attempts", sender.tries)
	}
}

func TestSession_SetTimeFailure(t *testing.T) {
	sender := &fakeSender{failAt: 1}
	s := setupTestSession(t, sender, newFakeClock(0))

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if s.State() != Stopped {
		t.Errorf("expected Stopped, got %s", s.State())
	}
}

func TestSession_RunLoopsProgram(t *testing.T) {
	sender := &fakeSender{}
	clock := newFakeClock(0)
	s := setupTestSession(t, sender, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// settle, primary gap, warm-up gap, primary gap, warm-up gap
	clock.onSleep = func(n int) {
		if n == 5 {
			cancel()
		}
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if want := 1 + 2*(8+40); len(sender.sent) != want {
		t.Errorf("expected %d commands, got %d", want, len(sender.sent))
	}
	wantSleeps := []time.Duration{DefaultSettle, 3 * time.Second, 2200 * time.Millisecond, 3 * time.Second, 2200 * time.Millisecond}
	if len(clock.slept) != len(wantSleeps) {
		t.Fatalf("sleeps %v, want %v", clock.slept, wantSleeps)
	}
	for i := range wantSleeps {
		if clock.slept[i] != wantSleeps[i] {
			t.Errorf("sleep %d: %s, want %s", i, clock.slept[i], wantSleeps[i])
		}
	}
	if st := s.Stats(); st.Sequences != 4 {
		t.Errorf("expected 4 sequences, got %d", st.Sequences)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if sender.closed != 1 {
		t.Errorf("expected channel closed once, got %d", sender.closed)
	}
}

func TestSession_CancelBetweenSends(t *testing.T) {
	sender := &fakeSender{}
	s := setupTestSession(t, sender, newFakeClock(0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	plays := 0
	s.OnSend(func(c protocol.Command) {
		if c.Kind == protocol.Play {
			plays++
			if plays == 3 {
				cancel()
			}
		}
	})

	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if plays != 3 {
		t.Errorf("expected sending to stop after 3 PLAYs, got %d", plays)
	}
	if s.State() != Running {
		t.Errorf("cancellation alone must not stop the session, got %s", s.State())
	}
}

func TestSession_RunRejectsUnknownStep(t *testing.T) {
	sender := &fakeSender{}
	dial := func(context.Context) (Sender, error) { return sender, nil }
	settings := DefaultSettings()
	settings.Program = []Step{{Pattern: PatternPrimary}, {Pattern: "typo"}}

	s := NewSession(dial, NewLibrary(4), settings)
	s.SetClock(newFakeClock(0))
	s.SetPacer(dispatch.NopPacer{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Run(context.Background()); !errors.Is(err, ErrInvalidPattern) {
		t.Fatalf("expected ErrInvalidPattern, got %v", err)
	}
	if len(sender.sent) != 1 {
		t.Errorf("no PLAY may be sent, got %d commands", len(sender.sent))
	}
}

func TestSession_CountsLateCommands(t *testing.T) {
	sender := &fakeSender{}
	dial := func(context.Context) (Sender, error) { return sender, nil }
	settings := DefaultSettings()
	settings.Lookahead = 0

	s := NewSession(dial, NewLibrary(4), settings)
	s.SetClock(newFakeClock(time.Millisecond))
	s.SetPacer(dispatch.NopPacer{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.RunOnce(context.Background(), PatternPrimary); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if st := s.Stats(); st.Late == 0 {
		t.Error("expected the first PLAY to be reported late with zero look-ahead")
	}
}

// slowWriter takes delay per write, like a congested socket
type slowWriter struct {
	delay time.Duration

	mu     sync.Mutex
	writes int
	closes int
}

func (w *slowWriter) Write(p []byte) (int, error) {
	time.Sleep(w.delay)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes++
	return len(p), nil
}

func (w *slowWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closes++
	return nil
}

func (w *slowWriter) counts() (writes, closes int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes, w.closes
}

func startSlowSession(t *testing.T, w *slowWriter, gap time.Duration) *Session {
	t.Helper()
	dial := func(context.Context) (Sender, error) { return dispatch.New(w, "slow"), nil }
	settings := Settings{
		Lookahead: 10 * time.Millisecond,
		Spacing:   time.Millisecond,
		Program:   []Step{{Pattern: PatternWarmup, Gap: gap}},
	}
	s := NewSession(dial, NewLibrary(DefaultWarmupDivisor), settings)
	s.SetPacer(dispatch.NopPacer{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return s
}

func waitRun(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after Stop returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestSession_StopDuringSends(t *testing.T) {
	w := &slowWriter{delay: time.Millisecond}
	s := startSlowSession(t, w, time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	time.Sleep(5 * time.Millisecond)
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitRun(t, done)

	st := s.Stats()
	if st.Err != nil {
		t.Errorf("requested stop recorded an error: %v", st.Err)
	}
	if st.State != Stopped {
		t.Errorf("expected Stopped, got %s", st.State)
	}

	writes, closes := w.counts()
	if closes != 1 {
		t.Errorf("expected one close, got %d", closes)
	}
	if writes != st.Sent {
		t.Errorf("wrote %d lines, stats report %d", writes, st.Sent)
	}

	time.Sleep(5 * time.Millisecond)
	if after, _ := w.counts(); after != writes {
		t.Errorf("%d writes after Stop returned", after-writes)
	}
}

func TestSession_StopDuringGap(t *testing.T) {
	w := &slowWriter{}
	s := startSlowSession(t, w, time.Hour)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().Sequences == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first sequence never completed")
		}
		time.Sleep(time.Millisecond)
	}

	s.Stop()
	waitRun(t, done)
	if st := s.Stats(); st.Err != nil || st.Sent != 41 {
		t.Errorf("unexpected stats after stop: sent=%d err=%v", st.Sent, st.Err)
	}
}

func TestSession_StopBeforeRunOnce(t *testing.T) {
	sender := &fakeSender{}
	s := setupTestSession(t, sender, newFakeClock(0))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Stop()

	if err := s.RunOnce(context.Background(), PatternPrimary); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
	if len(sender.sent) != 1 {
		t.Errorf("sends after stop: %+v", sender.sent)
	}
}
