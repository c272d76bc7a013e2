package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go-conductor/debug"
	"go-conductor/dispatch"
	"go-conductor/protocol"
)

// State is the session lifecycle
type State int

const (
	Disconnected State = iota
	Connected          // transport up, clock not yet synced
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connected:
		return "CONNECTED"
	case Running:
		return "RUNNING"
	case Stopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	ErrAlreadyStarted = errors.New("sequencer: session already started")
	ErrNotRunning     = errors.New("sequencer: session not running")
)

// DefaultSettle is the pause after SET_TIME before the first sequence
const DefaultSettle = 50 * time.Millisecond

// Sender is the session's view of a dispatch channel
type Sender interface {
	Send(cmd protocol.Command) error
	Close() error
}

// Dialer establishes the transport for Start
type Dialer func(ctx context.Context) (Sender, error)

// Step is one entry of the running program: play Pattern, then wait Gap.
// Pacing is the delay handed to the pacer between consecutive sends.
type Step struct {
	Pattern string
	Gap     time.Duration
	Pacing  time.Duration
}

// DefaultProgram alternates the primary run and the warm-up drill
func DefaultProgram() []Step {
	return []Step{
		{Pattern: PatternPrimary, Gap: 3 * time.Second, Pacing: 5 * time.Millisecond},
		{Pattern: PatternWarmup, Gap: 2200 * time.Millisecond, Pacing: time.Millisecond},
	}
}

// Settings holds the timing knobs of a session
type Settings struct {
	Lookahead time.Duration
	Spacing   time.Duration // base spacing handed to patterns
	Settle    time.Duration
	Program   []Step
}

// DefaultSettings mirrors config.DefaultConfig
func DefaultSettings() Settings {
	return Settings{
		Lookahead: DefaultLookahead,
		Spacing:   250 * time.Millisecond,
		Settle:    DefaultSettle,
		Program:   DefaultProgram(),
	}
}

// Stats is a snapshot for observers
type Stats struct {
	State     State
	Sent      int // commands fully written, SET_TIME included
	Late      int // PLAY commands whose target had passed when sent
	Sequences int // sequences completed
	Sequence  string
	Batch     []protocol.Command // last planned batch
	BatchSent int                // how much of Batch has been written
	Last      protocol.Command
	Err       error
}

// Session drives one receiver: sync its clock once, then play sequences
type Session struct {
	dial     Dialer
	library  *Library
	settings Settings
	clock    Clock
	pacer    dispatch.Pacer
	onSend   func(protocol.Command)

	mu     sync.RWMutex
	sender Sender
	stats  Stats
	done   chan struct{} // closed by Stop

	// Notify observers of updates
	UpdateChan chan struct{}
}

// NewSession creates a disconnected session
func NewSession(dial Dialer, library *Library, settings Settings) *Session {
	return &Session{
		dial:       dial,
		library:    library,
		settings:   settings,
		clock:      SystemClock,
		pacer:      dispatch.SleepPacer{},
		done:       make(chan struct{}),
		UpdateChan: make(chan struct{}, 1),
	}
}

// SetClock replaces the wall clock (tests)
func (s *Session) SetClock(c Clock) {
	s.clock = c
}

// SetPacer replaces the inter-send pacing strategy
func (s *Session) SetPacer(p dispatch.Pacer) {
	s.pacer = p
}

// OnSend registers a hook called after every successful send
func (s *Session) OnSend(fn func(protocol.Command)) {
	s.onSend = fn
}

// Library returns the patterns the session plays from
func (s *Session) Library() *Library {
	return s.library
}

// Settings returns the session's timing settings
func (s *Session) Settings() Settings {
	return s.settings
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats.State
}

// Stats returns a snapshot of the session counters
func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.stats
	st.Batch = append([]protocol.Command(nil), s.stats.Batch...)
	return st
}

// Start connects, sends one SET_TIME and waits the settle delay.
// A dial failure leaves the session Disconnected.
func (s *Session) Start(ctx context.Context) error {
	if s.State() != Disconnected {
		return ErrAlreadyStarted
	}

	sender, err := s.dial(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
	s.setState(Connected)

	ctx, cancel := s.stopContext(ctx)
	defer cancel()

	if err := s.send(s.clockSync()); err != nil {
		return s.quiet(err)
	}

	if err := s.clock.Sleep(ctx, s.settings.Settle); err != nil {
		return s.quiet(err)
	}

	s.setState(Running)
	return nil
}

func (s *Session) clockSync() protocol.Command {
	return protocol.SetTimeCommand(s.clock.Now())
}

// RunOnce plans and sends the named sequence. Unknown names fail with
// ErrInvalidPattern before anything is written.
func (s *Session) RunOnce(ctx context.Context, name string) error {
	seq, err := s.library.Generate(name, s.settings.Spacing)
	if err != nil {
		return err
	}

	if s.State() != Running {
		return ErrNotRunning
	}

	// One reference time for the whole batch
	ref := s.clock.Now()
	batch := Plan(seq, ref, s.settings.Lookahead)

	s.mu.Lock()
	s.stats.Sequence = name
	s.stats.Batch = batch
	s.stats.BatchSent = 0
	s.mu.Unlock()

	debug.Log("session", "sequence %s: %d events, span=%s, first target=%s",
		name, seq.Len(), seq.Span(), protocol.FormatTimestamp(ref.Add(s.settings.Lookahead)))

	ctx, cancel := s.stopContext(ctx)
	defer cancel()

	pacing := s.pacingFor(name)
	for i, cmd := range batch {
		if i > 0 {
			if err := s.pacer.Pace(ctx, pacing); err != nil {
				return s.quiet(err)
			}
		}
		if err := ctx.Err(); err != nil {
			return s.quiet(err)
		}
		if err := s.send(cmd); err != nil {
			return s.quiet(err)
		}
	}

	s.mu.Lock()
	if s.stats.State == Stopped {
		s.mu.Unlock()
		return nil
	}
	s.stats.Sequences++
	s.mu.Unlock()
	s.notify()
	return nil
}

// Run loops the program until ctx is cancelled, Stop is called or a send
// fails. Cancellation and Stop return nil.
func (s *Session) Run(ctx context.Context) error {
	if len(s.settings.Program) == 0 {
		return fmt.Errorf("%w: empty program", ErrInvalidPattern)
	}
	// Fail fast on typos before the first send
	for _, step := range s.settings.Program {
		seq, err := s.library.Generate(step.Pattern, s.settings.Spacing)
		if err != nil {
			return err
		}
		if step.Gap < seq.Span() {
			debug.Log("session", "gap after %s (%s) is shorter than its span (%s)", step.Pattern, step.Gap, seq.Span())
		}
	}

	runCtx, cancel := s.stopContext(ctx)
	defer cancel()

	for {
		for _, step := range s.settings.Program {
			if err := s.RunOnce(runCtx, step.Pattern); err != nil {
				if ctx.Err() != nil || s.stopRequested() {
					return nil
				}
				return err
			}
			if s.State() == Stopped {
				return nil
			}
			if err := s.clock.Sleep(runCtx, step.Gap); err != nil {
				return nil
			}
		}
	}
}

// Stop closes the channel. It is the only cleanup, is safe to repeat and
// may be called while Run is in progress: the run ends after the send in
// flight and returns nil.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.stats.State == Stopped {
		s.mu.Unlock()
		return nil
	}
	s.stats.State = Stopped
	sender := s.sender
	close(s.done)
	s.mu.Unlock()
	s.notify()

	if sender == nil {
		return nil
	}
	debug.Log("session", "stopping")
	return sender.Close()
}

// stopRequested reports a Stop that was not caused by a send failure
func (s *Session) stopRequested() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats.State == Stopped && s.stats.Err == nil
}

// quiet swallows errors caused by a requested Stop
func (s *Session) quiet(err error) error {
	if s.stopRequested() {
		return nil
	}
	return err
}

// stopContext derives a context that is also cancelled by Stop
func (s *Session) stopContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (s *Session) pacingFor(name string) time.Duration {
	for _, step := range s.settings.Program {
		if step.Pattern == name {
			return step.Pacing
		}
	}
	return 0
}

// send writes one command; any failure stops the session for good
func (s *Session) send(cmd protocol.Command) error {
	s.mu.RLock()
	sender, state := s.sender, s.stats.State
	s.mu.RUnlock()
	if state == Stopped {
		return ErrNotRunning
	}

	late := cmd.Kind == protocol.Play && !s.clock.Now().Before(cmd.Target)

	if err := sender.Send(cmd); err != nil {
		// A concurrent Stop closed the channel under this write
		if s.stopRequested() {
			return ErrNotRunning
		}
		s.fail(err)
		return err
	}

	s.mu.Lock()
	s.stats.Sent++
	s.stats.Last = cmd
	if cmd.Kind == protocol.Play {
		s.stats.BatchSent++
	}
	if late {
		s.stats.Late++
	}
	s.mu.Unlock()

	if late {
		debug.Log("session", "late %s %s: target already passed", cmd.Symbol, protocol.FormatTimestamp(cmd.Target))
	}
	if s.onSend != nil {
		s.onSend(cmd)
	}
	s.notify()
	return nil
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.stats.Err = err
	s.mu.Unlock()
	debug.Log("session", "fatal: %v", err)
	s.Stop()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.stats.State == Stopped {
		s.mu.Unlock()
		return
	}
	s.stats.State = st
	s.mu.Unlock()
	debug.Log("session", "state=%s", st)
	s.notify()
}

func (s *Session) notify() {
	select {
	case s.UpdateChan <- struct{}{}:
	default:
	}
}
