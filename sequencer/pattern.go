package sequencer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Built-in pattern names
const (
	PatternPrimary = "primary"
	PatternWarmup  = "warmup"
)

// DefaultWarmupDivisor makes the warm-up four times denser than the primary sequence
const DefaultWarmupDivisor = 4

var ErrInvalidPattern = errors.New("sequencer: invalid pattern")

// Event is one logical action, positioned relative to the start of its sequence
type Event struct {
	Symbol string
	Offset time.Duration
}

// Sequence is an ordered batch of events sharing one time base.
// Order is note order and must not be changed.
type Sequence struct {
	Name   string
	Events []Event
}

// Len returns the number of events
func (s Sequence) Len() int {
	return len(s.Events)
}

// Span returns the offset of the last event (0 for empty sequences)
func (s Sequence) Span() time.Duration {
	if len(s.Events) == 0 {
		return 0
	}
	return s.Events[len(s.Events)-1].Offset
}

// Pattern produces events for a base spacing. Implementations must be
// deterministic and free of side effects.
type Pattern interface {
	Events(spacing time.Duration) []Event
}

// Scale is a fixed list of symbols played at a uniform spacing.
// Repeat plays the list that many times back to back (0 means once);
// Divisor shrinks the spacing (0 means 1).
type Scale struct {
	Symbols []string
	Repeat  int
	Divisor int
}

func (s Scale) Events(spacing time.Duration) []Event {
	repeat := max(s.Repeat, 1)
	if s.Divisor > 1 {
		spacing /= time.Duration(s.Divisor)
	}

	events := make([]Event, 0, len(s.Symbols)*repeat)
	for r := 0; r < repeat; r++ {
		for _, sym := range s.Symbols {
			i := len(events)
			events = append(events, Event{
				Symbol: sym,
				Offset: time.Duration(i) * spacing,
			})
		}
	}
	return events
}

// Recorded is a pattern with fixed offsets (e.g. imported from a MIDI file).
// The spacing argument is ignored.
type Recorded []Event

func (r Recorded) Events(time.Duration) []Event {
	events := make([]Event, len(r))
	copy(events, r)
	return events
}

// PrimaryScale is the ascending C major run C3..C4
func PrimaryScale() Scale {
	return Scale{
		Symbols: []string{"C3", "D3", "E3", "F3", "G3", "A3", "B3", "C4"},
	}
}

// WarmupScale is the descending drill played four times at divisor density
func WarmupScale(divisor int) Scale {
	return Scale{
		Symbols: []string{"C4", "G3", "A3", "F3", "G3", "E3", "F3", "D3", "E3", "C3"},
		Repeat:  4,
		Divisor: divisor,
	}
}

// Library maps pattern names to patterns
type Library struct {
	mu       sync.RWMutex
	patterns map[string]Pattern
}

// NewLibrary returns a library holding the built-in primary and warm-up patterns
func NewLibrary(warmupDivisor int) *Library {
	if warmupDivisor < 1 {
		warmupDivisor = DefaultWarmupDivisor
	}
	l := &Library{patterns: make(map[string]Pattern)}
	l.patterns[PatternPrimary] = PrimaryScale()
	l.patterns[PatternWarmup] = WarmupScale(warmupDivisor)
	return l
}

// Register adds or replaces a named pattern
func (l *Library) Register(name string, p Pattern) error {
	if name == "" || p == nil {
		return fmt.Errorf("%w: empty name or nil pattern", ErrInvalidPattern)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.patterns[name] = p
	return nil
}

// Has reports whether name is registered
func (l *Library) Has(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.patterns[name]
	return ok
}

// Names returns the registered pattern names, sorted
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.patterns))
	for name := range l.patterns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Generate builds the named sequence for a base spacing
func (l *Library) Generate(name string, spacing time.Duration) (Sequence, error) {
	l.mu.RLock()
	p, ok := l.patterns[name]
	l.mu.RUnlock()
	if !ok {
		return Sequence{}, fmt.Errorf("%w: %q", ErrInvalidPattern, name)
	}
	return Sequence{Name: name, Events: p.Events(spacing)}, nil
}
