package midi

import (
	"sync"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"

	"go-conductor/debug"
	"go-conductor/protocol"
)

// Monitor auditions PLAY commands on a local MIDI output at their target
// times, so a schedule can be heard without the remote host.
type Monitor struct {
	send     func(gomidi.Message) error
	Channel  uint8
	Velocity uint8
	Gate     time.Duration
	now      func() time.Time

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

// NewMonitor creates a monitor writing through send
func NewMonitor(send func(gomidi.Message) error) *Monitor {
	return &Monitor{
		send:     send,
		Velocity: 100,
		Gate:     200 * time.Millisecond,
		now:      time.Now,
		timers:   make(map[*time.Timer]struct{}),
	}
}

// Schedule queues note on/off for a PLAY. Other commands and symbols that
// are not note names are ignored.
func (m *Monitor) Schedule(cmd protocol.Command) {
	if cmd.Kind != protocol.Play {
		return
	}
	key, err := ParseNote(cmd.Symbol)
	if err != nil {
		debug.Log("monitor", "skip %s: %v", cmd.Symbol, err)
		return
	}

	m.after(cmd.Target.Sub(m.now()), func() {
		m.emit(gomidi.NoteOn(m.Channel, key, m.Velocity))
		m.after(m.Gate, func() {
			m.emit(gomidi.NoteOff(m.Channel, key))
		})
	})
}

func (m *Monitor) after(d time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		m.mu.Lock()
		_, live := m.timers[t]
		delete(m.timers, t)
		m.mu.Unlock()
		if live {
			fn()
		}
	})
	m.timers[t] = struct{}{}
}

func (m *Monitor) emit(msg gomidi.Message) {
	if err := m.send(msg); err != nil {
		debug.Log("monitor", "send %s: %v", msg, err)
	}
}

// Pending returns the number of notes not yet fully played
func (m *Monitor) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Close cancels everything still queued
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for t := range m.timers {
		t.Stop()
	}
	clear(m.timers)
}
