package main

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"time"

	"go-conductor/debug"
	"go-conductor/protocol"
)

// Receiver applies the controller's command stream: SET_TIME aligns the
// local clock, PLAY is checked against it and handed to play.
type Receiver struct {
	Reply bool // write a status line back per command
	now   func() time.Time
	play  func(protocol.Command)

	mu     sync.Mutex
	offset time.Duration // controller clock minus local clock
	synced bool
	stats  ReceiverStats
}

// ReceiverStats counts what the receiver has seen
type ReceiverStats struct {
	Commands  int
	Late      int
	Malformed int
}

// NewReceiver creates a receiver. play may be nil.
func NewReceiver(play func(protocol.Command)) *Receiver {
	return &Receiver{now: time.Now, play: play}
}

// Stats returns a snapshot of the counters
func (r *Receiver) Stats() ReceiverStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Serve reads commands from rw until EOF. Replies, when enabled, are
// written to rw one line per command.
func (r *Receiver) Serve(rw io.ReadWriter, peer string) error {
	scanner := bufio.NewScanner(rw)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		reply := r.Handle(line)
		debug.Log("receiver", "%s: %q -> %s", peer, line, reply)
		if r.Reply {
			if _, err := fmt.Fprintln(rw, reply); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}

// Handle applies one line and returns the status line for it
func (r *Receiver) Handle(line string) string {
	cmd, err := protocol.Parse(line)
	now := r.now()

	r.mu.Lock()
	r.stats.Commands++
	if err != nil {
		r.stats.Malformed++
		r.mu.Unlock()
		return "ERR " + err.Error()
	}

	if cmd.Kind == protocol.SetTime {
		r.offset = cmd.Target.Sub(now)
		r.synced = true
		offset := r.offset
		r.mu.Unlock()
		return fmt.Sprintf("SYNC offset=%s", offset.Round(time.Microsecond))
	}

	if !r.synced {
		r.mu.Unlock()
		return "ERR PLAY before SET_TIME"
	}

	// Target on the local clock
	local := cmd.Target.Add(-r.offset)
	lead := local.Sub(now)
	late := lead <= 0
	if late {
		r.stats.Late++
	}
	r.mu.Unlock()

	if r.play != nil {
		r.play(protocol.PlayCommand(cmd.Symbol, local))
	}

	if late {
		return fmt.Sprintf("LATE %s by %s", cmd.Symbol, (-lead).Round(time.Microsecond))
	}
	return fmt.Sprintf("OK %s in %s", cmd.Symbol, lead.Round(time.Microsecond))
}
