package midi

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"go-conductor/sequencer"
)

var ErrNoNotes = errors.New("midi: file has no notes")

// AllTracks reads note starts from every track
const AllTracks = -1

// ReadSequence imports the note starts of a Standard MIDI File as a
// recorded pattern. Offsets are relative to the first note and follow the
// file's tempo map; simultaneous notes keep file order.
func ReadSequence(r io.Reader, track int) (sequencer.Recorded, error) {
	var tracks []int
	if track != AllTracks {
		tracks = []int{track}
	}

	var events sequencer.Recorded
	var abs []int64

	err := smf.ReadTracksFrom(r, tracks...).Do(func(ev smf.TrackEvent) {
		var ch, key, vel uint8
		if !gomidi.Message(ev.Message).GetNoteStart(&ch, &key, &vel) {
			return
		}
		events = append(events, sequencer.Event{Symbol: NoteName(key)})
		abs = append(abs, ev.AbsMicroSeconds)
	}).Error()
	if err != nil {
		return nil, fmt.Errorf("midi: read smf: %w", err)
	}
	if len(events) == 0 {
		return nil, ErrNoNotes
	}

	// Tracks are delivered one after another; merge by time
	idx := make([]int, len(events))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return abs[idx[a]] < abs[idx[b]] })

	first := abs[idx[0]]
	out := make(sequencer.Recorded, len(events))
	for i, j := range idx {
		out[i] = events[j]
		out[i].Offset = time.Duration(abs[j]-first) * time.Microsecond
	}
	return out, nil
}

// LoadFile reads a .mid file from disk
func LoadFile(path string, track int) (sequencer.Recorded, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rec, err := ReadSequence(f, track)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rec, nil
}
