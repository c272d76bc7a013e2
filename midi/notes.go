package midi

import (
	"errors"
	"fmt"
	"strconv"
)

var ErrBadNote = errors.New("midi: bad note name")

var noteNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// semitone offsets of the natural notes
var naturals = map[byte]int{'C': 0, 'D': 2, 'E': 4, 'F': 5, 'G': 7, 'A': 9, 'B': 11}

// NoteName returns the scientific pitch name of a MIDI key (60 = C4)
func NoteName(key uint8) string {
	return fmt.Sprintf("%s%d", noteNames[key%12], int(key/12)-1)
}

// ParseNote converts a name like C3, F#4 or Bb-1 to a MIDI key
func ParseNote(name string) (uint8, error) {
	if len(name) < 2 {
		return 0, fmt.Errorf("%w: %q", ErrBadNote, name)
	}

	pc, ok := naturals[name[0]]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrBadNote, name)
	}

	rest := name[1:]
	switch rest[0] {
	case '#':
		pc++
		rest = rest[1:]
	case 'b':
		pc--
		rest = rest[1:]
	}

	octave, err := strconv.Atoi(rest)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadNote, name)
	}

	key := (octave+1)*12 + pc
	if key < 0 || key > 127 {
		return 0, fmt.Errorf("%w: %q out of range", ErrBadNote, name)
	}
	return uint8(key), nil
}
