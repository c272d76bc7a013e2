package midi

import (
	"errors"
	"fmt"
	"strings"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

var ErrPortNotFound = errors.New("midi: output port not found")

// scanTimeout guards against drivers that hang while listing ports
const scanTimeout = 3 * time.Second

// OutputNames lists the MIDI output ports of the registered driver
func OutputNames() ([]string, error) {
	outs, err := outPorts()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(outs))
	for i, p := range outs {
		names[i] = p.String()
	}
	return names, nil
}

// OpenOutput opens the first output whose name contains name
// (case-insensitive) and returns its sender
func OpenOutput(name string) (func(gomidi.Message) error, error) {
	outs, err := outPorts()
	if err != nil {
		return nil, err
	}

	want := strings.ToLower(name)
	for _, p := range outs {
		if strings.Contains(strings.ToLower(p.String()), want) {
			send, err := gomidi.SendTo(p)
			if err != nil {
				return nil, fmt.Errorf("midi: open %s: %w", p.String(), err)
			}
			return send, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrPortNotFound, name)
}

func outPorts() ([]drivers.Out, error) {
	ch := make(chan []drivers.Out, 1)
	go func() {
		ch <- gomidi.GetOutPorts()
	}()

	select {
	case outs := <-ch:
		return outs, nil
	case <-time.After(scanTimeout):
		return nil, errors.New("midi: timed out listing ports")
	}
}
