package protocol_test

import (
	"errors"
	"testing"
	"time"

	"go-conductor/protocol"
)

func TestEncode(t *testing.T) {
	at := time.Unix(1700000000, 450000*1000)

	tests := []struct {
		name string
		cmd  protocol.Command
		want string
	}{
		{"set time", protocol.SetTimeCommand(at), "SET_TIME 1700000000.450000\n"},
		{"play", protocol.PlayCommand("C3", at), "PLAY C3 1700000000.450000\n"},
		{"whole second", protocol.PlayCommand("G3", time.Unix(12, 0)), "PLAY G3 12.000000\n"},
		{"leading zeros", protocol.PlayCommand("A3", time.Unix(5, 7000)), "PLAY A3 5.000007\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := protocol.Encode(tt.cmd)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEncode_RoundsToMicrosecond(t *testing.T) {
	at := time.Unix(100, 1499)
	got, err := protocol.Encode(protocol.PlayCommand("C4", at))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "PLAY C4 100.000001\n" {
		t.Errorf("got %q", got)
	}

	at = time.Unix(100, 999999500)
	if got := protocol.FormatTimestamp(at); got != "101.000000" {
		t.Errorf("carry: got %q", got)
	}
}

func TestEncode_InvalidSymbol(t *testing.T) {
	for _, sym := range []string{"", "C 3", "C3\n", "\tC3"} {
		_, err := protocol.Encode(protocol.PlayCommand(sym, time.Unix(1, 0)))
		if !errors.Is(err, protocol.ErrInvalidSymbol) {
			t.Errorf("symbol %q: expected ErrInvalidSymbol, got %v", sym, err)
		}
	}
}

func TestEncode_SetTimeIgnoresSymbol(t *testing.T) {
	got, err := protocol.Encode(protocol.Command{Kind: protocol.SetTime, Target: time.Unix(3, 0)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "SET_TIME 3.000000\n" {
		t.Errorf("got %q", got)
	}
}

func TestParse_RoundTrip(t *testing.T) {
	targets := []time.Time{
		time.Unix(1700000000, 123456000),
		time.Unix(1700000002, 200000000),
		time.Unix(0, 1000),
		time.Unix(-3, -250000000),
	}

	for _, at := range targets {
		line, err := protocol.Encode(protocol.PlayCommand("E3", at))
		if err != nil {
			t.Fatalf("encode: %v", err)
		}

		cmd, err := protocol.Parse(line)
		if err != nil {
			t.Fatalf("parse %q: %v", line, err)
		}
		if cmd.Kind != protocol.Play || cmd.Symbol != "E3" {
			t.Errorf("parse %q: got %+v", line, cmd)
		}
		if !cmd.Target.Equal(at) {
			t.Errorf("parse %q: target %v, want %v", line, cmd.Target, at)
		}
	}
}

func TestParse_SetTime(t *testing.T) {
	cmd, err := protocol.Parse("SET_TIME 42.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Kind != protocol.SetTime {
		t.Errorf("expected SetTime, got %v", cmd.Kind)
	}
	if want := time.Unix(42, 500000000); !cmd.Target.Equal(want) {
		t.Errorf("target %v, want %v", cmd.Target, want)
	}
}

func TestParse_Malformed(t *testing.T) {
	lines := []string{
		"",
		"PLAY",
		"PLAY C3",
		"PLAY C3 abc",
		"PLAY C3 1.1234567",
		"STOP 12.0",
		"SET_TIME",
		"SET_TIME 1.0 extra",
		"PLAY  C3 1.0",
		"PLAY C3 +5.+1",
		"PLAY C3 +5.1",
		"PLAY C3 5.-1",
		"PLAY C3 --5.0",
		"PLAY C3 5.",
		"PLAY C3 .5",
		"PLAY C3 9223372036854.775807",
		"SET_TIME 99999999999999999999.0",
	}

	for _, line := range lines {
		if _, err := protocol.Parse(line); err == nil {
			t.Errorf("%q: expected error", line)
		}
	}
}
