package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Kind identifies a wire command
type Kind int

const (
	SetTime Kind = iota
	Play
)

// Wire keywords
const (
	KeywordSetTime = "SET_TIME"
	KeywordPlay    = "PLAY"
)

// Delimiter terminates every command on the wire
const Delimiter = '\n'

var (
	ErrInvalidSymbol = errors.New("protocol: invalid symbol")
	ErrMalformed     = errors.New("protocol: malformed command")
)

func (k Kind) String() string {
	switch k {
	case SetTime:
		return KeywordSetTime
	case Play:
		return KeywordPlay
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Command is one scheduled instruction for the receiver.
// SetTime commands carry the controller clock in Target and no Symbol.
type Command struct {
	Kind   Kind
	Symbol string
	Target time.Time
}

// SetTimeCommand returns a clock-sync directive for now
func SetTimeCommand(now time.Time) Command {
	return Command{Kind: SetTime, Target: now}
}

// PlayCommand returns a PLAY for symbol at target
func PlayCommand(symbol string, target time.Time) Command {
	return Command{Kind: Play, Symbol: symbol, Target: target}
}

// ValidSymbol reports whether s can be carried in a PLAY line
func ValidSymbol(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSymbol)
	}
	if strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidSymbol, s)
	}
	return nil
}

// Encode renders c as a single newline-terminated line
func Encode(c Command) (string, error) {
	b, err := Append(nil, c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Append appends the encoded line for c to dst
func Append(dst []byte, c Command) ([]byte, error) {
	switch c.Kind {
	case SetTime:
		dst = append(dst, KeywordSetTime...)
	case Play:
		if err := ValidSymbol(c.Symbol); err != nil {
			return dst, err
		}
		dst = append(dst, KeywordPlay...)
		dst = append(dst, ' ')
		dst = append(dst, c.Symbol...)
	default:
		return dst, fmt.Errorf("%w: unknown kind %d", ErrMalformed, int(c.Kind))
	}
	dst = append(dst, ' ')
	dst = AppendTimestamp(dst, c.Target)
	return append(dst, Delimiter), nil
}

// Parse decodes one line (with or without its delimiter)
func Parse(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Split(line, " ")

	switch {
	case len(fields) == 2 && fields[0] == KeywordSetTime:
		t, err := ParseTimestamp(fields[1])
		if err != nil {
			return Command{}, err
		}
		return SetTimeCommand(t), nil

	case len(fields) == 3 && fields[0] == KeywordPlay:
		if err := ValidSymbol(fields[1]); err != nil {
			return Command{}, err
		}
		t, err := ParseTimestamp(fields[2])
		if err != nil {
			return Command{}, err
		}
		return PlayCommand(fields[1], t), nil
	}

	return Command{}, fmt.Errorf("%w: %q", ErrMalformed, line)
}

// FormatTimestamp prints t as epoch seconds with six fractional digits
func FormatTimestamp(t time.Time) string {
	return string(AppendTimestamp(nil, t))
}

// AppendTimestamp is the allocation-free form of FormatTimestamp.
// t is rounded to the nearest microsecond.
func AppendTimestamp(dst []byte, t time.Time) []byte {
	us := t.Round(time.Microsecond).UnixMicro()
	if us < 0 {
		dst = append(dst, '-')
		us = -us
	}
	dst = strconv.AppendInt(dst, us/1e6, 10)
	dst = append(dst, '.')
	frac := us % 1e6
	for div := int64(1e5); div > 0; div /= 10 {
		dst = append(dst, byte('0'+frac/div%10))
	}
	return dst
}

// maxSeconds keeps seconds*1e6 inside int64
const maxSeconds = math.MaxInt64/1_000_000 - 1

// ParseTimestamp reads epoch seconds with up to six fractional digits.
// Only an optional leading '-' is accepted besides digits and one '.'.
func ParseTimestamp(s string) (time.Time, error) {
	bad := func() (time.Time, error) {
		return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrMalformed, s)
	}

	neg := strings.HasPrefix(s, "-")
	whole, frac, dot := strings.Cut(strings.TrimPrefix(s, "-"), ".")
	if !digits(whole) || len(frac) > 6 || (dot && !digits(frac)) {
		return bad()
	}

	sec, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || sec > maxSeconds {
		return bad()
	}

	var us int64
	if dot {
		us, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return bad()
		}
		for i := len(frac); i < 6; i++ {
			us *= 10
		}
	}

	total := sec*1e6 + us
	if neg {
		total = -total
	}
	return time.UnixMicro(total), nil
}

func digits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
