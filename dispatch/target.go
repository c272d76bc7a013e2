package dispatch

import (
	"net"
	"net/url"
	"strconv"
)

// Transport selects how the byte stream is carried
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportWS  Transport = "ws"
	TransportWSS Transport = "wss"
)

// Target is the receiver endpoint
type Target struct {
	Transport Transport
	Host      string
	Port      int
	Path      string // WebSocket only
}

// Addr returns host:port
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// URL returns the WebSocket URL for ws/wss targets
func (t Target) URL() string {
	path := t.Path
	if path == "" {
		path = "/"
	}
	u := url.URL{Scheme: string(t.Transport), Host: t.Addr(), Path: path}
	return u.String()
}

func (t Target) String() string {
	switch t.Transport {
	case TransportWS, TransportWSS:
		return t.URL()
	default:
		return t.Addr()
	}
}
