package dispatch

import (
	"context"
	"net"

	"github.com/coder/websocket"
)

// dialWebSocket opens a WebSocket and exposes it as a byte stream: each
// command line becomes one text frame. Without read-back the read side is
// drained by the library so control frames are still answered.
func dialWebSocket(ctx context.Context, target Target, readBack bool) (net.Conn, error) {
	conn, _, err := websocket.Dial(ctx, target.URL(), nil)
	if err != nil {
		return nil, err
	}

	// The stream must outlive the dial context
	streamCtx := context.Background()
	if !readBack {
		streamCtx = conn.CloseRead(streamCtx)
	}
	return websocket.NetConn(streamCtx, conn, websocket.MessageText), nil
}
