// Command receiver is a reference endpoint for go-conductor. It accepts the
// line protocol over TCP (and optionally WebSocket), aligns to SET_TIME and
// reports how far ahead each PLAY arrived.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/websocket"
	flag "github.com/spf13/pflag"
	gomidi "gitlab.com/gomidi/midi/v2"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv" // Register MIDI driver

	"go-conductor/debug"
	"go-conductor/midi"
	"go-conductor/protocol"
)

func main() {
	var (
		listen  string
		wsAddr  string
		reply   bool
		monitor string
		verbose bool
	)
	flag.StringVarP(&listen, "listen", "l", ":5000", "TCP listen address")
	flag.StringVar(&wsAddr, "ws", "", "also accept WebSocket clients on this address")
	flag.BoolVar(&reply, "reply", false, "write a status line back for every command")
	flag.StringVar(&monitor, "monitor", "", "play received notes on this local MIDI output")
	flag.BoolVarP(&verbose, "verbose", "v", false, "log every command")
	flag.Parse()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	debug.EnableWriter(os.Stderr, level)
	log := debug.Logger()

	var play func(protocol.Command)
	if monitor != "" {
		send, err := midi.OpenOutput(monitor)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer gomidi.CloseDriver()
		m := midi.NewMonitor(send)
		defer m.Close()
		play = m.Schedule
	}

	recv := NewReceiver(play)
	recv.Reply = reply

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log.Info("listening", "addr", ln.Addr().String())
	go acceptClients(ln, recv)

	if wsAddr != "" {
		srv := &http.Server{Addr: wsAddr, Handler: wsHandler(recv)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("websocket server", "err", err)
				stop()
			}
		}()
		defer srv.Close()
		log.Info("listening for websocket", "addr", wsAddr)
	}

	<-ctx.Done()
	ln.Close()
	st := recv.Stats()
	log.Info("shutting down", "commands", st.Commands, "late", st.Late, "malformed", st.Malformed)
}

// acceptClients accepts TCP connections until the listener is closed
func acceptClients(ln net.Listener, recv *Receiver) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			debug.Logger().Warn("accept", "err", err)
			continue
		}
		debug.Logger().Info("client connected", "peer", conn.RemoteAddr().String())
		go handleTCP(conn, recv)
	}
}

func handleTCP(conn net.Conn, recv *Receiver) {
	defer conn.Close()
	peer := conn.RemoteAddr().String()
	if err := recv.Serve(conn, peer); err != nil {
		debug.Logger().Warn("client error", "peer", peer, "err", err)
	}
	debug.Logger().Info("client disconnected", "peer", peer)
}

func wsHandler(recv *Receiver) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true, // allow any origin
		})
		if err != nil {
			debug.Logger().Warn("ws accept failed", "err", err)
			return
		}
		conn := websocket.NetConn(r.Context(), c, websocket.MessageText)
		defer conn.Close()

		peer := r.RemoteAddr
		debug.Logger().Info("ws client connected", "peer", peer)
		if err := recv.Serve(conn, peer); err != nil {
			debug.Logger().Debug("ws client ended", "peer", peer, "err", err)
		}
	})
}
