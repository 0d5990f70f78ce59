package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hazyhaar/boardsync/connectivity"
)

// RoomURL builds the relay endpoint of a room: base + /rooms/{room}/ws?client=ID.
// An http(s) base is switched to ws(s).
func RoomURL(base, room, clientID string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	}
	return fmt.Sprintf("%s/rooms/%s/ws?client=%s", base, url.PathEscape(room), url.QueryEscape(clientID))
}

// WebSocket is a direct socket to a room on a relay. It reconnects with
// backoff until closed.
type WebSocket struct {
	machine
	url  string
	opts options

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	startOnce sync.Once
	cancel    context.CancelFunc
	loopDone  chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*WebSocket)(nil)

// NewWebSocket creates a transport for room on the relay at baseURL.
func NewWebSocket(baseURL, room, clientID string, opts ...Option) *WebSocket {
	o := buildOptions(opts)
	return &WebSocket{
		machine:  machine{channel: room, logger: o.logger},
		url:      RoomURL(baseURL, room, clientID),
		opts:     o,
		loopDone: make(chan struct{}),
	}
}

// Connect starts the connect/read/reconnect loop in the background.
func (w *WebSocket) Connect(ctx context.Context) error {
	if w.State() == StateClosed {
		return errors.New("transport: websocket closed")
	}
	w.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		w.cancel = cancel
		go w.loop(loopCtx)
	})
	return nil
}

func (w *WebSocket) loop(ctx context.Context) {
	defer close(w.loopDone)
	attempt := 0
	for ctx.Err() == nil {
		if err := w.transitionTo(StateConnecting, nil); err != nil {
			w.logger.Error("transport: BUG: websocket state", "error", err)
			return
		}
		conn, err := w.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.transitionTo(StateError, err)
			if connectivity.Sleep(ctx, w.opts.backoff.Delay(attempt)) != nil {
				return
			}
			attempt++
			continue
		}
		attempt = 0
		w.setConn(conn)
		w.transitionTo(StateConnected, nil)

		err = w.readLoop(ctx, conn)
		w.setConn(nil)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		w.transitionTo(StateDisconnected, err)
		if connectivity.Sleep(ctx, w.opts.backoff.Delay(0)) != nil {
			return
		}
	}
}

func (w *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	dial := func(ctx context.Context) error {
		c, resp, err := w.opts.dialer.DialContext(ctx, w.url, nil)
		if err != nil {
			if resp != nil {
				return fmt.Errorf("transport: dial %s: %s: %w", w.url, resp.Status, err)
			}
			return fmt.Errorf("transport: dial %s: %w", w.url, err)
		}
		conn = c
		return nil
	}
	if w.opts.breaker != nil {
		return conn, w.opts.breaker.Do(ctx, dial)
	}
	return conn, dial(ctx)
}

func (w *WebSocket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(w.opts.maxFrame)
	deadline := 2 * w.opts.pingInterval
	conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		t := time.NewTicker(w.opts.pingInterval)
		defer t.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-t.C:
				w.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.opts.writeTimeout))
				w.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(deadline))
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		w.deliver(raw)
	}
}

func (w *WebSocket) setConn(c *websocket.Conn) {
	w.connMu.Lock()
	w.conn = c
	w.connMu.Unlock()
}

// Publish writes msg as one text frame.
func (w *WebSocket) Publish(ctx context.Context, msg *Message) error {
	w.connMu.Lock()
	conn := w.conn
	w.connMu.Unlock()
	if conn == nil {
		return &ErrNotConnected{Channel: w.channel, State: w.State()}
	}
	raw, err := Encode(msg)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(w.opts.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("transport: websocket write: %w", err)
	}
	return nil
}

// Close stops the loop and closes the socket.
func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() {
		started := false
		w.startOnce.Do(func() { close(w.loopDone) })
		if w.cancel != nil {
			started = true
			w.cancel()
		}
		w.connMu.Lock()
		if w.conn != nil {
			w.writeMu.Lock()
			w.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			w.writeMu.Unlock()
			w.conn.Close()
		}
		w.connMu.Unlock()
		if started {
			<-w.loopDone
		}
		w.transitionTo(StateClosed, nil)
	})
	return nil
}
