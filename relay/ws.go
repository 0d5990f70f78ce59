package relay

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hazyhaar/boardsync/kit"
	"github.com/hazyhaar/boardsync/shield"
)

// serveWebSocket handles GET /rooms/{room}/ws?client=ID.
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	roomName, err := url.PathUnescape(chi.URLParam(r, "room"))
	if err != nil || roomName == "" {
		writeError(w, http.StatusBadRequest, errors.New("invalid room"))
		return
	}
	client := r.URL.Query().Get("client")
	if client == "" {
		writeError(w, http.StatusBadRequest, errors.New("client is required"))
		return
	}

	log := shield.GetLogger(r.Context()).With("room", roomName, "client", client)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("relay: websocket upgrade failed", "error", err)
		return
	}

	ctx := kit.WithTransport(r.Context(), "websocket")
	ctx = kit.WithClientID(ctx, client)
	peer, err := s.hub.Join(ctx, roomName, client)
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	log = log.With("peer", peer.ID)
	writerDone := make(chan struct{})
	go s.wsWriter(conn, peer, log, writerDone)
	err = s.wsReader(conn, peer)
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Debug("relay: websocket read ended", "error", err)
	}

	s.hub.Leave(peer)
	<-writerDone
	conn.Close()
}

func (s *Server) wsReader(conn *websocket.Conn, peer *Peer) error {
	wait := 2 * s.opts.pingInterval
	conn.SetReadLimit(s.opts.maxFrame)
	conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(wait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.opts.writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(wait))
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		s.hub.Publish(peer, raw)
	}
}

// wsWriter owns every data write on conn. It ends when the peer is released,
// closing the socket so the reader returns too.
func (s *Server) wsWriter(conn *websocket.Conn, peer *Peer, log *slog.Logger, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.opts.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-peer.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
			return
		case frame := <-peer.Outbox():
			conn.SetWriteDeadline(time.Now().Add(s.opts.writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug("relay: websocket write failed", "error", err)
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.writeTimeout)); err != nil {
				conn.Close()
				return
			}
		}
	}
}
