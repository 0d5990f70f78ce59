package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/hazyhaar/boardsync/kit"
	"github.com/hazyhaar/boardsync/transport"
)

// QUIC connection error codes.
const (
	quicCodeDone quic.ApplicationErrorCode = iota
	quicCodeProtocol
	quicCodeALPN
	quicCodeShutdown
)

// QUICListener serves the broadcast-channel protocol: one bidirectional
// stream per subscription, opened with the magic bytes and a join frame,
// then length-prefixed frames in both directions.
type QUICListener struct {
	ln   *quic.Listener
	hub  *Hub
	opts options
}

// ListenQUIC binds addr. tlsCfg must advertise transport.ALPN; see
// ServerTLSConfig and SelfSignedTLSConfig.
func ListenQUIC(addr string, tlsCfg *tls.Config, hub *Hub, opts ...Option) (*QUICListener, error) {
	ln, err := quic.ListenAddr(addr, tlsCfg, transport.QUICConfig())
	if err != nil {
		return nil, fmt.Errorf("relay: quic listen %s: %w", addr, err)
	}
	o := buildOptions(opts)
	o.logger.Info("relay: quic listener ready", "addr", ln.Addr().String())
	return &QUICListener{ln: ln, hub: hub, opts: o}, nil
}

// Addr is the bound UDP address.
func (l *QUICListener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until ctx is cancelled. Live connections are
// closed on cancellation.
func (l *QUICListener) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { l.ln.Close() })
	defer stop()

	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("relay: quic accept: %w", err)
		}

		if alpn := conn.ConnectionState().TLS.NegotiatedProtocol; alpn != transport.ALPN {
			conn.CloseWithError(quicCodeALPN, "unsupported ALPN: "+alpn)
			continue
		}
		go l.serveConn(ctx, conn)
	}
}

// Close stops accepting connections.
func (l *QUICListener) Close() error { return l.ln.Close() }

func (l *QUICListener) serveConn(ctx context.Context, conn *quic.Conn) {
	remote := conn.RemoteAddr().String()
	log := l.opts.logger.With("remote", remote)
	stop := context.AfterFunc(ctx, func() { conn.CloseWithError(quicCodeShutdown, "shutdown") })
	defer stop()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		log.Debug("relay: quic accept stream failed", "error", err)
		conn.CloseWithError(quicCodeProtocol, "no stream")
		return
	}
	if err := transport.ReadMagic(stream); err != nil {
		log.Warn("relay: quic handshake rejected", "error", err)
		conn.CloseWithError(quicCodeProtocol, "bad magic")
		return
	}
	raw, err := transport.ReadFrame(stream, l.opts.maxFrame)
	if err != nil {
		log.Warn("relay: quic join read failed", "error", err)
		conn.CloseWithError(quicCodeProtocol, "no join")
		return
	}
	join, err := transport.Decode(raw)
	if err != nil || join.Type != transport.TypeJoin {
		log.Warn("relay: quic first frame is not a join", "error", err)
		conn.CloseWithError(quicCodeProtocol, "expected join")
		return
	}

	peerCtx := kit.WithTransport(ctx, "quic")
	peerCtx = kit.WithRemoteAddr(peerCtx, remote)
	peer, err := l.hub.Join(peerCtx, join.Channel, join.Client)
	if err != nil {
		log.Warn("relay: quic join refused", "error", err)
		conn.CloseWithError(quicCodeProtocol, err.Error())
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-peer.Done():
				conn.CloseWithError(quicCodeDone, "left")
				return
			case frame := <-peer.Outbox():
				stream.SetWriteDeadline(time.Now().Add(l.opts.writeTimeout))
				if err := transport.WriteFrame(stream, frame); err != nil {
					log.Debug("relay: quic write failed", "peer", peer.ID, "error", err)
					conn.CloseWithError(quicCodeDone, "write failed")
					return
				}
			}
		}
	}()

	for {
		frame, err := transport.ReadFrame(stream, l.opts.maxFrame)
		if err != nil {
			log.Debug("relay: quic read ended", "peer", peer.ID, "error", err)
			break
		}
		l.hub.Publish(peer, frame)
	}

	l.hub.Leave(peer)
	<-writerDone
	conn.CloseWithError(quicCodeDone, "done")
}
