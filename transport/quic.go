package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hazyhaar/boardsync/connectivity"
	"github.com/quic-go/quic-go"
)

const (
	// ALPN is the TLS application protocol of the broadcast-channel service.
	ALPN = "boardsync/1"
	// MagicBytes opens every stream.
	MagicBytes = "BRD1"
	// MaxFrameSize caps a single frame. Full snapshots of large pages are
	// the biggest frames.
	MaxFrameSize = 16 << 20
)

// QUICConfig returns the QUIC config shared by the client and the relay.
func QUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  time.Minute,
		KeepAlivePeriod: 15 * time.Second,
		Allow0RTT:       false,
	}
}

// ClientTLSConfig returns a TLS config for dialing the relay.
// insecureSkipVerify is for local development only.
func ClientTLSConfig(insecureSkipVerify bool) *tls.Config {
	return &tls.Config{
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: insecureSkipVerify,
	}
}

// WriteFrame writes a 4-byte big-endian length followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame len: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame written by WriteFrame.
func ReadFrame(r io.Reader, max int64) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int64(n) > max {
		return nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return buf, nil
}

// ReadMagic checks the stream preamble.
func ReadMagic(r io.Reader) error {
	magic := make([]byte, len(MagicBytes))
	if _, err := io.ReadFull(r, magic); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != MagicBytes {
		return fmt.Errorf("invalid magic: %q", magic)
	}
	return nil
}

// QUIC subscribes to a channel of the broadcast-channel service over one
// bidirectional QUIC stream. It reconnects with backoff until closed.
type QUIC struct {
	machine
	addr   string
	client string
	opts   options

	connMu  sync.Mutex
	conn    *quic.Conn
	stream  *quic.Stream
	writeMu sync.Mutex

	startOnce sync.Once
	cancel    context.CancelFunc
	loopDone  chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*QUIC)(nil)

// NewQUIC creates a subscription to channel on the service at addr.
// Without WithTLSConfig the client verifies the server certificate.
func NewQUIC(addr, channel, clientID string, opts ...Option) *QUIC {
	o := buildOptions(opts)
	if o.tlsConfig == nil {
		o.tlsConfig = ClientTLSConfig(false)
	}
	return &QUIC{
		machine:  machine{channel: channel, logger: o.logger},
		addr:     addr,
		client:   clientID,
		opts:     o,
		loopDone: make(chan struct{}),
	}
}

// Connect starts the connect/read/reconnect loop in the background.
func (q *QUIC) Connect(ctx context.Context) error {
	if q.State() == StateClosed {
		return errors.New("transport: quic closed")
	}
	q.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		q.cancel = cancel
		go q.loop(loopCtx)
	})
	return nil
}

func (q *QUIC) loop(ctx context.Context) {
	defer close(q.loopDone)
	attempt := 0
	for ctx.Err() == nil {
		if err := q.transitionTo(StateConnecting, nil); err != nil {
			q.logger.Error("transport: BUG: quic state", "error", err)
			return
		}
		conn, stream, err := q.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.transitionTo(StateError, err)
			if connectivity.Sleep(ctx, q.opts.backoff.Delay(attempt)) != nil {
				return
			}
			attempt++
			continue
		}
		attempt = 0
		q.connMu.Lock()
		q.conn, q.stream = conn, stream
		q.connMu.Unlock()
		q.transitionTo(StateConnected, nil)

		err = q.readLoop(stream)
		q.connMu.Lock()
		q.conn, q.stream = nil, nil
		q.connMu.Unlock()
		conn.CloseWithError(0, "done")
		if ctx.Err() != nil {
			return
		}
		q.transitionTo(StateDisconnected, err)
		if connectivity.Sleep(ctx, q.opts.backoff.Delay(0)) != nil {
			return
		}
	}
}

func (q *QUIC) dial(ctx context.Context) (*quic.Conn, *quic.Stream, error) {
	var (
		conn   *quic.Conn
		stream *quic.Stream
	)
	dial := func(ctx context.Context) error {
		c, err := quic.DialAddr(ctx, q.addr, q.opts.tlsConfig, QUICConfig())
		if err != nil {
			return fmt.Errorf("transport: quic dial %s: %w", q.addr, err)
		}
		s, err := c.OpenStreamSync(ctx)
		if err != nil {
			c.CloseWithError(1, "open stream failed")
			return fmt.Errorf("transport: quic open stream: %w", err)
		}
		join, err := Encode(&Message{Type: TypeJoin, Channel: q.channel, Client: q.client})
		if err != nil {
			c.CloseWithError(1, "encode failed")
			return err
		}
		if _, err := s.Write([]byte(MagicBytes)); err != nil {
			c.CloseWithError(1, "write failed")
			return fmt.Errorf("transport: quic magic: %w", err)
		}
		if err := WriteFrame(s, join); err != nil {
			c.CloseWithError(1, "write failed")
			return fmt.Errorf("transport: quic join: %w", err)
		}
		conn, stream = c, s
		return nil
	}
	var err error
	if q.opts.breaker != nil {
		err = q.opts.breaker.Do(ctx, dial)
	} else {
		err = dial(ctx)
	}
	return conn, stream, err
}

func (q *QUIC) readLoop(stream *quic.Stream) error {
	for {
		raw, err := ReadFrame(stream, q.opts.maxFrame)
		if err != nil {
			return err
		}
		q.deliver(raw)
	}
}

// Publish writes msg as one frame on the subscription stream.
func (q *QUIC) Publish(ctx context.Context, msg *Message) error {
	q.connMu.Lock()
	stream := q.stream
	q.connMu.Unlock()
	if stream == nil {
		return &ErrNotConnected{Channel: q.channel, State: q.State()}
	}
	raw, err := Encode(msg)
	if err != nil {
		return err
	}
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	stream.SetWriteDeadline(time.Now().Add(q.opts.writeTimeout))
	if err := WriteFrame(stream, raw); err != nil {
		return fmt.Errorf("transport: quic publish: %w", err)
	}
	return nil
}

// Close stops the loop and closes the connection.
func (q *QUIC) Close() error {
	q.closeOnce.Do(func() {
		started := false
		q.startOnce.Do(func() { close(q.loopDone) })
		if q.cancel != nil {
			started = true
			q.cancel()
		}
		q.connMu.Lock()
		if q.conn != nil {
			q.stream.Close()
			q.conn.CloseWithError(0, "closed")
		}
		q.connMu.Unlock()
		if started {
			<-q.loopDone
		}
		q.transitionTo(StateClosed, nil)
	})
	return nil
}
