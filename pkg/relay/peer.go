// Package relay moves opaque messages between two paired connections. Each
// connection is wrapped in a Peer owning a bounded outbox; a write loop
// drains the outbox to the socket under a write deadline. The read side
// lives with the connection handler, which feeds the counterpart's outbox.
// Per direction the outbox gives strict FIFO; the bounded capacity plus the
// write deadline is the backpressure mechanism, so a slow receiver fails the
// pairing instead of growing a buffer.
package relay

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Message is one websocket message: its type (text or binary, in gorilla's
// numbering) and its payload. The relay never inspects Data.
type Message struct {
	Type int
	Data []byte
}

// Conn is the duplex message channel a Peer drives. *websocket.Conn
// satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ErrOutboxFull reports a receiver that cannot keep up with its sender.
var ErrOutboxFull = errors.New("relay: peer outbox full")

var peerSeq atomic.Uint64

// Peer wraps one client connection for the relay. Peers are created by the
// connection handler at upgrade time, before the handshake is read.
type Peer struct {
	id     uint64
	conn   Conn
	outbox chan Message
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// NewPeer wraps conn with an outbox of the given capacity.
func NewPeer(conn Conn, outboxSize int, logger *slog.Logger) *Peer {
	if logger == nil {
		logger = slog.Default()
	}
	id := peerSeq.Add(1)
	return &Peer{
		id:     id,
		conn:   conn,
		outbox: make(chan Message, outboxSize),
		done:   make(chan struct{}),
		logger: logger.With("peer", id),
	}
}

// ID returns the process-unique peer number, used only for logging.
func (p *Peer) ID() uint64 { return p.id }

// Enqueue places msg on the peer's outbox without blocking. It returns
// ErrOutboxFull when the write loop has fallen behind; callers treat that as
// a relay failure and tear the pairing down.
func (p *Peer) Enqueue(msg Message) error {
	// Checked separately from the send: with both cases ready select picks
	// arbitrarily, and a killed peer must never accept messages.
	select {
	case <-p.done:
		return errors.New("relay: peer closed")
	default:
	}
	select {
	case p.outbox <- msg:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Read blocks on the peer's socket for the next relayable message. Control
// frames are handled by the underlying connection and never surface here.
func (p *Peer) Read() (Message, error) {
	t, data, err := p.conn.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Data: data}, nil
}

// Kill closes the peer's socket and stops its write loop. Idempotent, safe
// from any goroutine; the blocked read in the connection handler is
// unblocked by the socket close.
func (p *Peer) Kill() {
	p.once.Do(func() {
		close(p.done)
		if err := p.conn.Close(); err != nil {
			p.logger.Debug("close error", "error", err)
		}
	})
}

// Done is closed once the peer has been killed.
func (p *Peer) Done() <-chan struct{} { return p.done }

// WriteLoop drains the outbox to the socket, applying writeTimeout to every
// write. It runs until the peer is killed or a write fails, and kills the
// peer on the way out so the paired read loop observes the failure.
func (p *Peer) WriteLoop(writeTimeout time.Duration) {
	defer p.Kill()

	for {
		select {
		case msg := <-p.outbox:
			p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMessage(msg.Type, msg.Data); err != nil {
				p.logger.Debug("write error", "error", err)
				return
			}

		case <-p.done:
			return
		}
	}
}
