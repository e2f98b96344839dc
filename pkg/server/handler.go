package server

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairbox-io/pairbox/pkg/mailbox"
	"github.com/pairbox-io/pairbox/pkg/protocol"
	"github.com/pairbox-io/pairbox/pkg/relay"
)

// HandleWebSocket drives one connection: upgrade, one handshake exchange,
// then the relay read loop until the connection dies. Every failure mode
// collapses to closing the connection without a reply; the protocol has no
// error frames.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(s.config.MaxMessageSize)

	peer := relay.NewPeer(conn, s.config.OutboxSize, s.logger)
	s.clients.add(peer)
	s.metrics.recordConnect()
	s.logger.Info("client connected", "peer", peer.ID(), "remote", r.RemoteAddr)

	var box *mailbox.Mailbox
	defer func() {
		// A panic in this handler must stay local to the connection: tear
		// its mailbox down and move on.
		if rec := recover(); rec != nil {
			s.logger.Error("connection handler panic",
				"peer", peer.ID(),
				"panic", rec,
				"stack", string(debug.Stack()))
		}
		if box != nil {
			s.closeMailbox(box, peer)
		}
		peer.Kill()
		s.clients.remove(peer.ID())
		s.metrics.recordDisconnect()
		s.logger.Info("client disconnected", "peer", peer.ID())
	}()

	box, err = s.handshake(r.Context(), conn, peer)
	if err != nil {
		s.logger.Debug("handshake failed", "peer", peer.ID(), "error", err)
		return
	}

	go peer.WriteLoop(s.config.WriteTimeout)

	s.readLoop(peer, box)
}

// handshake reads and answers the single handshake message. On success the
// reply (and, for a joiner, any pending creator frames) is already queued on
// the right outbox and the connection's mailbox is returned.
func (s *Server) handshake(ctx context.Context, conn *websocket.Conn, peer *relay.Peer) (*mailbox.Mailbox, error) {
	_, span := startHandshakeSpan(ctx)

	conn.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		s.metrics.recordHandshakeFailure(failureRead)
		endHandshakeSpan(span, "", 0, err)
		return nil, err
	}
	// Relay reads block indefinitely from here on; liveness is the peers'
	// concern, not the server's.
	conn.SetReadDeadline(time.Time{})

	req, err := protocol.ParseRequest(raw)
	if err != nil {
		s.metrics.recordHandshakeFailure(failureMalformed)
		endHandshakeSpan(span, "", 0, err)
		return nil, err
	}

	var box *mailbox.Mailbox
	switch req.Req {
	case protocol.ReqCreate:
		box, err = s.create(peer)
	case protocol.ReqConnect:
		box, err = s.connect(req.ID, peer)
	}
	if err != nil {
		endHandshakeSpan(span, req.Req, 0, err)
		return nil, err
	}
	endHandshakeSpan(span, req.Req, box.ID(), nil)
	return box, nil
}

// create allocates a Waiting mailbox for peer and queues the created reply.
func (s *Server) create(peer *relay.Peer) (*mailbox.Mailbox, error) {
	box, err := s.boxes.Create(peer)
	if err != nil {
		s.metrics.recordHandshakeFailure(failureCapacity)
		return nil, err
	}
	s.metrics.recordMailboxCreated()
	s.logger.Debug("mailbox created", "peer", peer.ID(), "mailbox", box.ID())

	reply := protocol.Created(box.ID()).Encode()
	if err := peer.Enqueue(relay.Message{Type: websocket.TextMessage, Data: reply}); err != nil {
		// The reply could not even be queued; give the identifier back.
		s.closeMailbox(box, peer)
		return nil, err
	}
	return box, nil
}

// connect joins peer to an existing Waiting mailbox. A missing identifier,
// an already-paired mailbox and a lost pairing race are all the same event
// at the wire: the connection just closes.
func (s *Server) connect(id uint32, peer *relay.Peer) (*mailbox.Mailbox, error) {
	box, ok := s.boxes.Get(id)
	if !ok {
		s.metrics.recordHandshakeFailure(failureNotFound)
		return nil, mailbox.ErrNotFound
	}

	reply := protocol.Connected(id).Encode()
	if err := box.Join(peer, relay.Message{Type: websocket.TextMessage, Data: reply}); err != nil {
		switch {
		case errors.Is(err, mailbox.ErrBusy):
			// A lost race leaves the winner's mailbox alone.
			s.metrics.recordHandshakeFailure(failureBusy)
		case errors.Is(err, mailbox.ErrClosing):
			// Creator abandoned after the CAS; nothing left to pair with.
			s.closeMailbox(box, peer)
			s.metrics.recordHandshakeFailure(failureClosing)
		default:
			// The join failed after winning the CAS, so the mailbox is
			// unusable and must cascade.
			s.closeMailbox(box, peer)
			s.metrics.recordHandshakeFailure(failureJoin)
		}
		return nil, err
	}
	s.metrics.recordPairing()
	s.logger.Debug("mailbox paired", "peer", peer.ID(), "mailbox", id)
	return box, nil
}

// readLoop is the per-connection half of the relay engine: every message
// read from peer is forwarded verbatim to its counterpart, in order, until
// a read or forward fails. Killing the peer closes the socket and lands
// here as a read error.
func (s *Server) readLoop(peer *relay.Peer, box *mailbox.Mailbox) {
	for {
		msg, err := peer.Read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				s.logger.Debug("read error", "peer", peer.ID(), "error", err)
			}
			return
		}
		if err := box.Forward(peer, msg); err != nil {
			s.logger.Debug("forward failed", "peer", peer.ID(), "mailbox", box.ID(), "error", err)
			return
		}
		s.metrics.recordRelayed(len(msg.Data))
	}
}

// closeMailbox removes the connection's mailbox and cascades the close to
// the counterpart. Both peers of a dead pairing run this; the detach is
// idempotent and the remove is identity-checked, so the late peer cannot
// touch a successor mailbox that reused the identifier.
func (s *Server) closeMailbox(box *mailbox.Mailbox, peer *relay.Peer) {
	kick, first := box.Detach(peer)
	s.boxes.Remove(box.ID(), box)
	if first {
		s.metrics.recordMailboxDestroyed()
		s.logger.Debug("mailbox destroyed", "mailbox", box.ID(), "peer", peer.ID())
	}
	if kick != nil {
		kick.Kill()
	}
}
