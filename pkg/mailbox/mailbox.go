// Package mailbox implements the rendezvous core: a concurrent registry of
// pairing slots keyed by random 30-bit identifiers, and the per-mailbox
// lifecycle Waiting → Paired. A mailbox holds at most two peers; the second
// peer wins its slot through a single compare-and-swap on the state field,
// so racing joins have exactly one winner. Closed is not a stored state —
// closing a mailbox removes it from the registry, which also frees its
// identifier for reuse.
package mailbox

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pairbox-io/pairbox/pkg/relay"
)

// Mailbox states. Closed is modeled by absence from the registry.
const (
	StateWaiting int32 = iota
	StatePaired
)

var (
	// ErrNotFound reports a connect naming an identifier with no open
	// mailbox behind it.
	ErrNotFound = errors.New("mailbox: not found")

	// ErrBusy reports a join on a mailbox that already has two peers or
	// lost the pairing race. On the wire it is indistinguishable from
	// ErrNotFound; the distinction exists for logs and metrics only.
	ErrBusy = errors.New("mailbox: already paired")

	// ErrClosing reports an operation on a mailbox being torn down.
	ErrClosing = errors.New("mailbox: closing")

	// ErrPendingOverflow reports a creator that outran the pending buffer
	// while its mailbox was still waiting for a joiner.
	ErrPendingOverflow = errors.New("mailbox: pending buffer full")
)

// Mailbox is one pairing slot. The creator peer is present from
// construction; the joiner is set exactly once, by the winning Join.
type Mailbox struct {
	id    uint32
	state atomic.Int32

	mu      sync.Mutex
	creator *relay.Peer
	joiner  *relay.Peer
	closing bool

	// Frames the creator sends before a joiner arrives. Flushed into the
	// joiner's outbox right after the connected reply, ahead of anything
	// the creator sends later.
	pending      []relay.Message
	pendingLimit int
}

// New builds a Waiting mailbox owned by creator. pendingLimit bounds the
// pre-pairing buffer; it must not exceed the joiner outbox capacity minus
// one (the reply), or the flush in Join could overflow.
func New(id uint32, creator *relay.Peer, pendingLimit int) *Mailbox {
	return &Mailbox{
		id:           id,
		creator:      creator,
		pendingLimit: pendingLimit,
	}
}

// ID returns the mailbox identifier.
func (m *Mailbox) ID() uint32 { return m.id }

// State returns the current lifecycle state.
func (m *Mailbox) State() int32 { return m.state.Load() }

// Join attempts the Waiting → Paired transition for joiner. The transition
// is a single CAS: among concurrent joins exactly one succeeds, and every
// loser gets ErrBusy. The winner's connected reply and any pending creator
// frames are enqueued here, under the mailbox lock, so nothing the creator
// forwards afterwards can overtake them.
func (m *Mailbox) Join(joiner *relay.Peer, reply relay.Message) error {
	if !m.state.CompareAndSwap(StateWaiting, StatePaired) {
		return ErrBusy
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closing {
		// Creator abandoned between the CAS and here; the registry entry
		// is already gone or about to be.
		return ErrClosing
	}

	m.joiner = joiner
	if err := joiner.Enqueue(reply); err != nil {
		return err
	}
	for _, msg := range m.pending {
		if err := joiner.Enqueue(msg); err != nil {
			return err
		}
	}
	m.pending = nil
	return nil
}

// Forward routes one relayed message from a peer to its counterpart. While
// the mailbox is Waiting, creator frames go to the bounded pending buffer.
// The enqueue happens under the mailbox lock; together with Join this gives
// the per-direction FIFO guarantee across the pairing boundary. The lock
// never spans network I/O — enqueues are non-blocking channel sends.
func (m *Mailbox) Forward(from *relay.Peer, msg relay.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closing {
		return ErrClosing
	}

	var to *relay.Peer
	if from == m.creator {
		to = m.joiner
	} else {
		to = m.creator
	}

	if to == nil {
		if len(m.pending) >= m.pendingLimit {
			return ErrPendingOverflow
		}
		m.pending = append(m.pending, msg)
		return nil
	}
	return to.Enqueue(msg)
}

// Detach marks the mailbox closing on behalf of leaver. It returns the
// counterpart peer, if any, so the caller can kill it, and whether this
// call was the one that closed the mailbox. Idempotent; only the first call
// returns a peer to kick.
func (m *Mailbox) Detach(leaver *relay.Peer) (kick *relay.Peer, first bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closing {
		return nil, false
	}
	m.closing = true
	m.pending = nil

	if leaver == m.creator {
		return m.joiner, true
	}
	return m.creator, true
}
