package mailbox

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/pairbox-io/pairbox/pkg/relay"
)

// idMask cuts a random draw down to the 30-bit identifier space.
const idMask = 1<<30 - 1

// shardCount splits the registry map so create/connect/remove bursts on
// different identifiers never contend on one lock.
const shardCount = 64

// ErrCapacity reports a create refused because the registry already holds
// the configured maximum of open mailboxes.
var ErrCapacity = errors.New("mailbox: registry at capacity")

// Registry is the concurrent identifier → mailbox store. It owns capacity
// accounting: the open-mailbox count can never exceed the configured
// maximum, even under concurrent creates. Construct one per server and pass
// it by reference; it holds process-wide state with a bounded lifecycle.
type Registry struct {
	maxOpen      int64
	pendingLimit int
	count        atomic.Int64
	shards       [shardCount]shard

	// newID draws one candidate identifier. Overridable in tests to force
	// collisions.
	newID func() uint32
}

type shard struct {
	mu    sync.Mutex
	boxes map[uint32]*Mailbox
}

// NewRegistry builds an empty registry. maxOpen bounds Waiting + Paired
// mailboxes; pendingLimit is handed to every mailbox it creates.
func NewRegistry(maxOpen int64, pendingLimit int) *Registry {
	r := &Registry{
		maxOpen:      maxOpen,
		pendingLimit: pendingLimit,
		newID:        func() uint32 { return rand.Uint32() & idMask },
	}
	for i := range r.shards {
		r.shards[i].boxes = make(map[uint32]*Mailbox)
	}
	return r
}

func (r *Registry) shard(id uint32) *shard {
	return &r.shards[id%shardCount]
}

// reserve claims one slot against the capacity bound. The CAS loop makes
// the check-and-increment atomic, so concurrent creates at the bound cannot
// overshoot it.
func (r *Registry) reserve() bool {
	for {
		n := r.count.Load()
		if n >= r.maxOpen {
			return false
		}
		if r.count.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// insertReserved inserts box if its identifier is absent. The caller must
// hold a capacity reservation.
func (r *Registry) insertReserved(id uint32, box *Mailbox) bool {
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.boxes[id]; exists {
		return false
	}
	s.boxes[id] = box
	return true
}

// InsertIfAbsent atomically inserts box under id if the identifier is free
// and the registry is below capacity. The single primitive covers both
// checks, so there is no check-then-act window for either.
func (r *Registry) InsertIfAbsent(id uint32, box *Mailbox) bool {
	if !r.reserve() {
		return false
	}
	if !r.insertReserved(id, box) {
		r.count.Add(-1)
		return false
	}
	return true
}

// Create allocates a fresh identifier, builds a Waiting mailbox owned by
// creator and inserts it. Identifiers are uniform random 30-bit values;
// on collision the draw is simply repeated. With the default capacity at
// roughly a tenth of the identifier space the expected number of redraws
// stays near one even at full load, and the loop is bounded in practice by
// the capacity reservation taken up front.
func (r *Registry) Create(creator *relay.Peer) (*Mailbox, error) {
	if !r.reserve() {
		return nil, ErrCapacity
	}
	for {
		id := r.newID()
		box := New(id, creator, r.pendingLimit)
		if r.insertReserved(id, box) {
			return box, nil
		}
	}
}

// Get looks up an open mailbox.
func (r *Registry) Get(id uint32) (*Mailbox, bool) {
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	box, ok := s.boxes[id]
	return box, ok
}

// Remove deletes the mailbox stored under id, releasing its identifier and
// its capacity slot. Identifiers are reusable the moment they are released,
// so removal is identity-checked: both peers of a dead pairing tear down at
// their own pace, and the late one must not delete an unrelated mailbox that
// has since claimed the same identifier. Removing an absent or replaced
// entry is a no-op.
func (r *Registry) Remove(id uint32, box *Mailbox) {
	s := r.shard(id)
	s.mu.Lock()
	cur, ok := s.boxes[id]
	if ok && cur == box {
		delete(s.boxes, id)
	} else {
		ok = false
	}
	s.mu.Unlock()
	if ok {
		r.count.Add(-1)
	}
}

// Count reports the number of open mailboxes (Waiting + Paired).
func (r *Registry) Count() int64 {
	return r.count.Load()
}
