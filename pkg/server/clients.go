package server

import (
	"sync"

	"github.com/pairbox-io/pairbox/pkg/relay"
)

// clientSet tracks every live connection so graceful shutdown can drain
// them. It is not part of pairing; mailboxes hold their own peer handles.
type clientSet struct {
	mu    sync.Mutex
	peers map[uint64]*relay.Peer
}

func newClientSet() *clientSet {
	return &clientSet{peers: make(map[uint64]*relay.Peer)}
}

func (c *clientSet) add(p *relay.Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[p.ID()] = p
}

func (c *clientSet) remove(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, id)
}

func (c *clientSet) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}

// all snapshots the live peers; killing them happens outside the lock.
func (c *clientSet) all() []*relay.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	peers := make([]*relay.Peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	return peers
}
