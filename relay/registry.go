package relay

import (
	"github.com/shazow/chat-relay/set"
)

// Registry is the set of peers eligible to receive broadcasts.
type Registry struct {
	peers *set.Set
}

func NewRegistry() *Registry {
	return &Registry{peers: set.New()}
}

// Add registers an open peer. Returns set.ErrCollision if the id is taken and
// set.ErrNil if the peer is already closed.
func (r *Registry) Add(p *Peer) error {
	return r.peers.AddNew(p)
}

// Remove the peer with the given id. Removing an absent id is a no-op;
// the return value reports whether anything was removed.
func (r *Registry) Remove(id string) bool {
	return r.peers.Remove(id) == nil
}

// Get returns the open peer with the given id.
func (r *Registry) Get(id string) (*Peer, bool) {
	item, err := r.peers.Get(id)
	if err != nil {
		return nil, false
	}
	return item.(*Peer), true
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	return r.peers.Len()
}

// Snapshot returns the open peers at this moment.
func (r *Registry) Snapshot() []*Peer {
	items := r.peers.Snapshot()
	peers := make([]*Peer, 0, len(items))
	for _, item := range items {
		peers = append(peers, item.(*Peer))
	}
	return peers
}

// Clear unregisters every peer and returns them. The peers are not closed.
func (r *Registry) Clear() []*Peer {
	items := r.peers.Clear()
	peers := make([]*Peer, 0, len(items))
	for _, item := range items {
		peers = append(peers, item.(*Peer))
	}
	return peers
}
