// Package registry holds the node's remembered peers and channels. Every
// operation is a locked load-modify-save cycle on one data file, so the
// overlay loop and UI commands can share a registry safely.
package registry

import (
	"sync"

	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/flipps12/chat-p2p/internal/store"
)

// Peers is the persisted set of known remote peers and their failure counters
type Peers struct {
	mu    sync.Mutex
	store *store.Store
	log   *zap.Logger
}

// NewPeers creates a peer registry backed by peers.json
func NewPeers(s *store.Store, log *zap.Logger) *Peers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Peers{store: s, log: log.Named("peers")}
}

// Exclusive runs fn while holding the registry lock
func (r *Peers) Exclusive(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn()
}

// update loads the collection, applies fn and saves the result when fn
// reports a change. Caller must not hold r.mu.
func (r *Peers) update(fn func(peers []store.PeerRecord) ([]store.PeerRecord, bool)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers, err := store.Load[store.PeerRecord](r.store, store.PeersFile)
	if err != nil {
		return err
	}
	peers, changed := fn(peers)
	if !changed {
		return nil
	}
	return store.Save(r.store, store.PeersFile, peers)
}

func indexOfPeer(peers []store.PeerRecord, peerID string) int {
	for i := range peers {
		if peers[i].PeerID == peerID {
			return i
		}
	}
	return -1
}

// List returns every known peer
func (r *Peers) List() ([]store.PeerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return store.Load[store.PeerRecord](r.store, store.PeersFile)
}

// Get returns the record for peerID
func (r *Peers) Get(peerID string) (store.PeerRecord, bool, error) {
	peers, err := r.List()
	if err != nil {
		return store.PeerRecord{}, false, err
	}
	if i := indexOfPeer(peers, peerID); i >= 0 {
		return peers[i], true, nil
	}
	return store.PeerRecord{}, false, nil
}

// FindByAddress returns the peer advertising addr
func (r *Peers) FindByAddress(addr string) (store.PeerRecord, bool, error) {
	peers, err := r.List()
	if err != nil {
		return store.PeerRecord{}, false, err
	}
	for _, p := range peers {
		if funk.ContainsString(p.Addresses, addr) {
			return p, true, nil
		}
	}
	return store.PeerRecord{}, false, nil
}

// Upsert replaces the record with the same peer ID or appends a new one. A
// record at MaxFailedAttempts or above is removed instead.
func (r *Peers) Upsert(peer store.PeerRecord) error {
	if peer.FailedAttempts >= store.MaxFailedAttempts {
		// already past the eviction threshold
		return r.Remove(peer.PeerID)
	}
	return r.update(func(peers []store.PeerRecord) ([]store.PeerRecord, bool) {
		if i := indexOfPeer(peers, peer.PeerID); i >= 0 {
			peers[i] = peer
			r.log.Debug("Updated peer", zap.String("peer", peer.PeerID))
			return peers, true
		}
		r.log.Debug("Added peer", zap.String("peer", peer.PeerID))
		return append(peers, peer), true
	})
}

// Remember records addresses for peerID, creating the record if needed.
// Existing failure counts are left alone.
func (r *Peers) Remember(peerID string, addrs ...string) error {
	return r.update(func(peers []store.PeerRecord) ([]store.PeerRecord, bool) {
		i := indexOfPeer(peers, peerID)
		if i < 0 {
			r.log.Debug("Remembered new peer", zap.String("peer", peerID), zap.Strings("addrs", addrs))
			return append(peers, store.PeerRecord{
				PeerID:    peerID,
				Addresses: cleanAddrs(addrs),
			}), true
		}

		changed := false
		for _, addr := range addrs {
			if addr == "" || funk.ContainsString(peers[i].Addresses, addr) {
				continue
			}
			peers[i].Addresses = append(peers[i].Addresses, addr)
			changed = true
		}
		return peers, changed
	})
}

func cleanAddrs(addrs []string) []string {
	nonEmpty := funk.FilterString(addrs, func(a string) bool { return a != "" })
	if len(nonEmpty) == 0 {
		return []string{}
	}
	return funk.UniqString(nonEmpty)
}

// Remove forgets peerID
func (r *Peers) Remove(peerID string) error {
	return r.update(func(peers []store.PeerRecord) ([]store.PeerRecord, bool) {
		i := indexOfPeer(peers, peerID)
		if i < 0 {
			return peers, false
		}
		r.log.Debug("Removed peer", zap.String("peer", peerID))
		return append(peers[:i], peers[i+1:]...), true
	})
}

// RecordFailure counts a failed connection attempt. A peer reaching
// MaxFailedAttempts is removed instead of saved with the new count.
func (r *Peers) RecordFailure(peerID string) (evicted bool, err error) {
	err = r.update(func(peers []store.PeerRecord) ([]store.PeerRecord, bool) {
		i := indexOfPeer(peers, peerID)
		if i < 0 {
			return peers, false
		}

		peers[i].FailedAttempts++
		if peers[i].FailedAttempts >= store.MaxFailedAttempts {
			r.log.Info("Evicting unreachable peer",
				zap.String("peer", peerID),
				zap.Uint8("failedAttempts", peers[i].FailedAttempts))
			evicted = true
			return append(peers[:i], peers[i+1:]...), true
		}
		r.log.Debug("Peer connection failed",
			zap.String("peer", peerID),
			zap.Uint8("failedAttempts", peers[i].FailedAttempts))
		return peers, true
	})
	if err != nil {
		return false, err
	}
	return evicted, nil
}

// RecordSuccess resets the failure counter of peerID
func (r *Peers) RecordSuccess(peerID string) error {
	return r.update(func(peers []store.PeerRecord) ([]store.PeerRecord, bool) {
		i := indexOfPeer(peers, peerID)
		if i < 0 || peers[i].FailedAttempts == 0 {
			return peers, false
		}
		peers[i].FailedAttempts = 0
		return peers, true
	})
}
