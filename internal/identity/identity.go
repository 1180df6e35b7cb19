// Package identity loads or creates the node's long-term libp2p key pair.
package identity

import (
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/flipps12/chat-p2p/internal/store"
)

// Manager guards identity.json
type Manager struct {
	mu    sync.Mutex
	store *store.Store
	log   *zap.Logger
}

// NewManager creates an identity manager for s
func NewManager(s *store.Store, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: s, log: log.Named("identity")}
}

// Exclusive runs fn while holding the identity lock
func (m *Manager) Exclusive(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn()
}

// LoadOrCreate returns the stored private key, generating and persisting a
// new Ed25519 key on first run. A stored identity that cannot be decoded is an
// error, never a reason to generate a new one.
func (m *Manager) LoadOrCreate() (crypto.PrivKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.store.LoadIdentity()
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	if stored != nil {
		priv, err := Decode(*stored)
		if err != nil {
			return nil, err
		}
		m.log.Debug("Loaded identity", zap.String("peerID", peerIDString(priv)))
		return priv, nil
	}

	priv, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, -1, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	id, err := Encode(priv)
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveIdentity(id); err != nil {
		return nil, fmt.Errorf("failed to save identity: %w", err)
	}
	m.log.Info("Created new identity", zap.String("peerID", peerIDString(priv)))
	return priv, nil
}

// Encode converts a private key to its stored form
func Encode(priv crypto.PrivKey) (store.NodeIdentity, error) {
	privBytes, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return store.NodeIdentity{}, fmt.Errorf("failed to marshal private key: %w", err)
	}
	pubBytes, err := crypto.MarshalPublicKey(priv.GetPublic())
	if err != nil {
		return store.NodeIdentity{}, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return store.NodeIdentity{
		PrivateKey: crypto.ConfigEncodeKey(privBytes),
		PublicKey:  crypto.ConfigEncodeKey(pubBytes),
	}, nil
}

// Decode parses a stored identity and checks that both halves belong together
func Decode(id store.NodeIdentity) (crypto.PrivKey, error) {
	keyBytes, err := crypto.ConfigDecodeKey(id.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	priv, err := crypto.UnmarshalPrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal private key: %w", err)
	}

	if id.PublicKey != "" {
		pubBytes, err := crypto.ConfigDecodeKey(id.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("failed to decode public key: %w", err)
		}
		pub, err := crypto.UnmarshalPublicKey(pubBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal public key: %w", err)
		}
		if !pub.Equals(priv.GetPublic()) {
			return nil, fmt.Errorf("stored public key does not match private key")
		}
	}
	return priv, nil
}

func peerIDString(priv crypto.PrivKey) string {
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return "<invalid>"
	}
	return pid.String()
}
