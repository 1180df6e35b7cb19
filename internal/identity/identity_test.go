package identity

import (
	"os"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flipps12/chat-p2p/internal/store"
)

func TestLoadOrCreateIsStable(t *testing.T) {
	s := store.New(t.TempDir())

	first, err := NewManager(s, nil).LoadOrCreate()
	require.NoError(t, err)
	assert.EqualValues(t, crypto.Ed25519, first.Type())
	assert.FileExists(t, s.Path(store.IdentityFile))

	// a fresh manager on the same directory must not generate a new key
	second, err := NewManager(s, nil).LoadOrCreate()
	require.NoError(t, err)
	assert.True(t, first.Equals(second))

	id1, err := peer.IDFromPrivateKey(first)
	require.NoError(t, err)
	id2, err := peer.IDFromPrivateKey(second)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestLoadOrCreateRejectsCorruptIdentity(t *testing.T) {
	s := store.New(t.TempDir())
	require.NoError(t, s.SaveIdentity(store.NodeIdentity{PrivateKey: "not-base64!", PublicKey: ""}))
	before, err := os.ReadFile(s.Path(store.IdentityFile))
	require.NoError(t, err)

	_, err = NewManager(s, nil).LoadOrCreate()
	require.Error(t, err)

	after, err := os.ReadFile(s.Path(store.IdentityFile))
	require.NoError(t, err)
	assert.Equal(t, before, after, "corrupt identity must not be overwritten")
}

func TestDecodeRejectsMismatchedPublicKey(t *testing.T) {
	a, _, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	b, _, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)

	idA, err := Encode(a)
	require.NoError(t, err)
	idB, err := Encode(b)
	require.NoError(t, err)

	_, err = Decode(store.NodeIdentity{PrivateKey: idA.PrivateKey, PublicKey: idB.PublicKey})
	assert.Error(t, err)

	decoded, err := Decode(idA)
	require.NoError(t, err)
	assert.True(t, a.Equals(decoded))
}
