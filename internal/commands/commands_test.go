package commands

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flipps12/chat-p2p/internal/pidfile"
	"github.com/flipps12/chat-p2p/internal/store"
)

func randomPeerID(t *testing.T) string {
	t.Helper()
	_, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	return id.String()
}

func useDataDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "data")
	DataDir = dir
	ConfigPath = ""
	t.Cleanup(func() {
		DataDir = ""
		ConfigPath = ""
	})
	return dir
}

func run(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	t.Cleanup(func() { cmd.SetOut(nil) })
	err := cmd.RunE(cmd, args)
	return out.String(), err
}

func TestDataDirFlagWins(t *testing.T) {
	dir := useDataDir(t)

	out, err := run(t, DataDirCmd)
	require.NoError(t, err)
	assert.Equal(t, dir+"\n", out)
}

func TestDataDirFromConfigFile(t *testing.T) {
	useDataDir(t)
	DataDir = ""
	other := filepath.Join(t.TempDir(), "elsewhere")
	path := filepath.Join(t.TempDir(), "p2p-chat.toml")
	require.NoError(t, os.WriteFile(path, []byte("[storage]\ndataDir = \""+filepath.ToSlash(other)+"\"\n"), 0o600))
	ConfigPath = path

	_, dir, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, filepath.ToSlash(other), filepath.ToSlash(dir))
}

func TestPeersListAndRemove(t *testing.T) {
	dir := useDataDir(t)
	testPeerID := randomPeerID(t)

	out, err := run(t, PeersCmd)
	require.NoError(t, err)
	assert.Contains(t, out, "No known peers")

	s := store.New(dir)
	require.NoError(t, store.Save(s, store.PeersFile, []store.PeerRecord{
		{PeerID: testPeerID, Addresses: []string{"/ip4/10.0.0.2/tcp/4001"}, FailedAttempts: 2},
	}))

	out, err = run(t, PeersCmd)
	require.NoError(t, err)
	assert.Contains(t, out, testPeerID)
	assert.Contains(t, out, "/ip4/10.0.0.2/tcp/4001")

	_, err = run(t, peersRemoveCmd, "not-a-peer")
	require.Error(t, err)

	_, err = run(t, peersRemoveCmd, testPeerID)
	require.NoError(t, err)
	peers, err := store.Load[store.PeerRecord](s, store.PeersFile)
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestChannelsAddListRemove(t *testing.T) {
	dir := useDataDir(t)

	channelUUID = "c1"
	t.Cleanup(func() { channelUUID = "" })
	_, err := run(t, channelsAddCmd, "general")
	require.NoError(t, err)

	channelUUID = ""
	_, err = run(t, channelsAddCmd, "random")
	require.NoError(t, err)

	out, err := run(t, ChannelsCmd)
	require.NoError(t, err)
	assert.Contains(t, out, "general")
	assert.Contains(t, out, "random")

	_, err = run(t, channelsRemoveCmd, "c1")
	require.NoError(t, err)

	channels, err := store.Load[store.ChannelRecord](store.New(dir), store.ChannelsFile)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "random", channels[0].Topic)
	assert.NotEmpty(t, channels[0].UUID)
}

func TestExportImportClear(t *testing.T) {
	dir := useDataDir(t)
	s := store.New(dir)
	require.NoError(t, store.Save(s, store.ChannelsFile, []store.ChannelRecord{{Topic: "general", UUID: "c1"}}))

	backup := filepath.Join(t.TempDir(), "backup")
	_, err := run(t, ExportCmd, backup)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(backup, store.ChannelsFile))

	_, err = run(t, ClearCmd)
	require.Error(t, err, "clear needs --yes")
	assert.FileExists(t, s.Path(store.ChannelsFile))

	clearYes = true
	t.Cleanup(func() { clearYes = false })
	_, err = run(t, ClearCmd)
	require.NoError(t, err)
	assert.NoFileExists(t, s.Path(store.ChannelsFile))

	_, err = run(t, ImportCmd, backup)
	require.NoError(t, err)
	channels, err := store.Load[store.ChannelRecord](s, store.ChannelsFile)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "c1", channels[0].UUID)
}

func TestMutationsRefusedWhileNodeRuns(t *testing.T) {
	dir := useDataDir(t)
	lock, err := pidfile.Acquire(dir)
	require.NoError(t, err)
	defer lock.Release()

	clearYes = true
	t.Cleanup(func() { clearYes = false })
	_, err = run(t, ClearCmd)
	assert.ErrorIs(t, err, pidfile.ErrLocked)

	_, err = run(t, channelsAddCmd, "general")
	assert.ErrorIs(t, err, pidfile.ErrLocked)

	// reads still work
	_, err = run(t, ChannelsCmd)
	assert.NoError(t, err)
}

func TestStatus(t *testing.T) {
	dir := useDataDir(t)

	out, err := run(t, StatusCmd)
	require.NoError(t, err)
	assert.Contains(t, out, "No node running")

	lock, err := pidfile.Acquire(dir)
	require.NoError(t, err)
	defer lock.Release()

	out, err = run(t, StatusCmd)
	require.NoError(t, err)
	assert.Contains(t, out, "Node running on "+dir)
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	VersionCmd.SetOut(&out)
	defer VersionCmd.SetOut(nil)
	VersionCmd.Run(VersionCmd, nil)
	assert.Equal(t, "p2p-chat version "+Version+"\n", out.String())
}
