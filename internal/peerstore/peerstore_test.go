package peerstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), DefaultDBFileName)
	store, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, dbPath
}

func TestSaveAndLoadPeer(t *testing.T) {
	store, _ := openTestStore(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	peer := Peer{
		PeerID:      "ABCD1234",
		DisplayName: "Alice",
		PublicKey:   "pk-alice",
		SessionKey:  []byte("0123456789abcdef0123456789abcdef"),
		TrustedAt:   now,
		LastSeen:    now,
		Alias:       "al",
	}
	require.NoError(t, store.SavePeer(peer))

	got, err := store.Peer("ABCD1234")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.DisplayName)
	assert.Equal(t, "pk-alice", got.PublicKey)
	assert.Equal(t, peer.SessionKey, got.SessionKey)
	assert.Equal(t, now, got.TrustedAt)
	assert.Equal(t, "al", got.Alias)
	assert.False(t, got.IsBlocked)

	_, err = store.Peer("missing")
	assert.ErrorIs(t, err, ErrPeerNotFound)
}

func TestSessionKeyEncryptedAtRest(t *testing.T) {
	store, dbPath := openTestStore(t)

	sessionKey := []byte("super-secret-session-key-32bytes")
	require.NoError(t, store.SavePeer(Peer{
		PeerID: "p1", DisplayName: "A", PublicKey: "pk", SessionKey: sessionKey,
	}))

	// The raw database file must not contain the plaintext key.
	raw, err := os.ReadFile(dbPath)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), string(sessionKey))

	got, err := store.SessionKey("p1")
	require.NoError(t, err)
	assert.Equal(t, sessionKey, got)
}

func TestSessionKeySurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), DefaultDBFileName)
	store, err := Open(dbPath)
	require.NoError(t, err)

	sessionKey := []byte("another-secret-session-key-32byt")
	require.NoError(t, store.SavePeer(Peer{
		PeerID: "p1", DisplayName: "A", PublicKey: "pk", SessionKey: sessionKey,
	}))
	require.NoError(t, store.Close())

	reopened, err := Open(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.SessionKey("p1")
	require.NoError(t, err)
	assert.Equal(t, sessionKey, got)
}

func TestMasterKeyFilePermissions(t *testing.T) {
	_, dbPath := openTestStore(t)

	info, err := os.Stat(dbPath + ".key")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestWrongMasterKeyFailsDecryption(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), DefaultDBFileName)
	store, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.SavePeer(Peer{
		PeerID: "p1", DisplayName: "A", PublicKey: "pk",
		SessionKey: []byte("key-material-encrypted-at-rest!!"),
	}))
	require.NoError(t, store.Close())

	// Replacing the master key makes stored keys unreadable.
	require.NoError(t, os.Remove(dbPath+".key"))
	reopened, err := Open(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.SessionKey("p1")
	assert.ErrorIs(t, err, ErrKeyDecrypt)
}

func TestBlockUnblock(t *testing.T) {
	store, _ := openTestStore(t)
	require.NoError(t, store.SavePeer(Peer{PeerID: "p1", DisplayName: "A", PublicKey: "pk"}))

	assert.True(t, store.IsTrusted("p1"))
	assert.True(t, store.IsTrustedByPublicKey("pk"))

	require.NoError(t, store.BlockPeer("p1"))
	assert.False(t, store.IsTrusted("p1"))
	assert.False(t, store.IsTrustedByPublicKey("pk"))

	peers, err := store.Peers()
	require.NoError(t, err)
	assert.Empty(t, peers)

	require.NoError(t, store.UnblockPeer("p1"))
	assert.True(t, store.IsTrusted("p1"))

	assert.ErrorIs(t, store.BlockPeer("nope"), ErrPeerNotFound)
}

func TestRemovePeer(t *testing.T) {
	store, _ := openTestStore(t)
	require.NoError(t, store.SavePeer(Peer{PeerID: "p1", DisplayName: "A", PublicKey: "pk"}))
	require.NoError(t, store.RemovePeer("p1"))
	assert.False(t, store.IsTrusted("p1"))

	require.NoError(t, store.RemovePeer("p1"))
}

func TestSaveSessionKeyRequiresPeer(t *testing.T) {
	store, _ := openTestStore(t)
	err := store.SaveSessionKey("ghost", []byte("k"))
	assert.ErrorIs(t, err, ErrPeerNotFound)
}
