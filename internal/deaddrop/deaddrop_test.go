package deaddrop

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hamza-Labs-Core/zajel-sub000/internal/crypto"
)

func pairedServices(t *testing.T) (*crypto.Service, *crypto.Service, string, string) {
	t.Helper()

	alice := crypto.NewService()
	require.NoError(t, alice.Initialize())
	bob := crypto.NewService()
	require.NoError(t, bob.Initialize())

	alicePub, err := alice.PublicKeyBase64()
	require.NoError(t, err)
	bobPub, err := bob.PublicKeyBase64()
	require.NoError(t, err)

	aliceID, err := alice.StableID()
	require.NoError(t, err)
	bobID, err := bob.StableID()
	require.NoError(t, err)

	_, err = alice.PerformKeyExchange(bobID, bobPub)
	require.NoError(t, err)
	_, err = bob.PerformKeyExchange(aliceID, alicePub)
	require.NoError(t, err)

	return alice, bob, aliceID, bobID
}

func TestCreateAndDecryptRoundTrip(t *testing.T) {
	alice, bob, aliceID, bobID := pairedServices(t)

	alicePub, err := alice.PublicKeyBase64()
	require.NoError(t, err)

	info := NewConnectionInfo(alicePub)
	info.RelayID = "relay-eu-1"
	info.FallbackRelays = []string{"relay-us-2"}

	envelope, err := Create(alice, bobID, info)
	require.NoError(t, err)

	got, err := Decrypt(bob, aliceID, envelope)
	require.NoError(t, err)
	assert.Equal(t, alicePub, got.PublicKey)
	assert.Equal(t, "relay-eu-1", got.RelayID)
	assert.Equal(t, []string{"relay-us-2"}, got.FallbackRelays)
}

func TestCreateWithoutSessionKey(t *testing.T) {
	alice := crypto.NewService()
	require.NoError(t, alice.Initialize())

	_, err := Create(alice, "stranger", NewConnectionInfo("pk"))
	assert.ErrorIs(t, err, ErrNoSessionKey)
}

func TestDecryptErrors(t *testing.T) {
	_, bob, aliceID, _ := pairedServices(t)

	_, err := Decrypt(bob, "stranger", "whatever")
	assert.ErrorIs(t, err, ErrNoSessionKey)

	_, err = Decrypt(bob, aliceID, "not-a-valid-envelope")
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptGarbagePlaintextIsRetryable(t *testing.T) {
	alice, bob, aliceID, bobID := pairedServices(t)

	envelope, err := alice.Encrypt(bobID, "this is not json")
	require.NoError(t, err)

	_, err = Decrypt(bob, aliceID, envelope)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestConnectionInfoJSONCasing(t *testing.T) {
	info := ConnectionInfo{
		PublicKey:      "pk",
		RelayID:        "r1",
		SourceID:       "s1",
		IP:             "10.0.0.1",
		Port:           4443,
		FallbackRelays: []string{"r2"},
		Timestamp:      time.Unix(1700000000, 0).UTC(),
	}
	raw, err := json.Marshal(info)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	for _, key := range []string{"pubkey", "relay", "sourceId", "ip", "port", "fallbackRelays", "timestamp"} {
		assert.Contains(t, m, key)
	}
}

func TestRendezvousResultCounts(t *testing.T) {
	var r RendezvousResult
	assert.False(t, r.HasMatches())
	assert.Zero(t, r.TotalMatches())

	r.LiveMatches = append(r.LiveMatches, LiveMatch{RelayID: "r1", MeetingPoint: "day_x"})
	r.DeadDrops = append(r.DeadDrops, DeadDrop{RelayID: "r1", MeetingPoint: "day_x"})
	assert.True(t, r.HasMatches())
	assert.Equal(t, 2, r.TotalMatches())
}
