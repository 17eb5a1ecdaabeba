package crypto

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPair returns two initialized services with a completed key exchange,
// each knowing the other under the given peer IDs.
func newPair(t *testing.T) (alice, bob *Service) {
	t.Helper()
	alice = NewService()
	bob = NewService()
	require.NoError(t, alice.Initialize())
	require.NoError(t, bob.Initialize())

	alicePub, err := alice.PublicKeyBase64()
	require.NoError(t, err)
	bobPub, err := bob.PublicKeyBase64()
	require.NoError(t, err)

	_, err = alice.PerformKeyExchange("bob", bobPub)
	require.NoError(t, err)
	_, err = bob.PerformKeyExchange("alice", alicePub)
	require.NoError(t, err)
	return alice, bob
}

func TestInitializeTwice(t *testing.T) {
	s := NewService()
	require.NoError(t, s.Initialize())
	assert.ErrorIs(t, s.Initialize(), ErrAlreadyInitialized)
}

func TestNotInitialized(t *testing.T) {
	s := NewService()

	_, err := s.PublicKeyBytes()
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = s.PublicKeyBase64()
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = s.StableID()
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = s.PerformKeyExchange("peer", base64.StdEncoding.EncodeToString(make([]byte, 32)))
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestKeyExchangeSymmetry(t *testing.T) {
	alice, bob := newPair(t)

	aliceKey := alice.SessionKey("bob")
	bobKey := bob.SessionKey("alice")
	require.Len(t, aliceKey, SessionKeyLength)
	assert.Equal(t, aliceKey, bobKey)
}

func TestKeyExchangeInvalidKey(t *testing.T) {
	s := NewService()
	require.NoError(t, s.Initialize())

	_, err := s.PerformKeyExchange("peer", "not base64!!")
	assert.ErrorIs(t, err, ErrInvalidPublicKey)

	_, err = s.PerformKeyExchange("peer", base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, bob := newPair(t)

	ct, err := alice.Encrypt("bob", "hello over the wire")
	require.NoError(t, err)

	pt, err := bob.Decrypt("alice", ct)
	require.NoError(t, err)
	assert.Equal(t, "hello over the wire", pt)

	// Fresh nonce per call: two encryptions of the same text differ.
	ct2, err := alice.Encrypt("bob", "hello over the wire")
	require.NoError(t, err)
	assert.NotEqual(t, ct, ct2)
}

func TestEncryptNoSessionKey(t *testing.T) {
	s := NewService()
	require.NoError(t, s.Initialize())

	_, err := s.Encrypt("stranger", "hi")
	assert.ErrorIs(t, err, ErrNoSessionKey)

	_, err = s.Decrypt("stranger", "whatever")
	assert.ErrorIs(t, err, ErrNoSessionKey)
}

func TestDecryptFailures(t *testing.T) {
	alice, bob := newPair(t)

	_, err := bob.Decrypt("alice", "not base64!!")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	short := base64.StdEncoding.EncodeToString(make([]byte, NonceSize+TagSize-1))
	_, err = bob.Decrypt("alice", short)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	ct, err := alice.Encrypt("bob", "intact")
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(ct)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	_, err = bob.Decrypt("alice", base64.StdEncoding.EncodeToString(raw))
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptReplayDetection(t *testing.T) {
	alice, bob := newPair(t)

	ct, err := alice.Encrypt("bob", "once only")
	require.NoError(t, err)

	_, err = bob.Decrypt("alice", ct)
	require.NoError(t, err)

	_, err = bob.Decrypt("alice", ct)
	assert.ErrorIs(t, err, ErrReplayDetected)
}

func TestTamperedNonceNotRecorded(t *testing.T) {
	alice, bob := newPair(t)

	ct, err := alice.Encrypt("bob", "payload")
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(ct)
	require.NoError(t, err)

	// A forged message reusing the nonce fails auth and does not burn it.
	tampered := make([]byte, len(raw))
	copy(tampered, raw)
	tampered[len(tampered)-1] ^= 0x01
	_, err = bob.Decrypt("alice", base64.StdEncoding.EncodeToString(tampered))
	require.ErrorIs(t, err, ErrDecryptionFailed)

	pt, err := bob.Decrypt("alice", ct)
	require.NoError(t, err)
	assert.Equal(t, "payload", pt)
}

func TestSetSessionKey(t *testing.T) {
	s := NewService()
	require.NoError(t, s.Initialize())

	assert.ErrorIs(t, s.SetSessionKey("peer", []byte("too short")), ErrInvalidSessionKey)

	key := make([]byte, SessionKeyLength)
	for i := range key {
		key[i] = byte(i)
	}
	require.NoError(t, s.SetSessionKey("peer", key))
	assert.True(t, s.HasSessionKey("peer"))
	assert.Equal(t, key, s.SessionKey("peer"))

	// SessionKey returns a copy; mutating it must not affect the stored key.
	got := s.SessionKey("peer")
	got[0] = 0xff
	assert.Equal(t, key, s.SessionKey("peer"))
}

func TestSetSessionKeyRestoresDecryption(t *testing.T) {
	alice, bob := newPair(t)

	ct, err := alice.Encrypt("bob", "persisted session")
	require.NoError(t, err)

	// A fresh service restoring the persisted key can decrypt.
	restored := NewService()
	require.NoError(t, restored.Initialize())
	require.NoError(t, restored.SetSessionKey("alice", bob.SessionKey("alice")))

	pt, err := restored.Decrypt("alice", ct)
	require.NoError(t, err)
	assert.Equal(t, "persisted session", pt)
}

func TestRekeyResetsReplayWindow(t *testing.T) {
	alice, bob := newPair(t)

	ct, err := alice.Encrypt("bob", "before rekey")
	require.NoError(t, err)
	_, err = bob.Decrypt("alice", ct)
	require.NoError(t, err)

	alicePub, err := alice.PublicKeyBase64()
	require.NoError(t, err)
	_, err = bob.PerformKeyExchange("alice", alicePub)
	require.NoError(t, err)

	// Same key pair derives the same session key, and the nonce window
	// is fresh, so the old ciphertext decrypts again.
	pt, err := bob.Decrypt("alice", ct)
	require.NoError(t, err)
	assert.Equal(t, "before rekey", pt)
}

func TestRemovePeer(t *testing.T) {
	alice, bob := newPair(t)

	require.True(t, alice.HasSessionKey("bob"))
	require.NotNil(t, alice.PeerPublicKey("bob"))

	alice.RemovePeer("bob")
	assert.False(t, alice.HasSessionKey("bob"))
	assert.Nil(t, alice.SessionKey("bob"))
	assert.Nil(t, alice.PeerPublicKey("bob"))

	_, err := alice.Encrypt("bob", "gone")
	assert.ErrorIs(t, err, ErrNoSessionKey)

	// Bob's side is untouched.
	assert.True(t, bob.HasSessionKey("alice"))
}

func TestStableID(t *testing.T) {
	s := NewService()
	require.NoError(t, s.Initialize())

	id, err := s.StableID()
	require.NoError(t, err)
	assert.Len(t, id, 16)
	assert.Equal(t, strings.ToUpper(id), id)

	// PeerIDFromPublicKey on our own key matches our StableID.
	pub, err := s.PublicKeyBase64()
	require.NoError(t, err)
	fromPub, err := PeerIDFromPublicKey(pub)
	require.NoError(t, err)
	assert.Equal(t, id, fromPub)

	_, err = PeerIDFromPublicKey("***")
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}

func TestFingerprint(t *testing.T) {
	fp1 := Fingerprint([]byte("key one"))
	fp2 := Fingerprint([]byte("key two"))
	assert.NotEmpty(t, fp1)
	assert.NotEqual(t, fp1, fp2)
	assert.Equal(t, fp1, Fingerprint([]byte("key one")))
}

func TestComputeSafetyNumber(t *testing.T) {
	alice, bob := newPair(t)
	alicePub, err := alice.PublicKeyBase64()
	require.NoError(t, err)
	bobPub, err := bob.PublicKeyBase64()
	require.NoError(t, err)

	n1, err := ComputeSafetyNumber(alicePub, bobPub)
	require.NoError(t, err)
	n2, err := ComputeSafetyNumber(bobPub, alicePub)
	require.NoError(t, err)

	assert.Equal(t, n1, n2)
	assert.Len(t, n1, 60)
	for _, r := range n1 {
		assert.True(t, r >= '0' && r <= '9', "non-digit %q in safety number", r)
	}

	_, err = ComputeSafetyNumber("bad!!", bobPub)
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}

func TestDeriveDailyPointsSymmetric(t *testing.T) {
	alice, bob := newPair(t)

	bobPubRaw, err := bob.PublicKeyBytes()
	require.NoError(t, err)
	alicePubRaw, err := alice.PublicKeyBytes()
	require.NoError(t, err)

	alicePoints, err := alice.DeriveDailyPoints(bobPubRaw, DefaultOffsets)
	require.NoError(t, err)
	bobPoints, err := bob.DeriveDailyPoints(alicePubRaw, DefaultOffsets)
	require.NoError(t, err)

	assert.Equal(t, alicePoints, bobPoints)
	require.Len(t, alicePoints, len(DefaultOffsets))
	for _, p := range alicePoints {
		assert.True(t, strings.HasPrefix(p, DailyPrefix), "point %q missing prefix", p)
		assert.Len(t, p, len(DailyPrefix)+22)
	}
	// Distinct days give distinct points.
	assert.NotEqual(t, alicePoints[0], alicePoints[1])
}

func TestDeriveDailyPointsFromIDs(t *testing.T) {
	p1 := DeriveDailyPointsFromIDs("AAAA1111BBBB2222", "CCCC3333DDDD4444", []int{0})
	p2 := DeriveDailyPointsFromIDs("CCCC3333DDDD4444", "AAAA1111BBBB2222", []int{0})
	assert.Equal(t, p1, p2)

	other := DeriveDailyPointsFromIDs("AAAA1111BBBB2222", "EEEE5555FFFF6666", []int{0})
	assert.NotEqual(t, p1, other)
}

func TestDeriveHourlyTokens(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")

	tokens := DeriveHourlyTokens(secret, DefaultOffsets)
	require.Len(t, tokens, len(DefaultOffsets))
	for _, tok := range tokens {
		assert.True(t, strings.HasPrefix(tok, HourlyPrefix), "token %q missing prefix", tok)
	}
	assert.Equal(t, tokens, DeriveHourlyTokens(secret, DefaultOffsets))
	assert.NotEqual(t, tokens, DeriveHourlyTokens([]byte("a different secret value here!!!"), DefaultOffsets))
}
