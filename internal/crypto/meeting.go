// Package crypto implements the cryptographic core of the Zajel protocol.
// This file derives the time-windowed meeting points and tokens used for
// trusted-peer rendezvous.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"time"
)

// Meeting point constants shared with the other Zajel clients.
const (
	// DailyPrefix prefixes daily meeting point strings.
	DailyPrefix = "day_"

	// HourlyPrefix prefixes hourly token strings.
	HourlyPrefix = "hr_"

	// DailySalt is mixed into daily point hashes.
	DailySalt = "zajel:daily:"

	// HourlySalt is mixed into hourly token MACs.
	HourlySalt = "zajel:hourly:"

	// meetingPointLength truncates the base64url digest in each point.
	meetingPointLength = 22
)

// DefaultOffsets covers yesterday/today/tomorrow (or the surrounding
// hours), giving tolerance for clock skew between peers.
var DefaultOffsets = []int{-1, 0, 1}

// DeriveDailyPoints derives the daily meeting points shared with a peer.
// The two public keys are sorted lexicographically before hashing, so
// both peers derive identical points regardless of which side calls.
//
// Each point is "day_" + the first 22 chars of
// base64url(sha256(key_lo || key_hi || "zajel:daily:" || YYYY-MM-DD)).
func (s *Service) DeriveDailyPoints(peerPublicKey []byte, offsets []int) ([]string, error) {
	myPub, err := s.PublicKeyBytes()
	if err != nil {
		return nil, err
	}
	lo, hi := sortPair(myPub, peerPublicKey)
	return dailyPoints(lo, hi, offsets), nil
}

// DeriveDailyPointsFromIDs derives daily meeting points from two stable
// IDs instead of raw public keys. Stable IDs survive key rotation, so
// these points keep working after either peer rotates its key pair.
func DeriveDailyPointsFromIDs(myStableID, peerStableID string, offsets []int) []string {
	lo, hi := sortPair([]byte(myStableID), []byte(peerStableID))
	return dailyPoints(lo, hi, offsets)
}

func dailyPoints(lo, hi []byte, offsets []int) []string {
	now := time.Now().UTC()
	points := make([]string, 0, len(offsets))
	for _, offset := range offsets {
		day := now.AddDate(0, 0, offset)
		dateStr := day.Format("2006-01-02")

		h := sha256.New()
		h.Write(lo)
		h.Write(hi)
		h.Write([]byte(DailySalt + dateStr))
		digest := h.Sum(nil)

		encoded := base64.URLEncoding.EncodeToString(digest)
		points = append(points, DailyPrefix+encoded[:meetingPointLength])
	}
	return points
}

// DeriveHourlyTokens derives the hourly rendezvous tokens for a shared
// session secret: "hr_" + the first 22 chars of
// base64url(HMAC-SHA256(secret, "zajel:hourly:" || YYYY-MM-DDTHH)).
func DeriveHourlyTokens(sharedSecret []byte, offsets []int) []string {
	now := time.Now().UTC()
	tokens := make([]string, 0, len(offsets))
	for _, offset := range offsets {
		hour := now.Add(time.Duration(offset) * time.Hour)
		hourStr := hour.Format("2006-01-02T15")

		mac := hmac.New(sha256.New, sharedSecret)
		mac.Write([]byte(HourlySalt + hourStr))
		digest := mac.Sum(nil)

		encoded := base64.URLEncoding.EncodeToString(digest)
		tokens = append(tokens, HourlyPrefix+encoded[:meetingPointLength])
	}
	return tokens
}

// sortPair orders two byte slices lexicographically.
func sortPair(a, b []byte) (lo, hi []byte) {
	if string(a) <= string(b) {
		return a, b
	}
	return b, a
}
