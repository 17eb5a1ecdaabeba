package channel

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// PollOption is a single poll choice.
type PollOption struct {
	Index int    `json:"index"`
	Label string `json:"label"`
}

// Poll is created by the owner and broadcast as a "poll" chunk.
type Poll struct {
	PollID        string
	Question      string
	Options       []PollOption
	AllowMultiple bool
	CreatedAt     time.Time
	ClosesAt      time.Time
}

type pollWire struct {
	PollID        string       `json:"poll_id"`
	Question      string       `json:"question"`
	Options       []PollOption `json:"options"`
	AllowMultiple bool         `json:"allow_multiple"`
	CreatedAt     string       `json:"created_at"`
	ClosesAt      *string      `json:"closes_at,omitempty"`
}

// MarshalJSON encodes the poll in the Dart app's wire layout.
func (p Poll) MarshalJSON() ([]byte, error) {
	w := pollWire{
		PollID:        p.PollID,
		Question:      p.Question,
		Options:       p.Options,
		AllowMultiple: p.AllowMultiple,
		CreatedAt:     p.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !p.ClosesAt.IsZero() {
		s := p.ClosesAt.UTC().Format(time.RFC3339Nano)
		w.ClosesAt = &s
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a wire poll.
func (p *Poll) UnmarshalJSON(data []byte) error {
	var w pollWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("channel: decode poll: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("channel: decode poll created_at: %w", err)
	}
	*p = Poll{
		PollID:        w.PollID,
		Question:      w.Question,
		Options:       w.Options,
		AllowMultiple: w.AllowMultiple,
		CreatedAt:     created,
	}
	if w.ClosesAt != nil {
		closes, err := time.Parse(time.RFC3339Nano, *w.ClosesAt)
		if err != nil {
			return fmt.Errorf("channel: decode poll closes_at: %w", err)
		}
		p.ClosesAt = closes
	}
	return nil
}

// PollResults is the owner's aggregated tally, broadcast as a chunk.
type PollResults struct {
	PollID     string
	VoteCounts map[int]int
	TotalVotes int
	IsFinal    bool
	TalliedAt  time.Time
}

type pollResultsWire struct {
	PollID     string         `json:"poll_id"`
	VoteCounts map[string]int `json:"vote_counts"`
	TotalVotes int            `json:"total_votes"`
	IsFinal    bool           `json:"is_final"`
	TalliedAt  string         `json:"tallied_at"`
}

// MarshalJSON encodes results with stringified option indexes.
func (r PollResults) MarshalJSON() ([]byte, error) {
	counts := make(map[string]int, len(r.VoteCounts))
	for k, v := range r.VoteCounts {
		counts[strconv.Itoa(k)] = v
	}
	return json.Marshal(pollResultsWire{
		PollID:     r.PollID,
		VoteCounts: counts,
		TotalVotes: r.TotalVotes,
		IsFinal:    r.IsFinal,
		TalliedAt:  r.TalliedAt.UTC().Format(time.RFC3339Nano),
	})
}

// UnmarshalJSON decodes wire results.
func (r *PollResults) UnmarshalJSON(data []byte) error {
	var w pollResultsWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("channel: decode poll results: %w", err)
	}
	tallied, err := time.Parse(time.RFC3339Nano, w.TalliedAt)
	if err != nil {
		return fmt.Errorf("channel: decode poll tallied_at: %w", err)
	}
	counts := make(map[int]int, len(w.VoteCounts))
	for k, v := range w.VoteCounts {
		idx, err := strconv.Atoi(k)
		if err != nil {
			return fmt.Errorf("channel: decode poll option index %q: %w", k, err)
		}
		counts[idx] = v
	}
	*r = PollResults{
		PollID:     w.PollID,
		VoteCounts: counts,
		TotalVotes: w.TotalVotes,
		IsFinal:    w.IsFinal,
		TalliedAt:  tallied,
	}
	return nil
}

// CreatePollChunks encrypts and signs a poll broadcast.
func CreatePollChunks(poll Poll, ch *Owned, sequence int, routingHash string) ([]*Chunk, error) {
	raw, err := json.Marshal(poll)
	if err != nil {
		return nil, fmt.Errorf("channel: encode poll: %w", err)
	}
	payload := &Payload{
		ContentType: "poll",
		Payload:     raw,
		Metadata:    map[string]any{"poll_id": poll.PollID},
	}
	return CreateChunks(payload, ch, sequence, routingHash)
}

// CreatePollResultsChunks encrypts and signs a poll results broadcast.
func CreatePollResultsChunks(results PollResults, poll Poll, ch *Owned, sequence int, routingHash string, isFinal bool) ([]*Chunk, error) {
	results.IsFinal = isFinal
	raw, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("channel: encode poll results: %w", err)
	}
	payload := &Payload{
		ContentType: "poll",
		Payload:     raw,
		Metadata: map[string]any{
			"poll_id":    poll.PollID,
			"is_results": true,
			"is_final":   isFinal,
		},
	}
	return CreateChunks(payload, ch, sequence, routingHash)
}

// PollTracker records votes owner-side. One vote per sender key, keyed
// by the sender's ephemeral signing key.
type PollTracker struct {
	mu          sync.Mutex
	votesByPoll map[string]map[string]int
}

// NewPollTracker returns an empty tracker.
func NewPollTracker() *PollTracker {
	return &PollTracker{votesByPoll: make(map[string]map[string]int)}
}

// InitPoll starts vote tracking for a poll.
func (t *PollTracker) InitPoll(pollID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.votesByPoll[pollID] = make(map[string]int)
}

// RecordVote stores a vote. Returns false for unknown polls and
// duplicate senders.
func (t *PollTracker) RecordVote(pollID string, optionIndex int, senderKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	votes, ok := t.votesByPoll[pollID]
	if !ok {
		return false
	}
	if _, voted := votes[senderKey]; voted {
		return false
	}
	votes[senderKey] = optionIndex
	return true
}

// Tally aggregates votes for a poll.
func (t *PollTracker) Tally(poll Poll) PollResults {
	t.mu.Lock()
	defer t.mu.Unlock()
	votes := t.votesByPoll[poll.PollID]

	counts := make(map[int]int, len(poll.Options))
	for _, opt := range poll.Options {
		counts[opt.Index] = 0
	}
	for _, idx := range votes {
		counts[idx]++
	}
	return PollResults{
		PollID:     poll.PollID,
		VoteCounts: counts,
		TotalVotes: len(votes),
		TalliedAt:  time.Now().UTC(),
	}
}

// VoteCount returns the current number of votes for a poll.
func (t *PollTracker) VoteCount(pollID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.votesByPoll[pollID])
}

// ClearVotes drops vote data for a poll.
func (t *PollTracker) ClearVotes(pollID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.votesByPoll, pollID)
}
