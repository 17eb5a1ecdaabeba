package group

import (
	"log/slog"
	"sort"
	"sync"
)

// maxSequenceGap bounds how far ahead of the last seen sequence number
// an incoming message may claim to be. Larger jumps are rejected.
const maxSequenceGap = 100

// Store keeps groups and their messages in memory.
type Store struct {
	mu sync.RWMutex

	groups   map[string]*Group
	messages map[string][]*Message

	// sequence counters for our own outgoing messages, per group/device
	sequenceCounters map[string]map[string]int

	// seen message IDs for O(1) duplicate detection, per group
	seenMessageIDs map[string]map[string]struct{}

	// highest sequence number seen per group/author
	lastSeenSequence map[string]map[string]int

	log *slog.Logger
}

// NewStore returns an empty group store.
func NewStore(log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		groups:           make(map[string]*Group),
		messages:         make(map[string][]*Message),
		sequenceCounters: make(map[string]map[string]int),
		seenMessageIDs:   make(map[string]map[string]struct{}),
		lastSeenSequence: make(map[string]map[string]int),
		log:              log.With("component", "group-store"),
	}
}

// SaveGroup inserts or updates a group.
func (s *Store) SaveGroup(g *Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.ID] = g
	if s.seenMessageIDs[g.ID] == nil {
		s.seenMessageIDs[g.ID] = make(map[string]struct{})
	}
	if s.sequenceCounters[g.ID] == nil {
		s.sequenceCounters[g.ID] = make(map[string]int)
	}
	if s.lastSeenSequence[g.ID] == nil {
		s.lastSeenSequence[g.ID] = make(map[string]int)
	}
}

// Group returns a group by ID, or nil.
func (s *Store) Group(groupID string) *Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.groups[groupID]
}

// Groups returns all groups.
func (s *Store) Groups() []*Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	return out
}

// DeleteGroup removes a group and all of its bookkeeping.
func (s *Store) DeleteGroup(groupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, groupID)
	delete(s.messages, groupID)
	delete(s.sequenceCounters, groupID)
	delete(s.seenMessageIDs, groupID)
	delete(s.lastSeenSequence, groupID)
}

// SaveMessage appends a message, evicting the oldest entries if the
// per-group cap is exceeded.
func (s *Store) SaveMessage(m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := append(s.messages[m.GroupID], m)
	if len(msgs) > MaxMessagesPerGroup {
		evicted := msgs[:len(msgs)-MaxMessagesPerGroup]
		for _, old := range evicted {
			delete(s.seenMessageIDs[m.GroupID], old.ID())
		}
		msgs = msgs[len(msgs)-MaxMessagesPerGroup:]
	}
	s.messages[m.GroupID] = msgs
	if s.seenMessageIDs[m.GroupID] == nil {
		s.seenMessageIDs[m.GroupID] = make(map[string]struct{})
	}
	s.seenMessageIDs[m.GroupID][m.ID()] = struct{}{}
}

// Messages returns messages for a group ordered by timestamp. limit of
// zero means all.
func (s *Store) Messages(groupID string, limit int) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := make([]*Message, len(s.messages[groupID]))
	copy(msgs, s.messages[groupID])
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs
}

// NextSequence increments and returns the sequence counter for our own
// messages in a group.
func (s *Store) NextSequence(groupID, deviceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sequenceCounters[groupID] == nil {
		s.sequenceCounters[groupID] = make(map[string]int)
	}
	s.sequenceCounters[groupID][deviceID]++
	return s.sequenceCounters[groupID][deviceID]
}

// IsDuplicate reports whether a message ID has already been stored.
func (s *Store) IsDuplicate(groupID, messageID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seenMessageIDs[groupID][messageID]
	return ok
}

// ValidateSequence checks that an incoming sequence number is
// non-negative and not further than maxSequenceGap ahead of the last
// seen number from the same author. Valid numbers advance the high
// water mark.
func (s *Store) ValidateSequence(groupID, authorDeviceID string, sequenceNumber int) bool {
	if sequenceNumber < 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lastSeen := s.lastSeenSequence[groupID][authorDeviceID]
	if sequenceNumber > lastSeen+maxSequenceGap {
		s.log.Warn("sequence gap too large",
			"group_id", truncID(groupID),
			"author", authorDeviceID,
			"last_seen", lastSeen,
			"received", sequenceNumber)
		return false
	}
	if s.lastSeenSequence[groupID] == nil {
		s.lastSeenSequence[groupID] = make(map[string]int)
	}
	if sequenceNumber > lastSeen {
		s.lastSeenSequence[groupID][authorDeviceID] = sequenceNumber
	}
	return true
}

func truncID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
