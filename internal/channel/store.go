package channel

import (
	"sort"
	"sync"
)

// Store keeps subscribed and owned channels in memory.
type Store struct {
	mu         sync.RWMutex
	subscribed map[string]*Subscribed
	owned      map[string]*Owned
}

// NewStore returns an empty channel store.
func NewStore() *Store {
	return &Store{
		subscribed: make(map[string]*Subscribed),
		owned:      make(map[string]*Owned),
	}
}

// SaveSubscribed inserts or updates a subscription.
func (s *Store) SaveSubscribed(ch *Subscribed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch.Chunks == nil {
		ch.Chunks = make(map[string]*Chunk)
	}
	s.subscribed[ch.ChannelID] = ch
}

// Subscribed returns a subscription by channel ID, or nil.
func (s *Store) Subscribed(channelID string) *Subscribed {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribed[channelID]
}

// AllSubscribed returns every subscription.
func (s *Store) AllSubscribed() []*Subscribed {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Subscribed, 0, len(s.subscribed))
	for _, ch := range s.subscribed {
		out = append(out, ch)
	}
	return out
}

// DeleteSubscribed removes a subscription.
func (s *Store) DeleteSubscribed(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribed, channelID)
}

// SaveChunk caches a chunk for a subscription, evicting the lowest
// sequence numbers past the per-channel cap.
func (s *Store) SaveChunk(channelID string, chunk *Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.subscribed[channelID]
	if !ok {
		return
	}
	ch.Chunks[chunk.ChunkID] = chunk
	if len(ch.Chunks) <= MaxChunksPerChannel {
		return
	}
	ids := make([]string, 0, len(ch.Chunks))
	for id := range ch.Chunks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ch.Chunks[ids[i]].Sequence < ch.Chunks[ids[j]].Sequence
	})
	for _, id := range ids[:len(ch.Chunks)-MaxChunksPerChannel] {
		delete(ch.Chunks, id)
	}
}

// Chunk returns a cached chunk by ID, or nil.
func (s *Store) Chunk(channelID, chunkID string) *Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.subscribed[channelID]
	if !ok {
		return nil
	}
	return ch.Chunks[chunkID]
}

// ChunksBySequence returns all cached chunks with a given sequence.
func (s *Store) ChunksBySequence(channelID string, sequence int) []*Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.subscribed[channelID]
	if !ok {
		return nil
	}
	var out []*Chunk
	for _, c := range ch.Chunks {
		if c.Sequence == sequence {
			out = append(out, c)
		}
	}
	return out
}

// LatestSequence returns the highest cached sequence for a channel.
func (s *Store) LatestSequence(channelID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.subscribed[channelID]
	if !ok {
		return 0
	}
	latest := 0
	for _, c := range ch.Chunks {
		if c.Sequence > latest {
			latest = c.Sequence
		}
	}
	return latest
}

// SaveOwned inserts or updates an owned channel.
func (s *Store) SaveOwned(ch *Owned) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch.Chunks == nil {
		ch.Chunks = make(map[string]*Chunk)
	}
	s.owned[ch.ChannelID] = ch
}

// Owned returns an owned channel by ID, or nil.
func (s *Store) Owned(channelID string) *Owned {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.owned[channelID]
}

// AllOwned returns every owned channel.
func (s *Store) AllOwned() []*Owned {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Owned, 0, len(s.owned))
	for _, ch := range s.owned {
		out = append(out, ch)
	}
	return out
}
