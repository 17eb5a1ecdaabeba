package channel

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Service orchestrates channel lifecycle: creation, publishing,
// subscribing via invite links, and chunk reception with reassembly.
// Transport is left to the caller; Publish returns signed chunks ready
// for relay and ReceiveChunk returns a decrypted payload once a full
// sequence has arrived.
type Service struct {
	store *Store
	log   *slog.Logger

	mu sync.Mutex

	// pending accumulates partial sequences:
	// channel ID -> sequence -> chunk index -> chunk
	pending map[string]map[int]map[int]*Chunk

	// delivered marks sequences already emitted, so retransmits and
	// duplicate pushes do not surface twice
	delivered map[string]map[int]bool
}

// NewService returns a channel service backed by store.
func NewService(store *Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:     store,
		log:       log.With("component", "channel"),
		pending:   make(map[string]map[int]map[int]*Chunk),
		delivered: make(map[string]map[int]bool),
	}
}

// Store exposes the backing store.
func (s *Service) Store() *Store { return s.store }

// Create builds a new owned channel: fresh Ed25519 and X25519
// keypairs, a signed manifest, and default rules.
func (s *Service) Create(name, description string) (*Owned, error) {
	signPub, signPriv, err := GenerateSigningKeypair()
	if err != nil {
		return nil, err
	}
	encPub, encPriv, err := GenerateEncryptionKeypair()
	if err != nil {
		return nil, err
	}
	channelID, err := DeriveChannelID(signPub)
	if err != nil {
		return nil, err
	}

	manifest := Manifest{
		ChannelID:         channelID,
		Name:              name,
		Description:       description,
		OwnerKey:          signPub,
		AdminKeys:         []AdminKey{},
		CurrentEncryptKey: encPub,
		KeyEpoch:          1,
		Rules:             DefaultRules(),
	}
	if err := SignManifest(&manifest, signPriv); err != nil {
		return nil, err
	}

	ch := &Owned{
		ChannelID:            channelID,
		Manifest:             manifest,
		SigningKeyPrivate:    signPriv,
		EncryptionKeyPrivate: encPriv,
		EncryptionKeyPublic:  encPub,
		Chunks:               make(map[string]*Chunk),
	}
	s.store.SaveOwned(ch)
	s.log.Info("channel created", "channel_id", channelID, "name", name)
	return ch, nil
}

// InviteLink encodes the invite link for an owned channel.
func (s *Service) InviteLink(channelID string) (string, error) {
	ch := s.store.Owned(channelID)
	if ch == nil {
		return "", fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	return EncodeLink(ch.Manifest, ch.EncryptionKeyPrivate)
}

// PublishText publishes a plain text payload.
func (s *Service) PublishText(channelID, text string) ([]*Chunk, error) {
	return s.Publish(channelID, &Payload{
		ContentType: "text",
		Payload:     []byte(text),
		Metadata:    map[string]any{},
	})
}

// Publish enforces the channel rules, advances the sequence counter,
// and returns encrypted signed chunks for relay.
func (s *Service) Publish(channelID string, payload *Payload) ([]*Chunk, error) {
	ch := s.store.Owned(channelID)
	if ch == nil {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	if !ch.Manifest.Rules.Allows(payload.ContentType) {
		return nil, fmt.Errorf("%w: %s", ErrContentTypeBlocked, payload.ContentType)
	}

	routingHash, err := DeriveRoutingHash(ch.EncryptionKeyPrivate)
	if err != nil {
		return nil, err
	}

	ch.Sequence++
	chunks, err := CreateChunks(payload, ch, ch.Sequence, routingHash)
	if err != nil {
		ch.Sequence--
		return nil, err
	}
	for _, c := range chunks {
		ch.Chunks[c.ChunkID] = c
	}
	s.store.SaveOwned(ch)

	s.log.Info("published",
		"channel_id", channelID,
		"sequence", ch.Sequence,
		"chunks", len(chunks),
		"content_type", payload.ContentType)
	return chunks, nil
}

// Subscribe decodes an invite link, verifies the manifest signature,
// and stores the subscription.
func (s *Service) Subscribe(link string) (*Subscribed, error) {
	manifest, encryptionKey, err := DecodeLink(link)
	if err != nil {
		return nil, err
	}
	if !VerifyManifest(&manifest) {
		return nil, fmt.Errorf("%w: manifest", ErrBadSignature)
	}
	ch := &Subscribed{
		ChannelID:     manifest.ChannelID,
		Manifest:      manifest,
		EncryptionKey: encryptionKey,
		SubscribedAt:  time.Now().UTC(),
		Chunks:        make(map[string]*Chunk),
	}
	s.store.SaveSubscribed(ch)
	s.log.Info("subscribed", "channel_id", ch.ChannelID, "name", manifest.Name)
	return ch, nil
}

// ReceiveChunk ingests a relayed chunk for a subscribed channel.
//
// The chunk signature is verified and the author checked against the
// manifest before anything is stored. Chunks accumulate per sequence;
// once all pieces of a sequence are present they are reassembled in
// chunk index order, decrypted, and the payload content type re-checked
// against the channel rules. A completed sequence is emitted exactly
// once; nil is returned while pieces are still missing.
func (s *Service) ReceiveChunk(channelID string, chunk *Chunk) (*Payload, error) {
	ch := s.store.Subscribed(channelID)
	if ch == nil {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}

	if !VerifyChunkSignature(chunk) {
		return nil, fmt.Errorf("%w: chunk %s", ErrBadSignature, chunk.ChunkID)
	}
	if !ch.Manifest.IsAuthorizedPublisher(chunk.AuthorPubkey) {
		return nil, fmt.Errorf("%w: chunk %s", ErrUnauthorizedAuthor, chunk.ChunkID)
	}

	s.store.SaveChunk(channelID, chunk)

	s.mu.Lock()
	if s.delivered[channelID][chunk.Sequence] {
		s.mu.Unlock()
		return nil, nil
	}
	if s.pending[channelID] == nil {
		s.pending[channelID] = make(map[int]map[int]*Chunk)
	}
	if s.pending[channelID][chunk.Sequence] == nil {
		s.pending[channelID][chunk.Sequence] = make(map[int]*Chunk)
	}
	seq := s.pending[channelID][chunk.Sequence]
	seq[chunk.ChunkIndex] = chunk

	if len(seq) < chunk.TotalChunks {
		s.mu.Unlock()
		return nil, nil
	}

	var encrypted []byte
	for i := 0; i < chunk.TotalChunks; i++ {
		piece, ok := seq[i]
		if !ok {
			s.mu.Unlock()
			return nil, nil
		}
		encrypted = append(encrypted, piece.EncryptedPayload...)
	}
	delete(s.pending[channelID], chunk.Sequence)
	if s.delivered[channelID] == nil {
		s.delivered[channelID] = make(map[int]bool)
	}
	s.delivered[channelID][chunk.Sequence] = true
	s.mu.Unlock()

	payload, err := DecryptPayload(encrypted, ch.EncryptionKey, ch.Manifest.KeyEpoch)
	if err != nil {
		s.mu.Lock()
		delete(s.delivered[channelID], chunk.Sequence)
		s.mu.Unlock()
		return nil, err
	}

	// The inner content type is checked again after decryption so a
	// forged chunk cannot smuggle a blocked type past the outer check.
	if !ch.Manifest.Rules.Allows(payload.ContentType) {
		return nil, fmt.Errorf("%w: %s", ErrContentTypeBlocked, payload.ContentType)
	}

	s.log.Info("sequence reassembled",
		"channel_id", channelID,
		"sequence", chunk.Sequence,
		"content_type", payload.ContentType)
	return payload, nil
}
