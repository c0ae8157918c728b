// Package convo persists conversation records, ordered append-only message
// logs keyed by conversation identifier, in a TTL-keyed KV store.
// Appends to the same identifier are serialized; appends to different
// identifiers proceed in parallel. Every read or write refreshes the TTL.
package convo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nevindra/cursord/internal/ids"
)

// ErrNotFound reports a conversation identifier with no record.
var ErrNotFound = errors.New("conversation not found")

// ErrStoreUnavailable wraps backing-store failures. Callers degrade to
// transient in-memory conversation state instead of aborting.
var ErrStoreUnavailable = errors.New("conversation store unavailable")

// ValidationError carries the caller-facing reason for a rejected argument.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Message is one entry in a conversation log.
type Message struct {
	ID        string    `json:"messageId"`
	Role      string    `json:"role"` // user | assistant | system
	Content   string    `json:"content"`
	Source    string    `json:"source,omitempty"` // e.g. voice | text | agent-cli
	Timestamp time.Time `json:"timestamp"`
}

// Record is a conversation: identity, metadata, and the ordered message log.
type Record struct {
	ID             string            `json:"conversationId"`
	AgentID        string            `json:"agentId,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	LastAccessedAt time.Time         `json:"lastAccessedAt"`
	Messages       []Message         `json:"messages"`

	// LegacyID tolerates blobs written before the conversationId rename.
	LegacyID string `json:"id,omitempty"`
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithKeyPrefix sets the key namespace prefix (default "cursord:").
func WithKeyPrefix(prefix string) StoreOption {
	return func(s *Store) { s.prefix = prefix }
}

// WithTTL sets the record TTL (default 1 hour).
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *Store) { s.ttl = ttl }
}

// Store is the conversation store. Safe for concurrent use.
type Store struct {
	kv     KV
	prefix string
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-conversation append serialization
}

// New creates a Store on the given KV backend.
func New(kv KV, opts ...StoreOption) *Store {
	s := &Store{
		kv:     kv,
		prefix: "cursord:",
		ttl:    time.Hour,
		logger: slog.New(slog.DiscardHandler),
		locks:  make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) conversationKey(id string) string {
	return s.prefix + "agent:conversation:" + id
}

func (s *Store) indexKey() string {
	return s.prefix + "agent:conversations:list"
}

func (s *Store) lastConversationKey(queueType string) string {
	return s.prefix + queueType + ":last_conversation_id"
}

// lockFor returns the append mutex for id, creating it on first use.
func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Create inserts an empty conversation record and registers it in the
// identifier index. The generated identifier is agent-<unix-ms>-<random>.
func (s *Store) Create(ctx context.Context, agentID string, metadata map[string]string) (Record, error) {
	now := time.Now().UTC()
	rec := Record{
		ID:             ids.New("agent"),
		AgentID:        agentID,
		Metadata:       metadata,
		CreatedAt:      now,
		LastAccessedAt: now,
		Messages:       []Message{},
	}
	if err := s.save(ctx, rec); err != nil {
		return Record{}, err
	}
	if err := s.kv.SAdd(ctx, s.indexKey(), rec.ID); err != nil {
		return Record{}, fmt.Errorf("%w: index add: %v", ErrStoreUnavailable, err)
	}
	s.logger.Debug("conversation created", "conversation_id", rec.ID, "agent_id", agentID)
	return rec, nil
}

// Get loads a record and refreshes its TTL and last-accessed timestamp.
// The refresh is a read-modify-write of the whole blob, so it holds the
// same per-id lock as Append; a concurrent append can never be overwritten
// by the rewrite.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	rec, err := s.load(ctx, id)
	if err != nil {
		return Record{}, err
	}
	rec.LastAccessedAt = time.Now().UTC()
	if err := s.save(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Append adds msg to the conversation's log, filling in the message
// identifier and timestamp when absent. Atomic per identifier: concurrent
// appends to the same conversation are serialized through a per-key mutex.
func (s *Store) Append(ctx context.Context, id string, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = ids.New("msg")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	rec, err := s.load(ctx, id)
	if err != nil {
		return Message{}, err
	}
	rec.Messages = append(rec.Messages, msg)
	rec.LastAccessedAt = time.Now().UTC()
	if err := s.save(ctx, rec); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// TouchLastAccessed refreshes a record's TTL and last-accessed timestamp.
func (s *Store) TouchLastAccessed(ctx context.Context, id string) error {
	_, err := s.Get(ctx, id)
	return err
}

// Sort fields accepted by List.
const (
	SortByCreatedAt    = "createdAt"
	SortByLastAccessed = "lastAccessedAt"
	SortByMessageCount = "messageCount"
)

// ListFilter selects and orders a page of conversations.
type ListFilter struct {
	Limit     int
	Offset    int
	SortBy    string
	SortOrder string // asc | desc
}

// ListResult is one page of conversations plus the unpaginated total.
type ListResult struct {
	Items []Record
	Total int
}

// Validate checks the filter, returning a *ValidationError naming the first
// offending field. Validation is pure: the same input always produces the
// same error.
func (f ListFilter) Validate() error {
	if f.Limit <= 0 {
		return &ValidationError{Reason: "limit must be a positive integer"}
	}
	if f.Offset < 0 {
		return &ValidationError{Reason: "offset must be a non-negative integer"}
	}
	switch f.SortBy {
	case SortByCreatedAt, SortByLastAccessed, SortByMessageCount:
	default:
		return &ValidationError{Reason: "sortBy must be one of createdAt, lastAccessedAt, messageCount"}
	}
	switch f.SortOrder {
	case "asc", "desc":
	default:
		return &ValidationError{Reason: "sortOrder must be asc or desc"}
	}
	return nil
}

// List returns a page of conversations. Expired identifiers still present
// in the index are skipped. List does not refresh record TTLs.
func (s *Store) List(ctx context.Context, f ListFilter) (ListResult, error) {
	if err := f.Validate(); err != nil {
		return ListResult{}, err
	}

	idList, err := s.kv.SMembers(ctx, s.indexKey())
	if err != nil {
		return ListResult{}, fmt.Errorf("%w: index read: %v", ErrStoreUnavailable, err)
	}

	records := make([]Record, 0, len(idList))
	for _, id := range idList {
		rec, err := s.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue // expired since indexing
		}
		if err != nil {
			return ListResult{}, err
		}
		records = append(records, rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		var less bool
		switch f.SortBy {
		case SortByMessageCount:
			less = len(records[i].Messages) < len(records[j].Messages)
		case SortByLastAccessed:
			less = records[i].LastAccessedAt.Before(records[j].LastAccessedAt)
		default:
			less = records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		if f.SortOrder == "desc" {
			return !less
		}
		return less
	})

	total := len(records)
	start := f.Offset
	if start > total {
		start = total
	}
	end := start + f.Limit
	if end > total {
		end = total
	}
	return ListResult{Items: records[start:end], Total: total}, nil
}

// SetLastConversation records the most recent conversation for a queue type.
func (s *Store) SetLastConversation(ctx context.Context, queueType, id string) error {
	if err := s.kv.Set(ctx, s.lastConversationKey(queueType), id, s.ttl); err != nil {
		return fmt.Errorf("%w: last-conversation write: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// LastConversation returns the most recent conversation id for a queue
// type, or "" when none is recorded. Reading the pointer refreshes its TTL,
// matching the touch semantics of the records it points at.
func (s *Store) LastConversation(ctx context.Context, queueType string) (string, error) {
	key := s.lastConversationKey(queueType)
	v, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%w: last-conversation read: %v", ErrStoreUnavailable, err)
	}
	if !ok {
		return "", nil
	}
	if err := s.kv.Expire(ctx, key, s.ttl); err != nil {
		s.logger.Debug("last-conversation ttl refresh failed", "queue_type", queueType, "error", err)
	}
	return v, nil
}

// load reads and decodes a record without touching its TTL.
func (s *Store) load(ctx context.Context, id string) (Record, error) {
	blob, ok, err := s.kv.Get(ctx, s.conversationKey(id))
	if err != nil {
		return Record{}, fmt.Errorf("%w: read %s: %v", ErrStoreUnavailable, id, err)
	}
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var rec Record
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		return Record{}, fmt.Errorf("convo: decode %s: %w", id, err)
	}
	// Blobs written before the conversationId rename carry only "id".
	if rec.ID == "" && rec.LegacyID != "" {
		rec.ID = rec.LegacyID
	}
	rec.LegacyID = ""
	if rec.Messages == nil {
		rec.Messages = []Message{}
	}
	return rec, nil
}

// save encodes and writes a record, resetting its TTL.
func (s *Store) save(ctx context.Context, rec Record) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("convo: encode %s: %w", rec.ID, err)
	}
	if err := s.kv.Set(ctx, s.conversationKey(rec.ID), string(blob), s.ttl); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrStoreUnavailable, rec.ID, err)
	}
	return nil
}
