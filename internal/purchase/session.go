package purchase

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ezp2p/ezp2p/internal/metrics"
)

// State tags what the conversation expects from the user next.
type State int

const (
	// StateNew means no purchase is in progress; only the begin trigger
	// is recognized.
	StateNew State = iota
	// StateAddress means the next message is read as the destination
	// address.
	StateAddress
	// StateAmount means the next message is read as a satoshi amount.
	// The session stays here after payment instructions are rendered, so
	// the buyer can ask for a different amount until a new purchase is
	// started.
	StateAmount
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateAddress:
		return "address"
	case StateAmount:
		return "amount"
	default:
		return "unknown"
	}
}

// Session is one user's conversation state. Fields are only meaningful
// for the tagged state: Address from StateAmount on, FiatMinor once
// payment instructions have been rendered. Sessions are mutated only by
// their owning conversation, serialized per user.
type Session struct {
	State     State
	Address   string
	FiatMinor int64
}

// Store keeps sessions by user identifier.
type Store interface {
	// Get returns the user's session, or false when none exists.
	Get(ctx context.Context, userID string) (*Session, bool)
	// Put stores the user's session.
	Put(ctx context.Context, userID string, s *Session)
}

// LRUStore is a bounded in-memory session store. Least-recently-used
// sessions are evicted; an evicted user simply starts over on next
// contact.
type LRUStore struct {
	cache *lru.Cache[string, *Session]
}

// NewLRUStore creates a session store holding at most capacity sessions.
func NewLRUStore(capacity int) (*LRUStore, error) {
	cache, err := lru.New[string, *Session](capacity)
	if err != nil {
		return nil, err
	}
	return &LRUStore{cache: cache}, nil
}

func (s *LRUStore) Get(ctx context.Context, userID string) (*Session, bool) {
	return s.cache.Get(userID)
}

func (s *LRUStore) Put(ctx context.Context, userID string, sess *Session) {
	s.cache.Add(userID, sess)
	metrics.ActiveSessions.Set(float64(s.cache.Len()))
}
