package records

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps records in maps. A transaction holds the store lock
// for its whole duration, so it serializes with every other mutation.
type InMemoryStore struct {
	mu       sync.Mutex
	users    map[string]*User
	tokens   map[string]Token
	analyses map[string]*Analysis
	now      func() time.Time
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:    make(map[string]*User),
		tokens:   make(map[string]Token),
		analyses: make(map[string]*Analysis),
		now:      time.Now,
	}
}

// SetClock overrides the clock used for timestamps and token expiry.
func (s *InMemoryStore) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// PutUser inserts or replaces a user.
func (s *InMemoryStore) PutUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = cloneUser(&u)
}

// PutAnalysis inserts or replaces an analysis record.
func (s *InMemoryStore) PutAnalysis(a Analysis) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := a
	cp.Result = cloneFields(a.Result)
	if cp.Status == "" {
		cp.Status = AnalysisPending
	}
	s.analyses[a.CaseID] = &cp
}

// PutToken stores a token as is.
func (s *InMemoryStore) PutToken(t Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.Value] = t
}

func (s *InMemoryStore) FindUser(_ context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (s *InMemoryStore) FindUserByEmail(_ context.Context, email string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return cloneUser(u), nil
		}
	}
	return nil, ErrUserNotFound
}

func (s *InMemoryStore) ScheduleDeletion(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	at = at.UTC()
	u.DeletionScheduledAt = &at
	return nil
}

func (s *InMemoryStore) CancelDeletion(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return false, ErrUserNotFound
	}
	pending := u.DeletionScheduledAt != nil
	u.DeletionScheduledAt = nil
	return pending, nil
}

func (s *InMemoryStore) IssueToken(_ context.Context, kind TokenKind, identifier string, ttl time.Duration) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := Token{
		Kind:       kind,
		Identifier: identifier,
		Value:      uuid.NewString(),
		Expires:    s.now().Add(ttl).UTC(),
	}
	s.tokens[t.Value] = t
	return t, nil
}

func (s *InMemoryStore) FindToken(_ context.Context, value string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[value]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return &t, nil
}

// DeleteToken is idempotent.
func (s *InMemoryStore) DeleteToken(_ context.Context, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, value)
	return nil
}

func (s *InMemoryStore) LoadAnalysis(_ context.Context, caseID string) (*Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[caseID]
	if !ok {
		return nil, ErrAnalysisNotFound
	}
	cp := *a
	cp.Result = cloneFields(a.Result)
	return &cp, nil
}

func (s *InMemoryStore) UpdateAnalysis(_ context.Context, caseID string, update AnalysisUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[caseID]
	if !ok {
		return ErrAnalysisNotFound
	}
	if update.Status != "" {
		a.Status = update.Status
	}
	if update.Explanation != nil {
		a.Explanation = *update.Explanation
	}
	if update.Result != nil {
		a.Result = cloneFields(update.Result)
	}
	a.UpdatedAt = s.now().UTC()
	return nil
}

// RunInTx holds the store lock while fn runs. fn must use tx, not the
// store, or it deadlocks. Deletions made through tx are discarded when fn
// fails.
func (s *InMemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{store: s, deleted: make(map[string]struct{})}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for id := range tx.deleted {
		delete(s.users, id)
	}
	return nil
}

type memoryTx struct {
	store   *InMemoryStore
	deleted map[string]struct{}
}

func (tx *memoryTx) LockUser(_ context.Context, id string) (*User, error) {
	if _, gone := tx.deleted[id]; gone {
		return nil, ErrUserNotFound
	}
	u, ok := tx.store.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (tx *memoryTx) DeleteUser(_ context.Context, id string) error {
	if _, ok := tx.store.users[id]; !ok {
		return ErrUserNotFound
	}
	tx.deleted[id] = struct{}{}
	return nil
}

var _ Store = (*InMemoryStore)(nil)
