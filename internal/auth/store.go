package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/helixlabs/lims/internal/apperr"
)

// Store is the persistence contract for the auth core. Session rows are
// exclusively owned by this component.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	UpdateUser(ctx context.Context, u *User) error

	CreateSession(ctx context.Context, s *Session) error
	GetSessionByTokenHash(ctx context.Context, hash string) (*Session, error)
	GetSessionByRefreshHash(ctx context.Context, hash string) (*Session, error)
	TouchSession(ctx context.Context, id string, usedAt time.Time) error
	RevokeSession(ctx context.Context, id string, at time.Time) error
	// RevokeUserSessions revokes every live session for a user and returns them.
	RevokeUserSessions(ctx context.Context, userID string, at time.Time) ([]*Session, error)
	// RotateSession atomically revokes old and creates replacement.
	RotateSession(ctx context.Context, oldID string, at time.Time, replacement *Session) error

	CreateToken(ctx context.Context, t *OneTimeToken) error
	GetToken(ctx context.Context, purpose TokenPurpose, hash string) (*OneTimeToken, error)
	MarkTokenUsed(ctx context.Context, id string) error
}

// MemoryStore is the in-process Store used by tests and the no-database
// fallback mode.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*User // by id
	byEmail  map[string]string
	sessions map[string]*Session // by id
	tokens   map[string]*OneTimeToken
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]*User),
		byEmail:  make(map[string]string),
		sessions: make(map[string]*Session),
		tokens:   make(map[string]*OneTimeToken),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(u.Email)
	if _, exists := s.byEmail[email]; exists {
		return apperr.Newf(apperr.KindDuplicateEmail, "email %s already registered", email)
	}
	u.Email = email
	cp := *u
	s.users[u.ID] = &cp
	s.byEmail[email] = u.ID
	return nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "user not found")
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "user not found")
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) UpdateUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; !ok {
		return apperr.New(apperr.KindNotFound, "user not found")
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) CreateSession(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSessionByTokenHash(_ context.Context, hash string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.TokenHash == hash {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, apperr.New(apperr.KindSessionNotFound, "session not found")
}

func (s *MemoryStore) GetSessionByRefreshHash(_ context.Context, hash string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.RefreshTokenHash != "" && sess.RefreshTokenHash == hash {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, apperr.New(apperr.KindSessionNotFound, "session not found")
}

func (s *MemoryStore) TouchSession(_ context.Context, id string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return apperr.New(apperr.KindSessionNotFound, "session not found")
	}
	// last_used_at is monotonic per session.
	if usedAt.After(sess.LastUsedAt) {
		sess.LastUsedAt = usedAt
	}
	return nil
}

func (s *MemoryStore) RevokeSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return apperr.New(apperr.KindSessionNotFound, "session not found")
	}
	if sess.RevokedAt == nil {
		t := at
		sess.RevokedAt = &t
	}
	return nil
}

func (s *MemoryStore) RevokeUserSessions(_ context.Context, userID string, at time.Time) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var revoked []*Session
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.RevokedAt == nil {
			t := at
			sess.RevokedAt = &t
			cp := *sess
			revoked = append(revoked, &cp)
		}
	}
	return revoked, nil
}

func (s *MemoryStore) RotateSession(_ context.Context, oldID string, at time.Time, replacement *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.sessions[oldID]
	if !ok {
		return apperr.New(apperr.KindSessionNotFound, "session not found")
	}
	if old.RevokedAt != nil {
		return apperr.New(apperr.KindTokenInvalid, "refresh token already consumed")
	}
	t := at
	old.RevokedAt = &t
	cp := *replacement
	s.sessions[replacement.ID] = &cp
	return nil
}

func (s *MemoryStore) CreateToken(_ context.Context, t *OneTimeToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tokens[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetToken(_ context.Context, purpose TokenPurpose, hash string) (*OneTimeToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tokens {
		if t.Purpose == purpose && t.TokenHash == hash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, apperr.New(apperr.KindTokenInvalid, "token not recognized")
}

func (s *MemoryStore) MarkTokenUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[id]
	if !ok {
		return apperr.New(apperr.KindTokenInvalid, "token not recognized")
	}
	t.Used = true
	return nil
}
