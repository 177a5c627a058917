package callback

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/estcore/railid-connect/oidc"
)

// UserHandle identifies a local user.
type UserHandle string

// IdentityStore links provider identities to local users and starts their
// sessions.  It's how the host application plugs into AuthCode.
type IdentityStore interface {
	// FindOrCreateUser returns the local user linked to subject, creating
	// one from the identity when there isn't one yet.
	FindOrCreateUser(ctx context.Context, subject string, id *oidc.Identity) (UserHandle, error)

	// StartSession starts a session for the user, typically by setting a
	// cookie on w.
	StartSession(ctx context.Context, w http.ResponseWriter, r *http.Request, u UserHandle) error
}

// DefaultSessionCookie is the name of the MemoryIdentityStore session cookie.
const DefaultSessionCookie = "railid-connect-session"

// MemoryIdentityStore is an IdentityStore which keeps users and sessions in
// memory.  Users are keyed by subject and their handle is the subject.  It's
// safe for concurrent use.
type MemoryIdentityStore struct {
	mu       sync.RWMutex
	users    map[UserHandle]*oidc.Identity
	sessions map[string]UserHandle
}

var _ IdentityStore = (*MemoryIdentityStore)(nil)

// NewMemoryIdentityStore creates an empty MemoryIdentityStore.
func NewMemoryIdentityStore() *MemoryIdentityStore {
	return &MemoryIdentityStore{
		users:    map[UserHandle]*oidc.Identity{},
		sessions: map[string]UserHandle{},
	}
}

// FindOrCreateUser implements IdentityStore.  The stored identity is replaced
// on every login so its claims stay current.
func (s *MemoryIdentityStore) FindOrCreateUser(_ context.Context, subject string, id *oidc.Identity) (UserHandle, error) {
	const op = "MemoryIdentityStore.FindOrCreateUser"
	if subject == "" {
		return "", fmt.Errorf("%s: subject is empty: %w", op, oidc.ErrInvalidParameter)
	}
	if id == nil {
		return "", fmt.Errorf("%s: identity is nil: %w", op, oidc.ErrNilParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := UserHandle(subject)
	s.users[h] = id
	return h, nil
}

// StartSession implements IdentityStore.  It sets an http only session
// cookie.
func (s *MemoryIdentityStore) StartSession(_ context.Context, w http.ResponseWriter, r *http.Request, u UserHandle) error {
	const op = "MemoryIdentityStore.StartSession"
	s.mu.Lock()
	_, ok := s.users[u]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: unknown user %q: %w", op, u, oidc.ErrNotFound)
	}
	sid, err := oidc.NewId("sess")
	if err != nil {
		return fmt.Errorf("%s: unable to generate session id: %w", op, err)
	}
	s.mu.Lock()
	s.sessions[sid] = u
	s.mu.Unlock()
	http.SetCookie(w, &http.Cookie{
		Name:     DefaultSessionCookie,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// User returns the user and identity of the request's session.
func (s *MemoryIdentityStore) User(r *http.Request) (UserHandle, *oidc.Identity, bool) {
	c, err := r.Cookie(DefaultSessionCookie)
	if err != nil {
		return "", nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.sessions[c.Value]
	if !ok {
		return "", nil, false
	}
	return h, s.users[h], true
}

// EndSession forgets the request's session and clears its cookie.
func (s *MemoryIdentityStore) EndSession(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(DefaultSessionCookie); err == nil {
		s.mu.Lock()
		delete(s.sessions, c.Value)
		s.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{
		Name:   DefaultSessionCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
}
