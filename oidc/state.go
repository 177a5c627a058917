package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/estcore/railid-connect/store"
)

// StateKeyPrefix is prepended to a state token to form its storage key.
const StateKeyPrefix = "railid-connect-state--"

// State is the record kept for one authorization attempt.  It's created when
// an authorization URL is built and looked up again when the provider calls
// back with the state token.
type State struct {
	// Token is the opaque state token sent to the provider.  It's the
	// record's key and isn't stored in the record itself.
	Token string `json:"-"`

	// RedirectTo is where the user is sent once the attempt succeeds.
	RedirectTo string `json:"redirect_to"`

	// Expiration is when the record stops being valid.
	Expiration time.Time `json:"expiration"`
}

// IsExpired returns true if the state expired at or before now.
func (s *State) IsExpired(now time.Time) bool {
	return !s.Expiration.After(now)
}

// StateStore issues and validates anti-CSRF state tokens.  Records are kept in
// the injected store.Store with a TTL of the configured time limit.
//
// By default a state token remains valid for every validation within its
// time limit, since that's how the reference implementation behaves.  This is
// an exploitable replay window; use WithSingleUseState to delete a record on
// its first successful validation.  Single use is atomic only when the store
// implements store.Taker; other stores read and then delete the record, so
// concurrent validations of one token may both succeed.
type StateStore struct {
	storage   store.Store
	ttl       time.Duration
	singleUse bool
	logger    hclog.Logger
	now       func() time.Time
}

// NewStateStore creates a StateStore.
//
// Supported options: WithSingleUseState, WithLogger, WithNow
func NewStateStore(s store.Store, ttl time.Duration, opt ...Option) (*StateStore, error) {
	const op = "NewStateStore"
	if s == nil {
		return nil, fmt.Errorf("%s: storage is nil: %w", op, ErrNilParameter)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%s: ttl not greater than zero: %w", op, ErrInvalidParameter)
	}
	opts := getStateStoreOpts(opt...)
	return &StateStore{
		storage:   s,
		ttl:       ttl,
		singleUse: opts.withSingleUse,
		logger:    loggerOrNull(opts.withLogger),
		now:       opts.withNowFunc,
	}, nil
}

// Issue generates a new state token, stores a record for it which expires
// after the store's ttl and returns the token.
func (s *StateStore) Issue(ctx context.Context, redirectTo string) (string, error) {
	const op = "StateStore.Issue"
	token, err := NewId("st")
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate a state token: %w", op, err)
	}
	st := State{
		RedirectTo: redirectTo,
		Expiration: s.now().Add(s.ttl),
	}
	b, err := json.Marshal(&st)
	if err != nil {
		return "", fmt.Errorf("%s: unable to encode state: %w", op, err)
	}
	if err := s.storage.Put(ctx, StateKeyPrefix+token, b, s.ttl); err != nil {
		return "", fmt.Errorf("%s: unable to store state: %w", op, err)
	}
	return token, nil
}

// Validate returns the record for token if one exists and hasn't expired.
// A missing record fails with ErrStateNotFound and a record which is still
// stored past its expiration fails with ErrStateExpired.  Both are logged.
func (s *StateStore) Validate(ctx context.Context, token string) (*State, error) {
	const op = "StateStore.Validate"
	if token == "" {
		return nil, NewError(CodeStateNotFound, WithOp(op), WithKind(KindState), WithMsg("state not found"))
	}
	key := StateKeyPrefix + token

	var (
		b     []byte
		found bool
		err   error
	)
	taker, canTake := s.storage.(store.Taker)
	switch {
	case s.singleUse && canTake:
		b, found, err = taker.Take(ctx, key)
	default:
		b, found, err = s.storage.Get(ctx, key)
	}
	if err != nil {
		return nil, NewError(CodeStateNotFound, WithOp(op), WithKind(KindState), WithMsg("unable to read state"), WithWrap(err))
	}
	if !found {
		s.logger.Warn("state not found", "state", token)
		return nil, NewError(CodeStateNotFound, WithOp(op), WithKind(KindState), WithMsg("state not found"), WithPayload(token))
	}

	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, NewError(CodeStateNotFound, WithOp(op), WithKind(KindState), WithMsg("unable to decode state"), WithWrap(err))
	}
	st.Token = token
	if st.IsExpired(s.now()) {
		s.logger.Warn("state expired", "state", token, "expiration", st.Expiration)
		return nil, NewError(CodeStateExpired, WithOp(op), WithKind(KindState), WithMsg("state expired"), WithPayload(token))
	}
	if s.singleUse && !canTake {
		if err := s.storage.Delete(ctx, key); err != nil {
			return nil, NewError(CodeStateNotFound, WithOp(op), WithKind(KindState), WithMsg("unable to consume state"), WithWrap(err))
		}
	}
	return &st, nil
}

// stateStoreOptions is the set of available options for StateStore functions
type stateStoreOptions struct {
	withSingleUse bool
	withLogger    hclog.Logger
	withNowFunc   func() time.Time
}

// stateStoreDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func stateStoreDefaults() stateStoreOptions {
	return stateStoreOptions{
		withNowFunc: time.Now,
	}
}

// getStateStoreOpts gets the state store defaults and applies the opt
// overrides passed in
func getStateStoreOpts(opt ...Option) stateStoreOptions {
	opts := stateStoreDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithSingleUseState makes a state token valid for a single successful
// validation for: StateStore, Provider
func WithSingleUseState() Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *stateStoreOptions:
			v.withSingleUse = true
		case *providerOptions:
			v.withSingleUseState = true
		}
	}
}
