package oidc

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/oauth2"

	"github.com/estcore/railid-connect/jwt"
	"github.com/estcore/railid-connect/store"
)

// FlowState is the state of one authorization attempt.
type FlowState int

const (
	FlowStart FlowState = iota
	FlowRedirected
	FlowCallbackReceived
	FlowCodeValidated
	FlowTokenExchanged
	FlowClaimValidated
	FlowSessionEstablished
	FlowFailed
)

// String returns the state's name.
func (s FlowState) String() string {
	switch s {
	case FlowStart:
		return "START"
	case FlowRedirected:
		return "REDIRECTED"
	case FlowCallbackReceived:
		return "CALLBACK_RECEIVED"
	case FlowCodeValidated:
		return "CODE_VALIDATED"
	case FlowTokenExchanged:
		return "TOKEN_EXCHANGED"
	case FlowClaimValidated:
		return "CLAIM_VALIDATED"
	case FlowSessionEstablished:
		return "SESSION_ESTABLISHED"
	case FlowFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("FlowState(%d)", int(s))
	}
}

// Identity is the result of a successful callback.  It's handed to an
// identity store which links it to a local user and starts a session.
type Identity struct {
	// Subject is the "sub" shared by the id_token claim and the user claim.
	Subject string

	// RedirectTo is where the user asked to be sent after logging in.
	RedirectTo string

	IdTokenClaim  IdTokenClaim
	UserClaim     UserClaim
	TokenResponse *TokenResponse

	// State is the attempt's current FlowState.
	State FlowState
}

// Provider drives the authorization code flow with a single provider:
// building authorization URLs, validating callbacks, exchanging codes,
// validating claims and refreshing tokens.
//
// By default the id_token's signature, issuer, audience and expiry are not
// verified.  Use WithKeySet to verify the signature and WithIssuer and
// WithAudiences to check the "iss" and "aud" claims.
type Provider struct {
	config *ClientConfig
	states *StateStore
	tokens *TokenClient

	oauth2Config   oauth2.Config
	authURLMutator AuthURLMutator
	loginPredicate LoginPredicate

	keySet    jwt.KeySet
	issuer    string
	audiences []string

	logger hclog.Logger
	now    func() time.Time
}

// NewProvider creates a Provider for the config.  State records are kept in
// storage.
//
// Supported options:
//   - WithLogger
//   - WithNow
//   - WithSingleUseState
//   - WithRequestMutator
//   - WithAuthURLMutator
//   - WithLoginPredicate
//   - WithKeySet
//   - WithIssuer
//   - WithAudiences
func NewProvider(c *ClientConfig, storage store.Store, opt ...Option) (*Provider, error) {
	const op = "NewProvider"
	if c == nil {
		return nil, fmt.Errorf("%s: client config is nil: %w", op, ErrNilParameter)
	}
	if storage == nil {
		return nil, fmt.Errorf("%s: storage is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: client config is invalid: %w", op, err)
	}
	opts := getProviderOpts(opt...)
	logger := loggerOrNull(opts.withLogger)

	stateOpts := []Option{WithLogger(logger.Named("state")), WithNow(opts.withNowFunc)}
	if opts.withSingleUseState {
		stateOpts = append(stateOpts, WithSingleUseState())
	}
	states, err := NewStateStore(storage, c.StateTimeLimit, stateOpts...)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create state store: %w", op, err)
	}
	tokens, err := NewTokenClient(c,
		WithLogger(logger.Named("token")),
		WithNow(opts.withNowFunc),
		WithRequestMutator(opts.withRequestMutator),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create token client: %w", op, err)
	}

	return &Provider{
		config: c,
		states: states,
		tokens: tokens,
		oauth2Config: oauth2.Config{
			ClientID:     c.ClientId,
			ClientSecret: string(c.ClientSecret),
			RedirectURL:  c.RedirectUrl,
			Endpoint: oauth2.Endpoint{
				AuthURL:  c.AuthorizeEndpoint,
				TokenURL: c.TokenEndpoint,
			},
			Scopes: c.Scopes(),
		},
		authURLMutator: opts.withAuthURLMutator,
		loginPredicate: opts.withLoginPredicate,
		keySet:         opts.withKeySet,
		issuer:         opts.withIssuer,
		audiences:      opts.withAudiences,
		logger:         logger,
		now:            opts.withNowFunc,
	}, nil
}

// Config returns the provider's config, which must not be modified.
func (p *Provider) Config() *ClientConfig {
	return p.config
}

// AuthURL issues a state token for redirectTo and returns the authorization
// URL the user should be sent to.  The URL carries response_type=code,
// client_id, redirect_uri, scope and state, and is passed through the
// AuthURLMutator when there is one.
func (p *Provider) AuthURL(ctx context.Context, redirectTo string) (string, error) {
	const op = "Provider.AuthURL"
	f := p.newFlow(FlowStart)
	token, err := p.states.Issue(ctx, redirectTo)
	if err != nil {
		return "", f.fail(NewError(ErrCodeUnknown, WithOp(op), WithKind(KindInternal), WithMsg("unable to issue state"), WithWrap(err)))
	}
	authURL := p.oauth2Config.AuthCodeURL(token)
	if p.authURLMutator != nil {
		u, err := url.Parse(authURL)
		if err != nil {
			return "", f.fail(NewError(ErrCodeUnknown, WithOp(op), WithKind(KindInternal), WithMsg("unable to parse authorization URL"), WithWrap(err)))
		}
		if mutated := p.authURLMutator(u); mutated != nil {
			u = mutated
		}
		authURL = u.String()
	}
	f.to(FlowRedirected)
	return authURL, nil
}

// ValidateAuthenticationRequest validates the query parameters of a callback
// request.  The request must not carry "error" and must carry "code" and a
// "state" which passes state validation.  It returns the state record and the
// code.
func (p *Provider) ValidateAuthenticationRequest(ctx context.Context, params url.Values) (*State, string, error) {
	const op = "Provider.ValidateAuthenticationRequest"
	payload := redactParams(params)
	if params.Has("error") {
		msg := "An unknown error occurred."
		if d := params.Get("error_description"); d != "" {
			msg = d
		}
		return nil, "", NewError(CodeProviderError, WithOp(op), WithKind(KindProtocol), WithMsg(msg), WithPayload(payload))
	}
	code := params.Get("code")
	if code == "" {
		return nil, "", NewError(CodeNoCode, WithOp(op), WithKind(KindProtocol), WithMsg("No authentication code present in the request."), WithPayload(payload))
	}
	token := params.Get("state")
	if token == "" {
		p.logger.Warn("no state provided", "request", payload)
		return nil, "", NewError(CodeMissingState, WithOp(op), WithKind(KindProtocol), WithMsg("Missing state."), WithPayload(payload))
	}
	st, err := p.states.Validate(ctx, token)
	if err != nil {
		return nil, "", NewError(CodeInvalidState, WithOp(op), WithKind(KindState), WithMsg("Invalid state."), WithPayload(payload), WithWrap(err))
	}
	return st, code, nil
}

// Callback completes an authorization attempt from the query parameters of
// the provider's callback request.  It validates the request, exchanges the
// code, validates the token response and id_token claim, fetches the user
// claim and checks it against the id_token claim.  The first failure ends the
// attempt and nothing is retried; a new attempt needs a new state token.
func (p *Provider) Callback(ctx context.Context, params url.Values) (*Identity, error) {
	const op = "Provider.Callback"
	f := p.newFlow(FlowRedirected)
	f.to(FlowCallbackReceived)

	st, code, err := p.ValidateAuthenticationRequest(ctx, params)
	if err != nil {
		return nil, f.fail(err)
	}
	f.to(FlowCodeValidated)

	tr, err := p.tokens.ExchangeCode(ctx, code)
	if err != nil {
		return nil, f.fail(err)
	}
	f.to(FlowTokenExchanged)

	if err := ValidateTokenResponse(tr); err != nil {
		return nil, f.fail(err)
	}
	idClaim, err := DecodeIdTokenClaim(tr)
	if err != nil {
		return nil, f.fail(err)
	}
	if err := ValidateIdTokenClaim(idClaim); err != nil {
		return nil, f.fail(err)
	}
	if err := p.verifyIdToken(ctx, tr.IdToken, idClaim); err != nil {
		return nil, f.fail(err)
	}

	userClaim, err := p.tokens.UserInfo(ctx, tr.AccessToken)
	if err != nil {
		return nil, f.fail(err)
	}
	if err := ValidateUserClaim(userClaim, idClaim, p.loginPredicate); err != nil {
		return nil, f.fail(err)
	}
	f.to(FlowClaimValidated)

	p.logger.Debug("authorization attempt succeeded", "op", op, "subject", idClaim.Subject())
	return &Identity{
		Subject:       idClaim.Subject(),
		RedirectTo:    st.RedirectTo,
		IdTokenClaim:  idClaim,
		UserClaim:     userClaim,
		TokenResponse: tr,
		State:         FlowClaimValidated,
	}, nil
}

// SessionEstablished records that an identity store started a session for
// the identity.
func (p *Provider) SessionEstablished(id *Identity) {
	if id == nil {
		return
	}
	f := p.newFlow(id.State)
	f.to(FlowSessionEstablished)
	id.State = FlowSessionEstablished
}

// Refresh requests new tokens with a refresh token.
func (p *Provider) Refresh(ctx context.Context, refreshToken RefreshToken) (*TokenResponse, error) {
	return p.tokens.Refresh(ctx, refreshToken)
}

// LogoutURL returns the provider's end session URL.  redirectTo and idToken
// are added as post_logout_redirect_uri and id_token_hint when they aren't
// empty.
func (p *Provider) LogoutURL(redirectTo string, idToken IdToken) (string, error) {
	const op = "Provider.LogoutURL"
	if p.config.EndSessionEndpoint == "" {
		return "", fmt.Errorf("%s: end session endpoint is not configured: %w", op, ErrNotFound)
	}
	u, err := url.Parse(p.config.EndSessionEndpoint)
	if err != nil {
		return "", fmt.Errorf("%s: unable to parse end session endpoint: %w", op, err)
	}
	q := u.Query()
	if redirectTo != "" {
		q.Set("post_logout_redirect_uri", redirectTo)
	}
	if idToken != "" {
		q.Set("id_token_hint", string(idToken))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// verifyIdToken checks the id_token's signature when a key set is configured
// and its "iss" and "aud" when an issuer or audiences are configured.
func (p *Provider) verifyIdToken(ctx context.Context, t IdToken, claim IdTokenClaim) error {
	const op = "Provider.verifyIdToken"
	if p.keySet != nil {
		verified, err := p.keySet.VerifySignature(ctx, string(t))
		if err != nil {
			return NewError(CodeInvalidIdTokenSig, WithOp(op), WithKind(KindInvalidToken), WithMsg("Invalid ID token signature."), WithWrap(err))
		}
		claim = verified
	}
	if p.issuer != "" {
		if iss := stringValue(claim, "iss"); iss != p.issuer {
			return NewError(CodeInvalidIdTokenIssuer, WithOp(op), WithKind(KindClaimValidation), WithMsg("Invalid ID token issuer."), WithPayload(iss))
		}
	}
	if len(p.audiences) > 0 {
		auds := claimAudiences(claim)
		if !containsAny(auds, p.audiences) {
			return NewError(CodeInvalidIdTokenAudience, WithOp(op), WithKind(KindClaimValidation), WithMsg("Invalid ID token audience."), WithPayload(auds))
		}
	}
	return nil
}

// claimAudiences returns "aud", which may be a string or a list of strings.
func claimAudiences(claim map[string]interface{}) []string {
	switch v := claim["aud"].(type) {
	case string:
		return []string{v}
	case []interface{}:
		auds := make([]string, 0, len(v))
		for _, a := range v {
			if s, ok := a.(string); ok {
				auds = append(auds, s)
			}
		}
		return auds
	}
	return nil
}

func containsAny(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

// redactParams returns a copy of callback parameters with the code redacted.
func redactParams(params url.Values) url.Values {
	out := make(url.Values, len(params))
	for k, v := range params {
		if k == "code" {
			out[k] = []string{"[REDACTED: code]"}
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	return out
}

// flow logs the transitions of one authorization attempt.
type flow struct {
	state  FlowState
	logger hclog.Logger
}

func (p *Provider) newFlow(s FlowState) *flow {
	return &flow{state: s, logger: p.logger}
}

func (f *flow) to(s FlowState) {
	f.logger.Trace("flow state transition", "from", f.state.String(), "to", s.String())
	f.state = s
}

// fail moves the flow to FlowFailed and returns err.
func (f *flow) fail(err error) error {
	f.logger.Trace("flow state transition", "from", f.state.String(), "to", FlowFailed.String(), "reason", string(ErrorCode(err)))
	f.logger.Warn("authorization attempt failed", "state", f.state.String(), "error", err)
	f.state = FlowFailed
	return err
}

// providerOptions is the set of available options for Provider functions
type providerOptions struct {
	withLogger         hclog.Logger
	withNowFunc        func() time.Time
	withSingleUseState bool
	withRequestMutator RequestMutator
	withAuthURLMutator AuthURLMutator
	withLoginPredicate LoginPredicate
	withKeySet         jwt.KeySet
	withIssuer         string
	withAudiences      []string
}

// providerDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func providerDefaults() providerOptions {
	return providerOptions{
		withNowFunc: time.Now,
	}
}

// getProviderOpts gets the provider defaults and applies the opt overrides
// passed in
func getProviderOpts(opt ...Option) providerOptions {
	opts := providerDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithAuthURLMutator provides an optional AuthURLMutator for the Provider
func WithAuthURLMutator(m AuthURLMutator) Option {
	return func(o interface{}) {
		if o, ok := o.(*providerOptions); ok {
			o.withAuthURLMutator = m
		}
	}
}

// WithLoginPredicate provides an optional LoginPredicate for the Provider
func WithLoginPredicate(fn LoginPredicate) Option {
	return func(o interface{}) {
		if o, ok := o.(*providerOptions); ok {
			o.withLoginPredicate = fn
		}
	}
}

// WithKeySet makes the Provider verify the id_token's signature with ks.
func WithKeySet(ks jwt.KeySet) Option {
	return func(o interface{}) {
		if o, ok := o.(*providerOptions); ok {
			o.withKeySet = ks
		}
	}
}

// WithIssuer makes the Provider require the id_token's "iss" to equal iss.
func WithIssuer(iss string) Option {
	return func(o interface{}) {
		if o, ok := o.(*providerOptions); ok {
			o.withIssuer = iss
		}
	}
}

// WithAudiences makes the Provider require the id_token's "aud" to contain
// at least one of auds.
func WithAudiences(auds ...string) Option {
	return func(o interface{}) {
		if o, ok := o.(*providerOptions); ok {
			o.withAudiences = auds
		}
	}
}
