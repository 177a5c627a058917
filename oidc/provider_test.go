package oidc

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estcore/railid-connect/jwt"
	"github.com/estcore/railid-connect/store/memory"
)

// testStartFlow builds an authorization URL for redirectTo and returns the
// issued state token.
func testStartFlow(t *testing.T, p *Provider, redirectTo string) string {
	t.Helper()
	authURL, err := p.AuthURL(context.Background(), redirectTo)
	require.NoError(t, err)
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func testCallbackParams(state, code string) url.Values {
	v := url.Values{}
	if state != "" {
		v.Set("state", state)
	}
	if code != "" {
		v.Set("code", code)
	}
	return v
}

func TestNewProvider(t *testing.T) {
	t.Parallel()
	tp := StartTestProvider(t)
	valid := tp.ClientConfig()
	tests := []struct {
		name      string
		config    *ClientConfig
		nilStore  bool
		opts      []Option
		wantErr   bool
		wantIsErr error
	}{
		{
			name:   "valid",
			config: valid,
		},
		{
			name:   "valid-all-options",
			config: valid,
			opts: []Option{
				WithLogger(hclog.NewNullLogger()),
				WithNow(time.Now),
				WithSingleUseState(),
				WithRequestMutator(func(Operation, *OutboundRequest) *OutboundRequest { return nil }),
				WithAuthURLMutator(func(u *url.URL) *url.URL { return u }),
				WithLoginPredicate(func(UserClaim) bool { return true }),
				WithIssuer(tp.Addr()),
				WithAudiences(TestClientId),
			},
		},
		{
			name:      "nil-config",
			wantErr:   true,
			wantIsErr: ErrNilParameter,
		},
		{
			name:      "nil-storage",
			config:    valid,
			nilStore:  true,
			wantErr:   true,
			wantIsErr: ErrNilParameter,
		},
		{
			name:      "invalid-config",
			config:    &ClientConfig{},
			wantErr:   true,
			wantIsErr: ErrInvalidParameter,
		},
		{
			name: "invalid-ca",
			config: func() *ClientConfig {
				c := *valid
				c.ProviderCA = "not a pem"
				return &c
			}(),
			wantErr:   true,
			wantIsErr: ErrInvalidCACert,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			storage := memory.New(memory.DefaultCleanupInterval)
			var err error
			var got *Provider
			if tt.nilStore {
				got, err = NewProvider(tt.config, nil, tt.opts...)
			} else {
				got, err = NewProvider(tt.config, storage, tt.opts...)
			}
			if tt.wantErr {
				require.Error(err)
				assert.Truef(errors.Is(err, tt.wantIsErr), "wanted \"%s\" but got \"%s\"", tt.wantIsErr, err)
				return
			}
			require.NoError(err)
			assert.Equal(tt.config, got.Config())
			assert.Equal(tt.config.Scopes(), got.oauth2Config.Scopes)
		})
	}
}

func TestProvider_AuthURL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tp := StartTestProvider(t)

	t.Run("composed", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		storage := memory.New(memory.DefaultCleanupInterval)
		p, err := NewProvider(tp.ClientConfig(), storage)
		require.NoError(err)

		authURL, err := p.AuthURL(ctx, "/dashboard")
		require.NoError(err)
		u, err := url.Parse(authURL)
		require.NoError(err)
		assert.Equal(tp.AuthorizeEndpoint(), u.Scheme+"://"+u.Host+u.Path)

		q := u.Query()
		assert.Equal("code", q.Get("response_type"))
		assert.Equal(TestClientId, q.Get("client_id"))
		assert.Equal(TestRedirectUrl, q.Get("redirect_uri"))
		assert.Equal("openid email profile", q.Get("scope"))
		require.NotEmpty(q.Get("state"))

		st, err := p.states.Validate(ctx, q.Get("state"))
		require.NoError(err)
		assert.Equal("/dashboard", st.RedirectTo)
		assert.Equal(1, storage.Len())
		assert.Equal(0, tp.RequestCount())
	})
	t.Run("mutated", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		p, err := NewProvider(tp.ClientConfig(), memory.New(memory.DefaultCleanupInterval),
			WithAuthURLMutator(func(u *url.URL) *url.URL {
				q := u.Query()
				q.Set("prompt", "login")
				u.RawQuery = q.Encode()
				return u
			}),
		)
		require.NoError(err)
		authURL, err := p.AuthURL(ctx, "/")
		require.NoError(err)
		u, err := url.Parse(authURL)
		require.NoError(err)
		assert.Equal("login", u.Query().Get("prompt"))
		assert.NotEmpty(u.Query().Get("state"))
	})
	t.Run("nil-mutation-keeps-url", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		p, err := NewProvider(tp.ClientConfig(), memory.New(memory.DefaultCleanupInterval),
			WithAuthURLMutator(func(*url.URL) *url.URL { return nil }),
		)
		require.NoError(err)
		authURL, err := p.AuthURL(ctx, "/")
		require.NoError(err)
		u, err := url.Parse(authURL)
		require.NoError(err)
		assert.Equal("code", u.Query().Get("response_type"))
	})
}

func TestProvider_Callback_FullFlow(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()

	tp := StartTestProvider(t)
	tp.SetExpectedAuthCode("C1")
	tp.SetAccessToken("A1")
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"u1"}`))
	tp.SetTokenResponse(fmt.Sprintf(`{"id_token":"eyJhbGciOiJub25lIn0.%s.c2ln","token_type":"Bearer","access_token":"A1"}`, payload))
	tp.SetUserInfoReply(map[string]interface{}{"sub": "u1", "email": "a@b.com"})

	p, err := NewProvider(tp.ClientConfig(), memory.New(memory.DefaultCleanupInterval))
	require.NoError(err)

	state := testStartFlow(t, p, "/dashboard")
	got, err := p.Callback(ctx, testCallbackParams(state, "C1"))
	require.NoError(err)
	assert.Equal("u1", got.Subject)
	assert.Equal("/dashboard", got.RedirectTo)
	assert.Equal(IdTokenClaim{"sub": "u1"}, got.IdTokenClaim)
	assert.Equal(UserClaim{"sub": "u1", "email": "a@b.com"}, got.UserClaim)
	assert.Equal(AccessToken("A1"), got.TokenResponse.AccessToken)
	assert.Equal(FlowClaimValidated, got.State)

	tokenReq, ok := tp.LastRequest("/token")
	require.True(ok)
	assert.Equal("POST", tokenReq.Method)
	assert.Equal("C1", tokenReq.Form.Get("code"))
	assert.Equal(TestClientId, tokenReq.Form.Get("client_id"))
	assert.Equal(TestClientSecret, tokenReq.Form.Get("client_secret"))
	assert.Equal(TestRedirectUrl, tokenReq.Form.Get("redirect_uri"))
	assert.Equal("authorization_code", tokenReq.Form.Get("grant_type"))
	assert.Equal("openid email profile", tokenReq.Form.Get("scope"))

	userinfoReq, ok := tp.LastRequest("/userinfo")
	require.True(ok)
	assert.Equal("POST", userinfoReq.Method)
	assert.Equal("Bearer A1", userinfoReq.Header.Get("Authorization"))
	u, err := url.Parse(tp.Addr())
	require.NoError(err)
	assert.Equal(u.Host, userinfoReq.Host)
	assert.Equal(2, tp.RequestCount())

	p.SessionEstablished(got)
	assert.Equal(FlowSessionEstablished, got.State)
}

func TestProvider_Callback_MissingStateMakesNoRequest(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	tp := StartTestProvider(t)
	p, err := NewProvider(tp.ClientConfig(), memory.New(memory.DefaultCleanupInterval))
	require.NoError(err)

	_, err = p.Callback(context.Background(), testCallbackParams("", "C1"))
	require.Error(err)
	assert.ErrorIs(err, ErrMissingState)
	assert.ErrorIs(err, KindProtocol)
	assert.Equal(0, tp.RequestCount())
}

func TestProvider_Callback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name      string
		setup     func(tp *TestProvider)
		opts      []Option
		params    func(state string) url.Values
		wantCode  Code
		wantKind  Kind
		wantMsg   string
		wantCalls int
	}{
		{
			name: "provider-error",
			params: func(state string) url.Values {
				v := testCallbackParams(state, "")
				v.Set("error", "access_denied")
				return v
			},
			wantCode: CodeProviderError,
			wantKind: KindProtocol,
		},
		{
			name:     "no-code",
			params:   func(state string) url.Values { return testCallbackParams(state, "") },
			wantCode: CodeNoCode,
			wantKind: KindProtocol,
		},
		{
			name:     "unknown-state",
			params:   func(string) url.Values { return testCallbackParams("st_never-issued", "test-auth-code") },
			wantCode: CodeInvalidState,
			wantKind: KindState,
		},
		{
			name: "token-endpoint-error",
			setup: func(tp *TestProvider) {
				tp.SetTokenResponse(`{"error":"invalid_grant","error_description":"code expired"}`)
			},
			wantCode:  "invalid_grant",
			wantKind:  KindTokenEndpoint,
			wantMsg:   "code expired",
			wantCalls: 1,
		},
		{
			name:      "wrong-code",
			params:    func(state string) url.Values { return testCallbackParams(state, "not-the-code") },
			wantCode:  "invalid_grant",
			wantKind:  KindTokenEndpoint,
			wantMsg:   "unexpected auth code",
			wantCalls: 1,
		},
		{
			name:      "unparseable-token-body",
			setup:     func(tp *TestProvider) { tp.SetTokenResponse(`<html>`) },
			wantCode:  CodeInvalidToken,
			wantKind:  KindInvalidToken,
			wantCalls: 1,
		},
		{
			name:      "null-token-body",
			setup:     func(tp *TestProvider) { tp.SetTokenResponse(`null`) },
			wantCode:  CodeInvalidToken,
			wantKind:  KindInvalidToken,
			wantCalls: 1,
		},
		{
			name:      "empty-token-body",
			setup:     func(tp *TestProvider) { tp.SetTokenResponse(``) },
			wantCode:  CodeMissingTokenBody,
			wantKind:  KindInvalidToken,
			wantCalls: 1,
		},
		{
			name:      "missing-id-token",
			setup:     func(tp *TestProvider) { tp.OmitIdTokens() },
			wantCode:  CodeInvalidTokenResponse,
			wantKind:  KindInvalidToken,
			wantCalls: 1,
		},
		{
			name:      "wrong-token-type",
			setup:     func(tp *TestProvider) { tp.SetTokenType("mac") },
			wantCode:  CodeInvalidTokenResponse,
			wantKind:  KindInvalidToken,
			wantCalls: 1,
		},
		{
			name:      "single-segment-id-token",
			setup:     func(tp *TestProvider) { tp.SetTokenResponse(`{"id_token":"abc","token_type":"Bearer"}`) },
			wantCode:  CodeMissingIdentityToken,
			wantKind:  KindClaimDecode,
			wantCalls: 1,
		},
		{
			name:      "no-subject",
			setup:     func(tp *TestProvider) { tp.SetSubject("") },
			wantCode:  CodeNoSubjectIdentity,
			wantKind:  KindClaimValidation,
			wantCalls: 1,
		},
		{
			name: "subject-mismatch",
			setup: func(tp *TestProvider) {
				tp.SetSubject("abc")
				tp.SetUserInfoReply(map[string]interface{}{"sub": "xyz"})
			},
			wantCode:  CodeIncorrectUserClaim,
			wantKind:  KindClaimValidation,
			wantCalls: 2,
		},
		{
			name: "userinfo-error",
			setup: func(tp *TestProvider) {
				tp.SetUserInfoResponse(`{"error":"invalid_token","error_description":"token revoked"}`)
			},
			wantCode:  "invalid-user-claim-invalid_token",
			wantKind:  KindClaimValidation,
			wantMsg:   "token revoked",
			wantCalls: 2,
		},
		{
			name:      "userinfo-empty",
			setup:     func(tp *TestProvider) { tp.SetUserInfoResponse(``) },
			wantCode:  CodeBadClaim,
			wantKind:  KindClaimValidation,
			wantCalls: 2,
		},
		{
			name:      "userinfo-unparseable",
			setup:     func(tp *TestProvider) { tp.SetUserInfoResponse(`not json`) },
			wantCode:  CodeInvalidUserClaim,
			wantKind:  KindClaimValidation,
			wantCalls: 2,
		},
		{
			name:      "login-vetoed",
			opts:      []Option{WithLoginPredicate(func(c UserClaim) bool { return c["email"] == "bob@example.com" })},
			wantCode:  CodeUnauthorized,
			wantKind:  KindClaimValidation,
			wantCalls: 2,
		},
		{
			name:      "wrong-issuer",
			opts:      []Option{WithIssuer("https://issuer.example.com")},
			wantCode:  CodeInvalidIdTokenIssuer,
			wantKind:  KindClaimValidation,
			wantCalls: 1,
		},
		{
			name:      "wrong-audience",
			opts:      []Option{WithAudiences("someone-else")},
			wantCode:  CodeInvalidIdTokenAudience,
			wantKind:  KindClaimValidation,
			wantCalls: 1,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			tp := StartTestProvider(t)
			if tt.setup != nil {
				tt.setup(tp)
			}
			p, err := NewProvider(tp.ClientConfig(), memory.New(memory.DefaultCleanupInterval), tt.opts...)
			require.NoError(err)

			state := testStartFlow(t, p, "/dashboard")
			params := testCallbackParams(state, "test-auth-code")
			if tt.params != nil {
				params = tt.params(state)
			}
			got, err := p.Callback(ctx, params)
			require.Error(err)
			assert.Nil(got)
			assert.Equal(tt.wantCode, ErrorCode(err))
			assert.ErrorIs(err, tt.wantKind)
			if tt.wantMsg != "" {
				var e *Err
				require.True(errors.As(err, &e))
				assert.Equal(tt.wantMsg, e.Msg)
			}
			assert.Equal(tt.wantCalls, tp.RequestCount())
		})
	}
}

func TestProvider_Callback_InvalidStateWrapsCause(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	tp := StartTestProvider(t)

	now := time.Now()
	p, err := NewProvider(tp.ClientConfig(WithStateTimeLimit(time.Minute)), memory.New(memory.DefaultCleanupInterval),
		WithNow(func() time.Time { return now }),
	)
	require.NoError(err)
	state := testStartFlow(t, p, "/")

	now = now.Add(2 * time.Minute)
	_, err = p.Callback(ctx, testCallbackParams(state, "test-auth-code"))
	require.Error(err)
	assert.ErrorIs(err, ErrInvalidState)
	assert.ErrorIs(err, ErrStateExpired)
	assert.Equal(0, tp.RequestCount())
}

func TestProvider_Callback_StatePolicies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("ttl-only", func(t *testing.T) {
		t.Parallel()
		require := require.New(t)
		tp := StartTestProvider(t)
		p, err := NewProvider(tp.ClientConfig(), memory.New(memory.DefaultCleanupInterval))
		require.NoError(err)
		state := testStartFlow(t, p, "/")
		for i := 0; i < 2; i++ {
			_, err := p.Callback(ctx, testCallbackParams(state, "test-auth-code"))
			require.NoErrorf(err, "callback %d", i)
		}
	})
	t.Run("single-use", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		p, err := NewProvider(tp.ClientConfig(), memory.New(memory.DefaultCleanupInterval), WithSingleUseState())
		require.NoError(err)
		state := testStartFlow(t, p, "/")
		_, err = p.Callback(ctx, testCallbackParams(state, "test-auth-code"))
		require.NoError(err)

		calls := tp.RequestCount()
		_, err = p.Callback(ctx, testCallbackParams(state, "test-auth-code"))
		require.Error(err)
		assert.ErrorIs(err, ErrInvalidState)
		assert.ErrorIs(err, ErrStateNotFound)
		assert.Equal(calls, tp.RequestCount())
	})
}

func TestProvider_Callback_SignatureVerification(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name     string
		unsigned bool
		opts     func(tp *TestProvider, ks jwt.KeySet) []Option
		wantCode Code
	}{
		{
			name: "verified",
			opts: func(tp *TestProvider, ks jwt.KeySet) []Option {
				return []Option{WithKeySet(ks), WithIssuer(tp.Addr()), WithAudiences(TestClientId)}
			},
		},
		{
			name:     "unsigned",
			unsigned: true,
			opts: func(_ *TestProvider, ks jwt.KeySet) []Option {
				return []Option{WithKeySet(ks)}
			},
			wantCode: CodeInvalidIdTokenSig,
		},
		{
			name:     "unsigned-without-key-set",
			unsigned: true,
			opts:     func(*TestProvider, jwt.KeySet) []Option { return nil },
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			tp := StartTestProvider(t)
			if tt.unsigned {
				tp.UseUnsignedIdTokens()
			}
			ks, err := jwt.NewJSONWebKeySet(ctx, tp.JWKSEndpoint(), tp.CACert())
			require.NoError(err)

			p, err := NewProvider(tp.ClientConfig(), memory.New(memory.DefaultCleanupInterval), tt.opts(tp, ks)...)
			require.NoError(err)
			state := testStartFlow(t, p, "/")
			got, err := p.Callback(ctx, testCallbackParams(state, "test-auth-code"))
			if tt.wantCode != "" {
				require.Error(err)
				assert.Equal(tt.wantCode, ErrorCode(err))
				assert.ErrorIs(err, KindInvalidToken)
				return
			}
			require.NoError(err)
			assert.Equal("alice", got.Subject)
		})
	}
}

func TestProvider_Refresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tp := StartTestProvider(t)
	p, err := NewProvider(tp.ClientConfig(), memory.New(memory.DefaultCleanupInterval))
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tr, err := p.Refresh(ctx, "test-refresh-token")
		require.NoError(err)
		assert.Equal(AccessToken("test-access-token"), tr.AccessToken)
		assert.True(tr.Valid(time.Now()))

		req, ok := tp.LastRequest("/token")
		require.True(ok)
		assert.Equal("refresh_token", req.Form.Get("grant_type"))
		assert.Equal("test-refresh-token", req.Form.Get("refresh_token"))
		assert.Empty(req.Form.Get("scope"))
		assert.False(req.Form.Has("scope"))
	})
	t.Run("rejected", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		_, err := p.Refresh(ctx, "stale")
		require.Error(err)
		assert.Equal(Code("invalid_grant"), ErrorCode(err))
		assert.ErrorIs(err, KindTokenEndpoint)
	})
	t.Run("empty", func(t *testing.T) {
		_, err := p.Refresh(ctx, "")
		assert.ErrorIs(t, err, KindParameterViolation)
	})
}

func TestProvider_LogoutURL(t *testing.T) {
	t.Parallel()
	tp := StartTestProvider(t)
	tests := []struct {
		name       string
		config     *ClientConfig
		redirectTo string
		idToken    IdToken
		want       url.Values
		wantIsErr  error
	}{
		{
			name:   "bare",
			config: tp.ClientConfig(),
			want:   url.Values{},
		},
		{
			name:       "with-redirect-and-hint",
			config:     tp.ClientConfig(),
			redirectTo: "https://example.com/",
			idToken:    "h.p.s",
			want: url.Values{
				"post_logout_redirect_uri": {"https://example.com/"},
				"id_token_hint":            {"h.p.s"},
			},
		},
		{
			name:      "not-configured",
			config:    tp.ClientConfig(WithEndSessionEndpoint("")),
			wantIsErr: ErrNotFound,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			p, err := NewProvider(tt.config, memory.New(memory.DefaultCleanupInterval))
			require.NoError(err)
			got, err := p.LogoutURL(tt.redirectTo, tt.idToken)
			if tt.wantIsErr != nil {
				assert.ErrorIs(err, tt.wantIsErr)
				return
			}
			require.NoError(err)
			u, err := url.Parse(got)
			require.NoError(err)
			assert.Equal(tp.EndSessionEndpoint(), u.Scheme+"://"+u.Host+u.Path)
			assert.Equal(tt.want, u.Query())
		})
	}
}

func TestFlowState_String(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	want := []string{
		"START", "REDIRECTED", "CALLBACK_RECEIVED", "CODE_VALIDATED",
		"TOKEN_EXCHANGED", "CLAIM_VALIDATED", "SESSION_ESTABLISHED", "FAILED",
	}
	for i, w := range want {
		assert.Equal(w, FlowState(i).String())
	}
	assert.Equal("FlowState(42)", FlowState(42).String())
}

func Test_redactParams(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	in := url.Values{"code": {"secret"}, "state": {"st_1"}}
	got := redactParams(in)
	assert.Equal("[REDACTED: code]", got.Get("code"))
	assert.Equal("st_1", got.Get("state"))
	assert.Equal("secret", in.Get("code"))
}
