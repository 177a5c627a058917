package oidc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenClient(t *testing.T) {
	t.Parallel()
	tp := StartTestProvider(t)
	tests := []struct {
		name      string
		config    *ClientConfig
		opts      []Option
		wantIsErr error
	}{
		{
			name:   "valid",
			config: tp.ClientConfig(),
			opts: []Option{
				WithLogger(hclog.NewNullLogger()),
				WithNow(time.Now),
				WithRequestMutator(func(Operation, *OutboundRequest) *OutboundRequest { return nil }),
			},
		},
		{
			name:      "nil-config",
			wantIsErr: ErrNilParameter,
		},
		{
			name:      "invalid-config",
			config:    &ClientConfig{ClientId: TestClientId},
			wantIsErr: ErrInvalidParameter,
		},
		{
			name:      "invalid-ca",
			config:    tp.ClientConfig(WithProviderCA("not a pem")),
			wantIsErr: ErrInvalidCACert,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			got, err := NewTokenClient(tt.config, tt.opts...)
			if tt.wantIsErr != nil {
				require.Error(err)
				assert.Truef(errors.Is(err, tt.wantIsErr), "wanted \"%s\" but got \"%s\"", tt.wantIsErr, err)
				return
			}
			require.NoError(err)
			assert.NotNil(got.client)
			assert.NotNil(got.logger)
			assert.NotNil(got.mutator)
		})
	}
}

func TestTokenClient_ExchangeCode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name      string
		body      *string
		code      string
		wantCode  Code
		wantKind  Kind
		wantMsg   string
		wantCalls int
	}{
		{
			name:      "valid",
			code:      "test-auth-code",
			wantCalls: 1,
		},
		{
			name:     "empty-code",
			wantCode: CodeNoCode,
			wantKind: KindParameterViolation,
		},
		{
			name:      "error-with-description",
			code:      "test-auth-code",
			body:      strPtr(`{"error":"invalid_grant","error_description":"code expired"}`),
			wantCode:  "invalid_grant",
			wantKind:  KindTokenEndpoint,
			wantMsg:   "code expired",
			wantCalls: 1,
		},
		{
			name:      "error-without-description",
			code:      "test-auth-code",
			body:      strPtr(`{"error":"invalid_request"}`),
			wantCode:  "invalid_request",
			wantKind:  KindTokenEndpoint,
			wantMsg:   "invalid_request",
			wantCalls: 1,
		},
		{
			name:      "empty-body",
			code:      "test-auth-code",
			body:      strPtr(``),
			wantCode:  CodeMissingTokenBody,
			wantKind:  KindInvalidToken,
			wantCalls: 1,
		},
		{
			name:      "null-body",
			code:      "test-auth-code",
			body:      strPtr(`null`),
			wantCode:  CodeInvalidToken,
			wantKind:  KindInvalidToken,
			wantCalls: 1,
		},
		{
			name:      "array-body",
			code:      "test-auth-code",
			body:      strPtr(`["access_token"]`),
			wantCode:  CodeInvalidToken,
			wantKind:  KindInvalidToken,
			wantCalls: 1,
		},
		{
			name:      "invalid-json",
			code:      "test-auth-code",
			body:      strPtr(`{"access_token":`),
			wantCode:  CodeInvalidToken,
			wantKind:  KindInvalidToken,
			wantCalls: 1,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			tp := StartTestProvider(t)
			if tt.body != nil {
				tp.SetTokenResponse(*tt.body)
			}
			c, err := NewTokenClient(tp.ClientConfig())
			require.NoError(err)

			got, err := c.ExchangeCode(ctx, tt.code)
			assert.Equal(tt.wantCalls, tp.RequestCount())
			if tt.wantCode != "" {
				require.Error(err)
				assert.Nil(got)
				assert.Equal(tt.wantCode, ErrorCode(err))
				assert.ErrorIs(err, tt.wantKind)
				if tt.wantMsg != "" {
					var e *Err
					require.True(errors.As(err, &e))
					assert.Equal(tt.wantMsg, e.Msg)
				}
				return
			}
			require.NoError(err)
			assert.Equal(AccessToken("test-access-token"), got.AccessToken)
			assert.Equal(RefreshToken("test-refresh-token"), got.RefreshToken)
			assert.Equal("Bearer", got.TokenType)
			assert.Equal(time.Hour, got.ExpiresIn)
			assert.NotEmpty(got.IdToken)
		})
	}
}

func TestTokenClient_ExchangeCode_Request(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	tp := StartTestProvider(t)
	c, err := NewTokenClient(tp.ClientConfig())
	require.NoError(err)

	_, err = c.ExchangeCode(ctx, "test-auth-code")
	require.NoError(err)

	req, ok := tp.LastRequest("/token")
	require.True(ok)
	assert.Equal(http.MethodPost, req.Method)
	assert.Equal("application/x-www-form-urlencoded", req.Header.Get("Content-Type"))
	assert.Equal(url.Values{
		"code":          {"test-auth-code"},
		"client_id":     {TestClientId},
		"client_secret": {TestClientSecret},
		"redirect_uri":  {TestRedirectUrl},
		"grant_type":    {"authorization_code"},
		"scope":         {"openid email profile"},
	}, req.Form)

	u, err := url.Parse(tp.Addr())
	require.NoError(err)
	assert.Equal(u.Host, req.Host)
}

func TestTokenClient_RequestMutator(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("token-request", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		var seen []Operation
		c, err := NewTokenClient(tp.ClientConfig(), WithRequestMutator(func(op Operation, req *OutboundRequest) *OutboundRequest {
			seen = append(seen, op)
			assert.Equal(tp.TokenEndpoint(), req.Url)
			req.Header.Set("X-Request-Id", "abc")
			req.Body.Set("resource", "https://api.example.com")
			return req
		}))
		require.NoError(err)

		_, err = c.ExchangeCode(ctx, "test-auth-code")
		require.NoError(err)
		_, err = c.Refresh(ctx, "test-refresh-token")
		require.NoError(err)
		assert.Equal([]Operation{OpGetAuthenticationToken, OpRefreshToken}, seen)

		req, ok := tp.LastRequest("/token")
		require.True(ok)
		assert.Equal("abc", req.Header.Get("X-Request-Id"))
		assert.Equal("https://api.example.com", req.Form.Get("resource"))
	})
	t.Run("replaced-request", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		c, err := NewTokenClient(tp.ClientConfig(), WithRequestMutator(func(op Operation, req *OutboundRequest) *OutboundRequest {
			return &OutboundRequest{
				Url:    req.Url,
				Header: http.Header{},
				Body:   url.Values{"grant_type": {"client_credentials"}},
			}
		}))
		require.NoError(err)

		_, err = c.ExchangeCode(ctx, "test-auth-code")
		require.Error(err)
		assert.Equal(Code("invalid_client"), ErrorCode(err))
	})
	t.Run("userinfo-headers-win", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		c, err := NewTokenClient(tp.ClientConfig(), WithRequestMutator(func(op Operation, req *OutboundRequest) *OutboundRequest {
			if op == OpGetUserinfo {
				req.Header.Set("Authorization", "Bearer forged")
				req.Header.Set("Accept-Language", "ru")
			}
			return req
		}))
		require.NoError(err)

		got, err := c.UserInfo(ctx, "test-access-token")
		require.NoError(err)
		assert.Equal("alice", got.Subject())

		req, ok := tp.LastRequest("/userinfo")
		require.True(ok)
		assert.Equal("Bearer test-access-token", req.Header.Get("Authorization"))
		assert.Equal("ru", req.Header.Get("Accept-Language"))
	})
}

func TestTokenClient_Refresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tp := StartTestProvider(t)
	tp.SetExpectedRefreshToken("R1")
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c, err := NewTokenClient(tp.ClientConfig(), WithNow(func() time.Time { return now }))
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		got, err := c.Refresh(ctx, "R1")
		require.NoError(err)
		assert.Equal(AccessToken("test-access-token"), got.AccessToken)
		assert.Equal(now.Add(time.Hour), got.Expiry)

		req, ok := tp.LastRequest("/token")
		require.True(ok)
		assert.Equal(url.Values{
			"refresh_token": {"R1"},
			"client_id":     {TestClientId},
			"client_secret": {TestClientSecret},
			"grant_type":    {"refresh_token"},
		}, req.Form)
	})
	t.Run("rejected", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		_, err := c.Refresh(ctx, "R0")
		require.Error(err)
		assert.Equal(Code("invalid_grant"), ErrorCode(err))
		assert.ErrorIs(err, KindTokenEndpoint)
	})
	t.Run("empty", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		calls := tp.RequestCount()
		_, err := c.Refresh(ctx, "")
		require.Error(err)
		assert.Equal(CodeRefreshFailed, ErrorCode(err))
		assert.ErrorIs(err, KindParameterViolation)
		assert.Equal(calls, tp.RequestCount())
	})
}

func TestTokenClient_UserInfo(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name     string
		body     *string
		token    AccessToken
		want     UserClaim
		wantCode Code
		wantKind Kind
	}{
		{
			name:  "valid",
			token: "test-access-token",
			want:  UserClaim{"sub": "alice", "email": "alice@example.com", "name": "Test User"},
		},
		{
			name:  "provider-error-is-a-claim",
			token: "wrong",
			want:  UserClaim{"error": "invalid_token", "error_description": "unexpected access token"},
		},
		{
			name:     "empty-body",
			token:    "test-access-token",
			body:     strPtr(``),
			wantCode: CodeBadClaim,
			wantKind: KindClaimValidation,
		},
		{
			name:     "null-body",
			token:    "test-access-token",
			body:     strPtr(`null`),
			wantCode: CodeInvalidUserClaim,
			wantKind: KindClaimValidation,
		},
		{
			name:     "invalid-json",
			token:    "test-access-token",
			body:     strPtr(`<html></html>`),
			wantCode: CodeInvalidUserClaim,
			wantKind: KindClaimValidation,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			tp := StartTestProvider(t)
			if tt.body != nil {
				tp.SetUserInfoResponse(*tt.body)
			}
			c, err := NewTokenClient(tp.ClientConfig())
			require.NoError(err)

			got, err := c.UserInfo(ctx, tt.token)
			if tt.wantCode != "" {
				require.Error(err)
				assert.Equal(tt.wantCode, ErrorCode(err))
				assert.ErrorIs(err, tt.wantKind)
				return
			}
			require.NoError(err)
			assert.Equal(tt.want, got)

			req, ok := tp.LastRequest("/userinfo")
			require.True(ok)
			assert.Equal(http.MethodPost, req.Method)
			assert.Equal("Bearer "+string(tt.token), req.Header.Get("Authorization"))
		})
	}
}

func TestTokenClient_UserInfo_Host(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	tp := StartTestProvider(t)
	c, err := NewTokenClient(tp.ClientConfig())
	require.NoError(err)

	_, err = c.UserInfo(ctx, "test-access-token")
	require.NoError(err)

	req, ok := tp.LastRequest("/userinfo")
	require.True(ok)
	u, err := url.Parse(tp.UserinfoEndpoint())
	require.NoError(err)
	// the test provider listens on a random, non-default port
	require.NotEmpty(u.Port())
	assert.Equal(u.Host, req.Host)
	assert.Equal(u.Hostname()+":"+u.Port(), req.Host)
}

func Test_setHost(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		url  string
		want string
	}{
		{name: "no-port", url: "https://railid.ru/oauth/me", want: "railid.ru"},
		{name: "https-default-port", url: "https://idp.example.com:443/oauth/me", want: "idp.example.com"},
		{name: "http-default-port", url: "http://idp.example.com:80/oauth/me", want: "idp.example.com"},
		{name: "https-non-default-port", url: "https://idp.example.com:8443/oauth/me", want: "idp.example.com:8443"},
		{name: "http-on-443", url: "http://idp.example.com:443/oauth/me", want: "idp.example.com:443"},
		{name: "https-on-80", url: "https://idp.example.com:80/oauth/me", want: "idp.example.com:80"},
		{name: "ipv6-default-port", url: "https://[::1]:443/oauth/me", want: "[::1]"},
		{name: "ipv6-non-default-port", url: "https://[::1]:8443/oauth/me", want: "[::1]:8443"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			req := &OutboundRequest{Url: tt.url}
			require.NoError(setHost(req))
			assert.Equal(tt.want, req.Header.Get("Host"))
		})
	}

	t.Run("bad-url", func(t *testing.T) {
		t.Parallel()
		assert.Error(t, setHost(&OutboundRequest{Url: "https://[::1"}))
	})
}

func TestTokenClient_NetworkFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("unreachable", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		c, err := NewTokenClient(tp.ClientConfig())
		require.NoError(err)
		tp.Stop()

		_, err = c.ExchangeCode(ctx, "test-auth-code")
		assert.Equal(CodeTokenRequestFailed, ErrorCode(err))
		assert.ErrorIs(err, KindNetwork)

		_, err = c.Refresh(ctx, "test-refresh-token")
		assert.Equal(CodeRefreshFailed, ErrorCode(err))
		assert.ErrorIs(err, KindNetwork)

		_, err = c.UserInfo(ctx, "test-access-token")
		require.Error(err)
		assert.Equal(CodeBadClaim, ErrorCode(err))
		assert.ErrorIs(err, KindNetwork)
	})
	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		}))
		t.Cleanup(slow.Close)

		config, err := NewClientConfig(TestClientId, TestClientSecret, TestRedirectUrl,
			WithAuthorizeEndpoint(slow.URL+"/authorize"),
			WithTokenEndpoint(slow.URL+"/token"),
			WithUserinfoEndpoint(slow.URL+"/userinfo"),
			WithHttpRequestTimeout(50*time.Millisecond),
		)
		require.NoError(err)
		c, err := NewTokenClient(config)
		require.NoError(err)

		start := time.Now()
		_, err = c.ExchangeCode(ctx, "test-auth-code")
		require.Error(err)
		assert.ErrorIs(err, KindNetwork)
		assert.Less(time.Since(start), 5*time.Second)
	})
	t.Run("canceled-context", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		c, err := NewTokenClient(tp.ClientConfig())
		require.NoError(err)

		cancelCtx, cancel := context.WithCancel(ctx)
		cancel()
		_, err = c.ExchangeCode(cancelCtx, "test-auth-code")
		require.Error(err)
		assert.ErrorIs(err, KindNetwork)
		assert.ErrorIs(err, context.Canceled)
	})
}

func Test_redactTokenBody(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	in := map[string]interface{}{
		"access_token":  "a",
		"id_token":      "i",
		"refresh_token": "r",
		"token_type":    "Bearer",
	}
	got := redactTokenBody(in)
	assert.Equal(map[string]interface{}{
		"access_token":  RedactedAccessToken,
		"id_token":      RedactedIdToken,
		"refresh_token": RedactedRefreshToken,
		"token_type":    "Bearer",
	}, got)
	assert.Equal("a", in["access_token"])
}

func strPtr(s string) *string { return &s }
