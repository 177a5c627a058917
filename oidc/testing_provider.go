package oidc

import (
	"bytes"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

const (
	// TestClientId is the client id a TestProvider expects by default.
	TestClientId = "test-client-id"

	// TestClientSecret is the client secret a TestProvider expects by default.
	TestClientSecret = "test-client-secret"

	// TestRedirectUrl is the redirect URL used by TestProvider.ClientConfig.
	TestRedirectUrl = "https://example.com/callback"

	// TestKeyId is the key id of a TestProvider's signing key.
	TestKeyId = "test-signing-key"
)

// TestRequest is a request received by a TestProvider.
type TestRequest struct {
	Method string
	Path   string
	Host   string
	Header http.Header
	Form   url.Values
}

// TestProvider is a local TLS server which implements the authorize, token,
// userinfo and JWKS endpoints of a provider.  It records every request it
// receives so tests can assert on what was (or wasn't) sent.
type TestProvider struct {
	httpServer *httptest.Server
	caCert     string

	jwks            *jose.JSONWebKeySet
	ecdsaPublicKey  string
	ecdsaPrivateKey string

	mu                   sync.Mutex
	clientId             string
	clientSecret         string
	expectedAuthCode     string
	expectedRefreshToken string
	replySubject         string
	replyAccessToken     string
	replyRefreshToken    string
	replyTokenType       string
	replyExpiresIn       int
	replyUserinfo        map[string]interface{}
	customClaims         map[string]interface{}
	customAudience       string
	customTokenBody      *string
	customUserinfoBody   *string
	omitIdToken          bool
	unsignedIdToken      bool
	requests             []TestRequest

	t *testing.T
}

// StartTestProvider creates and starts a disposable TestProvider.  It's
// stopped when the test completes.
func StartTestProvider(t *testing.T) *TestProvider {
	t.Helper()
	require := require.New(t)

	p := &TestProvider{
		clientId:             TestClientId,
		clientSecret:         TestClientSecret,
		expectedAuthCode:     "test-auth-code",
		expectedRefreshToken: "test-refresh-token",
		replySubject:         "alice",
		replyAccessToken:     "test-access-token",
		replyRefreshToken:    "test-refresh-token",
		replyTokenType:       "Bearer",
		replyExpiresIn:       3600,
		t:                    t,
	}
	p.ecdsaPublicKey, p.ecdsaPrivateKey = TestGenerateKeys(t)
	p.jwks = testJWKS(t, p.ecdsaPublicKey)

	p.httpServer = httptest.NewUnstartedServer(p)
	p.httpServer.Config.ErrorLog = log.New(io.Discard, "", 0)
	p.httpServer.StartTLS()
	t.Cleanup(p.httpServer.Close)

	var buf bytes.Buffer
	err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: p.httpServer.Certificate().Raw})
	require.NoError(err)
	p.caCert = buf.String()

	return p
}

// Stop stops the running TestProvider.
func (p *TestProvider) Stop() {
	p.httpServer.Close()
}

// Addr returns the base URL of the test provider's running webserver.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// CACert returns the pem-encoded CA certificate used by the test provider's
// HTTPS server.
func (p *TestProvider) CACert() string { return p.caCert }

// SigningKeys returns the test provider's pem-encoded keys used to sign JWTs.
func (p *TestProvider) SigningKeys() (pub, priv string) {
	return p.ecdsaPublicKey, p.ecdsaPrivateKey
}

// AuthorizeEndpoint returns the test provider's authorize endpoint.
func (p *TestProvider) AuthorizeEndpoint() string { return p.Addr() + "/authorize" }

// TokenEndpoint returns the test provider's token endpoint.
func (p *TestProvider) TokenEndpoint() string { return p.Addr() + "/token" }

// UserinfoEndpoint returns the test provider's userinfo endpoint.
func (p *TestProvider) UserinfoEndpoint() string { return p.Addr() + "/userinfo" }

// EndSessionEndpoint returns the test provider's end session endpoint.  The
// test provider doesn't serve it.
func (p *TestProvider) EndSessionEndpoint() string { return p.Addr() + "/destroy" }

// JWKSEndpoint returns the test provider's JWKS endpoint.
func (p *TestProvider) JWKSEndpoint() string { return p.Addr() + "/certs" }

// ClientConfig returns a config for the test provider's endpoints and client
// credentials.  The opts are applied after the provider's own options.
func (p *TestProvider) ClientConfig(opt ...Option) *ClientConfig {
	p.t.Helper()
	p.mu.Lock()
	id, secret := p.clientId, p.clientSecret
	p.mu.Unlock()
	opts := append([]Option{
		WithScope("openid email profile"),
		WithAuthorizeEndpoint(p.AuthorizeEndpoint()),
		WithTokenEndpoint(p.TokenEndpoint()),
		WithUserinfoEndpoint(p.UserinfoEndpoint()),
		WithEndSessionEndpoint(p.EndSessionEndpoint()),
		WithProviderCA(p.caCert),
	}, opt...)
	c, err := NewClientConfig(id, ClientSecret(secret), TestRedirectUrl, opts...)
	require.NoError(p.t, err)
	return c
}

// SetClientCreds configures the client credentials the token endpoint
// requires.
func (p *TestProvider) SetClientCreds(clientId, clientSecret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientId = clientId
	p.clientSecret = clientSecret
}

// SetExpectedAuthCode configures the code returned from /authorize and the
// code allowed by /token.
func (p *TestProvider) SetExpectedAuthCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthCode = code
}

// SetExpectedRefreshToken configures the refresh token allowed by /token.
func (p *TestProvider) SetExpectedRefreshToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedRefreshToken = token
}

// SetSubject configures the "sub" of issued id_tokens and of the default
// userinfo reply.
func (p *TestProvider) SetSubject(sub string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replySubject = sub
}

// SetAccessToken configures the access token issued by /token and required
// by /userinfo.
func (p *TestProvider) SetAccessToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyAccessToken = token
}

// SetTokenType configures the token_type returned by /token.
func (p *TestProvider) SetTokenType(tokenType string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyTokenType = tokenType
}

// SetCustomClaims lets you set claims to add to issued id_tokens.
func (p *TestProvider) SetCustomClaims(customClaims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customClaims = customClaims
}

// SetCustomAudience configures the audience of issued id_tokens.  It defaults
// to the client id.
func (p *TestProvider) SetCustomAudience(customAudience string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customAudience = customAudience
}

// SetUserInfoReply configures the claims returned by /userinfo.  By default
// it returns the configured subject with an email and name.
func (p *TestProvider) SetUserInfoReply(resp map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyUserinfo = resp
}

// SetTokenResponse makes /token reply with body verbatim.
func (p *TestProvider) SetTokenResponse(body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customTokenBody = &body
}

// SetUserInfoResponse makes /userinfo reply with body verbatim.
func (p *TestProvider) SetUserInfoResponse(body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customUserinfoBody = &body
}

// OmitIdTokens forces an error state where /token doesn't return an id_token.
func (p *TestProvider) OmitIdTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIdToken = true
}

// UseUnsignedIdTokens makes /token issue id_tokens with a placeholder
// signature.
func (p *TestProvider) UseUnsignedIdTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsignedIdToken = true
}

// Requests returns every request received so far.
func (p *TestProvider) Requests() []TestRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TestRequest(nil), p.requests...)
}

// RequestCount returns the number of requests received so far.
func (p *TestProvider) RequestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// LastRequest returns the most recent request received for path.
func (p *TestProvider) LastRequest(path string) (TestRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.requests) - 1; i >= 0; i-- {
		if p.requests[i].Path == path {
			return p.requests[i], true
		}
	}
	return TestRequest{}, false
}

func (p *TestProvider) writeJSON(w http.ResponseWriter, out interface{}) error {
	enc := json.NewEncoder(w)
	return enc.Encode(out)
}

func (p *TestProvider) writeAuthErrorResponse(w http.ResponseWriter, req *http.Request, errorCode, errorMessage string) {
	qv := req.URL.Query()
	redirectURI := qv.Get("redirect_uri") +
		"?state=" + url.QueryEscape(qv.Get("state")) +
		"&error=" + url.QueryEscape(errorCode)
	if errorMessage != "" {
		redirectURI += "&error_description=" + url.QueryEscape(errorMessage)
	}
	http.Redirect(w, req, redirectURI, http.StatusFound)
}

func (p *TestProvider) writeTokenErrorResponse(w http.ResponseWriter, statusCode int, errorCode, errorMessage string) error {
	body := struct {
		Code string `json:"error"`
		Desc string `json:"error_description,omitempty"`
	}{
		Code: errorCode,
		Desc: errorMessage,
	}
	w.WriteHeader(statusCode)
	return p.writeJSON(w, &body)
}

// ServeHTTP implements the test provider's http.Handler.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_ = req.ParseForm()
	p.requests = append(p.requests, TestRequest{
		Method: req.Method,
		Path:   req.URL.Path,
		Host:   req.Host,
		Header: req.Header.Clone(),
		Form:   req.PostForm,
	})

	w.Header().Set("Content-Type", "application/json")

	switch req.URL.Path {
	case "/authorize":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		qv := req.URL.Query()
		switch {
		case qv.Get("response_type") != "code":
			p.writeAuthErrorResponse(w, req, "unsupported_response_type", "")
		case qv.Get("client_id") != p.clientId:
			p.writeAuthErrorResponse(w, req, "unauthorized_client", "")
		case qv.Get("state") == "":
			p.writeAuthErrorResponse(w, req, "invalid_request", "missing state parameter")
		case qv.Get("redirect_uri") == "":
			w.WriteHeader(http.StatusBadRequest)
		case p.expectedAuthCode == "":
			p.writeAuthErrorResponse(w, req, "access_denied", "")
		default:
			redirectURI := qv.Get("redirect_uri") +
				"?state=" + url.QueryEscape(qv.Get("state")) +
				"&code=" + url.QueryEscape(p.expectedAuthCode)
			http.Redirect(w, req, redirectURI, http.StatusFound)
		}

	case "/certs":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = p.writeJSON(w, p.jwks)

	case "/token":
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if p.customTokenBody != nil {
			_, _ = w.Write([]byte(*p.customTokenBody))
			return
		}
		if req.PostForm.Get("client_id") != p.clientId || req.PostForm.Get("client_secret") != p.clientSecret {
			_ = p.writeTokenErrorResponse(w, http.StatusUnauthorized, "invalid_client", "")
			return
		}
		switch req.PostForm.Get("grant_type") {
		case "authorization_code":
			if req.PostForm.Get("code") != p.expectedAuthCode {
				_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "unexpected auth code")
				return
			}
		case "refresh_token":
			if req.PostForm.Get("refresh_token") != p.expectedRefreshToken {
				_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "unexpected refresh token")
				return
			}
		default:
			_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "unsupported_grant_type", "")
			return
		}

		reply := map[string]interface{}{
			"access_token":  p.replyAccessToken,
			"token_type":    p.replyTokenType,
			"refresh_token": p.replyRefreshToken,
			"expires_in":    p.replyExpiresIn,
		}
		if !p.omitIdToken {
			reply["id_token"] = p.issueIdToken()
		}
		_ = p.writeJSON(w, reply)

	case "/userinfo":
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if p.customUserinfoBody != nil {
			_, _ = w.Write([]byte(*p.customUserinfoBody))
			return
		}
		if req.Header.Get("Authorization") != "Bearer "+p.replyAccessToken {
			w.WriteHeader(http.StatusUnauthorized)
			_ = p.writeJSON(w, map[string]string{"error": "invalid_token", "error_description": "unexpected access token"})
			return
		}
		reply := p.replyUserinfo
		if reply == nil {
			reply = map[string]interface{}{
				"sub":   p.replySubject,
				"email": p.replySubject + "@example.com",
				"name":  "Test User",
			}
		}
		_ = p.writeJSON(w, reply)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// issueIdToken returns an id_token for the configured subject.  The caller
// must hold p.mu.
func (p *TestProvider) issueIdToken() string {
	aud := p.clientId
	if p.customAudience != "" {
		aud = p.customAudience
	}
	now := time.Now()
	if p.unsignedIdToken {
		claims := map[string]interface{}{
			"iss": p.Addr(),
			"sub": p.replySubject,
			"aud": aud,
			"iat": now.Unix(),
			"exp": now.Add(5 * time.Minute).Unix(),
		}
		for k, v := range p.customClaims {
			claims[k] = v
		}
		return TestUnsignedIdToken(p.t, claims)
	}
	stdClaims := jwt.Claims{
		Subject:   p.replySubject,
		Issuer:    p.Addr(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
		Expiry:    jwt.NewNumericDate(now.Add(5 * time.Minute)),
		Audience:  jwt.Audience{aud},
	}
	return TestSignJWT(p.t, p.ecdsaPrivateKey, stdClaims, p.customClaims)
}

// testJWKS converts a pem-encoded public key into JWKS data suitable for a
// verification endpoint response
func testJWKS(t *testing.T, pubKey string) *jose.JSONWebKeySet {
	t.Helper()
	require := require.New(t)

	block, _ := pem.Decode([]byte(pubKey))
	require.NotNil(block)

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(err)

	return &jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				Key:       pub,
				KeyID:     TestKeyId,
				Algorithm: string(jose.ES256),
				Use:       "sig",
			},
		},
	}
}
