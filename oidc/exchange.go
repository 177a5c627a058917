package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

// maxResponseBytes bounds the size of a token or userinfo response body.
const maxResponseBytes = 1 << 20

// TokenClient makes the back-channel requests of the authorization code flow:
// exchanging a code for tokens, refreshing tokens and fetching the user
// claim.  Every request runs under the config's HttpRequestTimeout and is
// never retried.
type TokenClient struct {
	config  *ClientConfig
	client  *http.Client
	mutator RequestMutator
	logger  hclog.Logger
	now     func() time.Time
}

// NewTokenClient creates a TokenClient for the config's token and userinfo
// endpoints.
//
// Supported options: WithRequestMutator, WithLogger, WithNow
func NewTokenClient(c *ClientConfig, opt ...Option) (*TokenClient, error) {
	const op = "NewTokenClient"
	if c == nil {
		return nil, fmt.Errorf("%s: client config is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: client config is invalid: %w", op, err)
	}
	client, err := c.HttpClient()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
	}
	opts := getTokenClientOpts(opt...)
	return &TokenClient{
		config:  c,
		client:  client,
		mutator: opts.withRequestMutator,
		logger:  loggerOrNull(opts.withLogger),
		now:     opts.withNowFunc,
	}, nil
}

// ExchangeCode exchanges an authorization code for tokens at the token
// endpoint.  A body carrying "error" fails with the provider's error code as
// the Err's Code and its error_description (or the code) as the Msg.
func (c *TokenClient) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	const op = "TokenClient.ExchangeCode"
	if code == "" {
		return nil, NewError(CodeNoCode, WithOp(op), WithKind(KindParameterViolation), WithMsg("No authentication code present in the request."))
	}
	req := &OutboundRequest{
		Url:    c.config.TokenEndpoint,
		Header: http.Header{},
		Body: url.Values{
			"code":          {code},
			"client_id":     {c.config.ClientId},
			"client_secret": {string(c.config.ClientSecret)},
			"redirect_uri":  {c.config.RedirectUrl},
			"grant_type":    {"authorization_code"},
			"scope":         {c.config.Scope},
		},
	}
	if err := setHost(req); err != nil {
		return nil, NewError(CodeTokenRequestFailed, WithOp(op), WithKind(KindInternal), WithWrap(err))
	}
	req = c.mutate(OpGetAuthenticationToken, req)

	body, err := c.post(ctx, OpGetAuthenticationToken, req)
	if err != nil {
		return nil, NewError(CodeTokenRequestFailed, WithOp(op), WithKind(KindNetwork), WithMsg("Request for authentication token failed."), WithWrap(err))
	}
	return c.tokenResponse(op, body)
}

// Refresh requests new tokens from the token endpoint with a refresh token.
// Unlike ExchangeCode the request carries no scope.
func (c *TokenClient) Refresh(ctx context.Context, refreshToken RefreshToken) (*TokenResponse, error) {
	const op = "TokenClient.Refresh"
	if refreshToken == "" {
		return nil, NewError(CodeRefreshFailed, WithOp(op), WithKind(KindParameterViolation), WithMsg("refresh token is empty"))
	}
	req := &OutboundRequest{
		Url:    c.config.TokenEndpoint,
		Header: http.Header{},
		Body: url.Values{
			"refresh_token": {string(refreshToken)},
			"client_id":     {c.config.ClientId},
			"client_secret": {string(c.config.ClientSecret)},
			"grant_type":    {"refresh_token"},
		},
	}
	req = c.mutate(OpRefreshToken, req)

	body, err := c.post(ctx, OpRefreshToken, req)
	if err != nil {
		return nil, NewError(CodeRefreshFailed, WithOp(op), WithKind(KindNetwork), WithMsg("Refresh token failed."), WithWrap(err))
	}
	return c.tokenResponse(op, body)
}

// UserInfo exchanges an access token for the user claim at the userinfo
// endpoint.  The Authorization and Host headers are set after the request
// mutator runs, so a mutator can't replace them.
func (c *TokenClient) UserInfo(ctx context.Context, accessToken AccessToken) (UserClaim, error) {
	const op = "TokenClient.UserInfo"
	req := c.mutate(OpGetUserinfo, &OutboundRequest{
		Url:    c.config.UserinfoEndpoint,
		Header: http.Header{},
	})
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.Header.Set("Authorization", "Bearer "+string(accessToken))
	if err := setHost(req); err != nil {
		return nil, NewError(CodeBadClaim, WithOp(op), WithKind(KindInternal), WithWrap(err))
	}

	body, err := c.post(ctx, OpGetUserinfo, req)
	if err != nil {
		return nil, NewError(CodeBadClaim, WithOp(op), WithKind(KindNetwork), WithMsg("Bad user claim."), WithWrap(err))
	}
	if len(body) == 0 {
		return nil, NewError(CodeBadClaim, WithOp(op), WithKind(KindClaimValidation), WithMsg("Bad user claim."))
	}
	var claim UserClaim
	if err := json.Unmarshal(body, &claim); err != nil || claim == nil {
		return nil, NewError(CodeInvalidUserClaim, WithOp(op), WithKind(KindClaimValidation), WithMsg("Invalid user claim."), WithPayload(string(body)), WithWrap(err))
	}
	return claim, nil
}

// mutate passes req through the request mutator, if there is one.
func (c *TokenClient) mutate(op Operation, req *OutboundRequest) *OutboundRequest {
	if c.mutator == nil {
		return req
	}
	if mutated := c.mutator(op, req); mutated != nil {
		return mutated
	}
	return req
}

// post sends req and returns the response body.  The response status isn't
// checked since providers report errors in the body.
func (c *TokenClient) post(ctx context.Context, op Operation, req *OutboundRequest) ([]byte, error) {
	var body io.Reader
	if req.Body != nil {
		body = strings.NewReader(req.Body.Encode())
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Url, body)
	if err != nil {
		return nil, fmt.Errorf("unable to create request: %w", err)
	}
	for k, v := range req.Header {
		if http.CanonicalHeaderKey(k) == "Host" {
			if len(v) > 0 {
				httpReq.Host = v[0]
			}
			continue
		}
		httpReq.Header[http.CanonicalHeaderKey(k)] = v
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	c.logger.Debug("sending request", "operation", op, "url", req.Url)
	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.logger.Error("request failed", "operation", op, "url", req.Url, "error", err)
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("unable to read response body: %w", err)
	}
	c.logger.Trace("received response", "operation", op, "status", resp.StatusCode)
	return b, nil
}

// tokenResponse decodes a token endpoint body.
func (c *TokenClient) tokenResponse(op string, body []byte) (*TokenResponse, error) {
	if len(body) == 0 {
		return nil, NewError(CodeMissingTokenBody, WithOp(op), WithKind(KindInvalidToken), WithMsg("Missing token body."))
	}
	var decoded interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, NewError(CodeInvalidToken, WithOp(op), WithKind(KindInvalidToken), WithMsg("Invalid token."), WithPayload(string(body)), WithWrap(err))
	}
	m, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, NewError(CodeInvalidToken, WithOp(op), WithKind(KindInvalidToken), WithMsg("Invalid token."), WithPayload(string(body)))
	}
	if e, ok := m["error"]; ok && e != nil {
		code := fmt.Sprint(e)
		msg := code
		if d, ok := m["error_description"].(string); ok && d != "" {
			msg = d
		}
		c.logger.Warn("token endpoint returned an error", "error", code, "error_description", msg)
		return nil, NewError(Code(code), WithOp(op), WithKind(KindTokenEndpoint), WithMsg(msg), WithPayload(redactTokenBody(m)))
	}
	return newTokenResponse(m, c.now()), nil
}

// setHost sets the request's Host header from its Url.  The port is kept
// only when it isn't the scheme's default.
func setHost(req *OutboundRequest) error {
	u, err := url.Parse(req.Url)
	if err != nil {
		return fmt.Errorf("unable to parse endpoint %q: %w", req.Url, err)
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.Header.Set("Host", hostHeader(u))
	return nil
}

// hostHeader returns u's host, without the port when it's 80 for http or 443
// for https.
func hostHeader(u *url.URL) string {
	switch port := u.Port(); {
	case port == "":
		return u.Host
	case port == "80" && strings.EqualFold(u.Scheme, "http"),
		port == "443" && strings.EqualFold(u.Scheme, "https"):
		return strings.TrimSuffix(u.Host, ":"+port)
	default:
		return u.Host
	}
}

// redactTokenBody returns a copy of a token endpoint body with its tokens
// redacted, suitable for an error payload.
func redactTokenBody(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch k {
		case "access_token":
			out[k] = RedactedAccessToken
		case "id_token":
			out[k] = RedactedIdToken
		case "refresh_token":
			out[k] = RedactedRefreshToken
		default:
			out[k] = v
		}
	}
	return out
}

// tokenClientOptions is the set of available options for TokenClient
// functions
type tokenClientOptions struct {
	withRequestMutator RequestMutator
	withLogger         hclog.Logger
	withNowFunc        func() time.Time
}

// tokenClientDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func tokenClientDefaults() tokenClientOptions {
	return tokenClientOptions{
		withNowFunc: time.Now,
	}
}

// getTokenClientOpts gets the token client defaults and applies the opt
// overrides passed in
func getTokenClientOpts(opt ...Option) tokenClientOptions {
	opts := tokenClientDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithRequestMutator provides an optional RequestMutator for: TokenClient,
// Provider
func WithRequestMutator(m RequestMutator) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *tokenClientOptions:
			v.withRequestMutator = m
		case *providerOptions:
			v.withRequestMutator = m
		}
	}
}
