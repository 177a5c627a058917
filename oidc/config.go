package oidc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/go-multierror"

	sdkHttp "github.com/estcore/railid-connect/sdk/http"
)

const (
	DefaultAuthorizeEndpoint  = "https://railid.ru/oauth/authorize"
	DefaultUserinfoEndpoint   = "https://railid.ru/oauth/me"
	DefaultTokenEndpoint      = "https://railid.ru/oauth/token"
	DefaultEndSessionEndpoint = "https://railid.ru/oauth/destroy"

	// DefaultStateTimeLimit is how long an issued state token is valid.
	DefaultStateTimeLimit = 180 * time.Second

	// DefaultHttpRequestTimeout bounds every request made to the provider.
	DefaultHttpRequestTimeout = 5 * time.Second
)

// ClientSecret is an oauth client secret.
type ClientSecret string

// RedactedClientSecret is the redacted string or json for an oauth client secret
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the client secret
func (t ClientSecret) String() string {
	return RedactedClientSecret
}

// MarshalJSON will redact the client secret
func (t ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedClientSecret)
}

// ClientConfig represents the configuration for the authorization code flow
// with a single provider.  A ClientConfig must not be modified once it's been
// handed to a Provider.
type ClientConfig struct {
	// ClientId is the relying party id
	ClientId string

	// ClientSecret is the relying party secret
	ClientSecret ClientSecret

	// Scope is the space delimited list of scopes to request of the provider.
	Scope string

	// RedirectUrl is the callback URL the provider redirects to after the
	// user authenticates.
	RedirectUrl string

	// AuthorizeEndpoint is the provider's login (authorization) endpoint.
	AuthorizeEndpoint string

	// TokenEndpoint is the provider's token endpoint.
	TokenEndpoint string

	// UserinfoEndpoint is the provider's userinfo endpoint.
	UserinfoEndpoint string

	// EndSessionEndpoint is the provider's optional logout endpoint.
	EndSessionEndpoint string

	// StateTimeLimit is the lifetime of an issued state token.
	StateTimeLimit time.Duration

	// HttpRequestTimeout bounds every request made to the provider.
	HttpRequestTimeout time.Duration

	// ProviderCA is an optional CA cert to use when sending requests to the provider.
	ProviderCA string

	// envOverrides are the persisted setting keys which were replaced by
	// environment overrides.
	envOverrides map[string]struct{}
}

// NewClientConfig composes a new config for a provider.  Endpoints default
// to the RailID endpoints.
//
// Supported options:
//   - WithScope
//   - WithAuthorizeEndpoint
//   - WithTokenEndpoint
//   - WithUserinfoEndpoint
//   - WithEndSessionEndpoint
//   - WithStateTimeLimit
//   - WithHttpRequestTimeout
//   - WithProviderCA
func NewClientConfig(clientId string, clientSecret ClientSecret, redirectUrl string, opt ...Option) (*ClientConfig, error) {
	const op = "NewClientConfig"
	opts := getClientConfigOpts(opt...)
	c := &ClientConfig{
		ClientId:           clientId,
		ClientSecret:       clientSecret,
		RedirectUrl:        redirectUrl,
		Scope:              opts.withScope,
		AuthorizeEndpoint:  opts.withAuthorizeEndpoint,
		TokenEndpoint:      opts.withTokenEndpoint,
		UserinfoEndpoint:   opts.withUserinfoEndpoint,
		EndSessionEndpoint: opts.withEndSessionEndpoint,
		StateTimeLimit:     opts.withStateTimeLimit,
		HttpRequestTimeout: opts.withHttpRequestTimeout,
		ProviderCA:         opts.withProviderCA,
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid client config: %w", op, err)
	}
	return c, nil
}

// persistedConfig is the stored settings document.  Durations are stored in
// seconds and a zero value selects the default.
type persistedConfig struct {
	ClientId           string `json:"client_id,omitempty"`
	ClientSecret       string `json:"client_secret,omitempty"`
	Scope              string `json:"scope,omitempty"`
	RedirectUrl        string `json:"redirect_uri,omitempty"`
	AuthorizeEndpoint  string `json:"endpoint_login,omitempty"`
	UserinfoEndpoint   string `json:"endpoint_userinfo,omitempty"`
	TokenEndpoint      string `json:"endpoint_token,omitempty"`
	EndSessionEndpoint string `json:"endpoint_end_session,omitempty"`
	StateTimeLimit     int    `json:"state_time_limit,omitempty"`
	HttpRequestTimeout int    `json:"http_request_timeout,omitempty"`
	ProviderCA         string `json:"provider_ca,omitempty"`
}

// environmentConfig holds the settings which may be overridden from the
// environment.  An empty value means "not set".
type environmentConfig struct {
	ClientId           string `env:"RIDC_CLIENT_ID"`
	ClientSecret       string `env:"RIDC_CLIENT_SECRET"`
	AuthorizeEndpoint  string `env:"RIDC_ENDPOINT_LOGIN_URL"`
	UserinfoEndpoint   string `env:"RIDC_ENDPOINT_USERINFO_URL"`
	TokenEndpoint      string `env:"RIDC_ENDPOINT_TOKEN_URL"`
	EndSessionEndpoint string `env:"RIDC_ENDPOINT_LOGOUT_URL"`
}

// LoadClientConfig builds a config from a persisted settings document (which
// may be empty) and then applies environment overrides.  Environment values
// always take precedence over persisted values; the precedence is applied
// once, here.  Use Persistable before saving a loaded config so overridden
// values are never written back.
//
// Supported options:
//   - WithEnvironment
func LoadClientConfig(persisted []byte, opt ...Option) (*ClientConfig, error) {
	const op = "LoadClientConfig"
	opts := getClientConfigOpts(opt...)

	var p persistedConfig
	if len(strings.TrimSpace(string(persisted))) > 0 {
		if err := json.Unmarshal(persisted, &p); err != nil {
			return nil, fmt.Errorf("%s: unable to decode persisted config: %w", op, err)
		}
	}
	c := &ClientConfig{
		ClientId:           p.ClientId,
		ClientSecret:       ClientSecret(p.ClientSecret),
		Scope:              p.Scope,
		RedirectUrl:        p.RedirectUrl,
		AuthorizeEndpoint:  firstNonEmpty(p.AuthorizeEndpoint, DefaultAuthorizeEndpoint),
		UserinfoEndpoint:   firstNonEmpty(p.UserinfoEndpoint, DefaultUserinfoEndpoint),
		TokenEndpoint:      firstNonEmpty(p.TokenEndpoint, DefaultTokenEndpoint),
		EndSessionEndpoint: firstNonEmpty(p.EndSessionEndpoint, DefaultEndSessionEndpoint),
		StateTimeLimit:     DefaultStateTimeLimit,
		HttpRequestTimeout: DefaultHttpRequestTimeout,
		ProviderCA:         p.ProviderCA,
		envOverrides:       map[string]struct{}{},
	}
	if p.StateTimeLimit > 0 {
		c.StateTimeLimit = time.Duration(p.StateTimeLimit) * time.Second
	}
	if p.HttpRequestTimeout > 0 {
		c.HttpRequestTimeout = time.Duration(p.HttpRequestTimeout) * time.Second
	}

	envOpts := env.Options{}
	if opts.withEnvironment != nil {
		envOpts.Environment = opts.withEnvironment
	}
	var e environmentConfig
	if err := env.ParseWithOptions(&e, envOpts); err != nil {
		return nil, fmt.Errorf("%s: unable to parse environment: %w", op, err)
	}
	for _, o := range []struct {
		key   string
		value string
		dst   *string
	}{
		{"client_id", e.ClientId, &c.ClientId},
		{"client_secret", e.ClientSecret, (*string)(&c.ClientSecret)},
		{"endpoint_login", e.AuthorizeEndpoint, &c.AuthorizeEndpoint},
		{"endpoint_userinfo", e.UserinfoEndpoint, &c.UserinfoEndpoint},
		{"endpoint_token", e.TokenEndpoint, &c.TokenEndpoint},
		{"endpoint_end_session", e.EndSessionEndpoint, &c.EndSessionEndpoint},
	} {
		if o.value == "" {
			continue
		}
		*o.dst = o.value
		c.envOverrides[o.key] = struct{}{}
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid client config: %w", op, err)
	}
	return c, nil
}

// Persistable returns the settings document for the config.  Values that
// came from environment overrides are omitted so they are never persisted.
func (c *ClientConfig) Persistable() ([]byte, error) {
	const op = "ClientConfig.Persistable"
	if c == nil {
		return nil, fmt.Errorf("%s: client config is nil: %w", op, ErrNilParameter)
	}
	p := persistedConfig{
		ClientId:           c.ClientId,
		ClientSecret:       string(c.ClientSecret),
		Scope:              c.Scope,
		RedirectUrl:        c.RedirectUrl,
		AuthorizeEndpoint:  c.AuthorizeEndpoint,
		UserinfoEndpoint:   c.UserinfoEndpoint,
		TokenEndpoint:      c.TokenEndpoint,
		EndSessionEndpoint: c.EndSessionEndpoint,
		StateTimeLimit:     int(c.StateTimeLimit / time.Second),
		HttpRequestTimeout: int(c.HttpRequestTimeout / time.Second),
		ProviderCA:         c.ProviderCA,
	}
	for k := range c.envOverrides {
		switch k {
		case "client_id":
			p.ClientId = ""
		case "client_secret":
			p.ClientSecret = ""
		case "endpoint_login":
			p.AuthorizeEndpoint = ""
		case "endpoint_userinfo":
			p.UserinfoEndpoint = ""
		case "endpoint_token":
			p.TokenEndpoint = ""
		case "endpoint_end_session":
			p.EndSessionEndpoint = ""
		}
	}
	b, err := json.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to encode config: %w", op, err)
	}
	return b, nil
}

// IsOverridden reports whether the persisted setting key (for example
// "client_id") was replaced by an environment override.
func (c *ClientConfig) IsOverridden(key string) bool {
	if c == nil {
		return false
	}
	_, ok := c.envOverrides[key]
	return ok
}

// Validate the client configuration.  All problems found are returned
// together.
func (c *ClientConfig) Validate() error {
	const op = "ClientConfig.Validate"
	if c == nil {
		return fmt.Errorf("%s: client config is nil: %w", op, ErrNilParameter)
	}
	var result *multierror.Error
	if c.ClientId == "" {
		result = multierror.Append(result, fmt.Errorf("%s: client id is empty: %w", op, ErrInvalidParameter))
	}
	if c.ClientSecret == "" {
		result = multierror.Append(result, fmt.Errorf("%s: client secret is empty: %w", op, ErrInvalidParameter))
	}
	if c.RedirectUrl == "" {
		result = multierror.Append(result, fmt.Errorf("%s: redirect URL is empty: %w", op, ErrInvalidParameter))
	} else if _, err := url.Parse(c.RedirectUrl); err != nil {
		result = multierror.Append(result, fmt.Errorf("%s: redirect URL %q is invalid: %w", op, c.RedirectUrl, ErrInvalidParameter))
	}
	for _, ep := range []struct {
		name     string
		value    string
		optional bool
	}{
		{"authorize endpoint", c.AuthorizeEndpoint, false},
		{"token endpoint", c.TokenEndpoint, false},
		{"userinfo endpoint", c.UserinfoEndpoint, false},
		{"end session endpoint", c.EndSessionEndpoint, true},
	} {
		if ep.value == "" {
			if !ep.optional {
				result = multierror.Append(result, fmt.Errorf("%s: %s is empty: %w", op, ep.name, ErrInvalidParameter))
			}
			continue
		}
		if err := validateEndpoint(ep.value); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %s %q: %w", op, ep.name, ep.value, err))
		}
	}
	if c.StateTimeLimit <= 0 {
		result = multierror.Append(result, fmt.Errorf("%s: state time limit not greater than zero: %w", op, ErrInvalidParameter))
	}
	if c.HttpRequestTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("%s: http request timeout not greater than zero: %w", op, ErrInvalidParameter))
	}
	return result.ErrorOrNil()
}

func validateEndpoint(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", ErrInvalidParameter)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("scheme is not http or https: %w", ErrInvalidParameter)
	}
	if u.Host == "" {
		return fmt.Errorf("host is empty: %w", ErrInvalidParameter)
	}
	return nil
}

// HttpClient is a helper function that creates a new http client for the
// provider configured.  A HttpRequestTimeout <= 0 uses
// DefaultHttpRequestTimeout, so requests always have a deadline.
func (c *ClientConfig) HttpClient() (*http.Client, error) {
	const op = "ClientConfig.HttpClient"
	timeout := c.HttpRequestTimeout
	if timeout <= 0 {
		timeout = DefaultHttpRequestTimeout
	}
	client, err := sdkHttp.NewClient(c.ProviderCA, timeout)
	if err != nil {
		if errors.Is(err, sdkHttp.ErrInvalidCertificatePem) {
			return nil, fmt.Errorf("%s: could not parse CA PEM value successfully: %w", op, ErrInvalidCACert)
		}
		return nil, fmt.Errorf("%s: could not get an http client: %w", op, err)
	}
	return client, nil
}

// Scopes returns the configured scope as a list.
func (c *ClientConfig) Scopes() []string {
	return strings.Fields(c.Scope)
}

func firstNonEmpty(s ...string) string {
	for _, v := range s {
		if v != "" {
			return v
		}
	}
	return ""
}

// clientConfigOptions is the set of available options
type clientConfigOptions struct {
	withScope              string
	withAuthorizeEndpoint  string
	withTokenEndpoint      string
	withUserinfoEndpoint   string
	withEndSessionEndpoint string
	withStateTimeLimit     time.Duration
	withHttpRequestTimeout time.Duration
	withProviderCA         string
	withEnvironment        map[string]string
}

// clientConfigDefaults is a handy way to get the defaults at runtime and
// during unit tests.
func clientConfigDefaults() clientConfigOptions {
	return clientConfigOptions{
		withAuthorizeEndpoint:  DefaultAuthorizeEndpoint,
		withTokenEndpoint:      DefaultTokenEndpoint,
		withUserinfoEndpoint:   DefaultUserinfoEndpoint,
		withEndSessionEndpoint: DefaultEndSessionEndpoint,
		withStateTimeLimit:     DefaultStateTimeLimit,
		withHttpRequestTimeout: DefaultHttpRequestTimeout,
	}
}

// getClientConfigOpts gets the defaults and applies the opt overrides passed
// in.
func getClientConfigOpts(opt ...Option) clientConfigOptions {
	opts := clientConfigDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithScope provides an optional space delimited scope for the client config
func WithScope(scope string) Option {
	return func(o interface{}) {
		if o, ok := o.(*clientConfigOptions); ok {
			o.withScope = scope
		}
	}
}

// WithAuthorizeEndpoint provides an optional authorize endpoint
func WithAuthorizeEndpoint(u string) Option {
	return func(o interface{}) {
		if o, ok := o.(*clientConfigOptions); ok {
			o.withAuthorizeEndpoint = u
		}
	}
}

// WithTokenEndpoint provides an optional token endpoint
func WithTokenEndpoint(u string) Option {
	return func(o interface{}) {
		if o, ok := o.(*clientConfigOptions); ok {
			o.withTokenEndpoint = u
		}
	}
}

// WithUserinfoEndpoint provides an optional userinfo endpoint
func WithUserinfoEndpoint(u string) Option {
	return func(o interface{}) {
		if o, ok := o.(*clientConfigOptions); ok {
			o.withUserinfoEndpoint = u
		}
	}
}

// WithEndSessionEndpoint provides an optional end session (logout) endpoint
func WithEndSessionEndpoint(u string) Option {
	return func(o interface{}) {
		if o, ok := o.(*clientConfigOptions); ok {
			o.withEndSessionEndpoint = u
		}
	}
}

// WithStateTimeLimit provides an optional state token lifetime
func WithStateTimeLimit(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*clientConfigOptions); ok {
			o.withStateTimeLimit = d
		}
	}
}

// WithHttpRequestTimeout provides an optional timeout for provider requests
func WithHttpRequestTimeout(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*clientConfigOptions); ok {
			o.withHttpRequestTimeout = d
		}
	}
}

// WithProviderCA provides an optional CA cert for the client config
func WithProviderCA(cert string) Option {
	return func(o interface{}) {
		if o, ok := o.(*clientConfigOptions); ok {
			o.withProviderCA = cert
		}
	}
}

// WithEnvironment provides the environment LoadClientConfig reads overrides
// from, instead of the process environment.
func WithEnvironment(e map[string]string) Option {
	return func(o interface{}) {
		if o, ok := o.(*clientConfigOptions); ok {
			o.withEnvironment = e
		}
	}
}
