package oidc

import (
	"encoding/json"
	"strconv"
	"time"
)

// expirySkew is subtracted from a token's expiry when deciding whether it has
// expired.
const expirySkew = 10 * time.Second

// AccessToken is an oauth access_token
type AccessToken string

// RedactedAccessToken is the redacted string or json for an oauth access_token
const RedactedAccessToken = "[REDACTED: access_token]"

// String will redact the token
func (t AccessToken) String() string {
	return RedactedAccessToken
}

// MarshalJSON will redact the token
func (t AccessToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedAccessToken)
}

// IdToken is an oidc id_token in its compact header.payload.signature form.
type IdToken string

// RedactedIdToken is the redacted string or json for an oidc id_token
const RedactedIdToken = "[REDACTED: id_token]"

// String will redact the token
func (t IdToken) String() string {
	return RedactedIdToken
}

// MarshalJSON will redact the token
func (t IdToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedIdToken)
}

// RefreshToken is an oauth refresh_token
type RefreshToken string

// RedactedRefreshToken is the redacted string or json for an oauth refresh_token
const RedactedRefreshToken = "[REDACTED: refresh_token]"

// String will redact the token
func (t RefreshToken) String() string {
	return RedactedRefreshToken
}

// MarshalJSON will redact the token
func (t RefreshToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedRefreshToken)
}

// TokenResponse is a decoded token endpoint response.  It only lives for the
// duration of one authorization attempt or refresh and is never persisted by
// this package.
type TokenResponse struct {
	AccessToken  AccessToken  `json:"access_token"`
	IdToken      IdToken      `json:"id_token"`
	TokenType    string       `json:"token_type"`
	RefreshToken RefreshToken `json:"refresh_token,omitempty"`

	// ExpiresIn is the lifetime of the access token reported by the provider.
	// It's zero when the provider didn't report one.
	ExpiresIn time.Duration `json:"expires_in,omitempty"`

	// Expiry is when the access token expires, computed from ExpiresIn when
	// the response was received.
	Expiry time.Time `json:"expiry,omitempty"`

	raw map[string]interface{}
}

// newTokenResponse builds a TokenResponse from a decoded token endpoint body.
// Fields with an unexpected type are left empty.
func newTokenResponse(body map[string]interface{}, now time.Time) *TokenResponse {
	tr := &TokenResponse{
		raw: body,
	}
	tr.AccessToken = AccessToken(stringValue(body, "access_token"))
	tr.IdToken = IdToken(stringValue(body, "id_token"))
	tr.TokenType = stringValue(body, "token_type")
	tr.RefreshToken = RefreshToken(stringValue(body, "refresh_token"))

	var secs int64
	switch v := body["expires_in"].(type) {
	case float64:
		secs = int64(v)
	case string:
		secs, _ = strconv.ParseInt(v, 10, 64)
	}
	if secs > 0 {
		tr.ExpiresIn = time.Duration(secs) * time.Second
		tr.Expiry = now.Add(tr.ExpiresIn)
	}
	return tr
}

// Extra returns the value of a field of the decoded response body, or nil
// when the field isn't present.
func (t *TokenResponse) Extra(key string) interface{} {
	if t == nil || t.raw == nil {
		return nil
	}
	return t.raw[key]
}

// hasIdToken reports whether the response body carried an id_token string,
// even an empty one.
func (t *TokenResponse) hasIdToken() bool {
	_, ok := t.Extra("id_token").(string)
	return ok
}

// Expired will return true if the access token is expired.  A response with
// no expiry never expires.
func (t *TokenResponse) Expired(now time.Time) bool {
	if t.Expiry.IsZero() {
		return false
	}
	return t.Expiry.Round(0).Before(now.Add(expirySkew))
}

// Valid will ensure that the access token is not empty and is not expired.
func (t *TokenResponse) Valid(now time.Time) bool {
	if t == nil {
		return false
	}
	if t.AccessToken == "" {
		return false
	}
	return !t.Expired(now)
}

func stringValue(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}
