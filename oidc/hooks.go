package oidc

import (
	"net/http"
	"net/url"
)

// Operation names an outbound request made to the provider.  It's passed to a
// RequestMutator so one mutator can treat each request differently.
type Operation string

const (
	OpGetAuthenticationToken Operation = "get-authentication-token"
	OpRefreshToken           Operation = "refresh-token"
	OpGetUserinfo            Operation = "get-userinfo"
)

// OutboundRequest is a request to the provider before it's sent.
type OutboundRequest struct {
	// Url is the endpoint the request is POSTed to.
	Url string

	// Header holds the request headers.  A "Host" header sets the request's
	// Host.
	Header http.Header

	// Body is the form encoded request body.  It's nil for userinfo requests.
	Body url.Values
}

// RequestMutator is called with every outbound request before it's sent and
// returns the request to send.  Returning nil sends req unchanged.
type RequestMutator func(op Operation, req *OutboundRequest) *OutboundRequest

// AuthURLMutator is called with a composed authorization URL and returns the
// URL handed to the caller.  Returning nil keeps u.
type AuthURLMutator func(u *url.URL) *url.URL

// LoginPredicate decides if a subject whose user claim passed validation may
// log in.
type LoginPredicate func(userClaim UserClaim) bool

// UserClaimMutator is called with a user claim before it's handed to an
// identity store and returns the claim to persist.
type UserClaimMutator func(userClaim UserClaim) UserClaim

// ButtonTextMutator is called with the login button's text and returns the
// text to render.
type ButtonTextMutator func(text string) string
