package callback

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/estcore/railid-connect/oidc"
)

// SuccessResponseFunc is used by AuthCode to create a http response when the
// callback is successful and a session has been started for the identity.
//
// The function should use the http.ResponseWriter to send back whatever
// content (headers, html, JSON, etc) it wishes to the client that originated
// the flow.
type SuccessResponseFunc func(id *oidc.Identity, w http.ResponseWriter, req *http.Request)

// ErrorResponseFunc is used by the handlers to create a http response when
// the flow fails.
//
// The function receives the state returned as part of the callback (which may
// be empty) and the error raised while processing the request.  Errors raised
// by the flow are *oidc.Err values.
type ErrorResponseFunc func(state string, e error, w http.ResponseWriter, req *http.Request)

// UnknownErrorMessage is the message shown for errors which don't carry one.
const UnknownErrorMessage = "Unknown error."

// RedirectSuccess returns a SuccessResponseFunc which redirects to the
// identity's RedirectTo, or to defaultURL when RedirectTo isn't a local path.
func RedirectSuccess(defaultURL string) SuccessResponseFunc {
	return func(id *oidc.Identity, w http.ResponseWriter, req *http.Request) {
		to := defaultURL
		if id != nil && IsLocalRedirect(id.RedirectTo) {
			to = id.RedirectTo
		}
		http.Redirect(w, req, to, http.StatusFound)
	}
}

// RedirectError returns an ErrorResponseFunc which redirects to loginURL with
// the error's code in the "login-error" parameter and its message in the
// "message" parameter.
func RedirectError(loginURL string) ErrorResponseFunc {
	return func(_ string, e error, w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, LoginErrorURL(loginURL, e), http.StatusFound)
	}
}

// LoginErrorURL adds the error's code and message to loginURL.
func LoginErrorURL(loginURL string, e error) string {
	code, msg := oidc.ErrorCode(e), UnknownErrorMessage
	var oidcErr *oidc.Err
	if errors.As(e, &oidcErr) && oidcErr.Msg != "" {
		msg = oidcErr.Msg
	}
	u, err := url.Parse(loginURL)
	if err != nil {
		u = &url.URL{Path: "/"}
	}
	q := u.Query()
	q.Set("login-error", string(code))
	q.Set("message", msg)
	u.RawQuery = q.Encode()
	return u.String()
}

// IsLocalRedirect reports whether to is a path on this site.  Absolute and
// protocol relative URLs are not.
func IsLocalRedirect(to string) bool {
	if !strings.HasPrefix(to, "/") || strings.HasPrefix(to, "//") || strings.HasPrefix(to, "/\\") {
		return false
	}
	u, err := url.Parse(to)
	return err == nil && u.Scheme == "" && u.Host == ""
}
