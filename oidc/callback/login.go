package callback

import (
	"fmt"
	"html/template"
	"net/http"

	"github.com/estcore/railid-connect/oidc"
)

// RedirectToParam is the query parameter naming where the user should be
// sent after logging in.
const RedirectToParam = "redirect_to"

// Login creates a handler which starts an authorization attempt and
// redirects the user to the provider.  The attempt's redirect target is the
// request's "redirect_to" parameter when it's a local path, or "/".
//
// Supported options:
//   - WithLogger
func Login(p *oidc.Provider, eFn ErrorResponseFunc, opt ...oidc.Option) (http.HandlerFunc, error) {
	const op = "callback.Login"
	switch {
	case p == nil:
		return nil, fmt.Errorf("%s: provider is nil: %w", op, oidc.ErrInvalidParameter)
	case eFn == nil:
		return nil, fmt.Errorf("%s: error response func is nil: %w", op, oidc.ErrInvalidParameter)
	}
	opts := getHandlerOpts(opt...)
	return func(w http.ResponseWriter, req *http.Request) {
		authURL, err := p.AuthURL(req.Context(), redirectTarget(req))
		if err != nil {
			opts.withLogger.Error("unable to create authorization URL", "op", op, "error", err)
			eFn("", err, w, req)
			return
		}
		http.Redirect(w, req, authURL, http.StatusFound)
	}, nil
}

var loginPageTmpl = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Log in</title></head>
<body>
{{- if .ErrorCode}}
<div id="login_error"><strong>ERROR ({{.ErrorCode}}): </strong>{{.ErrorMessage}}</div>
{{- end}}
<div class="railid-connect-login-button" style="margin: 1em 0; text-align: center;">
	<a class="button button-large" href="{{.Href}}">{{.Text}}</a>
</div>
</body>
</html>
`))

type loginPage struct {
	ErrorCode    string
	ErrorMessage string
	Href         string
	Text         string
}

// LoginPage creates a handler which renders a login page with a login button
// linking to a fresh authorization URL.  When the request carries
// "login-error" the error and its "message" are shown above the button.
//
// Supported options:
//   - WithLogger
//   - WithButtonText
//   - WithButtonTextMutator
func LoginPage(p *oidc.Provider, opt ...oidc.Option) (http.HandlerFunc, error) {
	const op = "callback.LoginPage"
	if p == nil {
		return nil, fmt.Errorf("%s: provider is nil: %w", op, oidc.ErrInvalidParameter)
	}
	opts := getHandlerOpts(opt...)
	return func(w http.ResponseWriter, req *http.Request) {
		text := opts.withButtonText
		if opts.withButtonTextMutator != nil {
			text = opts.withButtonTextMutator(text)
		}
		authURL, err := p.AuthURL(req.Context(), redirectTarget(req))
		if err != nil {
			opts.withLogger.Error("unable to create authorization URL", "op", op, "error", err)
			http.Error(w, "unable to create login button", http.StatusInternalServerError)
			return
		}
		page := loginPage{
			Href: authURL,
			Text: text,
		}
		q := req.URL.Query()
		if q.Has("login-error") {
			page.ErrorCode = q.Get("login-error")
			if page.ErrorCode == "" {
				page.ErrorCode = string(oidc.ErrCodeUnknown)
			}
			page.ErrorMessage = q.Get("message")
			if page.ErrorMessage == "" {
				page.ErrorMessage = UnknownErrorMessage
			}
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if err := loginPageTmpl.Execute(w, &page); err != nil {
			opts.withLogger.Error("unable to render login page", "op", op, "error", err)
		}
	}, nil
}

func redirectTarget(req *http.Request) string {
	if to := req.URL.Query().Get(RedirectToParam); IsLocalRedirect(to) {
		return to
	}
	return "/"
}
