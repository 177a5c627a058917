/*
oidc is a package for signing users in with an OIDC provider using the
authorization code flow.  It defaults to the RailID endpoints.

Primary types provided by the package

* ClientConfig: the relying party's client credentials, redirect URL, scope,
provider endpoints and time limits.  A ClientConfig can be composed with
NewClientConfig or loaded from a persisted settings document with
LoadClientConfig, where environment variables override persisted values.

* StateStore: issues and validates the state token which binds a callback to
the authorization attempt that started it.  State records live in a
store.Store with a time to live.

* TokenClient: makes the back-channel requests of the flow: exchanging a
code, refreshing tokens and fetching the user claim.

* Provider: drives one authorization attempt from the authorization URL to a
validated Identity.

* Err: every failure of an authorization attempt is an *Err carrying a stable
Code, a Kind and a user facing Msg.

The oidc.callback package

The callback package provides http.Handlers for the login redirect, the
provider's callback and a login button.

Example

	p, err := oidc.NewProvider(config, memory.New(memory.DefaultCleanupInterval))
	if err != nil {
		// handle error
	}
	authURL, err := p.AuthURL(ctx, "/dashboard")
	// redirect the user to authURL; on their return:
	id, err := p.Callback(ctx, r.URL.Query())
*/
package oidc
