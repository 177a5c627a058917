/*
callback is a package that provides http.HandlerFuncs for the browser facing
legs of the authorization code flow: the login redirect, the login page with
its login button, and the provider's callback.

The callback handler hands a validated oidc.Identity to an IdentityStore,
which links it to a local user and starts a session.  Failures are passed to
an ErrorResponseFunc; RedirectError sends the user back to the login page
with "login-error" and "message" parameters which LoginPage displays.
*/
package callback
