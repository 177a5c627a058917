// railidconnect provides a relying party for the OpenID Connect
// authorization code flow, built for RailID and usable with any provider
// that exposes the same endpoints.
//
// The oidc package drives the flow: issuing state tokens, building
// authorization URLs, validating callbacks, exchanging codes and checking
// claims.  The oidc/callback package wraps it in http handlers, the store
// packages keep issued states in memory or in Valkey, and cmd/railid-connect
// is a small web app wiring them together.
package railidconnect
