/*
Package jwt provides key sets which verify the signature of a compact
serialized JWT.  A JSONWebKeySet fetches keys from a provider's JWKS URL and a
StaticKeySet uses local PEM-encoded public keys.

	ks, err := jwt.NewJSONWebKeySet(ctx, "https://railid.ru/oauth/certs", "")
	if err != nil {
		// handle error
	}
	claims, err := ks.VerifySignature(ctx, idToken)
*/
package jwt
