package jwt

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"gopkg.in/square/go-jose.v2/jwt"

	sdkHttp "github.com/estcore/railid-connect/sdk/http"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidPublicKey = errors.New("invalid public key")
)

// KeySet represents a set of keys that can be used to verify the signatures
// of JWTs.  A KeySet is expected to be backed by a set of local or remote keys.
type KeySet interface {
	// VerifySignature parses the given JWT, verifies its signature, and
	// returns the claims in its payload.
	VerifySignature(ctx context.Context, token string) (claims map[string]interface{}, err error)
}

// JSONWebKeySet verifies JWT signatures using keys obtained from a JWKS URL.
// Keys are fetched on first use and refetched when a token names an unknown
// key id.
type JSONWebKeySet struct {
	remoteJWKS *oidc.RemoteKeySet
}

// StaticKeySet verifies JWT signatures using local PEM-encoded public keys.
type StaticKeySet struct {
	publicKeys []interface{}
}

// NewJSONWebKeySet returns a KeySet that verifies JWT signatures using keys
// from the JSON Web Key Set (JWKS) at the given jwksURL. The client used to
// fetch the JWKS verifies server certificates using jwksCAPEM, or the system
// roots when it's empty.  ctx must outlive the KeySet.
func NewJSONWebKeySet(ctx context.Context, jwksURL string, jwksCAPEM string) (*JSONWebKeySet, error) {
	const op = "NewJSONWebKeySet"
	if jwksURL == "" {
		return nil, fmt.Errorf("%s: jwks URL is empty: %w", op, ErrInvalidParameter)
	}
	client, err := sdkHttp.NewClient(jwksCAPEM, 0)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
	}
	return &JSONWebKeySet{
		remoteJWKS: oidc.NewRemoteKeySet(sdkHttp.ClientContext(ctx, client), jwksURL),
	}, nil
}

// VerifySignature parses the given JWT, verifies its signature using JWKS
// keys, and returns the claims in its payload. The given JWT must be of the
// JWS compact serialization form.
func (ks *JSONWebKeySet) VerifySignature(ctx context.Context, token string) (map[string]interface{}, error) {
	const op = "JSONWebKeySet.VerifySignature"
	payload, err := ks.remoteJWKS.VerifySignature(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", op, ErrInvalidSignature, err)
	}
	allClaims := map[string]interface{}{}
	if err := json.Unmarshal(payload, &allClaims); err != nil {
		return nil, fmt.Errorf("%s: unable to decode claims: %w", op, err)
	}
	return allClaims, nil
}

// NewStaticKeySet returns a KeySet that verifies JWT signatures using
// PEM-encoded public keys.  The given publicKeys must be of PEM-encoded x509
// certificate or PKIX public key forms.
func NewStaticKeySet(publicKeys []string) (*StaticKeySet, error) {
	const op = "NewStaticKeySet"
	if len(publicKeys) == 0 {
		return nil, fmt.Errorf("%s: no public keys: %w", op, ErrInvalidParameter)
	}
	parsed := make([]interface{}, 0, len(publicKeys))
	for _, k := range publicKeys {
		key, err := ParsePublicKeyPEM([]byte(k))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		parsed = append(parsed, key)
	}
	return &StaticKeySet{
		publicKeys: parsed,
	}, nil
}

// VerifySignature parses the given JWT, verifies its signature using local
// PEM-encoded public keys, and returns the claims in its payload. The given
// JWT must be of the JWS compact serialization form.
func (ks *StaticKeySet) VerifySignature(_ context.Context, token string) (map[string]interface{}, error) {
	const op = "StaticKeySet.VerifySignature"
	parsedJWT, err := jwt.ParseSigned(token)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to parse token: %w: %s", op, ErrInvalidSignature, err)
	}
	for _, key := range ks.publicKeys {
		allClaims := map[string]interface{}{}
		if err := parsedJWT.Claims(key, &allClaims); err == nil {
			return allClaims, nil
		}
	}
	return nil, fmt.Errorf("%s: no known key successfully validated the token signature: %w", op, ErrInvalidSignature)
}

// ParsePublicKeyPEM is used to parse RSA and ECDSA public keys from PEMs.
// It returns a *rsa.PublicKey or *ecdsa.PublicKey.
func ParsePublicKeyPEM(data []byte) (interface{}, error) {
	block, _ := pem.Decode(data)
	if block != nil {
		rawKey, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			cert, certErr := x509.ParseCertificate(block.Bytes)
			if certErr != nil {
				return nil, fmt.Errorf("%w: %s", ErrInvalidPublicKey, err)
			}
			rawKey = cert.PublicKey
		}
		switch k := rawKey.(type) {
		case *rsa.PublicKey:
			return k, nil
		case *ecdsa.PublicKey:
			return k, nil
		}
	}
	return nil, fmt.Errorf("data does not contain any valid RSA or ECDSA public keys: %w", ErrInvalidPublicKey)
}
