package oidc

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// IdTokenClaim is the decoded payload of an id_token.
type IdTokenClaim map[string]interface{}

// Subject returns the claim's "sub", or an empty string when it's missing or
// isn't a string.
func (c IdTokenClaim) Subject() string {
	return stringValue(c, "sub")
}

// UserClaim is the decoded response of the userinfo endpoint.
type UserClaim map[string]interface{}

// Subject returns the claim's "sub", or an empty string when it's missing or
// isn't a string.
func (c UserClaim) Subject() string {
	return stringValue(c, "sub")
}

// ValidateTokenResponse checks that the response carries an id_token and that
// its token_type is "Bearer", ignoring case.
func ValidateTokenResponse(tr *TokenResponse) error {
	const op = "ValidateTokenResponse"
	if tr == nil {
		return NewError(CodeInvalidTokenResponse, WithOp(op), WithKind(KindInvalidToken), WithMsg("Invalid token response"))
	}
	if !tr.hasIdToken() || !strings.EqualFold(tr.TokenType, "Bearer") {
		return NewError(CodeInvalidTokenResponse, WithOp(op), WithKind(KindInvalidToken), WithMsg("Invalid token response"), WithPayload(redactTokenBody(tr.raw)))
	}
	return nil
}

// DecodeIdTokenClaim decodes the payload segment of the response's id_token.
// The id_token's signature is not verified here; see WithKeySet.
func DecodeIdTokenClaim(tr *TokenResponse) (IdTokenClaim, error) {
	const op = "DecodeIdTokenClaim"
	if tr == nil || !tr.hasIdToken() {
		return nil, NewError(CodeNoIdentityToken, WithOp(op), WithKind(KindClaimDecode), WithMsg("No identity token."))
	}
	segments := strings.Split(string(tr.IdToken), ".")
	if len(segments) < 2 {
		return nil, NewError(CodeMissingIdentityToken, WithOp(op), WithKind(KindClaimDecode), WithMsg("Missing identity token."))
	}
	payload, err := decodeSegment(segments[1])
	if err != nil {
		return nil, NewError(CodeBadIdTokenClaim, WithOp(op), WithKind(KindClaimDecode), WithMsg("Bad ID token claim."), WithPayload(segments[1]), WithWrap(err))
	}
	var claim IdTokenClaim
	if err := json.Unmarshal(payload, &claim); err != nil || claim == nil {
		return nil, NewError(CodeBadIdTokenClaim, WithOp(op), WithKind(KindClaimDecode), WithMsg("Bad ID token claim."), WithPayload(string(payload)), WithWrap(err))
	}
	return claim, nil
}

// ValidateIdTokenClaim checks that the claim isn't empty and carries a
// non-empty string "sub".
func ValidateIdTokenClaim(c IdTokenClaim) error {
	const op = "ValidateIdTokenClaim"
	if len(c) == 0 {
		return NewError(CodeBadIdTokenClaim, WithOp(op), WithKind(KindClaimValidation), WithMsg("Bad ID token claim."))
	}
	if c.Subject() == "" {
		return NewError(CodeNoSubjectIdentity, WithOp(op), WithKind(KindClaimValidation), WithMsg("No subject identity."), WithPayload(c))
	}
	return nil
}

// ValidateUserClaim checks the user claim against the id_token claim.  The
// user claim must not carry an "error", its "sub" must equal the id_token
// claim's "sub" and, when a predicate is given, the predicate must allow the
// login.  A provider error fails with a Code of "invalid-user-claim-"
// followed by the provider's error.
func ValidateUserClaim(user UserClaim, idClaim IdTokenClaim, predicate LoginPredicate) error {
	const op = "ValidateUserClaim"
	if user == nil {
		return NewError(CodeInvalidUserClaim, WithOp(op), WithKind(KindClaimValidation), WithMsg("Invalid user claim."))
	}
	if e, ok := user["error"]; ok && e != nil {
		msg := "Error from the IDP."
		if d, ok := user["error_description"].(string); ok && d != "" {
			msg = d
		}
		code := Code(string(CodeInvalidUserClaim) + "-" + stringOf(e))
		return NewError(code, WithOp(op), WithKind(KindClaimValidation), WithMsg(msg), WithPayload(user))
	}
	sub := idClaim.Subject()
	if sub == "" || user.Subject() != sub {
		return NewError(CodeIncorrectUserClaim, WithOp(op), WithKind(KindClaimValidation), WithMsg("Incorrect user claim."), WithPayload(map[string]interface{}{
			"user_claim_sub":     user["sub"],
			"id_token_claim_sub": idClaim["sub"],
		}))
	}
	if predicate != nil && !predicate(user) {
		return NewError(CodeUnauthorized, WithOp(op), WithKind(KindClaimValidation), WithMsg("Unauthorized access."), WithPayload(sub))
	}
	return nil
}

// decodeSegment decodes a base64url encoded JWT segment.  Missing padding is
// tolerated.
func decodeSegment(seg string) ([]byte, error) {
	s := strings.NewReplacer("-", "+", "_", "/").Replace(seg)
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return base64.StdEncoding.DecodeString(s)
}

func stringOf(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
