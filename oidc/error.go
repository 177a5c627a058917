package oidc

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrNilParameter      = errors.New("nil parameter")
	ErrInvalidCACert     = errors.New("invalid CA certificate")
	ErrIdGeneratorFailed = errors.New("id generation failed")
	ErrNotFound          = errors.New("not found")
)

// Kind classifies an Err.  Every Err returned from an authorization attempt
// carries exactly one Kind, and errors.Is(err, KindX) can be used to test for
// it.
type Kind string

const (
	KindUnknown            Kind = "unknown error"
	KindProtocol           Kind = "protocol error"
	KindState              Kind = "state error"
	KindNetwork            Kind = "network error"
	KindTokenEndpoint      Kind = "token endpoint error"
	KindInvalidToken       Kind = "invalid token error"
	KindClaimDecode        Kind = "claim decode error"
	KindClaimValidation    Kind = "claim validation error"
	KindParameterViolation Kind = "parameter violation"
	KindInternal           Kind = "internal error"
)

// Error satisfies the error interface so a Kind can be used as an errors.Is
// target.
func (k Kind) Error() string { return string(k) }

// Code is the stable identifier of an Err.  Codes are safe to show to the
// user and to match on.
type Code string

const (
	ErrCodeUnknown Code = "unknown"

	// callback request
	CodeProviderError Code = "unknown-error"
	CodeNoCode        Code = "no-code"
	CodeMissingState  Code = "missing-state"
	CodeInvalidState  Code = "invalid-state"

	// state store
	CodeStateNotFound Code = "state-not-found"
	CodeStateExpired  Code = "state-expired"

	// token endpoint
	CodeTokenRequestFailed   Code = "request-authentication-token"
	CodeRefreshFailed        Code = "refresh-token"
	CodeMissingTokenBody     Code = "missing-token-body"
	CodeInvalidToken         Code = "invalid-token"
	CodeInvalidTokenResponse Code = "invalid-token-response"

	// identity token
	CodeNoIdentityToken        Code = "no-identity-token"
	CodeMissingIdentityToken   Code = "missing-identity-token"
	CodeBadIdTokenClaim        Code = "bad-id-token-claim"
	CodeNoSubjectIdentity      Code = "no-subject-identity"
	CodeInvalidIdTokenSig      Code = "invalid-id-token-signature"
	CodeInvalidIdTokenIssuer   Code = "invalid-id-token-issuer"
	CodeInvalidIdTokenAudience Code = "invalid-id-token-audience"

	// user claim
	CodeBadClaim           Code = "bad-claim"
	CodeInvalidUserClaim   Code = "invalid-user-claim"
	CodeIncorrectUserClaim Code = "incorrect-user-claim"
	CodeUnauthorized       Code = "unauthorized"
)

// Sentinel errors which can be used as errors.Is targets.  They match any Err
// with the same Code.
var (
	ErrProviderError        = &Err{Code: CodeProviderError}
	ErrNoCode               = &Err{Code: CodeNoCode}
	ErrMissingState         = &Err{Code: CodeMissingState}
	ErrInvalidState         = &Err{Code: CodeInvalidState}
	ErrStateNotFound        = &Err{Code: CodeStateNotFound}
	ErrStateExpired         = &Err{Code: CodeStateExpired}
	ErrInvalidToken         = &Err{Code: CodeInvalidToken}
	ErrInvalidTokenResponse = &Err{Code: CodeInvalidTokenResponse}
	ErrNoIdentityToken      = &Err{Code: CodeNoIdentityToken}
	ErrMissingIdentityToken = &Err{Code: CodeMissingIdentityToken}
	ErrBadIdTokenClaim      = &Err{Code: CodeBadIdTokenClaim}
	ErrNoSubjectIdentity    = &Err{Code: CodeNoSubjectIdentity}
	ErrBadClaim             = &Err{Code: CodeBadClaim}
	ErrInvalidUserClaim     = &Err{Code: CodeInvalidUserClaim}
	ErrIncorrectUserClaim   = &Err{Code: CodeIncorrectUserClaim}
	ErrUnauthorized         = &Err{Code: CodeUnauthorized}
)

// Err provides the ability to specify a Msg, Op, Code, Kind, Payload and
// Wrapped error.  Errs must have a Code and all other fields are optional.
type Err struct {
	// Code is the error's stable code.  Codes returned by a token endpoint
	// (for example "invalid_grant") are passed through as-is.
	Code Code

	// Kind is the error's classification.
	Kind Kind

	// Msg is a user facing message for the error.
	Msg string

	// Op represents the operation raising/propagating an error and is
	// optional.
	Op string

	// Payload is the offending value (request parameters, a decoded response
	// body, a claim) and is optional.
	Payload interface{}

	// Wrapped is a wrapped error which is optional.
	Wrapped error
}

var _ error = (*Err)(nil)

// NewError creates a new Err.  Supported options: WithOp, WithKind, WithMsg,
// WithWrap, WithPayload
func NewError(c Code, opt ...Option) *Err {
	if c == "" {
		c = ErrCodeUnknown
	}
	opts := getErrOpts(opt...)
	return &Err{
		Code:    c,
		Kind:    opts.withKind,
		Op:      opts.withOp,
		Msg:     opts.withErrMsg,
		Payload: opts.withPayload,
		Wrapped: opts.withErrWrapped,
	}
}

// Error satisfies the error interface and returns a string representation of
// the error.
func (e *Err) Error() string {
	if e == nil {
		return ""
	}
	var parts []string
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Code != "" && msg != string(e.Code) {
		msg = fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	parts = append(parts, msg)
	if e.Wrapped != nil {
		parts = append(parts, e.Wrapped.Error())
	}
	return strings.Join(parts, ": ")
}

// Unwrap implements the errors.Unwrap interface and allows callers to use the
// errors.Is() and errors.As() functions effectively for any wrapped errors.
func (e *Err) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Wrapped
}

// Is reports whether target matches the error.  An *Err target matches when
// the codes are equal; a Kind target matches the error's Kind.
func (e *Err) Is(target error) bool {
	if e == nil {
		return false
	}
	switch t := target.(type) {
	case *Err:
		if t == nil {
			return false
		}
		return t.Code != "" && t.Code == e.Code
	case Kind:
		return e.Kind != "" && t == e.Kind
	}
	return false
}

// ErrorCode returns the Code of the outermost Err in the chain, or
// ErrCodeUnknown when there isn't one.
func ErrorCode(err error) Code {
	var e *Err
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeUnknown
}

// errOptions is the set of available options for Err functions
type errOptions struct {
	withErrWrapped error
	withErrMsg     string
	withOp         string
	withKind       Kind
	withPayload    interface{}
}

// errDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func errDefaults() errOptions {
	return errOptions{
		withKind: KindUnknown,
	}
}

// getErrOpts gets the defaults and applies the opt overrides passed in.
func getErrOpts(opt ...Option) errOptions {
	opts := errDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithWrap provides an option to provide an error to wrap when creating a new
// error.
func WithWrap(e error) Option {
	return func(o interface{}) {
		if o, ok := o.(*errOptions); ok {
			o.withErrWrapped = e
		}
	}
}

// WithMsg provides an option to provide a message when creating a new
// error.
func WithMsg(msg string) Option {
	return func(o interface{}) {
		if o, ok := o.(*errOptions); ok {
			o.withErrMsg = msg
		}
	}
}

// WithOp provides an option to provide the operation that's raising/propagating
// the error.
func WithOp(op string) Option {
	return func(o interface{}) {
		if o, ok := o.(*errOptions); ok {
			o.withOp = op
		}
	}
}

// WithKind provides an option to provide the Kind of the error.
func WithKind(k Kind) Option {
	return func(o interface{}) {
		if o, ok := o.(*errOptions); ok {
			o.withKind = k
		}
	}
}

// WithPayload provides an option to attach the offending value to the error
// for diagnostics.
func WithPayload(p interface{}) Option {
	return func(o interface{}) {
		if o, ok := o.(*errOptions); ok {
			o.withPayload = p
		}
	}
}
