package callback

import (
	"fmt"
	"net/http"

	"github.com/estcore/railid-connect/oidc"
)

// Identity store failure codes.
const (
	CodeFailedUserCreation oidc.Code = "failed-user-creation"
	CodeFailedSession      oidc.Code = "failed-session"
)

// AuthCode creates an authorization code callback handler.  It completes the
// attempt with p.Callback, hands the identity to ids to find or create the
// local user and start a session, and then calls sFn.  Any failure is passed
// to eFn.
//
// Supported options:
//   - WithLogger
//   - WithUserClaimMutator
func AuthCode(p *oidc.Provider, ids IdentityStore, sFn SuccessResponseFunc, eFn ErrorResponseFunc, opt ...oidc.Option) (http.HandlerFunc, error) {
	const op = "callback.AuthCode"
	switch {
	case p == nil:
		return nil, fmt.Errorf("%s: provider is nil: %w", op, oidc.ErrInvalidParameter)
	case ids == nil:
		return nil, fmt.Errorf("%s: identity store is nil: %w", op, oidc.ErrInvalidParameter)
	case sFn == nil:
		return nil, fmt.Errorf("%s: success response func is nil: %w", op, oidc.ErrInvalidParameter)
	case eFn == nil:
		return nil, fmt.Errorf("%s: error response func is nil: %w", op, oidc.ErrInvalidParameter)
	}
	opts := getHandlerOpts(opt...)
	logger := opts.withLogger
	return func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		reqState := req.FormValue("state")

		if err := req.ParseForm(); err != nil {
			responseErr := oidc.NewError(oidc.ErrCodeUnknown, oidc.WithOp(op), oidc.WithKind(oidc.KindProtocol), oidc.WithMsg("unable to parse callback request"), oidc.WithWrap(err))
			eFn(reqState, responseErr, w, req)
			return
		}

		// get parameters from either the body or query parameters; body
		// values take precedence, as with FormValue.
		id, err := p.Callback(ctx, req.Form)
		if err != nil {
			eFn(reqState, err, w, req)
			return
		}

		if opts.withUserClaimMutator != nil {
			id.UserClaim = opts.withUserClaimMutator(id.UserClaim)
		}

		user, err := ids.FindOrCreateUser(ctx, id.Subject, id)
		if err != nil {
			logger.Error("unable to find or create user", "op", op, "subject", id.Subject, "error", err)
			responseErr := oidc.NewError(CodeFailedUserCreation, oidc.WithOp(op), oidc.WithKind(oidc.KindInternal), oidc.WithMsg("Failed user creation."), oidc.WithWrap(err))
			eFn(reqState, responseErr, w, req)
			return
		}
		if err := ids.StartSession(ctx, w, req, user); err != nil {
			logger.Error("unable to start session", "op", op, "user", string(user), "error", err)
			responseErr := oidc.NewError(CodeFailedSession, oidc.WithOp(op), oidc.WithKind(oidc.KindInternal), oidc.WithMsg("Failed to start a session."), oidc.WithWrap(err))
			eFn(reqState, responseErr, w, req)
			return
		}
		p.SessionEstablished(id)
		logger.Info("user logged in", "user", string(user))
		sFn(id, w, req)
	}, nil
}
