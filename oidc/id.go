package oidc

import (
	"fmt"

	"github.com/estcore/railid-connect/sdk/id"
)

// NewId generates an id with an optional prefix.  The id generated is
// suitable for a state token.
func NewId(optionalPrefix string) (string, error) {
	const op = "NewId"
	v, err := id.New(optionalPrefix)
	if err != nil {
		return "", NewError(ErrCodeUnknown, WithOp(op), WithKind(KindInternal), WithMsg("unable to generate id"), WithWrap(fmt.Errorf("%w: %s", ErrIdGeneratorFailed, err)))
	}
	return v, nil
}
