package callback

import (
	"github.com/hashicorp/go-hclog"

	"github.com/estcore/railid-connect/oidc"
)

// DefaultButtonText is the login button's text.
const DefaultButtonText = "Login with RailID"

// handlerOptions is the set of available options for the handlers
type handlerOptions struct {
	withLogger            hclog.Logger
	withUserClaimMutator  oidc.UserClaimMutator
	withButtonText        string
	withButtonTextMutator oidc.ButtonTextMutator
}

// handlerDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func handlerDefaults() handlerOptions {
	return handlerOptions{
		withLogger:     hclog.NewNullLogger(),
		withButtonText: DefaultButtonText,
	}
}

// getHandlerOpts gets the handler defaults and applies the opt overrides
// passed in
func getHandlerOpts(opt ...oidc.Option) handlerOptions {
	opts := handlerDefaults()
	oidc.ApplyOpts(&opts, opt...)
	if opts.withLogger == nil {
		opts.withLogger = hclog.NewNullLogger()
	}
	return opts
}

// WithLogger provides an optional logger for the handlers
func WithLogger(l hclog.Logger) oidc.Option {
	return func(o interface{}) {
		if o, ok := o.(*handlerOptions); ok {
			o.withLogger = l
		}
	}
}

// WithUserClaimMutator provides an optional mutator AuthCode applies to the
// user claim before it's handed to the IdentityStore.
func WithUserClaimMutator(m oidc.UserClaimMutator) oidc.Option {
	return func(o interface{}) {
		if o, ok := o.(*handlerOptions); ok {
			o.withUserClaimMutator = m
		}
	}
}

// WithButtonText provides an optional text for the login button
func WithButtonText(text string) oidc.Option {
	return func(o interface{}) {
		if o, ok := o.(*handlerOptions); ok {
			o.withButtonText = text
		}
	}
}

// WithButtonTextMutator provides an optional mutator for the login button's
// text
func WithButtonTextMutator(m oidc.ButtonTextMutator) oidc.Option {
	return func(o interface{}) {
		if o, ok := o.(*handlerOptions); ok {
			o.withButtonTextMutator = m
		}
	}
}
