package oidc

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type which can be used in a
// variadic parameter pattern.
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		if o == nil { // ignore any nil Options
			continue
		}
		o(opts)
	}
}

// WithLogger provides an optional logger for: StateStore, TokenClient,
// Provider
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *stateStoreOptions:
			v.withLogger = l
		case *tokenClientOptions:
			v.withLogger = l
		case *providerOptions:
			v.withLogger = l
		}
	}
}

// WithNow provides an optional func for determining the current time for:
// StateStore, TokenClient, Provider
func WithNow(now func() time.Time) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *stateStoreOptions:
			v.withNowFunc = now
		case *tokenClientOptions:
			v.withNowFunc = now
		case *providerOptions:
			v.withNowFunc = now
		}
	}
}

// loggerOrNull returns l, or a null logger when l is nil.
func loggerOrNull(l hclog.Logger) hclog.Logger {
	if l == nil {
		return hclog.NewNullLogger()
	}
	return l
}
