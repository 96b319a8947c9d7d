// pkg/auth/options.go
package auth

import "go.uber.org/zap"

type storeOptions struct {
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*storeOptions)

// WithLogger sets the logger used for fail-soft warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(o *storeOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func applyOptions(opts []Option) storeOptions {
	o := storeOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
