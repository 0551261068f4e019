// Package middleware wraps a ports.Backend to transform entity payloads on their way to
// and from storage.
package middleware

import "github.com/aretw0/keystone/pkg/ports"

// Middleware wraps a Backend to add behavior.
type Middleware func(ports.Backend) ports.Backend

// Chain applies mws so that the first one is outermost.
func Chain(b ports.Backend, mws ...Middleware) ports.Backend {
	for i := len(mws) - 1; i >= 0; i-- {
		b = mws[i](b)
	}
	return b
}
