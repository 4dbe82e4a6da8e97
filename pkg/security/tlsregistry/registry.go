// Package tlsregistry holds the single process-wide TLS context the engine's
// connection factory reads. Nothing else should use it: components receive
// TLS settings explicitly.
package tlsregistry

import (
    "sync"

    "github.com/amirimatin/go-ensemble/pkg/security/tlsconfig"
)

var (
    mu      sync.Mutex
    current *tlsconfig.Context
)

// Set installs ctx and closes the previously installed context, if any.
// Only one ensemble member configuration is active per host.
func Set(ctx *tlsconfig.Context) {
    mu.Lock()
    prev := current
    current = ctx
    mu.Unlock()
    if prev != nil && prev != ctx {
        _ = prev.Close()
    }
}

// Get returns the installed context or nil.
func Get() *tlsconfig.Context {
    mu.Lock(); defer mu.Unlock()
    return current
}
