// Package secret resolves secret references such as the credential
// encryption key. A reference is "scheme://path"; a value without a scheme
// is returned as-is.
package secret

import "context"

// Provider reads secrets for one scheme.
type Provider interface {
	// Get returns the secret at path, the part after "scheme://".
	Get(ctx context.Context, path string) (string, error)
	Close() error
}
