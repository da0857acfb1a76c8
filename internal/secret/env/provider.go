// Package env reads secrets from environment variables and files.
package env

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Provider serves "env://NAME" references.
type Provider struct{}

// New creates an environment provider.
func New() *Provider {
	return &Provider{}
}

// Get returns the value of the environment variable named by path.
func (p *Provider) Get(_ context.Context, path string) (string, error) {
	val, ok := os.LookupEnv(path)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", path)
	}
	return val, nil
}

// Close is a no-op.
func (p *Provider) Close() error { return nil }

// FileProvider serves "file:///path" references, typically mounted secrets.
// Trailing newlines are trimmed.
type FileProvider struct{}

// NewFile creates a file provider.
func NewFile() *FileProvider {
	return &FileProvider{}
}

// Get reads the file at path.
func (p *FileProvider) Get(_ context.Context, path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret file: %w", err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

// Close is a no-op.
func (p *FileProvider) Close() error { return nil }
