// Package vault reads secrets from HashiCorp Vault KV engines.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	vaultapi "github.com/hashicorp/vault/api"
)

// DefaultKey is read when a reference has no "#key" suffix.
const DefaultKey = "value"

// Config holds connection and auth settings.
type Config struct {
	Address string
	// AuthMethod is "token", "approle" or "cert".
	AuthMethod string
	Token      string
	RoleID     string
	SecretID   string
	CACert     string
	ClientCert string
	ClientKey  string
}

// Provider serves "vault://mount/data/path#key" references.
type Provider struct {
	client *vaultapi.Client
	logger *slog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New logs in and starts renewing the token when it is renewable.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	vc := vaultapi.DefaultConfig()
	if cfg.Address != "" {
		vc.Address = cfg.Address
	}
	if cfg.CACert != "" || cfg.ClientCert != "" || cfg.ClientKey != "" {
		if err := vc.ConfigureTLS(&vaultapi.TLSConfig{
			CACert:     cfg.CACert,
			ClientCert: cfg.ClientCert,
			ClientKey:  cfg.ClientKey,
		}); err != nil {
			return nil, fmt.Errorf("configure vault tls: %w", err)
		}
	}

	client, err := vaultapi.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	p := &Provider{client: client, logger: logger, stop: make(chan struct{})}

	auth, err := login(client, cfg)
	if err != nil {
		return nil, err
	}
	if auth != nil {
		client.SetToken(auth.ClientToken)
		if auth.Renewable {
			p.wg.Add(1)
			go p.renew(auth)
		}
	}
	return p, nil
}

// NewWithClient wraps an already authenticated client.
func NewWithClient(client *vaultapi.Client, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{client: client, logger: logger, stop: make(chan struct{})}
}

func login(client *vaultapi.Client, cfg Config) (*vaultapi.SecretAuth, error) {
	var (
		s   *vaultapi.Secret
		err error
	)
	switch cfg.AuthMethod {
	case "token", "":
		if cfg.Token == "" && cfg.AuthMethod == "" && cfg.RoleID != "" {
			s, err = approle(client, cfg)
			break
		}
		if cfg.Token != "" {
			client.SetToken(cfg.Token)
		}
		if client.Token() == "" {
			return nil, errors.New("vault token auth requires a token")
		}
		return nil, nil
	case "approle":
		s, err = approle(client, cfg)
	case "cert":
		s, err = client.Logical().Write("auth/cert/login", nil)
	default:
		return nil, fmt.Errorf("unknown vault auth method %q", cfg.AuthMethod)
	}
	if err != nil {
		return nil, fmt.Errorf("vault login (%s): %w", cfg.AuthMethod, err)
	}
	if s == nil || s.Auth == nil {
		return nil, errors.New("vault login returned no auth info")
	}
	return s.Auth, nil
}

func approle(client *vaultapi.Client, cfg Config) (*vaultapi.Secret, error) {
	return client.Logical().Write("auth/approle/login", map[string]any{
		"role_id":   cfg.RoleID,
		"secret_id": cfg.SecretID,
	})
}

// Get reads path, which may carry a "#key" suffix.
func (p *Provider) Get(ctx context.Context, path string) (string, error) {
	secretPath, key := path, DefaultKey
	if i := strings.LastIndex(path, "#"); i >= 0 {
		secretPath, key = path[:i], path[i+1:]
	}

	s, err := p.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("read vault secret %q: %w", secretPath, err)
	}
	if s == nil || s.Data == nil {
		return "", fmt.Errorf("vault secret %q not found", secretPath)
	}

	data := s.Data
	// KV v2 nests the payload under "data".
	if nested, ok := data["data"].(map[string]any); ok {
		data = nested
	}
	v, ok := data[key]
	if !ok {
		return "", fmt.Errorf("key %q not found in vault secret %q", key, secretPath)
	}
	return fmt.Sprint(v), nil
}

// Close stops token renewal.
func (p *Provider) Close() error {
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()
	return nil
}

func (p *Provider) renew(auth *vaultapi.SecretAuth) {
	defer p.wg.Done()

	watcher, err := p.client.NewLifetimeWatcher(&vaultapi.LifetimeWatcherInput{
		Secret: &vaultapi.Secret{Auth: auth},
	})
	if err != nil {
		p.logger.Error("vault lifetime watcher", "error", err)
		return
	}
	go watcher.Start()
	defer watcher.Stop()

	for {
		select {
		case <-p.stop:
			return
		case err := <-watcher.DoneCh():
			if err != nil {
				p.logger.Warn("vault token renewal stopped", "error", err)
			}
			return
		case r := <-watcher.RenewCh():
			p.logger.Debug("vault token renewed", "at", r.RenewedAt)
		}
	}
}
