package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/relaymux/internal/config"
	"github.com/blueberrycongee/relaymux/internal/directory"
	"github.com/blueberrycongee/relaymux/internal/refresh"
	"github.com/blueberrycongee/relaymux/internal/secret"
	"github.com/blueberrycongee/relaymux/internal/secret/env"
	vaultsecret "github.com/blueberrycongee/relaymux/internal/secret/vault"
	"github.com/blueberrycongee/relaymux/internal/state"
	"github.com/blueberrycongee/relaymux/internal/vault"
	"github.com/blueberrycongee/relaymux/pkg/account"
	"github.com/blueberrycongee/relaymux/pkg/provider"
	"github.com/blueberrycongee/relaymux/providers/bedrock"
	"github.com/blueberrycongee/relaymux/providers/ccr"
	"github.com/blueberrycongee/relaymux/providers/claude"
	"github.com/blueberrycongee/relaymux/providers/gemini"
	"github.com/blueberrycongee/relaymux/providers/openai"
)

// accountDirectory is what the gateway and refresher need from a directory.
type accountDirectory interface {
	account.Directory
	account.Updater
}

var adapterFactories = map[string]provider.Factory{
	claude.AdapterName: claude.NewFromConfig,
	ccr.AdapterName:    ccr.NewFromConfig,
	gemini.AdapterName: gemini.NewFromConfig,
	openai.AdapterName: openai.NewFromConfig,
}

// buildRegistry creates one adapter per wire protocol from relay settings.
func buildRegistry(cfg *config.Config) (*provider.Registry, error) {
	registry, err := provider.NewRegistry()
	if err != nil {
		return nil, err
	}

	for _, name := range []string{claude.AdapterName, ccr.AdapterName, gemini.AdapterName, openai.AdapterName} {
		pc := provider.Config{
			Name:                name,
			BaseURL:             cfg.Relay.Endpoints[name],
			Headers:             cfg.Relay.Headers,
			AllowPrivateBaseURL: cfg.Relay.AllowPrivateEndpoints,
		}
		if name == claude.AdapterName || name == ccr.AdapterName {
			pc.APIVersion = cfg.Relay.ClaudeAPIVersion
		}
		adapter, err := adapterFactories[name](pc)
		if err != nil {
			return nil, fmt.Errorf("create %s adapter: %w", name, err)
		}
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
	}

	opts := []bedrock.Option{
		bedrock.WithDefaultRegion(cfg.Bedrock.DefaultRegion),
		bedrock.WithSmallFastRegion(cfg.Bedrock.SmallFastRegion),
		bedrock.WithMaxTokens(cfg.Bedrock.MaxOutputTokens),
		bedrock.WithAllowPrivateEndpoints(cfg.Relay.AllowPrivateEndpoints),
	}
	if cfg.Bedrock.DefaultModel != "" {
		opts = append(opts, bedrock.WithDefaultModel(cfg.Bedrock.DefaultModel))
	}
	if err := registry.Register(bedrock.New(opts...)); err != nil {
		return nil, err
	}
	return registry, nil
}

// buildSecrets registers env://, file:// and, when an address is set, vault://.
func buildSecrets(cfg *config.Config, logger *slog.Logger) (*secret.Manager, error) {
	mgr := secret.NewManager(secret.WithCacheTTL(cfg.Secret.CacheTTL), secret.WithLogger(logger))
	mgr.Register("env", env.New())
	mgr.Register("file", env.NewFile())

	if cfg.Secret.VaultAddress != "" {
		p, err := vaultsecret.New(vaultsecret.Config{
			Address:    cfg.Secret.VaultAddress,
			AuthMethod: cfg.Secret.VaultAuthMethod,
			Token:      cfg.Secret.VaultToken,
			RoleID:     cfg.Secret.VaultRoleID,
			SecretID:   cfg.Secret.VaultSecretID,
			CACert:     cfg.Secret.VaultCACert,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init vault secret provider: %w", err)
		}
		mgr.Register("vault", p)
		logger.Info("vault secret provider registered", "address", cfg.Secret.VaultAddress)
	}
	return mgr, nil
}

// buildCipher resolves the encryption key and derives the credential vault.
func buildCipher(ctx context.Context, cfg *config.Config, secrets vault.SecretSource, logger *slog.Logger) (*vault.Vault, error) {
	return vault.NewFromSource(ctx, secrets, cfg.Vault.EncryptionKey,
		vault.WithCache(vault.NewCache(cfg.Vault.CacheSize, cfg.Vault.CacheTTL)),
		vault.WithLogger(logger),
	)
}

// builtDirectory carries the chosen directory and its teardown.
type builtDirectory struct {
	dir    accountDirectory
	memory *account.MemoryDirectory
	close  func()
}

func buildDirectory(ctx context.Context, cfg *config.Config, client redis.UniversalClient, logger *slog.Logger) (builtDirectory, error) {
	switch cfg.Directory.Type {
	case "redis":
		return builtDirectory{
			dir:   directory.NewRedis(client, cfg.Directory.KeyPrefix),
			close: func() {},
		}, nil

	case "postgres":
		pc := directory.DefaultPostgresConfig()
		pc.DSN = cfg.Directory.DSN
		if cfg.Directory.MaxOpenConns > 0 {
			pc.MaxOpenConns = cfg.Directory.MaxOpenConns
		}
		pg, err := directory.OpenPostgres(ctx, pc)
		if err != nil {
			return builtDirectory{}, fmt.Errorf("open postgres directory: %w", err)
		}
		if cfg.Directory.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close()
				return builtDirectory{}, fmt.Errorf("migrate postgres directory: %w", err)
			}
		}
		stopMetrics := pg.StartPoolMetrics(ctx, cfg.Directory.PoolInterval, logger)
		return builtDirectory{
			dir: pg,
			close: func() {
				stopMetrics()
				_ = pg.Close()
			},
		}, nil

	default:
		mem := account.NewMemoryDirectory(cfg.Accounts...)
		return builtDirectory{dir: mem, memory: mem, close: func() {}}, nil
	}
}

func buildRefresher(cfg *config.Config, store *state.Store, dir accountDirectory, cipher vault.Cipher, logger *slog.Logger) *refresh.Refresher {
	if !cfg.Refresh.Enabled {
		return nil
	}
	opts := []refresh.Option{
		refresh.WithThreshold(cfg.Refresh.Threshold),
		refresh.WithScanWindow(cfg.Refresh.ScanWindow),
		refresh.WithBatchSize(cfg.Refresh.BatchSize),
		refresh.WithLockTTL(cfg.Refresh.LockTTL),
		refresh.WithLogger(logger),
	}
	if cfg.Refresh.GeminiClientID != "" {
		opts = append(opts, refresh.WithClient(account.PlatformGemini, refresh.Client{
			ClientID:     cfg.Refresh.GeminiClientID,
			ClientSecret: cfg.Refresh.GeminiClientSecret,
			TokenURL:     refresh.GoogleTokenURL,
		}))
	}
	return refresh.New(store, dir, cipher, opts...)
}

func stateOptions(cfg *config.Config) []state.Option {
	return []state.Option{
		state.WithKeyPrefix(cfg.Redis.KeyPrefix),
		state.WithSlotTTL(cfg.Redis.SlotTTL),
		state.WithSlotBuffer(cfg.Redis.SlotBuffer),
	}
}
