package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blueberrycongee/relaymux"
	"github.com/blueberrycongee/relaymux/internal/secret"
	"github.com/blueberrycongee/relaymux/internal/secret/env"
	"github.com/blueberrycongee/relaymux/internal/state"
	"github.com/blueberrycongee/relaymux/internal/vault"
)

const envPrefix = "RELAYMUX"

// cli carries settings resolved from flags, RELAYMUX_* variables and an
// optional config file, in that order of precedence.
type cli struct {
	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "relaymux-ctl",
		Short:         "Inspect and repair relaymux account state",
		Long:          "relayctl reads and clears the health flags, concurrency slots and sticky sessions relaymux keeps in Redis, and encrypts credentials for the account directory.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "optional YAML file with flag defaults")
	flags.String("redis-addr", "localhost:6379", "Redis address")
	flags.String("redis-password", "", "Redis password")
	flags.Int("redis-db", 0, "Redis database")
	flags.String("key-prefix", state.DefaultKeyPrefix, "state key prefix")
	flags.String("encryption-key", "env://RELAYMUX_ENCRYPTION_KEY", "encryption key or env:// / file:// reference")
	flags.Bool("json", false, "print JSON")

	rootCmd.AddCommand(
		newVersionCmd(),
		newEncryptCmd(c),
		newDecryptCmd(c),
		newHealthCmd(c),
		newClearCmd(c),
		newSessionCmd(c),
		newSlotsCmd(c),
	)
	return rootCmd
}

func (c *cli) load(cmd *cobra.Command) error {
	c.v.SetEnvPrefix(envPrefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()
	if err := c.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if path := c.v.GetString("config"); path != "" {
		c.v.SetConfigFile(path)
		if err := c.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
	}
	return nil
}

func (c *cli) jsonOutput() bool {
	return c.v.GetBool("json")
}

// store connects to Redis. The returned close func releases the client.
func (c *cli) store(ctx context.Context) (*state.Store, func(), error) {
	cfg := state.DefaultClientConfig()
	cfg.Addr = c.v.GetString("redis-addr")
	cfg.Password = c.v.GetString("redis-password")
	cfg.DB = c.v.GetInt("redis-db")
	cfg.MaxRetries = 0

	client, err := state.NewClient(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis at %s: %w", cfg.Addr, err)
	}
	return newStore(client, c.v.GetString("key-prefix")), func() { _ = client.Close() }, nil
}

func newStore(client redis.UniversalClient, prefix string) *state.Store {
	return state.New(client, state.WithKeyPrefix(prefix))
}

// cipher resolves the encryption key and derives the vault key.
func (c *cli) cipher(ctx context.Context) (vault.Cipher, error) {
	secrets := secret.NewManager()
	secrets.Register("env", env.New())
	secrets.Register("file", env.NewFile())
	defer secrets.Close()

	return vault.NewFromSource(ctx, secrets, c.v.GetString("encryption-key"))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relaymux version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), relaymux.Version)
			return err
		},
	}
}
