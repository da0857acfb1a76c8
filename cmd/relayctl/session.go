package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blueberrycongee/relaymux/schedulers"
)

var namespaces = map[string]string{
	"claude": schedulers.ClaudeSessionNamespace,
	"gemini": schedulers.GeminiSessionNamespace,
	"openai": schedulers.OpenAISessionNamespace,
}

func namespaceFor(family string) (string, error) {
	ns, ok := namespaces[family]
	if !ok {
		return "", fmt.Errorf("unknown family %q (want claude, gemini or openai)", family)
	}
	return ns, nil
}

func newSessionCmd(c *cli) *cobra.Command {
	var family string

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or drop sticky session bindings",
	}
	cmd.PersistentFlags().StringVar(&family, "family", "claude", "scheduler family: claude, gemini or openai")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show <session-hash>",
			Short: "Show the account a session is bound to",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ns, err := namespaceFor(family)
				if err != nil {
					return err
				}
				ctx := cmd.Context()
				store, closeFn, err := c.store(ctx)
				if err != nil {
					return err
				}
				defer closeFn()

				m, err := store.GetSession(ctx, ns, args[0])
				if err != nil {
					return err
				}
				if m == nil {
					_, err = fmt.Fprintln(cmd.OutOrStdout(), "no binding")
					return err
				}
				ttl, err := store.SessionTTL(ctx, ns, args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tttl=%s\n", m.AccountID, m.Variant, ttl)
				return err
			},
		},
		&cobra.Command{
			Use:   "drop <session-hash>",
			Short: "Remove a session binding",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ns, err := namespaceFor(family)
				if err != nil {
					return err
				}
				ctx := cmd.Context()
				store, closeFn, err := c.store(ctx)
				if err != nil {
					return err
				}
				defer closeFn()

				if err := store.DeleteSession(ctx, ns, args[0]); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "dropped %s\n", args[0])
				return err
			},
		},
	)
	return cmd
}

func newSlotsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Inspect concurrency slots",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "cleanup <account-id>...",
		Short: "Remove expired slots and print the live count",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closeFn, err := c.store(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			for _, id := range args {
				removed, err := store.Cleanup(ctx, id)
				if err != nil {
					return err
				}
				live, err := store.Count(ctx, id)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\tremoved=%d live=%d\n", id, removed, live); err != nil {
					return err
				}
			}
			return nil
		},
	})
	return cmd
}
