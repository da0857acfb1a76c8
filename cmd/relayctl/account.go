package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

type healthView struct {
	AccountID        string     `json:"account_id"`
	RateLimited      bool       `json:"rate_limited"`
	RateLimitedUntil *time.Time `json:"rate_limited_until,omitempty"`
	Overloaded       bool       `json:"overloaded"`
	OverloadedUntil  *time.Time `json:"overloaded_until,omitempty"`
	Blocked          bool       `json:"blocked"`
	BlockedAt        *time.Time `json:"blocked_at,omitempty"`
	Unauthorized     int64      `json:"unauthorized_count"`
	Concurrency      int64      `json:"concurrency"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func newHealthCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "health <account-id>...",
		Short: "Show scheduling state for accounts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closeFn, err := c.store(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			now := time.Now()
			views := make([]healthView, 0, len(args))
			for _, id := range args {
				h, err := store.Health(ctx, id)
				if err != nil {
					return fmt.Errorf("load health for %s: %w", id, err)
				}
				views = append(views, healthView{
					AccountID:        id,
					RateLimited:      h.RateLimited(now),
					RateLimitedUntil: timePtr(h.RateLimitedUntil),
					Overloaded:       h.Overloaded(now),
					OverloadedUntil:  timePtr(h.OverloadedUntil),
					Blocked:          h.Blocked,
					BlockedAt:        timePtr(h.BlockedAt),
					Unauthorized:     h.Unauthorized,
					Concurrency:      h.Concurrency,
				})
			}

			out := cmd.OutOrStdout()
			if c.jsonOutput() {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(views)
			}
			for _, v := range views {
				if _, err := fmt.Fprintf(out, "%s\trate_limited=%t overloaded=%t blocked=%t unauthorized=%d concurrency=%d\n",
					v.AccountID, v.RateLimited, v.Overloaded, v.Blocked, v.Unauthorized, v.Concurrency); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newClearCmd(c *cli) *cobra.Command {
	var rateLimit, overload, blocked, unauthorized, all bool

	cmd := &cobra.Command{
		Use:   "clear <account-id>",
		Short: "Clear health flags so the account becomes schedulable again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !(rateLimit || overload || blocked || unauthorized || all) {
				return errors.New("select at least one of --rate-limit, --overload, --blocked, --unauthorized or --all")
			}
			ctx := cmd.Context()
			store, closeFn, err := c.store(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			id := args[0]
			if all {
				if err := store.ClearAll(ctx, id); err != nil {
					return err
				}
			} else {
				steps := []struct {
					on  bool
					run func() error
				}{
					{rateLimit, func() error { return store.ClearRateLimited(ctx, id) }},
					{overload, func() error { return store.ClearOverloaded(ctx, id) }},
					{blocked, func() error { return store.ClearBlocked(ctx, id) }},
					{unauthorized, func() error { return store.ClearUnauthorized(ctx, id) }},
				}
				for _, s := range steps {
					if !s.on {
						continue
					}
					if err := s.run(); err != nil {
						return err
					}
				}
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", id)
			return err
		},
	}

	cmd.Flags().BoolVar(&rateLimit, "rate-limit", false, "clear the 429 flag")
	cmd.Flags().BoolVar(&overload, "overload", false, "clear the 529 flag")
	cmd.Flags().BoolVar(&blocked, "blocked", false, "clear the 403 block")
	cmd.Flags().BoolVar(&unauthorized, "unauthorized", false, "reset the 401 counter")
	cmd.Flags().BoolVar(&all, "all", false, "clear every flag")
	return cmd
}
