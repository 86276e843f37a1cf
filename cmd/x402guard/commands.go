package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/vitwit/x402guard"
	"github.com/vitwit/x402guard/ratelimit"
	"github.com/vitwit/x402guard/types"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the guard's tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, g *x402guard.Guard) error {
				if err := g.Migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	var (
		loop     bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale payments and purge old nonces and rate-limit windows",
		Long: `Run one housekeeping pass and print its report.

With --loop the pass repeats every --interval until interrupted; the
--timeout flag then bounds startup only.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !loop {
				return withSession(cmd, func(ctx context.Context, g *x402guard.Guard) error {
					report, err := g.Sweep(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd, report)
				})
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			err = s.guard.RunHousekeeping(ctx, interval)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&loop, "loop", false, "keep sweeping until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", time.Minute, "time between passes with --loop")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and write versioned runtime configuration",
	}

	get := &cobra.Command{
		Use:   "get KEY",
		Short: "Print a configuration entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, g *x402guard.Guard) error {
				entry, err := g.GetConfig(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, entry)
			})
		},
	}

	var description string
	set := &cobra.Command{
		Use:   "set KEY JSON",
		Short: "Write a configuration value, bumping its version",
		Example: `  x402guard config set rate_limit.default '{"windowMs":60000,"maxRequests":20}'
  x402guard config set nonce.default '{"ttlSeconds":120}' --description "short challenges"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("value for %s is not valid JSON", args[0])
			}
			var desc *string
			if cmd.Flags().Changed("description") {
				desc = &description
			}
			return withSession(cmd, func(ctx context.Context, g *x402guard.Guard) error {
				entry, err := g.UpdateConfig(ctx, operator(), args[0], json.RawMessage(args[1]), desc)
				if err != nil {
					return err
				}
				return printJSON(cmd, entry)
			})
		},
	}
	set.Flags().StringVar(&description, "description", "", "human-readable note stored with the entry")

	cmd.AddCommand(get, set)
	return cmd
}

func rateLimitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Inspect and reset rate-limit windows",
	}

	var (
		identifierType string
		resource       string
	)
	keyFor := func(identifier string) ratelimit.Key {
		return ratelimit.Key{
			Identifier:     identifier,
			IdentifierType: types.IdentifierType(strings.ToUpper(identifierType)),
			Resource:       resource,
		}
	}

	show := &cobra.Command{
		Use:   "show IDENTIFIER",
		Short: "Print the stored window for an identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, g *x402guard.Guard) error {
				window, err := g.RateLimitWindow(ctx, keyFor(args[0]))
				if err != nil {
					return err
				}
				return printJSON(cmd, window)
			})
		},
	}

	reset := &cobra.Command{
		Use:   "reset IDENTIFIER",
		Short: "Lift a block and zero the window for an identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, g *x402guard.Guard) error {
				if err := g.ResetRateLimit(ctx, operator(), keyFor(args[0])); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", keyFor(args[0]))
				return nil
			})
		},
	}

	for _, c := range []*cobra.Command{show, reset} {
		c.Flags().StringVarP(&identifierType, "type", "t", string(types.IdentifierIP), "identifier type (IP, WALLET)")
		c.Flags().StringVarP(&resource, "resource", "r", "", "resource the window is scoped to")
	}

	cmd.AddCommand(show, reset)
	return cmd
}

func nonceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nonce",
		Short: "Issue payment challenge nonces",
	}

	var ip, userAgent string
	issue := &cobra.Command{
		Use:   "issue RESOURCE",
		Short: "Issue a nonce for a protected resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc := operator()
			if ip != "" {
				rc.IPAddress = ip
			}
			if userAgent != "" {
				rc.UserAgent = userAgent
			}
			return withSession(cmd, func(ctx context.Context, g *x402guard.Guard) error {
				n, err := g.IssueNonce(ctx, rc, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, n)
			})
		},
	}
	issue.Flags().StringVar(&ip, "ip", "", "client IP recorded with the nonce")
	issue.Flags().StringVar(&userAgent, "user-agent", "", "client user agent recorded with the nonce")

	cmd.AddCommand(issue)
	return cmd
}

func paymentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payment",
		Short: "Inspect and refund payments",
	}

	var history bool
	status := &cobra.Command{
		Use:   "status ID|TXHASH",
		Short: "Print a payment, looked up by id or transaction hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, g *x402guard.Guard) error {
				var (
					p   *types.Payment
					err error
				)
				if strings.HasPrefix(args[0], "0x") {
					p, err = g.GetPaymentByTxHash(ctx, args[0])
				} else {
					p, err = g.GetPaymentStatus(ctx, args[0])
				}
				if err != nil {
					return err
				}
				if !history {
					return printJSON(cmd, p)
				}
				events, err := g.PaymentHistory(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]interface{}{"payment": p, "events": events})
			})
		},
	}
	status.Flags().BoolVar(&history, "history", false, "include the payment's audit events")

	var reason string
	refund := &cobra.Command{
		Use:   "refund ID",
		Short: "Refund a settled payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, g *x402guard.Guard) error {
				p, err := g.RefundPayment(ctx, operator(), args[0], reason)
				if err != nil {
					return err
				}
				return printJSON(cmd, p)
			})
		},
	}
	refund.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit trail")

	settle := &cobra.Command{
		Use:   "settle ID...",
		Short: "Confirm verified payments on chain (requires --rpc-url)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, g *x402guard.Guard) error {
				results, err := g.SettleVerified(ctx, operator(), args...)
				if err != nil {
					return err
				}
				return printJSON(cmd, results)
			})
		},
	}

	cmd.AddCommand(status, refund, settle)
	return cmd
}
