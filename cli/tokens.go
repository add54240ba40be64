package cli

import (
	"fmt"
	"time"

	"golang.org/x/xerrors"

	"github.com/coder/serpent"

	"github.com/devpulse/devpulse/pulsed/tokenpool"
)

func (r *RootCmd) tokens() *serpent.Command {
	var (
		provider      string
		orgID         string
		leaseDuration time.Duration
	)
	cmd := &serpent.Command{
		Use:   "tokens",
		Short: "Manage the shared provider token pool.",
		Handler: func(inv *serpent.Invocation) error {
			return inv.Command.HelpHandler(inv)
		},
	}
	cmd.Options = serpent.OptionSet{
		{
			Flag:        "provider",
			Env:         "DEVPULSE_PROVIDER",
			Description: "Provider the tokens authenticate against, e.g. github.",
			Value:       serpent.StringOf(&provider),
			Required:    true,
		},
		{
			Flag:        "org",
			Env:         "DEVPULSE_ORG",
			Description: "Organization the pool belongs to.",
			Value:       serpent.StringOf(&orgID),
			Required:    true,
		},
		{
			Flag:        "lease-duration",
			Env:         "DEVPULSE_LEASE_DURATION",
			Description: "How long a leased token stays unavailable to other workers.",
			Default:     tokenpool.DefaultLeaseDuration.String(),
			Value:       serpent.DurationOf(&leaseDuration),
		},
	}

	newPool := func(inv *serpent.Invocation) (*tokenpool.Pool, error) {
		ctx := inv.Context()
		logger := r.initLogger(inv)
		if r.redisURL == "" {
			return nil, xerrors.New("--redis-url or DEVPULSE_REDIS_URL is required for token pool management")
		}
		client, err := r.connectRedis(ctx, logger)
		if err != nil {
			return nil, err
		}
		return tokenpool.New(client, provider, orgID,
			tokenpool.WithLeaseDuration(leaseDuration),
			tokenpool.WithLogger(logger.Named("tokenpool")),
		), nil
	}

	cmd.AddSubcommands(
		&serpent.Command{
			Use:   "register <token>",
			Short: "Add a token to the pool, immediately available.",
			Middleware: serpent.Chain(
				serpent.RequireNArgs(1),
			),
			Handler: func(inv *serpent.Invocation) error {
				pool, err := newPool(inv)
				if err != nil {
					return err
				}
				hash := pool.Register(inv.Context(), inv.Args[0])
				if hash == "" {
					return xerrors.New("token pool unavailable")
				}
				_, _ = fmt.Fprintf(inv.Stdout, "registered token %s\n", hash)
				return nil
			},
		},
		&serpent.Command{
			Use:   "remove <token-hash>",
			Short: "Remove a token from the pool entirely.",
			Middleware: serpent.Chain(
				serpent.RequireNArgs(1),
			),
			Handler: func(inv *serpent.Invocation) error {
				pool, err := newPool(inv)
				if err != nil {
					return err
				}
				pool.Remove(inv.Context(), inv.Args[0])
				_, _ = fmt.Fprintf(inv.Stdout, "removed token %s\n", inv.Args[0])
				return nil
			},
		},
		&serpent.Command{
			Use:   "return <token-hash>",
			Short: "Return a leased token to the pool early.",
			Middleware: serpent.Chain(
				serpent.RequireNArgs(1),
			),
			Handler: func(inv *serpent.Invocation) error {
				pool, err := newPool(inv)
				if err != nil {
					return err
				}
				pool.Return(inv.Context(), inv.Args[0])
				_, _ = fmt.Fprintf(inv.Stdout, "returned token %s\n", inv.Args[0])
				return nil
			},
		},
		&serpent.Command{
			Use:   "status",
			Short: "Show pool size and currently available tokens.",
			Handler: func(inv *serpent.Invocation) error {
				pool, err := newPool(inv)
				if err != nil {
					return err
				}
				ctx := inv.Context()
				_, _ = fmt.Fprintf(inv.Stdout, "pool size: %d\navailable: %d\n",
					pool.PoolSize(ctx), pool.AvailableCount(ctx))
				return nil
			},
		},
	)
	return cmd
}
