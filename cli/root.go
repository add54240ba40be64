// Package cli implements the devpulse command line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/coder/serpent"

	"github.com/devpulse/devpulse/buildinfo"
)

// RootCmd contains the options shared by every subcommand.
type RootCmd struct {
	postgresURL string
	redisURL    string
	verbose     bool
}

func (r *RootCmd) Command() *serpent.Command {
	cmd := &serpent.Command{
		Use:   "devpulse",
		Short: "Engineering analytics metric pipeline.",
		Long:  fmt.Sprintf("devpulse %s — dispatches, computes and finalizes daily engineering metrics.", buildinfo.Version()),
		Handler: func(inv *serpent.Invocation) error {
			return inv.Command.HelpHandler(inv)
		},
		Children: []*serpent.Command{
			r.server(),
			r.dispatch(),
			r.reap(),
			r.tokens(),
			r.version(),
		},
	}
	cmd.Options = serpent.OptionSet{
		{
			Flag:        "postgres-url",
			Env:         "DEVPULSE_POSTGRES_URL",
			Description: "Connection URL for the Postgres database.",
			Value:       serpent.StringOf(&r.postgresURL),
		},
		{
			Flag:        "redis-url",
			Env:         "DEVPULSE_REDIS_URL",
			Description: "Connection URL for Redis. Optional; without it rate limiting and token pooling degrade to process-local state.",
			Value:       serpent.StringOf(&r.redisURL),
		},
		{
			Flag:          "verbose",
			FlagShorthand: "v",
			Env:           "DEVPULSE_VERBOSE",
			Description:   "Enable debug logging.",
			Value:         serpent.BoolOf(&r.verbose),
		},
	}
	return cmd
}

// RunMain executes the CLI and exits the process.
func (r *RootCmd) RunMain() {
	err := r.Command().Invoke().WithOS().Run()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func (r *RootCmd) version() *serpent.Command {
	return &serpent.Command{
		Use:   "version",
		Short: "Show the devpulse version.",
		Handler: func(inv *serpent.Invocation) error {
			_, _ = fmt.Fprintln(inv.Stdout, buildinfo.Version())
			return nil
		},
	}
}
