package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/grocery-inventory/grocery-load/internal/grocerytest"
)

func newMockCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mock",
		Short: "Serve an in-memory Grocery Inventory API",
		Long: `Serve a fake of the Grocery Inventory API for trying scenarios locally:

  grocery-load mock --addr :8000 &
  grocery-load run --base-url http://localhost:8000

Data lives in memory and is lost when the server stops.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := grocerytest.New(grocerytest.Options{
				Secret:       a.v.GetString("secret"),
				TokenTTL:     a.v.GetDuration("token-ttl"),
				Latency:      a.v.GetDuration("latency"),
				FailureRatio: a.v.GetFloat64("failure-ratio"),
				RequireAuth:  a.v.GetBool("require-auth"),
				Logger:       a.logger,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Serve(ctx, a.v.GetString("addr"))
		},
	}

	f := cmd.Flags()
	f.String("addr", ":8000", "Listen address")
	f.Duration("latency", 0, "Delay added to every response")
	f.Float64("failure-ratio", 0, "Fraction of requests answered with 500")
	f.Bool("require-auth", false, "Require a bearer token on product, sale and user routes")
	f.String("secret", "", "HS256 signing secret (default built in)")
	f.Duration("token-ttl", 0, "Access token lifetime (default 30m)")
	return cmd
}
