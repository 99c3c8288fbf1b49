// cmd/ratelimiter-node is the example driver for the distributed rate
// limiter, built with Cobra. It is packaging only: spec.md §6.4 places the
// CLI and example driver out of the core's scope.
//
// Usage:
//
//	ratelimiter-node serve --config ratelimiter.yaml
//	ratelimiter-node check mykey --limit 100 --config ratelimiter.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/wikimedia/limitation/internal/ratelimiter"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "ratelimiter-node",
		Short: "Run or probe a distributed rate-limiter DHT node",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to a YAML config file (ratelimiter.Options)")

	root.AddCommand(serveCmd(), checkCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadOptions(log *zap.Logger) (ratelimiter.Options, error) {
	opts := ratelimiter.DefaultOptions()
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return opts, fmt.Errorf("reading config: %w", err)
		}
		opts, err = ratelimiter.LoadOptions(data)
		if err != nil {
			return opts, fmt.Errorf("parsing config: %w", err)
		}
	}
	opts.Logger = log
	return opts, nil
}

// ─── serve ────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Bootstrap a DHT node and run the global update loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync()

			opts, err := loadOptions(log)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			rl, err := ratelimiter.New(opts).Setup(ctx)
			if err != nil {
				return fmt.Errorf("setup: %w", err)
			}

			log.Info("rate limiter node up", zap.String("listen", fmt.Sprintf("%s:%d", opts.Listen.Address, opts.Listen.Port)))

			go func() {
				for ev := range rl.Events() {
					log.Info("blocks tick", zap.Int("blocked_keys", len(ev.Blocks)), zap.Time("at", ev.At))
				}
			}()

			<-ctx.Done()
			log.Info("shutting down")
			return nil
		},
	}
}

// ─── check ────────────────────────────────────────────────────────────────

func checkCmd() *cobra.Command {
	var limit float64
	var increment float64

	cmd := &cobra.Command{
		Use:   "check <key>",
		Short: "Bootstrap a node, issue a single Check, and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := zap.NewNop()
			opts, err := loadOptions(log)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			rl, err := ratelimiter.New(opts).Setup(ctx)
			if err != nil {
				return fmt.Errorf("setup: %w", err)
			}

			allowed := rl.Check(args[0], limit, increment)
			out := map[string]any{
				"key":     args[0],
				"limit":   limit,
				"allowed": allowed,
			}
			data, err := yaml.Marshal(out)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}

	cmd.Flags().Float64Var(&limit, "limit", 100, "rate limit in events per second")
	cmd.Flags().Float64Var(&increment, "increment", 1, "events to record for this check")
	return cmd
}
