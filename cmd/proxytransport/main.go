// proxytransport runs the downstream transport of a game proxy with its
// admin API, telemetry and dump store, and inspects a running instance.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/energizer-project/proxytransport/internal/api"
	"github.com/energizer-project/proxytransport/internal/cli"
	"github.com/energizer-project/proxytransport/internal/config"
	"github.com/energizer-project/proxytransport/internal/transport"
	"github.com/energizer-project/proxytransport/internal/util"
)

const AppName = "proxytransport"

// AppVersion is overridden at build time with -ldflags.
var AppVersion = "dev"

type rootFlags struct {
	configDir string
	apiURL    string
	apiKey    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:          AppName,
		Short:        "Downstream transport for a game proxy",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			api.Version = AppVersion
			return util.InitLogger(util.LogConfig{Level: "warn", Console: true})
		},
	}
	root.PersistentFlags().StringVar(&flags.configDir, "config-dir", config.DefaultConfigDir, "directory holding "+config.DefaultConfigFile)
	root.PersistentFlags().StringVar(&flags.apiURL, "api", "", "admin API base URL (default http://127.0.0.1:<api.port>)")
	root.PersistentFlags().StringVar(&flags.apiKey, "api-key", "", "admin API key (default api.api_key from the config)")

	root.AddCommand(
		newServeCmd(flags),
		newStatusCmd(flags),
		newDumpsCmd(flags),
		newProbeCmd(flags),
		newVersionCmd(),
	)
	return root
}

// client builds an admin API client from flags, filling gaps from the
// configuration file.
func (f *rootFlags) client() (*cli.Client, error) {
	url, key := f.apiURL, f.apiKey
	if url == "" || key == "" {
		cfg, err := config.Load(f.configDir)
		if err != nil {
			return nil, err
		}
		apiCfg := cfg.GetAPI()
		if url == "" {
			scheme := "http"
			if apiCfg.TLSEnabled {
				scheme = "https"
			}
			url = fmt.Sprintf("%s://127.0.0.1:%d", scheme, apiCfg.Port)
		}
		if key == "" {
			key = apiCfg.APIKey
		}
	}
	return cli.NewClient(url, key), nil
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sessions, pooled connections and latency of a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			sessions, err := c.Sessions(ctx, server)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "Sessions")
			cli.PrintSessions(out, sessions, time.Now())

			pool, err := c.Pool(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "\nQUIC pool")
			cli.PrintPool(out, pool)

			latency, err := c.Latency(ctx)
			if err != nil {
				// The monitor may be disabled; the rest is still useful.
				fmt.Fprintf(out, "\nLatency: %v\n", err)
				return nil
			}
			fmt.Fprintln(out, "\nLatency")
			cli.PrintLatency(out, latency)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "only show sessions on this server")
	return cmd
}

func newDumpsCmd(flags *rootFlags) *cobra.Command {
	var (
		server string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "dumps",
		Short: "List buffer dumps of batches that failed to decode",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			dumps, err := c.Dumps(cmd.Context(), server, limit)
			if err != nil {
				return err
			}
			cli.PrintDumps(cmd.OutOrStdout(), dumps)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "only list dumps from this server")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of dumps to list")
	return cmd
}

func newProbeCmd(flags *rootFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "probe <server>",
		Short: "Dial a configured server and measure its latency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configDir)
			if err != nil {
				return err
			}
			sc, ok := cfg.FindServer(args[0])
			if !ok {
				return fmt.Errorf("server %q is not configured", args[0])
			}
			server, err := serverInfo(cfg, sc)
			if err != nil {
				return err
			}

			tr, err := transport.New(transportOptions(cfg))
			if err != nil {
				return err
			}
			tr.Start()
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				tr.Stop(stopCtx)
			}()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			rtt, err := tr.Probe(ctx, server)
			if err != nil {
				return fmt.Errorf("probe %s: %w", server, err)
			}
			cli.PrintProbe(cmd.OutOrStdout(), server, rtt)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "give up after this long")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", AppName, AppVersion)
		},
	}
}
