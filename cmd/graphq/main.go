// Command graphq runs one-off queries and schema lookups against configured
// connection presets.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vanshika/graphlens/internal/config"
	"github.com/vanshika/graphlens/internal/graph"
	"github.com/vanshika/graphlens/internal/logging"
	"github.com/vanshika/graphlens/internal/query"
	"github.com/vanshika/graphlens/internal/schema"
	"github.com/vanshika/graphlens/internal/session"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

const cliSession = "graphq"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(graph.DefaultBackends()).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type cli struct {
	backends        graph.Backends
	connectionsFile string
	logLevel        string
}

func newRootCmd(backends graph.Backends) *cobra.Command {
	c := &cli{backends: backends}

	root := &cobra.Command{
		Use:          "graphq",
		Short:        "Query Neo4j and PostgreSQL/AGE graphs through one result model",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&c.connectionsFile, "connections", os.Getenv("CONNECTIONS_FILE"),
		"Path to the connection presets file (JSON or YAML)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", envOr("LOG_LEVEL", "warn"), "Log level written to stderr")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "graphq v%s (%s)\n", version, commit)
		},
	})
	root.AddCommand(c.presetsCmd(), c.queryCmd(), c.schemaCmd())
	return root
}

func (c *cli) presetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List configured connection presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			presets, err := config.LoadPresets(c.connectionsFile, c.logger(cmd))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), presets.List())
		},
	}
}

func (c *cli) queryCmd() *cobra.Command {
	var (
		preset  string
		mode    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "query QUERY",
		Short: "Run a query and print the unified result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := c.logger(cmd)
			parsed, err := query.ParseMode(mode)
			if err != nil {
				return err
			}
			presets, err := config.LoadPresets(c.connectionsFile, logger)
			if err != nil {
				return err
			}
			d, err := presets.Lookup(preset)
			if err != nil {
				return err
			}

			store := session.NewStore(c.backends, logger)
			defer func() {
				if err := store.CloseAll(context.WithoutCancel(cmd.Context())); err != nil {
					logger.Warn("closing connection failed", "error", err)
				}
			}()

			if err := store.Register(cmd.Context(), cliSession, d); err != nil {
				return err
			}
			result, err := query.NewExecutor(store, logger).Execute(cmd.Context(), query.Request{
				Session: cliSession,
				Query:   args[0],
				Mode:    parsed,
				Timeout: timeout,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&preset, "preset", "", "Connection preset name")
	cmd.Flags().StringVar(&mode, "mode", string(query.ModeRaw), "Query mode: raw or cypher_only")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Query timeout")
	_ = cmd.MarkFlagRequired("preset")
	return cmd
}

func (c *cli) schemaCmd() *cobra.Command {
	var (
		preset string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print labels, relationship types and property keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := c.logger(cmd)
			presets, err := config.LoadPresets(c.connectionsFile, logger)
			if err != nil {
				return err
			}
			d, err := presets.Lookup(preset)
			if err != nil {
				return err
			}
			summary, err := schema.New(c.backends, logger, 1, 0).Fetch(cmd.Context(), d, force)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().StringVar(&preset, "preset", "", "Connection preset name")
	cmd.Flags().BoolVar(&force, "force", false, "Bypass the schema cache")
	_ = cmd.MarkFlagRequired("preset")
	return cmd
}

func (c *cli) logger(cmd *cobra.Command) *slog.Logger {
	return logging.NewTo(cmd.ErrOrStderr(), config.LoggingConfig{Level: c.logLevel}).With("component", "graphq")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
