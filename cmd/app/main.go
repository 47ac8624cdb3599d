package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/flintnotes/flintsync/internal"
	pkgconfig "github.com/flintnotes/flintsync/pkg/config"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"
)

func run(ctx context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")

	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadOptional(configPath, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	if v := cmd.String("vault"); v != "" {
		cfg.Vault.Path = v
	}

	opts := []internal.Option{
		internal.WithConfig(cfg),
		internal.WithAgent(cmd.Bool("agent")),
	}
	if id := cmd.String("replica-id"); id != "" {
		opts = append(opts, internal.WithReplicaID(id))
	}

	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}

	return nil
}

func main() {
	cmd := &cli.Command{
		Name:   "flintsync",
		Usage:  "Vault synchronization engine: CRDT document store, Markdown files, and peer replicas kept consistent",
		Action: run,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "vault",
				Usage:   "Vault directory (overrides config)",
				Sources: cli.EnvVars("FLINT_VAULT"),
			},
			&cli.StringFlag{
				Name:    "replica-id",
				Usage:   "Stable replica identifier for this process",
				Sources: cli.EnvVars("FLINT_REPLICA_ID"),
			},
			&cli.BoolFlag{
				Name:  "agent",
				Usage: "Expose the note tools to AI agents over stdio (MCP)",
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
