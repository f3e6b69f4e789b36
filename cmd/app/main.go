package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/rhizocam/internal"
	pkgconfig "github.com/starford/rhizocam/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	configPath := cmd.String("config")

	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadOptional(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func fetch(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if _, err := internal.Fetch(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	return nil
}

func request(ctx context.Context, cmd *cli.Command) error {
	receiver := cmd.Args().First()
	if receiver == "" {
		return fmt.Errorf("request: receiver thing id is required")
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	id, err := internal.Request(ctx, receiver, cmd.String("attribute"), internal.WithConfig(cfg))
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func migrate(action string) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		steps := 1
		if arg := cmd.Args().First(); action == internal.MigrateDown && arg != "" {
			n, err := strconv.Atoi(arg)
			if err != nil || n < 1 {
				return fmt.Errorf("migrate down: steps must be a positive number, got %q", arg)
			}
			steps = n
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return internal.Migrate(ctx, action, steps, internal.WithConfig(cfg))
	}
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.ServeMCP(ctx, internal.WithConfig(cfg))
}

func main() {
	cmd := &cli.Command{
		Name:   "rhizocam",
		Usage:  "Ingest rhizotron camera images from the S3I broker into a local record store",
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Consume camera messages continuously and serve health, metrics and events",
				Action: serve,
			},
			{
				Name:   "fetch",
				Usage:  "Drain the message queues once and exit",
				Action: fetch,
			},
			{
				Name:      "request",
				Usage:     "Ask a camera thing for its current image",
				ArgsUsage: "<receiver thing id>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "attribute",
						Usage: "Attribute path to request",
						Value: "attributes/image",
					},
				},
				Action: request,
			},
			{
				Name:  "migrate",
				Usage: "Manage the record store schema",
				Commands: []*cli.Command{
					{Name: "up", Usage: "Apply pending migrations", Action: migrate(internal.MigrateUp)},
					{Name: "down", Usage: "Roll back migrations", ArgsUsage: "[steps]", Action: migrate(internal.MigrateDown)},
					{Name: "version", Usage: "Print the applied schema version", Action: migrate(internal.MigrateVersion)},
				},
			},
			{
				Name:   "mcp",
				Usage:  "Serve read-only MCP tools over stdio",
				Action: serveMCP,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		stop()
		os.Exit(1)
	}
}
