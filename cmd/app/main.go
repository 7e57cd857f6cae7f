package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/laguz/internal"
	"github.com/starford/laguz/internal/mnemonic"
	pkgconfig "github.com/starford/laguz/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.Load(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func runRelay(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.RunRelay(ctx, cfg)
}

func runMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.RunMCP(ctx, cfg)
}

func runMnemonicShow(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := mnemonic.OpenStore(cfg.Data.MnemonicPath(), mnemonic.DefaultWords, false)
	if err != nil {
		return err
	}
	phrase := store.Phrase()
	if phrase == "" {
		return fmt.Errorf("no mnemonic configured; run serve once to generate one")
	}
	fmt.Printf("phrase: %s\nroom:   %s\n", phrase, store.RoomID())
	return nil
}

func runMnemonicSet(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	phrase := cmd.Args().First()
	if phrase == "" {
		return fmt.Errorf("usage: mnemonic set <phrase>")
	}
	store, err := mnemonic.OpenStore(cfg.Data.MnemonicPath(), mnemonic.DefaultWords, false)
	if err != nil {
		return err
	}
	if err := store.Set(phrase); err != nil {
		return err
	}
	fmt.Printf("room: %s\n", store.RoomID())
	return nil
}

func main() {
	configFlag := &cli.StringFlag{
		Name:        "config",
		Aliases:     []string{"c"},
		Usage:       "Path to config file",
		DefaultText: "config/config.yaml",
		Value:       "config/config.yaml",
		Sources:     cli.EnvVars("APP_CONFIG_FILE"),
	}

	cmd := &cli.Command{
		Name:   "laguz",
		Usage:  "Local-first task manager with CRDT multi-device sync and end-to-end encryption",
		Action: runServe,
		Flags:  []cli.Flag{configFlag},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the sync client with HTTP API (default)",
				Action: runServe,
				Flags:  []cli.Flag{configFlag},
			},
			{
				Name:   "relay",
				Usage:  "Run the rendezvous relay server",
				Action: runRelay,
				Flags:  []cli.Flag{configFlag},
			},
			{
				Name:   "mcp",
				Usage:  "Run the MCP stdio server for LLM integration",
				Action: runMCP,
				Flags:  []cli.Flag{configFlag},
			},
			{
				Name:  "mnemonic",
				Usage: "Inspect or replace the sync mnemonic",
				Commands: []*cli.Command{
					{
						Name:   "show",
						Usage:  "Print the current phrase and derived room id",
						Action: runMnemonicShow,
						Flags:  []cli.Flag{configFlag},
					},
					{
						Name:      "set",
						Usage:     "Adopt a new phrase (joins that phrase's room)",
						ArgsUsage: "<phrase>",
						Action:    runMnemonicSet,
						Flags:     []cli.Flag{configFlag},
					},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
