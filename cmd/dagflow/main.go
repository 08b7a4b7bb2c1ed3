package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:                  "dagflow",
		Usage:                 "Workflow DAG execution engine",
		Version:               version,
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to settings.json",
				Value:   settingsPath(),
				Sources: cli.EnvVars("DAGFLOW_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			newServeCommand(),
			newInitCommand(),
			newValidateCommand(),
			newDiagramCommand(),
			newVersionCommand(),
		},
	}
}

// resolveConfig loads settings.json, applies flags and env, and validates.
func resolveConfig(cmd *cli.Command) (Config, error) {
	cfg, err := loadConfig(cmd.String("config"))
	if err != nil {
		return cfg, err
	}
	applyFlags(cmd, &cfg)
	return cfg, cfg.Validate()
}

func newInitCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write settings.json from defaults and the given flags",
		Flags: configFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := defaultConfig()
			applyFlags(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			path := cmd.String("config")
			if err := writeSettings(path, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "Config written to %s\n", path)
			return nil
		},
	}
}
