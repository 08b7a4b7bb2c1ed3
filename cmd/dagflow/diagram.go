package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/rendis/dagflow/internal/diagram"
)

func newDiagramCommand() *cli.Command {
	return &cli.Command{
		Name:      "diagram",
		Usage:     "Render a workflow definition file as a diagram",
		ArgsUsage: "FILE",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: "ascii", Usage: "Output format (ascii, mermaid, svg, png)"},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Write to this file instead of stdout"},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("exactly one definition file is required")
			}
			def, err := readDefinition(cmd.Args().First())
			if err != nil {
				return err
			}
			model, err := diagram.Build(def, nil)
			if err != nil {
				return err
			}
			format := diagram.Format(cmd.String("format"))
			out, err := diagram.Render(model, format)
			if err != nil {
				return err
			}

			if path := cmd.String("out"); path != "" {
				return os.WriteFile(path, out, 0o644)
			}
			if format.Binary() {
				return fmt.Errorf("%s output needs --out", format)
			}
			_, err = cmd.Root().Writer.Write(out)
			return err
		},
	}
}
