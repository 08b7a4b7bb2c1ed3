package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	cli "github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/rendis/dagflow/internal/dispatch"
	"github.com/rendis/dagflow/internal/validation"
	"github.com/rendis/dagflow/pkg/schema"
)

func newValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Validate workflow definition files (JSON or YAML)",
		ArgsUsage: "FILE...",
		Action: func(_ context.Context, cmd *cli.Command) error {
			files := cmd.Args().Slice()
			if len(files) == 0 {
				return fmt.Errorf("at least one definition file is required")
			}

			handlers := dispatch.NewRegistry()
			jsv, err := validation.NewJSONSchemaValidator()
			if err != nil {
				return err
			}
			if err := dispatch.RegisterBuiltins(handlers, jsv, dispatch.HTTPConfig{}); err != nil {
				return err
			}
			wv, err := validation.NewWorkflowValidator(handlers)
			if err != nil {
				return err
			}

			invalid := 0
			for _, path := range files {
				if !validateFile(cmd.Root().Writer, wv, path) {
					invalid++
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d definitions are invalid", invalid, len(files))
			}
			return nil
		},
	}
}

// validateFile prints the result for one file and reports whether it is valid.
func validateFile(w io.Writer, wv *validation.WorkflowValidator, path string) bool {
	def, err := readDefinition(path)
	if err != nil {
		fmt.Fprintf(w, "%s: %v\n", path, err)
		return false
	}

	result := wv.Validate(def)
	for _, issue := range result.Warnings {
		fmt.Fprintf(w, "%s: warning %s [%s] %s\n", path, issue.Path, issue.Code, issue.Message)
	}
	for _, issue := range result.Errors {
		fmt.Fprintf(w, "%s: error %s [%s] %s\n", path, issue.Path, issue.Code, issue.Message)
	}
	if result.Valid() {
		fmt.Fprintf(w, "%s: ok (%s, %d steps)\n", path, def.Name, len(def.Steps))
	}
	return result.Valid()
}

// readDefinition decodes a JSON or YAML definition. YAML goes through a generic
// map so the JSON field names apply to both.
func readDefinition(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("convert yaml: %w", err)
		}
	}

	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	return &def, nil
}
