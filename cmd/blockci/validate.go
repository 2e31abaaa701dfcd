package main

import (
	"fmt"
	"strings"

	"blockci/internal/container"
	"blockci/internal/core"

	"github.com/spf13/cobra"
)

func (a *app) validateCmd() *cobra.Command {
	var schema bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the pipeline definition without running it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if schema {
				_, err := a.stdout.Write(core.PipelineSchema())
				return err
			}
			// Build and publish stages compile against the docker CLI here;
			// nothing is invoked.
			_, g, err := a.loadPipeline(kinds(container.NewDocker(), nil))
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Pipeline %q is valid: %d stages\n", g.Name(), g.Len())
			fmt.Fprintf(a.stdout, "Execution order: %s\n", strings.Join(g.Order(), " -> "))
			return nil
		},
	}
	cmd.Flags().BoolVar(&schema, "schema", false, "print the pipeline JSON schema and exit")
	return cmd
}
