package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/contract-toolkit/internal/config"
	"github.com/sells-group/contract-toolkit/internal/workflow"
)

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "Inspect workflow definitions",
	Long:  "Commands for listing, printing and validating the built-in and configured workflow definitions.",
}

// -- workflows list --

var workflowsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available workflows",
	RunE: func(cmd *cobra.Command, _ []string) error {
		defs, err := workflow.LoadDefinitions(cfg.WorkflowsDir)
		if err != nil {
			return err
		}
		formatWorkflowList(os.Stdout, defs)
		return nil
	},
}

// -- workflows show --

var workflowsShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print a workflow definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		defs, err := workflow.LoadDefinitions(cfg.WorkflowsDir)
		if err != nil {
			return err
		}
		d, ok := defs[strings.ToLower(args[0])]
		if !ok {
			return eris.Errorf("unknown workflow %q", args[0])
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close() //nolint:errcheck
		return enc.Encode(d)
	},
}

// -- workflows validate --

var workflowsValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate definitions and their configuration",
	Long:  "Validates a single definition file, or every available definition, and checks that the configuration supplies the endpoints and vars each one needs.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var defs map[string]*workflow.Definition
		if len(args) == 1 {
			d, err := workflow.LoadDefinitionFile(args[0])
			if err != nil {
				return err
			}
			defs = map[string]*workflow.Definition{d.Name: d}
		} else {
			var err error
			if defs, err = workflow.LoadDefinitions(cfg.WorkflowsDir); err != nil {
				return err
			}
		}

		if failed := validateWorkflows(os.Stdout, cfg, defs); failed > 0 {
			return eris.Errorf("%d workflow(s) not runnable", failed)
		}
		return nil
	},
}

func init() {
	workflowsCmd.AddCommand(workflowsListCmd)
	workflowsCmd.AddCommand(workflowsShowCmd)
	workflowsCmd.AddCommand(workflowsValidateCmd)
	rootCmd.AddCommand(workflowsCmd)
}

// formatWorkflowList writes a table of definitions to out.
func formatWorkflowList(out io.Writer, defs map[string]*workflow.Definition) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tKEYS\tSTAGES\tDESCRIPTION")
	for _, name := range workflow.Names(defs) {
		d := defs[name]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", d.Name, strings.Join(d.KeyColumns, ","), len(d.Stages), d.Description)
	}
	_ = w.Flush()
}

// validateWorkflows compiles each definition against the configuration and
// reports the result per workflow. It returns the number that failed.
func validateWorkflows(out io.Writer, c *config.Config, defs map[string]*workflow.Definition) int {
	failed := 0
	for _, name := range workflow.Names(defs) {
		if _, err := compileDefinition(c, defs[name]); err != nil {
			failed++
			_, _ = fmt.Fprintf(out, "%s: %v\n", name, err)
			continue
		}
		_, _ = fmt.Fprintf(out, "%s: ok\n", name)
	}
	return failed
}
