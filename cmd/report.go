package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/contract-toolkit/internal/config"
	"github.com/sells-group/contract-toolkit/internal/sink"
	"github.com/sells-group/contract-toolkit/internal/workflow"
)

var (
	reportWorkflow   string
	reportKeyColumns int
)

var reportCmd = &cobra.Command{
	Use:   "report <file>",
	Short: "Summarize a result file",
	Long:  "Reads a result file in any supported format and prints status counts per stage.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyCols := reportKeyColumns
		if reportWorkflow != "" {
			n, err := workflowKeyColumns(cfg, reportWorkflow)
			if err != nil {
				return err
			}
			keyCols = n
		}
		return reportFile(os.Stdout, args[0], keyCols)
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportWorkflow, "workflow", "", "workflow that produced the file (sets the key column count)")
	reportCmd.Flags().IntVar(&reportKeyColumns, "key-columns", 1, "number of leading key columns")
	rootCmd.AddCommand(reportCmd)
}

// workflowKeyColumns returns how many key columns the named workflow writes.
func workflowKeyColumns(c *config.Config, name string) (int, error) {
	defs, err := workflow.LoadDefinitions(c.WorkflowsDir)
	if err != nil {
		return 0, err
	}
	d, ok := defs[strings.ToLower(name)]
	if !ok {
		return 0, eris.Errorf("unknown workflow %q", name)
	}
	if override := c.Workflow(d.Name).KeyColumns; len(override) > 0 {
		return len(override), nil
	}
	return len(d.KeyColumns), nil
}

// reportFile prints row and per-stage status counts for a result file.
func reportFile(out io.Writer, path string, keyColumns int) error {
	t, err := sink.Read(path)
	if err != nil {
		return eris.Wrap(err, "report")
	}
	if keyColumns < 0 || keyColumns > len(t.Header) {
		return eris.Errorf("report: %d key columns but file has %d columns", keyColumns, len(t.Header))
	}

	_, _ = fmt.Fprintf(out, "File: %s\n", path)
	_, _ = fmt.Fprintf(out, "Keys: %s\n", strings.Join(t.Header[:keyColumns], ", "))
	_, _ = fmt.Fprintf(out, "Rows: %d\n", len(t.Rows))
	formatStageCounts(out, t.Header[keyColumns:], sink.StageCounts(t, keyColumns))
	return nil
}
