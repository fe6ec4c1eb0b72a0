package main

import (
	"fmt"

	"github.com/loomworks/loom/pkg/workflow"
	"github.com/spf13/cobra"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Work with workflow definitions",
}

var workflowValidateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Validate a workflow definition file",
	Long: `Parse and compile a YAML workflow definition without running it.
Cycles, references to undeclared stages and malformed edge conditions
are reported as errors.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wf, err := workflow.LoadFile(args[0])
		if err != nil {
			return err
		}
		if _, err := workflow.Compile(wf); err != nil {
			return fmt.Errorf("workflow %s is invalid: %v", wf.ID, err)
		}
		fmt.Printf("✓ Workflow %s is valid (%d stages)\n", wf.ID, len(wf.Stages))
		return nil
	},
}

var workflowPlanCmd = &cobra.Command{
	Use:   "plan FILE",
	Short: "Show the execution plan for a workflow definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wf, err := workflow.LoadFile(args[0])
		if err != nil {
			return err
		}
		plan, err := workflow.Compile(wf)
		if err != nil {
			return err
		}
		fmt.Printf("Workflow %s (%d stages, %d levels)\n", wf.ID, len(wf.Stages), len(plan.Levels))
		for i, level := range plan.Levels {
			fmt.Printf("  Level %d:\n", i)
			for _, tmpl := range level {
				fmt.Printf("    - %s (kind: %s)\n", tmpl.StageID, tmpl.Kind)
			}
		}
		return nil
	},
}

func init() {
	workflowCmd.AddCommand(workflowValidateCmd)
	workflowCmd.AddCommand(workflowPlanCmd)
}
