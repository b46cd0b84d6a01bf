package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Human-in-the-loop approval gate commands (spec.md §6 approvals_*)",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs awaiting approval (spec.md §6 approvals_list)",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, _, err := openQueue()
		if err != nil {
			return err
		}
		defer q.Close()

		reqs, err := q.ApprovalsList()
		if err != nil {
			return fmt.Errorf("approvals_list: %w", err)
		}
		return printJSON(reqs)
	},
}

var approvalsApprove bool

var approvalsDecideCmd = &cobra.Command{
	Use:   "decide <job_id>",
	Short: "Approve or reject a job awaiting approval (spec.md §6 approvals_decide)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, err := parseJobID(args[0])
		if err != nil {
			return err
		}

		q, _, err := openQueue()
		if err != nil {
			return err
		}
		defer q.Close()

		if err := q.ApprovalsDecide(jobID, approvalsApprove); err != nil {
			return fmt.Errorf("approvals_decide: %w", err)
		}
		fmt.Printf("job %d decision recorded: approved=%v\n", jobID, approvalsApprove)
		return nil
	},
}

func init() {
	approvalsDecideCmd.Flags().BoolVar(&approvalsApprove, "approve", false, "approve the job; omit or set false to reject")
	approvalsCmd.AddCommand(approvalsListCmd, approvalsDecideCmd)
}
