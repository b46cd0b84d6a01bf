package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deadLetterCmd = &cobra.Command{
	Use:   "dead-letter",
	Short: "Inspect and requeue dead-lettered jobs",
}

var deadLetterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs that exhausted their retry budget (list_dead_letter)",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, _, err := openQueue()
		if err != nil {
			return err
		}
		defer q.Close()

		rows, err := q.ListDeadLetter()
		if err != nil {
			return fmt.Errorf("list_dead_letter: %w", err)
		}
		return printJSON(rows)
	},
}

var deadLetterRequeueCmd = &cobra.Command{
	Use:   "requeue <job_id>",
	Short: "Requeue a dead-lettered job for another attempt (requeue_dead_letter)",
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

		if err := q.RequeueDeadLetter(jobID); err != nil {
			return fmt.Errorf("requeue_dead_letter: %w", err)
		}
		fmt.Printf("job %d requeued\n", jobID)
		return nil
	},
}

func init() {
	deadLetterCmd.AddCommand(deadLetterListCmd, deadLetterRequeueCmd)
}
