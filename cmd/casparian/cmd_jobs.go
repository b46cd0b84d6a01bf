package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"casparianflow/internal/queue"
)

var enqueueSpecPath string

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a job from a JSON EnqueueSpec file (spec.md §6 enqueue(spec))",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(enqueueSpecPath)
		if err != nil {
			return fmt.Errorf("read spec file %s: %w", enqueueSpecPath, err)
		}
		var spec queue.EnqueueSpec
		if err := json.Unmarshal(data, &spec); err != nil {
			return fmt.Errorf("parse enqueue spec: %w", err)
		}

		q, _, err := openQueue()
		if err != nil {
			return err
		}
		defer q.Close()

		jobID, err := q.Enqueue(spec)
		if err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
		fmt.Printf("job_id=%d\n", jobID)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show a job's current state (spec.md §6 status(job_id))",
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

		job, err := q.Status(jobID)
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		return printJSON(job)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Abort a job (spec.md §6 cancel(job_id); idempotent)",
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

		if err := q.Cancel(jobID); err != nil {
			return fmt.Errorf("cancel: %w", err)
		}
		fmt.Printf("job %d aborted\n", jobID)
		return nil
	},
}

var (
	listJobsState  string
	listJobsParser string
	listJobsLimit  int
)

var listJobsCmd = &cobra.Command{
	Use:   "list-jobs",
	Short: "List jobs, optionally filtered by state/parser (spec.md §6 list_jobs(filter))",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, _, err := openQueue()
		if err != nil {
			return err
		}
		defer q.Close()

		jobs, err := q.ListJobs(queue.JobFilter{
			State:      queue.State(listJobsState),
			ParserName: listJobsParser,
			Limit:      listJobsLimit,
		})
		if err != nil {
			return fmt.Errorf("list_jobs: %w", err)
		}
		return printJSON(jobs)
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueSpecPath, "spec", "", "path to a JSON EnqueueSpec file (required)")
	enqueueCmd.MarkFlagRequired("spec")

	listJobsCmd.Flags().StringVar(&listJobsState, "state", "", "filter by job state")
	listJobsCmd.Flags().StringVar(&listJobsParser, "parser", "", "filter by parser name")
	listJobsCmd.Flags().IntVar(&listJobsLimit, "limit", 0, "maximum rows returned (0 = unlimited)")
}
