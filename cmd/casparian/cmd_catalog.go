package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"casparianflow/internal/catalog"
)

var materializationsOutputTargetKey string

var materializationsForCmd = &cobra.Command{
	Use:   "materializations-for",
	Short: "List materializations recorded against an output_target_key (spec.md §6 materializations_for)",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, dbPath, err := openQueue()
		if err != nil {
			return err
		}
		defer q.Close()

		c, err := catalog.Open(dbPath, q)
		if err != nil {
			return fmt.Errorf("open catalog: %w", err)
		}
		defer c.Close()

		rows, err := c.MaterializationsFor(materializationsOutputTargetKey)
		if err != nil {
			return fmt.Errorf("materializations_for: %w", err)
		}
		return printJSON(rows)
	},
}

var querySQL string

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Run a read-only SQL query against the catalog (spec.md §6 query(sql, read-only))",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, dbPath, err := openQueue()
		if err != nil {
			return err
		}

		c, err := catalog.Open(dbPath, nil)
		if err != nil {
			return fmt.Errorf("open catalog: %w", err)
		}
		defer c.Close()

		rows, err := c.Query(querySQL)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		return printJSON(rows)
	},
}

var listErrorsCmd = &cobra.Command{
	Use:   "list-errors",
	Short: "List the fingerprinted error catalog (spec.md §7)",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, dbPath, err := openQueue()
		if err != nil {
			return err
		}
		defer q.Close()

		c, err := catalog.Open(dbPath, q)
		if err != nil {
			return fmt.Errorf("open catalog: %w", err)
		}
		defer c.Close()

		rows, err := c.Errors()
		if err != nil {
			return fmt.Errorf("list-errors: %w", err)
		}
		return printJSON(rows)
	},
}

func init() {
	materializationsForCmd.Flags().StringVar(&materializationsOutputTargetKey, "output-target-key", "", "output_target_key to look up (required)")
	materializationsForCmd.MarkFlagRequired("output-target-key")

	queryCmd.Flags().StringVar(&querySQL, "sql", "", "SQL text to run against the read-only catalog handle (required)")
	queryCmd.MarkFlagRequired("sql")
}
