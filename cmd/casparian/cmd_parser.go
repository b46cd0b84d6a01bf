package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var parserCmd = &cobra.Command{
	Use:   "parser",
	Short: "Parser circuit breaker commands (spec.md §4.3)",
}

var parserHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show per-parser health and circuit breaker state (parser_health)",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, _, err := openQueue()
		if err != nil {
			return err
		}
		defer q.Close()

		rows, err := q.ParserHealth()
		if err != nil {
			return fmt.Errorf("parser_health: %w", err)
		}
		return printJSON(rows)
	},
}

var parserResumeCmd = &cobra.Command{
	Use:   "resume <parser_name>",
	Short: "Clear a tripped circuit breaker for a parser (resume_parser)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, _, err := openQueue()
		if err != nil {
			return err
		}
		defer q.Close()

		if err := q.ResumeParser(args[0]); err != nil {
			return fmt.Errorf("resume_parser: %w", err)
		}
		fmt.Printf("parser %s resumed\n", args[0])
		return nil
	},
}

func init() {
	parserCmd.AddCommand(parserHealthCmd, parserResumeCmd)
}
