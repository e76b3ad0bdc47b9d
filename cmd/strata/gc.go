package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/strata/internal/gc"
	"github.com/cuemby/strata/internal/lifecycle"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Garbage-collect dangling and overdue split files",
}

var gcRunCmd = &cobra.Command{
	Use:   "run INDEX_ID",
	Short: "Run one garbage collection pass over an index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		grace, _ := cmd.Flags().GetDuration("grace")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		store, err := openMetastore(cmd)
		if err != nil {
			return err
		}
		resolver := newRegistry()
		collector := gc.New(store, resolver, lifecycle.New(store, resolver))

		result, err := collector.Run(context.Background(), args[0], grace, dryRun)
		if err != nil {
			return err
		}

		if dryRun {
			fmt.Printf("candidates (dry run, nothing deleted): %v\n", result.CandidateEntries)
			return nil
		}
		fmt.Printf("deleted: %v\n", result.DeletedEntries)
		if len(result.FailedEntries) > 0 {
			fmt.Printf("failed: %v\n", result.FailedEntries)
		}
		return nil
	},
}

func init() {
	gcRunCmd.Flags().Duration("grace", 1*time.Hour, "Minimum age before a staged or scheduled-for-deletion split is collected")
	gcRunCmd.Flags().Bool("dry-run", false, "List what would be deleted without deleting it")

	gcCmd.AddCommand(gcRunCmd)
}
