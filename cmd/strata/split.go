package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/strata/internal/lifecycle"
	"github.com/cuemby/strata/internal/queryengine"
	"github.com/cuemby/strata/internal/splitformat"
	"github.com/cuemby/strata/internal/strata"
)

var splitCmd = &cobra.Command{
	Use:   "split",
	Short: "Manage an index's splits",
}

var splitStageCmd = &cobra.Command{
	Use:   "stage INDEX_ID",
	Short: "Package a newline-delimited JSON document file into a split and publish it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		indexID := args[0]
		docsFile, _ := cmd.Flags().GetString("docs")
		splitID, _ := cmd.Flags().GetString("split-id")
		tags, _ := cmd.Flags().GetStringSlice("tags")
		source, _ := cmd.Flags().GetString("checkpoint-source")
		from, _ := cmd.Flags().GetInt64("checkpoint-from")
		to, _ := cmd.Flags().GetInt64("checkpoint-to")
		if docsFile == "" {
			return fmt.Errorf("--docs is required")
		}
		if splitID == "" {
			splitID = uuid.New().String()
		}

		raw, err := os.ReadFile(docsFile)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", docsFile, err)
		}
		docs, err := queryengine.DecodeDocuments(raw)
		if err != nil {
			return fmt.Errorf("failed to decode documents: %w", err)
		}
		encoded, err := queryengine.EncodeDocuments(docs)
		if err != nil {
			return err
		}

		b := splitformat.NewBuilder()
		b.AddSegment(splitformat.DocumentsSegment, encoded)
		bundle, footer, err := b.Build()
		if err != nil {
			return err
		}

		tmpFile, err := os.CreateTemp("", "strata-split-*.split")
		if err != nil {
			return err
		}
		defer os.Remove(tmpFile.Name())
		if _, err := tmpFile.Write(bundle); err != nil {
			tmpFile.Close()
			return err
		}
		if err := tmpFile.Close(); err != nil {
			return err
		}

		packaged := strata.PackagedSplit{
			Split: strata.SplitMetadata{
				SplitID:       splitID,
				IndexID:       indexID,
				NumDocs:       uint64(len(docs)),
				SizeInBytes:   uint64(len(bundle)),
				Tags:          tags,
				FooterOffsets: footer,
			},
			ScratchDir: filepath.Dir(tmpFile.Name()),
			CheckpointDelta: strata.CheckpointDelta{
				Source: source,
				From:   from,
				To:     to,
			},
		}

		store, err := openMetastore(cmd)
		if err != nil {
			return err
		}
		engine := lifecycle.New(store, newRegistry())
		if err := engine.PublishAfterUpload(context.Background(), indexID, packaged, tmpFile.Name()); err != nil {
			return err
		}

		fmt.Printf("split published: %s\n", splitID)
		fmt.Printf("  num_docs: %d\n", packaged.Split.NumDocs)
		fmt.Printf("  size_bytes: %d\n", packaged.Split.SizeInBytes)
		return nil
	},
}

var splitListCmd = &cobra.Command{
	Use:   "list INDEX_ID",
	Short: "List splits under an index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openMetastore(cmd)
		if err != nil {
			return err
		}
		state, _ := cmd.Flags().GetString("state")

		splits, err := store.ListSplits(context.Background(), args[0], strata.SplitState(state), nil, nil)
		if err != nil {
			return err
		}
		if len(splits) == 0 {
			fmt.Println("no splits found")
			return nil
		}

		fmt.Printf("%-38s %-22s %-10s %s\n", "SPLIT_ID", "STATE", "NUM_DOCS", "TAGS")
		for _, sp := range splits {
			fmt.Printf("%-38s %-22s %-10d %v\n", sp.SplitID, sp.SplitState, sp.NumDocs, sp.Tags)
		}
		return nil
	},
}

var splitDeleteCmd = &cobra.Command{
	Use:   "delete INDEX_ID SPLIT_ID...",
	Short: "Mark splits for deletion and delete their files once scheduled",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		indexID, splitIDs := args[0], args[1:]

		store, err := openMetastore(cmd)
		if err != nil {
			return err
		}
		if err := store.MarkSplitsForDeletion(context.Background(), indexID, splitIDs); err != nil {
			return err
		}

		engine := lifecycle.New(store, newRegistry())
		result, err := engine.DeleteWithFiles(context.Background(), indexID, splitIDs)
		if err != nil {
			return err
		}

		fmt.Printf("deleted: %v\n", result.DeletedSplitIDs)
		if len(result.FailedSplitIDs) > 0 {
			fmt.Printf("failed (left scheduled_for_deletion): %v\n", result.FailedSplitIDs)
		}
		return nil
	},
}

func init() {
	splitStageCmd.Flags().String("docs", "", "Path to a newline-delimited JSON document file (required)")
	splitStageCmd.Flags().String("split-id", "", "Split id (random uuid if omitted)")
	splitStageCmd.Flags().StringSlice("tags", nil, "Tags attached to this split")
	splitStageCmd.Flags().String("checkpoint-source", "default", "Checkpoint source name for this publish")
	splitStageCmd.Flags().Int64("checkpoint-from", 0, "Checkpoint delta lower bound")
	splitStageCmd.Flags().Int64("checkpoint-to", 0, "Checkpoint delta upper bound")
	_ = splitStageCmd.MarkFlagRequired("docs")

	splitListCmd.Flags().String("state", "", "Filter by split state (new, staged, published, scheduled_for_deletion)")

	splitCmd.AddCommand(splitStageCmd)
	splitCmd.AddCommand(splitListCmd)
	splitCmd.AddCommand(splitDeleteCmd)
}
