package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/strata/internal/strata"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage indexes",
}

var indexCreateCmd = &cobra.Command{
	Use:   "create INDEX_ID",
	Short: "Register a new index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openMetastore(cmd)
		if err != nil {
			return err
		}
		indexURI, _ := cmd.Flags().GetString("uri")
		indexConfig, _ := cmd.Flags().GetString("config")
		if indexURI == "" {
			return fmt.Errorf("--uri is required")
		}

		meta := strata.IndexMetadata{
			IndexID:     args[0],
			IndexURI:    indexURI,
			IndexConfig: indexConfig,
		}
		if err := store.CreateIndex(context.Background(), meta); err != nil {
			return err
		}

		fmt.Printf("index created: %s\n", meta.IndexID)
		fmt.Printf("  uri: %s\n", meta.IndexURI)
		return nil
	},
}

var indexGetCmd = &cobra.Command{
	Use:   "get INDEX_ID",
	Short: "Show an index's metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openMetastore(cmd)
		if err != nil {
			return err
		}
		meta, err := store.GetIndex(context.Background(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("index_id:     %s\n", meta.IndexID)
		fmt.Printf("index_uri:    %s\n", meta.IndexURI)
		fmt.Printf("index_config: %s\n", meta.IndexConfig)
		fmt.Printf("checkpoint:   %+v\n", meta.Checkpoint)
		return nil
	},
}

var indexDeleteCmd = &cobra.Command{
	Use:   "delete INDEX_ID",
	Short: "Delete an index (fails if any split still exists under it)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openMetastore(cmd)
		if err != nil {
			return err
		}
		if err := store.DeleteIndex(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("index deleted: %s\n", args[0])
		return nil
	},
}

func init() {
	indexCreateCmd.Flags().String("uri", "", "Storage URI for this index's splits (required)")
	indexCreateCmd.Flags().String("config", "", "Opaque index config blob")
	_ = indexCreateCmd.MarkFlagRequired("uri")

	indexCmd.AddCommand(indexCreateCmd)
	indexCmd.AddCommand(indexGetCmd)
	indexCmd.AddCommand(indexDeleteCmd)
}
