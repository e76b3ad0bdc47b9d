package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/spf13/cobra"

	"github.com/cuemby/strata/internal/search/cluster"
	"github.com/cuemby/strata/internal/search/root"
	"github.com/cuemby/strata/internal/strata"
)

var searchCmd = &cobra.Command{
	Use:   "search INDEX_ID QUERY",
	Short: "Dispatch a query across the leaf nodes named by --peers and print the merged hits",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		indexID, query := args[0], args[1]
		peersFlag, _ := cmd.Flags().GetStringSlice("peers")
		maxHits, _ := cmd.Flags().GetInt("max-hits")
		startOffset, _ := cmd.Flags().GetInt("start-offset")
		tags, _ := cmd.Flags().GetStringSlice("tags")

		peers, err := parsePeers(peersFlag)
		if err != nil {
			return err
		}
		if len(peers) == 0 {
			return fmt.Errorf("--peers is required, e.g. --peers node-1=localhost:7070,node-2=localhost:7071")
		}

		store, err := openMetastore(cmd)
		if err != nil {
			return err
		}

		pool := cluster.NewPool(cluster.DefaultHealthConfig(), grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err := pool.Refresh(peers); err != nil {
			return fmt.Errorf("failed to connect to leaf nodes: %w", err)
		}
		defer pool.Close()

		dispatcher := root.New(store, pool)
		resp, err := dispatcher.Search(context.Background(), strata.SearchRequest{
			IndexID:     indexID,
			Query:       query,
			Tags:        tags,
			MaxHits:     maxHits,
			StartOffset: startOffset,
		})
		if err != nil {
			return err
		}

		fmt.Printf("num_hits: %d\n", resp.NumHits)
		if len(resp.FailedSplits) > 0 {
			fmt.Printf("failed_splits: %v\n", resp.FailedSplits)
		}
		for _, hit := range resp.Hits {
			var pretty json.RawMessage = hit.JSONDocument
			fmt.Printf("[%s] score=%.4f %s\n", hit.SplitID, hit.SortValue, string(pretty))
		}
		return nil
	},
}

// stdoutSender implements root.StreamSender by writing each chunk's payload
// to stdout as it arrives, one line per chunk, so a shell pipeline sees
// results as soon as any leaf produces them rather than after the full
// search completes.
type stdoutSender struct{}

func (stdoutSender) Send(chunk *strata.LeafSearchStreamChunk) error {
	_, err := fmt.Fprintf(os.Stdout, "%s\n", chunk.Data)
	return err
}

var searchStreamCmd = &cobra.Command{
	Use:   "search-stream INDEX_ID QUERY",
	Short: "Dispatch a streaming query across the leaf nodes named by --peers, printing each leaf's chunks as they arrive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		indexID, query := args[0], args[1]
		peersFlag, _ := cmd.Flags().GetStringSlice("peers")
		tags, _ := cmd.Flags().GetStringSlice("tags")

		peers, err := parsePeers(peersFlag)
		if err != nil {
			return err
		}
		if len(peers) == 0 {
			return fmt.Errorf("--peers is required, e.g. --peers node-1=localhost:7070,node-2=localhost:7071")
		}

		store, err := openMetastore(cmd)
		if err != nil {
			return err
		}

		pool := cluster.NewPool(cluster.DefaultHealthConfig(), grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err := pool.Refresh(peers); err != nil {
			return fmt.Errorf("failed to connect to leaf nodes: %w", err)
		}
		defer pool.Close()

		dispatcher := root.New(store, pool)
		return dispatcher.SearchStream(context.Background(), strata.SearchRequest{
			IndexID: indexID,
			Query:   query,
			Tags:    tags,
		}, stdoutSender{})
	},
}

// parsePeers turns "id=addr,id=addr" into cluster.Peer values.
func parsePeers(raw []string) ([]cluster.Peer, error) {
	peers := make([]cluster.Peer, 0, len(raw))
	for _, entry := range raw {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid --peers entry %q, expected id=addr", entry)
		}
		peers = append(peers, cluster.Peer{ID: parts[0], Addr: parts[1]})
	}
	return peers, nil
}

func init() {
	searchCmd.Flags().StringSlice("peers", nil, "Leaf nodes to search, as id=addr pairs (required)")
	searchCmd.Flags().Int("max-hits", 10, "Maximum hits to return")
	searchCmd.Flags().Int("start-offset", 0, "Offset into the merged hit list")
	searchCmd.Flags().StringSlice("tags", nil, "Restrict the search to splits carrying any of these tags (untagged splits always match)")

	searchStreamCmd.Flags().StringSlice("peers", nil, "Leaf nodes to search, as id=addr pairs (required)")
	searchStreamCmd.Flags().StringSlice("tags", nil, "Restrict the search to splits carrying any of these tags (untagged splits always match)")
}
