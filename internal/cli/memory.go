package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/memvault/internal/client"
)

const clientTimeout = 30 * time.Second

// Shared client-command flags.
var (
	flagAgent     string
	flagTags      []string
	flagTTL       int64
	flagEmbedding string
	flagIdemKey   string
	flagTopK      int
	flagMinScore  float64
	flagMatchAll  bool
)

func newClient() *client.Client {
	return client.New(serverURL)
}

func clientContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), clientTimeout)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseEmbedding reads a comma-separated vector such as "0.1,0.2,-0.3".
func parseEmbedding(s string) ([]float32, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("embedding component %d: %w", i, err)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

// --- store command ---

var storeCmd = &cobra.Command{
	Use:   "store [content]",
	Short: "Store a memory",
	Long:  "Store a memory for --agent. Content comes from the argument, or stdin when no argument is given.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStore,
}

func runStore(cmd *cobra.Command, args []string) error {
	var content []byte
	if len(args) == 1 {
		content = []byte(args[0])
	} else {
		var err error
		content, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
	}
	vec, err := parseEmbedding(flagEmbedding)
	if err != nil {
		return err
	}

	in := client.StoreInput{AgentID: flagAgent, Content: content, Tags: flagTags, Embedding: vec}
	if flagTTL >= 0 {
		if flagTTL > int64(^uint32(0)) {
			return fmt.Errorf("--ttl %d too large", flagTTL)
		}
		ttl := uint32(flagTTL)
		in.TTLSeconds = &ttl
	}

	ctx, cancel := clientContext()
	defer cancel()
	out, err := newClient().Store(ctx, in, flagIdemKey)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

// --- get command ---

var getCmd = &cobra.Command{
	Use:   "get <memory-id>",
	Short: "Fetch a memory and print its content",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := clientContext()
		defer cancel()
		m, err := newClient().Get(ctx, args[0], flagAgent, flagIdemKey)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "memory %s (accessed %d times, cost $%g)\n", m.MemoryID, m.AccessCount, m.Cost)
		_, err = cmd.OutOrStdout().Write(m.Content)
		return err
	},
}

// --- search command ---

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search an agent's memories by embedding and/or tags",
	RunE: func(cmd *cobra.Command, args []string) error {
		vec, err := parseEmbedding(flagEmbedding)
		if err != nil {
			return err
		}
		in := client.SearchInput{
			AgentID:   flagAgent,
			Embedding: vec,
			Tags:      flagTags,
			MatchAll:  flagMatchAll,
			TopK:      flagTopK,
		}
		if cmd.Flags().Changed("min-score") {
			in.MinScore = &flagMinScore
		}

		ctx, cancel := clientContext()
		defer cancel()
		res, err := newClient().Search(ctx, in, flagIdemKey)
		if err != nil {
			return err
		}
		if len(res.Results) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No results found.")
			return nil
		}
		for i, h := range res.Results {
			fmt.Fprintf(cmd.OutOrStdout(), "%d. [%.3f] %s %s\n", i+1, h.Score, h.MemoryID, strings.Join(h.Tags, ","))
		}
		return nil
	},
}

// --- delete command ---

var deleteCmd = &cobra.Command{
	Use:   "delete <memory-id>",
	Short: "Delete a memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := clientContext()
		defer cancel()
		if err := newClient().Delete(ctx, args[0], flagAgent); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

// --- stats command ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show an agent's usage and storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := clientContext()
		defer cancel()
		st, err := newClient().Stats(ctx, flagAgent)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), st)
	},
}

// --- reap command ---

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Ask the server to evict expired memories now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := clientContext()
		defer cancel()
		n, err := newClient().Reap(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reaped %d\n", n)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{storeCmd, getCmd, searchCmd, deleteCmd, statsCmd} {
		c.Flags().StringVarP(&flagAgent, "agent", "a", "", "Agent ID")
		c.MarkFlagRequired("agent")
	}
	for _, c := range []*cobra.Command{storeCmd, getCmd, searchCmd} {
		c.Flags().StringVar(&flagIdemKey, "idempotency-key", "", "Dedup key; retries with the same key are billed once")
	}
	for _, c := range []*cobra.Command{storeCmd, searchCmd} {
		c.Flags().StringSliceVarP(&flagTags, "tag", "t", nil, "Tag (repeatable)")
		c.Flags().StringVarP(&flagEmbedding, "embedding", "e", "", "Comma-separated embedding vector")
	}

	storeCmd.Flags().Int64Var(&flagTTL, "ttl", -1, "Time to live in seconds (negative means never expires)")

	searchCmd.Flags().IntVarP(&flagTopK, "limit", "n", 10, "Maximum number of results")
	searchCmd.Flags().Float64Var(&flagMinScore, "min-score", 0, "Minimum cosine similarity")
	searchCmd.Flags().BoolVar(&flagMatchAll, "all", false, "Require every --tag instead of any")
}
