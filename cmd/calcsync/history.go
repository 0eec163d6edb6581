package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// displayLayout is the human-readable timestamp form.
const displayLayout = "2006-01-02 15:04:05"

var (
	historyDBPath string
	historyJSON   bool
	historyLimit  int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the local history replica",
	Long:  "Print the records held in the local replica, newest first, without contacting the server.",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyDBPath, "db", "",
		"Database path (overrides config and CALCSYNC_DB_PATH)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false,
		"Output in JSON format")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0,
		"Show at most this many records (0 for all)")
}

type historyItem struct {
	ID         int64  `json:"id"`
	Expression string `json:"expression"`
	Result     string `json:"result"`
	Timestamp  string `json:"timestamp"`
}

type historyOutput struct {
	Records []historyItem `json:"records"`
	Total   int           `json:"total"`
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	st, err := openStore(historyDBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	records, err := st.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list history: %w", err)
	}
	total, err := st.Count(ctx)
	if err != nil {
		return fmt.Errorf("count history: %w", err)
	}
	if historyLimit > 0 && len(records) > historyLimit {
		records = records[:historyLimit]
	}

	if historyJSON {
		out := historyOutput{Records: make([]historyItem, len(records)), Total: total}
		for i, r := range records {
			out.Records[i] = historyItem{
				ID:         r.ID,
				Expression: r.Expression,
				Result:     r.Result,
				Timestamp:  r.Timestamp.UTC().Format(time.RFC3339Nano),
			}
		}
		return printJSON(cmd.OutOrStdout(), out)
	}

	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No history.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tEXPRESSION\tRESULT\tTIMESTAMP")
	for _, r := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
			r.ID, r.Expression, r.Result, r.Timestamp.UTC().Format(displayLayout))
	}
	return w.Flush()
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
