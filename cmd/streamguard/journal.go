package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/developingchet/streamguard/internal/storage"
	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
)

func defaultDataDir() string {
	if d := os.Getenv("DATA_DIR"); d != "" {
		return d
	}
	return "/data"
}

// journalCmd inspects the block journal. It opens the file read-only, so it
// waits while a running gate holds the write lock.
func journalCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the block journal",
	}
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "directory holding journal.db")

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Print recent block and unblock events",
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := readJournal(dataDir, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tKIND\tIDENTITY\tREASON\tSCORE\tPATH")
			for _, ev := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					ev.At.UTC().Format(time.RFC3339), ev.Kind, shortID(ev.Identity), ev.Reason, ev.Score, ev.Path)
			}
			return tw.Flush()
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum events to print (0 for all)")

	var out string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write the whole journal as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := readJournal(dataDir, 0)
			if err != nil {
				return err
			}
			if events == nil {
				events = []storage.Event{}
			}
			data, err := json.MarshalIndent(events, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal events: %w", err)
			}
			data = append(data, '\n')
			if out == "" || out == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := atomic.WriteFile(out, bytes.NewReader(data)); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d events to %s\n", len(events), out)
			return nil
		},
	}
	export.Flags().StringVarP(&out, "out", "o", "-", "output file, - for stdout")

	cmd.AddCommand(list, export)
	return cmd
}

func readJournal(dataDir string, limit int) ([]storage.Event, error) {
	j, err := storage.OpenJournalReadOnly(dataDir)
	if err != nil {
		return nil, err
	}
	defer j.Close()
	return j.List(limit)
}

// shortID trims an identity hash for display.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
