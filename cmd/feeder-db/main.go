// Feeder Database CLI Tool
// Provides command-line access to the feeder history database
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aquafeed/feeder-controller/internal/storage"
)

var (
	dbPath  string
	rootCmd = &cobra.Command{
		Use:   "feeder-db",
		Short: "Feeder Database CLI",
		Long:  "Command-line tool for inspecting and maintaining the feeder controller history database.",
	}

	feedsCmd = &cobra.Command{
		Use:   "feeds",
		Short: "Show completed feeds",
		RunE:  showFeeds,
	}

	turbidityCmd = &cobra.Command{
		Use:   "turbidity",
		Short: "Show turbidity readings",
		RunE:  showTurbidity,
	}

	outboxCmd = &cobra.Command{
		Use:   "outbox",
		Short: "Show writes waiting for the remote store",
		RunE:  showOutbox,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE:  showStats,
	}

	pruneCmd = &cobra.Command{
		Use:   "prune",
		Short: "Delete feed and turbidity history older than --older-than",
		RunE:  prune,
	}

	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute a raw SQL query",
		Args:  cobra.ExactArgs(1),
		RunE:  executeQuery,
	}

	limit      int
	asJSON     bool
	clearQueue bool
	olderThan  time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/feeder/history.db", "Database file path")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Print records as JSON")

	feedsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	turbidityCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	outboxCmd.Flags().BoolVar(&clearQueue, "clear", false, "Drop every queued write")
	pruneCmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Age of history to delete")

	rootCmd.AddCommand(feedsCmd)
	rootCmd.AddCommand(turbidityCmd)
	rootCmd.AddCommand(outboxCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(queryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*storage.DB, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database %s: %w", dbPath, err)
	}
	return storage.Open(dbPath)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func showFeeds(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	feeds, err := db.GetFeeds(limit)
	if err != nil {
		return err
	}
	return writeFeeds(cmd.OutOrStdout(), feeds)
}

func writeFeeds(out io.Writer, feeds []*storage.FeedRecord) error {
	if asJSON {
		return printJSON(out, feeds)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FED AT\tCOUNT\tSOURCE\tREASON\tSYNCED")
	fmt.Fprintln(w, "------\t-----\t------\t------\t------")
	for _, f := range feeds {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%v\n",
			f.FedAt.Local().Format("2006-01-02 15:04:05"), f.FeedCount, f.Source, f.Reason, f.SyncedToCloud)
	}
	return w.Flush()
}

func showTurbidity(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	readings, err := db.GetTurbidityReadings(limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, readings)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "READ AT\tVALUE\tTHRESHOLD\tALERT")
	fmt.Fprintln(w, "-------\t-----\t---------\t-----")
	for _, r := range readings {
		alert := ""
		if r.Alert {
			alert = "ALERT"
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n",
			r.ReadAt.Local().Format("2006-01-02 15:04:05"), r.Value, r.Threshold, alert)
	}
	return w.Flush()
}

func showOutbox(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	out := cmd.OutOrStdout()
	if clearQueue {
		n, err := db.ClearOutbox()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Dropped %d queued writes\n", n)
		return nil
	}

	entries, err := db.GetOutbox()
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(out, entries)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUED AT\tPATH\tOP\tVALUE\tATTEMPTS")
	fmt.Fprintln(w, "---------\t----\t--\t-----\t--------")
	for _, e := range entries {
		op, value := "set", e.Payload
		if e.Remove {
			op, value = "remove", "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
			e.QueuedAt.Local().Format("2006-01-02 15:04:05"), e.Path, op, value, e.Attempts)
	}
	return w.Flush()
}

func showStats(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	s, err := db.GetStats()
	if err != nil {
		return err
	}
	return writeStats(cmd.OutOrStdout(), s)
}

func writeStats(out io.Writer, s *storage.Stats) error {
	if asJSON {
		return printJSON(out, s)
	}

	fmt.Fprintln(out, "Database Statistics")
	fmt.Fprintln(out, "===================")

	fmt.Fprintf(out, "Feeds: %d (manual: %d, timer: %d, startup: %d)\n", s.Feeds,
		s.FeedsBySource["manual"], s.FeedsBySource["timer"], s.FeedsBySource["startup"])
	if s.LastFedAt != nil {
		fmt.Fprintf(out, "Last fed: %s\n", s.LastFedAt.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(out, "Turbidity readings: %d (alerts: %d, average: %.1f)\n",
		s.Readings, s.AlertReadings, s.AvgTurbidity)
	fmt.Fprintf(out, "Queued writes: %d\n", s.PendingWrites)
	if s.OldestPendingAt != nil {
		fmt.Fprintf(out, "Oldest queued: %s\n", s.OldestPendingAt.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

func prune(cmd *cobra.Command, args []string) error {
	if olderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := db.Prune(time.Now().Add(-olderThan))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d records older than %s\n", n, olderThan)
	return nil
}

func executeQuery(cmd *cobra.Command, args []string) error {
	query := args[0]

	// Only allow SELECT queries for safety
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return fmt.Errorf("only SELECT queries are allowed")
	}

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	cols, rows, err := db.Query(query)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(cols, "\t"))
	fmt.Fprintln(w, strings.Repeat("-\t", len(cols)))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	return w.Flush()
}
