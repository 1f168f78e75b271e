// RF Mesh Database CLI Tool
// Provides command-line access to the controller database
package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agsys/rfmesh/internal/protocol"
	"github.com/agsys/rfmesh/internal/storage"
)

var (
	dbPath  string
	rootCmd = &cobra.Command{
		Use:   "rfmesh-db",
		Short: "RF Mesh Database CLI",
		Long:  "Command-line tool for inspecting and managing the RF mesh controller database.",
	}

	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "List controller sessions",
		RunE:  listSessions,
	}

	packetsCmd = &cobra.Command{
		Use:   "packets [source]",
		Short: "Show recent packets",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showPackets,
	}

	sendsCmd = &cobra.Command{
		Use:   "sends",
		Short: "Show reliable send results",
		RunE:  showSends,
	}

	nodesCmd = &cobra.Command{
		Use:   "nodes [node-id]",
		Short: "Show nodes heard, or the wake cycles of one node",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showNodes,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE:  showStats,
	}

	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute a raw SQL query",
		Args:  cobra.ExactArgs(1),
		RunE:  executeQuery,
	}

	pruneCmd = &cobra.Command{
		Use:   "prune",
		Short: "Delete packets, sends and cycles older than --older-than",
		RunE:  prune,
	}

	limit      int
	failedOnly bool
	olderThan  time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/rfmesh/controller.db", "Database file path")

	sessionsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	packetsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	sendsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	sendsCmd.Flags().BoolVar(&failedOnly, "failed", false, "Only show failed sends")
	nodesCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	pruneCmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Age of records to delete")

	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(packetsCmd)
	rootCmd.AddCommand(sendsCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(pruneCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*storage.DB, error) {
	return storage.OpenReadOnly(dbPath)
}

func parseNodeID(s string) (uint8, error) {
	var id uint8
	if _, err := fmt.Sscan(s, &id); err != nil {
		return 0, fmt.Errorf("invalid node id %q", s)
	}
	return id, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func listSessions(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	sessions, err := db.GetSessions(limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UUID\tNODE\tCHANNEL\tTRANSPORT\tSTARTED\tENDED")
	fmt.Fprintln(w, "----\t----\t-------\t---------\t-------\t-----")

	for _, s := range sessions {
		ended := "running"
		if !s.EndedAt.IsZero() {
			ended = s.EndedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\n",
			shortID(s.UUID), s.NodeID, s.Channel, s.Transport,
			s.StartedAt.Format("2006-01-02 15:04:05"), ended)
	}
	w.Flush()
	return nil
}

func showPackets(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	source := -1
	if len(args) > 0 {
		id, err := parseNodeID(args[0])
		if err != nil {
			return err
		}
		source = int(id)
	}

	packets, err := db.GetRecentPackets(source, limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tDIR\tKIND\tPID\tSRC\tDST\tCATEGORY\tFRAME")
	fmt.Fprintln(w, "----\t---\t----\t---\t---\t---\t--------\t-----")

	for _, p := range packets {
		kind := fmt.Sprintf("class 0x%02X", p.Class)
		dst := fmt.Sprintf("%d", p.Dest)
		if p.Broadcast {
			kind = fmt.Sprintf("bcast ttl %d", p.TTL)
			dst = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t0x%02X\t%d\t%s\t%s\t%s\n",
			p.Timestamp.Format("15:04:05.000"), p.Direction, kind, p.ProtocolID,
			p.Source, dst, p.Category, protocol.HexDump(p.Raw))
	}
	w.Flush()
	return nil
}

func showSends(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	results, err := db.GetSendResults(failedOnly, limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSESSION\tRESULT\tATTEMPTS\tFRAME")
	fmt.Fprintln(w, "----\t-------\t------\t--------\t-----")

	for _, r := range results {
		result := "FAIL"
		attempts := "-"
		if r.Delivered {
			result = "OK"
			attempts = fmt.Sprintf("%d", r.Attempts)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.Format("2006-01-02 15:04:05"), shortID(r.SessionID), result, attempts, protocol.HexDump(r.Frame))
	}
	w.Flush()
	return nil
}

func showNodes(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	if len(args) > 0 {
		id, err := parseNodeID(args[0])
		if err != nil {
			return err
		}
		cycles, err := db.GetNodeCycles(id, limit)
		if err != nil {
			return err
		}

		fmt.Fprintln(w, "TIME\tLOOP\tBUTTON")
		fmt.Fprintln(w, "----\t----\t------")
		for _, c := range cycles {
			button := "RELEASED"
			if c.State != 0 {
				button = "PRESSED"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\n", c.Timestamp.Format("2006-01-02 15:04:05"), c.LoopCount, button)
		}
		w.Flush()
		return nil
	}

	nodes, err := db.GetNodes()
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "NODE\tANNOUNCEMENTS\tLAST LOOP\tFIRST SEEN\tLAST SEEN")
	fmt.Fprintln(w, "----\t-------------\t---------\t----------\t---------")
	for _, n := range nodes {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\n",
			n.NodeID, n.Announcements, n.LastLoopCount,
			n.FirstSeen.Format("2006-01-02 15:04"), n.LastSeen.Format("2006-01-02 15:04"))
	}
	w.Flush()
	return nil
}

func showStats(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Stats()
	if err != nil {
		return err
	}

	fmt.Println("Database Statistics")
	fmt.Println("===================")
	fmt.Printf("Sessions: %d\n", stats.Sessions)
	fmt.Printf("Packets: %d\n", stats.Packets)
	fmt.Printf("Reliable sends: %d (delivered: %d, failed: %d)\n", stats.Sends, stats.Delivered, stats.Failed)
	fmt.Printf("Nodes heard: %d\n", stats.Nodes)
	return nil
}

func executeQuery(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	query := args[0]

	// Only allow SELECT queries for safety
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return fmt.Errorf("only SELECT queries are allowed")
	}

	rows, err := db.Conn().Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(cols, "\t"))
	fmt.Fprintln(w, strings.Repeat("-\t", len(cols)))

	values := make([]interface{}, len(cols))
	valuePtrs := make([]interface{}, len(cols))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return err
		}

		var row []string
		for _, v := range values {
			switch val := v.(type) {
			case nil:
				row = append(row, "NULL")
			case []byte:
				row = append(row, protocol.HexDump(val))
			default:
				row = append(row, fmt.Sprintf("%v", val))
			}
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
	return rows.Err()
}

func prune(cmd *cobra.Command, args []string) error {
	db, err := storage.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := db.PruneBefore(time.Now().Add(-olderThan))
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d records\n", n)
	return nil
}
