package cmd

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Siddhant-K-code/topicshift/pkg/audit"
)

var rotationsCmd = &cobra.Command{
	Use:   "rotations",
	Short: "Query the rotation audit log",
	Long: `Every rotation attempt, including dry runs and failures, is recorded in a
SQLite audit log under the state directory.

Examples:
  topicshift rotations list --key agent:main:telegram:42 --limit 10
  topicshift rotations list --since 24h
  topicshift rotations stats
  topicshift rotations prune --older-than 720h`,
}

var rotationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent rotations, newest first",
	RunE:  runRotationsList,
}

var rotationsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the audit log",
	RunE:  runRotationsStats,
}

var rotationsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete audit rows older than a cutoff",
	RunE:  runRotationsPrune,
}

func init() {
	rootCmd.AddCommand(rotationsCmd)
	rotationsCmd.AddCommand(rotationsListCmd, rotationsStatsCmd, rotationsPruneCmd)

	rotationsCmd.PersistentFlags().String("db", "", "audit database path (default: <state-dir>/rotations.db)")

	rotationsListCmd.Flags().String("key", "", "filter by session key")
	rotationsListCmd.Flags().Int("limit", 50, "max rows")
	rotationsListCmd.Flags().Duration("since", 0, "only rotations newer than this age")

	rotationsPruneCmd.Flags().Duration("older-than", 30*24*time.Hour, "delete rows older than this age")
}

func openAuditFromFlags(cmd *cobra.Command) (*audit.SQLiteStore, error) {
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		return audit.NewSQLiteStore(db, audit.DefaultConfig())
	}
	return openAuditStore()
}

func runRotationsList(cmd *cobra.Command, args []string) error {
	store, err := openAuditFromFlags(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	req := audit.ListRequest{}
	req.SessionKey, _ = cmd.Flags().GetString("key")
	req.Limit, _ = cmd.Flags().GetInt("limit")
	if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
		req.Since = time.Now().Add(-since)
	}

	rotations, err := store.List(cmd.Context(), req)
	if err != nil {
		return err
	}
	if rotations == nil {
		rotations = []audit.Rotation{}
	}
	return json.NewEncoder(os.Stdout).Encode(rotations)
}

func runRotationsStats(cmd *cobra.Command, args []string) error {
	store, err := openAuditFromFlags(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	stats, err := store.Stats(cmd.Context())
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(stats)
}

func runRotationsPrune(cmd *cobra.Command, args []string) error {
	store, err := openAuditFromFlags(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	olderThan, _ := cmd.Flags().GetDuration("older-than")
	n, err := store.Prune(cmd.Context(), time.Now().Add(-olderThan))
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(map[string]int64{"pruned": n})
}
