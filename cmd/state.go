package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/Siddhant-K-code/topicshift/pkg/persist"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect persisted classifier state",
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the persisted snapshot",
	Long: `Print the snapshot written by a running service. Without --key only a
per-session summary is printed.

Examples:
  topicshift state show
  topicshift state show --key agent:main:telegram:42`,
	RunE: runStateShow,
}

func init() {
	rootCmd.AddCommand(stateCmd)
	stateCmd.AddCommand(stateShowCmd)

	stateShowCmd.Flags().String("key", "", "print full state for one session")
}

type stateSummary struct {
	SessionKey  string    `json:"session_key"`
	History     int       `json:"history"`
	Pending     int       `json:"pending_soft_signals"`
	TopicCount  int       `json:"topic_count"`
	SteerQueued bool      `json:"steer_queued,omitempty"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	LastResetAt time.Time `json:"last_reset_at,omitzero"`
}

type stateOverview struct {
	Path     string         `json:"path"`
	Version  int            `json:"version"`
	SavedAt  time.Time      `json:"saved_at,omitzero"`
	Sessions []stateSummary `json:"sessions"`
	Dedupe   int            `json:"dedupe_entries"`
}

func runStateShow(cmd *cobra.Command, args []string) error {
	dir, err := stateDir()
	if err != nil {
		return err
	}
	path := persist.DefaultPath(dir)

	snap, err := persist.Load(path)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if key, _ := cmd.Flags().GetString("key"); key != "" {
		st, ok := snap.SessionStateBySessionKey[key]
		if !ok {
			return fmt.Errorf("no persisted state for %q", key)
		}
		return enc.Encode(st)
	}

	out := stateOverview{
		Path:     path,
		Version:  snap.Version,
		SavedAt:  snap.SavedAt,
		Sessions: make([]stateSummary, 0, len(snap.SessionStateBySessionKey)),
		Dedupe:   len(snap.RecentRotationBySession),
	}
	for key, st := range snap.SessionStateBySessionKey {
		out.Sessions = append(out.Sessions, stateSummary{
			SessionKey:  key,
			History:     len(st.History),
			Pending:     st.PendingSoftSignals,
			TopicCount:  st.TopicCount,
			SteerQueued: st.PendingSteer != nil,
			LastSeenAt:  st.LastSeenAt,
			LastResetAt: st.LastResetAt,
		})
	}
	sort.Slice(out.Sessions, func(i, j int) bool {
		return out.Sessions[i].LastSeenAt.After(out.Sessions[j].LastSeenAt)
	})
	return enc.Encode(out)
}
