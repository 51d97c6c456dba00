package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Siddhant-K-code/topicshift/pkg/classifier"
	"github.com/Siddhant-K-code/topicshift/pkg/engine"
	"github.com/Siddhant-K-code/topicshift/pkg/handoff"
	"github.com/Siddhant-K-code/topicshift/pkg/host"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a transcript through the classifier without rotating",
	Long: `Feed every user and assistant turn of a JSONL transcript through the
engine in dry-run mode and print one decision per line. Use it to compare
presets against real conversations before turning rotation on.

Examples:
  topicshift replay --transcript session.jsonl
  topicshift replay --transcript session.jsonl --preset aggressive --only-rotations`,
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().String("transcript", "", "JSONL transcript to replay")
	replayCmd.Flags().String("preset", "", "classifier preset (default: classifier.preset)")
	replayCmd.Flags().String("key", "", "session key to replay under (default: agent:main:replay:<file>)")
	replayCmd.Flags().Duration("interval", time.Minute, "simulated time between turns")
	replayCmd.Flags().Bool("only-rotations", false, "print only rotate decisions")
	replayCmd.Flags().Bool("no-progress", false, "hide the progress bar")
	_ = replayCmd.MarkFlagRequired("transcript")
}

type replayLine struct {
	Index int    `json:"index"`
	Role  string `json:"role"`
	Text  string `json:"text"`
	engine.Decision
}

type replaySummary struct {
	Turns     int                         `json:"turns"`
	Skipped   int                         `json:"skipped"`
	Decisions map[classifier.Decision]int `json:"decisions"`
}

func runReplay(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("transcript")
	preset, _ := cmd.Flags().GetString("preset")
	key, _ := cmd.Flags().GetString("key")
	interval, _ := cmd.Flags().GetDuration("interval")
	onlyRotations, _ := cmd.Flags().GetBool("only-rotations")
	noProgress, _ := cmd.Flags().GetBool("no-progress")

	if preset != "" {
		viper.Set("classifier.preset", preset)
	}
	if key == "" {
		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		key = "agent:" + host.DefaultAgent + ":replay:" + stem
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	msgs, err := handoff.ReadAll(f)
	_ = f.Close()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	rt, err := newRuntime(ctx, runtimeOptions{dryRun: true, noState: true, noAudit: true})
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := shutdownContext()
		defer cancel()
		_ = rt.Close(cctx)
	}()

	var bar *progressbar.ProgressBar
	if !noProgress {
		bar = progressbar.Default(int64(len(msgs)), "replaying")
	}

	enc := json.NewEncoder(os.Stdout)
	summary := replaySummary{Decisions: map[classifier.Decision]int{}}
	at := time.Now().Add(-time.Duration(len(msgs)) * interval)
	for i, m := range msgs {
		at = at.Add(interval)
		d, err := rt.engine.OnMessage(ctx, engine.Event{
			Role:  m.Role,
			Text:  m.Text,
			Route: host.Route{SessionKey: key},
			At:    at,
		})
		if err != nil {
			return err
		}
		if bar != nil {
			_ = bar.Add(1)
		}

		summary.Turns++
		if d.Skip != "" || d.Duplicate {
			summary.Skipped++
			continue
		}
		summary.Decisions[d.Decision]++
		if onlyRotations && !d.Decision.IsRotation() {
			continue
		}
		if err := enc.Encode(replayLine{Index: i, Role: m.Role, Text: handoff.Truncate(m.Text, 120), Decision: d}); err != nil {
			return err
		}
	}
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)
	}

	out, _ := json.Marshal(summary)
	fmt.Fprintln(os.Stderr, string(out))
	return nil
}
