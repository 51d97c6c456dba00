package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Siddhant-K-code/topicshift/pkg/handoff"
	"github.com/Siddhant-K-code/topicshift/pkg/host"
	"github.com/Siddhant-K-code/topicshift/pkg/registry"
)

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate one session registry entry by hand",
	Long: `Give a session a fresh id and zeroed token counters, exactly as an
automatic rotation would. The registry is resolved from rotation.registry_path
unless --registry is given.

Examples:
  topicshift rotate --key agent:main:telegram:42
  topicshift rotate --key agent:main:telegram:42 --dry-run
  topicshift rotate --registry ./sessions.json --key agent:main:telegram:42 --handoff --archive`,
	RunE: runRotate,
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Re-link orphan transcripts into the session registry",
	Long: `Scan the registry's directory for transcripts that no entry refers to
and add an entry for each under agent:<agent>:recovered:<stem>.`,
	RunE: runRecover,
}

func init() {
	rootCmd.AddCommand(rotateCmd, recoverCmd)

	rotateCmd.Flags().String("registry", "", "registry file (default: from rotation.registry_path)")
	rotateCmd.Flags().String("key", "", "session key to rotate")
	rotateCmd.Flags().Bool("dry-run", false, "report the rotation without writing")
	rotateCmd.Flags().Bool("archive", false, "rename the old transcript after rotating")
	rotateCmd.Flags().Bool("handoff", false, "print the handoff built from the old transcript")
	_ = rotateCmd.MarkFlagRequired("key")

	recoverCmd.Flags().String("registry", "", "registry file (default: from rotation.registry_path)")
	recoverCmd.Flags().String("agent", host.DefaultAgent, "agent that owns the registry")
}

// resolveRegistry returns the --registry flag or the templated path for agent.
func resolveRegistry(cmd *cobra.Command, agentID string) (string, error) {
	if p, _ := cmd.Flags().GetString("registry"); p != "" {
		return host.ExpandHome(p)
	}
	return host.PathTemplate(viper.GetString("rotation.registry_path")).RegistryPath(agentID)
}

type rotateOutput struct {
	*registry.RotateResult
	Handoff  string `json:"handoff,omitempty"`
	Archived string `json:"archived,omitempty"`
}

func runRotate(cmd *cobra.Command, args []string) error {
	key, _ := cmd.Flags().GetString("key")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	archive, _ := cmd.Flags().GetBool("archive")
	withHandoff, _ := cmd.Flags().GetBool("handoff")

	path, err := resolveRegistry(cmd, host.AgentFromKey(key))
	if err != nil {
		return err
	}

	now := time.Now()
	reg := registry.New(registryConfig(), logger)
	res, err := reg.Rotate(cmd.Context(), registry.RotateRequest{
		Path:       path,
		SessionKey: key,
		DryRun:     dryRun,
		Now:        now,
	})
	if err != nil {
		if errors.Is(err, registry.ErrEntryNotFound) {
			return fmt.Errorf("%s has no entry %q", path, key)
		}
		return err
	}

	out := rotateOutput{RotateResult: res}
	if withHandoff && res.Transcript != "" {
		text, err := handoff.Build(handoffConfig(), res.Transcript)
		if err != nil && !errors.Is(err, handoff.ErrNoMessages) {
			logger.Warn("topic-shift handoff skipped", zap.String("transcript", res.Transcript), zap.Error(err))
		}
		out.Handoff = text
	}
	if archive && !dryRun {
		out.Archived, err = registry.ArchiveTranscript(res.Transcript, now)
		if err != nil {
			return err
		}
	}

	return json.NewEncoder(os.Stdout).Encode(out)
}

func runRecover(cmd *cobra.Command, args []string) error {
	agentID, _ := cmd.Flags().GetString("agent")
	path, err := resolveRegistry(cmd, agentID)
	if err != nil {
		return err
	}

	reg := registry.New(registryConfig(), logger)
	res, err := registry.NewRecoverer(reg, logger).RecoverOnce(cmd.Context(), path, agentID)
	if err != nil {
		return err
	}

	return json.NewEncoder(os.Stdout).Encode(res)
}
