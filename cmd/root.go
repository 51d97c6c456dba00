package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	cfgFile string
	verbose bool
	logger  = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "topicshift",
	Short: "Detect topic shifts in chat sessions and rotate them",
	Long: `topicshift watches a conversation, decides when it has moved to a new
topic, and rotates the host's session registry entry so the next turn starts
with a fresh context window and a short handoff from the previous one.

Run it as an HTTP service, as an MCP stdio server, or use the one-shot
commands to rotate, recover, replay and inspect state.

Examples:
  topicshift serve --addr :8787
  topicshift mcp
  topicshift rotate --registry ~/.gateway/agents/main/sessions/sessions.json --key agent:main:telegram:42
  topicshift replay --transcript session.jsonl --preset aggressive
  topicshift rotations list --key agent:main:telegram:42`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		// stdout carries command output and the MCP transport.
		config.OutputPaths = []string{"stderr"}
		built, err := config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = built
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./topicshift.yaml or ~/.topicshift/topicshift.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().String("state-dir", "", "directory for persisted state (default: ~/.topicshift)")
	_ = viper.BindPFlag("persist.state_dir", rootCmd.PersistentFlags().Lookup("state-dir"))

	setDefaults()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("topicshift")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home + "/.topicshift")
		}
	}

	viper.SetEnvPrefix("TOPICSHIFT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	}
}
