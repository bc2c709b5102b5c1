// Package cmd wires the omniclaw CLI. The bare binary runs the gateway;
// subcommands cover setup (onboard, doctor, migrate), the terminal chat
// client, and self-upgrade.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/version"
	"github.com/nextlevelbuilder/omniclaw/pkg/protocol"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "omniclaw",
	Short: "Personal AI assistant gateway",
	Long: "OmniClaw runs a personal AI assistant behind the chat channels you\n" +
		"already use: Telegram, Discord, WhatsApp, and the browser. One binary,\n" +
		"one config file, local state.",
	Run: func(cmd *cobra.Command, args []string) {
		runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $OMNICLAW_CONFIG or ~/.omniclaw/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(upgradeCLICmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("omniclaw %s (protocol %d)\n", version.Version, protocol.ProtocolVersion)
		},
	}
}

// resolveConfigPath applies the --config flag over the default lookup
// ($OMNICLAW_CONFIG, then ~/.omniclaw/config.json).
func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
