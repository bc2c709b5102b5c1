package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/store/pg"
	"github.com/nextlevelbuilder/omniclaw/internal/version"
	"github.com/nextlevelbuilder/omniclaw/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("omniclaw doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", version.Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — run: omniclaw onboard)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	if cfg.Database.Mode == "managed" {
		fmt.Println()
		fmt.Println("  Database:")
		fmt.Printf("    %-12s managed\n", "Mode:")
		if cfg.Database.PostgresDSN == "" {
			fmt.Printf("    %-12s OMNICLAW_POSTGRES_DSN not set\n", "Status:")
		} else if db, dbErr := pg.Open(cfg.Database.PostgresDSN); dbErr != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", dbErr)
		} else {
			defer db.Close()
			fmt.Printf("    %-12s connected\n", "Status:")
			s, schemaErr := pg.CheckSchema(db)
			switch {
			case schemaErr != nil:
				fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", schemaErr)
			case s.Dirty:
				fmt.Printf("    %-12s v%d (DIRTY — run: omniclaw migrate force %d)\n", "Schema:", s.CurrentVersion, s.CurrentVersion-1)
			case s.Compatible:
				fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", s.CurrentVersion)
			case s.CurrentVersion > s.RequiredVersion:
				fmt.Printf("    %-12s v%d (binary too old, requires v%d)\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
			default:
				fmt.Printf("    %-12s v%d (run: omniclaw migrate up)\n", "Schema:", s.CurrentVersion)
			}
		}
	}

	fmt.Println()
	fmt.Println("  Providers:")
	if len(cfg.Providers) == 0 {
		fmt.Println("    (none configured)")
	}
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.HasKeys() {
			keyNote := config.MaskTail(p.APIKeys[0])
			if len(p.APIKeys) > 1 {
				keyNote = fmt.Sprintf("%s (+%d rotation keys)", keyNote, len(p.APIKeys)-1)
			}
			fmt.Printf("    %-12s %s\n", p.Name+":", keyNote)
		} else {
			fmt.Printf("    %-12s (no key — set OMNICLAW_%s_API_KEY)\n", p.Name+":", p.EnvName())
		}
	}

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "")
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "")
	checkChannel("WhatsApp", cfg.Channels.WhatsApp.Enabled, cfg.Channels.WhatsApp.BridgeURL != "")
	checkChannel("Webchat", cfg.Channels.Webchat.Enabled, true)

	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("curl")
	checkBinary("git")

	fmt.Println()
	ws := cfg.WorkspacePath()
	fmt.Printf("  Workspace: %s", ws)
	if _, err := os.Stat(ws); err != nil {
		fmt.Println(" (NOT FOUND — created on first gateway start)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func checkBinary(name string) {
	if path, err := exec.LookPath(name); err == nil {
		fmt.Printf("    %-12s %s\n", name+":", path)
	} else {
		fmt.Printf("    %-12s (not found)\n", name+":")
	}
}
