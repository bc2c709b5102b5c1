package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/upgrade"
)

func upgradeCLICmd() *cobra.Command {
	var checkOnly bool
	var restart bool

	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade the omniclaw binary from GitHub releases",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.Upgrade.IsEnabled() {
				fmt.Println("Self-upgrade is disabled in config (upgrade.enabled).")
				return nil
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()

			u := upgrade.New(cfg.Upgrade.Repo, nil)
			current, latest, available, err := u.Check(ctx)
			if err != nil {
				return fmt.Errorf("check releases: %w", err)
			}
			if !available {
				fmt.Printf("Already up to date (%s).\n", current)
				return nil
			}
			fmt.Printf("Update available: %s -> %s\n", current, latest)
			if checkOnly {
				return nil
			}

			if err := u.Apply(ctx); err != nil {
				return fmt.Errorf("apply update: %w", err)
			}
			fmt.Printf("Upgraded to %s.\n", latest)

			if restart {
				return u.Restart()
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkOnly, "check", false, "only check for a newer release")
	cmd.Flags().BoolVar(&restart, "restart", false, "restart the process after upgrading")
	return cmd
}
