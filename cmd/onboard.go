package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omniclaw/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard(resolveConfigPath())
		},
	}
}

// onboardProviders is the detection order for non-interactive setup and the
// choice order in the wizard. Names match the built-in provider specs.
var onboardProviders = []string{
	"anthropic", "openai", "gemini", "openrouter", "deepseek", "groq", "dashscope",
}

// runOnboard writes a fresh config file. With provider keys already in the
// environment (Docker, CI) setup is non-interactive; otherwise the wizard
// runs.
func runOnboard(cfgPath string) {
	if canAutoOnboard() {
		if runAutoOnboard(cfgPath) {
			return
		}
	}
	runWizard(cfgPath)
}

// canAutoOnboard reports whether any OMNICLAW_*_API_KEY is set, meaning the
// user wants non-interactive configuration.
func canAutoOnboard() bool {
	for _, name := range onboardProviders {
		spec := config.ProviderSpec{Name: name}
		if os.Getenv("OMNICLAW_"+spec.EnvName()+"_API_KEY") != "" {
			return true
		}
	}
	return false
}

// runAutoOnboard performs non-interactive setup from environment variables.
// First provider with a key wins unless OMNICLAW_PROVIDER picks one.
func runAutoOnboard(cfgPath string) bool {
	fmt.Println("Provider API key found in environment, writing config...")

	cfg := config.Default()
	cfg.Providers = config.DefaultProviders()
	cfg.ApplyEnvOverrides()

	provider := ""
	if p := cfg.FindProvider(cfg.Agents.Defaults.Provider); p != nil && p.HasKeys() {
		provider = p.Name
	}
	if provider == "" {
		for _, name := range onboardProviders {
			if p := cfg.FindProvider(name); p != nil && p.HasKeys() {
				provider = name
				break
			}
		}
	}
	if provider == "" {
		fmt.Println("No usable provider key after env resolution.")
		return false
	}
	cfg.Agents.Defaults.Provider = provider

	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "cannot write %s: %v\n", cfgPath, err)
		return false
	}
	printOnboardSummary(cfgPath, provider, "")
	return true
}

// runWizard walks through provider choice, API key, and the Telegram channel.
// The key is printed as an export line, never written to config.json.
func runWizard(cfgPath string) {
	var provider, apiKey, telegramToken string
	enableTelegram := false

	providerOpts := make([]huh.Option[string], 0, len(onboardProviders))
	for _, name := range onboardProviders {
		providerOpts = append(providerOpts, huh.NewOption(name, name))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Which LLM provider do you want to use?").
				Options(providerOpts...).
				Value(&provider),
			huh.NewInput().
				Title("API key").
				Description("Stored only in your shell environment, never in config.json.").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Connect Telegram?").
				Description("Needs a bot token from @BotFather. You can do this later.").
				Value(&enableTelegram),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				EchoMode(huh.EchoModePassword).
				Value(&telegramToken),
		).WithHideFunc(func() bool { return !enableTelegram }),
	)

	if err := form.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "setup aborted: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Default()
	cfg.Providers = config.DefaultProviders()
	cfg.Agents.Defaults.Provider = provider
	if enableTelegram && telegramToken != "" {
		cfg.Channels.Telegram.Enabled = true
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "cannot write %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	spec := config.ProviderSpec{Name: provider}
	fmt.Println()
	if apiKey != "" {
		fmt.Println("Add this to your shell profile:")
		fmt.Println()
		fmt.Printf("  export OMNICLAW_%s_API_KEY=%s\n", spec.EnvName(), apiKey)
	}
	if enableTelegram && telegramToken != "" {
		fmt.Printf("  export OMNICLAW_TELEGRAM_TOKEN=%s\n", telegramToken)
	}
	printOnboardSummary(cfgPath, provider, "")
}

func printOnboardSummary(cfgPath, provider, extra string) {
	fmt.Println()
	fmt.Printf("Config written to %s (provider: %s).\n", cfgPath, provider)
	if extra != "" {
		fmt.Println(extra)
	}
	fmt.Println()
	fmt.Println("Start the gateway:   omniclaw")
	fmt.Println("Chat from terminal:  omniclaw agent chat --standalone")
	fmt.Println("Check your setup:    omniclaw doctor")
}
