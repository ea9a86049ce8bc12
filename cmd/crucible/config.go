package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/crucible/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show configuration",
	Long: `Display the effective crucible configuration.

Configuration is stored at ~/.config/crucible/config.yaml
Project-specific overrides can be placed in .crucible.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		displayAllConfig(cfg)
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	// Mask API key if set
	apiKeyDisplay := "(not set)"
	if cfg.Anthropic.APIKey != "" {
		apiKeyDisplay = "****"
	}

	fmt.Printf("anthropic.api_key: %s\n", apiKeyDisplay)
	fmt.Printf("anthropic.use_aws_bedrock: %t\n", cfg.Anthropic.UseAWSBedrock)
	fmt.Printf("gateway.failure_threshold: %d\n", cfg.Gateway.FailureThreshold)
	fmt.Printf("gateway.recovery_timeout: %s\n", cfg.Gateway.RecoveryTimeout)
	fmt.Printf("gateway.retry_attempts: %d\n", cfg.Gateway.RetryAttempts)
	fmt.Printf("router.quick_max: %d\n", cfg.Router.QuickMax)
	fmt.Printf("router.scout_max: %d\n", cfg.Router.ScoutMax)
	fmt.Printf("router.builder_max: %d\n", cfg.Router.BuilderMax)
	fmt.Printf("thresholds.accept: %.2f\n", cfg.Thresholds.Accept)
	fmt.Printf("thresholds.refine: %.2f\n", cfg.Thresholds.Refine)
	fmt.Printf("refinement.max_attempts: %d\n", cfg.Refinement.MaxAttempts)
	fmt.Printf("refinement.decay_factor: %.2f\n", cfg.Refinement.DecayFactor)
	fmt.Printf("escalation.ttl: %s\n", cfg.Escalation.TTL)
	fmt.Printf("escalation.sweep_interval: %s\n", cfg.Escalation.SweepInterval)
	fmt.Printf("concurrency.max_concurrent_tasks: %d\n", cfg.Concurrency.MaxConcurrentTasks)
	fmt.Printf("models.quick: %s\n", cfg.Models.Quick)
	fmt.Printf("models.scout: %s\n", cfg.Models.Scout)
	fmt.Printf("models.builder: %s\n", cfg.Models.Builder)
	fmt.Printf("models.architect: %s\n", cfg.Models.Architect)

	if project := config.GetProjectConfigPath(); project != "" {
		fmt.Printf("\nproject config: %s\n", project)
	}
	fmt.Printf("user config: %s\n", config.GetUserConfigPath())
}
