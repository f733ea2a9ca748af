package cli

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/grocery-inventory/grocery-load/internal/performance/config"
	"github.com/grocery-inventory/grocery-load/internal/scenarios"
)

func newValidateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration without running it",
		Long: `Parse a configuration file or built-in scenario, apply defaults and
report every problem found: unknown executors, bad durations, malformed
checks or extractions, and thresholds on metrics that do not exist.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.validate(cmd)
		},
	}
	cmd.Flags().StringP("config", "c", "", "Configuration file (YAML or JSON)")
	cmd.Flags().StringP("scenario", "s", scenarios.Default, "Built-in scenario, when --config is not given")
	cmd.Flags().String("base-url", "", "Target base URL (env: BASE_URL)")
	return cmd
}

func (a *app) validate(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()

	var (
		cfg    *config.TestConfig
		source string
		err    error
	)
	if path := a.v.GetString("config"); path != "" {
		source = path
		cfg, err = config.LoadConfig(path)
	} else {
		source = a.v.GetString("scenario")
		cfg, err = scenarios.Load(source)
	}
	if err != nil {
		return err
	}

	config.ApplyOverrides(cfg, config.Overrides{BaseURL: a.v.GetString("base-url")})
	config.ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		var verrs *config.ValidationErrors
		if errors.As(err, &verrs) {
			fmt.Fprintf(out, "✗ %s: %d problem(s)\n", source, len(verrs.Errors))
			for _, e := range verrs.Errors {
				fmt.Fprintf(out, "  - %s: %s\n", e.Field, e.Message)
			}
		}
		return fmt.Errorf("invalid configuration %s: %w", source, err)
	}

	fmt.Fprintf(out, "✓ %s is valid\n", source)
	fmt.Fprintf(out, "  name:       %s\n", cfg.Name)
	fmt.Fprintf(out, "  base URL:   %s\n", cfg.Settings.BaseURL)
	for _, name := range sortedScenarioNames(cfg) {
		sc := cfg.Scenarios[name]
		fmt.Fprintf(out, "  scenario:   %s (%s, %d request(s))\n", name, sc.Executor, len(sc.Requests))
	}
	if cfg.Setup != nil {
		fmt.Fprintf(out, "  setup:      %d request(s)\n", len(cfg.Setup.Requests))
	}
	if cfg.Teardown != nil {
		fmt.Fprintf(out, "  teardown:   %d request(s)\n", len(cfg.Teardown.Requests))
	}

	keys := make([]string, 0, len(cfg.Thresholds))
	for k := range cfg.Thresholds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, expr := range cfg.Thresholds[k] {
			fmt.Fprintf(out, "  threshold:  %s %s\n", k, expr)
		}
	}
	return nil
}

func sortedScenarioNames(cfg *config.TestConfig) []string {
	names := make([]string, 0, len(cfg.Scenarios))
	for name, sc := range cfg.Scenarios {
		if sc != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
