package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jasontalley/pact-sub013/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config [key] [value]",
	Short:   "Get or set configuration values",
	GroupID: groupSetup,
	Long: `Get or set pact configuration values.

Without arguments, lists all configuration keys.
With one argument, shows the value of that key.
With two arguments, sets the key to the value.

Configuration is stored in ~/.config/pact/config.yaml (XDG compliant).

Keys are in the format: section.key
Sections: log, storage, inference, quality, ledger, drift, reconcile

Examples:
  pact config                              # List all keys
  pact config inference.backend            # Get the inference backend
  pact config inference.backend openai     # Switch backends
  pact config drift.overdue_ceiling 5`,
	Args: cobra.MaximumNArgs(2),
	RunE: runConfig,
}

// configPath is the file config reads and writes: --config or the XDG path.
func configPath(paths *config.Paths) string {
	if configFile != "" {
		return configFile
	}
	return paths.ConfigFile()
}

func runConfig(cmd *cobra.Command, args []string) error {
	paths := config.DefaultPaths()
	// Flag overrides are left out so they never end up in the saved file.
	cfg, err := config.LoadFromFile(configPath(paths))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	p := newPrinter(cmd.OutOrStdout())

	switch len(args) {
	case 0:
		return listConfig(p, cfg, paths)
	case 1:
		return getConfig(p, cfg, args[0])
	case 2:
		return setConfig(p, cfg, paths, args[0], args[1])
	}
	return nil
}

func listConfig(p *printer, cfg *config.Config, paths *config.Paths) error {
	keys := config.ListKeys()
	values := make(map[string]string, len(keys))
	var failedKeys []string
	for _, key := range keys {
		value, err := cfg.Get(key)
		if err != nil {
			failedKeys = append(failedKeys, key)
			continue
		}
		values[key] = value
	}
	if p.json {
		return p.emitJSON(values)
	}

	p.heading("Configuration Keys")
	fmt.Fprintln(p.out)
	for _, key := range keys {
		value, ok := values[key]
		if !ok {
			continue
		}
		if value == "" {
			value = p.dim.Render("(not set)")
		}
		fmt.Fprintf(p.out, "  %s = %s\n", p.key.Render(key), value)
	}

	if len(failedKeys) > 0 {
		fmt.Fprintf(p.out, "\n%s Failed to retrieve keys: %s\n", p.warn.Render("Warning:"), strings.Join(failedKeys, ", "))
	}

	fmt.Fprintln(p.out)
	fmt.Fprintf(p.out, "Config file: %s\n", configPath(paths))
	return nil
}

func getConfig(p *printer, cfg *config.Config, key string) error {
	value, err := cfg.Get(key)
	if err != nil {
		return err
	}
	if p.json {
		return p.emitJSON(map[string]string{key: value})
	}

	if value == "" {
		fmt.Fprintln(p.out, p.dim.Render("(not set)"))
	} else {
		fmt.Fprintln(p.out, value)
	}
	return nil
}

func setConfig(p *printer, cfg *config.Config, paths *config.Paths, key, value string) error {
	if err := cfg.Set(key, value); err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Ensure directories exist before saving
	if err := paths.EnsureDirectories(); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	path := configPath(paths)
	if err := cfg.SaveToFile(path); err != nil {
		return err
	}

	if p.json {
		return p.emitJSON(map[string]string{key: value})
	}
	fmt.Fprintf(p.out, "%s = %s\n", p.key.Render(key), value)
	fmt.Fprintf(p.out, "Saved to: %s\n", path)
	return nil
}
