package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/muurk/rbfhub/internal/config"
	"github.com/muurk/rbfhub/internal/ui"
)

var configForce bool

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")
	configCmd.AddCommand(configPathCmd, configShowCmd, configInitCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the config file",
}

// resolvedConfigPath is --config, $RBFHUB_CONFIG or the per-user default.
func resolvedConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.GetConfigPath()
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolvedConfigPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration, including flag overrides",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the current settings",
	Long: `Write the effective configuration (defaults plus any flags given) to the
config file. Existing files are kept unless --force is set.`,
	Example: `  # Config for a hub on a ser2net bridge
  rbfhub config init --address 192.168.1.20:4001`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := ui.NewPrinter(cmd.OutOrStdout())
		path, err := resolvedConfigPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil && !configForce {
			return fail(p, "Config file exists", fmt.Errorf("%s already exists (use --force to overwrite)", path))
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fail(p, "Cannot access config file", err)
		}
		if err := cfg.Save(path); err != nil {
			return fail(p, "Failed to write config", err)
		}
		p.PrintSuccess("Config written", map[string]string{"Path": path, "Link": linkDescription()})
		return nil
	},
}
