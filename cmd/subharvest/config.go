package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"subharvest/pkg/config"
	"subharvest/pkg/ui"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration files",
	Long: `Manage subharvest configuration files.

Configuration can be loaded from:
  - Command line flags (highest priority)
  - Environment variables (SUBHARVEST_*), including a .env file
  - Configuration file
  - Default values (lowest priority)`,
}

// initCmd represents the config init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with the default values",
	Long: `Write a configuration file with every option at its default value.

The file is created as '.subharvest.yaml' in the current directory unless a
different path is given with --config.`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

// showCmd represents the config show command
var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

// validateCmd represents the config validate command
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Long: `Load the configuration from all sources and report every invalid value.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(initCmd)
	configCmd.AddCommand(showCmd)
	configCmd.AddCommand(validateCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configPath := configFile
	if configPath == "" {
		configPath = ".subharvest.yaml"
	}

	if _, err := os.Stat(configPath); err == nil {
		return reportError("Configuration file already exists", fmt.Errorf("%s; remove it first to overwrite", configPath))
	}

	if err := config.DefaultConfig().Save(configPath); err != nil {
		return reportError("Failed to create configuration file", err)
	}

	ui.PrintSuccess("Configuration file created: " + configPath)
	fmt.Fprintln(ui.Output(), "\nNext steps:")
	fmt.Fprintln(ui.Output(), "1. Adjust rate limits, flairs and directories as needed")
	fmt.Fprintln(ui.Output(), "2. Run 'subharvest config validate' to check the configuration")
	fmt.Fprintln(ui.Output(), "3. Start crawling with 'subharvest crawl <subreddit>'")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, nil)
	if err != nil {
		return reportError("Failed to load configuration", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return reportError("Failed to format configuration", err)
	}

	ui.PrintHighlight("Current Configuration")
	fmt.Fprintln(ui.Output())
	fmt.Fprint(ui.Output(), string(data))

	fmt.Fprintln(ui.Output(), "\nConfiguration sources (in order of priority):")
	fmt.Fprintln(ui.Output(), "1. Command line flags")
	fmt.Fprintf(ui.Output(), "2. Environment variables (%s*)\n", config.EnvPrefix)
	if configFile != "" {
		fmt.Fprintf(ui.Output(), "3. Configuration file: %s\n", configFile)
	} else {
		fmt.Fprintln(ui.Output(), "3. Configuration file: (searched in default locations)")
	}
	fmt.Fprintln(ui.Output(), "4. Default values")
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if configFile != "" {
		ui.PrintInfo("Validating configuration", configFile)
	}
	if _, err := config.Load(configFile, nil); err != nil {
		return reportError("Configuration is invalid", err)
	}
	ui.PrintSuccess("Configuration is valid")
	return nil
}
