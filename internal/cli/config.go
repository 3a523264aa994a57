package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/snapguard/snapguard/pkg/color"
	"github.com/snapguard/snapguard/pkg/config"
	"github.com/snapguard/snapguard/pkg/pathutil"
)

var (
	configInitForce    bool
	configInitStateDir string
)

var configCmd = &cobra.Command{
	Use:   "config <command>",
	Short: "Manage snapguard configuration",
	Long: `Manage the snapguard configuration file.

The file is read from --config, or from ~/.snapguard/config.yaml.

Available commands:
  show              - Show the effective configuration
  init <root...>    - Write a configuration protecting the given roots
  path              - Print the configuration file location`,
	DisableFlagsInUseLine: true,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  "Show the configuration after defaults are applied.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cfg)
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("# snapguard configuration\n# Location: %s\n\n", resolveConfigPath())
		fmt.Print(string(data))
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "\n%s %v\n", color.Warning("invalid:"), err)
		}
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init <root...>",
	Short: "Write a configuration protecting the given roots",
	Long: `Write a configuration file with default settings protecting the given
directories. The duplicates directory lives in the state directory, outside
every monitored root.

Examples:
  snapguard config init ~/Documents ~/Pictures
  snapguard config init --state-dir /var/lib/snapguard /srv/share`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := resolveConfigPath()
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		cfg := config.Default()
		if configInitStateDir != "" {
			cfg.StateDir = configInitStateDir
		} else if configPath != "" {
			cfg.StateDir = filepath.Dir(path)
		}
		cfg.DuplicatesDir = filepath.Join(cfg.StateDir, "duplicates")
		for _, a := range args {
			abs, err := filepath.Abs(a)
			if err != nil {
				return err
			}
			cfg.Roots = append(cfg.Roots, pathutil.Normalize(abs))
		}
		cfg.Normalize()
		if err := cfg.Validate(); err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
		if err := config.Save(path, cfg); err != nil {
			return err
		}

		if jsonOutput {
			return outputJSON(cfg)
		}
		fmt.Printf("Wrote %s\n", color.Path(path))
		for _, r := range cfg.Roots {
			fmt.Printf("  protecting %s\n", color.Path(r))
		}
		fmt.Printf("Run %s to start monitoring.\n", color.Info("snapguard watch"))
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file location",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(resolveConfigPath())
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing configuration")
	configInitCmd.Flags().StringVar(&configInitStateDir, "state-dir", "", "state directory (default: next to the config file)")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}
