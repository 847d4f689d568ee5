package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/botkeeper"
	"github.com/GoCodeAlone/botkeeper/apps"
	"github.com/GoCodeAlone/botkeeper/registry"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "config.json"

// NewRootCommand creates the root command for the botkeeper binary
func NewRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "botkeeper",
		Short: "Botkeeper - run and hot-reload bot applications",
		Long: `Botkeeper loads bot applications from a configuration document and keeps
them running. Applications can be started, stopped, edited and reloaded
over HTTP without restarting the process.`,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", DefaultConfigPath, "path to the configuration document (json, yaml or toml)")

	cmd.AddCommand(NewServeCommand(&configPath))
	cmd.AddCommand(NewValidateCommand(&configPath))
	cmd.AddCommand(NewImplsCommand())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(PrintVersion())
		},
	})

	return cmd
}

// Version information
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// PrintVersion prints version information
func PrintVersion() string {
	return fmt.Sprintf("Botkeeper v%s (commit: %s, built on: %s)", Version, Commit, Date)
}

// newRegistry returns a registry holding every built-in implementation.
func newRegistry() (*registry.Registry[botkeeper.Implementation], error) {
	reg := registry.New[botkeeper.Implementation]()
	if err := apps.Provide(reg); err != nil {
		return nil, fmt.Errorf("provide implementations: %w", err)
	}
	return reg, nil
}
