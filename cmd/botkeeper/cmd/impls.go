package cmd

import (
	"strings"

	"github.com/spf13/cobra"
)

// NewImplsCommand creates the impls command
func NewImplsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "impls",
		Short: "List the built-in implementations",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := newRegistry()
			if err != nil {
				return err
			}
			for _, path := range reg.Paths() {
				if _, err := reg.Resolve(path); err != nil {
					cmd.Printf("%s (unavailable: %v)\n", path, err)
				}
			}
			for _, entry := range reg.Loaded() {
				cmd.Printf("%s: %s\n", entry.Path, strings.Join(entry.Symbols, ", "))
			}
			return nil
		},
	}
}
