package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/botkeeper"
	"github.com/GoCodeAlone/botkeeper/config"
	"github.com/GoCodeAlone/botkeeper/registry"
	"github.com/GoCodeAlone/botkeeper/schema"
)

// ErrInvalidConfig is returned by validate when any application is rejected.
var ErrInvalidConfig = errors.New("configuration is invalid")

// NewValidateCommand creates the validate command
func NewValidateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration without starting anything",
		Long: `Validate reads the configuration document, resolves every application's
implementation and checks its arguments against the implementation's schema.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := config.Open(*configPath)
			if err != nil {
				return err
			}
			reg, err := newRegistry()
			if err != nil {
				return err
			}

			failed := 0
			for _, cfg := range store.AppConfigs() {
				if err := validateApp(reg, cfg); err != nil {
					failed++
					cmd.Printf("FAIL %s: %v\n", cfg.ID, err)
					continue
				}
				cmd.Printf("ok   %s (%s)\n", cfg.ID, cfg.Module)
			}
			if failed > 0 {
				return fmt.Errorf("%w: %d application(s) rejected", ErrInvalidConfig, failed)
			}
			return nil
		},
	}
}

func validateApp(reg registry.Resolver[botkeeper.Implementation], cfg config.AppConfig) error {
	resolved, err := reg.Resolve(cfg.Module)
	if err != nil {
		return err
	}
	if resolved.Value.New == nil {
		return fmt.Errorf("%w: %s has no factory", botkeeper.ErrInvalidImplementation, resolved.Path)
	}
	sch, err := schema.Compile(resolved.Path, resolved.Value.Schema)
	if err != nil {
		return err
	}
	return sch.Validate(cfg.Arguments)
}
