// Package apps provides the bundled bot implementations to a registry.
package apps

import (
	"github.com/GoCodeAlone/botkeeper"
	"github.com/GoCodeAlone/botkeeper/apps/echo"
	"github.com/GoCodeAlone/botkeeper/apps/greeter"
	"github.com/GoCodeAlone/botkeeper/registry"
)

// Provide makes every bundled implementation resolvable from r.
func Provide(r *registry.Registry[botkeeper.Implementation]) error {
	if err := r.Provide(echo.Path, echo.Load); err != nil {
		return err
	}
	return r.Provide(greeter.Path, greeter.Load)
}
