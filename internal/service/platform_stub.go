//go:build !windows

package service

import (
	"context"

	"github.com/juju/clock"

	"github.com/dtgate/dtgate/internal/plugin"
	"github.com/dtgate/dtgate/internal/store"
)

// Off Windows there is no service manager integration; the svc marker
// is the whole registration, and an init system (or the operator) runs
// the supervisor directly.

func registerPlatformService(root *store.Root, id string) error { return nil }

func unregisterPlatformService(id string) error { return nil }

// RunService supervises the engine in the foreground.
func RunService(ctx context.Context, root *store.Root, id string, reg *plugin.Registry, clk clock.Clock, log Logger) error {
	return Supervise(ctx, root, id, reg, clk, log)
}
