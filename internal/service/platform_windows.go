//go:build windows

package service

import (
	"context"
	"fmt"
	"os"

	"github.com/juju/clock"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"

	"github.com/dtgate/dtgate/internal/plugin"
	"github.com/dtgate/dtgate/internal/store"
)

func serviceName(id string) string { return "dtgate-" + id }

// registerPlatformService creates the Windows service entry that starts
// the supervisor for this mapping at boot.
func registerPlatformService(root *store.Root, id string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connect to service manager: %w", err)
	}
	defer m.Disconnect()
	s, err := m.CreateService(serviceName(id), exe, mgr.Config{
		DisplayName: "dtgate replication (" + id + ")",
		Description: "Replicates defect records for mapping " + id,
		StartType:   mgr.StartAutomatic,
	}, "run", id, root.Dir)
	if err != nil {
		return fmt.Errorf("create service %s: %w", serviceName(id), err)
	}
	return s.Close()
}

func unregisterPlatformService(id string) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connect to service manager: %w", err)
	}
	defer m.Disconnect()
	s, err := m.OpenService(serviceName(id))
	if err != nil {
		// Marker without a service entry; nothing to delete.
		return nil
	}
	defer s.Close()
	return s.Delete()
}

// RunService supervises the engine, speaking the service control
// protocol when started by the service manager and running in the
// foreground otherwise.
func RunService(ctx context.Context, root *store.Root, id string, reg *plugin.Registry, clk clock.Clock, log Logger) error {
	isSvc, err := svc.IsWindowsService()
	if err != nil {
		return err
	}
	if !isSvc {
		return Supervise(ctx, root, id, reg, clk, log)
	}
	return svc.Run(serviceName(id), &handler{
		ctx: ctx, root: root, id: id, reg: reg, clk: clk, log: log,
	})
}

type handler struct {
	ctx  context.Context
	root *store.Root
	id   string
	reg  *plugin.Registry
	clk  clock.Clock
	log  Logger
}

func (h *handler) Execute(args []string, req <-chan svc.ChangeRequest, status chan<- svc.Status) (bool, uint32) {
	status <- svc.Status{State: svc.StartPending}
	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- Supervise(ctx, h.root, h.id, h.reg, h.clk, h.log)
	}()
	status <- svc.Status{State: svc.Running, Accepts: svc.AcceptStop | svc.AcceptShutdown}
	for {
		select {
		case err := <-done:
			status <- svc.Status{State: svc.StopPending}
			if err != nil {
				return true, 1
			}
			return false, 0
		case c := <-req:
			switch c.Cmd {
			case svc.Interrogate:
				status <- c.CurrentStatus
			case svc.Stop, svc.Shutdown:
				status <- svc.Status{State: svc.StopPending}
				// Ask the engine to stop the way an operator would.
				os.WriteFile(h.root.StopMarker(h.id), nil, 0o644)
				cancel()
				<-done
				return false, 0
			}
		}
	}
}
