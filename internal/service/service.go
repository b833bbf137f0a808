// Package service manages long-lived supervision of replication
// engines: per-mapping service registration markers, the restart loop
// used when an engine exits because a server went away, and the
// platform hooks for running under a system service manager.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/juju/clock"

	"github.com/dtgate/dtgate/internal/engine"
	"github.com/dtgate/dtgate/internal/plugin"
	"github.com/dtgate/dtgate/internal/store"
)

// restartDelay paces engine restarts so a persistently broken mapping
// does not spin.
const restartDelay = 10 * time.Second

// Install registers a mapping for supervision. The mapping's
// configuration must exist, and a mapping cannot be installed while an
// engine is replicating it or while it is already installed.
func Install(root *store.Root, id string) error {
	if _, err := os.Stat(root.MappingFile(id)); err != nil {
		return fmt.Errorf("no mapping %s configured: %w", id, err)
	}
	if _, err := os.Stat(root.RunMarker(id)); err == nil {
		return fmt.Errorf("mapping %s is currently replicating; stop it first", id)
	}
	f, err := os.OpenFile(root.ServiceMarker(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("mapping %s is already installed as a service", id)
		}
		return err
	}
	if err := registerPlatformService(root, id); err != nil {
		f.Close()
		os.Remove(root.ServiceMarker(id))
		return err
	}
	return f.Close()
}

// Remove unregisters one mapping. The supervised engine must be
// stopped first.
func Remove(root *store.Root, id string) error {
	if _, err := os.Stat(root.ServiceMarker(id)); err != nil {
		return fmt.Errorf("mapping %s is not installed as a service", id)
	}
	if _, err := os.Stat(root.RunMarker(id)); err == nil {
		return fmt.Errorf("mapping %s is currently replicating; stop it first", id)
	}
	if err := unregisterPlatformService(id); err != nil {
		return err
	}
	return os.Remove(root.ServiceMarker(id))
}

// RemoveAll unregisters every installed mapping, reporting the ids it
// removed. Mappings that are still replicating are left installed and
// returned as the error.
func RemoveAll(root *store.Root) (removed []string, err error) {
	ids, err := List(root)
	if err != nil {
		return nil, err
	}
	var failed []error
	for _, id := range ids {
		if rmErr := Remove(root, id); rmErr != nil {
			failed = append(failed, rmErr)
			continue
		}
		removed = append(removed, id)
	}
	return removed, errors.Join(failed...)
}

// List returns the ids of all installed mappings.
func List(root *store.Root) ([]string, error) {
	entries, err := os.ReadDir(root.ConfigDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if name := e.Name(); len(name) > 4 && name[:4] == "svc-" {
			ids = append(ids, name[4:])
		}
	}
	return ids, nil
}

// Logger is the slice of a logger the supervisor needs.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Supervise runs the engine for one mapping and restarts it whenever it
// exits with an error that is not a startup block. An engine that exits
// cleanly (stop requested) ends supervision; a mapping blocked by an
// err marker ends it too, since only an operator can clear that.
func Supervise(ctx context.Context, root *store.Root, id string, reg *plugin.Registry, clk clock.Clock, log Logger) error {
	for {
		eng, err := engine.New(root, id, reg, clk)
		if err != nil {
			return fmt.Errorf("load mapping %s: %w", id, err)
		}
		err = eng.Run(ctx)
		if err == nil {
			log.Infof("engine for %s exited cleanly, supervision ends", id)
			return nil
		}
		var blocked *engine.BlockedError
		if errors.As(err, &blocked) {
			log.Errorf("engine for %s is blocked: %v", id, err)
			return err
		}
		log.Warnf("engine for %s exited: %v; restarting in %v", id, err, restartDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-clk.After(restartDelay):
		}
	}
}
