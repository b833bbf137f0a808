//go:build !linux && !darwin

package plugin

import "fmt"

// openModule is unavailable on platforms without Go plugin support;
// only built-in (statically registered) adapters load there.
func openModule(path string) (Adapter, error) {
	return nil, fmt.Errorf("dynamic plugin loading not supported on this platform")
}
