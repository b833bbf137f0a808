//go:build linux || darwin

package plugin

import (
	"fmt"
	goplugin "plugin"
)

// openModule resolves the exported Adapter symbol from a dynamically
// loaded module. The symbol may be either a plugin.Adapter value or a
// *plugin.Adapter (the usual shape for a package-level var).
func openModule(path string) (Adapter, error) {
	mod, err := goplugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	sym, err := mod.Lookup("Adapter")
	if err != nil {
		return nil, fmt.Errorf("required symbol Adapter missing: %w", err)
	}
	switch v := sym.(type) {
	case Adapter:
		return v, nil
	case *Adapter:
		if *v == nil {
			return nil, fmt.Errorf("symbol Adapter is nil")
		}
		return *v, nil
	default:
		return nil, fmt.Errorf("symbol Adapter has type %T", sym)
	}
}
