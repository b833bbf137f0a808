package plugin

import (
	"os"
	"path/filepath"
	"sort"
)

// LoadLogger is the slice of the engine logger the loader needs.
type LoadLogger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// LoadDir scans dir non-recursively and loads every adapter module it
// can. Files that fail to open or that do not export the required
// Adapter symbol are logged and skipped; a missing or unreadable
// directory is not an error (a deployment may ship only built-in
// adapters). Entries load in directory order; the registry keeps the
// Perforce-class adapter at the head of the list.
func (r *Registry) LoadDir(dir string, log LoadLogger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		path := filepath.Join(dir, name)
		a, err := openModule(path)
		if err != nil {
			if log != nil {
				log.Warnf("skipping plugin %s: %v", name, err)
			}
			continue
		}
		if err := checkAttrDeclaration(a); err != nil {
			if log != nil {
				log.Warnf("refusing plugin %s: %v", name, err)
			}
			continue
		}
		if err := r.Register(a); err != nil {
			if log != nil {
				log.Warnf("skipping plugin %s: %v", name, err)
			}
			continue
		}
		if log != nil {
			log.Infof("loaded plugin %s (%s %s)", name, a.Name(), a.ModuleVersion())
		}
	}
	return nil
}

// checkAttrDeclaration rejects adapters with a broken attribute
// declaration: every declared attribute needs a name and label, and a
// required attribute without a default would make a source impossible to
// configure non-interactively.
func checkAttrDeclaration(a Adapter) error {
	decl, ok := a.(AttrDeclarer)
	if !ok {
		return nil
	}
	for _, attr := range decl.Attrs() {
		if attr.Name == "" || attr.Label == "" {
			return Errorf("adapter %s declares an unnamed attribute", a.Name())
		}
		if attr.Required && attr.Default == "" {
			return Errorf("adapter %s: required attribute %s has no default", a.Name(), attr.Name)
		}
	}
	return nil
}
