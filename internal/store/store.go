// Package store persists the gateway configuration: the deployment
// directory layout and the src-/map-/set- XML file families, with
// backup-first single-file writes and the shared settings lock.
package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dtgate/dtgate/internal/model"
)

// Root is one deployment directory.
type Root struct {
	Dir string
}

// NewRoot validates and wraps a deployment root directory.
func NewRoot(dir string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("deployment root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("deployment root %s is not a directory", abs)
	}
	return &Root{Dir: abs}, nil
}

// Directory layout under the deployment root.
func (r *Root) ConfigDir() string  { return filepath.Join(r.Dir, "config") }
func (r *Root) ReplDir() string    { return filepath.Join(r.Dir, "repl") }
func (r *Root) PluginsDir() string { return filepath.Join(r.Dir, "plugins") }
func (r *Root) HelpDir() string    { return filepath.Join(r.Dir, "help") }

// File names of the three config families and the repl markers.
func (r *Root) SourceFile(nickname string) string {
	return filepath.Join(r.ConfigDir(), "src-"+nickname+".xml")
}
func (r *Root) MappingFile(id string) string {
	return filepath.Join(r.ConfigDir(), "map-"+id+".xml")
}
func (r *Root) SettingsFile(id string) string {
	return filepath.Join(r.ConfigDir(), "set-"+id+".xml")
}
func (r *Root) ServiceMarker(id string) string {
	return filepath.Join(r.ConfigDir(), "svc-"+id)
}
func (r *Root) LogFile(id string) string {
	return filepath.Join(r.ReplDir(), "log-"+id+".log")
}
func (r *Root) RunMarker(id string) string {
	return filepath.Join(r.ReplDir(), "run-"+id)
}
func (r *Root) StopMarker(id string) string {
	return filepath.Join(r.ReplDir(), "stop-"+id)
}
func (r *Root) ErrMarker(id string) string {
	return filepath.Join(r.ReplDir(), "err-"+id)
}
func (r *Root) EngineLock(id string) string {
	return filepath.Join(r.ReplDir(), "engine-"+id+".lock")
}

// EnsureLayout creates the config and repl directories if missing.
func (r *Root) EnsureLayout() error {
	for _, dir := range []string{r.ConfigDir(), r.ReplDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// LoadSources reads every src-*.xml under config/ and returns the
// sources keyed by nickname within kind.
func (r *Root) LoadSources() ([]*model.Source, error) {
	matches, err := filepath.Glob(filepath.Join(r.ConfigDir(), "src-*.xml"))
	if err != nil {
		return nil, err
	}
	var out []*model.Source
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		s, err := model.UnmarshalSource(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		out = append(out, s)
	}
	return out, nil
}

// LoadMappings reads every map-*.xml under config/.
func (r *Root) LoadMappings() ([]*model.DataMapping, error) {
	matches, err := filepath.Glob(filepath.Join(r.ConfigDir(), "map-*.xml"))
	if err != nil {
		return nil, err
	}
	var out []*model.DataMapping
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		m, err := model.UnmarshalMapping(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		out = append(out, m)
	}
	return out, nil
}

// LoadMapping reads one mapping by id and cross-resolves its sources,
// bumping their reference counts. Both sources must exist with the
// right kind.
func (r *Root) LoadMapping(id string) (*model.DataMapping, *model.Source, *model.Source, error) {
	data, err := os.ReadFile(r.MappingFile(id))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("mapping %s: %w", id, err)
	}
	m, err := model.UnmarshalMapping(data)
	if err != nil {
		return nil, nil, nil, err
	}
	if m.ID != id {
		return nil, nil, nil, fmt.Errorf("mapping file map-%s.xml declares id %q", id, m.ID)
	}
	sources, err := r.LoadSources()
	if err != nil {
		return nil, nil, nil, err
	}
	scm := findSource(sources, model.KindSCM, m.SCMID)
	if scm == nil {
		return nil, nil, nil, fmt.Errorf("mapping %s: SCM source %q not found", id, m.SCMID)
	}
	dts := findSource(sources, model.KindDTS, m.DTSID)
	if dts == nil {
		return nil, nil, nil, fmt.Errorf("mapping %s: DTS source %q not found", id, m.DTSID)
	}
	scm.RefCnt++
	dts.RefCnt++
	if m.SCMFilter != "" {
		if f := scm.Filter(m.SCMFilter); f != nil {
			f.RefCnt++
		}
	}
	if m.DTSFilter != "" {
		if f := dts.Filter(m.DTSFilter); f != nil {
			f.RefCnt++
		}
	}
	return m, scm, dts, nil
}

// LoadSettings reads the watermark record for a mapping. A missing file
// yields fresh settings with the mapping id and Force set, so a first
// run replicates from StartingDate.
func (r *Root) LoadSettings(id string) (*model.Settings, error) {
	data, err := os.ReadFile(r.SettingsFile(id))
	if err != nil {
		if os.IsNotExist(err) {
			return &model.Settings{ID: id, Force: true}, nil
		}
		return nil, fmt.Errorf("settings %s: %w", id, err)
	}
	s, err := model.UnmarshalSettings(data)
	if err != nil {
		return nil, err
	}
	if s.ID == "" {
		s.ID = id
	}
	return s, nil
}

// SaveSource writes a source file backup-first.
func (r *Root) SaveSource(s *model.Source) error {
	data, err := model.MarshalSource(s, time.Now())
	if err != nil {
		return err
	}
	return writeBackupFirst(r.SourceFile(s.Nickname), data)
}

// SaveMapping writes a mapping file backup-first.
func (r *Root) SaveMapping(m *model.DataMapping) error {
	data, err := model.MarshalMapping(m, time.Now())
	if err != nil {
		return err
	}
	return writeBackupFirst(r.MappingFile(m.ID), data)
}

// SaveSettings writes the watermark record under the shared file lock.
// External settings readers take the same lock, so a reader never
// observes a half-written file.
func (r *Root) SaveSettings(s *model.Settings) error {
	data, err := model.MarshalSettings(s, time.Now())
	if err != nil {
		return err
	}
	path := r.SettingsFile(s.ID)
	lock, err := AcquireLock(path)
	if err != nil {
		return err
	}
	defer lock.Release()
	return writeBackupFirst(path, data)
}

// LoadSettingsLocked reads the watermark record under the shared lock,
// for external readers that must not race the engine's save.
func (r *Root) LoadSettingsLocked(id string) (*model.Settings, error) {
	lock, err := AcquireLock(r.SettingsFile(id))
	if err != nil {
		return nil, err
	}
	defer lock.Release()
	return r.LoadSettings(id)
}

// writeBackupFirst implements the single-file write protocol: copy the
// current file to <file>.old, then write the new content. A failure at
// any step leaves the previous file or its backup intact.
func writeBackupFirst(path string, data []byte) error {
	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".old"); err != nil {
			return fmt.Errorf("backup %s: %w", path, err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func findSource(sources []*model.Source, kind model.SourceKind, nickname string) *model.Source {
	for _, s := range sources {
		if s.Kind == kind && s.Nickname == nickname {
			return s
		}
	}
	return nil
}

// MappingIDFromFile extracts the mapping id from a map-*.xml file name,
// or returns the empty string.
func MappingIDFromFile(name string) string {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, "map-") || !strings.HasSuffix(base, ".xml") {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(base, "map-"), ".xml")
}
