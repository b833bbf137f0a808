// Package plugin defines the adapter contract between the replication
// engine and an SCM or DTS backend, along with the registry and loader
// that make adapters available to the engine.
//
// An adapter is split into a required operation set (the Adapter, Conn,
// Project and Record interfaces) and optional capabilities. Optional
// operations are probed once per connection by type assertion and cached
// in a Caps value; every call site tolerates absence with a documented
// fallback.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dtgate/dtgate/internal/types"
)

// Error is the failure report populated by adapter operations.
// CanContinue=false means the connection is unusable and the engine must
// reconnect before issuing further calls on it.
type Error struct {
	Message     string
	CanContinue bool
}

func (e *Error) Error() string { return e.Message }

// Errorf builds a continuable adapter error.
func Errorf(format string, args ...interface{}) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), CanContinue: true}
}

// Fatalf builds an adapter error that requires a reconnect.
func Fatalf(format string, args ...interface{}) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// CanContinue reports whether err permits further calls on the same
// connection. Errors that are not adapter Errors are treated as
// continuable; only an explicit CanContinue=false forces a reconnect.
func CanContinue(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.CanContinue
	}
	return true
}

// Adapter is the required, connectionless operation set of a plugin.
// Name, ModuleVersion, ExtractDate and FormatDate must work without a
// server connection.
type Adapter interface {
	// Name returns the adapter's registry name, unique per process.
	Name() string
	// ModuleVersion identifies the adapter build for logging.
	ModuleVersion() string
	// ExtractDate parses a date string in the adapter's wire format.
	ExtractDate(s string) (time.Time, error)
	// FormatDate renders a time in the adapter's wire format.
	FormatDate(t time.Time) string
	// Connect opens a connection. Implementations may connect lazily;
	// the first server operation then surfaces any failure.
	Connect(ctx context.Context, server, user, password string, attrs map[string]string) (Conn, error)
}

// Conn is one established (possibly lazy) connection to a server.
type Conn interface {
	ServerVersion(ctx context.Context) (string, error)
	ServerWarnings(ctx context.Context) ([]string, error)
	// ServerDate returns the server's current clock. The engine captures
	// it at cycle start and uses it as the next watermark.
	ServerDate(ctx context.Context) (time.Time, error)
	ListProjects(ctx context.Context) ([]string, error)
	Project(ctx context.Context, name string) (Project, error)
	Close() error
}

// Project is one opened project/module within a connection.
type Project interface {
	// Fields returns the project schema. Adapter-injected pseudo-fields
	// (DTGConfig-*, DTGAttribute-*) may be included.
	Fields(ctx context.Context) ([]types.FieldDesc, error)
	// ListChangedDefects returns ids of records modified since the given
	// stamp. Adapters that cannot filter server-side may return a
	// superset; the engine re-filters by the record's own stamp.
	// maxRows < 1 means unlimited. excludeUser, when non-empty, asks the
	// server to drop records last modified by that user; adapters that
	// cannot honor it return the superset and the engine filters.
	ListChangedDefects(ctx context.Context, maxRows int, since time.Time, modDateField, modByField, excludeUser string) ([]string, error)
	// Defect loads an existing record by id.
	Defect(ctx context.Context, id string) (Record, error)
	// NewDefect creates a fresh unsaved record.
	NewDefect(ctx context.Context) (Record, error)
}

// Record is one mutable record handle. Values cross the boundary as
// strings tagged by the project's FieldDesc; the engine copies anything
// it retains, and Close releases adapter-held resources on every path.
type Record interface {
	Field(name string) (string, error)
	SetField(name, value string) error
	// Save persists the record and returns its id (assigned on first
	// save of a new record). Saving a record with no staged changes is
	// a no-op and must not advance its modification stamp; the engine
	// relies on this for idempotent cycles.
	Save(ctx context.Context) (string, error)
	Close() error
}

// Optional capabilities. Each is probed by type assertion, once, at
// connect time (see Probe).

// UTF8Capable reports whether the server round-trips UTF-8 text.
// -1 means the adapter predates UTF-8 awareness.
type UTF8Capable interface {
	AcceptUTF8() int
}

// OfflineAdvisor is consulted when a server operation fails: a positive
// return is a sleep hint in seconds before retrying, 0 means the server
// is reachable, and -1 defers to the mapping's wait duration.
type OfflineAdvisor interface {
	ServerOffline() int
}

// Messenger lets the adapter inject a log message after an operation.
// Level is 0=error 1=warn 2=info 3=debug; level >= 4 means no message.
type Messenger interface {
	Message() (text string, level int)
}

// AttrDesc declares one adapter-specific configuration attribute.
type AttrDesc struct {
	Name     string
	Label    string
	Desc     string
	Default  string
	Required bool
}

// AttrDeclarer exposes adapter-specific configuration attributes and
// their validation. Both operations ship together; an adapter offering
// only one of them is rejected at load time.
type AttrDeclarer interface {
	Attrs() []AttrDesc
	ValidateAttr(a AttrDesc, value string) error
}

// FieldHinter is a performance hint naming every field the engine will
// read or write, so the adapter can restrict its server queries.
type FieldHinter interface {
	ReferenceFields(ctx context.Context, names []string) error
}

// SegmentFilterer installs the mapping's segment predicate so the
// adapter can restrict ListChangedDefects server-side. The descriptor's
// SelectValues carry the union of accepted values.
type SegmentFilterer interface {
	SetSegmentFilter(ctx context.Context, field types.FieldDesc) error
}

// FixLister is the SCM-side fix operation set. Simultaneous presence of
// all three operations is what identifies the Perforce-class SCM
// adapter; the loader moves such an adapter to the head of the list.
type FixLister interface {
	// FindDefects runs an adapter-specific field query, e.g.
	// "DTG_DTISSUE=1042 DTG_MAPID=jobs". maxRows < 1 means unlimited.
	FindDefects(ctx context.Context, maxRows int, query string) ([]string, error)
	// ListFixes returns the fix ids attached to a record.
	ListFixes(ctx context.Context, id string) ([]string, error)
	// DescribeFix expands one fix id into its change metadata.
	DescribeFix(ctx context.Context, fix string) (types.FixDesc, error)
}

// FixSupporter marks an adapter whose connections implement FixLister.
// The loader uses it for ordering without opening a connection.
type FixSupporter interface {
	SupportsFixes() bool
}

// Caps is the cached result of probing one connection's optional
// capabilities. A nil interface field means the capability is absent and
// the documented fallback applies.
type Caps struct {
	UTF8    int // -1 when the adapter does not implement UTF8Capable
	Offline OfflineAdvisor
	Msg     Messenger
}

// Probe inspects a connection once and caches its optional capabilities.
func Probe(c Conn) Caps {
	caps := Caps{UTF8: -1}
	if u, ok := c.(UTF8Capable); ok {
		caps.UTF8 = u.AcceptUTF8()
	}
	if o, ok := c.(OfflineAdvisor); ok {
		caps.Offline = o
	}
	if m, ok := c.(Messenger); ok {
		caps.Msg = m
	}
	return caps
}

// OfflineAdvice consults the connection's offline advisor.
// Returns -1 (use the mapping's wait duration) when the capability is
// absent or the connection is nil.
func (c Caps) OfflineAdvice() int {
	if c.Offline == nil {
		return -1
	}
	return c.Offline.ServerOffline()
}

// ProjectFixes returns the project's fix operations, or nil when the
// adapter is not Perforce-class.
func ProjectFixes(p Project) FixLister {
	if f, ok := p.(FixLister); ok {
		return f
	}
	return nil
}

// ProjectHinter returns the project's field hint capability, or nil.
func ProjectHinter(p Project) FieldHinter {
	if h, ok := p.(FieldHinter); ok {
		return h
	}
	return nil
}

// ProjectSegmenter returns the project's segment filter capability, or nil.
func ProjectSegmenter(p Project) SegmentFilterer {
	if s, ok := p.(SegmentFilterer); ok {
		return s
	}
	return nil
}
