// Package model defines the configuration entities of the gateway:
// sources, segment filters, data mappings with their copy/fix rules, and
// the per-mapping watermark settings, together with their XML forms.
package model

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dtgate/dtgate/internal/types"
)

// SourceKind distinguishes the two endpoint roles.
type SourceKind string

const (
	KindSCM SourceKind = "SCM"
	KindDTS SourceKind = "DTS"
)

// ConnStatus is the cached connection-check outcome for a source.
type ConnStatus string

const (
	StatusUnknown ConnStatus = "UNKNOWN"
	StatusFail    ConnStatus = "FAIL"
	StatusPass    ConnStatus = "PASS"
	// StatusReady means the source passed and, for SCM sources, carries
	// the reserved DTG_* fields with the right types.
	StatusReady ConnStatus = "READY"
)

// Source is one remote endpoint definition.
type Source struct {
	Kind     SourceKind
	Nickname string // unique within its kind
	Plugin   string // adapter registry name
	Server   string
	User     string
	Password string // clear text in memory, obfuscated at rest
	Module   string // project/container name on the server

	ModDateField string
	ModUserField string

	Filters []FilterSet
	Attrs   map[string]string // adapter-specific attributes

	// Cached from the last connection check.
	Fields     []types.FieldDesc
	Modules    []string
	Status     ConnStatus
	AcceptUTF8 int  // -1 unknown / plugin too old
	SegOK      bool // segmentation field present (SCM only)

	// RefCnt counts mappings referring to this source; a referenced
	// source cannot be deleted.
	RefCnt int
}

// Filter returns the named filter set, or nil.
func (s *Source) Filter(name string) *FilterSet {
	for i := range s.Filters {
		if s.Filters[i].Name == name {
			return &s.Filters[i]
		}
	}
	return nil
}

// FilterRule is one (field, pattern) entry of a FilterSet. All rules of
// a set share the same field.
type FilterRule struct {
	Field   string
	Pattern string
}

// FilterSet names a segment of a source: a record belongs to the
// segment iff its field value matches one of the patterns.
type FilterSet struct {
	Name   string
	Rules  []FilterRule
	RefCnt int
}

// Field returns the SELECT field the set filters on, empty for an empty set.
func (f *FilterSet) Field() string {
	if len(f.Rules) == 0 {
		return ""
	}
	return f.Rules[0].Field
}

// Patterns returns the accepted values, in rule order.
func (f *FilterSet) Patterns() []string {
	out := make([]string, len(f.Rules))
	for i, r := range f.Rules {
		out[i] = r.Pattern
	}
	return out
}

// Match reports whether a field value lies inside the segment.
func (f *FilterSet) Match(value string) bool {
	for _, r := range f.Rules {
		if r.Pattern == value {
			return true
		}
	}
	return false
}

// MirrorPolicy breaks ties when both sides of a mirror rule changed in
// the same cycle.
type MirrorPolicy string

const (
	MirrorSCM   MirrorPolicy = "SCM"   // SCM side wins
	MirrorDTS   MirrorPolicy = "DTS"   // DTS side wins
	MirrorNewer MirrorPolicy = "NEWER" // later modification stamp wins
	MirrorError MirrorPolicy = "ERROR" // conflict is a per-record failure
)

// CopyType selects the conversion a CopyRule applies.
type CopyType string

const (
	CopyText CopyType = "TEXT"
	CopyWord CopyType = "WORD"
	CopyLine CopyType = "LINE"
	CopyDate CopyType = "DATE"
	CopyMAP  CopyType = "MAP"
	// CopyUnmap marks a select-field pairing whose value table is
	// incomplete. The engine refuses to start while any rule is UNMAP.
	CopyUnmap CopyType = "UNMAP"
)

// MapPair is one (value1, value2) entry of a select-value table.
// In SCM→DTS and mirror direction value1 is the DTS-side value; the
// reverse direction looks up by value2.
type MapPair struct {
	Value1 string
	Value2 string
}

// CopyRule couples one SCM field with one DTS field.
type CopyRule struct {
	SCMField string
	DTSField string
	Type     CopyType
	Truncate bool
	// MirrorConflict overrides the mapping policy for this rule; only
	// SCM and DTS are meaningful per-rule. Empty means inherit.
	MirrorConflict MirrorPolicy
	Map            []MapPair
}

// FixAction controls whether rendered fix details replace or extend the
// target field.
type FixAction string

const (
	FixAppend  FixAction = "APPEND"
	FixReplace FixAction = "REPLACE"
)

// FixRule projects SCM change metadata into one DTS text field.
type FixRule struct {
	DTSField           string
	Action             FixAction
	IncludeFiles       bool
	IncludeChange      bool
	IncludeDescription bool
	IncludeFixedBy     bool
	IncludeFixedDate   bool
}

// DataMapping couples one SCM source with one DTS source.
type DataMapping struct {
	ID        string
	SCMID     string // source nickname
	DTSID     string
	SCMFilter string // filter set name, empty = whole source
	DTSFilter string

	Policy MirrorPolicy

	Mirror   []CopyRule
	SCMToDTS []CopyRule
	DTSToSCM []CopyRule
	FixRules []FixRule

	Attrs map[string]string

	// Derived at validation: set when a copy rule from that side sources
	// the record's identity field, so a newly created record needs a
	// second pass once its id is known.
	RecheckOnNewSCM bool
	RecheckOnNewDTS bool
}

// Attr returns a mapping attribute value, or the empty string.
func (m *DataMapping) Attr(key string) string {
	if m.Attrs == nil {
		return ""
	}
	return m.Attrs[key]
}

// Settings is the per-mapping watermark record owned by the engine.
type Settings struct {
	ID            string
	StartingDate  time.Time
	LastUpdateSCM time.Time
	LastUpdateDTS time.Time
	// Force makes the next cycle ignore both watermarks and the DTS
	// modifying-user exclusion; it clears once that cycle succeeds.
	Force bool
}

// Options are the per-mapping engine attributes of the replication loop,
// parsed from the mapping's attribute table with defaults and range
// clamping.
type Options struct {
	LogLevel        int // 0=err .. 3=debug
	PollingPeriod   int // seconds between cycles
	ConnectionReset int // cycles between forced reconnects
	WaitDuration    int // offline backoff seconds; -1 = exit instead
	CycleThreshold  int // extra logging when a cycle processes >= N records
	UpdatePeriod    int // progress log every K records
	WriteToReadOnly bool
	LogMaxMB        int // >0 switches the log to size-capped rotation
}

// Attribute keys of the replication loop.
const (
	AttrLogLevel        = "log_level"
	AttrPollingPeriod   = "polling_period"
	AttrConnectionReset = "connection_reset"
	AttrWaitDuration    = "wait_duration"
	AttrCycleThreshold  = "cycle_threshold"
	AttrUpdatePeriod    = "update_period"
	AttrWriteToReadOnly = "enable_write_to_readonly"
	AttrLogMaxMB        = "log_max_mb"
)

// ParseOptions reads the engine attributes off a mapping. Unset or
// malformed values take the default; out-of-range values clamp to the
// nearer bound.
func (m *DataMapping) ParseOptions() Options {
	o := Options{
		LogLevel:        intAttr(m, AttrLogLevel, 2, 0, 3),
		PollingPeriod:   intAttr(m, AttrPollingPeriod, 5, 1, 100),
		ConnectionReset: intAttr(m, AttrConnectionReset, 1000, 1, 1000000),
		CycleThreshold:  intAttr(m, AttrCycleThreshold, 0, 0, 1<<30),
		UpdatePeriod:    intAttr(m, AttrUpdatePeriod, 0, 0, 1<<30),
		LogMaxMB:        intAttr(m, AttrLogMaxMB, 0, 0, 1<<20),
	}
	o.WriteToReadOnly = m.Attr(AttrWriteToReadOnly) == "1"
	// wait_duration admits -1 (exit when offline) or >= 1.
	o.WaitDuration = 150
	if raw := m.Attr(AttrWaitDuration); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			if v == -1 || v >= 1 {
				o.WaitDuration = v
			}
		}
	}
	return o
}

func intAttr(m *DataMapping, key string, def, min, max int) int {
	raw := m.Attr(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// StampFormat is the wire form of watermarks and log timestamps,
// always UTC.
const StampFormat = "2006/01/02 15:04:05"

// FormatStamp renders a time as a settings/log stamp. The zero time
// renders as the empty string.
func FormatStamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(StampFormat)
}

// ParseStamp parses a settings stamp. Empty input yields the zero time.
func ParseStamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(StampFormat, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad stamp %q: %w", s, err)
	}
	return t, nil
}
