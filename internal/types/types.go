// Package types holds the shared vocabulary of the gateway: field
// descriptors as reported by plugin adapters, fix change descriptions,
// and the field names the engine reserves on the SCM side.
package types

import "strings"

// FieldType classifies a remote field as reported by an adapter.
type FieldType string

const (
	FieldWord   FieldType = "WORD"   // single token, no whitespace
	FieldDate   FieldType = "DATE"   // date in the plugin's own format
	FieldLine   FieldType = "LINE"   // single line of text
	FieldText   FieldType = "TEXT"   // free-form text, may span lines
	FieldSelect FieldType = "SELECT" // closed set of values
	FieldFix    FieldType = "FIX"    // SCM fix list (SCM side only)
)

// Access markers for a field, matching the adapter contract.
const (
	AccessReadWrite = 0
	AccessReadOnly  = 1
	AccessModDate   = 2 // read-only, carries the record's modification stamp
	AccessModUser   = 3 // read-only, carries the last modifying user
	AccessDefectID  = 4 // read-only, carries the record's identity
)

// FieldDesc describes one field of a remote project schema.
type FieldDesc struct {
	Name         string
	Type         FieldType
	Access       int
	SelectValues []string // populated when Type == FieldSelect
}

// Writable reports whether the engine may set this field.
func (f *FieldDesc) Writable() bool {
	return f.Access == AccessReadWrite
}

// FixDesc is the metadata of one SCM change (fix) attached to a record.
type FixDesc struct {
	Change string
	User   string
	Stamp  string
	Desc   string
	Files  []string
}

// Field names the engine reserves on the SCM side. An SCM source is not
// usable for replication unless all of them exist with the right types.
const (
	FieldDTIssue = "DTG_DTISSUE" // WORD: id of the paired DTS record
	FieldFixes   = "DTG_FIXES"   // TEXT: whitespace-joined fix ledger
	FieldError   = "DTG_ERROR"   // TEXT: operator-visible failure, quarantines the record
	FieldMapID   = "DTG_MAPID"   // WORD: owning mapping id under segmentation
)

// Pseudo-field prefixes injected by the adapter layer. These appear in
// field listings but are not part of the remote schema; segmentation and
// rule validation must ignore them.
const (
	PseudoConfigPrefix    = "DTGConfig-"
	PseudoAttributePrefix = "DTGAttribute-"
)

// IsPseudoField reports whether name is an adapter-injected pseudo-field.
func IsPseudoField(name string) bool {
	return strings.HasPrefix(name, PseudoConfigPrefix) ||
		strings.HasPrefix(name, PseudoAttributePrefix)
}

// FindField returns the descriptor with the given name, or nil.
// Matching is exact; remote schemas are case-sensitive.
func FindField(fields []FieldDesc, name string) *FieldDesc {
	for i := range fields {
		if fields[i].Name == name {
			return &fields[i]
		}
	}
	return nil
}
