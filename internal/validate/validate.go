// Package validate cross-checks a mapping against the live field
// schemas of its two sources before the engine starts. Outcomes are
// valid, valid with override (warnings), or invalid (error).
package validate

import (
	"errors"
	"fmt"

	"github.com/dtgate/dtgate/internal/model"
	"github.com/dtgate/dtgate/internal/types"
)

// Input is everything validation needs: the mapping, its two sources,
// and the field schemas read from the opened projects.
type Input struct {
	Mapping   *model.DataMapping
	SCM       *model.Source
	DTS       *model.Source
	SCMFields []types.FieldDesc
	DTSFields []types.FieldDesc
	// UTF-8 capability of each connection: -1 unknown, 0 no, 1 yes.
	SCMUTF8 int
	DTSUTF8 int
}

// Result is a successful validation: possibly-empty warnings plus the
// materialized segment descriptors to install via the adapters'
// segment-filter capability.
type Result struct {
	Warnings   []string
	SCMSegment *types.FieldDesc
	DTSSegment *types.FieldDesc
}

// Override reports whether the mapping only validated because of an
// explicit override attribute.
func (r *Result) Override() bool { return len(r.Warnings) > 0 }

// Check validates the mapping. On success the mapping's recheck flags
// are set as a side effect.
func Check(in Input) (*Result, error) {
	m := in.Mapping
	res := &Result{}

	// The SCM side must carry the reserved fields; without them the
	// source never rose past PASS and cannot replicate.
	if err := checkReservedFields(in.SCMFields); err != nil {
		return nil, err
	}
	if len(in.DTSFields) == 0 {
		return nil, fmt.Errorf("DTS source %s reports no fields", in.DTS.Nickname)
	}
	if m.SCMFilter != "" {
		if err := requireField(in.SCMFields, types.FieldMapID, types.FieldWord, true); err != nil {
			return nil, fmt.Errorf("segmented mapping needs %s: %w", types.FieldMapID, err)
		}
	}

	if err := checkStampFields(in.SCM, in.SCMFields); err != nil {
		return nil, fmt.Errorf("SCM source %s: %w", in.SCM.Nickname, err)
	}
	if err := checkStampFields(in.DTS, in.DTSFields); err != nil {
		return nil, fmt.Errorf("DTS source %s: %w", in.DTS.Nickname, err)
	}

	writeRO := m.Attr(model.AttrWriteToReadOnly) == "1"
	for i := range m.Mirror {
		r := &m.Mirror[i]
		if err := checkRule(r, in.SCMFields, in.DTSFields); err != nil {
			return nil, err
		}
		// Mirror targets must be writable on both sides; the override
		// attribute bypasses the SCM-side check only.
		if f := types.FindField(in.SCMFields, r.SCMField); !f.Writable() {
			if !writeRO {
				return nil, fmt.Errorf("mirror rule %s/%s: SCM field %s is read-only", r.SCMField, r.DTSField, r.SCMField)
			}
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("mirror rule %s/%s writes read-only SCM field %s (override enabled)", r.SCMField, r.DTSField, r.SCMField))
		}
		if f := types.FindField(in.DTSFields, r.DTSField); !f.Writable() {
			return nil, fmt.Errorf("mirror rule %s/%s: DTS field %s is read-only", r.SCMField, r.DTSField, r.DTSField)
		}
	}
	for i := range m.SCMToDTS {
		r := &m.SCMToDTS[i]
		if err := checkRule(r, in.SCMFields, in.DTSFields); err != nil {
			return nil, err
		}
		if f := types.FindField(in.DTSFields, r.DTSField); !f.Writable() {
			return nil, fmt.Errorf("scm_to_dts rule %s/%s: DTS field %s is read-only", r.SCMField, r.DTSField, r.DTSField)
		}
	}
	for i := range m.DTSToSCM {
		r := &m.DTSToSCM[i]
		if err := checkRule(r, in.SCMFields, in.DTSFields); err != nil {
			return nil, err
		}
		if f := types.FindField(in.SCMFields, r.SCMField); !f.Writable() && !writeRO {
			return nil, fmt.Errorf("dts_to_scm rule %s/%s: SCM field %s is read-only", r.SCMField, r.DTSField, r.SCMField)
		}
	}

	for _, fr := range m.FixRules {
		if err := requireWritableText(in.DTSFields, fr.DTSField); err != nil {
			return nil, fmt.Errorf("fix rule: %w", err)
		}
	}

	setRecheckFlags(m, in.SCMFields, in.DTSFields)

	var err error
	if res.SCMSegment, err = materializeFilter(in.SCM, m.SCMFilter, in.SCMFields); err != nil {
		return nil, fmt.Errorf("SCM filter: %w", err)
	}
	if res.DTSSegment, err = materializeFilter(in.DTS, m.DTSFilter, in.DTSFields); err != nil {
		return nil, fmt.Errorf("DTS filter: %w", err)
	}

	warn, err := CheckUTF8(in.SCMUTF8, in.DTSUTF8)
	if err != nil {
		return nil, err
	}
	if warn != "" {
		res.Warnings = append(res.Warnings, warn)
	}
	return res, nil
}

// CheckUTF8 applies the unicode compatibility matrix. An SCM adapter
// that predates UTF-8 awareness is fatal; a DTS adapter that does is a
// directional warning; a strict yes/no mismatch is fatal.
func CheckUTF8(scm, dts int) (warning string, err error) {
	if scm == -1 {
		return "", errors.New("SCM plugin predates UTF-8 awareness; upgrade the plugin")
	}
	if dts == -1 {
		return fmt.Sprintf("DTS plugin does not report UTF-8 support; SCM side reports %d", scm), nil
	}
	if scm != dts {
		return "", fmt.Errorf("UTF-8 mismatch: SCM reports %d, DTS reports %d", scm, dts)
	}
	return "", nil
}

// checkReservedFields verifies the engine-reserved SCM fields.
func checkReservedFields(fields []types.FieldDesc) error {
	if err := requireField(fields, types.FieldDTIssue, types.FieldWord, true); err != nil {
		return err
	}
	if err := requireField(fields, types.FieldFixes, types.FieldText, true); err != nil {
		return err
	}
	return requireField(fields, types.FieldError, types.FieldText, true)
}

func requireField(fields []types.FieldDesc, name string, typ types.FieldType, writable bool) error {
	f := types.FindField(fields, name)
	if f == nil {
		return fmt.Errorf("field %s missing", name)
	}
	if f.Type != typ {
		return fmt.Errorf("field %s has type %s, want %s", name, f.Type, typ)
	}
	if writable && !f.Writable() {
		return fmt.Errorf("field %s is not writable", name)
	}
	return nil
}

func requireWritableText(fields []types.FieldDesc, name string) error {
	f := types.FindField(fields, name)
	if f == nil {
		return fmt.Errorf("DTS field %s missing", name)
	}
	if !f.Writable() {
		return fmt.Errorf("DTS field %s is not writable", name)
	}
	return nil
}

// checkStampFields verifies the configured modification stamp fields
// carry the matching access markers.
func checkStampFields(src *model.Source, fields []types.FieldDesc) error {
	if src.ModDateField == "" || src.ModUserField == "" {
		return errors.New("moddate/moduser fields not configured")
	}
	f := types.FindField(fields, src.ModDateField)
	if f == nil || f.Access != types.AccessModDate {
		return fmt.Errorf("field %s is not the modification date field", src.ModDateField)
	}
	f = types.FindField(fields, src.ModUserField)
	if f == nil || f.Access != types.AccessModUser {
		return fmt.Errorf("field %s is not the modification user field", src.ModUserField)
	}
	return nil
}

// checkRule verifies a copy rule's fields exist on the correct sides
// and that no rule remains UNMAP.
func checkRule(r *model.CopyRule, scmFields, dtsFields []types.FieldDesc) error {
	if r.Type == model.CopyUnmap {
		return fmt.Errorf("rule %s/%s has an incomplete select-value table (UNMAP)", r.SCMField, r.DTSField)
	}
	if types.FindField(scmFields, r.SCMField) == nil {
		return fmt.Errorf("rule %s/%s: no SCM field %s", r.SCMField, r.DTSField, r.SCMField)
	}
	if types.FindField(dtsFields, r.DTSField) == nil {
		return fmt.Errorf("rule %s/%s: no DTS field %s", r.SCMField, r.DTSField, r.DTSField)
	}
	return nil
}

// setRecheckFlags derives the second-pass flags: a rule that sources a
// side's identity field cannot produce a final value until a freshly
// created record on that side has been saved and assigned its id.
func setRecheckFlags(m *model.DataMapping, scmFields, dtsFields []types.FieldDesc) {
	sourcesSCMID := func(r *model.CopyRule) bool {
		f := types.FindField(scmFields, r.SCMField)
		return f != nil && f.Access == types.AccessDefectID
	}
	sourcesDTSID := func(r *model.CopyRule) bool {
		f := types.FindField(dtsFields, r.DTSField)
		return f != nil && f.Access == types.AccessDefectID
	}
	m.RecheckOnNewSCM = false
	m.RecheckOnNewDTS = false
	for i := range m.SCMToDTS {
		if sourcesSCMID(&m.SCMToDTS[i]) {
			m.RecheckOnNewSCM = true
		}
	}
	for i := range m.DTSToSCM {
		if sourcesDTSID(&m.DTSToSCM[i]) {
			m.RecheckOnNewDTS = true
		}
	}
	for i := range m.Mirror {
		if sourcesSCMID(&m.Mirror[i]) {
			m.RecheckOnNewSCM = true
		}
		if sourcesDTSID(&m.Mirror[i]) {
			m.RecheckOnNewDTS = true
		}
	}
}

// materializeFilter resolves a filter set name into a synthetic SELECT
// descriptor whose values are the union of the set's patterns, suitable
// for the adapter's segment-filter capability. The referenced set must
// exist, be non-empty, and name a SELECT field of the source.
func materializeFilter(src *model.Source, name string, fields []types.FieldDesc) (*types.FieldDesc, error) {
	if name == "" {
		return nil, nil
	}
	fs := src.Filter(name)
	if fs == nil {
		return nil, fmt.Errorf("filter set %q not defined on source %s", name, src.Nickname)
	}
	if len(fs.Rules) == 0 {
		return nil, fmt.Errorf("filter set %q is empty", name)
	}
	fieldName := fs.Field()
	if types.IsPseudoField(fieldName) {
		return nil, fmt.Errorf("filter set %q uses pseudo-field %s", name, fieldName)
	}
	f := types.FindField(fields, fieldName)
	if f == nil {
		return nil, fmt.Errorf("filter set %q: no field %s on source %s", name, fieldName, src.Nickname)
	}
	if f.Type != types.FieldSelect {
		return nil, fmt.Errorf("filter set %q: field %s is %s, want SELECT", name, fieldName, f.Type)
	}
	seen := make(map[string]bool)
	desc := &types.FieldDesc{Name: fieldName, Type: types.FieldSelect}
	for _, p := range fs.Patterns() {
		if !seen[p] {
			seen[p] = true
			desc.SelectValues = append(desc.SelectValues, p)
		}
	}
	return desc, nil
}
