package validate

import (
	"strings"
	"testing"

	"github.com/dtgate/dtgate/internal/model"
	"github.com/dtgate/dtgate/internal/types"
)

func scmFields() []types.FieldDesc {
	return []types.FieldDesc{
		{Name: "Job", Type: types.FieldWord, Access: types.AccessDefectID},
		{Name: "ModDate", Type: types.FieldDate, Access: types.AccessModDate},
		{Name: "ModBy", Type: types.FieldWord, Access: types.AccessModUser},
		{Name: "Status", Type: types.FieldSelect, SelectValues: []string{"open", "closed"}},
		{Name: "Region", Type: types.FieldSelect, SelectValues: []string{"west", "east"}},
		{Name: "Description", Type: types.FieldText},
		{Name: "Owner", Type: types.FieldWord, Access: types.AccessReadOnly},
		{Name: types.FieldDTIssue, Type: types.FieldWord},
		{Name: types.FieldFixes, Type: types.FieldText},
		{Name: types.FieldError, Type: types.FieldText},
		{Name: types.FieldMapID, Type: types.FieldWord},
	}
}

func dtsFields() []types.FieldDesc {
	return []types.FieldDesc{
		{Name: "Issue", Type: types.FieldWord, Access: types.AccessDefectID},
		{Name: "Updated", Type: types.FieldDate, Access: types.AccessModDate},
		{Name: "UpdatedBy", Type: types.FieldWord, Access: types.AccessModUser},
		{Name: "State", Type: types.FieldSelect, SelectValues: []string{"Open", "Closed"}},
		{Name: "Summary", Type: types.FieldText},
		{Name: "FixDetails", Type: types.FieldText},
		{Name: "Reporter", Type: types.FieldWord, Access: types.AccessReadOnly},
	}
}

func baseInput() Input {
	return Input{
		Mapping: &model.DataMapping{
			ID: "m1", SCMID: "scm", DTSID: "dts",
			Policy: model.MirrorDTS,
			Mirror: []model.CopyRule{
				{SCMField: "Description", DTSField: "Summary", Type: model.CopyText},
			},
		},
		SCM: &model.Source{
			Kind: model.KindSCM, Nickname: "scm",
			ModDateField: "ModDate", ModUserField: "ModBy",
			Filters: []model.FilterSet{
				{Name: "west", Rules: []model.FilterRule{{Field: "Region", Pattern: "west"}}},
				{Name: "empty"},
				{Name: "bytext", Rules: []model.FilterRule{{Field: "Description", Pattern: "x"}}},
			},
		},
		DTS: &model.Source{
			Kind: model.KindDTS, Nickname: "dts",
			ModDateField: "Updated", ModUserField: "UpdatedBy",
		},
		SCMFields: scmFields(),
		DTSFields: dtsFields(),
		SCMUTF8:   1,
		DTSUTF8:   1,
	}
}

func TestCheckValidMapping(t *testing.T) {
	res, err := Check(baseInput())
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", res.Warnings)
	}
	if res.Override() {
		t.Error("clean mapping should not be an override")
	}
}

func TestCheckMissingReservedField(t *testing.T) {
	in := baseInput()
	var kept []types.FieldDesc
	for _, f := range in.SCMFields {
		if f.Name != types.FieldDTIssue {
			kept = append(kept, f)
		}
	}
	in.SCMFields = kept
	if _, err := Check(in); err == nil {
		t.Error("missing DTG_DTISSUE should fail validation")
	}
}

func TestCheckRejectsUnmapRule(t *testing.T) {
	in := baseInput()
	in.Mapping.Mirror = append(in.Mapping.Mirror, model.CopyRule{
		SCMField: "Status", DTSField: "State", Type: model.CopyUnmap,
	})
	_, err := Check(in)
	if err == nil || !strings.Contains(err.Error(), "UNMAP") {
		t.Errorf("UNMAP rule error = %v", err)
	}
}

func TestCheckRejectsUnknownField(t *testing.T) {
	in := baseInput()
	in.Mapping.SCMToDTS = []model.CopyRule{
		{SCMField: "Ghost", DTSField: "Summary", Type: model.CopyText},
	}
	if _, err := Check(in); err == nil {
		t.Error("rule on a missing field should fail")
	}
}

func TestCheckReadOnlyTargets(t *testing.T) {
	// A mirror rule into a read-only SCM field fails without the
	// override attribute.
	in := baseInput()
	in.Mapping.Mirror = []model.CopyRule{
		{SCMField: "Owner", DTSField: "Summary", Type: model.CopyText},
	}
	if _, err := Check(in); err == nil {
		t.Fatal("read-only SCM mirror target should fail")
	}

	// With the override it validates with a warning.
	in.Mapping.Attrs = map[string]string{model.AttrWriteToReadOnly: "1"}
	res, err := Check(in)
	if err != nil {
		t.Fatalf("override Check failed: %v", err)
	}
	if !res.Override() {
		t.Error("override validation should carry a warning")
	}

	// The override never applies to the DTS side.
	in = baseInput()
	in.Mapping.Attrs = map[string]string{model.AttrWriteToReadOnly: "1"}
	in.Mapping.Mirror = []model.CopyRule{
		{SCMField: "Description", DTSField: "Reporter", Type: model.CopyText},
	}
	if _, err := Check(in); err == nil {
		t.Error("read-only DTS mirror target should fail even with override")
	}
}

func TestCheckSegmentedMappingNeedsMapID(t *testing.T) {
	in := baseInput()
	in.Mapping.SCMFilter = "west"
	var kept []types.FieldDesc
	for _, f := range in.SCMFields {
		if f.Name != types.FieldMapID {
			kept = append(kept, f)
		}
	}
	in.SCMFields = kept
	if _, err := Check(in); err == nil {
		t.Error("segmented mapping without DTG_MAPID should fail")
	}
}

func TestCheckMaterializesSegment(t *testing.T) {
	in := baseInput()
	in.Mapping.SCMFilter = "west"
	res, err := Check(in)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if res.SCMSegment == nil || res.SCMSegment.Name != "Region" {
		t.Fatalf("segment = %+v", res.SCMSegment)
	}
	if len(res.SCMSegment.SelectValues) != 1 || res.SCMSegment.SelectValues[0] != "west" {
		t.Errorf("segment values = %v", res.SCMSegment.SelectValues)
	}
}

func TestCheckFilterRejections(t *testing.T) {
	// Empty filter set.
	in := baseInput()
	in.Mapping.SCMFilter = "empty"
	if _, err := Check(in); err == nil {
		t.Error("empty filter set should fail")
	}
	// Filter on a non-SELECT field.
	in = baseInput()
	in.Mapping.SCMFilter = "bytext"
	if _, err := Check(in); err == nil {
		t.Error("filter on a TEXT field should fail")
	}
	// Undefined set.
	in = baseInput()
	in.Mapping.SCMFilter = "ghost"
	if _, err := Check(in); err == nil {
		t.Error("undefined filter set should fail")
	}
}

func TestCheckSetsRecheckFlags(t *testing.T) {
	in := baseInput()
	in.Mapping.SCMToDTS = []model.CopyRule{
		{SCMField: "Job", DTSField: "Summary", Type: model.CopyWord},
	}
	in.Mapping.DTSToSCM = []model.CopyRule{
		{SCMField: "Description", DTSField: "Issue", Type: model.CopyWord},
	}
	if _, err := Check(in); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !in.Mapping.RecheckOnNewSCM {
		t.Error("rule sourcing the SCM identity should set RecheckOnNewSCM")
	}
	if !in.Mapping.RecheckOnNewDTS {
		t.Error("rule sourcing the DTS identity should set RecheckOnNewDTS")
	}

	// Flags reset when the rules do not source identities.
	in2 := baseInput()
	in2.Mapping.RecheckOnNewSCM = true
	if _, err := Check(in2); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if in2.Mapping.RecheckOnNewSCM {
		t.Error("stale recheck flag should clear")
	}
}

func TestCheckUTF8Matrix(t *testing.T) {
	// SCM adapter predating UTF-8 awareness is fatal.
	if _, err := CheckUTF8(-1, 1); err == nil {
		t.Error("scm=-1 should be fatal")
	}
	// DTS -1 is a warning only.
	warn, err := CheckUTF8(1, -1)
	if err != nil || warn == "" {
		t.Errorf("dts=-1 = (%q, %v), want warning", warn, err)
	}
	// Strict mismatch is fatal.
	if _, err := CheckUTF8(1, 0); err == nil {
		t.Error("mismatch should be fatal")
	}
	// Agreement is clean.
	if warn, err := CheckUTF8(0, 0); err != nil || warn != "" {
		t.Errorf("matching sides = (%q, %v)", warn, err)
	}
}
