package model

import (
	"strings"
	"testing"
	"time"
)

var testNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func TestSourceRoundTrip(t *testing.T) {
	src := &Source{
		Kind:         KindSCM,
		Nickname:     "perforce-main",
		Plugin:       "p4",
		Server:       "ssl:p4.example.com:1666",
		User:         "dtgate",
		Password:     "s3cret",
		Module:       "jobs",
		ModDateField: "ModifiedDate",
		ModUserField: "ModifiedBy",
		Filters: []FilterSet{
			{Name: "west", Rules: []FilterRule{
				{Field: "Region", Pattern: "west"},
				{Field: "Region", Pattern: "pacific"},
			}},
		},
		Attrs: map[string]string{"charset": "utf8"},
	}

	data, err := MarshalSource(src, testNow)
	if err != nil {
		t.Fatalf("MarshalSource failed: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, `version="1"`) {
		t.Error("missing schema version attribute")
	}
	if !strings.Contains(text, `updated="2026/08/24 12:00:00"`) {
		t.Errorf("missing updated attribute in %s", text)
	}
	// The clear password never hits disk when obfuscation applies.
	if strings.Contains(text, "s3cret") {
		t.Error("clear password written to file")
	}
	if !strings.Contains(text, "<EPassword>") {
		t.Error("missing EPassword element")
	}

	got, err := UnmarshalSource(data)
	if err != nil {
		t.Fatalf("UnmarshalSource failed: %v", err)
	}
	if got.Nickname != src.Nickname || got.Kind != src.Kind || got.Plugin != src.Plugin {
		t.Errorf("identity fields lost: %+v", got)
	}
	if got.Password != "s3cret" {
		t.Errorf("password = %q after round trip", got.Password)
	}
	if len(got.Filters) != 1 || len(got.Filters[0].Rules) != 2 {
		t.Errorf("filters lost: %+v", got.Filters)
	}
	if got.Attrs["charset"] != "utf8" {
		t.Errorf("attrs lost: %+v", got.Attrs)
	}
	if got.AcceptUTF8 != -1 || got.Status != StatusUnknown {
		t.Errorf("cached state should reset on load: utf8=%d status=%s", got.AcceptUTF8, got.Status)
	}
}

func TestEPasswordSupersedesClear(t *testing.T) {
	ob, ok := ObfuscatePassword("nick", "srv", "real")
	if !ok {
		t.Fatal("obfuscation refused a short password")
	}
	doc := `<?xml version="1.0"?>
<Source version="1" updated="2026/08/24 12:00:00">
  <Kind>DTS</Kind>
  <Nickname>nick</Nickname>
  <Plugin>mem</Plugin>
  <Server>srv</Server>
  <User>u</User>
  <Password>stale</Password>
  <EPassword>` + ob + `</EPassword>
  <Module>bugs</Module>
  <ModDateField>Updated</ModDateField>
  <ModUserField>UpdatedBy</ModUserField>
</Source>`
	got, err := UnmarshalSource([]byte(doc))
	if err != nil {
		t.Fatalf("UnmarshalSource failed: %v", err)
	}
	if got.Password != "real" {
		t.Errorf("password = %q, want the deobfuscated value", got.Password)
	}
}

func TestObfuscationEdgeCases(t *testing.T) {
	// Empty passwords store in clear.
	if _, ok := ObfuscatePassword("n", "s", ""); ok {
		t.Error("empty password should not obfuscate")
	}
	// So do passwords over the cap.
	long := strings.Repeat("x", 65)
	if _, ok := ObfuscatePassword("n", "s", long); ok {
		t.Error("over-long password should not obfuscate")
	}
	// At the cap is fine and round-trips.
	edge := strings.Repeat("y", 64)
	ob, ok := ObfuscatePassword("nickname", "server:1666", edge)
	if !ok {
		t.Fatal("64-byte password should obfuscate")
	}
	back, err := DeobfuscatePassword("nickname", "server:1666", ob)
	if err != nil || back != edge {
		t.Errorf("round trip = (%q, %v)", back, err)
	}
}

func TestMappingRoundTrip(t *testing.T) {
	m := &DataMapping{
		ID:        "jobs-to-bugz",
		SCMID:     "perforce-main",
		DTSID:     "bugz",
		SCMFilter: "west",
		Policy:    MirrorNewer,
		Mirror: []CopyRule{
			{SCMField: "Status", DTSField: "State", Type: CopyMAP,
				MirrorConflict: MirrorSCM,
				Map: []MapPair{
					{Value1: "Open", Value2: "open"},
					{Value1: "Resolved", Value2: "closed"},
				}},
		},
		SCMToDTS: []CopyRule{
			{SCMField: "Description", DTSField: "Summary", Type: CopyLine, Truncate: true},
		},
		DTSToSCM: []CopyRule{
			{SCMField: "ReportedDate", DTSField: "Created", Type: CopyDate},
		},
		FixRules: []FixRule{
			{DTSField: "FixDetails", Action: FixAppend, IncludeChange: true, IncludeFiles: true},
		},
		Attrs: map[string]string{AttrPollingPeriod: "10"},
	}

	data, err := MarshalMapping(m, testNow)
	if err != nil {
		t.Fatalf("MarshalMapping failed: %v", err)
	}
	got, err := UnmarshalMapping(data)
	if err != nil {
		t.Fatalf("UnmarshalMapping failed: %v", err)
	}
	if got.ID != m.ID || got.SCMID != m.SCMID || got.DTSID != m.DTSID || got.SCMFilter != "west" {
		t.Errorf("identity fields lost: %+v", got)
	}
	if got.Policy != MirrorNewer {
		t.Errorf("policy = %q", got.Policy)
	}
	if len(got.Mirror) != 1 || got.Mirror[0].MirrorConflict != MirrorSCM || len(got.Mirror[0].Map) != 2 {
		t.Errorf("mirror rules lost: %+v", got.Mirror)
	}
	if len(got.SCMToDTS) != 1 || !got.SCMToDTS[0].Truncate || got.SCMToDTS[0].Type != CopyLine {
		t.Errorf("scm_to_dts rules lost: %+v", got.SCMToDTS)
	}
	if len(got.FixRules) != 1 || got.FixRules[0].Action != FixAppend || !got.FixRules[0].IncludeFiles {
		t.Errorf("fix rules lost: %+v", got.FixRules)
	}
	if got.Attr(AttrPollingPeriod) != "10" {
		t.Errorf("attrs lost: %+v", got.Attrs)
	}
}

func TestMappingDefaultPolicy(t *testing.T) {
	doc := `<?xml version="1.0"?>
<Mapping version="1" updated="2026/08/24 12:00:00">
  <ID>m</ID>
  <SCM>s</SCM>
  <DTS>d</DTS>
  <MirrorConflict></MirrorConflict>
</Mapping>`
	got, err := UnmarshalMapping([]byte(doc))
	if err != nil {
		t.Fatalf("UnmarshalMapping failed: %v", err)
	}
	if got.Policy != MirrorDTS {
		t.Errorf("default policy = %q, want DTS", got.Policy)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := &Settings{
		ID:            "jobs-to-bugz",
		StartingDate:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		LastUpdateSCM: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		LastUpdateDTS: time.Date(2026, 8, 24, 10, 0, 5, 0, time.UTC),
		Force:         true,
	}
	data, err := MarshalSettings(s, testNow)
	if err != nil {
		t.Fatalf("MarshalSettings failed: %v", err)
	}
	got, err := UnmarshalSettings(data)
	if err != nil {
		t.Fatalf("UnmarshalSettings failed: %v", err)
	}
	if !got.LastUpdateSCM.Equal(s.LastUpdateSCM) || !got.LastUpdateDTS.Equal(s.LastUpdateDTS) {
		t.Errorf("watermarks lost: %+v", got)
	}
	if !got.Force {
		t.Error("Force lost")
	}
	// The legacy element is never written back.
	if strings.Contains(string(data), "<LastUpdate>") {
		t.Errorf("legacy LastUpdate written: %s", data)
	}
}

func TestSettingsLegacyWatermark(t *testing.T) {
	doc := `<?xml version="1.0"?>
<Settings version="1" updated="2026/08/24 12:00:00">
  <ID>old</ID>
  <StartingDate>2026/01/01 00:00:00</StartingDate>
  <LastUpdate>2026/08/20 08:00:00</LastUpdate>
  <Force>false</Force>
</Settings>`
	got, err := UnmarshalSettings([]byte(doc))
	if err != nil {
		t.Fatalf("UnmarshalSettings failed: %v", err)
	}
	want := time.Date(2026, 8, 20, 8, 0, 0, 0, time.UTC)
	if !got.LastUpdateSCM.Equal(want) || !got.LastUpdateDTS.Equal(want) {
		t.Errorf("legacy watermark not migrated: scm=%v dts=%v", got.LastUpdateSCM, got.LastUpdateDTS)
	}
}
