package memplugin

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dtgate/dtgate/internal/plugin"
	"github.com/dtgate/dtgate/internal/types"
)

func testFields() []types.FieldDesc {
	return []types.FieldDesc{
		{Name: "Job", Type: types.FieldWord, Access: types.AccessDefectID},
		{Name: "ModDate", Type: types.FieldDate, Access: types.AccessModDate},
		{Name: "ModBy", Type: types.FieldWord, Access: types.AccessModUser},
		{Name: "Region", Type: types.FieldSelect, SelectValues: []string{"west", "east"}},
		{Name: "Description", Type: types.FieldText},
		{Name: types.FieldDTIssue, Type: types.FieldWord},
		{Name: types.FieldFixes, Type: types.FieldText},
		{Name: types.FieldError, Type: types.FieldText},
	}
}

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(Config{
		Name:          "mem",
		Path:          filepath.Join(t.TempDir(), "mem.db"),
		Fields:        testFields(),
		Projects:      []string{"jobs"},
		UTF8:          1,
		SupportsFixes: true,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func openProject(t *testing.T, a *Adapter, user string) plugin.Project {
	t.Helper()
	ctx := context.Background()
	conn, err := a.Connect(ctx, "local", user, "", nil)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	proj, err := conn.Project(ctx, "jobs")
	if err != nil {
		t.Fatalf("Project failed: %v", err)
	}
	return proj
}

func TestNewRequiresStampFields(t *testing.T) {
	_, err := New(Config{
		Name:   "broken",
		Path:   filepath.Join(t.TempDir(), "b.db"),
		Fields: []types.FieldDesc{{Name: "Description", Type: types.FieldText}},
	})
	if err == nil {
		t.Error("schema without stamp fields should be rejected")
	}
}

func TestSaveAssignsIDAndStamps(t *testing.T) {
	a := newTestAdapter(t)
	a.SetNow(func() time.Time { return time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC) })
	proj := openProject(t, a, "replicator")
	ctx := context.Background()

	rec, err := proj.NewDefect(ctx)
	if err != nil {
		t.Fatalf("NewDefect failed: %v", err)
	}
	defer rec.Close()
	if err := rec.SetField("Description", "hello"); err != nil {
		t.Fatal(err)
	}
	id, err := rec.Save(ctx)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if id == "" {
		t.Fatal("Save of a new record must assign an id")
	}

	got, err := a.ReadRecord(id)
	if err != nil {
		t.Fatal(err)
	}
	if got["Job"] != id {
		t.Errorf("identity field = %q, want %q", got["Job"], id)
	}
	if got["ModDate"] != "2026/08/24 09:00:00" {
		t.Errorf("ModDate = %q", got["ModDate"])
	}
	if got["ModBy"] != "replicator" {
		t.Errorf("ModBy = %q", got["ModBy"])
	}
}

func TestCleanSaveIsNoOp(t *testing.T) {
	a := newTestAdapter(t)
	base := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	a.SetNow(func() time.Time { return base })
	proj := openProject(t, a, "replicator")
	ctx := context.Background()

	id, err := a.CreateRecord("jobs", "alice", map[string]string{"Description": "x"})
	if err != nil {
		t.Fatal(err)
	}
	before, _ := a.ReadRecord(id)

	// Load and save without staging anything, with the clock advanced.
	a.SetNow(func() time.Time { return base.Add(time.Hour) })
	rec, err := proj.Defect(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	defer rec.Close()
	if _, err := rec.Save(ctx); err != nil {
		t.Fatalf("clean Save failed: %v", err)
	}

	after, _ := a.ReadRecord(id)
	if after["ModDate"] != before["ModDate"] || after["ModBy"] != before["ModBy"] {
		t.Errorf("clean save advanced the stamp: %v -> %v", before["ModDate"], after["ModDate"])
	}
}

func TestListChangedDefects(t *testing.T) {
	a := newTestAdapter(t)
	proj := openProject(t, a, "replicator")
	ctx := context.Background()

	stamp := func(h int) time.Time { return time.Date(2026, 8, 24, h, 0, 0, 0, time.UTC) }
	a.SetNow(func() time.Time { return stamp(8) })
	early, _ := a.CreateRecord("jobs", "alice", map[string]string{"Description": "early"})
	a.SetNow(func() time.Time { return stamp(10) })
	late, _ := a.CreateRecord("jobs", "bob", map[string]string{"Description": "late"})
	a.SetNow(func() time.Time { return stamp(11) })
	mine, _ := a.CreateRecord("jobs", "replicator", map[string]string{"Description": "own write"})

	// Watermark at 09:00 drops the early record.
	ids, err := proj.ListChangedDefects(ctx, 0, stamp(9), "ModDate", "ModBy", "")
	if err != nil {
		t.Fatalf("ListChangedDefects failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != late || ids[1] != mine {
		t.Errorf("since 09:00 = %v, want [%s %s]", ids, late, mine)
	}

	// Excluding the replication user drops its own write.
	ids, err = proj.ListChangedDefects(ctx, 0, time.Time{}, "ModDate", "ModBy", "replicator")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != early || ids[1] != late {
		t.Errorf("excludeUser = %v", ids)
	}

	// maxRows caps the result.
	ids, err = proj.ListChangedDefects(ctx, 1, time.Time{}, "ModDate", "ModBy", "")
	if err != nil || len(ids) != 1 {
		t.Errorf("maxRows=1 = (%v, %v)", ids, err)
	}
}

func TestSegmentFilterRestrictsListing(t *testing.T) {
	a := newTestAdapter(t)
	proj := openProject(t, a, "replicator")
	ctx := context.Background()

	west1, _ := a.CreateRecord("jobs", "alice", map[string]string{"Region": "west"})
	a.CreateRecord("jobs", "alice", map[string]string{"Region": "east"})
	west2, _ := a.CreateRecord("jobs", "bob", map[string]string{"Region": "west"})

	seg := plugin.ProjectSegmenter(proj)
	if seg == nil {
		t.Fatal("adapter should expose the segment filter capability")
	}
	err := seg.SetSegmentFilter(ctx, types.FieldDesc{
		Name: "Region", Type: types.FieldSelect, SelectValues: []string{"west"},
	})
	if err != nil {
		t.Fatal(err)
	}
	ids, err := proj.ListChangedDefects(ctx, 0, time.Time{}, "ModDate", "ModBy", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != west1 || ids[1] != west2 {
		t.Errorf("segmented listing = %v, want [%s %s]", ids, west1, west2)
	}

	// maxRows applies after the segment check.
	ids, err = proj.ListChangedDefects(ctx, 1, time.Time{}, "ModDate", "ModBy", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != west1 {
		t.Errorf("segmented listing with maxRows=1 = %v, want [%s]", ids, west1)
	}
}

func TestFindDefects(t *testing.T) {
	a := newTestAdapter(t)
	proj := openProject(t, a, "replicator")
	ctx := context.Background()

	paired, _ := a.CreateRecord("jobs", "alice", map[string]string{types.FieldDTIssue: "77"})
	a.CreateRecord("jobs", "alice", map[string]string{types.FieldDTIssue: "78"})

	fixes := plugin.ProjectFixes(proj)
	if fixes == nil {
		t.Fatal("fix-capable adapter should expose FixLister")
	}
	ids, err := fixes.FindDefects(ctx, 0, types.FieldDTIssue+"=77")
	if err != nil {
		t.Fatalf("FindDefects failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != paired {
		t.Errorf("FindDefects = %v, want [%s]", ids, paired)
	}

	ids, err = fixes.FindDefects(ctx, 0, types.FieldDTIssue+"=none")
	if err != nil || len(ids) != 0 {
		t.Errorf("no-match FindDefects = (%v, %v)", ids, err)
	}

	if _, err := fixes.FindDefects(ctx, 0, "malformed term"); err == nil {
		t.Error("query term without '=' should fail")
	}
}

func TestFixOperations(t *testing.T) {
	a := newTestAdapter(t)
	proj := openProject(t, a, "replicator")
	ctx := context.Background()

	id, _ := a.CreateRecord("jobs", "alice", nil)
	fix := types.FixDesc{
		Change: "1042", User: "alice", Stamp: "2026/08/24 09:00:00",
		Desc: "fix it", Files: []string{"//depot/a.c#2", "//depot/b.c#5"},
	}
	if err := a.AddFix("jobs", id, fix); err != nil {
		t.Fatal(err)
	}

	fixes := plugin.ProjectFixes(proj)
	got, err := fixes.ListFixes(ctx, id)
	if err != nil || len(got) != 1 || got[0] != "1042" {
		t.Fatalf("ListFixes = (%v, %v)", got, err)
	}
	desc, err := fixes.DescribeFix(ctx, "1042")
	if err != nil {
		t.Fatalf("DescribeFix failed: %v", err)
	}
	if desc.User != "alice" || len(desc.Files) != 2 {
		t.Errorf("DescribeFix = %+v", desc)
	}

	if err := a.RemoveFix("jobs", id, "1042"); err != nil {
		t.Fatal(err)
	}
	got, err = fixes.ListFixes(ctx, id)
	if err != nil || len(got) != 0 {
		t.Errorf("ListFixes after remove = (%v, %v)", got, err)
	}
}

func TestServerHooks(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	conn, err := a.Connect(ctx, "local", "u", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Induced outage fails exactly n calls.
	a.FailServerDate(2)
	for i := 0; i < 2; i++ {
		if _, err := conn.ServerDate(ctx); err == nil {
			t.Fatalf("call %d should fail", i+1)
		} else if plugin.CanContinue(err) {
			t.Error("outage should not be continuable")
		}
	}
	if _, err := conn.ServerDate(ctx); err != nil {
		t.Errorf("call after outage failed: %v", err)
	}

	// Offline advice is settable, defaulting to -1.
	caps := plugin.Probe(conn)
	if caps.OfflineAdvice() != -1 {
		t.Errorf("default advice = %d", caps.OfflineAdvice())
	}
	a.SetOfflineAdvice(7)
	if caps.OfflineAdvice() != 7 {
		t.Errorf("advice = %d, want 7", caps.OfflineAdvice())
	}

	// Injected messages drain once.
	a.InjectMessage("hello", 2)
	if text, level := caps.Msg.Message(); text != "hello" || level != 2 {
		t.Errorf("Message = (%q, %d)", text, level)
	}
	if text, level := caps.Msg.Message(); text != "" || level < 4 {
		t.Errorf("drained Message = (%q, %d)", text, level)
	}
}

func TestFieldErrors(t *testing.T) {
	a := newTestAdapter(t)
	proj := openProject(t, a, "u")
	ctx := context.Background()

	rec, err := proj.NewDefect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer rec.Close()

	if _, err := rec.Field("NoSuchField"); err == nil {
		t.Error("reading an undefined field should fail")
	}
	if err := rec.SetField("NoSuchField", "x"); err == nil {
		t.Error("writing an undefined field should fail")
	}
	// Defined but unset fields read as empty.
	if v, err := rec.Field("Description"); err != nil || v != "" {
		t.Errorf("unset field = (%q, %v)", v, err)
	}

	if _, err := proj.Defect(ctx, "9999"); err == nil {
		t.Error("loading a missing record should fail")
	}
}
