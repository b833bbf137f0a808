package plugin

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeAdapter is a minimal required-contract implementation.
type fakeAdapter struct {
	name  string
	fixes bool
}

func (f *fakeAdapter) Name() string          { return f.name }
func (f *fakeAdapter) ModuleVersion() string { return "fake/1.0" }

func (f *fakeAdapter) ExtractDate(s string) (time.Time, error) {
	return time.ParseInLocation("2006/01/02 15:04:05", s, time.UTC)
}

func (f *fakeAdapter) FormatDate(t time.Time) string {
	return t.UTC().Format("2006/01/02 15:04:05")
}

func (f *fakeAdapter) Connect(ctx context.Context, server, user, password string, attrs map[string]string) (Conn, error) {
	return nil, Fatalf("fake adapter has no server")
}

func (f *fakeAdapter) SupportsFixes() bool { return f.fixes }

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeAdapter{name: "a"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	a, err := r.Lookup("a")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if a.Name() != "a" {
		t.Errorf("Lookup returned %q", a.Name())
	}
	if _, err := r.Lookup("missing"); err == nil {
		t.Error("Lookup of an unknown name should fail")
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeAdapter{name: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&fakeAdapter{name: "a"}); err == nil {
		t.Error("duplicate name should be rejected")
	}
}

func TestFixCapableAdaptersOrderFirst(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeAdapter{name: "tracker1"})
	r.Register(&fakeAdapter{name: "tracker2"})
	r.Register(&fakeAdapter{name: "perforce", fixes: true})

	list := r.Adapters()
	if len(list) != 3 {
		t.Fatalf("Adapters() returned %d entries", len(list))
	}
	if list[0].Name() != "perforce" {
		t.Errorf("first adapter = %q, want the fix-capable one", list[0].Name())
	}
	// Relative order of the rest is preserved.
	if list[1].Name() != "tracker1" || list[2].Name() != "tracker2" {
		t.Errorf("tail order = %q, %q", list[1].Name(), list[2].Name())
	}
}

func TestErrorContinuability(t *testing.T) {
	if !CanContinue(Errorf("record busy")) {
		t.Error("Errorf should be continuable")
	}
	if CanContinue(Fatalf("connection dropped")) {
		t.Error("Fatalf should force a reconnect")
	}
	// Wrapped adapter errors keep their classification.
	wrapped := errors.Join(errors.New("context"), Fatalf("inner"))
	if CanContinue(wrapped) {
		t.Error("wrapped fatal error should stay fatal")
	}
	// Plain errors default to continuable.
	if !CanContinue(errors.New("not an adapter error")) {
		t.Error("non-adapter errors should be continuable")
	}
	if !CanContinue(nil) {
		t.Error("nil should be continuable")
	}
}

// bareConn implements only the required connection contract.
type bareConn struct{}

func (bareConn) ServerVersion(ctx context.Context) (string, error)    { return "", nil }
func (bareConn) ServerWarnings(ctx context.Context) ([]string, error) { return nil, nil }
func (bareConn) ServerDate(ctx context.Context) (time.Time, error)    { return time.Time{}, nil }
func (bareConn) ListProjects(ctx context.Context) ([]string, error)   { return nil, nil }
func (bareConn) Project(ctx context.Context, name string) (Project, error) {
	return nil, Errorf("no projects")
}
func (bareConn) Close() error { return nil }

func TestProbeDefaults(t *testing.T) {
	caps := Probe(bareConn{})
	if caps.UTF8 != -1 {
		t.Errorf("UTF8 = %d, want -1 for an unaware connection", caps.UTF8)
	}
	if caps.Offline != nil || caps.Msg != nil {
		t.Error("absent capabilities should probe to nil")
	}
	if caps.OfflineAdvice() != -1 {
		t.Errorf("OfflineAdvice = %d, want -1 fallback", caps.OfflineAdvice())
	}
}
