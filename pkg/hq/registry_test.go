package hq

import (
	"testing"
)

func TestRegistry_RegisterAndResolve(t *testing.T) {
	reg := NewRegistry()

	remote, err := reg.Register("r1", "peer-one", "http://peer:4020", "tok")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if got := reg.Get("r1"); got != remote {
		t.Error("Get() should return the registered remote")
	}
	if len(reg.List()) != 1 {
		t.Errorf("List() = %d remotes, want 1", len(reg.List()))
	}
}

func TestRegistry_RequiredFields(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Register("", "n", "u", "t"); err == nil {
		t.Error("empty id should be rejected")
	}
	if _, err := reg.Register("i", "n", "u", ""); err == nil {
		t.Error("empty token should be rejected")
	}
}

func TestRegistry_DuplicateName(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Register("r1", "same", "http://a", "t"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := reg.Register("r2", "same", "http://b", "t"); err == nil {
		t.Error("duplicate remote name should be rejected")
	}
	// Same id re-registers fine.
	if _, err := reg.Register("r1", "same", "http://c", "t"); err != nil {
		t.Errorf("re-register same id error = %v", err)
	}
}

func TestRegistry_SessionIndex(t *testing.T) {
	reg := NewRegistry()
	reg.Register("r1", "one", "http://a", "t")
	reg.Register("r2", "two", "http://b", "t")

	if err := reg.BindSession("s1", "r1"); err != nil {
		t.Fatalf("BindSession() error = %v", err)
	}
	if remote := reg.RemoteForSession("s1"); remote == nil || remote.ID != "r1" {
		t.Errorf("RemoteForSession(s1) = %v", remote)
	}

	// A session lives on at most one remote: rebinding moves it.
	if err := reg.BindSession("s1", "r2"); err != nil {
		t.Fatalf("BindSession() error = %v", err)
	}
	if remote := reg.RemoteForSession("s1"); remote.ID != "r2" {
		t.Errorf("session should have moved to r2, got %s", remote.ID)
	}
	if ids := reg.Get("r1").LiveSessionIDs(); len(ids) != 0 {
		t.Errorf("r1 should have no sessions, got %v", ids)
	}

	reg.UnbindSession("s1")
	if reg.RemoteForSession("s1") != nil {
		t.Error("unbound session should resolve to nil")
	}
}

func TestRegistry_BindUnknownRemote(t *testing.T) {
	reg := NewRegistry()
	if err := reg.BindSession("s1", "ghost"); err == nil {
		t.Error("binding to an unknown remote should fail")
	}
}

func TestRegistry_UnregisterDropsSessions(t *testing.T) {
	reg := NewRegistry()
	reg.Register("r1", "one", "http://a", "t")
	reg.BindSession("s1", "r1")
	reg.BindSession("s2", "r1")

	if !reg.Unregister("r1") {
		t.Fatal("Unregister() should report success")
	}
	if reg.RemoteForSession("s1") != nil || reg.RemoteForSession("s2") != nil {
		t.Error("sessions of an unregistered remote should be dropped")
	}
	if reg.Unregister("r1") {
		t.Error("second Unregister() should report false")
	}
}
