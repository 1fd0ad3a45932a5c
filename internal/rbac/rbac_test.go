package rbac

import "testing"

func setupBasic(t *testing.T) *Manager {
	t.Helper()
	m := New()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("setup: %v", err)
		}
	}
	must(m.CreateRole("base"))
	must(m.CreateRole("admin"))
	must(m.CreateUser("alice"))
	must(m.AssignPermission("base", "SELECT"))
	must(m.AssignPermission("admin", "DELETE:users"))
	must(m.SetInheritance("admin", "base"))
	must(m.AssignRole("alice", "admin"))
	return m
}

func TestCheckGrantsThroughInheritance(t *testing.T) {
	m := setupBasic(t)
	if !m.Check("alice", "SELECT") {
		t.Fatalf("expected alice to inherit SELECT from base via admin")
	}
	if !m.Check("alice", "DELETE:users") {
		t.Fatalf("expected alice to have scoped DELETE:users permission")
	}
}

func TestCheckBareGrantImpliesAllScopes(t *testing.T) {
	m := setupBasic(t)
	if !m.Check("alice", "SELECT:orders") {
		t.Fatalf("expected bare SELECT grant to imply SELECT:orders")
	}
}

func TestCheckFailsForMissingOrDisabledUser(t *testing.T) {
	m := setupBasic(t)
	if m.Check("nobody", "SELECT") {
		t.Fatalf("expected missing user to fail check")
	}
	if err := m.SetUserEnabled("alice", false); err != nil {
		t.Fatal(err)
	}
	if m.Check("alice", "SELECT") {
		t.Fatalf("expected disabled user to fail check")
	}
}

func TestCheckFailsForInsufficientPermission(t *testing.T) {
	m := setupBasic(t)
	if m.Check("alice", "DROP:tables") {
		t.Fatalf("expected alice to lack DROP:tables")
	}
}

func TestSetInheritanceRejectsDirectCycle(t *testing.T) {
	m := New()
	if err := m.CreateRole("a"); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateRole("b"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetInheritance("a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetInheritance("b", "a"); err == nil {
		t.Fatalf("expected cycle (b->a->b) to be rejected")
	}
}

func TestSetInheritanceRejectsSelfReference(t *testing.T) {
	m := New()
	if err := m.CreateRole("a"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetInheritance("a", "a"); err == nil {
		t.Fatalf("expected self-inheritance to be rejected")
	}
}

func TestSetInheritanceRejectsUnknownRoles(t *testing.T) {
	m := New()
	if err := m.CreateRole("a"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetInheritance("a", "ghost"); err == nil {
		t.Fatalf("expected unknown parent role to be rejected")
	}
	if err := m.SetInheritance("ghost", "a"); err == nil {
		t.Fatalf("expected unknown child role to be rejected")
	}
}

func TestClosureCacheInvalidatedOnPermissionChange(t *testing.T) {
	m := setupBasic(t)
	if m.Check("alice", "UPDATE") {
		t.Fatalf("expected alice to lack UPDATE before grant")
	}
	if err := m.AssignPermission("base", "UPDATE"); err != nil {
		t.Fatal(err)
	}
	if !m.Check("alice", "UPDATE") {
		t.Fatalf("expected cache invalidation to pick up newly granted UPDATE")
	}
}
