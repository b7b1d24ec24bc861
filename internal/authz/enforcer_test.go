// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package authz

import "testing"

func newTestAuthorizer(t *testing.T) *Authorizer {
	t.Helper()
	a, err := New(Config{DefaultRole: "reader"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestEmbeddedPolicyRoles(t *testing.T) {
	a := newTestAuthorizer(t)

	if !a.Allow("admin", "/anything/at/all", "DELETE") {
		t.Error("admin denied")
	}
	if !a.Allow("reader", "/items/42", "GET") {
		t.Error("reader denied GET")
	}
	if a.Allow("reader", "/items/42", "DELETE") {
		t.Error("reader allowed DELETE")
	}
	if !a.Allow("invoker", "/items/42", "POST") {
		t.Error("invoker denied POST on /items/*")
	}
}

func TestDefaultRoleForAnonymous(t *testing.T) {
	a := newTestAuthorizer(t)
	if !a.Allow("", "/items/1", "GET") {
		t.Error("anonymous should evaluate as the reader default role")
	}
	if a.Allow("", "/items/1", "POST") {
		t.Error("anonymous POST allowed")
	}
}

func TestRuntimePolicyAndRoleGrants(t *testing.T) {
	a := newTestAuthorizer(t)
	if err := a.AddPolicy("auditor", "/audit/*", "GET"); err != nil {
		t.Fatal(err)
	}
	if err := a.AssignRole("carol", "auditor"); err != nil {
		t.Fatal(err)
	}
	if !a.Allow("carol", "/audit/2026-03", "GET") {
		t.Error("granted role not honored")
	}
	if a.Allow("carol", "/audit/2026-03", "DELETE") {
		t.Error("grant leaked beyond its action")
	}
}
