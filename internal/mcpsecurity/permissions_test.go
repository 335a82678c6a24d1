package mcpsecurity

import "testing"

func TestPermission_Matches(t *testing.T) {
	p := Permission{ServerPattern: "git*", ToolPattern: "read_*", Level: LevelRead}
	if !p.Matches("github", "read_file") {
		t.Error("expected match")
	}
	if p.Matches("slack", "read_file") {
		t.Error("expected server mismatch to fail")
	}
	if p.Matches("github", "write_file") {
		t.Error("expected tool mismatch to fail")
	}
}

func TestPermissionPolicy_DenyListWins(t *testing.T) {
	policy := PermissionPolicy{
		Name:        "p",
		Permissions: []Permission{{ServerPattern: "*", ToolPattern: "*", Level: LevelAdmin}},
		DenyList:    []string{"github/delete_*"},
	}
	allowed, decided := policy.Check("github", "delete_repo", LevelRead)
	if !decided || allowed {
		t.Fatalf("expected explicit deny, got allowed=%v decided=%v", allowed, decided)
	}
}

func TestPermissionPolicy_NoOpinionFallsThrough(t *testing.T) {
	policy := PermissionPolicy{Name: "p"}
	_, decided := policy.Check("github", "read_file", LevelRead)
	if decided {
		t.Fatal("expected policy with no permissions to not decide")
	}
}

func TestPermissionManager_UserPolicyPriorityOrder(t *testing.T) {
	m := NewPermissionManager()
	m.AddPolicy(PermissionPolicy{
		Name:     "low-priority-deny",
		Priority: 1,
		DenyList: []string{"*/*"},
	})
	m.AddPolicy(PermissionPolicy{
		Name:        "high-priority-allow",
		Priority:    10,
		Permissions: []Permission{{ServerPattern: "*", ToolPattern: "*", Level: LevelExecute}},
	})
	m.AssignPolicyToUser("alice", "low-priority-deny")
	m.AssignPolicyToUser("alice", "high-priority-allow")

	if !m.CheckPermission("alice", nil, "github", "read_file", LevelRead, nil) {
		t.Fatal("expected higher-priority allow policy to win")
	}
}

func TestPermissionManager_RoleAssignment(t *testing.T) {
	m := NewPermissionManager()
	m.AddPolicy(PermissionPolicy{
		Name:        "coder",
		Permissions: []Permission{{ServerPattern: "*", ToolPattern: "*", Level: LevelExecute}},
	})
	m.AssignPolicyToRole("coder-role", "coder")

	if !m.CheckPermission("bob", []string{"coder-role"}, "github", "read_file", LevelRead, nil) {
		t.Fatal("expected role-assigned policy to grant access")
	}
}

func TestPermissionManager_DefaultLevelFallback(t *testing.T) {
	m := NewPermissionManager()
	m.SetDefaultLevel(LevelRead)

	if !m.CheckPermission("nobody", nil, "github", "read_file", LevelRead, nil) {
		t.Fatal("expected default level to satisfy a read request")
	}
	if m.CheckPermission("nobody", nil, "github", "delete_repo", LevelAdmin, nil) {
		t.Fatal("expected default level to reject an admin request")
	}
}

func TestPermissionManager_ConditionGatesPolicy(t *testing.T) {
	m := NewPermissionManager()
	m.RegisterConditionEvaluator("always_false", func(map[string]any, map[string]any) bool { return false })
	m.AddPolicy(PermissionPolicy{
		Name:        "gated",
		Permissions: []Permission{{ServerPattern: "*", ToolPattern: "*", Level: LevelAdmin}},
		Conditions:  map[string]map[string]any{"always_false": {}},
	})
	m.SetDefaultLevel(LevelNone)

	if m.CheckPermission("anyone", nil, "github", "anything", LevelRead, nil) {
		t.Fatal("expected gated policy to be skipped and default level to deny")
	}
}

func TestPermissionManager_IPWhitelist(t *testing.T) {
	m := NewPermissionManager()
	m.AddPolicy(PermissionPolicy{
		Name:        "office-only",
		Permissions: []Permission{{ServerPattern: "*", ToolPattern: "*", Level: LevelExecute}},
		Conditions:  map[string]map[string]any{"ip_whitelist": {"addresses": []string{"10.0.0.1"}}},
	})

	allowedCtx := map[string]any{"ip_address": "10.0.0.1"}
	deniedCtx := map[string]any{"ip_address": "192.168.1.1"}

	if !m.CheckPermission("u", nil, "s", "t", LevelRead, allowedCtx) {
		t.Error("expected whitelisted IP to be allowed")
	}
	if m.CheckPermission("u", nil, "s", "t", LevelRead, deniedCtx) {
		t.Error("expected non-whitelisted IP to fall through to default (none)")
	}
}
