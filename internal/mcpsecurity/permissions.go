// Package mcpsecurity implements the permission and audit boundary around
// tool invocation: a policy-based permission evaluator and a pluggable
// audit log, both driven from outside the core client/registry layers.
package mcpsecurity

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// PermissionLevel is a total order over access levels: a level satisfies a
// requirement if it is greater than or equal to it.
type PermissionLevel int

const (
	LevelNone PermissionLevel = iota
	LevelRead
	LevelExecute
	LevelAdmin
)

func (l PermissionLevel) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelRead:
		return "read"
	case LevelExecute:
		return "execute"
	case LevelAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// Permission grants a level of access to tools matching a server/tool glob
// pair. Patterns use shell-style globbing (path/filepath.Match semantics),
// matching the source implementation's fnmatch-based matcher.
type Permission struct {
	ServerPattern string
	ToolPattern   string
	Level         PermissionLevel
}

// Matches reports whether this permission's patterns match the given
// server/tool pair.
func (p Permission) Matches(server, tool string) bool {
	serverOK, _ := filepath.Match(p.ServerPattern, server)
	toolOK, _ := filepath.Match(p.ToolPattern, tool)
	return serverOK && toolOK
}

// ConditionEvaluator evaluates a named, pluggable condition against a
// request's context (e.g. current time, caller IP). Built-in evaluators are
// registered under "time_range" and "ip_whitelist"; callers may register
// more by name.
type ConditionEvaluator func(params map[string]any, context map[string]any) bool

// PermissionPolicy groups permissions, a deny list, and optional named
// conditions that must all pass for the policy to apply. Policies are
// evaluated in descending Priority order by PermissionManager.
type PermissionPolicy struct {
	Name        string
	Priority    int
	DenyList    []string // glob patterns over "server/tool", checked before allow rules
	Permissions []Permission
	Conditions  map[string]map[string]any // evaluator name -> params
}

// Check evaluates the policy against one request. It returns (true, true)
// if the policy explicitly allows, (false, true) if it explicitly denies
// (deny list match), and (false, false) if the policy has no opinion and
// evaluation should fall through to the next policy.
func (p PermissionPolicy) Check(server, tool string, required PermissionLevel) (allowed bool, decided bool) {
	key := server + "/" + tool
	for _, pattern := range p.DenyList {
		if ok, _ := filepath.Match(pattern, key); ok {
			return false, true
		}
	}

	for _, perm := range p.Permissions {
		if perm.Matches(server, tool) && perm.Level >= required {
			return true, true
		}
	}
	return false, false
}

// PermissionManager evaluates policies against (user, roles, server, tool,
// level) requests. It is safe for concurrent use.
type PermissionManager struct {
	mu sync.RWMutex

	policies     map[string]*PermissionPolicy
	userPolicies map[string][]string
	rolePolicies map[string][]string
	evaluators   map[string]ConditionEvaluator
	defaultLevel PermissionLevel
}

// NewPermissionManager builds a manager with the built-in time_range and
// ip_whitelist condition evaluators registered.
func NewPermissionManager() *PermissionManager {
	m := &PermissionManager{
		policies:     make(map[string]*PermissionPolicy),
		userPolicies: make(map[string][]string),
		rolePolicies: make(map[string][]string),
		evaluators:   make(map[string]ConditionEvaluator),
		defaultLevel: LevelNone,
	}
	m.evaluators["time_range"] = evaluateTimeRange
	m.evaluators["ip_whitelist"] = evaluateIPWhitelist
	return m
}

// AddPolicy registers or replaces a policy by name.
func (m *PermissionManager) AddPolicy(policy PermissionPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := policy
	m.policies[p.Name] = &p
}

// RemovePolicy deletes a policy by name.
func (m *PermissionManager) RemovePolicy(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.policies, name)
}

// GetPolicy returns a copy of a registered policy.
func (m *PermissionManager) GetPolicy(name string) (PermissionPolicy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[name]
	if !ok {
		return PermissionPolicy{}, false
	}
	return *p, true
}

// AssignPolicyToUser grants policyName to a specific user id.
func (m *PermissionManager) AssignPolicyToUser(userID, policyName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userPolicies[userID] = appendUnique(m.userPolicies[userID], policyName)
}

// AssignPolicyToRole grants policyName to every user carrying that role.
func (m *PermissionManager) AssignPolicyToRole(role, policyName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolePolicies[role] = appendUnique(m.rolePolicies[role], policyName)
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}

// RegisterConditionEvaluator makes a named condition kind available to
// policies. Registering an existing name replaces it.
func (m *PermissionManager) RegisterConditionEvaluator(name string, evaluator ConditionEvaluator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evaluators[name] = evaluator
}

// SetDefaultLevel sets the level granted when no policy applies to a
// request.
func (m *PermissionManager) SetDefaultLevel(level PermissionLevel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultLevel = level
}

// GetUserPermissions returns the names of every policy assigned to the user,
// directly or through a role.
func (m *PermissionManager) GetUserPermissions(userID string, roles []string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var names []string
	for _, name := range m.userPolicies[userID] {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for _, role := range roles {
		for _, name := range m.rolePolicies[role] {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

// CheckPermission decides whether userID (with roles) may access server/tool
// at the given level. Policies assigned to the user (directly or via role)
// are evaluated in descending Priority order; if none are assigned, every
// registered policy is considered. A policy whose Conditions don't all pass
// is skipped. If no policy decides, the manager's default level applies.
func (m *PermissionManager) CheckPermission(userID string, roles []string, server, tool string, level PermissionLevel, context map[string]any) bool {
	names := m.GetUserPermissions(userID, roles)
	m.mu.RLock()
	var candidates []*PermissionPolicy
	if len(names) > 0 {
		for _, name := range names {
			if p, ok := m.policies[name]; ok {
				candidates = append(candidates, p)
			}
		}
	} else {
		for _, p := range m.policies {
			candidates = append(candidates, p)
		}
	}
	evaluators := make(map[string]ConditionEvaluator, len(m.evaluators))
	for k, v := range m.evaluators {
		evaluators[k] = v
	}
	defaultLevel := m.defaultLevel
	m.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Priority > candidates[j].Priority })

	for _, policy := range candidates {
		if !conditionsPass(policy.Conditions, evaluators, context) {
			continue
		}
		if allowed, decided := policy.Check(server, tool, level); decided {
			return allowed
		}
	}

	return defaultLevel >= level
}

func conditionsPass(conditions map[string]map[string]any, evaluators map[string]ConditionEvaluator, context map[string]any) bool {
	for name, params := range conditions {
		evaluator, ok := evaluators[name]
		if !ok {
			return false
		}
		if !evaluator(params, context) {
			return false
		}
	}
	return true
}

// evaluateTimeRange is the built-in "time_range" condition: params carry
// "start" and "end" as "HH:MM" local-clock strings; it passes when the
// current local time falls within [start, end).
func evaluateTimeRange(params map[string]any, _ map[string]any) bool {
	start, _ := params["start"].(string)
	end, _ := params["end"].(string)
	if start == "" || end == "" {
		return false
	}

	now := time.Now().Format("15:04")
	if start <= end {
		return now >= start && now < end
	}
	// range wraps past midnight
	return now >= start || now < end
}

// evaluateIPWhitelist is the built-in "ip_whitelist" condition: params
// carry "addresses", a list of allowed IPs; it checks context["ip_address"].
func evaluateIPWhitelist(params map[string]any, context map[string]any) bool {
	addresses, _ := params["addresses"].([]string)
	ip, _ := context["ip_address"].(string)
	if ip == "" {
		return false
	}
	for _, allowed := range addresses {
		if strings.EqualFold(allowed, ip) {
			return true
		}
	}
	return false
}
