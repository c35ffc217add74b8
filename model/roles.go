package model

import "sort"

// RoleRef names an organisational role, e.g. "MANAGER" or "FINANCE".
type RoleRef string

// RoleSet is the set of roles held by an approver.
type RoleSet map[RoleRef]bool

// NewRoleSet builds a RoleSet from the given roles.
func NewRoleSet(roles ...RoleRef) RoleSet {
	rs := make(RoleSet, len(roles))
	for _, r := range roles {
		rs[r] = true
	}
	return rs
}

// Has returns true if the set contains the role.
func (rs RoleSet) Has(role RoleRef) bool {
	return rs[role]
}

// HasAny returns true if the set contains at least one of the given roles.
func (rs RoleSet) HasAny(roles ...RoleRef) bool {
	for _, r := range roles {
		if rs[r] {
			return true
		}
	}
	return false
}

// Intersect returns the roles present in both the set and the given list,
// sorted for deterministic iteration.
func (rs RoleSet) Intersect(roles []RoleRef) []RoleRef {
	var out []RoleRef
	seen := make(map[RoleRef]bool, len(roles))
	for _, r := range roles {
		if rs[r] && !seen[r] {
			out = append(out, r)
			seen[r] = true
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RoleResolver resolves the roles an approver holds.
type RoleResolver interface {
	// Resolve returns the roles for the given approver. Unknown approvers
	// resolve to an empty set, not an error.
	Resolve(approverID string) (RoleSet, error)

	// Invalidate clears any cached roles for the approver.
	Invalidate(approverID string)
}
