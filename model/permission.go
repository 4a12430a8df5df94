package model

import "strings"

// PermissionSet is a set of permissions granted to an actor. Each key is a
// dotted permission string (e.g. "registration.approve.purchaser") and may
// end in a wildcard segment (e.g. "registration.approve.*").
type PermissionSet map[string]bool

// NewPermissionSet builds a set from a list of permission strings. Blank
// entries are skipped and values are trimmed.
func NewPermissionSet(perms ...string) PermissionSet {
	ps := make(PermissionSet, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p != "" {
			ps[p] = true
		}
	}
	return ps
}

// Has returns true if the set contains the exact permission or a wildcard
// that matches it.
func (ps PermissionSet) Has(perm string) bool {
	if ps[perm] {
		return true
	}
	for pattern := range ps {
		if matchWildcard(pattern, perm) {
			return true
		}
	}
	return false
}

// HasAll returns true if the set matches all given permissions.
func (ps PermissionSet) HasAll(perms ...string) bool {
	for _, p := range perms {
		if !ps.Has(p) {
			return false
		}
	}
	return true
}

// HasAny returns true if the set matches at least one of the given
// permissions.
func (ps PermissionSet) HasAny(perms ...string) bool {
	for _, p := range perms {
		if ps.Has(p) {
			return true
		}
	}
	return false
}

// Merge adds every permission from other into ps.
func (ps PermissionSet) Merge(other PermissionSet) {
	for p, ok := range other {
		if ok {
			ps[p] = true
		}
	}
}

// List returns the permissions in the set in no particular order.
func (ps PermissionSet) List() []string {
	out := make([]string, 0, len(ps))
	for p, ok := range ps {
		if ok {
			out = append(out, p)
		}
	}
	return out
}

// matchWildcard returns true if pattern (which may end in "*") matches perm.
//
//	"*"                        matches anything
//	"registration.*"           matches "registration.approve.purchaser"
//	"registration.approve.*"   matches "registration.approve.cashier"
//	"registration.approve"     does NOT match "registration.approve.cashier"
func matchWildcard(pattern, perm string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ".*") {
		return false
	}
	prefix := pattern[:len(pattern)-1]
	return strings.HasPrefix(perm, prefix)
}

// PermissionResolver resolves the permission set for an actor.
type PermissionResolver interface {
	// Resolve returns all permissions granted to the actor's roles merged
	// with any permissions carried directly on the actor.
	Resolve(actor *Actor) (PermissionSet, error)

	// Invalidate clears cached permissions for the given subject.
	Invalidate(subjectID string)
}

// PolicyEvaluator is the backend that maps roles to permissions.
type PolicyEvaluator interface {
	// ResolvePermissions returns the permissions granted to the actor's roles.
	ResolvePermissions(actor *Actor) (PermissionSet, error)

	// Sync refreshes policy data from its source.
	Sync() error
}
