package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Actor carries identity, role, and permission information for the lifetime
// of an authenticated request. It is immutable after construction and safe
// for concurrent reads.
type Actor struct {
	SubjectID            string
	Name                 string
	Email                string
	Role                 string
	AccountType          string
	Permissions          PermissionSet
	SupplierID           *int64
	RelatedApplicationID *int64
	Claims               map[string]any
	IPAddress            string
	CorrelationID        string
	TraceID              string
}

// Validate checks that all mandatory fields are present.
func (a *Actor) Validate() error {
	var errs []error
	if a.SubjectID == "" {
		errs = append(errs, fmt.Errorf("SubjectID is required"))
	}
	if a.Role == "" {
		errs = append(errs, fmt.Errorf("Role is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// NormalizedRole returns the actor's role in canonical form.
func (a *Actor) NormalizedRole() string {
	return NormalizeRole(a.Role)
}

// HasPermission reports whether the actor holds perm.
func (a *Actor) HasPermission(perm string) bool {
	return a.Permissions.Has(perm)
}

// IsTrackingAccount reports whether the actor is a provisional applicant
// login rather than staff.
func (a *Actor) IsTrackingAccount() bool {
	return strings.EqualFold(a.Role, RoleTracking) || strings.EqualFold(a.AccountType, AccountTypeTracking)
}

// Claim returns the value of the given claim key, or nil if not present.
func (a *Actor) Claim(key string) any {
	if a.Claims == nil {
		return nil
	}
	return a.Claims[key]
}

// NormalizeRole lowercases a role name, trims it, and folds spaces and
// hyphens into underscores so "Finance-Accountant" equals "finance_accountant".
func NormalizeRole(role string) string {
	r := strings.ToLower(strings.TrimSpace(role))
	r = strings.ReplaceAll(r, "-", "_")
	r = strings.ReplaceAll(r, " ", "_")
	return r
}

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type contextKey struct{}

// WithActor attaches an Actor to the given context.
func WithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, actor)
}

// ActorFrom extracts the Actor from the context, or returns nil if not
// present.
func ActorFrom(ctx context.Context) *Actor {
	actor, _ := ctx.Value(contextKey{}).(*Actor)
	return actor
}

// MustActor extracts the Actor from the context, panicking if it is not
// present. Only call it in handlers mounted behind the authentication
// middleware.
func MustActor(ctx context.Context) *Actor {
	actor := ActorFrom(ctx)
	if actor == nil {
		panic("model: Actor not found in context")
	}
	return actor
}

type clientIPKey struct{}

// WithClientIP records the caller's network address for requests that
// carry no Actor.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// ClientIPFrom returns the caller's address: the Actor's when present,
// otherwise the one recorded by WithClientIP.
func ClientIPFrom(ctx context.Context) string {
	if actor := ActorFrom(ctx); actor != nil && actor.IPAddress != "" {
		return actor.IPAddress
	}
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}
