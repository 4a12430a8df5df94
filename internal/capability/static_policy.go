package capability

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/onboarding/model"
)

// Permissions outside the approval steps.
const (
	PermRegistrationView   = "registration.view"
	PermRegistrationStatus = "registration.status.self"
	PermAuditRead          = "audit.read"
	PermAuditVerify        = "audit.verify"
	PermAuditArchive       = "audit.archive"
)

//go:embed roles.yaml
var defaultPolicy []byte

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// StaticPolicy maps roles to permissions from a YAML document. Without a
// file it serves the built-in policy.
type StaticPolicy struct {
	path  string
	mu    sync.RWMutex
	roles map[string]mapset.Set[string]
}

// NewStaticPolicy loads the policy at path, or the built-in policy when
// path is empty.
func NewStaticPolicy(path string) (*StaticPolicy, error) {
	p := &StaticPolicy{path: path}
	if err := p.Sync(); err != nil {
		return nil, err
	}
	return p, nil
}

// Permissions returns the union of the permissions of roles. Role names
// are normalized, so "Finance-Accountant" finds finance_accountant.
func (p *StaticPolicy) Permissions(roles ...string) model.PermissionSet {
	p.mu.RLock()
	defer p.mu.RUnlock()

	union := mapset.NewThreadUnsafeSet[string]()
	for _, role := range roles {
		if perms, ok := p.roles[model.NormalizeRole(role)]; ok {
			union = union.Union(perms)
		}
	}
	return model.NewPermissionSet(union.ToSlice()...)
}

// Roles lists the roles the policy knows.
func (p *StaticPolicy) Roles() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.roles))
	for r := range p.roles {
		out = append(out, r)
	}
	return out
}

// Sync reloads the policy.
func (p *StaticPolicy) Sync() error {
	data := defaultPolicy
	if p.path != "" {
		var err error
		data, err = os.ReadFile(p.path)
		if err != nil {
			return fmt.Errorf("capability: reading policy file %s: %w", p.path, err)
		}
	}

	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("capability: parsing policy %s: %w", p.source(), err)
	}
	if len(f.Roles) == 0 {
		return fmt.Errorf("capability: policy %s defines no roles", p.source())
	}

	roles := make(map[string]mapset.Set[string], len(f.Roles))
	for role, perms := range f.Roles {
		set := mapset.NewThreadUnsafeSet[string]()
		for _, perm := range perms {
			set.Add(perm)
		}
		roles[model.NormalizeRole(role)] = set
	}

	p.mu.Lock()
	p.roles = roles
	p.mu.Unlock()
	return nil
}

func (p *StaticPolicy) source() string {
	if p.path == "" {
		return "(built-in)"
	}
	return p.path
}
