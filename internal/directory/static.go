package directory

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/approvals/model"
)

type policyFile struct {
	Approvers map[string][]string `yaml:"approvers"`
}

// StaticDirectory resolves roles from a YAML file of the form
//
//	approvers:
//	  alice: [MANAGER]
//	  bob: [FINANCE]
//
// Unknown approvers hold no roles.
type StaticDirectory struct {
	path string

	mu        sync.RWMutex
	approvers map[string]model.RoleSet
	loaded    bool
}

// NewStaticDirectory creates a directory and loads it from path. An empty
// path yields an empty directory that can be filled with Assign.
func NewStaticDirectory(path string) (*StaticDirectory, error) {
	d := &StaticDirectory{path: path, approvers: make(map[string]model.RoleSet)}
	if path == "" {
		d.loaded = true
		return d, nil
	}
	if err := d.Sync(); err != nil {
		return nil, err
	}
	return d, nil
}

// Lookup implements Source.
func (d *StaticDirectory) Lookup(approverID string) (model.RoleSet, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	roles := d.approvers[approverID]
	out := make(model.RoleSet, len(roles))
	for r := range roles {
		out[r] = true
	}
	return out, nil
}

// Assign merges roles into an approver's entry. Seed definitions use it to
// register approvers alongside the policy file.
func (d *StaticDirectory) Assign(approverID string, roles ...model.RoleRef) {
	d.mu.Lock()
	defer d.mu.Unlock()

	set, ok := d.approvers[approverID]
	if !ok {
		set = make(model.RoleSet, len(roles))
		d.approvers[approverID] = set
	}
	for _, r := range roles {
		set[r] = true
	}
}

// Loaded reports whether the directory holds a successfully parsed policy.
func (d *StaticDirectory) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded
}

// Sync reloads the policy file from disk. Roles added with Assign are
// replaced by the file's content.
func (d *StaticDirectory) Sync() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("directory: reading policy file %s: %w", d.path, err)
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("directory: parsing policy file %s: %w", d.path, err)
	}

	approvers := make(map[string]model.RoleSet, len(p.Approvers))
	for id, roles := range p.Approvers {
		set := make(model.RoleSet, len(roles))
		for _, r := range roles {
			set[model.RoleRef(r)] = true
		}
		approvers[id] = set
	}

	d.mu.Lock()
	d.approvers = approvers
	d.loaded = true
	d.mu.Unlock()

	return nil
}
