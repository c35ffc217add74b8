package definition

import (
	"crypto/sha256"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/approvals/model"
)

// snapshot is an immutable merge of all loaded seed files.
type snapshot struct {
	files     int
	teams     []model.TeamDefinition
	forms     map[string]model.FormTemplateDefinition
	workflows map[string]model.WorkflowTemplateDefinition
	formKeys  []string
	flowKeys  []string
	configs   []model.ConfigDefinition
	approvers map[string][]model.RoleRef
	checksum  string
}

// Registry is a read-optimized, thread-safe view of the loaded seed
// definitions. It uses atomic pointer swap for lock-free concurrent reads.
// Later files win when two files declare the same key.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []model.SeedDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions.
func (r *Registry) Replace(defs []model.SeedDefinition) {
	s := &snapshot{
		files:     len(defs),
		forms:     make(map[string]model.FormTemplateDefinition),
		workflows: make(map[string]model.WorkflowTemplateDefinition),
		approvers: make(map[string][]model.RoleRef),
	}

	var checksumParts []string
	teamIdx := make(map[string]int)
	configIdx := make(map[string]int)

	for _, def := range defs {
		checksumParts = append(checksumParts, def.Checksum)

		for _, t := range def.Teams {
			if i, ok := teamIdx[t.ID]; ok {
				s.teams[i] = t
				continue
			}
			teamIdx[t.ID] = len(s.teams)
			s.teams = append(s.teams, t)
		}
		for _, f := range def.FormTemplates {
			if _, ok := s.forms[f.Key]; !ok {
				s.formKeys = append(s.formKeys, f.Key)
			}
			s.forms[f.Key] = f
		}
		for _, w := range def.WorkflowTemplates {
			if _, ok := s.workflows[w.Key]; !ok {
				s.flowKeys = append(s.flowKeys, w.Key)
			}
			s.workflows[w.Key] = w
		}
		for _, c := range def.Configs {
			k := c.TeamID + "/" + c.Category
			if i, ok := configIdx[k]; ok {
				s.configs[i] = c
				continue
			}
			configIdx[k] = len(s.configs)
			s.configs = append(s.configs, c)
		}
		for id, roles := range def.Approvers {
			s.approvers[id] = slices.Clone(roles)
		}
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Files returns the number of seed files in the snapshot.
func (r *Registry) Files() int {
	return r.current().files
}

// Teams returns the team definitions in declaration order.
func (r *Registry) Teams() []model.TeamDefinition {
	return slices.Clone(r.current().teams)
}

// GetFormTemplate returns the form template definition with the given key.
func (r *Registry) GetFormTemplate(key string) (model.FormTemplateDefinition, bool) {
	f, ok := r.current().forms[key]
	return f, ok
}

// GetWorkflowTemplate returns the workflow template definition with the
// given key.
func (r *Registry) GetWorkflowTemplate(key string) (model.WorkflowTemplateDefinition, bool) {
	w, ok := r.current().workflows[key]
	return w, ok
}

// FormTemplates returns the form template definitions in declaration order.
func (r *Registry) FormTemplates() []model.FormTemplateDefinition {
	s := r.current()
	out := make([]model.FormTemplateDefinition, 0, len(s.formKeys))
	for _, k := range s.formKeys {
		out = append(out, s.forms[k])
	}
	return out
}

// WorkflowTemplates returns the workflow template definitions in
// declaration order.
func (r *Registry) WorkflowTemplates() []model.WorkflowTemplateDefinition {
	s := r.current()
	out := make([]model.WorkflowTemplateDefinition, 0, len(s.flowKeys))
	for _, k := range s.flowKeys {
		out = append(out, s.workflows[k])
	}
	return out
}

// Configs returns the config definitions, one per (team, category) pair.
func (r *Registry) Configs() []model.ConfigDefinition {
	return slices.Clone(r.current().configs)
}

// Approvers returns the declared approver ids in sorted order.
func (r *Registry) Approvers() []string {
	return slices.Sorted(maps.Keys(r.current().approvers))
}

// ApproverRoles returns the roles declared for an approver.
func (r *Registry) ApproverRoles(approverID string) []model.RoleRef {
	return slices.Clone(r.current().approvers[approverID])
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
