package model

// SeedDefinition is one parsed seed file. Templates are referenced by their
// Key within the loaded set so that configs can name them before any
// template ID exists.
type SeedDefinition struct {
	Teams             []TeamDefinition             `yaml:"teams"`
	FormTemplates     []FormTemplateDefinition     `yaml:"form_templates"`
	WorkflowTemplates []WorkflowTemplateDefinition `yaml:"workflow_templates"`
	Configs           []ConfigDefinition           `yaml:"configs"`
	Approvers         map[string][]RoleRef         `yaml:"approvers"`

	// Set by the loader.
	Checksum   string `yaml:"-"`
	SourceFile string `yaml:"-"`
}

// TeamDefinition declares a team. Active defaults to true when omitted.
type TeamDefinition struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Active      *bool  `yaml:"active"`
}

// IsActive reports the declared activity, defaulting to true.
func (t TeamDefinition) IsActive() bool {
	return t.Active == nil || *t.Active
}

// FormTemplateDefinition declares the desired content of a form template
// scope's active version.
type FormTemplateDefinition struct {
	Key    string        `yaml:"key"`
	Name   string        `yaml:"name"`
	Scope  TemplateScope `yaml:",inline"`
	Fields []FieldSpec   `yaml:"fields"`
}

// WorkflowTemplateDefinition declares the desired content of a workflow
// template scope's active version.
type WorkflowTemplateDefinition struct {
	Key   string        `yaml:"key"`
	Name  string        `yaml:"name"`
	Scope TemplateScope `yaml:",inline"`
	Steps []StepSpec    `yaml:"steps"`
}

// ConfigDefinition binds a (team, category) pair to template keys.
type ConfigDefinition struct {
	TeamID   string `yaml:"team_id"`
	Category string `yaml:"category"`
	Form     string `yaml:"form"`
	Workflow string `yaml:"workflow"`
}
