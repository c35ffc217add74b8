package model

import "time"

// Team is an organisational unit that owns request categories. Teams are
// toggled inactive, never deleted.
type Team struct {
	ID          string    `json:"id"          yaml:"id"`
	Name        string    `json:"name"        yaml:"name"`
	Description string    `json:"description" yaml:"description"`
	Active      bool      `json:"active"      yaml:"active"`
	CreatedAt   time.Time `json:"created_at"  yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at"  yaml:"-"`
}

// TeamCategoryConfig binds a (team, category) pair to the form and workflow
// templates used for new requests. At most one config per pair is active.
type TeamCategoryConfig struct {
	ID                 string    `json:"id"`
	TeamID             string    `json:"team_id"`
	Category           string    `json:"category"`
	FormTemplateID     string    `json:"form_template_id"`
	WorkflowTemplateID string    `json:"workflow_template_id"`
	IsActive           bool      `json:"is_active"`
	CreatedAt          time.Time `json:"created_at"`
}

// TemplateBundle is the active configuration for a pair together with the
// templates it references.
type TemplateBundle struct {
	Config   TeamCategoryConfig `json:"config"`
	Form     FormTemplate       `json:"form"`
	Workflow WorkflowTemplate   `json:"workflow"`
}
